package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timerelay/internal/config"
	"timerelay/internal/protocol"
	"timerelay/internal/server/store"
)

// livePollInterval paces broadcast draining and replay pages so a busy
// replay on one stream cannot starve live traffic on another.
const livePollInterval = 10 * time.Millisecond

func (s *Server) serveReceiverWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("receiver websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	claims, err := s.auth.Authenticate(ctx, r, DeviceTypeReceiver)
	if err != nil {
		sendError(conn, protocol.CodeInvalidToken, err.Error(), false)
		return
	}
	deviceID := claims.DeviceID
	log := s.log.With(zap.String("device_id", deviceID))

	if !s.registry.Register(deviceID) {
		sendError(conn, protocol.CodeProtocolError, "a session for this device is already active", false)
		return
	}
	defer s.registry.Unregister(deviceID)

	inbound := readPump(conn, s.cfg.SessionTimeout, log)
	hello, ok := awaitReceiverHello(conn, inbound, s.cfg.SessionTimeout)
	if !ok {
		return
	}
	if hello.ReceiverID != "" && hello.ReceiverID != deviceID {
		sendError(conn, protocol.CodeIdentityMismatch, "hello receiver_id does not match token claims", false)
		return
	}

	sessionID := NewSessionID()
	log = log.With(zap.String("session_id", sessionID))
	log.Info("receiver connected")

	if err := sendMessage(conn, protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sessionID, DeviceID: deviceID}); err != nil {
		return
	}

	session := &receiverSession{
		srv:       s,
		conn:      conn,
		log:       log,
		sessionID: sessionID,
		deviceID:  deviceID,
		subs:      make(map[string]*streamSub),
		resume:    make(map[protocol.StreamRef]store.Cursor),
	}
	for _, cursor := range hello.Resume {
		ref := protocol.StreamRef{ForwarderID: cursor.ForwarderID, ReaderAddress: cursor.ReaderAddress}
		session.resume[ref] = store.Cursor{Epoch: cursor.StreamEpoch, Seq: cursor.LastSeq}
	}
	defer session.closeSubs()

	selection := selectionFromHello(hello)
	if err := session.applySelection(ctx, selection); err != nil {
		log.Error("failed to apply selection", zap.Error(err))
		sendError(conn, protocol.CodeInternalError, "failed to apply selection", true)
		return
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(livePollInterval)
	defer poll.Stop()
	raceRefresh := time.NewTicker(config.DefaultRaceRefreshInterval)
	defer raceRefresh.Stop()

	for {
		select {
		case raw, open := <-inbound:
			if !open {
				log.Info("receiver disconnected")
				return
			}
			if !session.handleMessage(ctx, raw) {
				return
			}
		case <-heartbeat.C:
			if err := sendMessage(conn, protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sessionID, DeviceID: deviceID}); err != nil {
				return
			}
		case <-raceRefresh.C:
			if session.mode == protocol.ModeRace {
				if err := session.refreshRace(ctx); err != nil {
					log.Warn("race mapping refresh failed", zap.Error(err))
				}
			}
		case <-poll.C:
			if err := session.pump(ctx); err != nil {
				log.Warn("receiver delivery failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func awaitReceiverHello(conn *websocket.Conn, inbound <-chan []byte, timeout time.Duration) (protocol.ReceiverHello, bool) {
	select {
	case raw, open := <-inbound:
		if !open {
			return protocol.ReceiverHello{}, false
		}
		kind, err := protocol.Kind(raw)
		if err != nil {
			sendError(conn, protocol.CodeProtocolError, "invalid JSON: "+err.Error(), false)
			return protocol.ReceiverHello{}, false
		}
		switch kind {
		case protocol.KindReceiverHello, protocol.KindReceiverHelloV11, protocol.KindReceiverHelloV12:
		default:
			sendError(conn, protocol.CodeProtocolError, "expected receiver_hello", false)
			return protocol.ReceiverHello{}, false
		}
		var hello protocol.ReceiverHello
		if err := protocol.DecodeInto(raw, &hello); err != nil {
			sendError(conn, protocol.CodeProtocolError, "invalid receiver_hello: "+err.Error(), false)
			return protocol.ReceiverHello{}, false
		}
		return hello, true
	case <-time.After(timeout):
		sendError(conn, protocol.CodeProtocolError, "timeout waiting for receiver_hello", false)
		return protocol.ReceiverHello{}, false
	}
}

// selectionFromHello maps the v1 hello (bare resume cursors) onto the
// v1.2 selection union: Live over the resumed streams.
func selectionFromHello(hello protocol.ReceiverHello) protocol.Selection {
	if hello.Selection != nil {
		return *hello.Selection
	}
	sel := protocol.Selection{Mode: protocol.ModeLive}
	for _, cursor := range hello.Resume {
		sel.Streams = append(sel.Streams, protocol.StreamRef{
			ForwarderID:   cursor.ForwarderID,
			ReaderAddress: cursor.ReaderAddress,
		})
		sel.EarliestEpochs = append(sel.EarliestEpochs, protocol.EpochFloor{
			Stream: protocol.StreamRef{ForwarderID: cursor.ForwarderID, ReaderAddress: cursor.ReaderAddress},
			Epoch:  cursor.StreamEpoch,
		})
	}
	return sel
}

// streamSub is the session's delivery state for one subscribed stream.
type streamSub struct {
	streamID      string
	forwarderID   string
	readerAddress string

	// cursor is the last (epoch, seq) delivered on this session.
	cursor store.Cursor
	// snapshot bounds replay; captured when the subscription (re)entered
	// replay so concurrent writes cannot extend it.
	snapshot  store.Cursor
	replaying bool
	// finished marks a targeted-replay stream whose snapshot is drained.
	finished bool

	// targetEpoch/targetFromSeq bound targeted replay.
	targetEpoch   uint64
	targetFromSeq uint64

	// epochs filters live delivery in race mode; nil admits every epoch.
	epochs map[uint64]struct{}

	bsub *Subscription
}

func (sub *streamSub) admitsEpoch(epoch uint64) bool {
	if sub.epochs == nil {
		return true
	}
	_, ok := sub.epochs[epoch]
	return ok
}

type receiverSession struct {
	srv       *Server
	conn      *websocket.Conn
	log       *zap.Logger
	sessionID string
	deviceID  string

	mode   string
	raceID string
	subs   map[string]*streamSub
	order  []string
	rr     int

	// resume holds the hello's client-supplied cursors. They are weak
	// hints: consulted only when no persisted cursor exists, so a client
	// cursor never overrides a persisted one.
	resume map[protocol.StreamRef]store.Cursor
}

func (rs *receiverSession) closeSubs() {
	for _, sub := range rs.subs {
		if sub.bsub != nil {
			sub.bsub.Close()
		}
	}
	rs.subs = make(map[string]*streamSub)
	rs.order = nil
	rs.rr = 0
}

// applySelection atomically replaces the session's subscription set and
// reports the result with receiver_mode_applied. In-flight replay for
// removed streams stops at the page boundary because their state is gone.
func (rs *receiverSession) applySelection(ctx context.Context, sel protocol.Selection) error {
	rs.closeSubs()
	rs.mode = sel.Mode
	rs.raceID = sel.RaceID

	var warnings []string
	resolved := 0

	switch sel.Mode {
	case protocol.ModeLive:
		floors := make(map[protocol.StreamRef]uint64, len(sel.EarliestEpochs))
		for _, floor := range sel.EarliestEpochs {
			floors[floor.Stream] = floor.Epoch
		}
		for _, ref := range sel.Streams {
			st, err := rs.srv.store.StreamByKey(ctx, ref.ForwarderID, ref.ReaderAddress)
			if errors.Is(err, store.ErrNotFound) {
				warnings = append(warnings, fmt.Sprintf("unknown stream %s/%s", ref.ForwarderID, ref.ReaderAddress))
				continue
			}
			if err != nil {
				return err
			}
			var floor *uint64
			if epoch, ok := floors[ref]; ok {
				floor = &epoch
			}
			if err := rs.addLiveStream(ctx, st, floor, nil); err != nil {
				return err
			}
			resolved++
		}
	case protocol.ModeTargetedReplay:
		for _, target := range sel.Targets {
			st, err := rs.srv.store.StreamByKey(ctx, target.ForwarderID, target.ReaderAddress)
			if errors.Is(err, store.ErrNotFound) {
				warnings = append(warnings, fmt.Sprintf("unknown stream %s/%s", target.ForwarderID, target.ReaderAddress))
				continue
			}
			if err != nil {
				return err
			}
			if _, exists := rs.subs[st.ID]; exists {
				continue
			}
			snapshot, ok, err := rs.srv.store.MaxEventCursor(ctx, st.ID)
			if err != nil {
				return err
			}
			if !ok {
				warnings = append(warnings, fmt.Sprintf("no events for %s/%s", target.ForwarderID, target.ReaderAddress))
				continue
			}
			sub := &streamSub{
				streamID:      st.ID,
				forwarderID:   st.ForwarderID,
				readerAddress: st.ReaderAddress,
				snapshot:      snapshot,
				replaying:     true,
				targetEpoch:   target.StreamEpoch,
				targetFromSeq: target.FromSeq,
			}
			rs.subs[st.ID] = sub
			rs.order = append(rs.order, st.ID)
			resolved++
		}
	case protocol.ModeRace:
		mapped, err := rs.srv.store.RaceStreams(ctx, sel.RaceID)
		if err != nil {
			return err
		}
		byStream := groupRaceEpochs(mapped)
		for streamID, epochs := range byStream {
			st, err := rs.srv.store.StreamByID(ctx, streamID)
			if err != nil {
				continue
			}
			// Replay from the earliest mapped epoch so historic mappings
			// are delivered, not just the stream's current epoch.
			floor := minEpoch(epochs)
			if err := rs.addLiveStream(ctx, st, &floor, epochs); err != nil {
				return err
			}
			resolved++
		}
		if resolved == 0 {
			warnings = append(warnings, fmt.Sprintf("race %s currently resolves zero streams", sel.RaceID))
		}
	default:
		sendError(rs.conn, protocol.CodeProtocolError, fmt.Sprintf("unknown selection mode %q", sel.Mode), false)
		return fmt.Errorf("unknown selection mode %q", sel.Mode)
	}

	return sendMessage(rs.conn, protocol.KindReceiverModeApplied, protocol.ReceiverModeApplied{
		SessionID:           rs.sessionID,
		Selection:           sel,
		ResolvedTargetCount: resolved,
		Warnings:            warnings,
	})
}

func minEpoch(epochs map[uint64]struct{}) uint64 {
	var min uint64
	for epoch := range epochs {
		if min == 0 || epoch < min {
			min = epoch
		}
	}
	return min
}

func groupRaceEpochs(mapped []store.RaceStream) map[string]map[uint64]struct{} {
	byStream := make(map[string]map[uint64]struct{})
	for _, rsm := range mapped {
		set, ok := byStream[rsm.StreamID]
		if !ok {
			set = make(map[uint64]struct{})
			byStream[rsm.StreamID] = set
		}
		set[rsm.StreamEpoch] = struct{}{}
	}
	return byStream
}

// addLiveStream subscribes a stream for live delivery with replay from
// the effective start cursor: the persisted cursor at the stream's
// current epoch when present, otherwise the hello's resume cursor for
// the stream, otherwise the supplied epoch floor, otherwise the start of
// the current epoch.
func (rs *receiverSession) addLiveStream(ctx context.Context, st *store.Stream, floor *uint64, epochs map[uint64]struct{}) error {
	if _, exists := rs.subs[st.ID]; exists {
		rs.subs[st.ID].epochs = epochs
		return nil
	}
	cursor := store.Cursor{Epoch: st.StreamEpoch, Seq: 0}
	ref := protocol.StreamRef{ForwarderID: st.ForwarderID, ReaderAddress: st.ReaderAddress}
	if seq, ok, err := rs.srv.store.ReceiverCursor(ctx, rs.deviceID, st.ID, st.StreamEpoch); err != nil {
		return err
	} else if ok {
		cursor = store.Cursor{Epoch: st.StreamEpoch, Seq: seq}
	} else if hint, ok := rs.resume[ref]; ok {
		cursor = hint
	} else if floor != nil {
		cursor = store.Cursor{Epoch: *floor, Seq: 0}
	}

	// Subscribe before capturing the snapshot so nothing written between
	// the two is lost; the cursor filter drops any overlap.
	bsub := rs.srv.hub.Subscribe(st.ID)
	snapshot, _, err := rs.srv.store.MaxEventCursor(ctx, st.ID)
	if err != nil {
		bsub.Close()
		return err
	}

	sub := &streamSub{
		streamID:      st.ID,
		forwarderID:   st.ForwarderID,
		readerAddress: st.ReaderAddress,
		cursor:        cursor,
		snapshot:      snapshot,
		replaying:     cursor.Less(snapshot),
		epochs:        epochs,
		bsub:          bsub,
	}
	rs.subs[st.ID] = sub
	rs.order = append(rs.order, st.ID)
	return nil
}

// pump advances replay by at most one page per subscribed stream (fair
// round-robin) and then drains live broadcasts, so a deep backlog on one
// stream cannot starve the others.
func (rs *receiverSession) pump(ctx context.Context) error {
	for range rs.order {
		streamID := rs.order[rs.rr%len(rs.order)]
		rs.rr++
		sub, ok := rs.subs[streamID]
		if !ok || !sub.replaying {
			continue
		}
		if err := rs.replayPage(ctx, sub); err != nil {
			return err
		}
	}
	return rs.drainLive(ctx)
}

// replayPage sends one bounded page of backlog for a stream and hands off
// to live delivery once the snapshot tail is reached.
func (rs *receiverSession) replayPage(ctx context.Context, sub *streamSub) error {
	pageSize := rs.srv.cfg.ReplayPageSize
	var (
		rows []store.EventRow
		err  error
	)
	if rs.mode == protocol.ModeTargetedReplay {
		from := sub.targetFromSeq
		if sub.cursor.Epoch == sub.targetEpoch && sub.cursor.Seq >= from {
			from = sub.cursor.Seq + 1
		}
		rows, err = rs.srv.store.EventsForEpochFromSeq(ctx, sub.streamID, sub.targetEpoch, from, sub.snapshot, pageSize)
	} else {
		rows, err = rs.srv.store.EventsAfterCursorThrough(ctx, sub.streamID, sub.cursor, sub.snapshot, pageSize)
	}
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		events := make([]protocol.ReadEvent, 0, len(rows))
		for _, row := range rows {
			if rs.mode == protocol.ModeRace && !sub.admitsEpoch(row.StreamEpoch) {
				continue
			}
			events = append(events, eventFromRow(row))
		}
		last := rows[len(rows)-1]
		sub.cursor = store.Cursor{Epoch: last.StreamEpoch, Seq: last.Seq}
		if len(events) > 0 {
			if err := sendMessage(rs.conn, protocol.KindReceiverEventBatch, protocol.ReceiverEventBatch{
				SessionID: rs.sessionID,
				Events:    events,
			}); err != nil {
				return err
			}
		}
	}
	if len(rows) < pageSize {
		sub.replaying = false
		if rs.mode == protocol.ModeTargetedReplay {
			sub.finished = true
		}
	}
	return nil
}

// drainLive collects broadcast events past each stream's cursor. A lag
// signal discards channel buffering and re-enters replay from the last
// delivered position.
func (rs *receiverSession) drainLive(ctx context.Context) error {
	if rs.mode == protocol.ModeTargetedReplay {
		return nil
	}
	var events []protocol.ReadEvent
	for _, streamID := range rs.order {
		sub, ok := rs.subs[streamID]
		if !ok || sub.bsub == nil || sub.replaying {
			continue
		}
		if sub.bsub.TakeLagged() {
			snapshot, _, err := rs.srv.store.MaxEventCursor(ctx, sub.streamID)
			if err != nil {
				return err
			}
			sub.snapshot = snapshot
			sub.replaying = sub.cursor.Less(snapshot)
			rs.log.Warn("receiver lagged, replaying from store",
				zap.String("stream_id", sub.streamID))
			// Drop whatever is buffered; replay supersedes it.
			drainChannel(sub.bsub.Events())
			continue
		}
	drain:
		for {
			select {
			case event := <-sub.bsub.Events():
				pos := store.Cursor{Epoch: event.StreamEpoch, Seq: event.Seq}
				if !sub.cursor.Less(pos) {
					continue
				}
				if !sub.admitsEpoch(event.StreamEpoch) {
					continue
				}
				sub.cursor = pos
				events = append(events, event)
			default:
				break drain
			}
		}
	}
	if len(events) == 0 {
		return nil
	}
	return sendMessage(rs.conn, protocol.KindReceiverEventBatch, protocol.ReceiverEventBatch{
		SessionID: rs.sessionID,
		Events:    events,
	})
}

func drainChannel(ch <-chan protocol.ReadEvent) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func eventFromRow(row store.EventRow) protocol.ReadEvent {
	return protocol.ReadEvent{
		ForwarderID:     row.ForwarderID,
		ReaderAddress:   row.ReaderAddress,
		StreamEpoch:     row.StreamEpoch,
		Seq:             row.Seq,
		ReaderTimestamp: row.ReaderTimestamp,
		RawFrame:        row.RawFrame,
		ReadType:        row.ReadType,
	}
}

// handleMessage dispatches one inbound frame; false ends the session.
func (rs *receiverSession) handleMessage(ctx context.Context, raw []byte) bool {
	kind, err := protocol.Kind(raw)
	if err != nil {
		sendError(rs.conn, protocol.CodeProtocolError, "invalid JSON: "+err.Error(), false)
		return false
	}
	switch kind {
	case protocol.KindReceiverAck:
		var ack protocol.ReceiverAck
		if err := protocol.DecodeInto(raw, &ack); err != nil {
			return true
		}
		if err := rs.handleAck(ctx, ack); err != nil {
			rs.log.Error("error handling receiver ack", zap.Error(err))
		}
		return true
	case protocol.KindReceiverSubscribe:
		var msg protocol.ReceiverSubscribe
		if err := protocol.DecodeInto(raw, &msg); err != nil {
			return true
		}
		if rs.mode != protocol.ModeLive {
			rs.log.Warn("receiver_subscribe ignored outside live mode")
			return true
		}
		for _, ref := range msg.Streams {
			st, err := rs.srv.store.StreamByKey(ctx, ref.ForwarderID, ref.ReaderAddress)
			if err != nil {
				rs.log.Warn("subscribe to unknown stream",
					zap.String("forwarder_id", ref.ForwarderID),
					zap.String("reader_address", ref.ReaderAddress))
				continue
			}
			if err := rs.addLiveStream(ctx, st, nil, nil); err != nil {
				rs.log.Error("failed to subscribe stream", zap.Error(err))
			}
		}
		return true
	case protocol.KindReceiverSetSelection:
		var msg protocol.ReceiverSetSelection
		if err := protocol.DecodeInto(raw, &msg); err != nil {
			sendError(rs.conn, protocol.CodeProtocolError, "invalid selection: "+err.Error(), false)
			return false
		}
		if err := rs.applySelection(ctx, msg.Selection); err != nil {
			rs.log.Error("failed to apply selection", zap.Error(err))
			return false
		}
		return true
	case protocol.KindHeartbeat:
		return true
	default:
		rs.log.Warn("unexpected message kind", zap.String("kind", kind))
		return true
	}
}

// handleAck persists monotonic cursor advances. Targeted-replay acks are
// deliberately not persisted.
func (rs *receiverSession) handleAck(ctx context.Context, ack protocol.ReceiverAck) error {
	if rs.mode == protocol.ModeTargetedReplay {
		return nil
	}
	for _, entry := range ack.Entries {
		st, err := rs.srv.store.StreamByKey(ctx, entry.ForwarderID, entry.ReaderAddress)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := rs.srv.store.UpsertReceiverCursor(ctx, rs.deviceID, st.ID, entry.StreamEpoch, entry.LastSeq); err != nil {
			return err
		}
	}
	return nil
}

// refreshRace reconciles the subscription set against the current race
// mapping: new streams are added with their own replay, unmapped streams
// are dropped, and epoch filters follow the mapping.
func (rs *receiverSession) refreshRace(ctx context.Context) error {
	mapped, err := rs.srv.store.RaceStreams(ctx, rs.raceID)
	if err != nil {
		return err
	}
	byStream := groupRaceEpochs(mapped)

	for streamID, sub := range rs.subs {
		epochs, still := byStream[streamID]
		if !still {
			if sub.bsub != nil {
				sub.bsub.Close()
			}
			delete(rs.subs, streamID)
			continue
		}
		sub.epochs = epochs
	}
	// Compact the round-robin order after removals.
	order := rs.order[:0]
	for _, streamID := range rs.order {
		if _, ok := rs.subs[streamID]; ok {
			order = append(order, streamID)
		}
	}
	rs.order = order

	for streamID, epochs := range byStream {
		if _, ok := rs.subs[streamID]; ok {
			continue
		}
		st, err := rs.srv.store.StreamByID(ctx, streamID)
		if err != nil {
			continue
		}
		floor := minEpoch(epochs)
		if err := rs.addLiveStream(ctx, st, &floor, epochs); err != nil {
			return err
		}
	}
	return nil
}
