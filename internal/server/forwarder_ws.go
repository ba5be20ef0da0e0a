package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timerelay/internal/ipico"
	"timerelay/internal/protocol"
	"timerelay/internal/server/store"
)

func (s *Server) serveForwarderWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("forwarder websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	claims, err := s.auth.Authenticate(ctx, r, DeviceTypeForwarder)
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
	log.Info("forwarder connected")

	sessionID := NewSessionID()
	inbound := readPump(conn, s.cfg.SessionTimeout, log)

	// The first message must be a forwarder_hello.
	hello, ok := awaitForwarderHello(conn, inbound, s.cfg.SessionTimeout)
	if !ok {
		return
	}
	if hello.ForwarderID != "" && hello.ForwarderID != deviceID {
		sendError(conn, protocol.CodeIdentityMismatch, "hello forwarder_id does not match token claims", false)
		return
	}

	session := &forwarderSession{
		srv:         s,
		conn:        conn,
		log:         log,
		sessionID:   sessionID,
		deviceID:    deviceID,
		displayName: hello.DisplayName,
		streamIDs:   make(map[string]string),
	}
	defer session.teardown()

	if err := session.applyHello(ctx, hello); err != nil {
		log.Error("failed to register forwarder streams", zap.Error(err))
		sendError(conn, protocol.CodeInternalError, "failed to register streams", true)
		return
	}
	if err := sendMessage(conn, protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sessionID, DeviceID: deviceID}); err != nil {
		return
	}

	commands := s.router.register(deviceID)
	session.commands = commands
	defer s.router.unregister(deviceID, commands)

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case raw, open := <-inbound:
			if !open {
				log.Info("forwarder disconnected")
				return
			}
			if !session.handleMessage(ctx, raw) {
				return
			}
		case <-heartbeat.C:
			if err := sendMessage(conn, protocol.KindHeartbeat, protocol.Heartbeat{SessionID: sessionID, DeviceID: deviceID}); err != nil {
				return
			}
		case cmd := <-commands:
			if !session.handleCommand(cmd) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func awaitForwarderHello(conn *websocket.Conn, inbound <-chan []byte, timeout time.Duration) (protocol.ForwarderHello, bool) {
	select {
	case raw, open := <-inbound:
		if !open {
			return protocol.ForwarderHello{}, false
		}
		kind, err := protocol.Kind(raw)
		if err != nil || kind != protocol.KindForwarderHello {
			sendError(conn, protocol.CodeProtocolError, "expected forwarder_hello", false)
			return protocol.ForwarderHello{}, false
		}
		var hello protocol.ForwarderHello
		if err := protocol.DecodeInto(raw, &hello); err != nil {
			sendError(conn, protocol.CodeProtocolError, "invalid forwarder_hello: "+err.Error(), false)
			return protocol.ForwarderHello{}, false
		}
		return hello, true
	case <-time.After(timeout):
		sendError(conn, protocol.CodeProtocolError, "timeout waiting for forwarder_hello", false)
		return protocol.ForwarderHello{}, false
	}
}

// forwarderSession carries the per-connection state of one forwarder.
type forwarderSession struct {
	srv         *Server
	conn        *websocket.Conn
	log         *zap.Logger
	sessionID   string
	deviceID    string
	displayName string
	streamIDs   map[string]string // reader address → stream id
	commands    chan forwarderCommand
	pending     *pendingReplies
}

func (fs *forwarderSession) applyHello(ctx context.Context, hello protocol.ForwarderHello) error {
	fs.displayName = hello.DisplayName
	if err := fs.srv.store.UpdateDisplayName(ctx, fs.deviceID, hello.DisplayName); err != nil {
		fs.log.Error("failed to update display name", zap.Error(err))
	}
	for _, addr := range hello.ReaderAddresses {
		if _, err := fs.resolveStream(ctx, addr); err != nil {
			return err
		}
	}
	return nil
}

// resolveStream returns the stream id for a reader address, creating the
// stream row, marking it online, and provisioning its broadcast when the
// address is new to this session.
func (fs *forwarderSession) resolveStream(ctx context.Context, readerAddress string) (string, error) {
	if id, ok := fs.streamIDs[readerAddress]; ok {
		return id, nil
	}
	id, err := fs.srv.store.UpsertStream(ctx, fs.deviceID, readerAddress, fs.displayName)
	if err != nil {
		return "", err
	}
	fs.streamIDs[readerAddress] = id
	if err := fs.srv.store.SetStreamOnline(ctx, id, true); err != nil {
		fs.log.Error("failed to mark stream online", zap.Error(err), zap.String("stream_id", id))
	}
	fs.srv.hub.Ensure(id)
	return id, nil
}

// handleMessage dispatches one inbound frame; false ends the session.
func (fs *forwarderSession) handleMessage(ctx context.Context, raw []byte) bool {
	kind, err := protocol.Kind(raw)
	if err != nil {
		sendError(fs.conn, protocol.CodeProtocolError, "invalid JSON: "+err.Error(), false)
		return false
	}
	switch kind {
	case protocol.KindForwarderEventBatch:
		var batch protocol.ForwarderEventBatch
		if err := protocol.DecodeInto(raw, &batch); err != nil {
			sendError(fs.conn, protocol.CodeProtocolError, "invalid batch: "+err.Error(), false)
			return false
		}
		if err := fs.handleEventBatch(ctx, batch); err != nil {
			fs.log.Error("error handling event batch", zap.Error(err))
			return false
		}
		return true
	case protocol.KindForwarderHello:
		var hello protocol.ForwarderHello
		if err := protocol.DecodeInto(raw, &hello); err != nil {
			sendError(fs.conn, protocol.CodeProtocolError, "invalid forwarder_hello: "+err.Error(), false)
			return false
		}
		// Mid-session hello: display-name / reader-set refresh.
		if err := fs.applyHello(ctx, hello); err != nil {
			fs.log.Error("failed to refresh forwarder streams", zap.Error(err))
			return false
		}
		return sendMessage(fs.conn, protocol.KindHeartbeat, protocol.Heartbeat{SessionID: fs.sessionID, DeviceID: fs.deviceID}) == nil
	case protocol.KindHeartbeat:
		return true
	case protocol.KindConfigGetResponse:
		var resp protocol.ConfigGetResponse
		if err := protocol.DecodeInto(raw, &resp); err == nil && fs.pending != nil {
			fs.pending.deliverConfigGet(resp)
		}
		return true
	case protocol.KindConfigSetResponse:
		var resp protocol.ConfigSetResponse
		if err := protocol.DecodeInto(raw, &resp); err == nil && fs.pending != nil {
			fs.pending.deliverConfigSet(resp)
		}
		return true
	case protocol.KindRestartResponse:
		var resp protocol.RestartResponse
		if err := protocol.DecodeInto(raw, &resp); err == nil && fs.pending != nil {
			fs.pending.deliverRestart(resp)
		}
		return true
	default:
		fs.log.Warn("unexpected message kind", zap.String("kind", kind))
		return true
	}
}

// handleEventBatch runs the idempotent ingest for one batch and answers
// with either a single integrity_conflict error or a forwarder_ack whose
// entries carry the per-(stream, epoch) high-water marks. Retransmits
// advance the high-water mark exactly as inserts do.
func (fs *forwarderSession) handleEventBatch(ctx context.Context, batch protocol.ForwarderEventBatch) error {
	type ackKey struct {
		readerAddress string
		epoch         uint64
	}
	highWater := make(map[ackKey]uint64)
	hadConflict := false

	for _, event := range batch.Events {
		if hadConflict {
			break
		}
		streamID, err := fs.resolveStream(ctx, event.ReaderAddress)
		if err != nil {
			return err
		}
		tagID := ""
		if read, err := ipico.Parse([]byte(event.RawFrame)); err == nil {
			tagID = read.TagID
		}
		outcome, err := fs.srv.store.UpsertEvent(ctx, streamID,
			event.StreamEpoch, event.Seq, event.ReaderTimestamp, event.RawFrame, event.ReadType, tagID)
		if err != nil {
			return err
		}
		switch outcome.Result {
		case store.Inserted:
			fs.srv.hub.Publish(streamID, event)
			fallthrough
		case store.Retransmit:
			key := ackKey{readerAddress: event.ReaderAddress, epoch: event.StreamEpoch}
			if event.Seq > highWater[key] {
				highWater[key] = event.Seq
			}
		case store.IntegrityConflict:
			// The rest of the batch is abandoned: nothing past a conflict
			// may modify state, and no acks are issued.
			hadConflict = true
			fs.log.Warn("integrity conflict",
				zap.String("stream_id", streamID),
				zap.Uint64("stream_epoch", event.StreamEpoch),
				zap.Uint64("seq", event.Seq))
		}
	}

	if hadConflict {
		sendError(fs.conn, protocol.CodeIntegrityConflict,
			"one or more events had mismatched payload for an existing key", false)
		return nil
	}

	entries := make([]protocol.AckEntry, 0, len(highWater))
	for key, lastSeq := range highWater {
		entries = append(entries, protocol.AckEntry{
			ForwarderID:   fs.deviceID,
			ReaderAddress: key.readerAddress,
			StreamEpoch:   key.epoch,
			LastSeq:       lastSeq,
		})
	}
	return sendMessage(fs.conn, protocol.KindForwarderAck, protocol.ForwarderAck{
		SessionID: fs.sessionID,
		Entries:   entries,
	})
}

// handleCommand forwards one admin command over the session; false ends
// the session (the waiter is answered by teardown's drain).
func (fs *forwarderSession) handleCommand(cmd forwarderCommand) bool {
	if fs.pending == nil {
		fs.pending = newPendingReplies()
	}
	switch c := cmd.(type) {
	case epochResetCommand:
		return sendMessage(fs.conn, protocol.KindEpochResetCommand, c.cmd) == nil
	case configGetCommand:
		fs.pending.configGets[c.requestID] = c.reply
		if err := sendMessage(fs.conn, protocol.KindConfigGetRequest, protocol.ConfigGetRequest{RequestID: c.requestID}); err != nil {
			return false
		}
		return true
	case configSetCommand:
		fs.pending.configSets[c.requestID] = c.reply
		if err := sendMessage(fs.conn, protocol.KindConfigSetRequest, protocol.ConfigSetRequest{
			RequestID: c.requestID, Section: c.section, Payload: c.payload,
		}); err != nil {
			return false
		}
		return true
	case restartCommand:
		fs.pending.restarts[c.requestID] = c.reply
		if err := sendMessage(fs.conn, protocol.KindRestartRequest, protocol.RestartRequest{RequestID: c.requestID}); err != nil {
			return false
		}
		return true
	default:
		return true
	}
}

func (fs *forwarderSession) teardown() {
	// Mark streams offline and answer every pending proxied request.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range fs.streamIDs {
		if err := fs.srv.store.SetStreamOnline(ctx, id, false); err != nil && !errors.Is(err, store.ErrNotFound) {
			fs.log.Error("failed to mark stream offline", zap.Error(err), zap.String("stream_id", id))
		}
	}
	if fs.pending != nil {
		fs.pending.drain()
	}
	fs.log.Info("forwarder session ended")
}
