package receiver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timerelay/internal/protocol"
)

const (
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
	sessionIdleTimeout = 90 * time.Second
	writeWait          = 10 * time.Second
	reconcileInterval  = 500 * time.Millisecond
)

// Session is the downlink client: it connects to the server with the
// saved profile, subscribes to the stored stream set, republishes events
// on the local bus, and acknowledges delivery so the server's cursors
// advance.
type Session struct {
	ServerURL  string
	Token      string
	ReceiverID string

	State *State
	Bus   *EventBus
	Log   *zap.Logger
}

// Run drives connect/deliver/reconnect until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			log.Info("session loop stopping")
			return
		}
		established, err := s.session(ctx, log)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn("downlink session ended", zap.Error(err), zap.Duration("backoff", backoff))
		}
		if established {
			backoff = initialBackoff
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (s *Session) session(ctx context.Context, log *zap.Logger) (bool, error) {
	endpoint, err := websocketURL(s.ServerURL, "/ws/v1.2/receivers")
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.Token)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	subs, err := s.State.Subscriptions()
	if err != nil {
		return false, err
	}
	resume, err := s.State.ResumeCursors()
	if err != nil {
		return false, err
	}
	selection := liveSelection(subs)
	hello := protocol.ReceiverHello{
		ReceiverID: s.ReceiverID,
		Resume:     resume,
		Selection:  &selection,
	}
	if err := writeMessage(conn, protocol.KindReceiverHelloV12, hello); err != nil {
		return false, err
	}

	inbound := readPump(ctx, conn)
	sessionID, err := awaitSessionHeartbeat(inbound)
	if err != nil {
		return false, err
	}
	log.Info("downlink established",
		zap.String("session_id", sessionID), zap.String("streams", keyList(subs)))

	reconcile := time.NewTicker(reconcileInterval)
	defer reconcile.Stop()
	lastSubs := subs

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			return true, nil
		case <-reconcile.C:
			current, err := s.State.Subscriptions()
			if err != nil {
				log.Error("failed to load subscriptions", zap.Error(err))
				continue
			}
			if subscriptionsEqual(current, lastSubs) {
				continue
			}
			log.Info("subscriptions changed, updating selection",
				zap.String("streams", keyList(current)))
			sel := liveSelection(current)
			if err := writeMessage(conn, protocol.KindReceiverSetSelection, protocol.ReceiverSetSelection{Selection: sel}); err != nil {
				return true, err
			}
			lastSubs = current
		case raw, open := <-inbound:
			if !open {
				return true, errors.New("downlink connection closed")
			}
			if err := s.handleInbound(conn, sessionID, raw, log); err != nil {
				return true, err
			}
		}
	}
}

func (s *Session) handleInbound(conn *websocket.Conn, sessionID string, raw []byte, log *zap.Logger) error {
	kind, err := protocol.Kind(raw)
	if err != nil {
		return err
	}
	switch kind {
	case protocol.KindHeartbeat:
		// Echo so the server sees inbound traffic on an otherwise idle
		// session and does not drop it at the idle timeout.
		var hb protocol.Heartbeat
		if err := protocol.DecodeInto(raw, &hb); err != nil {
			return err
		}
		return writeMessage(conn, protocol.KindHeartbeat, hb)
	case protocol.KindReceiverModeApplied:
		var applied protocol.ReceiverModeApplied
		if err := protocol.DecodeInto(raw, &applied); err != nil {
			return err
		}
		for _, warning := range applied.Warnings {
			log.Warn("selection warning", zap.String("warning", warning))
		}
		log.Info("selection applied", zap.Int("resolved", applied.ResolvedTargetCount))
		return nil
	case protocol.KindReceiverEventBatch:
		var batch protocol.ReceiverEventBatch
		if err := protocol.DecodeInto(raw, &batch); err != nil {
			return err
		}
		return s.deliverBatch(conn, sessionID, batch)
	case protocol.KindError:
		var msg protocol.ErrorMessage
		if err := protocol.DecodeInto(raw, &msg); err != nil {
			return err
		}
		return fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
	default:
		log.Warn("unexpected message kind", zap.String("kind", kind))
		return nil
	}
}

// deliverBatch republishes events locally, persists local cursors, and
// acks the per-(stream, epoch) high-water marks so the server's durable
// cursors advance.
func (s *Session) deliverBatch(conn *websocket.Conn, sessionID string, batch protocol.ReceiverEventBatch) error {
	type ackKey struct {
		forwarderID   string
		readerAddress string
		epoch         uint64
	}
	highWater := make(map[ackKey]uint64)

	for _, event := range batch.Events {
		s.Bus.Publish(event)
		key := StreamKey(event.ForwarderID, event.ReaderAddress)
		if err := s.State.UpdateCursor(event.ForwarderID, event.ReaderAddress, event.StreamEpoch, event.Seq); err != nil {
			return err
		}
		if err := s.State.CacheLastFrame(key, []byte(event.RawFrame)); err != nil {
			return err
		}
		ak := ackKey{forwarderID: event.ForwarderID, readerAddress: event.ReaderAddress, epoch: event.StreamEpoch}
		if event.Seq > highWater[ak] {
			highWater[ak] = event.Seq
		}
	}
	if len(highWater) == 0 {
		return nil
	}

	entries := make([]protocol.AckEntry, 0, len(highWater))
	for key, lastSeq := range highWater {
		entries = append(entries, protocol.AckEntry{
			ForwarderID:   key.forwarderID,
			ReaderAddress: key.readerAddress,
			StreamEpoch:   key.epoch,
			LastSeq:       lastSeq,
		})
	}
	return writeMessage(conn, protocol.KindReceiverAck, protocol.ReceiverAck{
		SessionID: sessionID,
		Entries:   entries,
	})
}

func liveSelection(subs []Subscription) protocol.Selection {
	sel := protocol.Selection{Mode: protocol.ModeLive}
	for _, sub := range subs {
		sel.Streams = append(sel.Streams, protocol.StreamRef{
			ForwarderID:   sub.ForwarderID,
			ReaderAddress: sub.ReaderAddress,
		})
	}
	return sel
}

func subscriptionsEqual(a, b []Subscription) bool {
	return reflect.DeepEqual(a, b)
}

func awaitSessionHeartbeat(inbound <-chan []byte) (string, error) {
	select {
	case raw, open := <-inbound:
		if !open {
			return "", errors.New("connection closed before heartbeat")
		}
		kind, err := protocol.Kind(raw)
		if err != nil {
			return "", err
		}
		switch kind {
		case protocol.KindHeartbeat:
			var hb protocol.Heartbeat
			if err := protocol.DecodeInto(raw, &hb); err != nil {
				return "", err
			}
			return hb.SessionID, nil
		case protocol.KindError:
			var msg protocol.ErrorMessage
			if err := protocol.DecodeInto(raw, &msg); err != nil {
				return "", err
			}
			return "", fmt.Errorf("server refused session: %s: %s", msg.Code, msg.Message)
		default:
			return "", fmt.Errorf("expected heartbeat, got %s", kind)
		}
	case <-time.After(sessionIdleTimeout):
		return "", errors.New("timed out awaiting heartbeat")
	}
}

func readPump(ctx context.Context, conn *websocket.Conn) <-chan []byte {
	inbound := make(chan []byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout))
	})
	go func() {
		defer close(inbound)
		for {
			messageType, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.SetReadDeadline(time.Now().Add(sessionIdleTimeout)); err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			select {
			case inbound <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()
	return inbound
}

func writeMessage(conn *websocket.Conn, kind string, payload any) error {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func websocketURL(base, path string) (string, error) {
	trimmed := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(trimmed, "https://"):
		trimmed = "wss://" + strings.TrimPrefix(trimmed, "https://")
	case strings.HasPrefix(trimmed, "http://"):
		trimmed = "ws://" + strings.TrimPrefix(trimmed, "http://")
	case strings.HasPrefix(trimmed, "ws://"), strings.HasPrefix(trimmed, "wss://"):
	default:
		return "", fmt.Errorf("server URL %q must use ws, wss, http, or https", base)
	}
	return trimmed + path, nil
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
