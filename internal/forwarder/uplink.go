package forwarder

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timerelay/internal/journal"
	"timerelay/internal/protocol"
)

const (
	// sessionIdleTimeout drops the uplink when the server goes silent.
	sessionIdleTimeout = 90 * time.Second
	uplinkWriteWait    = 10 * time.Second
)

// ControlHandler answers server-initiated config and restart requests.
type ControlHandler interface {
	ConfigGet() (config json.RawMessage, restartNeeded bool)
	ConfigSet(section string, payload json.RawMessage) (ok bool, errMsg string, restartNeeded bool)
	Restart() (ok bool, errMsg string)
}

// NopControlHandler rejects every control request.
type NopControlHandler struct{}

func (NopControlHandler) ConfigGet() (json.RawMessage, bool) {
	return json.RawMessage(`{}`), false
}

func (NopControlHandler) ConfigSet(string, json.RawMessage) (bool, string, bool) {
	return false, "config management is not enabled", false
}

func (NopControlHandler) Restart() (bool, string) {
	return false, "restart is not enabled"
}

// Uplink maintains the long-lived authenticated session to the server:
// hello handshake, journal replay, batched event send, ack-driven cursor
// advance, and reconnect with exponential backoff.
type Uplink struct {
	ServerURL   string
	Token       string
	ForwarderID string
	DisplayName string
	// ReaderKeys are the reader addresses advertised in the hello; each
	// is also a journal stream key.
	ReaderKeys []string

	BatchMode      string // "batched" or "immediate"
	FlushInterval  time.Duration
	MaxBatchEvents int

	Journal *journal.Journal
	Control ControlHandler
	Log     *zap.Logger

	notifyOnce sync.Once
	notify     chan struct{}
}

func (u *Uplink) notifyCh() chan struct{} {
	u.notifyOnce.Do(func() { u.notify = make(chan struct{}, 1) })
	return u.notify
}

// NotifyAppend wakes the uplink for an immediate flush. Never blocks.
func (u *Uplink) NotifyAppend() {
	select {
	case u.notifyCh() <- struct{}{}:
	default:
	}
}

// Run drives the connect/replay/steady loop until ctx is cancelled.
func (u *Uplink) Run(ctx context.Context) {
	if u.Log == nil {
		u.Log = zap.NewNop()
	}
	if u.Control == nil {
		u.Control = NopControlHandler{}
	}
	if u.MaxBatchEvents <= 0 {
		u.MaxBatchEvents = 500
	}
	if u.FlushInterval <= 0 {
		u.FlushInterval = time.Second
	}

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			u.Log.Info("uplink stopping")
			return
		}
		established, err := u.session(ctx)
		if ctx.Err() != nil {
			u.Log.Info("uplink stopping")
			return
		}
		if err != nil {
			u.Log.Warn("uplink session ended", zap.Error(err), zap.Duration("backoff", backoff))
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

// session runs one connection lifetime. The bool reports whether the
// handshake reached Established, which resets the reconnect backoff.
func (u *Uplink) session(ctx context.Context) (bool, error) {
	endpoint, err := websocketURL(u.ServerURL, "/ws/v1/forwarders")
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+u.Token)

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()

	resume := u.resumeCursors()
	hello := protocol.ForwarderHello{
		ForwarderID:     u.ForwarderID,
		ReaderAddresses: u.ReaderKeys,
		DisplayName:     u.DisplayName,
		ResumeCursors:   resume,
	}
	if err := u.write(conn, protocol.KindForwarderHello, hello); err != nil {
		return false, err
	}

	inbound := uplinkReadPump(ctx, conn)

	// The server answers the hello with a heartbeat carrying session_id.
	sessionID, err := awaitHeartbeat(conn, inbound, u)
	if err != nil {
		return false, err
	}
	u.Log.Info("uplink established", zap.String("session_id", sessionID))

	// Replay phase: drain the unacked suffix for every stream.
	for _, key := range u.ReaderKeys {
		if err := u.flushStream(ctx, conn, inbound, sessionID, key); err != nil {
			return true, err
		}
	}

	// Steady phase.
	flush := time.NewTicker(u.FlushInterval)
	defer flush.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			return true, nil
		case <-flush.C:
			if err := u.flushAll(ctx, conn, inbound, sessionID); err != nil {
				return true, err
			}
		case <-u.notifyCh():
			if u.BatchMode != "immediate" {
				continue
			}
			if err := u.flushAll(ctx, conn, inbound, sessionID); err != nil {
				return true, err
			}
		case raw, open := <-inbound:
			if !open {
				return true, errors.New("uplink connection closed")
			}
			if err := u.handleInbound(conn, raw); err != nil {
				return true, err
			}
		}
	}
}

func (u *Uplink) flushAll(ctx context.Context, conn *websocket.Conn, inbound <-chan []byte, sessionID string) error {
	for _, key := range u.ReaderKeys {
		if err := u.flushStream(ctx, conn, inbound, sessionID, key); err != nil {
			return err
		}
	}
	return nil
}

// flushStream sends the stream's unacked suffix in epoch-grouped batches,
// awaiting a server ack per batch and advancing the journal cursor.
func (u *Uplink) flushStream(ctx context.Context, conn *websocket.Conn, inbound <-chan []byte, sessionID, streamKey string) error {
	engine := journal.NewReplayEngine(u.Journal)
	for {
		groups, err := engine.Pending(streamKey, u.MaxBatchEvents)
		if err != nil {
			if errors.Is(err, journal.ErrUnknownStream) {
				return nil // reader has not connected yet
			}
			return err
		}
		sent := 0
		for _, group := range groups {
			events := make([]protocol.ReadEvent, 0, len(group.Events))
			for _, ev := range group.Events {
				events = append(events, protocol.ReadEvent{
					ForwarderID:     u.ForwarderID,
					ReaderAddress:   ev.StreamKey,
					StreamEpoch:     ev.StreamEpoch,
					Seq:             ev.Seq,
					ReaderTimestamp: ev.ReaderTimestamp,
					RawFrame:        string(ev.RawFrame),
					ReadType:        ev.ReadType,
				})
			}
			if len(events) == 0 {
				continue
			}
			if err := u.sendBatch(ctx, conn, inbound, sessionID, events); err != nil {
				return err
			}
			sent += len(events)
		}
		// Pending is bounded per pass; loop until the backlog is drained.
		if sent < u.MaxBatchEvents {
			return nil
		}
	}
}

// sendBatch transmits one batch and blocks until the matching ack (or a
// fatal error) arrives, handling heartbeats and control messages that
// interleave on the session.
func (u *Uplink) sendBatch(ctx context.Context, conn *websocket.Conn, inbound <-chan []byte, sessionID string, events []protocol.ReadEvent) error {
	batch := protocol.ForwarderEventBatch{
		SessionID: sessionID,
		BatchID:   newBatchID(),
		Events:    events,
	}
	if err := u.write(conn, protocol.KindForwarderEventBatch, batch); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, open := <-inbound:
			if !open {
				return errors.New("uplink connection closed awaiting ack")
			}
			kind, err := protocol.Kind(raw)
			if err != nil {
				return err
			}
			if kind == protocol.KindForwarderAck {
				var ack protocol.ForwarderAck
				if err := protocol.DecodeInto(raw, &ack); err != nil {
					return err
				}
				u.applyAck(ack)
				return nil
			}
			if err := u.handleInbound(conn, raw); err != nil {
				return err
			}
		case <-time.After(sessionIdleTimeout):
			return errors.New("timed out awaiting batch ack")
		}
	}
}

// applyAck advances the journal cursor for every acked (stream, epoch).
// The cursor moves only on a positive server ack, never optimistically.
func (u *Uplink) applyAck(ack protocol.ForwarderAck) {
	for _, entry := range ack.Entries {
		if err := u.Journal.UpdateAckCursor(entry.ReaderAddress, entry.StreamEpoch, entry.LastSeq); err != nil {
			u.Log.Warn("failed to update ack cursor",
				zap.Error(err), zap.String("reader", entry.ReaderAddress))
		}
	}
}

// handleInbound processes one unsolicited server message. A returned
// error drops the session.
func (u *Uplink) handleInbound(conn *websocket.Conn, raw []byte) error {
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
		return u.write(conn, protocol.KindHeartbeat, hb)
	case protocol.KindEpochResetCommand:
		var cmd protocol.EpochResetCommand
		if err := protocol.DecodeInto(raw, &cmd); err != nil {
			return err
		}
		// Durably reflect the new epoch before any further sends; the
		// next hello and every subsequent frame carry it.
		if err := u.Journal.BumpEpoch(cmd.Stream.ReaderAddress, cmd.NewEpoch); err != nil {
			u.Log.Error("epoch reset failed", zap.Error(err),
				zap.String("reader", cmd.Stream.ReaderAddress))
			return nil
		}
		u.Log.Info("stream epoch reset",
			zap.String("reader", cmd.Stream.ReaderAddress),
			zap.Uint64("new_epoch", cmd.NewEpoch))
		return nil
	case protocol.KindConfigGetRequest:
		var req protocol.ConfigGetRequest
		if err := protocol.DecodeInto(raw, &req); err != nil {
			return err
		}
		doc, restartNeeded := u.Control.ConfigGet()
		return u.write(conn, protocol.KindConfigGetResponse, protocol.ConfigGetResponse{
			RequestID:     req.RequestID,
			Config:        doc,
			RestartNeeded: restartNeeded,
		})
	case protocol.KindConfigSetRequest:
		var req protocol.ConfigSetRequest
		if err := protocol.DecodeInto(raw, &req); err != nil {
			return err
		}
		ok, errMsg, restartNeeded := u.Control.ConfigSet(req.Section, req.Payload)
		return u.write(conn, protocol.KindConfigSetResponse, protocol.ConfigSetResponse{
			RequestID:     req.RequestID,
			OK:            ok,
			Error:         errMsg,
			RestartNeeded: restartNeeded,
		})
	case protocol.KindRestartRequest:
		var req protocol.RestartRequest
		if err := protocol.DecodeInto(raw, &req); err != nil {
			return err
		}
		ok, errMsg := u.Control.Restart()
		return u.write(conn, protocol.KindRestartResponse, protocol.RestartResponse{
			RequestID: req.RequestID,
			OK:        ok,
			Error:     errMsg,
		})
	case protocol.KindError:
		var msg protocol.ErrorMessage
		if err := protocol.DecodeInto(raw, &msg); err != nil {
			return err
		}
		if msg.Code == protocol.CodeIntegrityConflict {
			// The journal keeps the original row; operator intervention
			// is required, and the cursor must not advance past it.
			u.Log.Error("server rejected batch with integrity conflict",
				zap.String("message", msg.Message))
		}
		return fmt.Errorf("server error %s: %s", msg.Code, msg.Message)
	default:
		u.Log.Warn("unexpected message kind", zap.String("kind", kind))
		return nil
	}
}

func (u *Uplink) resumeCursors() []protocol.ResumeCursor {
	var cursors []protocol.ResumeCursor
	for _, key := range u.ReaderKeys {
		cursor, err := u.Journal.AckCursor(key)
		if err != nil || cursor.Epoch == 0 {
			continue
		}
		cursors = append(cursors, protocol.ResumeCursor{
			ForwarderID:   u.ForwarderID,
			ReaderAddress: key,
			StreamEpoch:   cursor.Epoch,
			LastSeq:       cursor.Seq,
		})
	}
	return cursors
}

func (u *Uplink) write(conn *websocket.Conn, kind string, payload any) error {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(uplinkWriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func awaitHeartbeat(conn *websocket.Conn, inbound <-chan []byte, u *Uplink) (string, error) {
	for {
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
				if err := u.handleInbound(conn, raw); err != nil {
					return "", err
				}
			}
		case <-time.After(sessionIdleTimeout):
			return "", errors.New("timed out awaiting heartbeat")
		}
	}
}

// uplinkReadPump feeds inbound text frames into a channel; the channel
// closes when the connection dies or the idle deadline passes. Pings are
// answered by the transport's default pong handler.
func uplinkReadPump(ctx context.Context, conn *websocket.Conn) <-chan []byte {
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

// websocketURL joins the configured base URL with a session path,
// converting http(s) schemes to ws(s).
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

func newBatchID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
