// Package server implements the central relay: websocket endpoints for
// forwarders and receivers, idempotent ingest into the relational store,
// per-stream broadcast fan-out, replay orchestration, and the admin API.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"timerelay/internal/config"
	"timerelay/internal/protocol"
	"timerelay/internal/server/store"
)

const writeWait = 10 * time.Second

// Server wires the session handlers to their shared collaborators.
type Server struct {
	cfg      *config.ServerConfig
	store    store.Store
	hub      *Hub
	auth     *Authenticator
	registry *SessionRegistry
	router   *CommandRouter
	log      *zap.Logger
	upgrader websocket.Upgrader

	startedAt time.Time
}

// New constructs a server over the given store.
func New(cfg *config.ServerConfig, st store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		hub:      NewHub(cfg.BroadcastBuffer),
		auth:     NewAuthenticator(st),
		registry: NewSessionRegistry(),
		router:   NewCommandRouter(),
		log:      logger,
		upgrader: websocket.Upgrader{
			// Sessions come from machine clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// Handler builds the public websocket mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/forwarders", s.serveForwarderWS)
	mux.HandleFunc("/ws/v1/receivers", s.serveReceiverWS)
	mux.HandleFunc("/ws/v1.1/receivers", s.serveReceiverWS)
	mux.HandleFunc("/ws/v1.2/receivers", s.serveReceiverWS)
	mux.HandleFunc("/healthz", s.healthz)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

// sendMessage writes one kind-tagged text message with a write deadline.
func sendMessage(conn *websocket.Conn, kind string, payload any) error {
	raw, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// sendError emits a protocol error message, ignoring transport failures:
// the session is usually being torn down already.
func sendError(conn *websocket.Conn, code, message string, retryable bool) {
	_ = sendMessage(conn, protocol.KindError, protocol.ErrorMessage{
		Code:      code,
		Message:   message,
		Retryable: retryable,
	})
}

// readPump feeds inbound text frames into a channel so session loops can
// select over messages, commands, and timers. The channel closes when the
// connection dies or the read deadline (session idle timeout) expires.
func readPump(conn *websocket.Conn, idle time.Duration, log *zap.Logger) <-chan []byte {
	inbound := make(chan []byte, 16)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	go func() {
		defer close(inbound)
		for {
			messageType, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn("unexpected websocket close", zap.Error(err))
				}
				return
			}
			if err := conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			inbound <- raw
		}
	}()
	return inbound
}
