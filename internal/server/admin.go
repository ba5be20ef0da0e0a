package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"timerelay/internal/config"
	"timerelay/internal/protocol"
	"timerelay/internal/server/store"
)

// AdminHandler exposes the operations that drive the core's public
// surface: token management, epoch resets, stream listing, race mapping,
// and the forwarder config/restart proxy. It binds to a loopback address
// and is rate limited as a whole.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/tokens", s.adminCreateToken)
	mux.HandleFunc("POST /admin/tokens/revoke", s.adminRevokeToken)
	mux.HandleFunc("GET /admin/streams", s.adminListStreams)
	mux.HandleFunc("POST /admin/streams/{id}/epoch-reset", s.adminEpochReset)
	mux.HandleFunc("GET /admin/forwarders/{device}/config", s.adminConfigGet)
	mux.HandleFunc("PUT /admin/forwarders/{device}/config", s.adminConfigSet)
	mux.HandleFunc("POST /admin/forwarders/{device}/restart", s.adminRestart)
	mux.HandleFunc("POST /admin/races", s.adminCreateRace)
	mux.HandleFunc("POST /admin/races/{id}/streams", s.adminMapRaceStream)
	mux.HandleFunc("DELETE /admin/races/{id}/streams", s.adminUnmapRaceStream)

	limiter := rate.NewLimiter(rate.Limit(20), 40)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) adminCreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token      string `json:"token"`
		DeviceType string `json:"device_type"`
		DeviceID   string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.DeviceID == "" ||
		(req.DeviceType != DeviceTypeForwarder && req.DeviceType != DeviceTypeReceiver) {
		http.Error(w, "token, device_id and a valid device_type are required", http.StatusBadRequest)
		return
	}
	if err := s.store.CreateDeviceToken(r.Context(), HashToken(req.Token), req.DeviceType, req.DeviceID); err != nil {
		s.log.Error("failed to create device token", zap.Error(err))
		http.Error(w, "failed to create token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"device_id": req.DeviceID})
}

func (s *Server) adminRevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	err := s.store.RevokeDeviceToken(r.Context(), HashToken(req.Token))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to revoke token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) adminListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.store.ListStreams(r.Context())
	if err != nil {
		http.Error(w, "failed to list streams", http.StatusInternalServerError)
		return
	}
	type streamView struct {
		store.Stream
		Metrics *store.Metrics `json:"metrics,omitempty"`
	}
	out := make([]streamView, 0, len(streams))
	for _, st := range streams {
		view := streamView{Stream: st}
		if metrics, err := s.store.Metrics(r.Context(), st.ID); err == nil {
			view.Metrics = metrics
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

// adminEpochReset enqueues an epoch_reset_command for the owning
// forwarder's session. The server's own metrics reset happens when the
// first event of the new epoch arrives, not here, so a lost command
// cannot desync the two sides.
func (s *Server) adminEpochReset(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	var req struct {
		NewEpoch uint64 `json:"new_epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewEpoch == 0 {
		http.Error(w, "new_epoch must be a positive integer", http.StatusBadRequest)
		return
	}
	st, err := s.store.StreamByID(r.Context(), streamID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load stream", http.StatusInternalServerError)
		return
	}
	if req.NewEpoch <= st.StreamEpoch {
		http.Error(w, "new_epoch must be greater than the current epoch", http.StatusBadRequest)
		return
	}
	cmd := protocol.EpochResetCommand{
		Stream:   protocol.StreamRef{ForwarderID: st.ForwarderID, ReaderAddress: st.ReaderAddress},
		NewEpoch: req.NewEpoch,
	}
	if err := s.router.SendEpochReset(st.ForwarderID, cmd); err != nil {
		http.Error(w, "forwarder is not connected", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stream_id": streamID, "new_epoch": req.NewEpoch})
}

func (s *Server) adminConfigGet(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	ctx, cancel := context.WithTimeout(r.Context(), config.DefaultRequestTimeout)
	defer cancel()
	resp, err := s.router.ConfigGet(ctx, deviceID)
	if !s.writeProxyError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) adminConfigSet(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	var req struct {
		Section string          `json:"section"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Section == "" {
		http.Error(w, "section and payload are required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), config.DefaultRequestTimeout)
	defer cancel()
	resp, err := s.router.ConfigSet(ctx, deviceID, req.Section, req.Payload)
	if !s.writeProxyError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) adminRestart(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device")
	ctx, cancel := context.WithTimeout(r.Context(), config.DefaultRequestTimeout)
	defer cancel()
	resp, err := s.router.Restart(ctx, deviceID)
	if !s.writeProxyError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeProxyError maps command-router failures onto HTTP statuses; it
// reports true when the caller may proceed with the response.
func (s *Server) writeProxyError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrForwarderOffline), errors.Is(err, ErrForwarderDisconnected):
		http.Error(w, protocol.CodeForwarderDisconnected, http.StatusBadGateway)
		return false
	case errors.Is(err, ErrRequestTimeout):
		http.Error(w, protocol.CodeTimeout, http.StatusGatewayTimeout)
		return false
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
}

func (s *Server) adminCreateRace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	id, err := s.store.CreateRace(r.Context(), req.Name)
	if err != nil {
		http.Error(w, "failed to create race", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"race_id": id})
}

func (s *Server) adminMapRaceStream(w http.ResponseWriter, r *http.Request) {
	raceID := r.PathValue("id")
	var req struct {
		StreamID    string `json:"stream_id"`
		StreamEpoch uint64 `json:"stream_epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamID == "" || req.StreamEpoch == 0 {
		http.Error(w, "stream_id and stream_epoch are required", http.StatusBadRequest)
		return
	}
	err := s.store.MapStreamEpochToRace(r.Context(), req.StreamID, req.StreamEpoch, raceID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "race or stream not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to map stream", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mapped"})
}

func (s *Server) adminUnmapRaceStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StreamID    string `json:"stream_id"`
		StreamEpoch uint64 `json:"stream_epoch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StreamID == "" || req.StreamEpoch == 0 {
		http.Error(w, "stream_id and stream_epoch are required", http.StatusBadRequest)
		return
	}
	if err := s.store.UnmapStreamEpoch(r.Context(), req.StreamID, req.StreamEpoch); err != nil {
		http.Error(w, "failed to unmap stream", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unmapped"})
}

// cursorRetention is how long an idle historic-epoch receiver cursor is
// kept before the sweep may delete it.
const cursorRetention = 30 * 24 * time.Hour
