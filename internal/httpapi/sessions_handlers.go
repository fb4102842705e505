package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/lukasbauer/voxlive/internal/store"
	"github.com/lukasbauer/voxlive/internal/stt"
)

type startRequest struct {
	Type       string `json:"type,omitempty"`
	Model      string `json:"model,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type sessionResponse struct {
	SessionID string      `json:"session_id"`
	Session   stt.Session `json:"session"`
}

// sessionConfig fills a request with the configured defaults.
func (r *Router) sessionConfig(body startRequest) stt.SessionConfig {
	cfg := stt.SessionConfig{
		APIKey:     r.cfg.APIKey,
		Model:      strings.TrimSpace(body.Model),
		Encoding:   stt.Encoding(body.Encoding),
		SampleRate: body.SampleRate,
	}
	if cfg.Model == "" {
		cfg.Model = r.cfg.DefaultModel
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = r.cfg.DefaultSampleRate
	}
	return cfg
}

// startErrorStatus maps a StartSession failure to an HTTP status.
func startErrorStatus(err error) int {
	var cfgErr *stt.InvalidConfigError
	var timeoutErr *stt.HandshakeTimeoutError
	switch {
	case errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (r *Router) handleCreateSession(w http.ResponseWriter, req *http.Request) {
	if r.cfg.APIKey == "" {
		writeError(w, http.StatusServiceUnavailable, "transcription not configured")
		return
	}

	var body startRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	client := getAuthClient(req.Context())
	id, err := r.startSession(req.Context(), client, r.sessionConfig(body))
	if err != nil {
		status := startErrorStatus(err)
		if status >= 500 {
			captureError(req, err, "sessions: start failed")
		}
		r.logger.Printf("sessions: start failed: %v", err)
		writeError(w, status, err.Error())
		return
	}

	session, _ := r.engine.Session(id)
	if client != nil {
		r.logger.Printf("sessions: %s started by client %s", id, client.ID)
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: id, Session: session})
}

func (r *Router) handlePushAudio(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if !r.owners.allowed(id, getAuthClient(req.Context())) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	chunk, err := io.ReadAll(io.LimitReader(req.Body, r.cfg.MaxChunkBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if int64(len(chunk)) > r.cfg.MaxChunkBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "audio chunk too large")
		return
	}

	r.engine.PushChunk(id, chunk)
	writeJSON(w, http.StatusAccepted, map[string]int{"queued_bytes": len(chunk)})
}

func (r *Router) handleStopSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if !r.owners.allowed(id, getAuthClient(req.Context())) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	r.engine.StopSession(id)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if session, ok := r.engine.Session(id); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": id,
			"status":     store.StatusActive,
			"session":    session,
		})
		return
	}

	ts, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		captureError(req, err, "sessions: get failed")
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (r *Router) handleListSessions(w http.ResponseWriter, req *http.Request) {
	limit := queryLimit(req, 50, 500)
	sessions, err := r.store.ListSessions(req.Context(), limit)
	if err != nil {
		captureError(req, err, "sessions: list failed")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (r *Router) handleListSessionEvents(w http.ResponseWriter, req *http.Request) {
	limit := queryLimit(req, 500, 5000)
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		captureError(req, err, "sessions: events failed")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func queryLimit(req *http.Request, def, ceiling int) int {
	v := req.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > ceiling {
		return ceiling
	}
	return n
}
