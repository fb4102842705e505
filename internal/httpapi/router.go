package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/voxlive/internal/store"
	"github.com/lukasbauer/voxlive/internal/stt"
)

const defaultMaxChunkBytes = 1 << 20

type RouterConfig struct {
	PublicBaseURL string

	// JWT Authentication
	JWTSecret string

	// Transcription defaults for sessions started over HTTP
	APIKey            string
	DefaultModel      string
	DefaultSampleRate int
	MaxChunkBytes     int64 // Largest accepted audio body or frame
}

// Engine runs transcription sessions on behalf of the HTTP surface.
type Engine interface {
	StartSession(ctx context.Context, cfg stt.SessionConfig) (string, error)
	PushChunk(sessionID string, chunk []byte)
	StopSession(sessionID string)
	Session(sessionID string) (stt.Session, bool)
	Count() int
}

type Router struct {
	cfg     RouterConfig
	logger  *log.Logger
	engine  Engine
	store   *store.Store
	streams *StreamRegistry
	owners  *sessionOwners
	mux     *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, engine Engine, s *store.Store, streams *StreamRegistry) http.Handler {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = defaultMaxChunkBytes
	}
	if streams == nil {
		streams = NewStreamRegistry()
	}
	r := &Router{
		cfg:     cfg,
		logger:  logger,
		engine:  engine,
		store:   s,
		streams: streams,
		owners:  newSessionOwners(),
		mux:     http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)

	// Protected API endpoints
	r.mux.HandleFunc("GET /api/info", r.withAuth(r.handleInfo))
	r.mux.HandleFunc("POST /api/sessions", r.withAuth(r.handleCreateSession))
	r.mux.HandleFunc("GET /api/sessions", r.withAuth(r.handleListSessions))
	r.mux.HandleFunc("GET /api/sessions/{id}", r.withAuth(r.handleGetSession))
	r.mux.HandleFunc("POST /api/sessions/{id}/audio", r.withAuth(r.handlePushAudio))
	r.mux.HandleFunc("DELETE /api/sessions/{id}", r.withAuth(r.handleStopSession))
	r.mux.HandleFunc("GET /api/sessions/{id}/events", r.withAuth(r.handleListSessionEvents))

	// Streaming (token may also come as ?token= for browsers)
	r.mux.HandleFunc("GET /stream", r.withAuth(r.handleStream))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if r.streams.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Router) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"stream_url":      wsURLFromPublicBase(r.cfg.PublicBaseURL) + "/stream",
		"model":           r.cfg.DefaultModel,
		"sample_rate":     r.cfg.DefaultSampleRate,
		"active_sessions": r.engine.Count(),
		"active_streams":  r.streams.ActiveCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func wsURLFromPublicBase(publicBase string) string {
	// http://x -> ws://x
	// https://x -> wss://x
	publicBase = strings.TrimSuffix(publicBase, "/")
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}
