package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultServerURL is the realtime transcription endpoint.
const DefaultServerURL = "wss://api.mistral.ai/v1/audio/transcriptions/realtime"

const defaultDrainTimeout = 15 * time.Second

// Sink receives every event forwarded for a session. It is called from the
// session's background goroutine, one event at a time, in arrival order.
type Sink func(sessionID string, ev Event)

// ManagerConfig configures a Manager. Zero durations use defaults.
type ManagerConfig struct {
	ServerURL string
	Dialer    Dialer

	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	WriteTimeout     time.Duration
	// DrainTimeout bounds how long a stopping session waits for the
	// service's final event after the end of audio was sent.
	DrainTimeout time.Duration
}

// SessionConfig describes one transcription session.
type SessionConfig struct {
	APIKey     string
	Model      string
	Encoding   Encoding // defaults to pcm_s16le
	SampleRate int      // defaults to 16000

	// Sink, when set, receives this session's events in addition to the
	// manager-wide sink.
	Sink Sink
}

// Manager runs realtime transcription sessions. Each session owns a socket,
// an AudioBridge and a background goroutine that pumps audio out and
// forwards events in until the session ends.
type Manager struct {
	cfg    ManagerConfig
	sink   Sink
	logger *log.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

type session struct {
	id     string
	bridge *AudioBridge
	conn   *Connection
	sink   Sink
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager that forwards events to sink.
func NewManager(cfg ManagerConfig, sink Sink, logger *log.Logger) *Manager {
	if cfg.ServerURL == "" {
		cfg.ServerURL = DefaultServerURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

func (c SessionConfig) validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return &InvalidConfigError{Field: "api_key", Reason: "is required"}
	}
	if strings.TrimSpace(c.Model) == "" {
		return &InvalidConfigError{Field: "model", Reason: "is required"}
	}
	if c.Encoding != "" && !c.Encoding.Valid() {
		return &InvalidConfigError{Field: "encoding", Reason: fmt.Sprintf("%q is not supported", c.Encoding)}
	}
	if c.SampleRate < 0 {
		return &InvalidConfigError{Field: "sample_rate", Reason: "must be positive"}
	}
	return nil
}

func (c SessionConfig) audioFormat() AudioFormat {
	f := DefaultAudioFormat
	if c.Encoding != "" {
		f.Encoding = c.Encoding
	}
	if c.SampleRate > 0 {
		f.SampleRate = c.SampleRate
	}
	return f
}

// StartSession connects to the service, completes the handshake and starts
// streaming. It returns the new session id.
func (m *Manager) StartSession(ctx context.Context, cfg SessionConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}

	u, err := url.Parse(m.cfg.ServerURL)
	if err != nil {
		return "", &InvalidConfigError{Field: "server_url", Reason: err.Error()}
	}
	q := u.Query()
	q.Set("model", strings.TrimSpace(cfg.Model))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))

	bridge := NewAudioBridge()
	conn, err := Connect(ctx, ConnectOptions{
		URL:              u.String(),
		Header:           header,
		Dialer:           m.cfg.Dialer,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		CloseTimeout:     m.cfg.CloseTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		Logger:           m.logger,
	})
	if err != nil {
		return "", err
	}

	if want := cfg.audioFormat(); want != conn.AudioFormat() {
		if err := conn.UpdateAudioFormat(want); err != nil {
			conn.Close(websocket.CloseNormalClosure, "")
			return "", fmt.Errorf("update audio format: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.NewString(),
		bridge: bridge,
		conn:   conn,
		sink:   cfg.Sink,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	sess := conn.Session()
	m.logger.Printf("stt: session %s started (request=%s model=%s format=%s)",
		s.id, sess.RequestID, sess.Model, conn.AudioFormat())

	go m.run(runCtx, s)
	return s.id, nil
}

// PushChunk queues audio for a session. Unknown or finished sessions are
// ignored.
func (m *Manager) PushChunk(sessionID string, chunk []byte) {
	if s := m.lookup(sessionID); s != nil {
		s.bridge.Push(chunk)
	}
}

// StopSession ends the audio stream of a session and waits until the session
// has been torn down. After it returns no further events are delivered for
// the session. Stopping an unknown session is a no-op.
func (m *Manager) StopSession(sessionID string) {
	s := m.lookup(sessionID)
	if s == nil {
		return
	}
	s.bridge.End()
	<-s.done
}

// StopAll stops every running session.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.StopSession(id)
		}(id)
	}
	wg.Wait()
}

// Count returns the number of running sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session returns the server session metadata of a running session.
func (m *Manager) Session(sessionID string) (Session, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return Session{}, false
	}
	return s.conn.Session(), true
}

func (m *Manager) lookup(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

var errDrainTimeout = errors.New("no final event from the service after end of audio")

func (m *Manager) run(ctx context.Context, s *session) {
	defer close(s.done)
	defer s.cancel()

	pumpDone := make(chan struct{})
	var pumpErr error
	go func() {
		defer close(pumpDone)
		pumpErr = m.pump(ctx, s)
	}()

	terminal, fwdErr := m.forward(ctx, s, pumpDone)

	s.bridge.Discard()
	<-pumpDone

	if !terminal {
		reason := "connection closed before transcription completed"
		switch {
		case fwdErr != nil:
			reason = fwdErr.Error()
		case pumpErr != nil && !errors.Is(pumpErr, ErrClosedConnection):
			reason = "audio stream failed: " + pumpErr.Error()
		}
		m.logger.Printf("stt: session %s ended without a final event: %s", s.id, reason)
		m.emit(s, NewErrorEvent(0, reason))
	}

	s.conn.Close(websocket.CloseNormalClosure, "")
	m.remove(s)
	m.logger.Printf("stt: session %s closed", s.id)
}

// pump drains the bridge into the socket and always finishes with
// input_audio.end.
func (m *Manager) pump(ctx context.Context, s *session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audio pump panic: %v", r)
		}
		if endErr := s.conn.EndAudio(); endErr != nil {
			m.logger.Printf("stt: session %s: end audio: %v", s.id, endErr)
		}
	}()

	for {
		chunk, ok := s.bridge.Next(ctx)
		if !ok || s.conn.State() != StateOpen {
			return nil
		}
		if err := s.conn.SendAudio(chunk); err != nil {
			return err
		}
	}
}

// forward passes events to the sinks until a terminal event, the end of the
// socket, or the drain timeout after the pump has finished.
func (m *Manager) forward(ctx context.Context, s *session, pumpDone <-chan struct{}) (terminal bool, err error) {
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var drained bool
	var drainMu sync.Mutex
	go func() {
		select {
		case <-pumpDone:
		case <-fctx.Done():
			return
		}
		timer := time.NewTimer(m.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			drainMu.Lock()
			drained = true
			drainMu.Unlock()
			cancel()
		case <-fctx.Done():
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			terminal, err = false, fmt.Errorf("event forwarder panic: %v", r)
		}
	}()

	for {
		ev, ok := s.conn.Next(fctx)
		if !ok {
			drainMu.Lock()
			defer drainMu.Unlock()
			if drained {
				return false, errDrainTimeout
			}
			return false, nil
		}
		m.emit(s, ev)
		if IsTerminal(ev) {
			return true, nil
		}
	}
}

func (m *Manager) emit(s *session, ev Event) {
	for _, sink := range [...]Sink{m.sink, s.sink} {
		if sink == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("stt: session %s: sink panic: %v", s.id, r)
				}
			}()
			sink(s.id, ev)
		}()
	}
}
