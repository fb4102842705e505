package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/voxlive/internal/stt"
)

const (
	streamStartTimeout = 10 * time.Second
	streamWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client stream message types
//
//	-> {"type":"start","model":"...","encoding":"pcm_s16le","sample_rate":16000}
//	-> binary frames or {"type":"audio","audio":"<base64>"}
//	-> {"type":"stop"}
//	<- {"type":"session.started","session_id":"...","session":{...}}
//	<- transcription events as produced by the engine
type streamMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
}

type streamStarted struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Session   stt.Session `json:"session"`
}

// streamSession bridges one client websocket to one engine session
type streamSession struct {
	router    *Router
	logger    *log.Logger
	sessionID string

	conn     *websocket.Conn
	connMu   sync.Mutex
	writeErr error

	// ready is closed once session.started was written, so engine events
	// never overtake the acknowledgement.
	ready      chan struct{}
	finished   chan struct{}
	finishOnce sync.Once
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if r.cfg.APIKey == "" {
		r.logger.Printf("stream: transcription not configured")
		http.Error(w, "transcription not configured", http.StatusServiceUnavailable)
		return
	}
	if !r.streams.Add() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	defer r.streams.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("stream: upgrade failed: %v", err)
		return
	}

	s := &streamSession{
		router:   r,
		logger:   r.logger,
		conn:     conn,
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.run(req.Context())
}

func (s *streamSession) run(ctx context.Context) {
	defer s.cleanup()

	start, err := s.readStart()
	if err != nil {
		s.logger.Printf("stream: bad start message: %v", err)
		_ = s.writeEvent(stt.NewErrorEvent(http.StatusBadRequest, err.Error()))
		return
	}

	cfg := s.router.sessionConfig(start)
	cfg.Sink = s.forward
	id, err := s.router.startSession(ctx, getAuthClient(ctx), cfg)
	if err != nil {
		s.logger.Printf("stream: start failed: %v", err)
		_ = s.writeEvent(stt.NewErrorEvent(startErrorStatus(err), err.Error()))
		return
	}
	s.sessionID = id

	session, _ := s.router.engine.Session(id)
	if err := s.writeJSON(streamStarted{Type: "session.started", SessionID: id, Session: session}); err != nil {
		s.logger.Printf("stream: ack failed for %s: %v", id, err)
	}
	close(s.ready)
	s.logger.Printf("stream: session %s streaming", id)

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readAudio()
	}()

	select {
	case <-s.finished:
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.logger.Printf("stream: client closed session %s", id)
		} else {
			s.logger.Printf("stream: read error for session %s: %v", id, err)
		}
	}

	// Returns once the engine delivered the last event for the session.
	s.router.engine.StopSession(id)
}

func (s *streamSession) readStart() (startRequest, error) {
	var start startRequest

	_ = s.conn.SetReadDeadline(time.Now().Add(streamStartTimeout))
	mt, msg, err := s.conn.ReadMessage()
	if err != nil {
		return start, fmt.Errorf("read start: %w", err)
	}
	_ = s.conn.SetReadDeadline(time.Time{})

	if mt != websocket.TextMessage {
		return start, errors.New("first message must be a start message")
	}
	if err := json.Unmarshal(msg, &start); err != nil {
		return start, fmt.Errorf("parse start: %w", err)
	}
	if start.Type != "start" {
		return start, fmt.Errorf("expected start message, got %q", start.Type)
	}
	return start, nil
}

func (s *streamSession) readAudio() error {
	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}

		switch mt {
		case websocket.BinaryMessage:
			s.push(msg)

		case websocket.TextMessage:
			var m streamMessage
			if err := json.Unmarshal(msg, &m); err != nil {
				s.logger.Printf("stream: failed to parse message: %v", err)
				continue
			}
			switch m.Type {
			case "audio":
				chunk, err := base64.StdEncoding.DecodeString(m.Audio)
				if err != nil {
					s.logger.Printf("stream: invalid audio payload: %v", err)
					continue
				}
				s.push(chunk)
			case "stop":
				s.logger.Printf("stream: stop requested for session %s", s.sessionID)
				go s.router.engine.StopSession(s.sessionID)
			default:
				s.logger.Printf("stream: ignoring message type %q", m.Type)
			}
		}
	}
}

func (s *streamSession) push(chunk []byte) {
	if int64(len(chunk)) > s.router.cfg.MaxChunkBytes {
		s.logger.Printf("stream: dropping %d byte chunk for session %s", len(chunk), s.sessionID)
		return
	}
	s.router.engine.PushChunk(s.sessionID, chunk)
}

// forward is the session sink.
func (s *streamSession) forward(_ string, ev stt.Event) {
	<-s.ready
	if err := s.writeEvent(ev); err != nil {
		s.logger.Printf("stream: dropping %s for session %s: %v", ev.Type(), s.sessionID, err)
	}
	if stt.IsTerminal(ev) {
		s.finishOnce.Do(func() { close(s.finished) })
	}
}

func (s *streamSession) writeEvent(ev stt.Event) error {
	data, err := stt.MarshalEvent(ev)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *streamSession) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *streamSession) write(data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	// A failed write leaves the connection unusable
	if s.writeErr != nil {
		return s.writeErr
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.writeErr = err
		return err
	}
	return nil
}

func (s *streamSession) cleanup() {
	s.connMu.Lock()
	if s.writeErr == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	s.conn.Close()
	s.connMu.Unlock()

	if s.sessionID != "" {
		s.logger.Printf("stream: session %s cleaned up", s.sessionID)
	}
}
