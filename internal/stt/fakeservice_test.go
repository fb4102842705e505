package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeService is a scripted realtime transcription endpoint. Every accepted
// socket runs script in the handler goroutine.
type fakeService struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
}

func newFakeService(t *testing.T, script func(p *peer)) *fakeService {
	t.Helper()
	fs := &fakeService{}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.requests = append(fs.requests, r.Clone(context.Background()))
		fs.mu.Unlock()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		p := &peer{t: t, ws: ws, in: make(chan map[string]any, 256), readDone: make(chan struct{})}
		go p.readLoop()
		script(p)
		p.waitClosed()
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeService) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeService) request(i int) *http.Request {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if i >= len(fs.requests) {
		return nil
	}
	return fs.requests[i]
}

type peer struct {
	t        *testing.T
	ws       *websocket.Conn
	in       chan map[string]any
	readDone chan struct{}
}

func (p *peer) readLoop() {
	defer close(p.readDone)
	defer close(p.in)
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg map[string]any
		if json.Unmarshal(data, &msg) == nil {
			p.in <- msg
		}
	}
}

func (p *peer) send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.t.Errorf("marshal %v: %v", msg, err)
		return
	}
	_ = p.ws.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) sendRaw(raw string) {
	_ = p.ws.WriteMessage(websocket.TextMessage, []byte(raw))
}

// expect returns the next client message and checks its type.
func (p *peer) expect(typ string) map[string]any {
	select {
	case msg, ok := <-p.in:
		if !ok {
			p.t.Errorf("socket closed while waiting for %s", typ)
			return nil
		}
		if msg["type"] != typ {
			p.t.Errorf("client sent %v, want %s", msg["type"], typ)
		}
		return msg
	case <-time.After(5 * time.Second):
		p.t.Errorf("timed out waiting for %s", typ)
		return nil
	}
}

func (p *peer) closeNormal() {
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// drop cuts the TCP connection without a closing handshake.
func (p *peer) drop() {
	_ = p.ws.UnderlyingConn().Close()
}

func (p *peer) waitClosed() {
	select {
	case <-p.readDone:
	case <-time.After(5 * time.Second):
	}
}

func sessionCreated(rate int) map[string]any {
	return map[string]any{
		"type": TypeSessionCreated,
		"session": map[string]any{
			"request_id":   "req-1",
			"model":        "voxtral-test",
			"audio_format": map[string]any{"encoding": "pcm_s16le", "sample_rate": rate},
		},
	}
}

func sessionUpdated(rate int) map[string]any {
	msg := sessionCreated(rate)
	msg["type"] = TypeSessionUpdated
	return msg
}

func textDelta(text string) map[string]any {
	return map[string]any{"type": TypeTextDelta, "text": text}
}

func transcriptionDone(text string) map[string]any {
	return map[string]any{
		"type":     TypeDone,
		"model":    "voxtral-test",
		"text":     text,
		"language": "en",
		"usage":    map[string]any{"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5},
	}
}

// recorder collects events delivered to a Sink.
type recorder struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]Event)}
}

func (r *recorder) sink(id string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[id] = append(r.events[id], ev)
}

func (r *recorder) get(id string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[id]...)
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type()
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
