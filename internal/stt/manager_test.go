package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type refusingDialer struct {
	calls atomic.Int32
}

func (d *refusingDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("dial refused")
}

func newTestManager(fs *fakeService, sink Sink) *Manager {
	return NewManager(ManagerConfig{
		ServerURL:        fs.wsURL(),
		HandshakeTimeout: time.Second,
		CloseTimeout:     time.Second,
		DrainTimeout:     2 * time.Second,
	}, sink, nil)
}

func testSessionConfig() SessionConfig {
	return SessionConfig{APIKey: "secret", Model: "voxtral-test"}
}

func TestManager_StreamsAudioAndForwardsEvents(t *testing.T) {
	audio := make(chan string, 2)
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		for i := 0; i < 2; i++ {
			msg := p.expect(typeAudioAppend)
			s, _ := msg["audio"].(string)
			audio <- s
		}
		p.expect(typeAudioEnd)
		p.send(textDelta("hello "))
		p.send(textDelta("world"))
		p.send(transcriptionDone("hello world"))
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
	if s, ok := m.Session(id); !ok || s.RequestID != "req-1" {
		t.Errorf("Session() = %+v, %v", s, ok)
	}

	m.PushChunk(id, []byte("first"))
	m.PushChunk(id, []byte("second"))
	m.StopSession(id)

	if got := <-audio; got != base64.StdEncoding.EncodeToString([]byte("first")) {
		t.Errorf("first chunk = %q", got)
	}
	if got := <-audio; got != base64.StdEncoding.EncodeToString([]byte("second")) {
		t.Errorf("second chunk = %q", got)
	}

	got := eventTypes(rec.get(id))
	want := []string{TypeTextDelta, TypeTextDelta, TypeDone}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after StopSession", m.Count())
	}

	req := fs.request(0)
	if req == nil {
		t.Fatal("no upgrade request recorded")
	}
	if auth := req.Header.Get("Authorization"); auth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", auth)
	}
	if model := req.URL.Query().Get("model"); model != "voxtral-test" {
		t.Errorf("model query = %q, want voxtral-test", model)
	}
}

func TestManager_ReplaysHandshakeEventsInOrder(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(textDelta("X"))
		p.send(sessionCreated(16000))
		p.send(textDelta("Y"))
		p.send(textDelta("Z"))
		p.expect(typeAudioEnd)
		p.send(transcriptionDone("XYZ"))
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	m.StopSession(id)

	events := rec.get(id)
	var got []string
	for _, ev := range events {
		switch e := ev.(type) {
		case TextDeltaEvent:
			got = append(got, "delta:"+e.Text)
		case DoneEvent:
			got = append(got, "done:"+e.Text)
		default:
			got = append(got, ev.Type())
		}
	}
	want := []string{"delta:X", "delta:Y", "delta:Z", "done:XYZ"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("forwarded = %v, want %v", got, want)
	}
}

func TestManager_PerSessionSink(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.expect(typeAudioEnd)
		p.send(transcriptionDone("done"))
	})
	global := newRecorder()
	local := newRecorder()
	m := newTestManager(fs, global.sink)

	cfg := testSessionConfig()
	cfg.Sink = local.sink
	id, err := m.StartSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	m.StopSession(id)

	if len(global.get(id)) != 1 || len(local.get(id)) != 1 {
		t.Errorf("global got %d events, local got %d, want 1 each", len(global.get(id)), len(local.get(id)))
	}
}

func TestManager_SendsFormatUpdateWhenRequested(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		msg := p.expect(typeSessionUpdate)
		session, _ := msg["session"].(map[string]any)
		af, _ := session["audio_format"].(map[string]any)
		if af["sample_rate"] != float64(8000) {
			p.t.Errorf("requested sample_rate = %v, want 8000", af["sample_rate"])
		}
		p.send(sessionUpdated(8000))
		p.expect(typeAudioEnd)
		p.send(transcriptionDone(""))
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	cfg := testSessionConfig()
	cfg.SampleRate = 8000
	id, err := m.StartSession(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	m.StopSession(id)

	events := rec.get(id)
	if len(events) != 2 {
		t.Fatalf("events = %v, want session.updated and done", eventTypes(events))
	}
	upd, ok := events[0].(SessionUpdatedEvent)
	if !ok || upd.Session.AudioFormat.SampleRate != 8000 {
		t.Errorf("first event = %#v, want session.updated at 8000Hz", events[0])
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	dialer := &refusingDialer{}
	m := NewManager(ManagerConfig{Dialer: dialer}, nil, nil)

	tests := []struct {
		name  string
		cfg   SessionConfig
		field string
	}{
		{"missing api key", SessionConfig{Model: "m"}, "api_key"},
		{"blank api key", SessionConfig{APIKey: "  ", Model: "m"}, "api_key"},
		{"missing model", SessionConfig{APIKey: "k"}, "model"},
		{"bad encoding", SessionConfig{APIKey: "k", Model: "m", Encoding: "opus"}, "encoding"},
		{"negative rate", SessionConfig{APIKey: "k", Model: "m", SampleRate: -1}, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.StartSession(context.Background(), tt.cfg)
			var cfgErr *InvalidConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("StartSession() error = %v, want *InvalidConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
	if n := dialer.calls.Load(); n != 0 {
		t.Errorf("dialer called %d times, want 0", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestManager_HandshakeFailureRegistersNothing(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {})
	m := NewManager(ManagerConfig{
		ServerURL:        fs.wsURL(),
		HandshakeTimeout: 100 * time.Millisecond,
		CloseTimeout:     time.Second,
	}, nil, nil)

	_, err := m.StartSession(context.Background(), testSessionConfig())
	var timeoutErr *HandshakeTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("StartSession() error = %v, want *HandshakeTimeoutError", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestManager_ServiceErrorDuringHandshake(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.sendRaw(`{"type":"error","error":{"message":"model not found","code":404}}`)
	})
	m := newTestManager(fs, nil)

	_, err := m.StartSession(context.Background(), testSessionConfig())
	var appErr *ApplicationError
	if !errors.As(err, &appErr) || appErr.Code != 404 {
		t.Fatalf("StartSession() error = %v, want *ApplicationError 404", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestManager_StopSessionIsIdempotent(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.expect(typeAudioEnd)
		p.send(transcriptionDone(""))
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	m.StopSession(id)
	m.StopSession(id)
	m.StopSession("no-such-session")
	m.PushChunk(id, []byte("ignored"))
	m.PushChunk("no-such-session", []byte("ignored"))

	if n := len(rec.get(id)); n != 1 {
		t.Errorf("got %d events, want exactly 1", n)
	}
}

func TestManager_ServerFinishesFirst(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.send(transcriptionDone("early"))
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 })

	m.PushChunk(id, []byte("too late"))
	m.StopSession(id)

	events := rec.get(id)
	if len(events) != 1 || events[0].Type() != TypeDone {
		t.Errorf("events = %v, want [done]", eventTypes(events))
	}
}

func TestManager_DrainTimeoutEmitsError(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.expect(typeAudioEnd)
	})
	rec := newRecorder()
	m := NewManager(ManagerConfig{
		ServerURL:        fs.wsURL(),
		HandshakeTimeout: time.Second,
		CloseTimeout:     time.Second,
		DrainTimeout:     100 * time.Millisecond,
	}, rec.sink, nil)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		m.StopSession(id)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("StopSession() did not return after the drain timeout")
	}

	events := rec.get(id)
	if len(events) != 1 {
		t.Fatalf("events = %v, want one error", eventTypes(events))
	}
	e, ok := events[0].(ErrorEvent)
	if !ok {
		t.Fatalf("event = %#v, want ErrorEvent", events[0])
	}
	if !strings.Contains(e.Text(), "no final event") {
		t.Errorf("Text() = %q", e.Text())
	}
}

func TestManager_TransportFailureIsTerminal(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.send(textDelta("partial"))
		time.Sleep(50 * time.Millisecond)
		p.drop()
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 })

	events := rec.get(id)
	if len(events) != 2 {
		t.Fatalf("events = %v, want delta and unknown", eventTypes(events))
	}
	if u, ok := events[1].(UnknownEvent); !ok || !u.IsTransportFailure() {
		t.Errorf("last event = %#v, want transport failure", events[1])
	}
}

func TestManager_ServerCloseWithoutDoneEmitsError(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.closeNormal()
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, func() bool { return m.Count() == 0 })

	events := rec.get(id)
	if len(events) != 1 || events[0].Type() != TypeError {
		t.Fatalf("events = %v, want a single error", eventTypes(events))
	}
	if got := events[0].(ErrorEvent).Text(); got != "connection closed before transcription completed" {
		t.Errorf("error text = %q", got)
	}
}

func TestManager_StopAll(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.expect(typeAudioEnd)
		p.send(transcriptionDone("bye"))
	})
	rec := newRecorder()
	m := newTestManager(fs, rec.sink)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.StartSession(context.Background(), testSessionConfig())
		if err != nil {
			t.Fatalf("StartSession() error = %v", err)
		}
		ids = append(ids, id)
	}
	if m.Count() != 3 {
		t.Errorf("Count() = %d, want 3", m.Count())
	}

	m.StopAll()
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after StopAll", m.Count())
	}
	for _, id := range ids {
		events := rec.get(id)
		if len(events) != 1 || events[0].Type() != TypeDone {
			t.Errorf("session %s events = %v, want [done]", id, eventTypes(events))
		}
	}
}

func TestManager_SinkPanicDoesNotKillSession(t *testing.T) {
	fs := newFakeService(t, func(p *peer) {
		p.send(sessionCreated(16000))
		p.send(textDelta("boom"))
		p.expect(typeAudioEnd)
		p.send(transcriptionDone("boom"))
	})
	var calls atomic.Int32
	m := newTestManager(fs, func(id string, ev Event) {
		calls.Add(1)
		if ev.Type() == TypeTextDelta {
			panic("sink failure")
		}
	})

	id, err := m.StartSession(context.Background(), testSessionConfig())
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	m.StopSession(id)

	if n := calls.Load(); n != 2 {
		t.Errorf("sink called %d times, want 2", n)
	}
}
