package app

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lukasbauer/voxlive/internal/costs"
	"github.com/lukasbauer/voxlive/internal/eventlog"
	"github.com/lukasbauer/voxlive/internal/notifications"
	"github.com/lukasbauer/voxlive/internal/store"
	"github.com/lukasbauer/voxlive/internal/stt"
)

// SessionRunner is the engine the Transcriber records for. *stt.Manager
// satisfies it.
type SessionRunner interface {
	StartSession(ctx context.Context, cfg stt.SessionConfig) (string, error)
	PushChunk(sessionID string, chunk []byte)
	StopSession(sessionID string)
	StopAll()
	Session(sessionID string) (stt.Session, bool)
	Count() int
}

// Transcriber runs sessions on the engine and records their lifecycle in
// the store, the event log and the failure notifier.
type Transcriber struct {
	engine   SessionRunner
	store    *store.Store
	events   *eventlog.Logger
	notifier *notifications.Discord
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	active map[string]*sessionRecord
}

type sessionRecord struct {
	id      string
	model   string
	bytesIn atomic.Int64
	ready   chan struct{}

	mu       sync.Mutex
	format   stt.AudioFormat
	language string
}

func NewTranscriber(engine SessionRunner, s *store.Store, events *eventlog.Logger, notifier *notifications.Discord, logger *log.Logger) *Transcriber {
	return &Transcriber{
		engine:   engine,
		store:    s,
		events:   events,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		active:   make(map[string]*sessionRecord),
	}
}

// StartSession starts a session and records it. Events reach cfg.Sink after
// they were recorded.
func (t *Transcriber) StartSession(ctx context.Context, cfg stt.SessionConfig) (string, error) {
	rec := &sessionRecord{model: cfg.Model, ready: make(chan struct{})}
	next := cfg.Sink
	cfg.Sink = func(sessionID string, ev stt.Event) {
		<-rec.ready
		t.record(rec, ev)
		if next != nil {
			next(sessionID, ev)
		}
	}

	id, err := t.engine.StartSession(ctx, cfg)
	if err != nil {
		return "", err
	}
	rec.id = id

	session, _ := t.engine.Session(id)
	rec.format = session.AudioFormat
	if rec.format.SampleRate == 0 {
		rec.format = stt.DefaultAudioFormat
	}
	if session.Model != "" {
		rec.model = session.Model
	}

	t.mu.Lock()
	t.active[id] = rec
	t.mu.Unlock()

	ts := store.TranscriptionSession{
		ID:         id,
		Model:      rec.model,
		Encoding:   string(rec.format.Encoding),
		SampleRate: rec.format.SampleRate,
		Status:     store.StatusActive,
		StartedAt:  t.now().UTC(),
	}
	if session.RequestID != "" {
		ts.RequestID = &session.RequestID
	}
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := t.store.UpsertSession(dbCtx, ts); err != nil {
		t.logger.Printf("transcriber: failed to persist session %s: %v", id, err)
	}
	cancel()
	t.events.LogEvent(id, stt.SessionCreatedEvent{Session: session})

	close(rec.ready)
	return id, nil
}

// PushChunk forwards audio to a running session.
func (t *Transcriber) PushChunk(sessionID string, chunk []byte) {
	if rec := t.lookup(sessionID); rec != nil {
		rec.bytesIn.Add(int64(len(chunk)))
	}
	t.engine.PushChunk(sessionID, chunk)
}

func (t *Transcriber) StopSession(sessionID string) {
	t.engine.StopSession(sessionID)
}

func (t *Transcriber) StopAll() {
	t.engine.StopAll()
}

func (t *Transcriber) Session(sessionID string) (stt.Session, bool) {
	return t.engine.Session(sessionID)
}

func (t *Transcriber) Count() int {
	return t.engine.Count()
}

func (t *Transcriber) lookup(sessionID string) *sessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[sessionID]
}

func (t *Transcriber) record(rec *sessionRecord, ev stt.Event) {
	t.events.LogEvent(rec.id, ev)

	switch e := ev.(type) {
	case stt.SessionUpdatedEvent:
		rec.mu.Lock()
		rec.format = e.Session.AudioFormat
		rec.mu.Unlock()
	case stt.LanguageEvent:
		rec.mu.Lock()
		rec.language = e.AudioLanguage
		rec.mu.Unlock()
	case stt.DoneEvent:
		t.complete(rec, e)
	case stt.ErrorEvent:
		t.fail(rec, e.Text())
	case stt.UnknownEvent:
		if e.IsTransportFailure() {
			t.fail(rec, e.Cause.Error())
		}
	}

	if stt.IsTerminal(ev) {
		t.finish(rec)
	}
}

func (t *Transcriber) complete(rec *sessionRecord, done stt.DoneEvent) {
	rec.mu.Lock()
	format := rec.format
	language := rec.language
	rec.mu.Unlock()
	if done.Language != "" {
		language = done.Language
	}

	bytesIn := rec.bytesIn.Load()
	audioSeconds := costs.AudioSeconds(bytesIn, format.SampleRate, format.Encoding.BytesPerSample())
	if done.Usage.PromptAudioSeconds != nil {
		audioSeconds = *done.Usage.PromptAudioSeconds
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.store.CompleteSession(ctx, rec.id, store.SessionResult{
		Transcript:       done.Text,
		Language:         language,
		PromptTokens:     done.Usage.PromptTokens,
		CompletionTokens: done.Usage.CompletionTokens,
		TotalTokens:      done.Usage.TotalTokens,
		AudioSeconds:     audioSeconds,
		BytesIn:          bytesIn,
	}, t.now().UTC())
	if err != nil {
		t.logger.Printf("transcriber: failed to complete session %s: %v", rec.id, err)
	}
}

func (t *Transcriber) fail(rec *sessionRecord, reason string) {
	t.logger.Printf("transcriber: session %s failed: %s", rec.id, reason)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.store.FailSession(ctx, rec.id, reason, rec.bytesIn.Load(), t.now().UTC()); err != nil {
		t.logger.Printf("transcriber: failed to mark session %s failed: %v", rec.id, err)
	}
	t.notifier.NotifySessionFailed(context.Background(), rec.id, rec.model, reason)
}

func (t *Transcriber) finish(rec *sessionRecord) {
	t.mu.Lock()
	delete(t.active, rec.id)
	t.mu.Unlock()

	t.events.LogAsync(rec.id, eventlog.EventSessionStopped, map[string]any{
		"bytes_in": rec.bytesIn.Load(),
	})
}
