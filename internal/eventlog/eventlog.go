package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/voxlive/internal/stt"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventSessionUpdated   EventType = "session_updated"
	EventLanguageDetected EventType = "language_detected"
	EventSegment          EventType = "segment"
	EventTextDelta        EventType = "text_delta"
	EventDone             EventType = "done"
	EventError            EventType = "error"
	EventUnknown          EventType = "unknown"
	EventSessionStopped   EventType = "session_stopped"
)

const queueSize = 1024

type entry struct {
	sessionID string
	eventType EventType
	data      map[string]any
}

// Logger provides async event logging to the database. Async writes go
// through a single queue so the rows of a session keep their order.
type Logger struct {
	db *pgxpool.Pool

	mu     sync.RWMutex
	closed bool
	queue  chan entry
	done   chan struct{}
}

// New creates a new event logger
func New(db *pgxpool.Pool) *Logger {
	l := &Logger{db: db}
	if db != nil {
		l.queue = make(chan entry, queueSize)
		l.done = make(chan struct{})
		go l.writer()
	}
	return l
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if l.db == nil || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO transcription_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller. Events are dropped
// when the queue is full or the logger is closed.
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if l.queue == nil || sessionID == "" {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	select {
	case l.queue <- entry{sessionID: sessionID, eventType: eventType, data: data}:
	default:
	}
}

// LogEvent records an engine event for a session.
func (l *Logger) LogEvent(sessionID string, ev stt.Event) {
	eventType, data := FromEvent(ev)
	l.LogAsync(sessionID, eventType, data)
}

// Close flushes queued events and stops the writer.
func (l *Logger) Close() {
	if l.queue == nil {
		return
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Logger) writer() {
	defer close(l.done)
	for e := range l.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = l.Log(ctx, e.sessionID, e.eventType, e.data)
		cancel()
	}
}

// FromEvent maps an engine event to its log type and payload.
func FromEvent(ev stt.Event) (EventType, map[string]any) {
	switch e := ev.(type) {
	case stt.SessionCreatedEvent:
		return EventSessionStarted, sessionData(e.Session)
	case stt.SessionUpdatedEvent:
		return EventSessionUpdated, sessionData(e.Session)
	case stt.LanguageEvent:
		return EventLanguageDetected, map[string]any{"language": e.AudioLanguage}
	case stt.SegmentEvent:
		data := map[string]any{"text": e.Text, "start": e.Start, "end": e.End}
		if e.SpeakerID != nil {
			data["speaker_id"] = *e.SpeakerID
		}
		return EventSegment, data
	case stt.TextDeltaEvent:
		return EventTextDelta, map[string]any{"text": e.Text}
	case stt.DoneEvent:
		return EventDone, map[string]any{
			"text":              e.Text,
			"language":          e.Language,
			"segments":          len(e.Segments),
			"prompt_tokens":     e.Usage.PromptTokens,
			"completion_tokens": e.Usage.CompletionTokens,
			"total_tokens":      e.Usage.TotalTokens,
		}
	case stt.ErrorEvent:
		return EventError, map[string]any{"code": e.Code, "message": e.Text()}
	case stt.UnknownEvent:
		data := map[string]any{"raw_type": e.RawType}
		if e.Cause != nil {
			data["error"] = e.Cause.Error()
		}
		return EventUnknown, data
	}
	return EventUnknown, map[string]any{}
}

func sessionData(s stt.Session) map[string]any {
	return map[string]any{
		"request_id":  s.RequestID,
		"model":       s.Model,
		"encoding":    string(s.AudioFormat.Encoding),
		"sample_rate": s.AudioFormat.SampleRate,
	}
}
