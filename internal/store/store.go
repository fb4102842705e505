package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/voxlive/internal/costs"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("store: not found")

// Session statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store persists transcription sessions. A Store without a pool accepts
// every write and returns empty results, so the service runs without a
// database.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Enabled reports whether a database is attached.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// TranscriptionSession is one realtime transcription stream.
type TranscriptionSession struct {
	ID           string     `json:"id"`
	RequestID    *string    `json:"request_id,omitempty"`
	Model        string     `json:"model"`
	Encoding     string     `json:"encoding"`
	SampleRate   int        `json:"sample_rate"`
	Status       string     `json:"status"`
	Transcript   *string    `json:"transcript,omitempty"`
	Language     *string    `json:"language,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	BytesIn      int64      `json:"bytes_in"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`

	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	AudioSeconds     *float64 `json:"audio_seconds,omitempty"`
	TotalCostCents   *float64 `json:"total_cost_cents,omitempty"`
}

// SessionResult is the final outcome reported by the service.
type SessionResult struct {
	Transcript       string
	Language         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	AudioSeconds     float64
	BytesIn          int64
}

// SessionEvent is one persisted engine event.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// UpsertSession creates a session row or refreshes its server metadata.
func (s *Store) UpsertSession(ctx context.Context, ts TranscriptionSession) error {
	if !s.Enabled() {
		return nil
	}
	status := ts.Status
	if status == "" {
		status = StatusActive
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO transcription_sessions (id, request_id, model, encoding, sample_rate, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			request_id = COALESCE(EXCLUDED.request_id, transcription_sessions.request_id),
			model = EXCLUDED.model,
			encoding = EXCLUDED.encoding,
			sample_rate = EXCLUDED.sample_rate
	`, ts.ID, ts.RequestID, ts.Model, ts.Encoding, ts.SampleRate, status, ts.StartedAt)
	return err
}

// CompleteSession stores the final transcript, usage and cost of a session.
func (s *Store) CompleteSession(ctx context.Context, id string, r SessionResult, at time.Time) error {
	if !s.Enabled() {
		return nil
	}
	c := costs.CalculateSessionCosts(costs.SessionMetrics{
		AudioSeconds:     r.AudioSeconds,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
	})
	var language *string
	if r.Language != "" {
		language = &r.Language
	}
	_, err := s.db.Exec(ctx, `
		UPDATE transcription_sessions
		SET status = $2,
		    transcript = $3,
		    language = $4,
		    prompt_tokens = $5,
		    completion_tokens = $6,
		    total_tokens = $7,
		    audio_seconds = $8,
		    bytes_in = $9,
		    audio_cost_cents = $10,
		    token_cost_cents = $11,
		    total_cost_cents = $12,
		    ended_at = $13
		WHERE id = $1
	`, id, StatusCompleted, r.Transcript, language,
		r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.AudioSeconds, r.BytesIn,
		c.AudioCostCents, c.TokenCostCents, c.TotalCostCents, at)
	return err
}

// FailSession marks a session as failed. A session that already completed
// keeps its status.
func (s *Store) FailSession(ctx context.Context, id, message string, bytesIn int64, at time.Time) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE transcription_sessions
		SET status = $2,
		    error_message = $3,
		    bytes_in = $4,
		    ended_at = COALESCE(ended_at, $5)
		WHERE id = $1 AND status <> $6
	`, id, StatusFailed, message, bytesIn, at, StatusCompleted)
	return err
}

const sessionColumns = `
	id, request_id, model, encoding, sample_rate, status, transcript, language, error_message,
	COALESCE(bytes_in, 0), started_at, ended_at,
	COALESCE(prompt_tokens, 0), COALESCE(completion_tokens, 0), audio_seconds, total_cost_cents`

func scanSession(row pgx.Row) (TranscriptionSession, error) {
	var ts TranscriptionSession
	err := row.Scan(
		&ts.ID, &ts.RequestID, &ts.Model, &ts.Encoding, &ts.SampleRate, &ts.Status,
		&ts.Transcript, &ts.Language, &ts.ErrorMessage,
		&ts.BytesIn, &ts.StartedAt, &ts.EndedAt,
		&ts.PromptTokens, &ts.CompletionTokens, &ts.AudioSeconds, &ts.TotalCostCents,
	)
	return ts, err
}

// GetSession retrieves one session.
func (s *Store) GetSession(ctx context.Context, id string) (*TranscriptionSession, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}
	ts, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM transcription_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]TranscriptionSession, error) {
	if !s.Enabled() {
		return []TranscriptionSession{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM transcription_sessions
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []TranscriptionSession{}
	for rows.Next() {
		ts, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// ListSessionEvents retrieves the logged events of a session in order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if !s.Enabled() {
		return []SessionEvent{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM transcription_events
		WHERE session_id = $1
		ORDER BY id ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []SessionEvent{}
	for rows.Next() {
		var e SessionEvent
		var eventData []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &eventData, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = json.RawMessage(eventData)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PurgeSessionsBefore deletes finished sessions that ended before cutoff,
// together with their events. It returns the number of sessions removed.
func (s *Store) PurgeSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		DELETE FROM transcription_sessions
		WHERE status <> $1 AND ended_at IS NOT NULL AND ended_at < $2
	`, StatusActive, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailStaleSessions marks sessions still active since before cutoff as
// failed. Sessions are left active when the process dies mid-stream.
func (s *Store) FailStaleSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE transcription_sessions
		SET status = $1,
		    error_message = 'abandoned',
		    ended_at = NOW()
		WHERE status = $2 AND started_at < $3
	`, StatusFailed, StatusActive, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
