package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Inbound message discriminators.
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeError          = "error"
	TypeLanguage       = "transcription.language"
	TypeSegment        = "transcription.segment"
	TypeTextDelta      = "transcription.text.delta"
	TypeDone           = "transcription.done"
	TypeUnknown        = "unknown"
)

// Encoding is the PCM sample encoding of the audio sent to the service.
type Encoding string

const (
	EncodingPCMS16LE Encoding = "pcm_s16le"
	EncodingPCMS32LE Encoding = "pcm_s32le"
	EncodingPCMF16LE Encoding = "pcm_f16le"
	EncodingPCMF32LE Encoding = "pcm_f32le"
	EncodingPCMMulaw Encoding = "pcm_mulaw"
	EncodingPCMAlaw  Encoding = "pcm_alaw"
)

// Valid reports whether e is one of the encodings the service accepts.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingPCMS16LE, EncodingPCMS32LE, EncodingPCMF16LE,
		EncodingPCMF32LE, EncodingPCMMulaw, EncodingPCMAlaw:
		return true
	}
	return false
}

// BytesPerSample returns the size of one mono sample, or 0 for unknown
// encodings.
func (e Encoding) BytesPerSample() int {
	switch e {
	case EncodingPCMMulaw, EncodingPCMAlaw:
		return 1
	case EncodingPCMS16LE, EncodingPCMF16LE:
		return 2
	case EncodingPCMS32LE, EncodingPCMF32LE:
		return 4
	}
	return 0
}

// AudioFormat describes the audio stream of a session.
type AudioFormat struct {
	Encoding   Encoding `json:"encoding"`
	SampleRate int      `json:"sample_rate"`
}

// DefaultAudioFormat is 16 kHz signed 16-bit little-endian PCM.
var DefaultAudioFormat = AudioFormat{Encoding: EncodingPCMS16LE, SampleRate: 16000}

func (f AudioFormat) String() string {
	return fmt.Sprintf("%s@%dHz", f.Encoding, f.SampleRate)
}

// Session is the server-assigned metadata of a realtime transcription stream.
type Session struct {
	RequestID   string      `json:"request_id"`
	Model       string      `json:"model"`
	AudioFormat AudioFormat `json:"audio_format"`
}

// Usage holds the token and audio counters reported with transcription.done.
type Usage struct {
	PromptTokens       int      `json:"prompt_tokens"`
	CompletionTokens   int      `json:"completion_tokens"`
	TotalTokens        int      `json:"total_tokens"`
	PromptAudioSeconds *float64 `json:"prompt_audio_seconds,omitempty"`
}

// Segment is one timed piece of the final transcript.
type Segment struct {
	Text      string   `json:"text"`
	Start     float64  `json:"start"`
	End       float64  `json:"end"`
	Score     *float64 `json:"score,omitempty"`
	SpeakerID *string  `json:"speaker_id,omitempty"`
}

// Event is a decoded inbound message.
type Event interface {
	Type() string
}

type SessionCreatedEvent struct {
	Session Session `json:"session"`
}

type SessionUpdatedEvent struct {
	Session Session `json:"session"`
}

// ErrorEvent is an error reported by the service. Message is either a JSON
// string or an object; use Text for a printable form.
type ErrorEvent struct {
	Code    int             `json:"code"`
	Message json.RawMessage `json:"message"`
}

type LanguageEvent struct {
	AudioLanguage string `json:"audio_language"`
}

type SegmentEvent struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	SpeakerID *string `json:"speaker_id,omitempty"`
}

type TextDeltaEvent struct {
	Text string `json:"text"`
}

type DoneEvent struct {
	Model    string    `json:"model"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments,omitempty"`
	Usage    Usage     `json:"usage"`
	Language string    `json:"language"`
}

// UnknownEvent carries a message that could not be recognised or validated.
// RawType is the original discriminator when there was one, Cause is nil for
// well-formed messages of a type this client does not know yet.
type UnknownEvent struct {
	RawType string `json:"raw_type"`
	Raw     any    `json:"raw,omitempty"`
	Cause   error  `json:"-"`
}

func (SessionCreatedEvent) Type() string { return TypeSessionCreated }
func (SessionUpdatedEvent) Type() string { return TypeSessionUpdated }
func (ErrorEvent) Type() string          { return TypeError }
func (LanguageEvent) Type() string       { return TypeLanguage }
func (SegmentEvent) Type() string        { return TypeSegment }
func (TextDeltaEvent) Type() string      { return TypeTextDelta }
func (DoneEvent) Type() string           { return TypeDone }
func (UnknownEvent) Type() string        { return TypeUnknown }

// NewErrorEvent builds an ErrorEvent with a plain string message.
func NewErrorEvent(code int, message string) ErrorEvent {
	msg, _ := json.Marshal(message)
	return ErrorEvent{Code: code, Message: msg}
}

// Text renders the message as a string.
func (e ErrorEvent) Text() string {
	if len(e.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Message, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Message))
}

// IsTransportFailure reports whether the event was synthesised from a
// socket-level failure rather than decoded from a message.
func (e UnknownEvent) IsTransportFailure() bool {
	var te *TransportError
	return errors.As(e.Cause, &te)
}

// IsTerminal reports whether no further events are expected after ev.
func IsTerminal(ev Event) bool {
	switch e := ev.(type) {
	case DoneEvent, ErrorEvent:
		return true
	case UnknownEvent:
		return e.IsTransportFailure()
	}
	return false
}

// MarshalEvent renders ev as a JSON object with a "type" field.
func MarshalEvent(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("marshal event: nil event")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.Type(), err)
	}
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.Type(), err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	fields["type"] = ev.Type()
	if u, ok := ev.(UnknownEvent); ok && u.Cause != nil {
		fields["error"] = u.Cause.Error()
	}
	return json.Marshal(fields)
}
