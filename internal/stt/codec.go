package stt

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Decode turns one inbound message into an Event. It never fails: anything
// that cannot be recognised or validated comes back as an UnknownEvent.
func Decode(raw []byte) Event {
	if !utf8.Valid(raw) {
		return UnknownEvent{
			RawType: TypeUnknown,
			Raw:     append([]byte(nil), raw...),
			Cause:   &DecodeError{Reason: "message is not valid UTF-8 text"},
		}
	}
	text := string(raw)

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return UnknownEvent{RawType: TypeUnknown, Raw: text, Cause: fmt.Errorf("stt: decode: %w", err)}
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return UnknownEvent{RawType: TypeUnknown, Raw: parsed, Cause: &DecodeError{Reason: "message is not a JSON object"}}
	}
	typ, ok := obj["type"].(string)
	if !ok {
		return UnknownEvent{RawType: TypeUnknown, Raw: obj, Cause: &DecodeError{Field: "type", Reason: "is missing or not a string"}}
	}

	fields := normalizeKeys(obj)
	var (
		ev  Event
		err error
	)
	switch typ {
	case TypeSessionCreated:
		var s Session
		s, err = decodeSessionField(fields)
		ev = SessionCreatedEvent{Session: s}
	case TypeSessionUpdated:
		var s Session
		s, err = decodeSessionField(fields)
		ev = SessionUpdatedEvent{Session: s}
	case TypeError:
		ev, err = decodeError(fields)
	case TypeLanguage:
		var lang string
		lang, err = requireString(fields, "", "audio_language")
		ev = LanguageEvent{AudioLanguage: lang}
	case TypeSegment:
		ev, err = decodeSegmentEvent(fields)
	case TypeTextDelta:
		var t string
		t, err = requireString(fields, "", "text")
		ev = TextDeltaEvent{Text: t}
	case TypeDone:
		ev, err = decodeDone(fields)
	default:
		return UnknownEvent{RawType: typ, Raw: obj}
	}
	if err != nil {
		return UnknownEvent{RawType: typ, Raw: obj, Cause: err}
	}
	return ev
}

func decodeSessionField(fields map[string]any) (Session, error) {
	obj, err := requireObject(fields, "", "session")
	if err != nil {
		return Session{}, err
	}
	return decodeSession(obj, "session")
}

func decodeSession(obj map[string]any, path string) (Session, error) {
	var (
		s   Session
		err error
	)
	if s.RequestID, err = requireString(obj, path, "request_id"); err != nil {
		return Session{}, err
	}
	if s.Model, err = requireString(obj, path, "model"); err != nil {
		return Session{}, err
	}
	af, err := requireObject(obj, path, "audio_format")
	if err != nil {
		return Session{}, err
	}
	afPath := join(path, "audio_format")
	enc, err := requireString(af, afPath, "encoding")
	if err != nil {
		return Session{}, err
	}
	if enc == "" {
		return Session{}, &DecodeError{Field: join(afPath, "encoding"), Reason: "must not be empty"}
	}
	rate, err := requireInt(af, afPath, "sample_rate")
	if err != nil {
		return Session{}, err
	}
	if rate <= 0 {
		return Session{}, &DecodeError{Field: join(afPath, "sample_rate"), Reason: "must be positive"}
	}
	s.AudioFormat = AudioFormat{Encoding: Encoding(enc), SampleRate: rate}
	return s, nil
}

func decodeError(fields map[string]any) (Event, error) {
	obj, err := requireObject(fields, "", "error")
	if err != nil {
		return nil, err
	}
	var ev ErrorEvent
	msg, ok := obj["message"]
	switch msg.(type) {
	case string, map[string]any:
	default:
		if !ok {
			return nil, &DecodeError{Field: "error.message", Reason: "is required"}
		}
		return nil, &DecodeError{Field: "error.message", Reason: "must be a string or an object"}
	}
	if ev.Message, err = json.Marshal(msg); err != nil {
		return nil, &DecodeError{Field: "error.message", Reason: err.Error()}
	}
	if _, ok := obj["code"]; ok {
		if ev.Code, err = requireInt(obj, "error", "code"); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func decodeSegmentEvent(fields map[string]any) (Event, error) {
	seg, err := decodeSegment(fields, "")
	if err != nil {
		return nil, err
	}
	return SegmentEvent{Text: seg.Text, Start: seg.Start, End: seg.End, SpeakerID: seg.SpeakerID}, nil
}

func decodeSegment(obj map[string]any, path string) (Segment, error) {
	var (
		seg Segment
		err error
	)
	if seg.Text, err = requireString(obj, path, "text"); err != nil {
		return Segment{}, err
	}
	if seg.Start, err = requireNumber(obj, path, "start"); err != nil {
		return Segment{}, err
	}
	if seg.End, err = requireNumber(obj, path, "end"); err != nil {
		return Segment{}, err
	}
	if seg.Score, err = optionalNumber(obj, path, "score"); err != nil {
		return Segment{}, err
	}
	if seg.SpeakerID, err = optionalString(obj, path, "speaker_id"); err != nil {
		return Segment{}, err
	}
	return seg, nil
}

func decodeDone(fields map[string]any) (Event, error) {
	var (
		ev  DoneEvent
		err error
	)
	if ev.Model, err = requireString(fields, "", "model"); err != nil {
		return nil, err
	}
	if ev.Text, err = requireString(fields, "", "text"); err != nil {
		return nil, err
	}

	usage, err := requireObject(fields, "", "usage")
	if err != nil {
		return nil, err
	}
	if ev.Usage.PromptTokens, err = requireInt(usage, "usage", "prompt_tokens"); err != nil {
		return nil, err
	}
	if ev.Usage.CompletionTokens, err = requireInt(usage, "usage", "completion_tokens"); err != nil {
		return nil, err
	}
	if ev.Usage.TotalTokens, err = requireInt(usage, "usage", "total_tokens"); err != nil {
		return nil, err
	}
	if ev.Usage.PromptAudioSeconds, err = optionalNumber(usage, "usage", "prompt_audio_seconds"); err != nil {
		return nil, err
	}

	lang, ok := fields["language"]
	if !ok {
		return nil, &DecodeError{Field: "language", Reason: "is required"}
	}
	switch v := lang.(type) {
	case nil:
	case string:
		ev.Language = v
	default:
		return nil, &DecodeError{Field: "language", Reason: "must be a string or null"}
	}

	if raw, ok := fields["segments"]; ok && raw != nil {
		items, ok := raw.([]any)
		if !ok {
			return nil, &DecodeError{Field: "segments", Reason: "must be an array"}
		}
		ev.Segments = make([]Segment, 0, len(items))
		for i, item := range items {
			path := fmt.Sprintf("segments[%d]", i)
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, &DecodeError{Field: path, Reason: "must be an object"}
			}
			seg, err := decodeSegment(obj, path)
			if err != nil {
				return nil, err
			}
			ev.Segments = append(ev.Segments, seg)
		}
	}
	return ev, nil
}

func requireObject(obj map[string]any, path, key string) (map[string]any, error) {
	v, ok := obj[key].(map[string]any)
	if !ok {
		return nil, &DecodeError{Field: join(path, key), Reason: "is missing or not an object"}
	}
	return v, nil
}

func requireString(obj map[string]any, path, key string) (string, error) {
	v, ok := obj[key].(string)
	if !ok {
		return "", &DecodeError{Field: join(path, key), Reason: "is missing or not a string"}
	}
	return v, nil
}

func optionalString(obj map[string]any, path, key string) (*string, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	v, ok := raw.(string)
	if !ok {
		return nil, &DecodeError{Field: join(path, key), Reason: "must be a string"}
	}
	return &v, nil
}

func requireNumber(obj map[string]any, path, key string) (float64, error) {
	v, ok := obj[key].(float64)
	if !ok {
		return 0, &DecodeError{Field: join(path, key), Reason: "is missing or not a number"}
	}
	return v, nil
}

func optionalNumber(obj map[string]any, path, key string) (*float64, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return nil, &DecodeError{Field: join(path, key), Reason: "must be a number"}
	}
	return &v, nil
}

func requireInt(obj map[string]any, path, key string) (int, error) {
	v, err := requireNumber(obj, path, key)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || math.Abs(v) > math.MaxInt32 {
		return 0, &DecodeError{Field: join(path, key), Reason: "must be an integer"}
	}
	return int(v), nil
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// normalizeKeys returns a copy of obj with camelCase keys rewritten to
// snake_case at every depth. A key already spelled in snake_case wins over
// its camelCase twin.
func normalizeKeys(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if snake := toSnake(k); snake == k {
			out[k] = normalizeValue(v)
		}
	}
	for k, v := range obj {
		snake := toSnake(k)
		if snake == k {
			continue
		}
		if _, exists := out[snake]; !exists {
			out[snake] = normalizeValue(v)
		}
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeKeys(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}

func toSnake(s string) string {
	if strings.IndexFunc(s, unicode.IsUpper) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
