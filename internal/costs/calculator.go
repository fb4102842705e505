// Package costs provides cost calculation for transcription usage.
package costs

import (
	"math"
	"os"
	"strconv"
)

// Pricing constants (in cents per unit).
// These can be overridden via environment variables.
var (
	// AudioCentsPerMinute is the cost per minute of streamed audio.
	// Default: $0.006/min = 0.6 cents/min
	AudioCentsPerMinute = getEnvFloat("COST_AUDIO_CENTS_PER_MIN", 0.6)

	// InputCentsPerThousandTokens is the cost per 1K prompt tokens.
	// Default: $0.04/1M = 0.004 cents/1K tokens
	InputCentsPerThousandTokens = getEnvFloat("COST_INPUT_CENTS_PER_1K", 0.004)

	// OutputCentsPerThousandTokens is the cost per 1K completion tokens.
	// Default: $0.04/1M = 0.004 cents/1K tokens
	OutputCentsPerThousandTokens = getEnvFloat("COST_OUTPUT_CENTS_PER_1K", 0.004)

	// MaxSessionMinutes caps billable audio per session.
	MaxSessionMinutes = getEnvInt("COST_MAX_SESSION_MINUTES", 240)
)

// SessionMetrics contains the usage reported for one transcription session.
type SessionMetrics struct {
	AudioSeconds     float64 // Audio processed by the service
	PromptTokens     int
	CompletionTokens int
}

// SessionCosts contains the calculated costs for a session in cents, rounded
// to four decimal places. Short sessions cost fractions of a cent.
type SessionCosts struct {
	AudioCostCents float64
	TokenCostCents float64
	TotalCostCents float64
}

// CalculateSessionCosts computes the costs for a session based on usage metrics.
func CalculateSessionCosts(m SessionMetrics) SessionCosts {
	minutes := m.AudioSeconds / 60.0
	if minutes < 0 {
		minutes = 0
	}
	if limit := float64(MaxSessionMinutes); limit > 0 && minutes > limit {
		minutes = limit
	}

	audio := minutes * AudioCentsPerMinute
	tokens := (float64(m.PromptTokens)/1000.0)*InputCentsPerThousandTokens +
		(float64(m.CompletionTokens)/1000.0)*OutputCentsPerThousandTokens

	c := SessionCosts{
		AudioCostCents: round4(audio),
		TokenCostCents: round4(tokens),
	}
	c.TotalCostCents = round4(c.AudioCostCents + c.TokenCostCents)
	return c
}

// AudioSeconds returns the duration of byteCount bytes of mono PCM audio.
func AudioSeconds(byteCount int64, sampleRate, bytesPerSample int) float64 {
	if sampleRate <= 0 || bytesPerSample <= 0 || byteCount <= 0 {
		return 0
	}
	return float64(byteCount) / float64(sampleRate*bytesPerSample)
}

func round4(f float64) float64 {
	return math.Round(f*10000) / 10000
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or the default if not set.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
