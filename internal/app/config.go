package app

import (
	"os"
	"strconv"
	"time"

	"github.com/lukasbauer/voxlive/internal/stt"
)

const DefaultModel = "voxtral-mini-transcribe-realtime-2507"

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string // Optional - persistence is disabled when empty
	LogLevel      string

	// Realtime transcription service
	MistralAPIKey        string
	TranscribeModel      string
	TranscribeServerURL  string
	TranscribeSampleRate int

	// Engine timeouts
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
	DrainTimeout     time.Duration

	// JWT Authentication
	JWTSecret string

	// Monitoring
	SentryDSN         string
	DiscordWebhookURL string

	// Retention of persisted sessions
	RetentionDays     int
	RetentionInterval time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),

		// Realtime transcription service
		MistralAPIKey:        getenv("MISTRAL_API_KEY", ""),
		TranscribeModel:      getenv("TRANSCRIBE_MODEL", DefaultModel),
		TranscribeServerURL:  getenv("TRANSCRIBE_SERVER_URL", stt.DefaultServerURL),
		TranscribeSampleRate: getenvIntClamped("TRANSCRIBE_SAMPLE_RATE", 16000, 8000, 48000),

		// Engine timeouts
		HandshakeTimeout: getenvDuration("HANDSHAKE_TIMEOUT", 10*time.Second),
		CloseTimeout:     getenvDuration("CLOSE_TIMEOUT", 5*time.Second),
		DrainTimeout:     getenvDuration("DRAIN_TIMEOUT", 15*time.Second),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security

		// Monitoring
		SentryDSN:         getenv("SENTRY_DSN", ""),
		DiscordWebhookURL: getenv("DISCORD_WEBHOOK_URL", ""),

		RetentionDays:     getenvIntClamped("RETENTION_DAYS", 30, 1, 3650),
		RetentionInterval: getenvDuration("RETENTION_INTERVAL", time.Hour),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvIntClamped parses an int env var and clamps it to [min, max].
// Invalid or missing values use def.
func getenvIntClamped(k string, def, min, max int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if i < min {
		return min
	}
	if i > max {
		return max
	}
	return i
}

// getenvDuration parses a duration env var such as "5s". Invalid, missing
// or non-positive values use def.
func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
