package app

import (
	"os"
	"testing"
	"time"

	"github.com/lukasbauer/voxlive/internal/stt"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		defValue string
		want     string
	}{
		{
			name:     "env set",
			envKey:   "TEST_ENV_VAR",
			envValue: "custom_value",
			defValue: "default",
			want:     "custom_value",
		},
		{
			name:     "env not set",
			envKey:   "TEST_ENV_VAR_NOTSET",
			envValue: "",
			defValue: "default",
			want:     "default",
		},
		{
			name:     "empty default",
			envKey:   "TEST_ENV_VAR_EMPTY",
			envValue: "",
			defValue: "",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenv(tt.envKey, tt.defValue)
			if got != tt.want {
				t.Errorf("getenv(%q, %q) = %q, want %q", tt.envKey, tt.defValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		def      int
		min      int
		max      int
		want     int
	}{
		{
			name:     "value within range",
			envKey:   "TEST_INT_NORMAL",
			envValue: "500",
			def:      100,
			min:      0,
			max:      1000,
			want:     500,
		},
		{
			name:     "value below min - clamp to min",
			envKey:   "TEST_INT_LOW",
			envValue: "-100",
			def:      100,
			min:      0,
			max:      1000,
			want:     0,
		},
		{
			name:     "value above max - clamp to max",
			envKey:   "TEST_INT_HIGH",
			envValue: "2000",
			def:      100,
			min:      0,
			max:      1000,
			want:     1000,
		},
		{
			name:     "env not set - use default",
			envKey:   "TEST_INT_NOTSET",
			envValue: "",
			def:      100,
			min:      0,
			max:      1000,
			want:     100,
		},
		{
			name:     "invalid value - use default",
			envKey:   "TEST_INT_INVALID",
			envValue: "not_a_number",
			def:      100,
			min:      0,
			max:      1000,
			want:     100,
		},
		{
			name:     "boundary: exactly min",
			envKey:   "TEST_INT_MIN",
			envValue: "200",
			def:      500,
			min:      200,
			max:      800,
			want:     200,
		},
		{
			name:     "boundary: exactly max",
			envKey:   "TEST_INT_MAX",
			envValue: "800",
			def:      500,
			min:      200,
			max:      800,
			want:     800,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenvIntClamped(tt.envKey, tt.def, tt.min, tt.max)
			if got != tt.want {
				t.Errorf("getenvIntClamped(%q, %d, %d, %d) = %d, want %d",
					tt.envKey, tt.def, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envKey   string
		envValue string
		def      time.Duration
		want     time.Duration
	}{
		{
			name:     "valid duration",
			envKey:   "TEST_DURATION_VALID",
			envValue: "250ms",
			def:      time.Second,
			want:     250 * time.Millisecond,
		},
		{
			name:     "env not set - use default",
			envKey:   "TEST_DURATION_NOTSET",
			envValue: "",
			def:      5 * time.Second,
			want:     5 * time.Second,
		},
		{
			name:     "invalid value - use default",
			envKey:   "TEST_DURATION_INVALID",
			envValue: "soon",
			def:      5 * time.Second,
			want:     5 * time.Second,
		},
		{
			name:     "negative value - use default",
			envKey:   "TEST_DURATION_NEGATIVE",
			envValue: "-3s",
			def:      5 * time.Second,
			want:     5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.envKey, tt.envValue)
				defer os.Unsetenv(tt.envKey)
			}

			got := getenvDuration(tt.envKey, tt.def)
			if got != tt.want {
				t.Errorf("getenvDuration(%q, %v) = %v, want %v", tt.envKey, tt.def, got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"TRANSCRIBE_MODEL", "TRANSCRIBE_SERVER_URL", "TRANSCRIBE_SAMPLE_RATE", "DRAIN_TIMEOUT", "RETENTION_DAYS"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfigFromEnv()
	if cfg.TranscribeModel != DefaultModel {
		t.Errorf("TranscribeModel = %q, want %q", cfg.TranscribeModel, DefaultModel)
	}
	if cfg.TranscribeServerURL != stt.DefaultServerURL {
		t.Errorf("TranscribeServerURL = %q, want %q", cfg.TranscribeServerURL, stt.DefaultServerURL)
	}
	if cfg.TranscribeSampleRate != 16000 {
		t.Errorf("TranscribeSampleRate = %d, want 16000", cfg.TranscribeSampleRate)
	}
	if cfg.DrainTimeout != 15*time.Second {
		t.Errorf("DrainTimeout = %v, want 15s", cfg.DrainTimeout)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.RetentionDays)
	}
}

func TestLoadConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "key-123")
	t.Setenv("TRANSCRIBE_SAMPLE_RATE", "96000")
	t.Setenv("HANDSHAKE_TIMEOUT", "2s")

	cfg := LoadConfigFromEnv()
	if cfg.MistralAPIKey != "key-123" {
		t.Errorf("MistralAPIKey = %q, want key-123", cfg.MistralAPIKey)
	}
	if cfg.TranscribeSampleRate != 48000 {
		t.Errorf("TranscribeSampleRate = %d, want clamped 48000", cfg.TranscribeSampleRate)
	}
	if cfg.HandshakeTimeout != 2*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 2s", cfg.HandshakeTimeout)
	}
}
