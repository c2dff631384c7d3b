package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ErrMissing is wrapped by Load when a required value is absent
var ErrMissing = errors.New("missing required configuration")

// Config holds all configuration for the speaker gateway. It is built once at
// startup and only read afterwards.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8081"`

	// Speech backend (diarizing recognizer)
	SpeechKey      string `envconfig:"SPEECH_KEY"`
	SpeechRegion   string `envconfig:"SPEECH_REGION"` // "eu" selects the EU endpoint, anything else the default
	SpeechModel    string `envconfig:"SPEECH_MODEL" default:"nova-2"`
	SpeechLanguage string `envconfig:"SPEECH_LANGUAGE" default:"en-US"`

	// Call control plane
	CommunicationKey          string `envconfig:"COMMUNICATION_KEY"`
	CommunicationEndpoint     string `envconfig:"COMMUNICATION_ENDPOINT"`
	CallbackEventsURI         string `envconfig:"CALLBACK_EVENTS_URI"`
	CognitiveServicesEndpoint string `envconfig:"COGNITIVE_SERVICES_ENDPOINT" default:""`
	TranscriptionLocale       string `envconfig:"TRANSCRIPTION_LOCALE" default:"en-US"`

	// Session processing
	SessionEventBuffer int `envconfig:"SESSION_EVENT_BUFFER" default:"64"`
	TranscribeTimeout  int `envconfig:"TRANSCRIBE_TIMEOUT" default:"120"` // seconds, HTTP trigger only
	AudioChunkSize     int `envconfig:"AUDIO_CHUNK_SIZE" default:"8192"`  // bytes per backend write

	// Live microphone
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"25"`      // Frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Attempts to open a backend stream
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and URL formats
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"SPEECH_KEY", c.SpeechKey},
		{"SPEECH_REGION", c.SpeechRegion},
		{"COMMUNICATION_KEY", c.CommunicationKey},
		{"COMMUNICATION_ENDPOINT", c.CommunicationEndpoint},
		{"CALLBACK_EVENTS_URI", c.CallbackEventsURI},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", "))
	}

	for name, raw := range map[string]string{
		"COMMUNICATION_ENDPOINT":      c.CommunicationEndpoint,
		"CALLBACK_EVENTS_URI":         c.CallbackEventsURI,
		"COGNITIVE_SERVICES_ENDPOINT": c.CognitiveServicesEndpoint,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}

	if c.SessionEventBuffer < 0 {
		return fmt.Errorf("SESSION_EVENT_BUFFER must not be negative")
	}
	if c.AudioChunkSize <= 0 {
		return fmt.Errorf("AUDIO_CHUNK_SIZE must be positive")
	}
	if c.TranscribeTimeout <= 0 {
		return fmt.Errorf("TRANSCRIBE_TIMEOUT must be positive")
	}
	return nil
}

// TranscribeTimeoutDuration returns TranscribeTimeout as a duration
func (c *Config) TranscribeTimeoutDuration() time.Duration {
	return time.Duration(c.TranscribeTimeout) * time.Second
}
