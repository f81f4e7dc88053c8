package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice engine. Endpoints, budgets
// and thresholds are supplied by the environment; nothing is hardcoded in
// the core logic.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// LLM channel configuration
	LLMPrimaryURL   string `envconfig:"LLM_PRIMARY_URL" default:"ws://localhost:8000"`
	LLMFallbackURLs string `envconfig:"LLM_FALLBACK_URLS" default:""` // comma-separated, tried in order
	LLMSystemPrompt string `envconfig:"LLM_SYSTEM_PROMPT" default:""`
	LLMMaxTokens    int    `envconfig:"LLM_MAX_TOKENS" default:"512"`

	RequestTimeout   int `envconfig:"REQUEST_TIMEOUT" default:"30000"`  // per-request timeout in milliseconds
	HandshakeTimeout int `envconfig:"HANDSHAKE_TIMEOUT" default:"5000"` // per-endpoint connect wait in milliseconds
	ReconnectDelay   int `envconfig:"RECONNECT_DELAY" default:"1000"`   // delay before the scheduled reconnect in milliseconds

	// Deepgram STT configuration (optional; the HTTP provider is used when unset)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"zh"`

	// HTTP STT provider (SenseVoice-style transcription endpoint)
	STTEndpoint string `envconfig:"STT_ENDPOINT" default:""`
	STTAPIKey   string `envconfig:"STT_API_KEY" default:""`
	STTModel    string `envconfig:"STT_MODEL" default:"FunAudioLLM/SenseVoiceSmall"`
	STTLanguage string `envconfig:"STT_LANGUAGE" default:"zh"`

	// TTS provider
	TTSEndpoint string `envconfig:"TTS_ENDPOINT" default:""`
	TTSAPIKey   string `envconfig:"TTS_API_KEY" default:""`
	TTSVoiceID  string `envconfig:"TTS_VOICE_ID" default:"default"`
	TTSFormat   string `envconfig:"TTS_FORMAT" default:"wav"` // only wav plays on the pcm sink

	// Session timing
	SilenceTimeout      int `envconfig:"SILENCE_TIMEOUT" default:"3000"`        // ms of silence that ends an utterance
	MaxConversationIdle int `envconfig:"MAX_CONVERSATION_IDLE" default:"30000"` // ms without speech before the session ends
	MaxWaitTime         int `envconfig:"MAX_WAIT_TIME" default:"15000"`         // continuous-mode per-turn recording cap in ms
	AutoRestartDelay    int `envconfig:"AUTO_RESTART_DELAY" default:"1000"`     // continuous-mode inter-turn gap in ms
	MonitorInterval     int `envconfig:"MONITOR_INTERVAL" default:"10"`         // interruption poll interval in ms
	HistoryMaxTurns     int `envconfig:"HISTORY_MAX_TURNS" default:"50"`

	// Smart-conversation phrases that end the session (comma-separated)
	ExitCommands string `envconfig:"EXIT_COMMANDS" default:"再见,拜拜,退出,结束对话"`

	// Audio processing configuration
	AudioBufferSize int     `envconfig:"AUDIO_BUFFER_SIZE" default:"524288"` // playback ring buffer size in bytes, ~16s at 16kHz mono
	VADMode         int     `envconfig:"VAD_MODE" default:"3"`              // sensitivity 0-3, 3 most sensitive
	VADSpeechRatio  float64 `envconfig:"VAD_SPEECH_RATIO" default:"0.5"`

	// Streaming transcription
	TranscribeInterval  int     `envconfig:"TRANSCRIBE_INTERVAL" default:"300"`   // window submission cadence in ms
	TranscribeOverlap   int     `envconfig:"TRANSCRIBE_OVERLAP" default:"500"`    // trailing overlap carried between windows in ms
	SimilarityThreshold float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.95"` // partials above this similarity are suppressed

	// Synthesis
	MinSentenceLength int    `envconfig:"MIN_SENTENCE_LENGTH" default:"2"` // runes; shorter units are held unless flushing
	SentenceBoundary  string `envconfig:"SENTENCE_BOUNDARY" default:"。！？.!?\n"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`  // milliseconds
	RetryMaxBackoff            int `envconfig:"RETRY_MAX_BACKOFF" default:"2000"`     // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"3"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables, preferring a .env
// file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without consulting a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.LLMPrimaryURL == "" {
		return nil, fmt.Errorf("LLM_PRIMARY_URL is required")
	}
	if cfg.VADMode < 0 || cfg.VADMode > 3 {
		return nil, fmt.Errorf("VAD_MODE must be in [0,3], got %d", cfg.VADMode)
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("SIMILARITY_THRESHOLD must be in (0,1], got %f", cfg.SimilarityThreshold)
	}
	if cfg.TTSFormat != "wav" {
		return nil, fmt.Errorf("TTS_FORMAT must be wav, the playback path is pcm only, got %q", cfg.TTSFormat)
	}
	if cfg.AudioBufferSize <= 0 {
		return nil, fmt.Errorf("AUDIO_BUFFER_SIZE must be positive, got %d", cfg.AudioBufferSize)
	}

	return &cfg, nil
}

// ExitCommandList returns the configured exit phrases.
func (c *Config) ExitCommandList() []string {
	parts := strings.Split(c.ExitCommands, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FallbackURLs returns the ordered fallback endpoint list.
func (c *Config) FallbackURLs() []string {
	if strings.TrimSpace(c.LLMFallbackURLs) == "" {
		return nil
	}
	parts := strings.Split(c.LLMFallbackURLs, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if u := strings.TrimSpace(p); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Durations derived from the millisecond settings.

func (c *Config) RequestTimeoutDuration() time.Duration { return ms(c.RequestTimeout) }
func (c *Config) HandshakeDuration() time.Duration      { return ms(c.HandshakeTimeout) }
func (c *Config) ReconnectDelayDuration() time.Duration { return ms(c.ReconnectDelay) }
func (c *Config) SilenceTimeoutDuration() time.Duration { return ms(c.SilenceTimeout) }
func (c *Config) MaxIdleDuration() time.Duration        { return ms(c.MaxConversationIdle) }
func (c *Config) MaxWaitDuration() time.Duration        { return ms(c.MaxWaitTime) }
func (c *Config) RestartDelayDuration() time.Duration   { return ms(c.AutoRestartDelay) }
func (c *Config) MonitorIntervalDuration() time.Duration {
	return ms(c.MonitorInterval)
}
func (c *Config) TranscribeIntervalDuration() time.Duration { return ms(c.TranscribeInterval) }
func (c *Config) TranscribeOverlapDuration() time.Duration  { return ms(c.TranscribeOverlap) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
