package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice agent gateway
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Mode selection: realtime pipeline vs. legacy blocking handler
	EnableRealtime bool `envconfig:"ENABLE_REALTIME" default:"true"`

	// STT provider selection: "streaming" (Deepgram) or "buffered" (Whisper)
	STTProvider string `envconfig:"STT_PROVIDER" default:"streaming"`

	// Deepgram streaming STT configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"es"`

	// Whisper buffered STT configuration
	WhisperAPIKey   string `envconfig:"WHISPER_API_KEY"`
	WhisperModel    string `envconfig:"WHISPER_MODEL" default:"whisper-1"`
	WhisperLanguage string `envconfig:"WHISPER_LANGUAGE" default:"es"`

	// Buffered STT policy
	STTMinChunkBytes   int    `envconfig:"STT_MIN_CHUNK_BYTES" default:"30000"`  // ~1s of compressed voice
	STTSweepIntervalMs int    `envconfig:"STT_SWEEP_INTERVAL_MS" default:"2000"` // accumulator sweep period
	STTJunkPhrases     string `envconfig:"STT_JUNK_PHRASES" default:""`          // comma-separated, added to built-ins

	// OpenAI LLM configuration
	OpenAIAPIKey      string  `envconfig:"OPENAI_API_KEY"`
	OpenAIModel       string  `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAITemperature float64 `envconfig:"OPENAI_TEMPERATURE" default:"0.7"`
	OpenAIMaxTokens   int     `envconfig:"OPENAI_MAX_TOKENS" default:"150"`
	SystemPrompt      string  `envconfig:"SYSTEM_PROMPT" default:""`

	// ElevenLabs TTS configuration
	ElevenLabsAPIKey  string `envconfig:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `envconfig:"ELEVENLABS_VOICE_ID" default:"21m00Tcm4TlvDq8ikWAM"`
	ElevenLabsModel   string `envconfig:"ELEVENLABS_MODEL" default:"eleven_turbo_v2"`

	// Audio processing configuration
	AudioChunkSizeMs  int `envconfig:"AUDIO_CHUNK_SIZE_MS" default:"100"`
	MaxSilenceMs      int `envconfig:"MAX_SILENCE_MS" default:"1000"`
	VADThresholdBytes int `envconfig:"VAD_THRESHOLD_BYTES" default:"1000"` // frames below this are treated as silence

	// Session configuration
	MaxHistoryMessages     int  `envconfig:"MAX_HISTORY_MESSAGES" default:"15"`
	SessionTimeoutMs       int  `envconfig:"SESSION_TIMEOUT_MS" default:"1800000"` // 30 min
	KeepInterruptedReplies bool `envconfig:"KEEP_INTERRUPTED_REPLIES" default:"false"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // seconds
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	DebugAudio     bool   `envconfig:"DEBUG_AUDIO" default:"false"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists, then from the
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables without
// attempting to load a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.STTProvider {
	case "streaming":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_PROVIDER=streaming")
		}
	case "buffered":
		if c.WhisperAPIKey == "" {
			return fmt.Errorf("WHISPER_API_KEY is required when STT_PROVIDER=buffered")
		}
	default:
		return fmt.Errorf("STT_PROVIDER must be \"streaming\" or \"buffered\", got %q", c.STTProvider)
	}

	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY is required")
	}

	return nil
}

// JunkPhrases returns the configured junk-phrase list: built-in recognizer
// hallucinations plus any comma-separated additions from STT_JUNK_PHRASES.
func (c *Config) JunkPhrases() []string {
	phrases := []string{
		"Subtítulos realizados por la comunidad de Amara.org",
		"Subtitulado por la comunidad de Amara.org",
		"Subtítulos por la comunidad de Amara.org",
		"www.amara.org",
		"Gracias por ver el vídeo",
		"Thank you for watching",
	}
	for _, p := range strings.Split(c.STTJunkPhrases, ",") {
		if p = strings.TrimSpace(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return phrases
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
