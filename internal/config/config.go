package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Recognizer, synthesizer and store drivers
const (
	RecognizerOpenAI   = "openai"
	RecognizerDeepgram = "deepgram"

	SynthesizerOpenAI   = "openai"
	SynthesizerCartesia = "cartesia"

	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// DefaultSystemPrompt is the assistant persona used when SYSTEM_PROMPT is unset
const DefaultSystemPrompt = "You are a helpful assistant. You interact with the user in a natural way. " +
	"You should use `get_weather` ONLY to provide weather information."

// Config holds all configuration for the voice agent service
type Config struct {
	// Server configuration
	Port       string `envconfig:"PORT" default:"8000"`
	StreamPath string `envconfig:"STREAM_PATH" default:"/voice_stream"`

	// Public base URL for this service, used only for logging the WebSocket endpoint.
	// Optional; if unset, logs ws://localhost:PORT/voice_stream.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Optional gRPC health endpoint; disabled when empty
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:""`

	// Provider selection
	Recognizer  string `envconfig:"RECOGNIZER" default:"openai"`  // openai (Groq whisper), deepgram
	Synthesizer string `envconfig:"SYNTHESIZER" default:"openai"` // openai, cartesia

	// Groq (OpenAI-compatible) transcription and generation
	GroqAPIKey       string  `envconfig:"GROQ_API_KEY"`
	GroqBaseURL      string  `envconfig:"GROQ_BASE_URL" default:"https://api.groq.com/openai/v1/"`
	TranscribeModel  string  `envconfig:"TRANSCRIBE_MODEL" default:"whisper-large-v3-turbo"`
	TranscribeLang   string  `envconfig:"TRANSCRIBE_LANGUAGE" default:"en"`
	SilenceThreshold float64 `envconfig:"SILENCE_RMS_THRESHOLD" default:"0"` // 0 disables the silent-WAV check
	GenerationModel  string  `envconfig:"GENERATION_MODEL" default:"llama-3.3-70b-versatile"`
	SystemPrompt     string  `envconfig:"SYSTEM_PROMPT"`
	MaxToolRounds    int     `envconfig:"MAX_TOOL_ROUNDS" default:"3"`
	WeatherstackKey  string  `envconfig:"WEATHERSTACK_API_KEY"`
	WeatherstackURL  string  `envconfig:"WEATHERSTACK_URL" default:"http://api.weatherstack.com/current"`
	WeatherRPS       float64 `envconfig:"WEATHER_RPS" default:"1"`
	WeatherBurst     int     `envconfig:"WEATHER_BURST" default:"5"`

	// OpenAI speech synthesis
	OpenAIAPIKey    string  `envconfig:"OPENAI_API_KEY"`
	SpeechModel     string  `envconfig:"SPEECH_MODEL" default:"tts-1"`
	SpeechVoice     string  `envconfig:"SPEECH_VOICE" default:"echo"`
	SpeechFormat    string  `envconfig:"SPEECH_FORMAT" default:"aac"`
	SpeechSpeed     float64 `envconfig:"SPEECH_SPEED" default:"1.0"`
	SpeechChunkSize int     `envconfig:"SPEECH_CHUNK_SIZE" default:"5120"` // bytes per audio frame

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Cartesia TTS API configuration
	CartesiaAPIKey   string `envconfig:"CARTESIA_API_KEY"`
	CartesiaVoiceID  string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID  string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`
	CartesiaEncoding string `envconfig:"CARTESIA_ENCODING" default:"pcm"` // pcm, mulaw

	// Conversation store
	StoreDriver    string `envconfig:"STORE_DRIVER" default:"postgres"` // postgres, redis, memory
	DatabaseURL    string `envconfig:"DATABASE_URL"`
	DBName         string `envconfig:"DB_NAME" default:"voice_agent"`
	DBUser         string `envconfig:"DB_USER" default:"postgres"`
	DBPassword     string `envconfig:"DB_PASSWORD"`
	DBHost         string `envconfig:"DB_HOST" default:"localhost"`
	DBPort         string `envconfig:"DB_PORT" default:"5432"`
	RedisURL       string `envconfig:"REDIS_URL"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"voice-agent:"`
	RedisTTL       int    `envconfig:"REDIS_TTL" default:"86400"` // seconds; 0 keeps conversations forever

	// Turn handling
	SegmentThreshold    int    `envconfig:"SEGMENT_THRESHOLD" default:"64"`         // characters
	SegmentTerminators  string `envconfig:"SEGMENT_TERMINATORS" default:".?!;:\n"`  // trigger characters
	UtteranceQueueSize  int    `envconfig:"UTTERANCE_QUEUE_SIZE" default:"8"`       // queued utterances per session
	MaxUtteranceBytes   int64  `envconfig:"MAX_UTTERANCE_BYTES" default:"26214400"` // 25 MiB
	TranscribeTimeoutMs int    `envconfig:"TRANSCRIBE_TIMEOUT" default:"15000"`     // milliseconds
	DeltaTimeoutMs      int    `envconfig:"DELTA_TIMEOUT" default:"20000"`          // milliseconds between deltas
	ChunkTimeoutMs      int    `envconfig:"CHUNK_TIMEOUT" default:"15000"`          // milliseconds between audio chunks
	PersistDrainMs      int    `envconfig:"PERSIST_DRAIN_TIMEOUT" default:"5000"`   // milliseconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
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
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every selected driver has its credentials
func (c *Config) Validate() error {
	// Generation always runs against Groq
	if c.GroqAPIKey == "" {
		return fmt.Errorf("GROQ_API_KEY is required")
	}

	switch c.Recognizer {
	case RecognizerOpenAI:
	case RecognizerDeepgram:
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when RECOGNIZER=deepgram")
		}
	default:
		return fmt.Errorf("unknown RECOGNIZER %q", c.Recognizer)
	}

	switch c.Synthesizer {
	case SynthesizerOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when SYNTHESIZER=openai")
		}
	case SynthesizerCartesia:
		if c.CartesiaAPIKey == "" {
			return fmt.Errorf("CARTESIA_API_KEY is required when SYNTHESIZER=cartesia")
		}
	default:
		return fmt.Errorf("unknown SYNTHESIZER %q", c.Synthesizer)
	}

	switch c.StoreDriver {
	case StorePostgres, StoreMemory:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_DRIVER=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	if c.SegmentThreshold <= 0 {
		return fmt.Errorf("SEGMENT_THRESHOLD must be positive")
	}
	if c.UtteranceQueueSize <= 0 {
		return fmt.Errorf("UTTERANCE_QUEUE_SIZE must be positive")
	}
	return nil
}

// DatabaseDSN returns DATABASE_URL if set, otherwise a postgres URL built from the DB_* fields
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   c.DBHost + ":" + c.DBPort,
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// StreamURL returns the public WebSocket endpoint for logging
func (c *Config) StreamURL() string {
	if c.PublicURL == "" {
		return "ws://localhost:" + c.Port + c.StreamPath
	}
	base := strings.TrimSuffix(c.PublicURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + c.StreamPath
}

// TranscribeTimeout bounds a single transcription call
func (c *Config) TranscribeTimeout() time.Duration {
	return time.Duration(c.TranscribeTimeoutMs) * time.Millisecond
}

// DeltaTimeout bounds the wait for each generated text delta
func (c *Config) DeltaTimeout() time.Duration {
	return time.Duration(c.DeltaTimeoutMs) * time.Millisecond
}

// ChunkTimeout bounds the wait for each synthesized audio chunk
func (c *Config) ChunkTimeout() time.Duration {
	return time.Duration(c.ChunkTimeoutMs) * time.Millisecond
}

// RedisExpiry is how long an idle conversation is kept in redis
func (c *Config) RedisExpiry() time.Duration {
	return time.Duration(c.RedisTTL) * time.Second
}

// PersistDrainTimeout bounds how long a closing session waits for queued writes
func (c *Config) PersistDrainTimeout() time.Duration {
	return time.Duration(c.PersistDrainMs) * time.Millisecond
}
