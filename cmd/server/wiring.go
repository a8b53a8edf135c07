package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/conversation"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/resilience"
	"github.com/lexiqai/voice-agent/internal/session"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tools"
	"github.com/lexiqai/voice-agent/internal/tts"
)

// openedStore is the configured conversation store and how to release it
type openedStore struct {
	conversation.Store
	Close func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*openedStore, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn().Msg("Using in-memory conversation store, history is lost on restart")
		return &openedStore{Store: conversation.NewMemoryStore(), Close: func() {}}, nil

	case config.StoreRedis:
		client, err := conversation.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store := conversation.NewRedisStore(client, cfg.RedisKeyPrefix, cfg.RedisExpiry())
		err = resilience.Reconnect(ctx, logger, "redis", store.Ping, reconnectConfig(cfg))
		if err != nil {
			client.Close()
			return nil, err
		}
		return &openedStore{Store: store, Close: func() { store.Close() }}, nil

	default:
		pool, err := conversation.Connect(ctx, cfg.DatabaseDSN(), logger, reconnectConfig(cfg))
		if err != nil {
			return nil, err
		}
		store := conversation.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
		return &openedStore{Store: store, Close: pool.Close}, nil
	}
}

func reconnectConfig(cfg *config.Config) *resilience.ReconnectConfig {
	rc := resilience.DefaultReconnectConfig()
	rc.MaxAttempts = cfg.ReconnectMaxAttempts
	rc.Backoff = time.Duration(cfg.ReconnectBackoff) * time.Millisecond
	return rc
}

func retryConfig(cfg *config.Config) *resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = cfg.RetryMaxAttempts
	rc.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	return rc
}

// breakers guard each provider; one breaker is shared by every session
type breakers struct {
	recognizer  *resilience.CircuitBreaker
	generator   *resilience.CircuitBreaker
	synthesizer *resilience.CircuitBreaker
}

func newBreakers(cfg *config.Config) breakers {
	reset := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	newBreaker := func(name string) *resilience.CircuitBreaker {
		observability.UpdateCircuitBreakerState(name, int(resilience.StateClosed))
		return resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, reset).
			OnStateChange(func(name string, state resilience.CircuitState) {
				observability.UpdateCircuitBreakerState(name, int(state))
				if state == resilience.StateOpen {
					observability.IncrementCircuitBreakerFailures(name)
					logger := observability.GetLogger()
					logger.Warn().Str("service", name).Msg("Circuit breaker opened")
				}
			})
	}
	return breakers{
		recognizer:  newBreaker("stt_" + cfg.Recognizer),
		generator:   newBreaker("llm_groq"),
		synthesizer: newBreaker("tts_" + cfg.Synthesizer),
	}
}

func buildAdapters(cfg *config.Config, logger zerolog.Logger, store conversation.Store, b breakers) (session.Adapters, error) {
	retry := retryConfig(cfg)

	var recognizer stt.Recognizer
	switch cfg.Recognizer {
	case config.RecognizerDeepgram:
		r, err := stt.NewDeepgramRecognizer(stt.DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
		})
		if err != nil {
			return session.Adapters{}, err
		}
		recognizer = r
	default:
		r, err := stt.NewWhisperRecognizer(stt.WhisperConfig{
			APIKey:   cfg.GroqAPIKey,
			BaseURL:  cfg.GroqBaseURL,
			Model:    cfg.TranscribeModel,
			Language: cfg.TranscribeLang,
		})
		if err != nil {
			return session.Adapters{}, err
		}
		recognizer = r
	}

	var toolset []llm.Tool
	if cfg.WeatherstackKey != "" {
		weather, err := tools.NewWeather(tools.WeatherConfig{
			APIKey:            cfg.WeatherstackKey,
			URL:               cfg.WeatherstackURL,
			RequestsPerSecond: cfg.WeatherRPS,
			Burst:             cfg.WeatherBurst,
		}, nil, logger)
		if err != nil {
			return session.Adapters{}, err
		}
		toolset = append(toolset, weather)
	} else {
		logger.Warn().Msg("WEATHERSTACK_API_KEY not set, get_weather tool disabled")
	}

	generator, err := llm.NewOpenAIGenerator(llm.OpenAIConfig{
		APIKey:        cfg.GroqAPIKey,
		BaseURL:       cfg.GroqBaseURL,
		Model:         cfg.GenerationModel,
		MaxToolRounds: cfg.MaxToolRounds,
	}, logger, toolset)
	if err != nil {
		return session.Adapters{}, err
	}

	var synthesizer tts.Synthesizer
	switch cfg.Synthesizer {
	case config.SynthesizerCartesia:
		s, err := tts.NewCartesiaSynthesizer(tts.CartesiaConfig{
			APIKey:   cfg.CartesiaAPIKey,
			VoiceID:  cfg.CartesiaVoiceID,
			ModelID:  cfg.CartesiaModelID,
			Encoding: cfg.CartesiaEncoding,
		}, &http.Client{Timeout: 60 * time.Second})
		if err != nil {
			return session.Adapters{}, err
		}
		synthesizer = s
	default:
		s, err := tts.NewOpenAISynthesizer(tts.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.SpeechModel,
			Voice:     cfg.SpeechVoice,
			Format:    cfg.SpeechFormat,
			Speed:     cfg.SpeechSpeed,
			ChunkSize: cfg.SpeechChunkSize,
		})
		if err != nil {
			return session.Adapters{}, err
		}
		synthesizer = s
	}

	return session.Adapters{
		Recognizer:  stt.NewGuarded(cfg.Recognizer, recognizer, b.recognizer, retry, cfg.SilenceThreshold),
		Generator:   llm.NewGuarded("groq", generator, b.generator, retry),
		Synthesizer: tts.NewGuarded(cfg.Synthesizer, synthesizer, b.synthesizer, retry),
		Store:       store,
	}, nil
}

func readinessChecks(store conversation.Store, b breakers) []observability.NamedCheck {
	checks := []observability.NamedCheck{
		{Name: "recognizer", Check: breakerCheck(b.recognizer)},
		{Name: "generator", Check: breakerCheck(b.generator)},
		{Name: "synthesizer", Check: breakerCheck(b.synthesizer)},
	}
	if p, ok := store.(conversation.Pinger); ok {
		checks = append(checks, observability.NamedCheck{
			Name: "store",
			Check: func(ctx context.Context) (bool, error) {
				if err := p.Ping(ctx); err != nil {
					return false, err
				}
				return true, nil
			},
		})
	}
	return checks
}

// breakerCheck reports a provider unhealthy while its circuit is open
func breakerCheck(cb *resilience.CircuitBreaker) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		state, requests, failures, rate := cb.GetStats()
		if state == resilience.StateOpen {
			return false, fmt.Errorf("%s: %w (%d/%d failed, %.0f%%)", cb.Name(), resilience.ErrCircuitOpen, failures, requests, rate)
		}
		return true, nil
	}
}
