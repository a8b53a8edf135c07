package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int           // Maximum number of reconnection attempts
	Backoff     time.Duration // Backoff duration between attempts
	Multiplier  float64       // Backoff multiplier for exponential backoff
	MaxBackoff  time.Duration // Maximum backoff duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc dials a dependency once
type ReconnectFunc func(ctx context.Context) error

// Reconnect dials with exponential backoff, logging every failed attempt to
// logger. It gives up after MaxAttempts or when ctx is done.
func Reconnect(ctx context.Context, logger zerolog.Logger, target string, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	retryCfg := &RetryConfig{
		MaxAttempts:       config.MaxAttempts,
		InitialBackoff:    config.Backoff,
		MaxBackoff:        config.MaxBackoff,
		BackoffMultiplier: config.Multiplier,
	}

	attempts := 0
	err := RetryContext(ctx, func(ctx context.Context) error {
		attempts++
		return fn(ctx)
	}, retryCfg, nil, func(attempt int, err error, wait time.Duration) {
		logger.Warn().
			Err(err).
			Str("target", target).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("retry_in", wait).
			Msg("Connection attempt failed")
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("failed to connect to %s after %d attempts: %w", target, attempts, err)
	}

	if attempts > 1 {
		logger.Info().Str("target", target).Int("attempts", attempts).Msg("Reconnection successful")
	}
	return nil
}
