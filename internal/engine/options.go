package engine

import (
	"time"

	"market-alerts/internal/metrics"
	"market-alerts/internal/ratelimit"
	"market-alerts/internal/stream"

	"github.com/rs/zerolog"
)

// DefaultWorkers bounds concurrent alert evaluations in one check.
const DefaultWorkers = 8

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for triggers and rate limiting.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHub publishes every recorded trigger to hub.
func WithHub(hub *stream.Hub) Option {
	return func(e *Engine) { e.hub = hub }
}

// WithMetrics instruments the engine and its dispatcher.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithWorkers bounds concurrent alert evaluations.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLimiter shares a rate limiter between engines.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}
