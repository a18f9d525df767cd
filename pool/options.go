package pool

import (
	"log/slog"
	"time"
)

// config holds pool-wide settings assembled from Options.
type config struct {
	executionStartTimeout  time.Duration
	failoverCooldown       time.Duration
	maxFailuresBeforeBlock int
	connectTimeout         time.Duration
	wakeBuffer             int
	logger                 *slog.Logger
	metrics                *PrometheusMetrics
	now                    func() time.Time
}

func defaultConfig() config {
	return config{
		executionStartTimeout:  60 * time.Second,
		failoverCooldown:       60 * time.Second,
		maxFailuresBeforeBlock: 1,
		connectTimeout:         10 * time.Second,
		wakeBuffer:             256,
		logger:                 slog.Default(),
		now:                    time.Now,
	}
}

// Option configures a Pool.
type Option func(*config)

// WithExecutionStartTimeout bounds the gap between a successful submit and
// the backend's execution_start event. A backend that stays silent past
// the bound is interrupted and the job retried elsewhere. Default 60s.
func WithExecutionStartTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.executionStartTimeout = d
		}
	}
}

// WithFailoverCooldown sets how long a (backend, fingerprint) pair stays
// blocked after reaching the failure threshold. Default 60s.
func WithFailoverCooldown(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.failoverCooldown = d
		}
	}
}

// WithMaxFailuresBeforeBlock sets how many failures a (backend,
// fingerprint) pair absorbs before a cooldown block. Default 1.
func WithMaxFailuresBeforeBlock(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxFailuresBeforeBlock = n
		}
	}
}

// WithConnectTimeout bounds backend transport establishment. Default 10s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithWakeBuffer sizes the dispatcher's wakeup channel. Default 256.
func WithWakeBuffer(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.wakeBuffer = n
		}
	}
}

// WithLogger sets the pool's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}
