// pkg/backoff/backoff.go
package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

// Config хранит настройки экспоненциального backoff-а и опционального таймаута на попытку.
type Config struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`     // начальный интервал (если 0 — default 1s)
	RandomizationFactor float64       `mapstructure:"randomization_factor"` // jitter (если 0 — default 0.5)
	Multiplier          float64       `mapstructure:"multiplier"`           // множитель (если 0 — default 2.0)
	MaxInterval         time.Duration `mapstructure:"max_interval"`         // макс. интервал (если 0 — default 30s)
	MaxElapsedTime      time.Duration `mapstructure:"max_elapsed_time"`     // общее время ретраев (если 0 — без лимита)
	PerAttemptTimeout   time.Duration `mapstructure:"per_attempt_timeout"`  // таймаут одной попытки (0 = без)
}

// ApplyDefaults заполняет нулевые поля разумными значениями.
func (c *Config) ApplyDefaults() {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 1 * time.Second
	}
	if c.RandomizationFactor <= 0 {
		c.RandomizationFactor = 0.5
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}
	// MaxElapsedTime == 0 → без лимита
}

// RetryableFunc описывает функцию с поддержкой контекста.
type RetryableFunc func(ctx context.Context) error

// ErrMaxRetries возвращается, когда попытки исчерпаны.
type ErrMaxRetries struct {
	Err      error // итоговая ошибка (context или fn)
	Attempts int   // число совершённых попыток
}

func (e *ErrMaxRetries) Error() string {
	return fmt.Sprintf("backoff: failed after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ErrMaxRetries) Unwrap() error { return e.Err }

// Permanent помечает ошибку как неретраибельную: Execute вернёт её сразу.
func Permanent(err error) error { return backoff.Permanent(err) }

// Метрики для retry-механизма.
var (
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "backoff", Name: "retries_total",
		Help: "Number of retry attempts",
	})
	failuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "backoff", Name: "failures_total",
		Help: "Number of operations giving up after retries",
	})
	successesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "backoff", Name: "successes_total",
		Help: "Number of operations succeeded (possibly after retries)",
	})
	retryDelayHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay", Subsystem: "backoff", Name: "retry_delay_seconds",
		Help:    "Histogram of retry delays in seconds",
		Buckets: prometheus.DefBuckets,
	})

	registerOnce sync.Once
)

// registerMetrics безопасно регистрирует все метрики.
func registerMetrics(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(retriesTotal, failuresTotal, successesTotal, retryDelayHistogram)
	})
}

// New возвращает сконфигурированный ExponentialBackOff для ручного управления
// задержками (NextBackOff/Reset), когда цикл ретраев живёт в вызывающем коде.
func New(cfg Config) *backoff.ExponentialBackOff {
	cfg.ApplyDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialInterval
	bo.RandomizationFactor = cfg.RandomizationFactor
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxInterval
	bo.MaxElapsedTime = cfg.MaxElapsedTime
	bo.Reset()
	return bo
}

// Execute выполняет fn с экспоненциальным backoff-ом и метриками.
func Execute(ctx context.Context, cfg Config, log *logger.Logger, fn RetryableFunc) error {
	registerMetrics(prometheus.DefaultRegisterer)
	cfg.ApplyDefaults()

	bo := New(cfg)
	boCtx := backoff.WithContext(bo, ctx)

	var attempts int
	operation := func() error {
		attempts++
		if t := cfg.PerAttemptTimeout; t > 0 {
			ctxAttempt, cancel := context.WithTimeout(ctx, t)
			defer cancel()
			return fn(ctxAttempt)
		}
		return fn(ctx)
	}

	notify := func(err error, delay time.Duration) {
		retriesTotal.Inc()
		retryDelayHistogram.Observe(delay.Seconds())
		log.Sugar().Warnw("backoff retry", "error", err, "delay", delay, "attempt", attempts)
	}

	if err := backoff.RetryNotify(operation, boCtx, notify); err != nil {
		failuresTotal.Inc()
		log.Sugar().Errorw("backoff give up", "error", err, "attempts", attempts)
		return &ErrMaxRetries{Err: err, Attempts: attempts}
	}

	successesTotal.Inc()
	return nil
}
