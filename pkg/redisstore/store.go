// pkg/redisstore/store.go
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/pkg/backoff"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

var (
	storeMetrics = struct {
		GetErrors        prometheus.Counter
		SetErrors        prometheus.Counter
		PublishErrors    prometheus.Counter
		OperationLatency prometheus.Histogram
	}{
		GetErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "redis", Name: "get_errors_total",
			Help: "Total number of errors on Redis GET",
		}),
		SetErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "redis", Name: "set_errors_total",
			Help: "Total number of errors on Redis SET",
		}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "relay", Subsystem: "redis", Name: "publish_errors_total",
			Help: "Total number of errors on Redis PUBLISH",
		}),
		OperationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relay", Subsystem: "redis", Name: "operation_latency_seconds",
			Help:    "Latency of Redis operations",
			Buckets: prometheus.DefBuckets,
		}),
	}
	tracer = otel.Tracer("relay/redisstore")
)

// ErrNotFound возвращается, если ключ отсутствует.
var ErrNotFound = fmt.Errorf("redis: key not found")

// Config хранит параметры подключения к Redis.
type Config struct {
	URL     string         `mapstructure:"url"` // e.g. "redis://host:6379/0"
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("redis: URL required")
	}
	return nil
}

// redisStore — продакшен-реализация Store через go-redis/v9.
type redisStore struct {
	client     *redis.Client
	log        *logger.Logger
	backoffCfg backoff.Config
}

// New создает Store, соединяется с Redis, с retry и метриками.
func New(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("redis")

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse URL: %w", err)
	}
	client := redis.NewClient(opts)

	// Проверяем соединение с retry
	op := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	ctxConn, span := tracer.Start(ctx, "Connect", trace.WithAttributes(attribute.String("url", cfg.URL)))
	if err := backoff.Execute(ctxConn, cfg.Backoff, log, op); err != nil {
		span.RecordError(err)
		span.End()
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	span.End()
	log.Info("redis: connected", zap.String("url", cfg.URL))

	return &redisStore{
		client:     client,
		log:        log,
		backoffCfg: cfg.Backoff,
	}, nil
}

func (r *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctxOp, span := tracer.Start(ctx, "Get", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	var data []byte
	op := func(ctx context.Context) error {
		val, err := r.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		data = val
		return nil
	}
	if err := backoff.Execute(ctxOp, r.backoffCfg, r.log, op); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		storeMetrics.GetErrors.Inc()
		r.log.WithContext(ctx).Error("redis GET failed", zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		return nil, err
	}
	storeMetrics.OperationLatency.Observe(time.Since(start).Seconds())
	return data, nil
}

func (r *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctxOp, span := tracer.Start(ctx, "Set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	start := time.Now()
	op := func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	}
	if err := backoff.Execute(ctxOp, r.backoffCfg, r.log, op); err != nil {
		storeMetrics.SetErrors.Inc()
		r.log.WithContext(ctx).Error("redis SET failed", zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		return err
	}
	storeMetrics.OperationLatency.Observe(time.Since(start).Seconds())
	return nil
}

func (r *redisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctxOp, span := tracer.Start(ctx, "SetNX", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	var stored bool
	op := func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return err
		}
		stored = ok
		return nil
	}
	if err := backoff.Execute(ctxOp, r.backoffCfg, r.log, op); err != nil {
		storeMetrics.SetErrors.Inc()
		r.log.WithContext(ctx).Error("redis SETNX failed", zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		return false, err
	}
	return stored, nil
}

func (r *redisStore) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	ctxOp, span := tracer.Start(ctx, "MGet", trace.WithAttributes(attribute.Int("keys", len(keys))))
	defer span.End()

	vals, err := r.client.MGet(ctxOp, keys...).Result()
	if err != nil {
		storeMetrics.GetErrors.Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("redis MGET: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *redisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	ctxOp, span := tracer.Start(ctx, "ScanKeys", trace.WithAttributes(attribute.String("pattern", pattern)))
	defer span.End()

	var keys []string
	iter := r.client.Scan(ctxOp, 0, pattern, 0).Iterator()
	for iter.Next(ctxOp) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("redis SCAN: %w", err)
	}
	return keys, nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	ctxOp, span := tracer.Start(ctx, "Delete", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	if err := r.client.Del(ctxOp, key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis DEL: %w", err)
	}
	return nil
}

func (r *redisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	ctxOp, span := tracer.Start(ctx, "Publish", trace.WithAttributes(attribute.String("channel", channel)))
	defer span.End()

	if err := r.client.Publish(ctxOp, channel, payload).Err(); err != nil {
		storeMetrics.PublishErrors.Inc()
		span.RecordError(err)
		return fmt.Errorf("redis PUBLISH: %w", err)
	}
	return nil
}

// Subscribe конвертирует *redis.PubSub в канал байтовых сообщений.
// Горутина-переносчик завершается при отмене ctx или закрытии подписки.
func (r *redisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	sub := r.client.Subscribe(ctx, channel)
	// Дожидаемся подтверждения подписки, чтобы не терять ранние команды.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis SUBSCRIBE %q: %w", channel, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
