// internal/worker/pool.go

// Package worker — фиксированный пул горутин над секциями bridge.
// Воркер i — единственный потребитель секции i, поэтому порядок
// сообщений внутри топика сохраняется до самого обработчика.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/internal/bridge"
	"github.com/YaganovValera/market-data-relay/internal/metrics"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

// Handler обрабатывает одно сообщение. Ошибка логируется и не влияет
// на соседние сообщения.
type Handler interface {
	Handle(ctx context.Context, msg bridge.Message) error
}

// HandlerFunc — адаптер функции под Handler.
type HandlerFunc func(ctx context.Context, msg bridge.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg bridge.Message) error { return f(ctx, msg) }

// Config задаёт таймауты пула. Размер пула равен числу секций bridge.
type Config struct {
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
}

// Pool — пул воркеров, по одному на секцию очереди.
type Pool struct {
	cfg     Config
	queue   *bridge.Bridge
	handler Handler
	log     *logger.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// New создаёт пул. Запуск — через Run.
func New(cfg Config, queue *bridge.Bridge, handler Handler, log *logger.Logger) *Pool {
	cfg.ApplyDefaults()
	return &Pool{cfg: cfg, queue: queue, handler: handler, log: log.Named("worker")}
}

// Run запускает воркеров и блокирует, пока очередь не будет закрыта и
// дочитана. При отмене ctx даёт воркерам DrainTimeout на остаток.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.queue.Partitions(); i++ {
		wg.Add(1)
		go func(part int) {
			defer wg.Done()
			p.consume(part)
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(p.cfg.DrainTimeout):
			p.log.Warn("drain timeout exceeded, abandoning in-flight messages",
				zap.Duration("drain_timeout", p.cfg.DrainTimeout),
			)
		}
		return ctx.Err()
	}
}

// Processed возвращает число обработанных сообщений за всё время.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Errors возвращает число сообщений, завершившихся ошибкой или паникой.
func (p *Pool) Errors() int64 { return p.failed.Load() }

// consume дочитывает секцию до закрытия канала.
func (p *Pool) consume(part int) {
	for msg := range p.queue.Partition(part) {
		p.process(part, msg)
	}
	p.log.Debug("partition drained", zap.Int("partition", part))
}

// process обрабатывает одно сообщение. Паника обработчика гасится:
// одно ядовитое сообщение не должно останавливать секцию.
func (p *Pool) process(part int, msg bridge.Message) {
	p.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			metrics.ProcessErrors.Inc()
			p.log.Error("handler panic",
				zap.Int("partition", part),
				zap.String("topic", msg.Topic),
				zap.Any("panic", r),
			)
		}
	}()

	// Независимый контекст: при остановке процесса остаток очереди
	// всё равно должен быть дообработан.
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HandlerTimeout)
	defer cancel()

	if err := p.handler.Handle(ctx, msg); err != nil {
		p.failed.Add(1)
		metrics.ProcessErrors.Inc()
		p.log.Warn("handler failed",
			zap.Int("partition", part),
			zap.String("topic", msg.Topic),
			zap.Error(fmt.Errorf("handle: %w", err)),
		)
	}
}
