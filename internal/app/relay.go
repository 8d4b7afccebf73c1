// internal/app/relay.go

// Package app собирает движок: соединение, очередь, воркеры,
// командный мост, health-монитор и HTTP-сервер живут под одним
// errgroup и гаснут в согласованном порядке.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/market-data-relay/internal/bridge"
	"github.com/YaganovValera/market-data-relay/internal/command"
	"github.com/YaganovValera/market-data-relay/internal/config"
	"github.com/YaganovValera/market-data-relay/internal/health"
	httpsrv "github.com/YaganovValera/market-data-relay/internal/http"
	"github.com/YaganovValera/market-data-relay/internal/metrics"
	"github.com/YaganovValera/market-data-relay/internal/publisher"
	"github.com/YaganovValera/market-data-relay/internal/relay"
	"github.com/YaganovValera/market-data-relay/internal/worker"
	"github.com/YaganovValera/market-data-relay/pkg/kafka"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
	"github.com/YaganovValera/market-data-relay/pkg/telemetry"
)

// controller адаптирует Conn и Registry под command.Controller.
type controller struct {
	conn *relay.Conn
	reg  *relay.Registry
}

func (c *controller) Subscribe(ctx context.Context, topic string) error {
	return c.conn.Subscribe(ctx, topic)
}

func (c *controller) Unsubscribe(ctx context.Context, topic string) error {
	return c.conn.Unsubscribe(ctx, topic)
}

func (c *controller) RequestReconnect() { c.conn.RequestReconnect() }

func (c *controller) Subscriptions() map[string]string {
	snap := c.reg.Snapshot()
	out := make(map[string]string, len(snap))
	for topic, state := range snap {
		out[topic] = state.String()
	}
	return out
}

// Run поднимает все компоненты и блокирует до отмены ctx или фатальной
// ошибки соединения.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)

	// Трассировка
	shutdownTracer, err := telemetry.InitTracer(ctx,
		cfg.Telemetry.OTLPEndpoint,
		cfg.ServiceName,
		cfg.ServiceVersion,
		cfg.Telemetry.Insecure,
		log,
	)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	// Хранилище
	store, err := redisstore.New(ctx, cfg.Redis, log)
	if err != nil {
		return fmt.Errorf("redis init: %w", err)
	}
	defer shutdownSafe(ctx, "redis", store.Close, log)

	// Firehose (опционально)
	var firehose kafka.Producer
	if cfg.Kafka.Enabled {
		firehose, err = kafka.New(ctx, cfg.Kafka.Producer, log)
		if err != nil {
			return fmt.Errorf("kafka producer init: %w", err)
		}
		defer shutdownSafe(ctx, "kafka-producer", firehose.Close, log)
	}

	// Очередь и реестр
	queue, err := bridge.New(cfg.Bridge, log)
	if err != nil {
		return fmt.Errorf("bridge init: %w", err)
	}
	registry := relay.NewRegistry()

	// Соединение
	conn, err := relay.New(cfg.Upstream, registry, queue, log)
	if err != nil {
		return fmt.Errorf("upstream init: %w", err)
	}

	// Обработка сообщений
	pub := publisher.New(cfg.Publisher, store, firehose, log)
	pool := worker.New(cfg.Worker, queue, pub, log)

	// Командный мост
	ctrl := &controller{conn: conn, reg: registry}
	cmdBridge := command.New(cfg.Command, store, ctrl, log)

	// Health-монитор и его эскалации
	monitor := health.New(cfg.Health, conn, registry, queue, pool, store, log)
	monitor.SetReconnectHook(conn.RequestReconnect)
	conn.SetFatalHook(monitor.OnFatal)

	// HTTP
	readiness := func() error {
		if st := conn.State(); st != relay.StateConnected {
			return fmt.Errorf("upstream %s", st)
		}
		return nil
	}
	srv := httpsrv.NewServer(fmt.Sprintf(":%d", cfg.HTTP.Port), readiness, monitor, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return cmdBridge.Run(ctx) })

	// Пул живёт дольше остальных: после закрытия очереди он дочитывает
	// остаток независимо от отмены ctx.
	g.Go(func() error { return pool.Run(ctx) })

	g.Go(func() error {
		err := conn.Run(ctx)
		// Соединения больше не будет: новые команды получают
		// shutting_down, очередь закрывается, пул дочитывает остаток.
		cmdBridge.SetDraining()
		queue.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("relay stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
