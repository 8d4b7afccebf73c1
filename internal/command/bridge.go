// internal/command/bridge.go

// Package command — приём управляющих команд из Redis pub/sub и
// публикация их результатов обратно в хранилище. Команда несёт
// уникальный id; результат пишется по детерминированному ключу с TTL,
// поэтому повторная доставка той же команды безвредна.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/internal/metrics"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
)

// Типы команд. Закрытое множество.
const (
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeGetSubscriptions = "get_subscriptions"
	TypeReconnect        = "reconnect"
)

// Статусы результата.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusShuttingDown = "shutting_down"
)

// Command — управляющая команда от внешнего процесса.
type Command struct {
	ID    string `json:"command_id"`
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// Result — итог исполнения команды, видимый отправителю. Success
// дублирует Status булевым флагом: по нему опрашивающий различает
// исход, не разбирая строку статуса.
type Result struct {
	ID          string          `json:"command_id"`
	Success     bool            `json:"success"`
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Controller — узкий контракт движка, который дергают команды.
type Controller interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	RequestReconnect()
	// Subscriptions возвращает снимок topic → состояние подписки.
	Subscriptions() map[string]string
}

// Config задаёт канал команд и схему ключей результатов.
type Config struct {
	Channel         string        `mapstructure:"channel"`           // "relay:commands"
	ResultKeyPrefix string        `mapstructure:"result_key_prefix"` // "command_result:"
	ResultTTL       time.Duration `mapstructure:"result_ttl"`        // 60s
	Timeout         time.Duration `mapstructure:"timeout"`           // на одну команду
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.Channel == "" {
		c.Channel = "relay:commands"
	}
	if c.ResultKeyPrefix == "" {
		c.ResultKeyPrefix = "command_result:"
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = 60 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Bridge слушает канал команд и исполняет их последовательно:
// команды одного отправителя применяются в порядке получения.
type Bridge struct {
	cfg      Config
	store    redisstore.Store
	ctrl     Controller
	log      *logger.Logger
	draining atomic.Bool
}

// New создаёт Bridge. Запуск — через Run.
func New(cfg Config, store redisstore.Store, ctrl Controller, log *logger.Logger) *Bridge {
	cfg.ApplyDefaults()
	return &Bridge{cfg: cfg, store: store, ctrl: ctrl, log: log.Named("command")}
}

// SetDraining переводит мост в режим остановки: новые команды получают
// результат shutting_down и не исполняются.
func (b *Bridge) SetDraining() { b.draining.Store(true) }

// ResultKey возвращает ключ результата для id команды.
func (b *Bridge) ResultKey(id string) string { return b.cfg.ResultKeyPrefix + id }

// Run блокирует до отмены ctx, обрабатывая входящие команды.
func (b *Bridge) Run(ctx context.Context) error {
	ch, unsub, err := b.store.Subscribe(ctx, b.cfg.Channel)
	if err != nil {
		return fmt.Errorf("subscribe command channel: %w", err)
	}
	defer func() { _ = unsub() }()

	b.log.Info("command bridge listening", zap.String("channel", b.cfg.Channel))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return ctx.Err()
			}
			b.Handle(ctx, payload)
		}
	}
}

// Handle разбирает и исполняет одну команду. Ошибки исполнения уходят
// в результат, а не наружу: мост не падает из-за плохой команды.
func (b *Bridge) Handle(ctx context.Context, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		metrics.CommandsTotal.WithLabelValues("invalid", StatusError).Inc()
		b.log.Warn("unparseable command dropped", zap.Error(err))
		return
	}
	if cmd.ID == "" {
		metrics.CommandsTotal.WithLabelValues("invalid", StatusError).Inc()
		b.log.Warn("command without id dropped", zap.String("type", cmd.Type))
		return
	}

	// Идемпотентность: результат уже есть → команда дубликат.
	if _, err := b.store.Get(ctx, b.ResultKey(cmd.ID)); err == nil {
		b.log.Debug("duplicate command skipped", zap.String("id", cmd.ID))
		return
	} else if !errors.Is(err, redisstore.ErrNotFound) {
		b.log.Warn("result lookup failed, executing anyway",
			zap.String("id", cmd.ID),
			zap.Error(err),
		)
	}

	if b.draining.Load() {
		metrics.CommandsTotal.WithLabelValues(cmd.Type, StatusShuttingDown).Inc()
		b.writeResult(ctx, Result{ID: cmd.ID, Status: StatusShuttingDown, Message: "relay is shutting down"})
		return
	}

	res := b.execute(ctx, cmd)
	metrics.CommandsTotal.WithLabelValues(cmd.Type, res.Status).Inc()
	b.writeResult(ctx, res)
}

func (b *Bridge) execute(ctx context.Context, cmd Command) Result {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	res := Result{ID: cmd.ID, Status: StatusSuccess}

	switch cmd.Type {
	case TypeSubscribe:
		if cmd.Topic == "" {
			return Result{ID: cmd.ID, Status: StatusError, Message: "subscribe requires a topic"}
		}
		if err := b.ctrl.Subscribe(ctx, cmd.Topic); err != nil {
			return Result{ID: cmd.ID, Status: StatusError, Message: err.Error()}
		}
		res.Message = fmt.Sprintf("subscribed to %s", cmd.Topic)

	case TypeUnsubscribe:
		if cmd.Topic == "" {
			return Result{ID: cmd.ID, Status: StatusError, Message: "unsubscribe requires a topic"}
		}
		if err := b.ctrl.Unsubscribe(ctx, cmd.Topic); err != nil {
			return Result{ID: cmd.ID, Status: StatusError, Message: err.Error()}
		}
		res.Message = fmt.Sprintf("unsubscribed from %s", cmd.Topic)

	case TypeGetSubscriptions:
		data, err := json.Marshal(b.ctrl.Subscriptions())
		if err != nil {
			return Result{ID: cmd.ID, Status: StatusError, Message: err.Error()}
		}
		res.Data = data

	case TypeReconnect:
		b.ctrl.RequestReconnect()
		res.Message = "reconnect requested"

	default:
		return Result{ID: cmd.ID, Status: StatusError, Message: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
	return res
}

// writeResult сохраняет результат через SetNX: при гонке дубликатов
// побеждает первый записавший, повторный результат молча отбрасывается.
func (b *Bridge) writeResult(ctx context.Context, res Result) {
	res.Success = res.Status == StatusSuccess
	res.CompletedAt = time.Now().UTC()
	data, err := json.Marshal(res)
	if err != nil {
		b.log.Error("marshal result failed", zap.String("id", res.ID), zap.Error(err))
		return
	}
	// Запись должна пережить отмену родительского контекста.
	wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := b.store.SetNX(wctx, b.ResultKey(res.ID), data, b.cfg.ResultTTL)
	if err != nil {
		b.log.Error("store result failed", zap.String("id", res.ID), zap.Error(err))
		return
	}
	if !ok {
		b.log.Debug("result already written by concurrent execution", zap.String("id", res.ID))
	}
}
