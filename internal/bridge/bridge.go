// internal/bridge/bridge.go

// Package bridge — ограниченная очередь между сетевым циклом и пулом
// воркеров. Очередь секционирована по хэшу топика: сообщения одного
// топика всегда попадают в одну секцию и обрабатываются по порядку.
package bridge

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/internal/metrics"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
)

// Message — одно рыночное сообщение, принятое от фида.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// OverflowPolicy определяет поведение при заполненной секции.
type OverflowPolicy string

const (
	// DropOldest вытесняет самое старое сообщение секции: свежие
	// котировки ценнее устаревших.
	DropOldest OverflowPolicy = "drop_oldest"
	// RejectNewest отбрасывает входящее сообщение.
	RejectNewest OverflowPolicy = "reject_newest"
)

// Config задаёт параметры очереди.
type Config struct {
	Capacity   int            `mapstructure:"capacity"`   // на секцию
	Partitions int            `mapstructure:"partitions"` // = числу воркеров
	Overflow   OverflowPolicy `mapstructure:"overflow_policy"`
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1024
	}
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
	if c.Overflow == "" {
		c.Overflow = DropOldest
	}
}

// Validate checks config for required fields.
func (c *Config) Validate() error {
	if c.Overflow != DropOldest && c.Overflow != RejectNewest {
		return fmt.Errorf("bridge: unknown overflow_policy %q", c.Overflow)
	}
	return nil
}

// OverflowError — секция заполнена, сообщение отброшено (reject_newest).
type OverflowError struct {
	Topic string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("bridge: queue full, message for %q rejected", e.Topic)
}

// Bridge — набор ограниченных секций с политикой переполнения.
type Bridge struct {
	cfg   Config
	log   *logger.Logger
	parts []chan Message

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// New создаёт очередь. Конфиг валидируется заранее.
func New(cfg Config, log *logger.Logger) (*Bridge, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parts := make([]chan Message, cfg.Partitions)
	for i := range parts {
		parts[i] = make(chan Message, cfg.Capacity)
	}
	return &Bridge{cfg: cfg, log: log.Named("bridge"), parts: parts}, nil
}

// PartitionFor возвращает индекс секции для топика. Детерминирован:
// один топик — всегда одна секция.
func (b *Bridge) PartitionFor(topic string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return int(h.Sum32() % uint32(len(b.parts)))
}

// Partitions — число секций.
func (b *Bridge) Partitions() int { return len(b.parts) }

// Partition отдаёт канал секции для воркера-потребителя.
func (b *Bridge) Partition(i int) <-chan Message { return b.parts[i] }

// Publish кладёт сообщение в секцию его топика. Никогда не блокирует:
// сетевой цикл не должен вставать из-за медленных потребителей.
func (b *Bridge) Publish(msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &OverflowError{Topic: msg.Topic}
	}

	ch := b.parts[b.PartitionFor(msg.Topic)]
	select {
	case ch <- msg:
		return nil
	default:
	}

	if b.cfg.Overflow == RejectNewest {
		b.dropped.Add(1)
		metrics.BridgeDrops.Inc()
		return &OverflowError{Topic: msg.Topic}
	}

	// drop_oldest: вытеснить голову и попробовать ещё раз. Гонку с
	// потребителем проигрываем молча — место уже освободилось.
	select {
	case old := <-ch:
		b.dropped.Add(1)
		metrics.BridgeDrops.Inc()
		b.log.Debug("oldest message dropped",
			zap.String("topic", old.Topic),
			zap.Time("received_at", old.ReceivedAt),
		)
	default:
	}
	select {
	case ch <- msg:
	default:
		b.dropped.Add(1)
		metrics.BridgeDrops.Inc()
		return &OverflowError{Topic: msg.Topic}
	}
	return nil
}

// Depth — суммарное число сообщений во всех секциях.
func (b *Bridge) Depth() int {
	total := 0
	for _, ch := range b.parts {
		total += len(ch)
	}
	return total
}

// Dropped — счётчик отброшенных сообщений с момента старта.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Clear выбрасывает все накопленные сообщения и возвращает их число.
// После Close — no-op.
func (b *Bridge) Clear() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	cleared := 0
	for _, ch := range b.parts {
	drain:
		for {
			select {
			case <-ch:
				cleared++
			default:
				break drain
			}
		}
	}
	if cleared > 0 {
		metrics.QueueCleared.Add(float64(cleared))
		b.log.Info("queue cleared", zap.Int("messages", cleared))
	}
	return cleared
}

// Close закрывает секции. Потребители дочитывают остаток и завершаются.
// Publish после Close возвращает ошибку, не панику.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.parts {
		close(ch)
	}
}
