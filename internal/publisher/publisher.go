// internal/publisher/publisher.go

// Package publisher превращает сообщения фида в записи общего
// хранилища: последняя котировка топика живёт по известному ключу с
// TTL, подписчики получают уведомление через pub/sub. Опционально
// полный поток дублируется в Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/internal/bridge"
	"github.com/YaganovValera/market-data-relay/internal/metrics"
	"github.com/YaganovValera/market-data-relay/pkg/kafka"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
)

// Record — сохранённая запись одного сообщения топика.
// Payload хранится как есть, если это валидный JSON, иначе — строкой.
type Record struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Config задаёт схему ключей и каналов хранилища.
type Config struct {
	KeyPrefix     string        `mapstructure:"key_prefix"`     // "market:"
	RecordTTL     time.Duration `mapstructure:"record_ttl"`     // 1h
	NotifyChannel string        `mapstructure:"notify_channel"` // "relay:data", "" → выключено
	KafkaTopic    string        `mapstructure:"kafka_topic"`    // топик firehose
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "market:"
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = time.Hour
	}
	if c.KafkaTopic == "" {
		c.KafkaTopic = "market-data.raw"
	}
}

// Publisher — worker.Handler, пишущий в Redis и (опционально) в Kafka.
type Publisher struct {
	cfg      Config
	store    redisstore.Store
	firehose kafka.Producer // nil → выключен
	log      *logger.Logger
}

// New создаёт Publisher. firehose может быть nil.
func New(cfg Config, store redisstore.Store, firehose kafka.Producer, log *logger.Logger) *Publisher {
	cfg.ApplyDefaults()
	return &Publisher{cfg: cfg, store: store, firehose: firehose, log: log.Named("publisher")}
}

// Key возвращает ключ хранилища для топика.
func (p *Publisher) Key(topic string) string { return p.cfg.KeyPrefix + topic }

// Handle сохраняет одно сообщение. Последняя запись побеждает:
// порядок внутри топика гарантирует секционирование очереди.
func (p *Publisher) Handle(ctx context.Context, msg bridge.Message) error {
	start := time.Now()

	data, err := json.Marshal(p.record(msg))
	if err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("marshal record: %w", err)
	}

	if err := p.store.Set(ctx, p.Key(msg.Topic), data, p.cfg.RecordTTL); err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("store record %q: %w", msg.Topic, err)
	}
	metrics.PublishLatency.Observe(time.Since(start).Seconds())

	// Уведомление и firehose — best effort: запись уже на месте.
	if p.cfg.NotifyChannel != "" {
		if err := p.store.Publish(ctx, p.cfg.NotifyChannel+":"+msg.Topic, data); err != nil {
			p.log.Warn("data notification failed",
				zap.String("topic", msg.Topic),
				zap.Error(err),
			)
		}
	}
	if p.firehose != nil {
		if err := p.firehose.Publish(ctx, p.cfg.KafkaTopic, []byte(msg.Topic), data); err != nil {
			p.log.Warn("firehose publish failed",
				zap.String("topic", msg.Topic),
				zap.Error(err),
			)
		}
	}
	return nil
}

// GetOne возвращает запись топика или redisstore.ErrNotFound.
func (p *Publisher) GetOne(ctx context.Context, topic string) (*Record, error) {
	raw, err := p.store.Get(ctx, p.Key(topic))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %q: %w", topic, err)
	}
	return &rec, nil
}

// GetMany возвращает записи по перечисленным топикам; отсутствующие
// пропускаются.
func (p *Publisher) GetMany(ctx context.Context, topics []string) (map[string]*Record, error) {
	keys := make([]string, len(topics))
	for i, topic := range topics {
		keys[i] = p.Key(topic)
	}
	values, err := p.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("mget records: %w", err)
	}
	return p.decodeAll(values)
}

// GetAll возвращает все хранимые записи по префиксу ключей.
func (p *Publisher) GetAll(ctx context.Context) (map[string]*Record, error) {
	keys, err := p.store.ScanKeys(ctx, p.cfg.KeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	if len(keys) == 0 {
		return map[string]*Record{}, nil
	}
	values, err := p.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("mget records: %w", err)
	}
	return p.decodeAll(values)
}

// decodeAll разбирает значения ключей в записи; битая запись
// пропускается с логом, а не валит весь ответ.
func (p *Publisher) decodeAll(values map[string][]byte) (map[string]*Record, error) {
	out := make(map[string]*Record, len(values))
	for key, raw := range values {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			p.log.Warn("corrupt record skipped", zap.String("key", key), zap.Error(err))
			continue
		}
		out[rec.Topic] = &rec
	}
	return out, nil
}

// record нормализует payload: не-JSON тела сохраняются JSON-строкой.
func (p *Publisher) record(msg bridge.Message) Record {
	rec := Record{Topic: msg.Topic, ReceivedAt: msg.ReceivedAt}
	if json.Valid(msg.Payload) {
		rec.Payload = json.RawMessage(msg.Payload)
		return rec
	}
	quoted, err := json.Marshal(string(msg.Payload))
	if err != nil {
		quoted = []byte(`""`)
	}
	rec.Payload = quoted
	return rec
}
