// internal/health/monitor.go

// Package health — периодический снимок состояния движка: состояние
// соединения, возраст heartbeat, подписки, глубина очереди. Снимок
// публикуется в хранилище с TTL, поэтому упавший процесс обнаруживается
// по исчезновению ключа.
package health

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-data-relay/internal/relay"
	"github.com/YaganovValera/market-data-relay/pkg/logger"
	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
)

// ConnStatus — наблюдаемое состояние соединения.
type ConnStatus interface {
	State() relay.ConnState
	LastHeartbeat() time.Time
}

// QueueStatus — наблюдаемое состояние очереди.
type QueueStatus interface {
	Depth() int
	Dropped() int64
	// Clear принудительно выбрасывает накопленное и возвращает число
	// выброшенных сообщений.
	Clear() int
}

// WorkStatus — счётчики обработки воркеров для расчёта доли ошибок.
type WorkStatus interface {
	Processed() int64
	Errors() int64
}

// SubsStatus — наблюдаемое состояние реестра подписок.
type SubsStatus interface {
	ActiveCount() int
	Snapshot() map[string]relay.SubState
}

// Snapshot — одно наблюдение, сериализуемое в health-ключ и /status.
type Snapshot struct {
	ConnectionState     string    `json:"connectionState"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	HeartbeatAgeSeconds float64   `json:"heartbeatAgeSeconds"`
	ActiveSubscriptions int       `json:"activeSubscriptions"`
	QueueDepth          int       `json:"queueDepth"`
	QueueDropped        int64     `json:"queueDropped"`
	ErrorRate           float64   `json:"errorRate"`
	Fatal               bool      `json:"fatal,omitempty"`
	Healthy             bool      `json:"healthy"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Config задаёт период наблюдения и пороги.
type Config struct {
	Interval   time.Duration `mapstructure:"interval"`    // 10s
	HealthKey  string        `mapstructure:"health_key"`  // "relay:health"
	HealthTTL  time.Duration `mapstructure:"health_ttl"`  // 300s
	StaleAfter time.Duration `mapstructure:"stale_after"` // возраст heartbeat → эскалация

	// QueueDepthThreshold — глубина очереди, выше которой начинается
	// отсчёт SustainWindow; 0 → эскалация по глубине выключена.
	QueueDepthThreshold int           `mapstructure:"queue_depth_threshold"`
	SustainWindow       time.Duration `mapstructure:"sustain_window"` // 60s
}

// ApplyDefaults applies fallback defaults if values are unset.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.HealthKey == "" {
		c.HealthKey = "relay:health"
	}
	if c.HealthTTL <= 0 {
		c.HealthTTL = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.SustainWindow <= 0 {
		c.SustainWindow = time.Minute
	}
}

// Monitor наблюдает за движком и публикует снимки.
type Monitor struct {
	cfg   Config
	conn  ConnStatus
	subs  SubsStatus
	queue QueueStatus
	work  WorkStatus
	store redisstore.Store
	log   *logger.Logger

	// эскалации; задаются до Run
	reconnect func()
	restart   func(error)

	fatal     atomic.Bool
	escalated atomic.Bool // reconnect уже запрошен в текущем эпизоде

	// очередь выше порога начиная с этого момента; поле читается и
	// пишется только из observe
	depthSince time.Time
}

// New создаёт Monitor.
func New(cfg Config, conn ConnStatus, subs SubsStatus, queue QueueStatus, work WorkStatus, store redisstore.Store, log *logger.Logger) *Monitor {
	cfg.ApplyDefaults()
	return &Monitor{
		cfg:   cfg,
		conn:  conn,
		subs:  subs,
		queue: queue,
		work:  work,
		store: store,
		log:   log.Named("health"),
	}
}

// SetReconnectHook задаёт действие при протухшем heartbeat.
func (m *Monitor) SetReconnectHook(fn func()) { m.reconnect = fn }

// SetRestartHook задаёт действие при FatalConnectionError.
func (m *Monitor) SetRestartHook(fn func(error)) { m.restart = fn }

// OnFatal — обработчик фатальной ошибки соединения. Передаётся в
// relay.Conn.SetFatalHook.
func (m *Monitor) OnFatal(err error) {
	m.fatal.Store(true)
	m.log.Error("connection declared fatal, requesting restart", zap.Error(err))
	m.publish(context.Background())
	if m.restart != nil {
		m.restart(err)
	}
}

// Snapshot строит текущее наблюдение.
func (m *Monitor) Snapshot() Snapshot {
	now := time.Now()
	beat := m.conn.LastHeartbeat()
	age := 0.0
	if !beat.IsZero() {
		age = now.Sub(beat).Seconds()
	}
	state := m.conn.State()
	snap := Snapshot{
		ConnectionState:     state.String(),
		LastHeartbeat:       beat,
		HeartbeatAgeSeconds: age,
		ActiveSubscriptions: m.subs.ActiveCount(),
		QueueDepth:          m.queue.Depth(),
		QueueDropped:        m.queue.Dropped(),
		ErrorRate:           m.errorRate(),
		Fatal:               m.fatal.Load(),
		UpdatedAt:           now.UTC(),
	}
	snap.Healthy = !snap.Fatal &&
		state == relay.StateConnected &&
		(beat.IsZero() || age < m.cfg.StaleAfter.Seconds())
	return snap
}

// errorRate — процент сообщений, завершившихся ошибкой обработки,
// от общего числа обработанных за всё время.
func (m *Monitor) errorRate() float64 {
	processed := m.work.Processed()
	if processed == 0 {
		return 0
	}
	return float64(m.work.Errors()) / float64(processed) * 100.0
}

// Run публикует снимки до отмены ctx.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.observe(ctx)
		}
	}
}

func (m *Monitor) observe(ctx context.Context) {
	snap := m.publish(ctx)
	m.observeDepth(snap)

	// Эскалация: соединение формально живо, но фид молчит.
	stale := snap.ConnectionState == relay.StateConnected.String() &&
		!snap.LastHeartbeat.IsZero() &&
		snap.HeartbeatAgeSeconds >= m.cfg.StaleAfter.Seconds()
	if stale {
		if m.escalated.CompareAndSwap(false, true) && m.reconnect != nil {
			m.log.Warn("heartbeat stale, requesting reconnect",
				zap.Float64("age_seconds", snap.HeartbeatAgeSeconds),
			)
			m.reconnect()
		}
		return
	}
	m.escalated.Store(false)
}

// observeDepth следит за застрявшей очередью: если глубина держится
// выше порога дольше SustainWindow, очередь принудительно чистится,
// чтобы не копить устаревшие котировки.
func (m *Monitor) observeDepth(snap Snapshot) {
	if m.cfg.QueueDepthThreshold <= 0 || snap.QueueDepth < m.cfg.QueueDepthThreshold {
		m.depthSince = time.Time{}
		return
	}
	if m.depthSince.IsZero() {
		m.depthSince = time.Now()
		return
	}
	if time.Since(m.depthSince) < m.cfg.SustainWindow {
		return
	}
	cleared := m.queue.Clear()
	m.log.Error("queue depth sustained above threshold, queue force-cleared",
		zap.Int("depth", snap.QueueDepth),
		zap.Int("threshold", m.cfg.QueueDepthThreshold),
		zap.Int("cleared", cleared),
	)
	m.depthSince = time.Time{}
}

func (m *Monitor) publish(ctx context.Context) Snapshot {
	snap := m.Snapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		m.log.Error("marshal snapshot failed", zap.Error(err))
		return snap
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.store.Set(wctx, m.cfg.HealthKey, data, m.cfg.HealthTTL); err != nil {
		m.log.Warn("health key write failed", zap.Error(err))
	}
	return snap
}
