// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// FramesTotal — число принятых кадров по типу команды.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "upstream", Name: "frames_total",
		Help: "Total frames received from the upstream feed by command",
	}, []string{"command"})

	// ProtocolErrors — число пропущенных битых кадров.
	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "upstream", Name: "protocol_errors_total",
		Help: "Malformed frames skipped without dropping the connection",
	})

	// Reconnects — число переподключений по причинам.
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "upstream", Name: "reconnects_total",
		Help: "Total reconnect cycles by trigger",
	}, []string{"reason"})

	// HandshakeFailures — неудачные CONNECT-хендшейки.
	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "upstream", Name: "handshake_failures_total",
		Help: "Failed or timed out protocol handshakes",
	})

	// MessagesIgnored — MESSAGE-кадры по неподписанным топикам.
	MessagesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "upstream", Name: "messages_ignored_total",
		Help: "MESSAGE frames for topics with no live subscription",
	})

	// BridgeDrops — сообщения, отброшенные политикой переполнения очереди.
	BridgeDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "bridge", Name: "drops_total",
		Help: "Messages dropped by the bridge overflow policy",
	})

	// QueueCleared — сообщения, выброшенные принудительной очисткой очереди.
	QueueCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "bridge", Name: "cleared_total",
		Help: "Messages discarded by force-clearing the bridge queue",
	})

	// ProcessErrors — ошибки обработки сообщения воркером.
	ProcessErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "worker", Name: "process_errors_total",
		Help: "Messages a worker failed to process",
	})

	// PublishErrors — ошибки записи рыночных данных в хранилище.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "publisher", Name: "publish_errors_total",
		Help: "Failed market data record writes",
	})

	// PublishLatency — гистограмма задержек от приёма кадра до записи.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "relay", Subsystem: "publisher", Name: "publish_latency_seconds",
		Help:    "Latency from frame receipt to stored record (seconds)",
		Buckets: prometheus.DefBuckets,
	})

	// CommandsTotal — обработанные команды по типу и исходу.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relay", Subsystem: "command", Name: "commands_total",
		Help: "Commands processed by type and outcome",
	}, []string{"type", "status"})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			FramesTotal,
			ProtocolErrors,
			Reconnects,
			HandshakeFailures,
			MessagesIgnored,
			BridgeDrops,
			QueueCleared,
			ProcessErrors,
			PublishErrors,
			PublishLatency,
			CommandsTotal,
		)
	})
}
