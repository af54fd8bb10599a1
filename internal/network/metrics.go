package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/annel0/classic-server/internal/protocol"
)

// Metrics Prometheus-метрики игрового сервера
type Metrics struct {
	connections    prometheus.Counter
	rejected       *prometheus.CounterVec
	sessions       prometheus.Gauge
	packetsIn      *prometheus.CounterVec
	framesOut      prometheus.Counter
	bytesOut       prometheus.Counter
	edits          *prometheus.CounterVec
	overflows      prometheus.Counter
	levelTransfer  prometheus.Histogram
	protocolErrors prometheus.Counter
	pingRoundTrip  prometheus.Histogram
	chatMessages   prometheus.Counter
}

// NewMetrics создаёт метрики и регистрирует их в reg.
// При reg == nil метрики работают без регистрации (тесты).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "connections_total",
			Help:      "Принятые TCP/KCP/WebSocket соединения.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "logins_rejected_total",
			Help:      "Отклонённые входы по причинам.",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "classic",
			Name:      "sessions_active",
			Help:      "Игроки в фазе spawned.",
		}),
		packetsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "packets_received_total",
			Help:      "Полученные пакеты по опкодам.",
		}, []string{"opcode"}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "frames_sent_total",
			Help:      "Отправленные пакеты.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "bytes_sent_total",
			Help:      "Отправленные байты.",
		}),
		edits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "block_edits_total",
			Help:      "Изменения блоков по результату.",
		}, []string{"result"}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "send_queue_overflows_total",
			Help:      "Сессии, отключённые из-за переполнения очереди отправки.",
		}),
		levelTransfer: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "classic",
			Name:      "level_transfer_seconds",
			Help:      "Длительность передачи уровня клиенту.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "protocol_errors_total",
			Help:      "Сессии, закрытые из-за нарушения протокола.",
		}),
		pingRoundTrip: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "classic",
			Name:      "ping_rtt_seconds",
			Help:      "Время ответа на TwoWayPing.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "classic",
			Name:      "chat_messages_total",
			Help:      "Сообщения общего чата.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connections, m.rejected, m.sessions, m.packetsIn, m.framesOut, m.bytesOut,
			m.edits, m.overflows, m.levelTransfer, m.protocolErrors, m.pingRoundTrip, m.chatMessages,
		)
	}
	return m
}

func (m *Metrics) packet(op protocol.Opcode) {
	m.packetsIn.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) reject(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) edit(result string) {
	m.edits.WithLabelValues(result).Inc()
}
