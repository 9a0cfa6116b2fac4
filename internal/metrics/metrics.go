package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	TCPAccepted      prometheus.Counter
	TCPRejected      prometheus.Counter
	TasksSubmitted   *prometheus.CounterVec // labels: kind
	TasksCompleted   *prometheus.CounterVec // labels: result=ok|error|cancelled
	QueueDepth       prometheus.Gauge
	TransactSeconds  prometheus.Histogram   // 串口往返耗时
	TransactErrors   *prometheus.CounterVec // labels: kind
	RecoverySessions *prometheus.CounterVec // labels: outcome=success|failed
	RecoveryAttempts prometheus.Counter     // 断电重连总次数
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		TCPAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_accept_total",
			Help: "Total accepted TCP connections.",
		}),
		TCPRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tcp_reject_total",
			Help: "Total TCP connections rejected by the accept limiter.",
		}),
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_submitted_total",
			Help: "Relay tasks submitted to the queue.",
		}, []string{"kind"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tasks_completed_total",
			Help: "Relay tasks completed by result.",
		}, []string{"result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Current number of queued relay tasks.",
		}),
		TransactSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transact_seconds",
			Help:    "Serial write-read round trip duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		TransactErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transact_errors_total",
			Help: "Serial round trip failures by command kind.",
		}, []string{"kind"}),
		RecoverySessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recovery_sessions_total",
			Help: "Recovery sessions by outcome.",
		}, []string{"outcome"}),
		RecoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recovery_attempts_total",
			Help: "Total power-cycle attempts across recovery sessions.",
		}),
	}
	reg.MustRegister(
		m.TCPAccepted, m.TCPRejected,
		m.TasksSubmitted, m.TasksCompleted, m.QueueDepth,
		m.TransactSeconds, m.TransactErrors,
		m.RecoverySessions, m.RecoveryAttempts,
	)
	return m
}
