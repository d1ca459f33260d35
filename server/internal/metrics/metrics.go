// Package metrics 汇总引擎的可观测计数器。
// 所有方法对 nil 接收者安全，组件在测试里可以不注入 Metrics。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 事件合并结果
const (
	ResultAccepted  = "accepted"
	ResultDuplicate = "duplicate"
	ResultMalformed = "malformed"
)

type Metrics struct {
	registry *prometheus.Registry

	timelineEvents  *prometheus.CounterVec
	relayStalls     prometheus.Counter
	openTimelines   prometheus.Gauge
	publishVerdicts *prometheus.CounterVec
	publishRetries  prometheus.Counter
	activePublishes prometheus.Gauge
}

// New 在私有 registry 上注册全部指标，避免测试里重复注册 panic。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		timelineEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteflow_timeline_events_total",
			Help: "Events received from relays by merge result.",
		}, []string{"result"}),
		relayStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noteflow_relay_stalls_total",
			Help: "Relay sub-windows marked stalled (EOSE timeout or subscribe error).",
		}),
		openTimelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noteflow_open_timelines",
			Help: "Timeline loaders currently open.",
		}),
		publishVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noteflow_publish_verdicts_total",
			Help: "Per-relay publish verdict transitions by state.",
		}, []string{"state"}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noteflow_publish_retries_total",
			Help: "Publish retry rounds dispatched after a timeout or connection error.",
		}),
		activePublishes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "noteflow_active_publishes",
			Help: "Publish actions that have not reached a terminal state.",
		}),
	}
	m.registry.MustRegister(
		m.timelineEvents,
		m.relayStalls,
		m.openTimelines,
		m.publishVerdicts,
		m.publishRetries,
		m.activePublishes,
	)
	return m
}

// Handler 暴露 /metrics。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TimelineEvent(result string) {
	if m == nil {
		return
	}
	m.timelineEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) RelayStalled() {
	if m == nil {
		return
	}
	m.relayStalls.Inc()
}

func (m *Metrics) TimelineOpened() {
	if m == nil {
		return
	}
	m.openTimelines.Inc()
}

func (m *Metrics) TimelineClosed() {
	if m == nil {
		return
	}
	m.openTimelines.Dec()
}

func (m *Metrics) PublishVerdict(state string) {
	if m == nil {
		return
	}
	m.publishVerdicts.WithLabelValues(state).Inc()
}

func (m *Metrics) PublishRetry() {
	if m == nil {
		return
	}
	m.publishRetries.Inc()
}

func (m *Metrics) PublishStarted() {
	if m == nil {
		return
	}
	m.activePublishes.Inc()
}

func (m *Metrics) PublishFinished() {
	if m == nil {
		return
	}
	m.activePublishes.Dec()
}
