// Package metrics 通道层监控接口的 Prometheus 实现
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokmz/chanlayer/pkg/channel"
)

var _ channel.Metrics = (*Prometheus)(nil)

// otherType 未登记的消息类型统一归入该标签值，避免客户端制造高基数
const otherType = "other"

// Option 选项
type Option func(*config)

type config struct {
	namespace    string
	messageTypes []string
	buckets      []float64
}

// WithNamespace 设置指标命名空间
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithMessageTypes 登记作为标签值保留的应用消息类型
func WithMessageTypes(types ...string) Option {
	return func(c *config) { c.messageTypes = append(c.messageTypes, types...) }
}

// WithBuckets 设置耗时直方图的桶
func WithBuckets(buckets []float64) Option {
	return func(c *config) { c.buckets = buckets }
}

// Prometheus 实现 channel.Metrics
type Prometheus struct {
	types map[string]struct{}

	connectionsActive   prometheus.Gauge
	connectionsOpened   prometheus.Counter
	connectionsClosed   *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec
	heartbeatTimeouts   prometheus.Counter
	groupMemberships    prometheus.Gauge
	groupSends          prometheus.Counter
	groupSendFailures   prometheus.Counter
	groupSendDuration   prometheus.Histogram
	messagesReceived    *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	messagesRejected    *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec
}

// New 创建并注册所有指标
func New(reg prometheus.Registerer, opts ...Option) (*Prometheus, error) {
	cfg := &config{
		namespace: "chanlayer",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	types := map[string]struct{}{
		channel.TypeMessage: {},
		channel.TypePing:    {},
		channel.TypePong:    {},
		channel.TypeConnect: {},
		channel.TypeError:   {},
	}
	for _, t := range cfg.messageTypes {
		types[t] = struct{}{}
	}

	ns := cfg.namespace
	p := &Prometheus{
		types: types,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "connections_active",
			Help: "Number of currently open connections.",
		}),
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "connections_opened_total",
			Help: "Total number of accepted connections.",
		}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "connections_closed_total",
			Help: "Total number of closed connections by close code.",
		}, []string{"code"}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "connections_rejected_total",
			Help: "Total number of connections rejected by limits.",
		}, []string{"reason"}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "heartbeat_timeouts_total",
			Help: "Total number of connections closed for missing heartbeats.",
		}),
		groupMemberships: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "group_memberships",
			Help: "Number of connection-to-group memberships held by this process.",
		}),
		groupSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "group_sends_total",
			Help: "Total number of group broadcasts.",
		}),
		groupSendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "group_send_failed_deliveries_total",
			Help: "Total number of per-channel deliveries that failed during group broadcasts.",
		}),
		groupSendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "group_send_duration_seconds",
			Help:    "Group broadcast latency.",
			Buckets: cfg.buckets,
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "messages_received_total",
			Help: "Total number of inbound messages by type.",
		}, []string{"type"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "messages_dropped_total",
			Help: "Total number of messages dropped without an error response.",
		}, []string{"reason"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "messages_rejected_total",
			Help: "Total number of inbound messages answered with an error response.",
		}, []string{"code"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "dispatch_duration_seconds",
			Help:    "Inbound message dispatch latency by type.",
			Buckets: cfg.buckets,
		}, []string{"type"}),
	}

	collectors := []prometheus.Collector{
		p.connectionsActive, p.connectionsOpened, p.connectionsClosed, p.connectionsRejected,
		p.heartbeatTimeouts, p.groupMemberships, p.groupSends, p.groupSendFailures,
		p.groupSendDuration, p.messagesReceived, p.messagesDropped, p.messagesRejected,
		p.dispatchDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) typeLabel(t string) string {
	if _, ok := p.types[t]; ok {
		return t
	}
	return otherType
}

func (p *Prometheus) ConnectionOpened() {
	p.connectionsOpened.Inc()
	p.connectionsActive.Inc()
}

func (p *Prometheus) ConnectionClosed(code int) {
	p.connectionsActive.Dec()
	p.connectionsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (p *Prometheus) ConnectionRejected(reason string) {
	p.connectionsRejected.WithLabelValues(reason).Inc()
}

func (p *Prometheus) HeartbeatTimeout() { p.heartbeatTimeouts.Inc() }

func (p *Prometheus) GroupJoined() { p.groupMemberships.Inc() }

func (p *Prometheus) GroupLeft() { p.groupMemberships.Dec() }

func (p *Prometheus) GroupSend(_, failed int, d time.Duration) {
	p.groupSends.Inc()
	p.groupSendFailures.Add(float64(failed))
	p.groupSendDuration.Observe(d.Seconds())
}

func (p *Prometheus) MessageReceived(msgType string) {
	p.messagesReceived.WithLabelValues(p.typeLabel(msgType)).Inc()
}

func (p *Prometheus) MessageDropped(reason string) {
	p.messagesDropped.WithLabelValues(reason).Inc()
}

func (p *Prometheus) MessageRejected(code string) {
	p.messagesRejected.WithLabelValues(code).Inc()
}

func (p *Prometheus) DispatchLatency(msgType string, d time.Duration) {
	p.dispatchDuration.WithLabelValues(p.typeLabel(msgType)).Observe(d.Seconds())
}

// Handler 暴露指标的 HTTP 处理器
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
