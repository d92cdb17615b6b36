// Package metrics exposes Prometheus counters for tag, rule and transport
// activity.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taglink/supervision"
)

// Metrics holds every collector on its own registry. It satisfies both the
// tag and the rule observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	updates          *prometheus.CounterVec
	supervision      *prometheus.CounterVec
	listenerFailures prometheus.Counter
	ruleEvaluations  *prometheus.CounterVec
	ruleLatency      prometheus.Histogram
	published        *prometheus.CounterVec
	inbound          *prometheus.CounterVec
	pushLatency      *prometheus.HistogramVec
	tags             prometheus.Gauge
	rules            prometheus.Gauge
	sseClients       prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_tag_updates_total",
			Help: "Tag update candidates by outcome",
		}, []string{"result"}),
		supervision: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_supervision_events_total",
			Help: "Supervision events applied to tags by entity and outcome",
		}, []string{"entity", "result"}),
		listenerFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "taglink_listener_failures_total",
			Help: "Tag listeners that panicked during notification",
		}),
		ruleEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_rule_evaluations_total",
			Help: "Rule recomputations by outcome",
		}, []string{"result"}),
		ruleLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taglink_rule_evaluation_seconds",
			Help:    "Rule evaluation latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_published_total",
			Help: "Snapshots handed to outbound transports by transport and outcome",
		}, []string{"transport", "result"}),
		inbound: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taglink_inbound_messages_total",
			Help: "Inbound messages by transport, kind and outcome",
		}, []string{"transport", "kind", "result"}),
		pushLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taglink_push_request_seconds",
			Help:    "Webhook request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"push", "code"}),
		tags: f.NewGauge(prometheus.GaugeOpts{
			Name: "taglink_tags",
			Help: "Number of registered data tags",
		}),
		rules: f.NewGauge(prometheus.GaugeOpts{
			Name: "taglink_rules",
			Help: "Number of registered rule tags",
		}),
		sseClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "taglink_sse_clients",
			Help: "Connected server-sent event clients",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// UpdateProcessed counts an update candidate.
func (m *Metrics) UpdateProcessed(id int64, accepted bool) {
	m.updates.WithLabelValues(result(accepted, "accepted", "rejected")).Inc()
}

// SupervisionProcessed counts a supervision event applied to one tag.
func (m *Metrics) SupervisionProcessed(id int64, entity supervision.Entity, changed bool) {
	m.supervision.WithLabelValues(string(entity), result(changed, "changed", "ignored")).Inc()
}

// ListenerFailed counts a panicking listener.
func (m *Metrics) ListenerFailed(id int64) {
	m.listenerFailures.Inc()
}

// RuleEvaluated records one rule recomputation.
func (m *Metrics) RuleEvaluated(id int64, err error, elapsed time.Duration) {
	m.ruleEvaluations.WithLabelValues(result(err == nil, "ok", "error")).Inc()
	m.ruleLatency.Observe(elapsed.Seconds())
}

// Published records one outbound publication.
func (m *Metrics) Published(transport string, err error) {
	m.published.WithLabelValues(transport, result(err == nil, "ok", "error")).Inc()
}

// Inbound records one inbound message. kind is "update" or "supervision".
func (m *Metrics) Inbound(transport, kind string, err error) {
	m.inbound.WithLabelValues(transport, kind, result(err == nil, "ok", "error")).Inc()
}

// PushSent records a webhook request. A code of 0 means the request failed
// before a response arrived.
func (m *Metrics) PushSent(name string, code int, elapsed time.Duration) {
	m.pushLatency.WithLabelValues(name, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// SetCounts records the number of registered tags and rules.
func (m *Metrics) SetCounts(tags, rules int) {
	m.tags.Set(float64(tags))
	m.rules.Set(float64(rules))
}

// SSEClientConnected and SSEClientDisconnected track streaming clients.
func (m *Metrics) SSEClientConnected()    { m.sseClients.Inc() }
func (m *Metrics) SSEClientDisconnected() { m.sseClients.Dec() }
