package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/relaymq/messaging"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Collector exports messaging metrics to Prometheus. Every collector owns its
// registry so several clients can live in one process.
type Collector struct {
	registry *prometheus.Registry

	sends           *prometheus.CounterVec
	sendRetries     *prometheus.CounterVec
	handled         *prometheus.CounterVec
	handlerRetries  *prometheus.CounterVec
	acks            *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	handlerDuration *prometheus.HistogramVec
}

// NewCollector creates a collector whose metric names start with namespace
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Messages sent, by exchange and result.",
		}, []string{"exchange", "result"}),
		sendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Publish re-attempts, by exchange.",
		}, []string{"exchange"}),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handled_total",
			Help:      "Deliveries handled, by queue and result.",
		}, []string{"queue", "result"}),
		handlerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_retries_total",
			Help:      "Handler re-attempts, by queue.",
		}, []string{"queue"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_total",
			Help:      "Acknowledgment attempts, by queue and result.",
		}, []string{"queue", "result"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handlers_in_flight",
			Help:      "Handlers currently running, by queue.",
		}, []string{"queue"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Handler duration including retries, by queue.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
	}

	c.registry.MustRegister(
		c.sends,
		c.sendRetries,
		c.handled,
		c.handlerRetries,
		c.acks,
		c.inFlight,
		c.handlerDuration,
	)

	return c
}

// Registry returns the registry holding the collector's metrics
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordSend implements messaging.MetricsCollector
func (c *Collector) RecordSend(exchange string, success bool) {
	if c == nil {
		return
	}
	c.sends.WithLabelValues(exchange, result(success)).Inc()
}

// RecordSendRetry implements messaging.MetricsCollector
func (c *Collector) RecordSendRetry(exchange string) {
	if c == nil {
		return
	}
	c.sendRetries.WithLabelValues(exchange).Inc()
}

// RecordHandled implements messaging.MetricsCollector
func (c *Collector) RecordHandled(queue, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.handled.WithLabelValues(queue, result).Inc()
	c.handlerDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordHandlerRetry implements messaging.MetricsCollector
func (c *Collector) RecordHandlerRetry(queue string) {
	if c == nil {
		return
	}
	c.handlerRetries.WithLabelValues(queue).Inc()
}

// RecordAck implements messaging.MetricsCollector
func (c *Collector) RecordAck(queue string, success bool) {
	if c == nil {
		return
	}
	c.acks.WithLabelValues(queue, result(success)).Inc()
}

// HandlerStarted implements messaging.MetricsCollector
func (c *Collector) HandlerStarted(queue string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(queue).Inc()
}

// HandlerFinished implements messaging.MetricsCollector
func (c *Collector) HandlerFinished(queue string) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(queue).Dec()
}

func result(success bool) string {
	if success {
		return resultSuccess
	}
	return resultFailure
}

var _ messaging.MetricsCollector = (*Collector)(nil)
