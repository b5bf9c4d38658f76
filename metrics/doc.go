// Package metrics exports producer and consumer activity as Prometheus
// metrics. A Collector plugs into messaging.WithProducerMetrics and
// messaging.WithConsumerMetrics.
package metrics
