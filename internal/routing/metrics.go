package routing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type routingMetrics struct {
	rewrites metric.Int64Counter
	bound    metric.Int64Counter
}

func newRoutingMetrics(logger pslog.Logger) *routingMetrics {
	meter := otel.Meter("pkt.systems/heapgate/routing")
	m := &routingMetrics{}
	var err error

	m.rewrites, err = meter.Int64Counter(
		"heapgate.routing.rewrites",
		metric.WithDescription("Rewrite rules applied"),
	)
	logMetricInitError(logger, "heapgate.routing.rewrites", err)

	m.bound, err = meter.Int64Counter(
		"heapgate.routing.bound",
		metric.WithDescription("Requests bound to a handler"),
	)
	logMetricInitError(logger, "heapgate.routing.bound", err)
	return m
}

func (m *routingMetrics) recordRewrite() {
	if m != nil && m.rewrites != nil {
		m.rewrites.Add(context.Background(), 1)
	}
}

func (m *routingMetrics) recordBound(fallback bool) {
	if m == nil || m.bound == nil {
		return
	}
	kind := "handler"
	if fallback {
		kind = "fallback"
	}
	m.bound.Add(context.Background(), 1, metric.WithAttributes(attribute.String("heapgate.routing.target", kind)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
