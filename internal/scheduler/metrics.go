package scheduler

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type queueMetrics struct {
	passes   metric.Int64Counter
	started  metric.Int64Counter
	deferred metric.Int64Counter
	stops    metric.Int64Counter
	requests metric.Int64ObservableGauge

	queued atomic.Int64
	active atomic.Int64
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("pkt.systems/heapgate/scheduler")
	m := &queueMetrics{}
	var err error

	m.passes, err = meter.Int64Counter(
		"heapgate.scheduler.passes",
		metric.WithDescription("Scheduling passes run"),
	)
	logMetricInitError(logger, "heapgate.scheduler.passes", err)

	m.started, err = meter.Int64Counter(
		"heapgate.scheduler.started",
		metric.WithDescription("Requests moved to active"),
	)
	logMetricInitError(logger, "heapgate.scheduler.started", err)

	m.deferred, err = meter.Int64Counter(
		"heapgate.scheduler.deferred",
		metric.WithDescription("Requests deferred within a pass"),
	)
	logMetricInitError(logger, "heapgate.scheduler.deferred", err)

	m.stops, err = meter.Int64Counter(
		"heapgate.scheduler.stops",
		metric.WithDescription("Pass loop exits by reason"),
	)
	logMetricInitError(logger, "heapgate.scheduler.stops", err)

	m.requests, err = meter.Int64ObservableGauge(
		"heapgate.scheduler.requests",
		metric.WithDescription("Tracked requests by state"),
	)
	logMetricInitError(logger, "heapgate.scheduler.requests", err)

	if m.requests != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.requests, m.queued.Load(), metric.WithAttributes(attribute.String("heapgate.request.state", "pending")))
			o.ObserveInt64(m.requests, m.active.Load(), metric.WithAttributes(attribute.String("heapgate.request.state", "active")))
			return nil
		}, m.requests); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "heapgate.scheduler.requests", "error", err)
		}
	}
	return m
}

func (m *queueMetrics) recordPass() {
	if m != nil && m.passes != nil {
		m.passes.Add(context.Background(), 1)
	}
}

func (m *queueMetrics) recordStarted() {
	if m != nil && m.started != nil {
		m.started.Add(context.Background(), 1)
	}
}

func (m *queueMetrics) recordDeferred() {
	if m != nil && m.deferred != nil {
		m.deferred.Add(context.Background(), 1)
	}
}

func (m *queueMetrics) recordStop(reason string) {
	if m != nil && m.stops != nil {
		m.stops.Add(context.Background(), 1, metric.WithAttributes(attribute.String("heapgate.scheduler.stop", reason)))
	}
}

func (m *queueMetrics) setCounts(pending, active int) {
	if m == nil {
		return
	}
	m.queued.Store(int64(pending))
	m.active.Store(int64(active))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
