package connguard

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type guardMetrics struct {
	failures metric.Int64Counter
	blocks   metric.Int64Counter
	rejected metric.Int64Counter
	blocked  metric.Int64ObservableGauge
}

func newGuardMetrics(logger pslog.Logger, blocked func() int64) *guardMetrics {
	meter := otel.Meter("pkt.systems/heapgate/connguard")
	m := &guardMetrics{}
	var err error

	m.failures, err = meter.Int64Counter(
		"heapgate.connguard.failures",
		metric.WithDescription("Client failures recorded by reason"),
	)
	logMetricInitError(logger, "heapgate.connguard.failures", err)

	m.blocks, err = meter.Int64Counter(
		"heapgate.connguard.blocks",
		metric.WithDescription("Remotes blocked after crossing the failure threshold"),
	)
	logMetricInitError(logger, "heapgate.connguard.blocks", err)

	m.rejected, err = meter.Int64Counter(
		"heapgate.connguard.rejected",
		metric.WithDescription("Connections closed at accept because the remote is blocked"),
	)
	logMetricInitError(logger, "heapgate.connguard.rejected", err)

	m.blocked, err = meter.Int64ObservableGauge(
		"heapgate.connguard.blocked_remotes",
		metric.WithDescription("Remotes currently blocked"),
	)
	logMetricInitError(logger, "heapgate.connguard.blocked_remotes", err)
	if err == nil && blocked != nil {
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.blocked, blocked())
			return nil
		}, m.blocked)
		logMetricInitError(logger, "heapgate.connguard.blocked_remotes.callback", err)
	}
	return m
}

func (m *guardMetrics) recordFailure(reason string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("heapgate.connguard.reason", reason)))
}

func (m *guardMetrics) recordBlock() {
	if m == nil || m.blocks == nil {
		return
	}
	m.blocks.Add(context.Background(), 1)
}

func (m *guardMetrics) recordRejected() {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(context.Background(), 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
