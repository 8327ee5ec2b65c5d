package lsf

import (
	"context"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lsfMetrics struct {
	sample       metric.Int64Counter
	heapBytes    metric.Int64ObservableGauge
	lowWater     metric.Int64ObservableGauge
	rssBytes     metric.Int64ObservableGauge
	memoryPct    metric.Float64ObservableGauge
	load         metric.Float64ObservableGauge
	loadBaseline metric.Float64ObservableGauge
	goroutines   metric.Int64ObservableGauge

	snapshot atomic.Pointer[Snapshot]
}

func newLSFMetrics(logger pslog.Logger) *lsfMetrics {
	meter := otel.Meter("pkt.systems/heapgate/lsf")
	m := &lsfMetrics{}
	var err error

	m.sample, err = meter.Int64Counter(
		"heapgate.lsf.sample",
		metric.WithDescription("LSF samples collected"),
	)
	logMetricInitError(logger, "heapgate.lsf.sample", err)

	m.heapBytes, err = meter.Int64ObservableGauge(
		"heapgate.lsf.heap.bytes",
		metric.WithDescription("Allocatable heap by view"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "heapgate.lsf.heap.bytes", err)

	m.lowWater, err = meter.Int64ObservableGauge(
		"heapgate.lsf.heap.low_water.bytes",
		metric.WithDescription("Lowest allocatable heap seen by view"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "heapgate.lsf.heap.low_water.bytes", err)

	m.rssBytes, err = meter.Int64ObservableGauge(
		"heapgate.lsf.rss.bytes",
		metric.WithDescription("LSF RSS bytes"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "heapgate.lsf.rss.bytes", err)

	m.memoryPct, err = meter.Float64ObservableGauge(
		"heapgate.lsf.memory.percent",
		metric.WithDescription("LSF system memory used percent"),
	)
	logMetricInitError(logger, "heapgate.lsf.memory.percent", err)

	m.load, err = meter.Float64ObservableGauge(
		"heapgate.lsf.load",
		metric.WithDescription("LSF system load average"),
	)
	logMetricInitError(logger, "heapgate.lsf.load", err)

	m.loadBaseline, err = meter.Float64ObservableGauge(
		"heapgate.lsf.load.baseline",
		metric.WithDescription("LSF one minute load baseline"),
	)
	logMetricInitError(logger, "heapgate.lsf.load.baseline", err)

	m.goroutines, err = meter.Int64ObservableGauge(
		"heapgate.lsf.goroutines",
		metric.WithDescription("LSF goroutine count"),
	)
	logMetricInitError(logger, "heapgate.lsf.goroutines", err)

	if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.observe(o)
		return nil
	}, m.heapBytes, m.lowWater, m.rssBytes, m.memoryPct, m.load, m.loadBaseline, m.goroutines); err != nil && logger != nil {
		logger.Warn("telemetry.metric.callback_failed", "name", "heapgate.lsf.metrics", "error", err)
	}
	return m
}

func (m *lsfMetrics) recordSample(snap Snapshot) {
	if m == nil {
		return
	}
	m.snapshot.Store(&snap)
	if m.sample != nil {
		m.sample.Add(context.Background(), 1)
	}
}

func (m *lsfMetrics) observe(o metric.Observer) {
	if m == nil {
		return
	}
	snap := m.snapshot.Load()
	if snap == nil {
		return
	}
	available := metric.WithAttributes(attribute.String("heapgate.heap.view", "available"))
	largest := metric.WithAttributes(attribute.String("heapgate.heap.view", "largest_block"))
	if m.heapBytes != nil {
		o.ObserveInt64(m.heapBytes, clampUint64(snap.Available), available)
		o.ObserveInt64(m.heapBytes, clampUint64(snap.LargestBlock), largest)
	}
	if m.lowWater != nil {
		o.ObserveInt64(m.lowWater, clampUint64(snap.MinAvailable), available)
		o.ObserveInt64(m.lowWater, clampUint64(snap.MinLargestBlock), largest)
	}
	if m.rssBytes != nil {
		o.ObserveInt64(m.rssBytes, clampUint64(snap.RSSBytes))
	}
	if m.memoryPct != nil {
		o.ObserveFloat64(m.memoryPct, snap.SystemMemoryPct)
	}
	if m.load != nil {
		o.ObserveFloat64(m.load, snap.SystemLoad1, metric.WithAttributes(attribute.String("heapgate.load.window", "1")))
		o.ObserveFloat64(m.load, snap.SystemLoad5, metric.WithAttributes(attribute.String("heapgate.load.window", "5")))
		o.ObserveFloat64(m.load, snap.SystemLoad15, metric.WithAttributes(attribute.String("heapgate.load.window", "15")))
	}
	if m.loadBaseline != nil {
		o.ObserveFloat64(m.loadBaseline, snap.Load1Baseline)
	}
	if m.goroutines != nil {
		o.ObserveInt64(m.goroutines, int64(snap.Goroutines))
	}
}

func clampUint64(value uint64) int64 {
	if value > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(value)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
