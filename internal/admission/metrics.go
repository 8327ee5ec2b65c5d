package admission

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type admissionMetrics struct {
	outcomes metric.Int64Counter
}

func newAdmissionMetrics(logger pslog.Logger) *admissionMetrics {
	meter := otel.Meter("pkt.systems/heapgate/admission")
	m := &admissionMetrics{}
	var err error
	m.outcomes, err = meter.Int64Counter(
		"heapgate.admission.outcomes",
		metric.WithDescription("Admission decisions by outcome"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "heapgate.admission.outcomes", "error", err)
	}
	return m
}

func (m *admissionMetrics) record(o Outcome) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("heapgate.admission.outcome", o.String())))
}
