package chainlog

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/karasz/chainlog"

// Metrics holds the instruments recorded by the log, gate and detector.
// A nil *Metrics records nothing.
type Metrics struct {
	appends           metric.Int64Counter
	corrections       metric.Int64Counter
	incidentsOpened   metric.Int64Counter
	incidentsResolved metric.Int64Counter
	publishDelay      metric.Float64Histogram
}

// NewMetrics creates the instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)

	var (
		out Metrics
		err error
	)
	if out.appends, err = m.Int64Counter("chainlog.entries.appended",
		metric.WithDescription("Entries appended to the chain")); err != nil {
		return nil, err
	}
	if out.corrections, err = m.Int64Counter("chainlog.entries.corrected",
		metric.WithDescription("Same-day corrections of the latest entry")); err != nil {
		return nil, err
	}
	if out.incidentsOpened, err = m.Int64Counter("chainlog.incidents.opened",
		metric.WithDescription("Incidents opened, by impact")); err != nil {
		return nil, err
	}
	if out.incidentsResolved, err = m.Int64Counter("chainlog.incidents.resolved",
		metric.WithDescription("Incidents resolved")); err != nil {
		return nil, err
	}
	if out.publishDelay, err = m.Float64Histogram("chainlog.publish.delay",
		metric.WithDescription("Publish delay relative to the daily target"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Metrics) appended(ctx context.Context) {
	if m == nil {
		return
	}
	m.appends.Add(ctx, 1)
}

func (m *Metrics) corrected(ctx context.Context) {
	if m == nil {
		return
	}
	m.corrections.Add(ctx, 1)
}

func (m *Metrics) incidentOpened(ctx context.Context, impact Impact) {
	if m == nil {
		return
	}
	m.incidentsOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("impact", string(impact))))
}

func (m *Metrics) incidentResolved(ctx context.Context) {
	if m == nil {
		return
	}
	m.incidentsResolved.Add(ctx, 1)
}

func (m *Metrics) published(ctx context.Context, rec PublishRecord) {
	if m == nil {
		return
	}
	m.publishDelay.Record(ctx, float64(rec.DelaySec),
		metric.WithAttributes(attribute.String("slo_status", string(rec.SLOStatus))))
}
