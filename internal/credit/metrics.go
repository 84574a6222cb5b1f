// internal/credit/metrics.go
package credit

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"creditcore/internal/apperr"
)

type metrics struct {
	authorizations metric.Int64Counter
	transitions    metric.Int64Counter
	duration       metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	authorizations, err := meter.Int64Counter("credit.authorizations",
		metric.WithDescription("Authorization attempts by outcome"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("credit.transitions",
		metric.WithDescription("Lifecycle transitions by action and outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("credit.authorize.duration",
		metric.WithDescription("Authorization latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{authorizations: authorizations, transitions: transitions, duration: duration}, nil
}

func outcome(err error) string {
	if err == nil {
		return "approved"
	}
	return string(apperr.KindOf(err))
}

func (m *metrics) recordAuthorization(ctx context.Context, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome(err)))
	m.authorizations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
}

func (m *metrics) recordTransition(ctx context.Context, action string, err error) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome(err)),
	))
}
