// Package metrics records engine counters with OpenTelemetry.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/store"
)

const meterName = "github.com/aloksinha3/Mada"

// Metrics holds the engine instruments.
type Metrics struct {
	callsPlaced       metric.Int64Counter
	placementFailed   metric.Int64Counter
	placementDuration metric.Float64Histogram
	claimsLost        metric.Int64Counter
	callsFinished     metric.Int64Counter
	watchdogExpired   metric.Int64Counter
	webhooksIgnored   metric.Int64Counter
	scheduleCreated   metric.Int64Counter
	scheduleRemoved   metric.Int64Counter
}

// New creates the instruments on mp, or on the global provider when mp is nil.
func New(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.callsPlaced, err = meter.Int64Counter("mada.calls.placed",
		metric.WithDescription("Calls handed to the telephony provider")); err != nil {
		return nil, err
	}
	if m.placementFailed, err = meter.Int64Counter("mada.calls.placement_failed",
		metric.WithDescription("Calls the telephony provider rejected")); err != nil {
		return nil, err
	}
	if m.placementDuration, err = meter.Float64Histogram("mada.calls.placement_duration",
		metric.WithDescription("Time spent placing a call with the provider in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.claimsLost, err = meter.Int64Counter("mada.calls.claims_lost",
		metric.WithDescription("Claims lost to a concurrent trigger")); err != nil {
		return nil, err
	}
	if m.callsFinished, err = meter.Int64Counter("mada.calls.finished",
		metric.WithDescription("Calls reaching a terminal status")); err != nil {
		return nil, err
	}
	if m.watchdogExpired, err = meter.Int64Counter("mada.watchdog.expired",
		metric.WithDescription("In-flight calls finalized by the watchdog")); err != nil {
		return nil, err
	}
	if m.webhooksIgnored, err = meter.Int64Counter("mada.webhooks.ignored",
		metric.WithDescription("Telephony events dropped as stale or unknown")); err != nil {
		return nil, err
	}
	if m.scheduleCreated, err = meter.Int64Counter("mada.schedule.created",
		metric.WithDescription("Calls created by schedule generation")); err != nil {
		return nil, err
	}
	if m.scheduleRemoved, err = meter.Int64Counter("mada.schedule.removed",
		metric.WithDescription("Scheduled calls removed by regeneration")); err != nil {
		return nil, err
	}
	return m, nil
}

func typeAttr(ct models.CallType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("call.type", string(ct)))
}

// CallPlaced records a successful placement.
func (m *Metrics) CallPlaced(ctx context.Context, ct models.CallType, took time.Duration) {
	if m == nil {
		return
	}
	m.callsPlaced.Add(ctx, 1, typeAttr(ct))
	m.placementDuration.Record(ctx, float64(took.Milliseconds()), typeAttr(ct))
}

// PlacementFailed records a provider rejection.
func (m *Metrics) PlacementFailed(ctx context.Context, ct models.CallType, took time.Duration) {
	if m == nil {
		return
	}
	m.placementFailed.Add(ctx, 1, typeAttr(ct))
	m.placementDuration.Record(ctx, float64(took.Milliseconds()), typeAttr(ct))
}

// ClaimLost records a lost compare-and-transition race.
func (m *Metrics) ClaimLost(ctx context.Context) {
	if m == nil {
		return
	}
	m.claimsLost.Add(ctx, 1)
}

// CallFinished records a call entering a terminal status.
func (m *Metrics) CallFinished(ctx context.Context, status models.CallStatus) {
	if m == nil {
		return
	}
	m.callsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("call.status", string(status))))
}

// WatchdogExpired records a watchdog finalization.
func (m *Metrics) WatchdogExpired(ctx context.Context, from models.CallStatus) {
	if m == nil {
		return
	}
	m.watchdogExpired.Add(ctx, 1, metric.WithAttributes(attribute.String("call.status", string(from))))
}

// WebhookIgnored records a dropped telephony event.
func (m *Metrics) WebhookIgnored(ctx context.Context, event, reason string) {
	if m == nil {
		return
	}
	m.webhooksIgnored.Add(ctx, 1, metric.WithAttributes(
		attribute.String("webhook.event", event),
		attribute.String("webhook.reason", reason),
	))
}

// ScheduleSynced records the outcome of a schedule generation.
func (m *Metrics) ScheduleSynced(ctx context.Context, res store.SyncResult) {
	if m == nil {
		return
	}
	m.scheduleCreated.Add(ctx, int64(len(res.Created)))
	m.scheduleRemoved.Add(ctx, int64(res.Removed))
}
