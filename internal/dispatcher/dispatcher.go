// Package dispatcher moves due calls from scheduled to executing and hands
// them to the telephony placer.
//
// Every trigger, the periodic tick and a manual execute alike, claims a call
// with a compare-and-transition from scheduled to executing. Only the winner
// of that claim places the call, so each call is placed at most once. The
// same tick runs the watchdog that finalizes calls whose provider events
// never arrived.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aloksinha3/Mada/internal/clock"
	"github.com/aloksinha3/Mada/internal/metrics"
	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/store"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// Defaults for the dispatcher options.
const (
	DefaultInterval         = 5 * time.Second
	DefaultWatchdogCeiling  = 10 * time.Minute
	DefaultPlacementTimeout = 30 * time.Second
	DefaultConcurrency      = 4
	DefaultBatchSize        = 50
)

// Failure reasons recorded on calls finalized by the dispatcher.
const (
	ReasonNoEvent        = "no provider event before watchdog ceiling"
	ReasonInteractionEnd = "interaction abandoned before watchdog ceiling"
	ReasonNoPatient      = "patient not found"
)

// Opts holds configuration for the Dispatcher.
type Opts struct {
	Clock            clock.Clock
	Metrics          *metrics.Metrics
	Interval         time.Duration
	WatchdogCeiling  time.Duration
	PlacementTimeout time.Duration
	Concurrency      int
	BatchSize        int
}

// Option configures the Dispatcher.
type Option func(*Opts)

// WithClock overrides the wall clock and ticker source.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithMetrics records dispatcher outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithWatchdogCeiling sets how long a call may stay in flight without a
// resolving event.
func WithWatchdogCeiling(d time.Duration) Option {
	return func(o *Opts) { o.WatchdogCeiling = d }
}

// WithPlacementTimeout bounds a single Place call.
func WithPlacementTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PlacementTimeout = d }
}

// WithConcurrency bounds the placements a tick may have in flight.
func WithConcurrency(n int) Option {
	return func(o *Opts) { o.Concurrency = n }
}

// WithBatchSize limits how many due calls one tick examines.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// Dispatcher bridges due calls and the placer.
type Dispatcher struct {
	calls    store.CallStore
	patients store.PatientSource
	placer   telephony.Placer
	clock    clock.Clock
	metrics  *metrics.Metrics

	interval     time.Duration
	ceiling      time.Duration
	placeTimeout time.Duration
	batch        int

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a Dispatcher.
func New(calls store.CallStore, patients store.PatientSource, placer telephony.Placer, opts ...Option) *Dispatcher {
	cfg := Opts{
		Clock:            clock.Real{},
		Interval:         DefaultInterval,
		WatchdogCeiling:  DefaultWatchdogCeiling,
		PlacementTimeout: DefaultPlacementTimeout,
		Concurrency:      DefaultConcurrency,
		BatchSize:        DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.WatchdogCeiling <= 0 {
		cfg.WatchdogCeiling = DefaultWatchdogCeiling
	}
	if cfg.PlacementTimeout <= 0 {
		cfg.PlacementTimeout = DefaultPlacementTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	return &Dispatcher{
		calls:        calls,
		patients:     patients,
		placer:       placer,
		clock:        cfg.Clock,
		metrics:      cfg.Metrics,
		interval:     cfg.Interval,
		ceiling:      cfg.WatchdogCeiling,
		placeTimeout: cfg.PlacementTimeout,
		batch:        cfg.BatchSize,
		sem:          make(chan struct{}, cfg.Concurrency),
	}
}

// Run ticks until ctx is cancelled. It does not wait for placements still in
// flight; call Wait for that.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("Dispatcher.Run: starting", "interval", d.interval, "watchdogCeiling", d.ceiling)

	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Dispatcher.Run: stopping")
			return
		case <-ticker.C():
			d.Tick(ctx)
		}
	}
}

// Wait blocks until every placement started by Tick has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Recover reports the in-flight calls inherited from a previous process.
// They are not assumed live: the watchdog finalizes them once they pass
// the ceiling.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	inflight, err := d.calls.ListInFlight(ctx, d.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("list in-flight calls: %w", err)
	}
	for _, c := range inflight {
		slog.Info("Dispatcher.Recover: inherited in-flight call", "callID", c.ID, "status", c.Status, "claimedAt", c.ClaimedAt)
	}
	if len(inflight) > 0 {
		slog.Info("Dispatcher.Recover: in-flight calls left to the watchdog", "count", len(inflight), "ceiling", d.ceiling)
	}
	return len(inflight), nil
}

// Tick runs the watchdog, then claims due calls and starts their placement.
// Placement happens in the background; Tick never waits on the provider.
// When every placement slot is busy the rest of the batch waits for the
// next tick.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.watchdog(ctx)

	now := d.clock.Now()
	due, err := d.calls.ListDue(ctx, now, models.CallStatusScheduled, d.batch)
	if err != nil {
		slog.Error("Dispatcher.Tick: list due failed", "error", err)
		return
	}
	if len(due) > 0 {
		slog.Debug("Dispatcher.Tick: due calls", "count", len(due))
	}

	for i := range due {
		select {
		case d.sem <- struct{}{}:
		default:
			slog.Debug("Dispatcher.Tick: placement slots busy, deferring", "remaining", len(due)-i)
			return
		}

		claimed, ok, err := d.claim(ctx, due[i].ID)
		if err != nil || !ok {
			<-d.sem
			if err != nil {
				slog.Error("Dispatcher.Tick: claim failed", "callID", due[i].ID, "error", err)
			}
			continue
		}

		d.wg.Add(1)
		go func(call *models.Call) {
			defer d.wg.Done()
			defer func() { <-d.sem }()
			d.place(context.WithoutCancel(ctx), call)
		}(claimed)
	}
}

// Execute claims and places one call now, waiting for the placement outcome.
// It fails with ErrNotFound for unknown ids and with a *models.StateError,
// mutating nothing, when the call is not scheduled. A provider rejection is
// not an error here: the call is returned in status failed.
func (d *Dispatcher) Execute(ctx context.Context, id int64) (*models.Call, error) {
	call, err := d.calls.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if call.Status != models.CallStatusScheduled {
		return nil, models.NewStateError(id, "execute", call.Status)
	}

	claimed, ok, err := d.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost to a concurrent trigger between the read and the claim.
		current, err := d.calls.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, models.NewStateError(id, "execute", current.Status)
	}

	// The claim is spent: the placement and its outcome must survive the
	// caller going away.
	detached := context.WithoutCancel(ctx)
	d.place(detached, claimed)
	return d.calls.Get(detached, id)
}

// Retry schedules a fresh attempt of a failed or unanswered call, due now.
// The original call keeps its terminal status.
func (d *Dispatcher) Retry(ctx context.Context, id int64) (models.Call, error) {
	orig, err := d.calls.Get(ctx, id)
	if err != nil {
		return models.Call{}, err
	}
	if orig.Status != models.CallStatusFailed && orig.Status != models.CallStatusNoAnswer {
		return models.Call{}, models.NewStateError(id, "retry", orig.Status)
	}

	retryOf := orig.ID
	next, err := d.calls.Insert(ctx, models.Call{
		PatientID:     orig.PatientID,
		CallType:      orig.CallType,
		MessageText:   orig.MessageText,
		ScheduledTime: d.clock.Now().UTC().Truncate(time.Second),
		RetryOf:       &retryOf,
	})
	if err != nil {
		return models.Call{}, fmt.Errorf("retry call %d: %w", id, err)
	}
	slog.Info("Dispatcher.Retry: retry scheduled", "callID", id, "retryID", next.ID)
	return next, nil
}

// claim moves a call from scheduled to executing under a fresh attempt ref.
// Losing the race is reported as ok=false, not as an error.
func (d *Dispatcher) claim(ctx context.Context, id int64) (*models.Call, bool, error) {
	ref := uuid.NewString()
	now := d.clock.Now()
	call, err := d.calls.CompareAndTransition(ctx, models.Transition{
		CallID:             id,
		From:               models.CallStatusScheduled,
		To:                 models.CallStatusExecuting,
		AttemptRef:         ref,
		ProviderCallHandle: ref,
		ClaimedAt:          &now,
	})
	switch {
	case err == nil:
		slog.Debug("Dispatcher.claim: claimed", "callID", id, "ref", ref)
		return call, true, nil
	case errors.Is(err, models.ErrStaleTransition), errors.Is(err, models.ErrNotFound):
		slog.Debug("Dispatcher.claim: lost claim", "callID", id)
		d.metrics.ClaimLost(ctx)
		return nil, false, nil
	default:
		return nil, false, err
	}
}

// place hands a claimed call to the placer and records the outcome.
func (d *Dispatcher) place(ctx context.Context, call *models.Call) {
	patient, err := d.patients.GetPatient(ctx, call.PatientID)
	if err != nil {
		reason := ReasonNoPatient
		if !errors.Is(err, models.ErrNotFound) {
			reason = "patient lookup failed: " + err.Error()
		}
		slog.Error("Dispatcher.place: cannot resolve patient", "callID", call.ID, "patientID", call.PatientID, "error", err)
		d.fail(ctx, call, reason)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, d.placeTimeout)
	defer cancel()

	start := time.Now()
	handle, err := d.placer.Place(pctx, telephony.PlaceRequest{
		CallID:   call.ID,
		CallType: call.CallType,
		To:       patient.Phone,
		Script:   call.MessageText,
		Ref:      call.AttemptRef,
	})
	took := time.Since(start)
	if err != nil {
		slog.Error("Dispatcher.place: placement failed", "callID", call.ID, "error", err)
		d.metrics.PlacementFailed(ctx, call.CallType, took)
		d.fail(ctx, call, err.Error())
		return
	}
	d.metrics.CallPlaced(ctx, call.CallType, took)

	if err := d.calls.AttachHandle(ctx, call.ID, call.AttemptRef, handle); err != nil {
		if errors.Is(err, models.ErrStaleTransition) || errors.Is(err, models.ErrNotFound) {
			// A webhook or the watchdog already moved the call on; the ref
			// still correlates later events.
			slog.Debug("Dispatcher.place: handle not attached", "callID", call.ID, "handle", handle, "error", err)
			return
		}
		slog.Error("Dispatcher.place: attach handle failed", "callID", call.ID, "handle", handle, "error", err)
		return
	}
	slog.Info("Dispatcher.place: call placed", "callID", call.ID, "patientID", call.PatientID, "type", call.CallType, "handle", handle)
}

func (d *Dispatcher) fail(ctx context.Context, call *models.Call, reason string) {
	now := d.clock.Now()
	_, err := d.calls.CompareAndTransition(ctx, models.Transition{
		CallID:        call.ID,
		From:          models.CallStatusExecuting,
		To:            models.CallStatusFailed,
		CompletedAt:   &now,
		FailureReason: reason,
	})
	switch {
	case err == nil:
		d.metrics.CallFinished(ctx, models.CallStatusFailed)
	case errors.Is(err, models.ErrStaleTransition), errors.Is(err, models.ErrNotFound):
		slog.Debug("Dispatcher.fail: call already moved on", "callID", call.ID)
	default:
		slog.Error("Dispatcher.fail: could not record failure", "callID", call.ID, "error", err)
	}
}

// watchdog finalizes calls in flight longer than the ceiling. Unanswered
// calls become no_answer; calls abandoned mid-interaction become completed.
func (d *Dispatcher) watchdog(ctx context.Context) {
	now := d.clock.Now()
	stuck, err := d.calls.ListInFlight(ctx, now.Add(-d.ceiling))
	if err != nil {
		slog.Error("Dispatcher.watchdog: list in-flight failed", "error", err)
		return
	}
	for _, c := range stuck {
		tr := models.Transition{CallID: c.ID, From: c.Status, CompletedAt: &now}
		if c.Status == models.CallStatusExecuting {
			tr.To = models.CallStatusNoAnswer
			tr.FailureReason = ReasonNoEvent
		} else {
			tr.To = models.CallStatusCompleted
			tr.FailureReason = ReasonInteractionEnd
		}
		_, err := d.calls.CompareAndTransition(ctx, tr)
		switch {
		case err == nil:
			slog.Warn("Dispatcher.watchdog: call expired", "callID", c.ID, "from", c.Status, "to", tr.To)
			d.metrics.WatchdogExpired(ctx, c.Status)
			d.metrics.CallFinished(ctx, tr.To)
		case errors.Is(err, models.ErrStaleTransition), errors.Is(err, models.ErrNotFound):
			slog.Debug("Dispatcher.watchdog: call resolved concurrently", "callID", c.ID)
		default:
			slog.Error("Dispatcher.watchdog: transition failed", "callID", c.ID, "error", err)
		}
	}
}
