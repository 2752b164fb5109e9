package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aloksinha3/Mada/internal/clock"
	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/store"
)

// Personalizer rewrites a rendered script. Any error keeps the deterministic text.
type Personalizer interface {
	Personalize(ctx context.Context, ct models.CallType, p models.Patient, script string) (string, error)
}

// Recorder receives generation outcomes for metrics.
type Recorder interface {
	ScheduleSynced(ctx context.Context, res store.SyncResult)
}

// Opts holds configuration for the Generator.
type Opts struct {
	Policy       Policy
	Personalizer Personalizer
	Clock        clock.Clock
	Recorder     Recorder
}

// Option configures the Generator.
type Option func(*Opts)

// WithPolicy sets the planning policy.
func WithPolicy(p Policy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithPersonalizer enables script personalization.
func WithPersonalizer(p Personalizer) Option {
	return func(o *Opts) { o.Personalizer = p }
}

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithRecorder reports sync results.
func WithRecorder(r Recorder) Option {
	return func(o *Opts) { o.Recorder = r }
}

// Generator plans a patient's calls and reconciles them with the store.
type Generator struct {
	calls    store.CallStore
	patients store.PatientSource
	policy   Policy
	personal Personalizer
	clock    clock.Clock
	recorder Recorder
}

// NewGenerator creates a Generator.
func NewGenerator(calls store.CallStore, patients store.PatientSource, opts ...Option) *Generator {
	cfg := Opts{Policy: DefaultPolicy(), Clock: clock.Real{}}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Generator{
		calls:    calls,
		patients: patients,
		policy:   cfg.Policy.normalized(),
		personal: cfg.Personalizer,
		clock:    cfg.Clock,
		recorder: cfg.Recorder,
	}
}

// Policy returns the normalized planning policy.
func (g *Generator) Policy() Policy { return g.policy }

// Generate plans the patient's calls over horizon (the policy horizon when
// zero) and syncs them into the store. Calls already past scheduled are
// never touched.
func (g *Generator) Generate(ctx context.Context, patientID int64, horizon time.Duration) (store.SyncResult, error) {
	p, err := g.patients.GetPatient(ctx, patientID)
	if err != nil {
		return store.SyncResult{}, err
	}
	policy := g.policy
	if horizon > 0 {
		policy.Horizon = horizon
	}
	now := g.clock.Now()
	planned, err := Plan(*p, now, policy)
	if err != nil {
		return store.SyncResult{}, err
	}
	for i := range planned {
		planned[i].MessageText = g.personalize(ctx, *p, planned[i])
	}

	res, err := g.calls.SyncScheduled(ctx, patientID, now, planned)
	if err != nil {
		return store.SyncResult{}, fmt.Errorf("sync schedule for patient %d: %w", patientID, err)
	}
	if g.recorder != nil {
		g.recorder.ScheduleSynced(ctx, res)
	}
	slog.Info("schedule.Generate: schedule synced", "patientID", patientID, "planned", len(planned),
		"created", len(res.Created), "refreshed", len(res.Refreshed), "removed", res.Removed, "skipped", res.Skipped)
	return res, nil
}

// ScheduleCall creates a single call of any type for the patient at the given time.
func (g *Generator) ScheduleCall(ctx context.Context, patientID int64, ct models.CallType, at time.Time) (models.Call, error) {
	p, err := g.patients.GetPatient(ctx, patientID)
	if err != nil {
		return models.Call{}, err
	}
	if err := p.Validate(); err != nil {
		return models.Call{}, err
	}
	if at.IsZero() {
		at = g.clock.Now()
	}
	call, err := PlanCall(*p, ct, at)
	if err != nil {
		return models.Call{}, err
	}
	call.MessageText = g.personalize(ctx, *p, call)
	inserted, err := g.calls.Insert(ctx, call)
	if err != nil {
		return models.Call{}, err
	}
	slog.Info("schedule.ScheduleCall: call scheduled", "patientID", patientID, "callID", inserted.ID, "callType", ct, "at", inserted.ScheduledTime)
	return inserted, nil
}

func (g *Generator) personalize(ctx context.Context, p models.Patient, call models.Call) string {
	if g.personal == nil {
		return call.MessageText
	}
	out, err := g.personal.Personalize(ctx, call.CallType, p, SpokenScript(call.MessageText))
	if err != nil {
		slog.Debug("schedule: personalization unavailable, using template", "patientID", p.ID, "callType", call.CallType, "error", err)
		return call.MessageText
	}
	return out + MenuSuffix
}
