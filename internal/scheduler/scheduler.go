// Package scheduler runs cron-driven maintenance jobs for Mada.
//
// Its main job keeps every patient's schedule populated as the rolling
// generation horizon moves forward.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/store"
)

// DefaultRefreshSpec runs the refresh nightly at 02:00.
const DefaultRefreshSpec = "0 2 * * *"

// Generator regenerates one patient's schedule.
type Generator interface {
	Generate(ctx context.Context, patientID int64, horizon time.Duration) (store.SyncResult, error)
}

// PatientLister lists the patients that own calls.
type PatientLister interface {
	PatientIDs(ctx context.Context) ([]int64, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddRefresh schedules RefreshAll on expr.
func (s *Scheduler) AddRefresh(expr string, patients PatientLister, gen Generator, horizon time.Duration) error {
	return s.AddJob(expr, func() {
		if _, err := RefreshAll(context.Background(), patients, gen, horizon); err != nil {
			slog.Error("Scheduler.refresh: run failed", "error", err)
		}
	})
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RefreshSummary reports one RefreshAll run.
type RefreshSummary struct {
	Patients int
	Created  int
	Removed  int
	Skipped  int
	Failed   int
}

// RefreshAll regenerates the schedule of every patient that owns calls.
// Patients that no longer resolve are skipped; other per-patient failures
// are logged and do not stop the run.
func RefreshAll(ctx context.Context, patients PatientLister, gen Generator, horizon time.Duration) (RefreshSummary, error) {
	var sum RefreshSummary
	ids, err := patients.PatientIDs(ctx)
	if err != nil {
		return sum, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := gen.Generate(ctx, id, horizon)
		switch {
		case err == nil:
			sum.Patients++
			sum.Created += len(res.Created)
			sum.Removed += res.Removed
		case errors.Is(err, models.ErrNotFound):
			slog.Warn("Scheduler.RefreshAll: patient no longer exists, skipping", "patientID", id)
			sum.Skipped++
		default:
			slog.Error("Scheduler.RefreshAll: refresh failed", "patientID", id, "error", err)
			sum.Failed++
		}
	}
	slog.Info("Scheduler.RefreshAll: done", "patients", sum.Patients, "created", sum.Created,
		"removed", sum.Removed, "skipped", sum.Skipped, "failed", sum.Failed)
	return sum, nil
}
