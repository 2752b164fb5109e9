// Package store provides storage backends for Mada.
//
// It persists Call and Message rows and reads patient snapshots owned by the
// patient-management collaborator. An in-memory store backs tests and
// DSN-less runs; SQLite and PostgreSQL stores provide durability.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aloksinha3/Mada/internal/models"
)

// List bounds for ListRecent.
const (
	DefaultRecentLimit = 10
	MaxRecentLimit     = 100
)

// SyncResult summarizes one SyncScheduled run.
type SyncResult struct {
	Created   []models.Call `json:"created"`
	Refreshed []models.Call `json:"refreshed"`
	// Removed counts future scheduled calls that fell out of the plan.
	Removed int `json:"removed"`
	// Skipped counts planned slots already held by a call that left scheduled.
	Skipped int `json:"skipped"`
}

// CallStore is durable keyed storage for calls and their messages.
type CallStore interface {
	// Insert adds a call in scheduled status and returns it with its id.
	// It fails with ErrDuplicateKey if a non-terminal call holds the same slot.
	Insert(ctx context.Context, call models.Call) (models.Call, error)

	// Get returns a call by id, or ErrNotFound.
	Get(ctx context.Context, id int64) (*models.Call, error)

	// GetByHandle returns the call carrying handle as its provider handle or
	// attempt ref, or ErrNotFound.
	GetByHandle(ctx context.Context, handle string) (*models.Call, error)

	// CompareAndTransition applies tr only if the call is still in tr.From.
	// It fails with ErrStaleTransition without mutating anything otherwise,
	// and with ErrNotFound if the call does not exist.
	CompareAndTransition(ctx context.Context, tr models.Transition) (*models.Call, error)

	// AttachHandle replaces the provisional handle of the attempt ref with the
	// provider's handle. It fails with ErrStaleTransition if the attempt is no
	// longer current or a handle was already attached.
	AttachHandle(ctx context.Context, callID int64, attemptRef, handle string) error

	// ListDue returns calls in status scheduled at or before now, oldest first.
	// A non-positive limit returns all of them.
	ListDue(ctx context.Context, now time.Time, status models.CallStatus, limit int) ([]models.Call, error)

	// ListInFlight returns executing, awaiting_input and recording calls claimed
	// at or before claimedBefore, oldest claim first.
	ListInFlight(ctx context.Context, claimedBefore time.Time) ([]models.Call, error)

	// ListRecent returns up to limit calls ordered by scheduled_time descending,
	// optionally restricted to one patient.
	ListRecent(ctx context.Context, patientID *int64, limit int) ([]models.Call, error)

	// NextScheduled returns the patient's earliest scheduled call strictly
	// after now, or ErrNotFound.
	NextScheduled(ctx context.Context, patientID int64, now time.Time) (*models.Call, error)

	// SyncScheduled reconciles a patient's future scheduled calls with planned,
	// atomically. Matching scheduled calls get refreshed text, missing slots
	// are inserted, generated scheduled calls at or after from that are no
	// longer planned are removed. Slots held by calls in any other status are
	// left untouched.
	SyncScheduled(ctx context.Context, patientID int64, from time.Time, planned []models.Call) (SyncResult, error)

	// Cancel moves a scheduled call to cancelled. Any other status yields a
	// *models.StateError.
	Cancel(ctx context.Context, id int64) (*models.Call, error)

	// GetMessage returns the message recorded during a call, or ErrNotFound.
	GetMessage(ctx context.Context, callID int64) (*models.Message, error)

	// SetTranscript fills in the transcript of a call's message once. It
	// fails with ErrNotFound when the call has no message and with
	// ErrStaleTransition when a transcript is already set.
	SetTranscript(ctx context.Context, callID int64, transcript string) error

	// DeletePatientCalls removes every call and message of a patient.
	DeletePatientCalls(ctx context.Context, patientID int64) (int, error)

	// PatientIDs lists every patient that owns at least one call.
	PatientIDs(ctx context.Context) ([]int64, error)

	Close() error
}

// PatientSource reads patient snapshots.
type PatientSource interface {
	// GetPatient returns the patient snapshot, or ErrNotFound.
	GetPatient(ctx context.Context, id int64) (*models.Patient, error)

	// GetPatientByPhone returns the lowest-id patient with the given phone
	// number, or ErrNotFound.
	GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error)
}

// Store combines call storage with the patient reader backed by the same database.
type Store interface {
	CallStore
	PatientSource
}

// Opts holds configuration options for the persistent stores.
type Opts struct {
	DSN    string
	Driver string
}

// Option defines a configuration option for the persistent stores.
type Option func(*Opts)

// WithSQLiteDSN selects SQLite with the given database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "sqlite3"
	}
}

// WithPostgresDSN selects PostgreSQL with the given connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = "postgres"
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open builds the store selected by opts. Without a DSN it returns an
// in-memory store.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Warn("store.Open: no DSN configured, using in-memory store; calls will not survive restart")
		return NewInMemoryStore(), nil
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DetectDSNType(cfg.DSN)
	}
	switch driver {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(cfg.DSN))
	default:
		return NewSQLiteStore(WithSQLiteDSN(cfg.DSN))
	}
}

func clampRecentLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}

// dbTime normalizes timestamps to UTC whole seconds so that equal instants
// compare equal in every backend.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func dbTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return dbTime(*t)
}

func slotKey(patientID int64, ct models.CallType, at time.Time) string {
	return models.CallKey{PatientID: patientID, CallType: ct, ScheduledTime: dbTime(at)}.String()
}
