package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aloksinha3/Mada/internal/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
	// isUniqueViolation reports whether err is a unique constraint failure.
	isUniqueViolation func(err error) bool
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlStore implements Store over database/sql. SQLiteStore and PostgresStore
// embed it with their dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("store: rollback failed", "dialect", s.d.name, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (s *sqlStore) insertCall(ctx context.Context, q querier, call models.Call, now time.Time) (models.Call, error) {
	call.Status = models.CallStatusScheduled
	call.ScheduledTime = dbTime(call.ScheduledTime)
	call.CreatedAt = now
	call.UpdatedAt = now
	call.CompletedAt = nil
	call.ClaimedAt = nil
	call.ProviderCallHandle = ""
	call.AttemptRef = ""
	call.RecordedMessage = nil

	var retryOf interface{}
	if call.RetryOf != nil {
		retryOf = *call.RetryOf
	}
	err := q.QueryRowContext(ctx, s.rebind(
		`INSERT INTO calls (patient_id, call_type, status, message_text, scheduled_time, failure_reason, retry_of, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		call.PatientID, string(call.CallType), string(call.Status), call.MessageText, call.ScheduledTime,
		nilIfEmpty(call.FailureReason), retryOf, now, now,
	).Scan(&call.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return models.Call{}, fmt.Errorf("insert %s: %w", call.Key(), models.ErrDuplicateKey)
		}
		return models.Call{}, fmt.Errorf("insert call failed: %w", err)
	}
	return call, nil
}

func (s *sqlStore) Insert(ctx context.Context, call models.Call) (models.Call, error) {
	inserted, err := s.insertCall(ctx, s.db, call, dbTime(time.Now()))
	if err != nil {
		return models.Call{}, err
	}
	slog.Debug("store.Insert", "dialect", s.d.name, "callID", inserted.ID, "key", inserted.Key())
	return inserted, nil
}

func (s *sqlStore) getCall(ctx context.Context, q querier, id int64) (*models.Call, error) {
	c, err := scanCall(q.QueryRowContext(ctx, s.rebind(`SELECT `+callColumns+callFrom+` WHERE c.id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("call %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get call %d failed: %w", id, err)
	}
	return &c, nil
}

func (s *sqlStore) Get(ctx context.Context, id int64) (*models.Call, error) {
	return s.getCall(ctx, s.db, id)
}

func (s *sqlStore) GetByHandle(ctx context.Context, handle string) (*models.Call, error) {
	if handle == "" {
		return nil, fmt.Errorf("empty handle: %w", models.ErrNotFound)
	}
	c, err := scanCall(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+callColumns+callFrom+` WHERE c.provider_call_handle = ? OR c.attempt_ref = ? ORDER BY c.id DESC LIMIT 1`),
		handle, handle))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("handle %q: %w", handle, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get call by handle failed: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) CompareAndTransition(ctx context.Context, tr models.Transition) (*models.Call, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	now := dbTime(time.Now())
	var out *models.Call
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE calls SET status = ?,
				provider_call_handle = COALESCE(?, provider_call_handle),
				attempt_ref = COALESCE(?, attempt_ref),
				claimed_at = COALESCE(?, claimed_at),
				completed_at = COALESCE(?, completed_at),
				failure_reason = COALESCE(?, failure_reason),
				updated_at = ?
			 WHERE id = ? AND status = ?`),
			string(tr.To), nilIfEmpty(tr.ProviderCallHandle), nilIfEmpty(tr.AttemptRef),
			dbTimePtr(tr.ClaimedAt), dbTimePtr(tr.CompletedAt), nilIfEmpty(tr.FailureReason),
			now, tr.CallID, string(tr.From),
		)
		if err != nil {
			return fmt.Errorf("transition call %d failed: %w", tr.CallID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition call %d rows affected: %w", tr.CallID, err)
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM calls WHERE id = ?`), tr.CallID).Scan(&status)
			if err == sql.ErrNoRows {
				return fmt.Errorf("call %d: %w", tr.CallID, models.ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("read call %d status failed: %w", tr.CallID, err)
			}
			return fmt.Errorf("call %d is %s, expected %s: %w", tr.CallID, status, tr.From, models.ErrStaleTransition)
		}
		if m := tr.Message; m != nil {
			_, err := tx.ExecContext(ctx, s.rebind(
				`INSERT INTO messages (id, call_id, patient_id, audio_ref, transcript, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
				m.ID, m.CallID, m.PatientID, m.AudioRef, nilIfEmpty(m.Transcript), dbTime(m.CreatedAt),
			)
			if err != nil {
				if s.d.isUniqueViolation(err) {
					return fmt.Errorf("call %d already has a message: %w", tr.CallID, models.ErrStaleTransition)
				}
				return fmt.Errorf("insert message for call %d failed: %w", tr.CallID, err)
			}
		}
		out, err = s.getCall(ctx, tx, tr.CallID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("store.CompareAndTransition", "dialect", s.d.name, "callID", tr.CallID, "from", tr.From, "to", tr.To)
	return out, nil
}

func (s *sqlStore) AttachHandle(ctx context.Context, callID int64, attemptRef, handle string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE calls SET provider_call_handle = ?, updated_at = ?
		 WHERE id = ? AND attempt_ref = ? AND provider_call_handle = ?`),
		handle, dbTime(time.Now()), callID, attemptRef, attemptRef,
	)
	if err != nil {
		return fmt.Errorf("attach handle to call %d failed: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attach handle rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("attach handle to call %d: %w", callID, models.ErrStaleTransition)
	}
	return nil
}

func (s *sqlStore) ListDue(ctx context.Context, now time.Time, status models.CallStatus, limit int) ([]models.Call, error) {
	query := `SELECT ` + callColumns + callFrom + ` WHERE c.status = ? AND c.scheduled_time <= ? ORDER BY c.scheduled_time ASC, c.id ASC`
	args := []interface{}{string(status), dbTime(now)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list due calls query failed: %w", err)
	}
	return scanCalls(rows)
}

func (s *sqlStore) ListInFlight(ctx context.Context, claimedBefore time.Time) ([]models.Call, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+callColumns+callFrom+`
		 WHERE c.status IN ('executing', 'awaiting_input', 'recording')
		   AND COALESCE(c.claimed_at, c.scheduled_time) <= ?
		 ORDER BY COALESCE(c.claimed_at, c.scheduled_time) ASC, c.id ASC`),
		dbTime(claimedBefore))
	if err != nil {
		return nil, fmt.Errorf("list in-flight calls query failed: %w", err)
	}
	return scanCalls(rows)
}

func (s *sqlStore) ListRecent(ctx context.Context, patientID *int64, limit int) ([]models.Call, error) {
	query := `SELECT ` + callColumns + callFrom
	var args []interface{}
	if patientID != nil {
		query += ` WHERE c.patient_id = ?`
		args = append(args, *patientID)
	}
	query += ` ORDER BY c.scheduled_time DESC, c.id DESC LIMIT ?`
	args = append(args, clampRecentLimit(limit))
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list recent calls query failed: %w", err)
	}
	return scanCalls(rows)
}

func (s *sqlStore) NextScheduled(ctx context.Context, patientID int64, now time.Time) (*models.Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+callColumns+callFrom+` WHERE c.patient_id = ? AND c.status = ? AND c.scheduled_time > ? ORDER BY c.scheduled_time ASC, c.id ASC LIMIT 1`),
		patientID, string(models.CallStatusScheduled), dbTime(now)))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("next call of patient %d: %w", patientID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("next scheduled call query failed: %w", err)
	}
	return &c, nil
}

type slotRow struct {
	id       int64
	callType models.CallType
	status   models.CallStatus
	at       time.Time
	retry    bool
}

func (s *sqlStore) SyncScheduled(ctx context.Context, patientID int64, from time.Time, planned []models.Call) (SyncResult, error) {
	var res SyncResult
	now := dbTime(time.Now())
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.rebind(
			`SELECT id, call_type, status, scheduled_time, retry_of FROM calls WHERE patient_id = ? AND scheduled_time >= ?`),
			patientID, dbTime(from))
		if err != nil {
			return fmt.Errorf("load patient slots failed: %w", err)
		}
		existing := make(map[string][]slotRow)
		for rows.Next() {
			var r slotRow
			var retryOf sql.NullInt64
			if err := rows.Scan(&r.id, &r.callType, &r.status, &r.at, &retryOf); err != nil {
				rows.Close()
				return fmt.Errorf("scan slot failed: %w", err)
			}
			r.retry = retryOf.Valid
			key := slotKey(patientID, r.callType, r.at)
			existing[key] = append(existing[key], r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate slots failed: %w", err)
		}

		plannedKeys := make(map[string]bool, len(planned))
		for _, p := range planned {
			p.PatientID = patientID
			key := slotKey(patientID, p.CallType, p.ScheduledTime)
			if plannedKeys[key] {
				continue
			}
			plannedKeys[key] = true

			var scheduledID int64
			held := false
			for _, r := range existing[key] {
				if r.status == models.CallStatusScheduled {
					scheduledID = r.id
				} else {
					held = true
				}
			}
			switch {
			case scheduledID != 0:
				if _, err := tx.ExecContext(ctx, s.rebind(
					`UPDATE calls SET message_text = ?, updated_at = ? WHERE id = ? AND status = 'scheduled'`),
					p.MessageText, now, scheduledID); err != nil {
					return fmt.Errorf("refresh call %d failed: %w", scheduledID, err)
				}
				c, err := s.getCall(ctx, tx, scheduledID)
				if err != nil {
					return err
				}
				res.Refreshed = append(res.Refreshed, *c)
			case held:
				res.Skipped++
			default:
				c, err := s.insertCall(ctx, tx, p, now)
				if err != nil {
					return err
				}
				res.Created = append(res.Created, c)
			}
		}

		for key, slots := range existing {
			if plannedKeys[key] {
				continue
			}
			for _, r := range slots {
				if r.status != models.CallStatusScheduled || !r.callType.IsGenerated() || r.retry {
					continue
				}
				if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM calls WHERE id = ? AND status = 'scheduled'`), r.id); err != nil {
					return fmt.Errorf("remove call %d failed: %w", r.id, err)
				}
				res.Removed++
			}
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	slog.Debug("store.SyncScheduled", "dialect", s.d.name, "patientID", patientID,
		"created", len(res.Created), "refreshed", len(res.Refreshed), "removed", res.Removed, "skipped", res.Skipped)
	return res, nil
}

func (s *sqlStore) Cancel(ctx context.Context, id int64) (*models.Call, error) {
	return cancelCall(ctx, s, id)
}

func (s *sqlStore) GetMessage(ctx context.Context, callID int64) (*models.Message, error) {
	var m models.Message
	var transcript sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, call_id, patient_id, audio_ref, transcript, created_at FROM messages WHERE call_id = ?`), callID,
	).Scan(&m.ID, &m.CallID, &m.PatientID, &m.AudioRef, &transcript, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message for call %d: %w", callID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message for call %d failed: %w", callID, err)
	}
	m.Transcript = transcript.String
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func (s *sqlStore) SetTranscript(ctx context.Context, callID int64, transcript string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE messages SET transcript = ? WHERE call_id = ? AND (transcript IS NULL OR transcript = '')`),
		transcript, callID,
	)
	if err != nil {
		return fmt.Errorf("set transcript for call %d failed: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set transcript rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetMessage(ctx, callID); err != nil {
		return err
	}
	return fmt.Errorf("message for call %d already transcribed: %w", callID, models.ErrStaleTransition)
}

func (s *sqlStore) DeletePatientCalls(ctx context.Context, patientID int64) (int, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(
			`DELETE FROM messages WHERE call_id IN (SELECT id FROM calls WHERE patient_id = ?)`), patientID); err != nil {
			return fmt.Errorf("delete patient messages failed: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM calls WHERE patient_id = ?`), patientID)
		if err != nil {
			return fmt.Errorf("delete patient calls failed: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.Info("store: patient calls deleted", "dialect", s.d.name, "patientID", patientID, "count", deleted)
	return int(deleted), nil
}

func (s *sqlStore) PatientIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT patient_id FROM calls ORDER BY patient_id`)
	if err != nil {
		return nil, fmt.Errorf("list patient ids query failed: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) GetPatient(ctx context.Context, id int64) (*models.Patient, error) {
	p, err := scanPatient(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, phone, gestational_age_weeks, risk_category, medications, risk_factors FROM patients WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %d failed: %w", id, err)
	}
	return p, nil
}

func (s *sqlStore) GetPatientByPhone(ctx context.Context, phone string) (*models.Patient, error) {
	p, err := scanPatient(s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, phone, gestational_age_weeks, risk_category, medications, risk_factors FROM patients WHERE phone = ? AND phone <> '' ORDER BY id LIMIT 1`), phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("patient with phone %q: %w", phone, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient by phone failed: %w", err)
	}
	return p, nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "dialect", s.d.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "dialect", s.d.name, "error", err)
	}
	return err
}
