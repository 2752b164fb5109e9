package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aloksinha3/Mada/internal/models"
)

// callColumns selects a call joined with its optional message. Keep in sync with scanCall.
const callColumns = `c.id, c.patient_id, c.call_type, c.status, c.message_text, c.scheduled_time,
	c.completed_at, c.provider_call_handle, c.attempt_ref, c.claimed_at, c.failure_reason,
	c.retry_of, c.created_at, c.updated_at,
	m.id, m.audio_ref, m.transcript, m.created_at`

const callFrom = ` FROM calls c LEFT JOIN messages m ON m.call_id = c.id`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isStale(err error) bool {
	return errors.Is(err, models.ErrStaleTransition)
}

// scanCall scans a call row selected with callColumns.
func scanCall(row rowScanner) (models.Call, error) {
	var c models.Call
	var handle, attemptRef, failure sql.NullString
	var completedAt, claimedAt sql.NullTime
	var retryOf sql.NullInt64
	var msgID, audioRef, transcript sql.NullString
	var msgCreated sql.NullTime
	err := row.Scan(
		&c.ID, &c.PatientID, &c.CallType, &c.Status, &c.MessageText, &c.ScheduledTime,
		&completedAt, &handle, &attemptRef, &claimedAt, &failure,
		&retryOf, &c.CreatedAt, &c.UpdatedAt,
		&msgID, &audioRef, &transcript, &msgCreated,
	)
	if err != nil {
		return c, err
	}
	c.ScheduledTime = c.ScheduledTime.UTC()
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.ProviderCallHandle = handle.String
	c.AttemptRef = attemptRef.String
	c.FailureReason = failure.String
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		c.CompletedAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		c.ClaimedAt = &t
	}
	if retryOf.Valid {
		id := retryOf.Int64
		c.RetryOf = &id
	}
	if msgID.Valid {
		c.RecordedMessage = &models.Message{
			ID:         msgID.String,
			CallID:     c.ID,
			PatientID:  c.PatientID,
			AudioRef:   audioRef.String,
			Transcript: transcript.String,
			CreatedAt:  msgCreated.Time.UTC(),
		}
	}
	return c, nil
}

func scanCalls(rows *sql.Rows) ([]models.Call, error) {
	defer rows.Close()
	var calls []models.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call failed: %w", err)
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate calls failed: %w", err)
	}
	return calls, nil
}

// scanPatient scans a patients row. Medications are upgraded from legacy
// shapes on read; risk factors may be a JSON array or a comma-separated list.
func scanPatient(row rowScanner) (*models.Patient, error) {
	var p models.Patient
	var name, meds, risks sql.NullString
	var risk string
	if err := row.Scan(&p.ID, &name, &p.Phone, &p.GestationalAgeWeeks, &risk, &meds, &risks); err != nil {
		return nil, err
	}
	p.Name = name.String
	p.RiskCategory = models.RiskCategory(strings.ToLower(strings.TrimSpace(risk)))
	decoded, err := models.DecodeMedications([]byte(meds.String))
	if err != nil {
		return nil, fmt.Errorf("patient %d medications: %w", p.ID, err)
	}
	p.Medications = decoded
	p.RiskFactors = parseRiskFactors(risks.String)
	return &p, nil
}

func parseRiskFactors(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	var list []string
	if strings.HasPrefix(raw, "[") && json.Unmarshal([]byte(raw), &list) == nil {
		return list
	}
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
