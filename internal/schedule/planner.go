// Package schedule derives the planned calls for a patient and reconciles
// them with the call store.
package schedule

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aloksinha3/Mada/internal/models"
)

// Defaults for Policy.
const (
	DefaultHorizon        = 14 * 24 * time.Hour
	DefaultCheckinWeekday = time.Monday
	DefaultCheckinHour    = 10
	DefaultCheckinMinute  = 0
	// MonitoringOffsetDays places high_risk_monitoring between two check-ins.
	MonitoringOffsetDays = 3
)

// Policy controls the planning window and the fixed check-in cadence.
// Whole days of Horizon are calendar days in Location, so a window that
// crosses a DST change still ends at the same wall-clock time.
type Policy struct {
	Horizon        time.Duration
	Location       *time.Location
	CheckinWeekday time.Weekday
	CheckinHour    int
	CheckinMinute  int
}

// DefaultPolicy returns the standard planning policy in UTC.
func DefaultPolicy() Policy {
	return Policy{
		Horizon:        DefaultHorizon,
		Location:       time.UTC,
		CheckinWeekday: DefaultCheckinWeekday,
		CheckinHour:    DefaultCheckinHour,
		CheckinMinute:  DefaultCheckinMinute,
	}
}

func (o Policy) normalized() Policy {
	if o.Horizon <= 0 {
		o.Horizon = DefaultHorizon
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// Plan returns the calls patient p should have in the window (now, now+horizon],
// sorted by scheduled time then call type. It performs no I/O and returns the
// same plan for the same inputs. Message text is rendered from the
// deterministic templates.
func Plan(p models.Patient, now time.Time, policy Policy) ([]models.Call, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	policy = policy.normalized()
	start := now.In(policy.Location)
	end := windowEnd(start, policy.Horizon)

	type reminderSlot struct {
		at   time.Time
		meds []models.Medication
	}
	reminders := make(map[int64]*reminderSlot)

	var calls []models.Call
	add := func(ct models.CallType, at time.Time, meds []models.Medication) error {
		text, err := Render(ct, NewScriptData(p, meds))
		if err != nil {
			return err
		}
		calls = append(calls, models.Call{
			PatientID:     p.ID,
			CallType:      ct,
			Status:        models.CallStatusScheduled,
			MessageText:   text,
			ScheduledTime: at.UTC(),
		})
		return nil
	}
	inWindow := func(at time.Time) bool { return at.After(start) && !at.After(end) }

	schedulable := make([]models.Medication, 0, len(p.Medications))
	for _, m := range p.Medications {
		if err := m.Schedulable(); err != nil {
			slog.Debug("schedule.Plan: skipping medication", "patientID", p.ID, "medication", m.Name, "reason", err)
			continue
		}
		schedulable = append(schedulable, m)
	}

	y, mo, d := start.Date()
	for day := time.Date(y, mo, d, 0, 0, 0, 0, policy.Location); !day.After(end); day = day.AddDate(0, 0, 1) {
		dy, dm, dd := day.Date()
		wd := day.Weekday()

		if wd == policy.CheckinWeekday {
			at := time.Date(dy, dm, dd, policy.CheckinHour, policy.CheckinMinute, 0, 0, policy.Location)
			if inWindow(at) {
				if err := add(models.CallTypeWeeklyCheckin, at, nil); err != nil {
					return nil, err
				}
			}
		}

		if wd == (policy.CheckinWeekday+MonitoringOffsetDays)%7 {
			at := time.Date(dy, dm, dd, policy.CheckinHour, policy.CheckinMinute, 0, 0, policy.Location)
			if inWindow(at) && monitoringWeek(p.RiskCategory, at) {
				if err := add(models.CallTypeHighRiskMonitoring, at, nil); err != nil {
					return nil, err
				}
			}
		}

		for _, m := range schedulable {
			if !takesOn(m, wd) {
				continue
			}
			h, mi, _ := models.ParseTimeOfDay(m.Time)
			at := time.Date(dy, dm, dd, h, mi, 0, 0, policy.Location)
			if !inWindow(at) {
				continue
			}
			key := at.Unix()
			if slot, ok := reminders[key]; ok {
				slot.meds = append(slot.meds, m)
				continue
			}
			reminders[key] = &reminderSlot{at: at, meds: []models.Medication{m}}
		}
	}

	for _, slot := range reminders {
		if err := add(models.CallTypeMedicationReminder, slot.at, slot.meds); err != nil {
			return nil, err
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		if !calls[i].ScheduledTime.Equal(calls[j].ScheduledTime) {
			return calls[i].ScheduledTime.Before(calls[j].ScheduledTime)
		}
		return calls[i].CallType < calls[j].CallType
	})
	slog.Debug("schedule.Plan", "patientID", p.ID, "calls", len(calls), "from", start, "to", end)
	return calls, nil
}

// windowEnd adds horizon to start, counting whole days on the calendar of
// start's location and any remainder as elapsed time.
func windowEnd(start time.Time, horizon time.Duration) time.Time {
	const day = 24 * time.Hour
	days := int(horizon / day)
	return start.AddDate(0, 0, days).Add(horizon % day)
}

// monitoringWeek reports whether the risk tier gets a monitoring call in the week of at.
func monitoringWeek(risk models.RiskCategory, at time.Time) bool {
	switch risk {
	case models.RiskHigh:
		return true
	case models.RiskMedium:
		_, week := at.ISOWeek()
		return week%2 == 0
	default:
		return false
	}
}

func takesOn(m models.Medication, wd time.Weekday) bool {
	for _, d := range m.Weekdays() {
		if d == wd {
			return true
		}
	}
	return false
}

// PlanCall renders a single operator-requested call outside the generated plan.
func PlanCall(p models.Patient, ct models.CallType, at time.Time) (models.Call, error) {
	if !models.IsValidCallType(ct) {
		return models.Call{}, fmt.Errorf("unknown call type %q", ct)
	}
	text, err := Render(ct, NewScriptData(p, p.Medications))
	if err != nil {
		return models.Call{}, err
	}
	return models.Call{
		PatientID:     p.ID,
		CallType:      ct,
		Status:        models.CallStatusScheduled,
		MessageText:   text,
		ScheduledTime: at.UTC(),
	}, nil
}
