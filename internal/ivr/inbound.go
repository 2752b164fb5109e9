package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/schedule"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// InboundCall answers a patient calling in. A known caller hears the script
// of their next scheduled call, or a personal greeting when none is
// scheduled. Inbound calls never touch call state and always end the call.
func (m *Machine) InboundCall(ctx context.Context, from string) (telephony.Directive, error) {
	greeting := telephony.Directive{Kind: telephony.DirectiveGoodbye, Script: telephony.InboundGreeting}
	from = strings.TrimSpace(from)
	if m.patients == nil || from == "" {
		return greeting, nil
	}
	patient, err := m.patients.GetPatientByPhone(ctx, from)
	if errors.Is(err, models.ErrNotFound) {
		slog.Info("ivr: inbound call from unknown number", "event", EventInboundCall)
		return greeting, nil
	}
	if err != nil {
		return greeting, err
	}

	next, err := m.calls.NextScheduled(ctx, patient.ID, m.clock.Now())
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return greeting, err
	}
	if next == nil {
		slog.Info("ivr: inbound call with nothing scheduled", "patientID", patient.ID)
		greeting.Script = fmt.Sprintf("Hello %s, this is your SabCare health assistant. Thank you for your call.", patient.Name)
		return greeting, nil
	}
	slog.Info("ivr: inbound call answered with next reminder", "patientID", patient.ID, "callID", next.ID)
	greeting.Script = schedule.SpokenScript(next.MessageText)
	return greeting, nil
}
