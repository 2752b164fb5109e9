package schedule

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/aloksinha3/Mada/internal/models"
	"github.com/aloksinha3/Mada/internal/telephony"
)

// MenuSuffix is appended to every script; the IVR gathers the key it names.
const MenuSuffix = "\n\n" + telephony.MenuPrompt

// ScriptData parameterizes the call templates.
type ScriptData struct {
	Name                string
	GestationalAgeWeeks int
	RiskCategory        models.RiskCategory
	RiskFactors         []string
	Medications         []models.Medication
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"meds": func(meds []models.Medication) string {
		parts := make([]string, 0, len(meds))
		for _, m := range meds {
			if d := strings.TrimSpace(m.Dosage); d != "" {
				parts = append(parts, m.Name+" ("+d+")")
			} else {
				parts = append(parts, m.Name)
			}
		}
		switch len(parts) {
		case 0:
			return "your medication"
		case 1:
			return parts[0]
		default:
			return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
		}
	},
}

var templates = map[models.CallType]*template.Template{
	models.CallTypeMedicationReminder: mustParse("medication_reminder",
		`Hello {{.Name}}, this is your SabCare health assistant. Please remember to take your {{meds .Medications}} today.`),
	models.CallTypeWeeklyCheckin: mustParse("weekly_checkin",
		`Hello {{.Name}}, this is your SabCare health assistant with your weekly pregnancy check-in. `+
			`You are now {{.GestationalAgeWeeks}} weeks along. How are you feeling today? `+
			`I'm calling to check in on your health and see if you have any questions or concerns.`),
	models.CallTypeHighRiskMonitoring: mustParse("high_risk_monitoring",
		`Hello {{.Name}}, this is your SabCare health assistant calling for your {{.RiskCategory}}-risk pregnancy monitoring at {{.GestationalAgeWeeks}} weeks. `+
			`{{if .RiskFactors}}Your care team is keeping an eye on {{join .RiskFactors ", "}}. {{end}}`+
			`If you have severe headaches, swelling, bleeding, or reduced baby movement, please contact your clinic right away.`),
	models.CallTypeAppointmentNotification: mustParse("appointment_notification",
		`Hello {{.Name}}, this is your SabCare health assistant. This is a reminder about your upcoming prenatal appointment.`),
	models.CallTypeTestCall: mustParse("test_call",
		`Hello {{.Name}}, this is a test call from SabCare. This is your weekly pregnancy check-in. How are you feeling today?`),
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Funcs(funcs).Parse(text))
}

// NewScriptData builds template data for a patient, optionally narrowed to
// the medications of one reminder.
func NewScriptData(p models.Patient, meds []models.Medication) ScriptData {
	return ScriptData{
		Name:                p.DisplayName(),
		GestationalAgeWeeks: p.GestationalAgeWeeks,
		RiskCategory:        p.RiskCategory,
		RiskFactors:         p.RiskFactors,
		Medications:         meds,
	}
}

// Render produces the deterministic script for ct, menu suffix included.
func Render(ct models.CallType, data ScriptData) (string, error) {
	tmpl, ok := templates[ct]
	if !ok {
		return "", fmt.Errorf("no template for call type %q", ct)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", ct, err)
	}
	return strings.TrimSpace(buf.String()) + MenuSuffix, nil
}

// SpokenScript strips the keypad menu from a stored script. The IVR voices
// the menu itself when it gathers input.
func SpokenScript(text string) string {
	return strings.TrimSpace(strings.TrimSuffix(text, MenuSuffix))
}
