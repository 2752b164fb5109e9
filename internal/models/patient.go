package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RiskCategory is the clinical risk tier of a pregnancy.
type RiskCategory string

const (
	RiskLow    RiskCategory = "low"
	RiskMedium RiskCategory = "medium"
	RiskHigh   RiskCategory = "high"
)

// IsValidRiskCategory reports whether rc is a known risk tier.
func IsValidRiskCategory(rc RiskCategory) bool {
	return rc == RiskLow || rc == RiskMedium || rc == RiskHigh
}

// Gestational age bounds, in weeks.
const (
	MinGestationalAgeWeeks = 1
	MaxGestationalAgeWeeks = 42
)

// Patient is a read-only snapshot of an expectant mother, owned by the
// patient-management collaborator.
type Patient struct {
	ID                  int64        `json:"id"`
	Name                string       `json:"name"`
	Phone               string       `json:"phone"`
	GestationalAgeWeeks int          `json:"gestational_age_weeks"`
	RiskCategory        RiskCategory `json:"risk_category"`
	Medications         []Medication `json:"medications"`
	RiskFactors         []string     `json:"risk_factors"`
}

// Validate checks the fields the schedule generator depends on.
func (p *Patient) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("%w: id must be positive", ErrInvalidPatient)
	}
	if strings.TrimSpace(p.Phone) == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidPatient)
	}
	if p.GestationalAgeWeeks < MinGestationalAgeWeeks || p.GestationalAgeWeeks > MaxGestationalAgeWeeks {
		return fmt.Errorf("%w: gestational_age_weeks %d outside %d-%d", ErrInvalidPatient,
			p.GestationalAgeWeeks, MinGestationalAgeWeeks, MaxGestationalAgeWeeks)
	}
	if !IsValidRiskCategory(p.RiskCategory) {
		return fmt.Errorf("%w: unknown risk_category %q", ErrInvalidPatient, p.RiskCategory)
	}
	return nil
}

// DisplayName returns the patient's name or a neutral fallback.
func (p *Patient) DisplayName() string {
	if name := strings.TrimSpace(p.Name); name != "" {
		return name
	}
	return "there"
}

// Weekday tokens in the order of time.Weekday.
var weekdayTokens = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// WeekdayToken returns the three-letter token for d.
func WeekdayToken(d time.Weekday) string {
	return weekdayTokens[d]
}

// ParseWeekday accepts a full or three-letter weekday name in any case.
func ParseWeekday(s string) (time.Weekday, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 {
		return 0, false
	}
	for i, tok := range weekdayTokens {
		full := strings.ToLower(time.Weekday(i).String())
		if s == strings.ToLower(tok) || s == full || (strings.HasPrefix(full, s) && len(s) >= 3) {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

var timeOfDayRegex = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseTimeOfDay parses a 24-hour HH:MM string into hour and minute.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	m := timeOfDayRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// Medication is a structured medication entry.
type Medication struct {
	Name      string   `json:"name"`
	Dosage    string   `json:"dosage"`
	Frequency []string `json:"frequency"`
	Time      string   `json:"time"`
	// LegacyFrequency keeps a scalar frequency from the old format that could
	// not be mapped to weekdays.
	LegacyFrequency string `json:"legacy_frequency,omitempty"`
}

// Weekdays returns the distinct weekdays selected in Frequency, in week order.
// Unrecognized tokens are ignored.
func (m Medication) Weekdays() []time.Weekday {
	var seen [7]bool
	for _, tok := range m.Frequency {
		if d, ok := ParseWeekday(tok); ok {
			seen[d] = true
		}
	}
	var days []time.Weekday
	for i, ok := range seen {
		if ok {
			days = append(days, time.Weekday(i))
		}
	}
	return days
}

// Schedulable reports whether the medication can produce reminders. Entries
// with no name, no selected weekday, or an empty or malformed time cannot.
func (m Medication) Schedulable() error {
	if strings.TrimSpace(m.Name) == "" {
		return errors.New("medication name is empty")
	}
	if len(m.Weekdays()) == 0 {
		return errors.New("no weekday selected")
	}
	if strings.TrimSpace(m.Time) == "" {
		return errors.New("no time of day set")
	}
	if _, _, err := ParseTimeOfDay(m.Time); err != nil {
		return err
	}
	return nil
}

// legacyMedication accepts every shape a medication entry was ever stored in.
type legacyMedication struct {
	Name      string          `json:"name"`
	Dosage    string          `json:"dosage"`
	Frequency json.RawMessage `json:"frequency"`
	Time      string          `json:"time"`
	TimeOfDay string          `json:"time_of_day"`
	Legacy    string          `json:"legacy_frequency"`
}

// UnmarshalJSON upgrades legacy entries transparently on read.
func (m *Medication) UnmarshalJSON(data []byte) error {
	upgraded, err := UpgradeMedication(data)
	if err != nil {
		return err
	}
	*m = upgraded
	return nil
}

// UpgradeMedication converts any stored medication shape into the structured
// form. A bare JSON string is taken as the name. A scalar frequency is mapped
// to weekdays when possible and otherwise kept verbatim in LegacyFrequency.
// The stored bytes are never modified.
func UpgradeMedication(raw json.RawMessage) (Medication, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Medication{}, nil
	}

	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return Medication{}, fmt.Errorf("decode legacy medication name: %w", err)
		}
		return Medication{Name: strings.TrimSpace(name), Frequency: []string{}}, nil
	}

	var lm legacyMedication
	if err := json.Unmarshal(raw, &lm); err != nil {
		return Medication{}, fmt.Errorf("decode medication: %w", err)
	}

	m := Medication{
		Name:            strings.TrimSpace(lm.Name),
		Dosage:          lm.Dosage,
		Time:            strings.TrimSpace(lm.Time),
		LegacyFrequency: lm.Legacy,
		Frequency:       []string{},
	}
	if m.Time == "" {
		m.Time = strings.TrimSpace(lm.TimeOfDay)
	}

	freq := bytes.TrimSpace(lm.Frequency)
	switch {
	case len(freq) == 0 || bytes.Equal(freq, []byte("null")):
	case freq[0] == '[':
		var days []string
		if err := json.Unmarshal(freq, &days); err != nil {
			return Medication{}, fmt.Errorf("decode medication frequency: %w", err)
		}
		m.Frequency = normalizeWeekdays(days)
	case freq[0] == '"':
		var scalar string
		if err := json.Unmarshal(freq, &scalar); err != nil {
			return Medication{}, fmt.Errorf("decode legacy medication frequency: %w", err)
		}
		if days, ok := parseLegacyFrequency(scalar); ok {
			m.Frequency = days
		} else if strings.TrimSpace(scalar) != "" {
			m.LegacyFrequency = scalar
		}
	default:
		// Anything else (numbers, objects) is unrecognized; keep it.
		m.LegacyFrequency = string(freq)
	}
	return m, nil
}

// DecodeMedications decodes a stored medications column. Each element is
// upgraded independently.
func DecodeMedications(raw []byte) ([]Medication, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []Medication{}, nil
	}
	if raw[0] != '[' {
		// A single legacy entry stored without the enclosing list.
		m, err := UpgradeMedication(raw)
		if err != nil {
			return nil, err
		}
		return []Medication{m}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode medications: %w", err)
	}
	meds := make([]Medication, 0, len(items))
	for i, item := range items {
		m, err := UpgradeMedication(item)
		if err != nil {
			return nil, fmt.Errorf("medication %d: %w", i, err)
		}
		meds = append(meds, m)
	}
	return meds, nil
}

func normalizeWeekdays(tokens []string) []string {
	var seen [7]bool
	out := []string{}
	for _, tok := range tokens {
		d, ok := ParseWeekday(tok)
		if !ok {
			continue
		}
		seen[d] = true
	}
	for i, ok := range seen {
		if ok {
			out = append(out, weekdayTokens[i])
		}
	}
	return out
}

func parseLegacyFrequency(s string) ([]string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return nil, false
	case "daily", "every day", "everyday", "once daily", "once a day":
		return append([]string(nil), weekdayTokens[:]...), true
	case "weekdays":
		return []string{"Mon", "Tue", "Wed", "Thu", "Fri"}, true
	case "weekends":
		return []string{"Sun", "Sat"}, true
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '/' || r == ';' || r == '|'
	})
	var days []string
	for _, f := range fields {
		if f == "and" {
			continue
		}
		if _, ok := ParseWeekday(f); !ok {
			return nil, false
		}
		days = append(days, f)
	}
	if len(days) == 0 {
		return nil, false
	}
	return normalizeWeekdays(days), true
}
