package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("MADA_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("MADA_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 5 * time.Second},
		{"10m", 10 * time.Minute},
		{"soon", 5 * time.Second},
		{"-1s", 5 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("MADA_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("MADA_TEST_DURATION", 5*time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 14},
		{"30", 30},
		{" 7 ", 7},
		{"zero", 14},
		{"0", 14},
	}
	for _, tt := range tests {
		t.Setenv("MADA_TEST_INT", tt.value)
		if got := ParseIntEnv("MADA_TEST_INT", 14); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("MADA_TEST_STR", "")
	if got := GetEnvOrDefault("MADA_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	t.Setenv("MADA_TEST_STR", " value ")
	if got := GetEnvOrDefault("MADA_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}
