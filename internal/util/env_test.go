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
		{" OFF ", true, false},
		{"1", false, true},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("HELENA_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("HELENA_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("HELENA_TEST_INT", "42")
	if got := ParseIntEnv("HELENA_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("HELENA_TEST_INT", "forty")
	if got := ParseIntEnv("HELENA_TEST_INT", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("HELENA_TEST_DURATION", "1m30s")
	if got := ParseDurationEnv("HELENA_TEST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	for _, bad := range []string{"soon", "-5s", "0s"} {
		t.Setenv("HELENA_TEST_DURATION", bad)
		if got := ParseDurationEnv("HELENA_TEST_DURATION", time.Second); got != time.Second {
			t.Errorf("%q: expected default, got %v", bad, got)
		}
	}
}

func TestGetEnvAndFirstEnv(t *testing.T) {
	t.Setenv("HELENA_TEST_A", "  ")
	t.Setenv("HELENA_TEST_B", "b")
	if got := GetEnv("HELENA_TEST_A", "def"); got != "def" {
		t.Errorf("blank value should fall back, got %q", got)
	}
	if got := FirstEnv("HELENA_TEST_A", "HELENA_TEST_B"); got != "b" {
		t.Errorf("expected b, got %q", got)
	}
	if got := FirstEnv("HELENA_TEST_MISSING"); got != "" {
		t.Errorf("expected empty, got %q", got)
	}
}
