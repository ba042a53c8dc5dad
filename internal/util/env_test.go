package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{"unset uses default true", "", true, true},
		{"unset uses default false", "", false, false},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes uppercase", "YES", false, true},
		{"on with spaces", "  on  ", false, true},
		{"false", "false", true, false},
		{"zero", "0", true, false},
		{"off", "off", true, false},
		{"invalid uses default", "maybe", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "ZAPFLOW_TEST_BOOL"
			if tt.value == "" {
				t.Setenv(key, "")
			} else {
				t.Setenv(key, tt.value)
			}
			if got := ParseBoolEnv(key, tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestParseIntEnv(t *testing.T) {
	const key = "ZAPFLOW_TEST_INT"

	t.Setenv(key, "42")
	if got := ParseIntEnv(key, 7); got != 42 {
		t.Errorf("ParseIntEnv = %d, want 42", got)
	}

	t.Setenv(key, "not-a-number")
	if got := ParseIntEnv(key, 7); got != 7 {
		t.Errorf("ParseIntEnv with invalid value = %d, want default 7", got)
	}

	t.Setenv(key, "")
	if got := ParseIntEnv(key, 7); got != 7 {
		t.Errorf("ParseIntEnv with empty value = %d, want default 7", got)
	}
}

func TestGetEnv(t *testing.T) {
	const key = "ZAPFLOW_TEST_STRING"

	t.Setenv(key, "value")
	if got := GetEnv(key, "fallback"); got != "value" {
		t.Errorf("GetEnv = %q, want %q", got, "value")
	}

	t.Setenv(key, "")
	if got := GetEnv(key, "fallback"); got != "fallback" {
		t.Errorf("GetEnv with empty value = %q, want fallback", got)
	}
}
