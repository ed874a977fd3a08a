package keys

import (
	"errors"
	"testing"
)

func TestSweepKeyRoundTrip(t *testing.T) {
	key := SweepKeyPath("profiles")
	if key != "/reconcile/v1/sweeps/profiles" {
		t.Fatalf("SweepKeyPath = %q", key)
	}
	name, err := ParseSweepKey(key)
	if err != nil {
		t.Fatalf("ParseSweepKey: %v", err)
	}
	if name != "profiles" {
		t.Errorf("name = %q", name)
	}
}

func TestParseSweepKeyInvalid(t *testing.T) {
	for _, key := range []string{
		"",
		"/reconcile/v1/sweeps/",
		"/reconcile/v1/sweeps/a/b",
		"/reconcile/v1/reports/scan/latest",
		"/other/v1/sweeps/profiles",
	} {
		if _, err := ParseSweepKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ParseSweepKey(%q) err = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"profiles", true},
		{"nightly-2", true},
		{"", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateName(%q) = %v, want valid=%v", tt.name, err, tt.valid)
		}
	}
}

func TestLatestReportKeyPath(t *testing.T) {
	if got := LatestReportKeyPath("cascade"); got != "/reconcile/v1/reports/cascade/latest" {
		t.Errorf("LatestReportKeyPath = %q", got)
	}
}
