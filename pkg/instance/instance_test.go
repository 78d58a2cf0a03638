package instance

import "testing"

func TestGetIDPrefersEnv(t *testing.T) {
	t.Setenv(EnvInstanceID, "scheduler-7")
	if got := GetID(); got != "scheduler-7" {
		t.Fatalf("expected env override, got %q", got)
	}
}

func TestGetIDFallsBack(t *testing.T) {
	t.Setenv(EnvInstanceID, "")
	if GetID() == "" {
		t.Fatalf("expected non-empty instance id")
	}
}
