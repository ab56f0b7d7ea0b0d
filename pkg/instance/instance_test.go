package instance

import "testing"

func TestGetIDPrefersExplicitID(t *testing.T) {
	t.Setenv("OXYGEN_INSTANCE_ID", "mint-1")
	t.Setenv("DYNO", "web.1")
	if got := GetID(); got != "mint-1" {
		t.Fatalf("expected mint-1, got %q", got)
	}
}

func TestGetIDFallsBackToDyno(t *testing.T) {
	t.Setenv("OXYGEN_INSTANCE_ID", "")
	t.Setenv("DYNO", "web.1")
	if got := GetID(); got != "web.1" {
		t.Fatalf("expected web.1, got %q", got)
	}
}
