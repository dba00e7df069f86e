package scheduler

import (
	"testing"
	"time"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw   string
		every time.Duration
		cron  string
	}{
		{raw: "*/5 * * * *", cron: "*/5 * * * *"},
		{raw: "@daily", cron: "@daily"},
		{raw: "0 0 3 * * *", cron: "0 0 3 * * *"},
		{raw: "1m", every: time.Minute},
		{raw: "every:45s", every: 45 * time.Second},
		{raw: "EVERY:2m", every: 2 * time.Minute},
		{raw: "@every 1m30s", every: 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseSpec(tt.raw)
		if err != nil {
			t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
		}
		if got.Every != tt.every || got.Cron != tt.cron {
			t.Fatalf("ParseSpec(%q) = %+v, want every=%v cron=%q", tt.raw, got, tt.every, tt.cron)
		}
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "  ", "not-a-schedule", "0s", "-1m", "every:", "every:soon"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q) err = nil, want error", raw)
		}
	}
}

func TestSpecString(t *testing.T) {
	t.Parallel()
	if got := (Spec{Every: time.Minute}).String(); got != "@every 1m0s" {
		t.Fatalf("String() = %q, want @every 1m0s", got)
	}
	if got := (Spec{Cron: "@daily"}).String(); got != "@daily" {
		t.Fatalf("String() = %q, want @daily", got)
	}
}

func TestJitteredEveryFirstRun(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := newJitteredEvery(10*time.Second, start, "fleet.heartbeat")
	if jitter < 0 || jitter >= 10*time.Second {
		t.Fatalf("jitter = %v, want [0, 10s)", jitter)
	}
	first := sched.Next(start)
	if want := start.Add(10*time.Second + jitter); !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	// cron.Every truncates to whole seconds
	if d := sched.Next(first).Sub(first); d <= 9*time.Second || d > 10*time.Second {
		t.Fatalf("second run after %v, want about 10s", d)
	}
}
