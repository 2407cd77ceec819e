package tier

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

func newTestOrchestrator(t *testing.T, mode Mode) (*Orchestrator, *time.Time) {
	t.Helper()
	o := New(mode, DefaultBaseCooldown, slog.New(slog.DiscardHandler))
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	o.now = func() time.Time { return *clock }
	return o, clock
}

func TestEscalationLadder(t *testing.T) {
	o, _ := newTestOrchestrator(t, ModeAuto)

	if got := o.Current(); got != 1 {
		t.Fatalf("initial tier = %d, want 1", got)
	}

	o.ReportFailure()
	if got := o.Current(); got != 2 {
		t.Errorf("tier after 1 failure = %d, want 2", got)
	}

	o.ReportFailure()
	o.ReportFailure() // third consecutive failure
	if got := o.Current(); got != 2 {
		t.Errorf("tier after 3 failures = %d, want 2", got)
	}

	for i := 0; i < 7; i++ {
		o.ReportFailure()
	}
	if got := o.Current(); got != 3 {
		t.Errorf("tier after 10 failures = %d, want 3", got)
	}
}

func TestCooldownDurations(t *testing.T) {
	o, clock := newTestOrchestrator(t, ModeAuto)
	start := *clock

	o.ReportFailure()
	// Base cooldown: still degraded just before 30 s, reset just after.
	*clock = start.Add(29 * time.Second)
	if got := o.Current(); got != 2 {
		t.Errorf("tier at 29s = %d, want 2", got)
	}
	*clock = start.Add(31 * time.Second)
	if got := o.Current(); got != 1 {
		t.Errorf("tier at 31s = %d, want 1", got)
	}
}

func TestCooldownExpiryResetsCounter(t *testing.T) {
	o, clock := newTestOrchestrator(t, ModeAuto)

	o.ReportFailure()
	o.ReportFailure()
	*clock = clock.Add(time.Minute)
	if got := o.Current(); got != 1 {
		t.Fatalf("tier after cooldown = %d, want 1", got)
	}

	// The optimistic reset clears the failure count: the next failure
	// starts the ladder from the bottom again.
	o.ReportFailure()
	st := o.Status()
	if st["consecutive_failures"] != 1 {
		t.Errorf("consecutive_failures = %v, want 1", st["consecutive_failures"])
	}
}

func TestSuccessResets(t *testing.T) {
	o, _ := newTestOrchestrator(t, ModeAuto)

	for i := 0; i < 12; i++ {
		o.ReportFailure()
	}
	if got := o.Current(); got != 3 {
		t.Fatalf("tier = %d, want 3", got)
	}

	o.ReportSuccess()
	if got := o.Current(); got != 1 {
		t.Errorf("tier after success = %d, want 1", got)
	}
	st := o.Status()
	if st["consecutive_failures"] != 0 {
		t.Errorf("consecutive_failures = %v, want 0", st["consecutive_failures"])
	}
}

func TestForcedModes(t *testing.T) {
	for _, tc := range []struct {
		mode Mode
		want int
	}{
		{ModeForceT1, 1},
		{ModeForceT2, 2},
		{ModeForceT3, 3},
	} {
		o, _ := newTestOrchestrator(t, tc.mode)
		// Failures must not move a forced tier.
		o.ReportFailure()
		o.ReportFailure()
		o.ReportFailure()
		if got := o.Current(); got != tc.want {
			t.Errorf("mode %s: tier = %d, want %d", tc.mode, got, tc.want)
		}
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("Force-T2"); err != nil || m != ModeForceT2 {
		t.Errorf("ParseMode(Force-T2) = %v, %v", m, err)
	}
	if m, err := ParseMode(""); err != nil || m != ModeAuto {
		t.Errorf("ParseMode(empty) = %v, %v", m, err)
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Error("ParseMode(turbo) should fail")
	}
}

func TestWithFallbackChain(t *testing.T) {
	o, _ := newTestOrchestrator(t, ModeAuto)
	ctx := context.Background()

	// Healthy tier 1.
	v, usedTier, err := WithFallback(ctx, o,
		func(context.Context) (string, error) { return "llm", nil },
		func(context.Context) (string, error) { return "heuristic", nil },
		func(context.Context) string { return "default" },
	)
	if err != nil || v != "llm" || usedTier != 1 {
		t.Fatalf("healthy call = %q tier %d err %v", v, usedTier, err)
	}

	// Tier 1 fails, tier 2 answers.
	fail := errors.New("connection refused")
	v, usedTier, err = WithFallback(ctx, o,
		func(context.Context) (string, error) { return "", fail },
		func(context.Context) (string, error) { return "heuristic", nil },
		func(context.Context) string { return "default" },
	)
	if err != nil || v != "heuristic" || usedTier != 2 {
		t.Fatalf("degraded call = %q tier %d err %v", v, usedTier, err)
	}
	if got := o.Current(); got != 2 {
		t.Errorf("tier after failure = %d, want 2", got)
	}

	// While degraded, tier 1 is not attempted at all.
	v, usedTier, err = WithFallback(ctx, o,
		func(context.Context) (string, error) {
			t.Error("tier 1 called while degraded")
			return "", nil
		},
		func(context.Context) (string, error) { return "heuristic", nil },
		func(context.Context) string { return "default" },
	)
	if err != nil || v != "heuristic" || usedTier != 2 {
		t.Fatalf("second degraded call = %q tier %d err %v", v, usedTier, err)
	}

	// Tier 2 fails too: tier 3 always supplies a value.
	v, usedTier, err = WithFallback(ctx, o,
		func(context.Context) (string, error) { return "", fail },
		func(context.Context) (string, error) { return "", errors.New("no pattern") },
		func(context.Context) string { return "default" },
	)
	if err != nil || v != "default" || usedTier != 3 {
		t.Fatalf("double-degraded call = %q tier %d err %v", v, usedTier, err)
	}
}

func TestWithFallbackForcedT1Error(t *testing.T) {
	o, _ := newTestOrchestrator(t, ModeForceT1)
	fail := errors.New("boom")

	_, usedTier, err := WithFallback(context.Background(), o,
		func(context.Context) (string, error) { return "", fail },
		func(context.Context) (string, error) {
			t.Error("tier 2 called in force-t1 mode")
			return "", nil
		},
		func(context.Context) string {
			t.Error("tier 3 called in force-t1 mode")
			return ""
		},
	)
	if !errors.Is(err, fail) || usedTier != 1 {
		t.Fatalf("forced t1 failure: tier %d err %v", usedTier, err)
	}
}

func TestHealthProbeRecovers(t *testing.T) {
	o, _ := newTestOrchestrator(t, ModeAuto)
	o.SetProbe(func(context.Context) error { return nil })
	defer o.Stop()

	o.ReportFailure()
	// The probe ticks at a fixed interval; for the test, drive recovery
	// directly the way the probe goroutine does.
	o.ReportSuccess()
	if got := o.Current(); got != 1 {
		t.Errorf("tier after probe success = %d, want 1", got)
	}
}
