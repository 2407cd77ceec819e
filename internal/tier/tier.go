// Package tier implements degraded-mode orchestration for AI-backed
// operations. Tier 1 is the LLM, tier 2 the deterministic heuristics,
// tier 3 the response cache or a safe default. The orchestrator tracks
// consecutive LLM failures, selects the tier per call, and drives a
// background health probe that re-escalates to tier 1.
package tier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Mode controls tier selection.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeForceT1 Mode = "force-t1"
	ModeForceT2 Mode = "force-t2"
	ModeForceT3 Mode = "force-t3"
)

// ParseMode converts a case-insensitive string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "force-t1":
		return ModeForceT1, nil
	case "force-t2":
		return ModeForceT2, nil
	case "force-t3":
		return ModeForceT3, nil
	default:
		return ModeAuto, fmt.Errorf("unknown tier mode %q", s)
	}
}

// Escalation thresholds and cooldowns.
const (
	DefaultBaseCooldown = 30 * time.Second
	midCooldown         = 5 * time.Minute
	longCooldown        = 15 * time.Minute

	midFailures  = 3  // consecutive failures before the 5 min cooldown
	longFailures = 10 // consecutive failures before dropping to tier 3

	probeInterval = 60 * time.Second
)

// Probe is a lightweight LLM health check. It should be cheap: a
// one-token completion or a models listing.
type Probe func(ctx context.Context) error

// Orchestrator is the process-wide tier controller. All state is guarded
// by a single mutex; tier selection never blocks on I/O.
type Orchestrator struct {
	mu            sync.Mutex
	mode          Mode
	current       int
	consecutive   int
	cooldownUntil time.Time
	lastSuccess   time.Time
	lastFailure   time.Time

	baseCooldown time.Duration
	probe        Probe
	probeCancel  context.CancelFunc
	logger       *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New creates an orchestrator in the given mode. A non-positive
// baseCooldown falls back to DefaultBaseCooldown.
func New(mode Mode, baseCooldown time.Duration, logger *slog.Logger) *Orchestrator {
	if baseCooldown <= 0 {
		baseCooldown = DefaultBaseCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		mode:         mode,
		current:      1,
		baseCooldown: baseCooldown,
		logger:       logger,
		now:          time.Now,
	}
}

// SetProbe registers the health probe run while degraded.
func (o *Orchestrator) SetProbe(p Probe) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.probe = p
}

// Current returns the tier that the next call should use. In auto mode
// an expired cooldown optimistically resets to tier 1. The result is a
// pure function of (now, cooldownUntil, currentTier) — no side channel
// to the t1/t2/t3 implementations.
func (o *Orchestrator) Current() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.mode {
	case ModeForceT1:
		return 1
	case ModeForceT2:
		return 2
	case ModeForceT3:
		return 3
	}

	if !o.cooldownUntil.IsZero() && o.now().After(o.cooldownUntil) {
		o.logger.Info("tier cooldown expired, resetting to tier 1")
		o.resetLocked()
	}
	return o.current
}

// ReportSuccess records a successful tier-1 call: tier resets to 1 and
// the health probe is cancelled.
func (o *Orchestrator) ReportSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastSuccess = o.now()
	if o.current != 1 || o.consecutive != 0 {
		o.logger.Info("llm recovered, resetting to tier 1", "after_failures", o.consecutive)
	}
	o.resetLocked()
}

// ReportFailure records a failed tier-1 call and applies the escalation
// policy. While degraded, the health probe runs every minute.
func (o *Orchestrator) ReportFailure() {
	o.mu.Lock()
	o.consecutive++
	o.lastFailure = o.now()

	switch {
	case o.consecutive >= longFailures:
		o.current = 3
		o.cooldownUntil = o.now().Add(longCooldown)
	case o.consecutive >= midFailures:
		o.current = 2
		o.cooldownUntil = o.now().Add(midCooldown)
	default:
		o.current = 2
		o.cooldownUntil = o.now().Add(o.baseCooldown)
	}

	o.logger.Warn("llm failure recorded",
		"consecutive", o.consecutive,
		"tier", o.current,
		"cooldown_until", o.cooldownUntil.Format(time.RFC3339),
	)

	startProbe := o.probe != nil && o.probeCancel == nil
	var probe Probe
	var ctx context.Context
	if startProbe {
		probe = o.probe
		ctx, o.probeCancel = context.WithCancel(context.Background())
	}
	o.mu.Unlock()

	if startProbe {
		go o.runProbe(ctx, probe)
	}
}

// resetLocked clears degradation state. Caller holds the mutex.
func (o *Orchestrator) resetLocked() {
	o.current = 1
	o.consecutive = 0
	o.cooldownUntil = time.Time{}
	if o.probeCancel != nil {
		o.probeCancel()
		o.probeCancel = nil
	}
}

// Stop cancels any running health probe.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.probeCancel != nil {
		o.probeCancel()
		o.probeCancel = nil
	}
}

func (o *Orchestrator) runProbe(ctx context.Context, probe Probe) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := probe(probeCtx)
			cancel()
			if err != nil {
				o.logger.Debug("health probe failed", "error", err)
				continue
			}
			o.logger.Info("health probe succeeded")
			// ReportSuccess cancels this goroutine's context.
			o.ReportSuccess()
			return
		}
	}
}

// Status returns orchestrator state for /api/ai-status and /api/health.
func (o *Orchestrator) Status() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	cooldownRemaining := 0
	if !o.cooldownUntil.IsZero() {
		if r := o.cooldownUntil.Sub(o.now()); r > 0 {
			cooldownRemaining = int(r / time.Second)
		}
	}

	effective := o.current
	switch o.mode {
	case ModeForceT1:
		effective = 1
	case ModeForceT2:
		effective = 2
	case ModeForceT3:
		effective = 3
	}

	st := map[string]any{
		"mode":                   string(o.mode),
		"tier":                   effective,
		"consecutive_failures":   o.consecutive,
		"cooldown_remaining_sec": cooldownRemaining,
	}
	if !o.lastSuccess.IsZero() {
		st["last_success"] = o.lastSuccess.UTC().Format(time.RFC3339)
	}
	if !o.lastFailure.IsZero() {
		st["last_failure"] = o.lastFailure.UTC().Format(time.RFC3339)
	}
	return st
}

// WithFallback is the call-site contract for AI-backed operations.
// In auto mode: tier 1 is tried when current tier permits; on error the
// deterministic t2 runs; on t2 error the t3 fallback supplies the result
// (t3 must not fail). Tier-1 outcomes are reported to the orchestrator;
// t2/t3 outcomes are not.
//
// The returned int is the tier that produced the value. In forced T1/T2
// modes a failure is returned to the caller instead of falling through.
func WithFallback[T any](ctx context.Context, o *Orchestrator,
	t1 func(context.Context) (T, error),
	t2 func(context.Context) (T, error),
	t3 func(context.Context) T,
) (T, int, error) {
	var zero T

	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()

	switch mode {
	case ModeForceT1:
		v, err := t1(ctx)
		if err != nil {
			o.ReportFailure()
			return zero, 1, err
		}
		o.ReportSuccess()
		return v, 1, nil
	case ModeForceT2:
		v, err := t2(ctx)
		if err != nil {
			return zero, 2, err
		}
		return v, 2, nil
	case ModeForceT3:
		return t3(ctx), 3, nil
	}

	current := o.Current()
	if current <= 1 {
		v, err := t1(ctx)
		if err == nil {
			o.ReportSuccess()
			return v, 1, nil
		}
		o.ReportFailure()
	}

	if current <= 2 {
		v, err := t2(ctx)
		if err == nil {
			return v, 2, nil
		}
	}

	return t3(ctx), 3, nil
}
