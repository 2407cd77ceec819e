// Package faults is the error envelope for Argus: kinded errors for
// upstream and store failures, deadline-bounded calls, retry with
// backoff, catch-and-fallback wrappers, and the append-only dead-letter
// log. Every outbound RPC and every store write goes through this
// package so that failure classification happens in exactly one place.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"
)

// ErrTimeout reports that a deadline-bounded call expired before the
// upstream responded.
var ErrTimeout = errors.New("timeout")

// UpstreamError is a structured HTTP failure from the LLM or embedding
// provider.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Status)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the status class permits a retry:
// server-class errors and rate limiting, never other client errors.
func (e *UpstreamError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// StoreError wraps a document-store failure with the operation and
// collection it occurred on.
type StoreError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable classifies an error as transient. Retryable errors are:
// deadline expiry, upstream 5xx/429, and transport-level failures that
// occur before or during connection establishment (connection refused,
// host unreachable, DNS failure, hung-up sockets).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
			syscall.ECONNRESET, syscall.EPIPE:
			return true
		}
	}

	// A server that hangs up mid-response surfaces as an unexpected EOF.
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// WithDeadline runs fn under a context deadline of d. A deadline expiry
// is reported as ErrTimeout so callers and the tier orchestrator can
// classify it without inspecting context internals.
func WithDeadline[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)) {
		var zero T
		return zero, fmt.Errorf("%w after %s: %v", ErrTimeout, d, err)
	}
	return v, err
}

// Attempt deadlines and backoff for Retry. The total budget is bounded:
// 30 s + 500 ms + 15 s.
var (
	retryDeadlines = []time.Duration{30 * time.Second, 15 * time.Second}
	retryBaseDelay = 500 * time.Millisecond
)

// Retry invokes fn up to two times (one retry). The first attempt runs
// under a 30 s deadline, the retry under 15 s. The retry is taken only
// when the first failure is Retryable; the delay between attempts grows
// exponentially from 500 ms.
func Retry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var (
		v    T
		err  error
		wait = retryBaseDelay
	)

	for attempt, d := range retryDeadlines {
		v, err = WithDeadline(ctx, d, fn)
		if err == nil {
			return v, nil
		}
		if attempt == len(retryDeadlines)-1 || !Retryable(err) {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
		wait *= 2
	}

	var zero T
	return zero, err
}

// Guard is the catch-and-fallback wrapper shared by the store adapter and
// the pipeline. It is constructed once at startup and passed by reference;
// no package-level state.
type Guard struct {
	Logger     *slog.Logger
	DeadLetter *DeadLetter
	// Debug re-raises failures (as a panic) instead of swallowing them.
	// Only for development; production always degrades to the fallback.
	Debug bool
}

// NewGuard creates a Guard. logger must be non-nil; dl may be nil when
// dead-lettering is not wanted.
func NewGuard(logger *slog.Logger, dl *DeadLetter, debug bool) *Guard {
	return &Guard{Logger: logger, DeadLetter: dl, Debug: debug}
}

// SafeCall runs fn; on failure it logs with the operation context and
// returns fallback.
func SafeCall[T any](g *Guard, op string, fn func() (T, error), fallback T) T {
	v, err := fn()
	if err == nil {
		return v
	}
	if g.Debug {
		panic(fmt.Sprintf("safecall %s: %v", op, err))
	}
	g.Logger.Warn("operation failed, using fallback", "op", op, "error", err)
	return fallback
}

// SafeCallDL is SafeCall with dead-lettering: on failure the payload is
// appended to the dead-letter log before the fallback is returned.
func SafeCallDL[T any](g *Guard, op string, payload any, fn func() (T, error), fallback T) T {
	v, err := fn()
	if err == nil {
		return v
	}
	if g.Debug {
		panic(fmt.Sprintf("safecall %s: %v", op, err))
	}
	g.Logger.Warn("operation failed, dead-lettering", "op", op, "error", err)
	if dlErr := g.DeadLetter.Append(op, payload, err); dlErr != nil {
		g.Logger.Error("dead-letter append failed", "op", op, "error", dlErr)
	}
	return fallback
}
