// Package retrystrategy implements the RetryStrategy capability (spec §6):
// bounded retry with the outage controller's jittered exponential backoff,
// plus per-connection exhaustion tracking so the session manager can stop
// hammering a peer that keeps failing.
package retrystrategy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ecliptix-labs/securecore"
)

// Strategy is the RetryStrategy reference implementation.
//
// Grounded on the teacher's math/rand/v2-based jitter in handshake.go's
// padding helper, generalized into the spec's backoff formula (§4.3).
type Strategy struct {
	mu        sync.Mutex
	exhausted map[securecore.ConnectId]struct{}
	healthy   map[securecore.ConnectId]struct{}
}

// New constructs an empty Strategy.
func New() *Strategy {
	return &Strategy{
		exhausted: make(map[securecore.ConnectId]struct{}),
		healthy:   make(map[securecore.ConnectId]struct{}),
	}
}

// Backoff computes the spec §4.3 delay for the given attempt (1-indexed):
// delay_ms = max(min(500·2^min(attempt-1,6), 8000)/2, 0) + random(0, baseMs/2+1)
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 6 {
		exp = 6
	}
	baseMs := 500 * (1 << exp)
	if baseMs > 8000 {
		baseMs = 8000
	}
	half := baseMs / 2
	jitter := rand.IntN(half + 1)
	return time.Duration(half+jitter) * time.Millisecond
}

// Execute retries op up to maxRetries times, honoring ctx cancellation and
// sleeping Backoff(attempt) between attempts. If the connection is marked
// exhausted, Execute fails immediately; ExecuteManual skips that check.
func (s *Strategy) Execute(
	ctx context.Context, id securecore.ConnectId, opName string, maxRetries int,
	op func(ctx context.Context, attempt int) error,
) error {
	return s.execute(ctx, id, opName, maxRetries, false, op)
}

// ExecuteManual bypasses the exhaustion marker, used by force_fresh (§4.1).
func (s *Strategy) ExecuteManual(
	ctx context.Context, id securecore.ConnectId, opName string, maxRetries int,
	op func(ctx context.Context, attempt int) error,
) error {
	return s.execute(ctx, id, opName, maxRetries, true, op)
}

func (s *Strategy) execute(
	ctx context.Context, id securecore.ConnectId, opName string, maxRetries int,
	manual bool,
	op func(ctx context.Context, attempt int) error,
) error {
	if !manual && s.isExhausted(id) {
		return fmt.Errorf("retrystrategy: %s exhausted for connection %s", opName, id)
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx, attempt)
		if lastErr == nil {
			s.MarkConnectionHealthy(id)
			return nil
		}

		if attempt == maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt)):
		}
	}

	if !manual {
		s.markExhausted(id)
	}
	return fmt.Errorf("retrystrategy: %s exhausted after %d attempts: %w", opName, maxRetries, lastErr)
}

func (s *Strategy) markExhausted(id securecore.ConnectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted[id] = struct{}{}
}

func (s *Strategy) isExhausted(id securecore.ConnectId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exhausted[id]
	return ok
}

// HasExhaustedOperations reports whether any connection has been marked
// exhausted.
func (s *Strategy) HasExhaustedOperations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exhausted) > 0
}

// ClearExhaustedOperations clears every exhaustion marker, used by
// force_fresh (§4.1) before attempting a manual recovery.
func (s *Strategy) ClearExhaustedOperations() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exhausted = make(map[securecore.ConnectId]struct{})
}

// ResetConnectionState clears the exhaustion marker for a single connection.
func (s *Strategy) ResetConnectionState(id securecore.ConnectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exhausted, id)
}

// MarkConnectionHealthy records that id completed an operation
// successfully, implicitly clearing its exhaustion marker.
func (s *Strategy) MarkConnectionHealthy(id securecore.ConnectId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.exhausted, id)
	s.healthy[id] = struct{}{}
}
