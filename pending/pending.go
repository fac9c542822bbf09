// Package pending implements the PendingRequestStore capability (spec §6):
// retained plaintext closures that re-execute a request after recovery
// instead of replaying captured ciphertext (I3).
//
// Grounded on relay/internal/services/queue.go's HKDF-derived key idiom,
// adapted here to in-memory closures rather than an on-disk queue: the
// spec requires retained plaintext, not a durable external queue.
package pending

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ecliptix-labs/securecore"
)

// Closure rebuilds and resends a request from retained plaintext. It is
// invoked once per drain and should be idempotent with respect to the
// caller-visible completion callback it wraps.
type Closure func() error

// Store is the PendingRequestStore reference implementation.
type Store struct {
	replayMu sync.Mutex // serializes RetryAll per §5 "replay mutex"

	mu      sync.Mutex
	entries map[string]Closure
	order   []string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]Closure)}
}

// RequestKey derives the stable key PendingRequestStore.Register uses,
// mirroring relay's HKDF-over-structured-fields key derivation pattern
// (here a plain SHA-256 fold, since there is no cross-process secrecy
// requirement for an in-memory key).
func RequestKey(id securecore.ConnectId, service, requestID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%s", id, service, requestID)
	return hex.EncodeToString(h.Sum(nil))
}

// Register stores closure under key, overwriting any previous registration
// for the same key.
func (s *Store) Register(key string, closure Closure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists {
		s.order = append(s.order, key)
	}
	s.entries[key] = closure
}

// Unregister removes a pending closure without invoking it, used when the
// original caller's request completes through another path before
// recovery finishes.
func (s *Store) Unregister(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len reports the number of pending closures awaiting replay.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RetryAll drains every registered closure in registration order, serially,
// under the replay mutex (§5). Errors are collected but do not stop the
// drain; a closure that errors stays drained (it is the replay's
// responsibility to re-register itself if it wants another attempt).
func (s *Store) RetryAll() []error {
	s.replayMu.Lock()
	defer s.replayMu.Unlock()

	s.mu.Lock()
	order := s.order
	entries := s.entries
	s.order = nil
	s.entries = make(map[string]Closure)
	s.mu.Unlock()

	var errs []error
	for _, key := range order {
		closure, ok := entries[key]
		if !ok {
			continue
		}
		if err := closure(); err != nil {
			errs = append(errs, fmt.Errorf("pending: replay %s: %w", key, err))
		}
	}
	return errs
}
