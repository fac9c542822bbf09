// Package outage implements the Outage & Recovery Controller (spec §4.3):
// process-wide outage state, a bounded recovery loop dispatched by
// NetworkFailure recovery class, and the exhaustion/force-fresh handshake.
//
// The teacher has no process-wide outage concept — its Transport assumes a
// single always-on connection — so this package is new code. Its shape
// (atomic CAS state, a one-shot signal completed under a lock, background
// work tracked and cancelled via composed contexts) follows the
// cancellation/lifecycle idiom of the teacher's dialer.handshake (deferred
// recover + slog on failure) and Server.Serve (accept loop + per-connection
// goroutine + panic recovery).
package outage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/eventbus"
	"github.com/ecliptix-labs/securecore/retrystrategy"
)

const (
	throttleWindow = 10 * time.Second
	// forceFreshManualRetries bounds the manual/exhaustion-bypass restore
	// step of ForceFresh (§4.1 step 2), distinct from the normal retry
	// budgets manager.Manager uses for Establish/Restore.
	forceFreshManualRetries = 5
)

// Hooks are the channel operations the controller drives during recovery.
// They are owned by the caller (the manager) so this package never depends
// on manager/storage/protocol directly.
type Hooks struct {
	Restore         func(ctx context.Context, id securecore.ConnectId) error
	Initiate        func(ctx context.Context, id securecore.ConnectId) error
	Establish       func(ctx context.Context, id securecore.ConnectId) error
	DisposeChannel  func(id securecore.ConnectId)
	DeletePersisted func(id securecore.ConnectId) error
	PersistChannel  func(id securecore.ConnectId) error
	DrainPending    func()
}

// signal is the one-shot "recovered" completion the outage lock guards.
type signal struct {
	done chan struct{}
	once sync.Once
}

func newSignal() *signal { return &signal{done: make(chan struct{})} }

func (s *signal) complete() { s.once.Do(func() { close(s.done) }) }

func (s *signal) wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller is the Outage & Recovery Controller reference implementation.
type Controller struct {
	active atomic.Bool

	outageMu  sync.Mutex // guards recovered + its creation/completion
	recovered *signal

	cancelMu     sync.Mutex // guards the active recovery cancellation source
	cancelActive context.CancelFunc

	inFlightMu sync.Mutex
	inFlight   map[int64]context.CancelFunc
	nextToken  int64

	throttleMu   sync.Mutex
	lastThrottle map[securecore.ConnectId]time.Time

	targetedMu     sync.Mutex // guards per-connection targeted-recovery cancellation
	targetedCancel map[securecore.ConnectId]context.CancelFunc

	bus      *eventbus.Bus
	strategy *retrystrategy.Strategy
	hooks    Hooks
}

// Option configures New, matching the functional-options pattern used
// throughout this module.
type Option func(*Controller) error

// New constructs a Controller in OutageClear.
func New(bus *eventbus.Bus, strategy *retrystrategy.Strategy, hooks Hooks, opts ...Option) (*Controller, error) {
	c := &Controller{
		bus:            bus,
		strategy:       strategy,
		hooks:          hooks,
		inFlight:       make(map[int64]context.CancelFunc),
		lastThrottle:   make(map[securecore.ConnectId]time.Time),
		targetedCancel: make(map[securecore.ConnectId]context.CancelFunc),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsActive reports whether the controller is currently in OutageActive.
func (c *Controller) IsActive() bool { return c.active.Load() }

// TrackInFlight registers cancel as belonging to one in-flight user
// request, returning a token to pass to UntrackInFlight on completion.
func (c *Controller) TrackInFlight(cancel context.CancelFunc) int64 {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	c.nextToken++
	token := c.nextToken
	c.inFlight[token] = cancel
	return token
}

// UntrackInFlight removes a request tracked by TrackInFlight.
func (c *Controller) UntrackInFlight(token int64) {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	delete(c.inFlight, token)
}

func (c *Controller) cancelAllInFlight() {
	c.inFlightMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inFlight))
	for _, cancel := range c.inFlight {
		cancels = append(cancels, cancel)
	}
	c.inFlight = make(map[int64]context.CancelFunc)
	c.inFlightMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// WaitRecovered blocks until the controller exits outage or ctx is done. It
// returns immediately if the controller is not currently in outage.
func (c *Controller) WaitRecovered(ctx context.Context) error {
	if !c.active.Load() {
		return nil
	}
	c.outageMu.Lock()
	sig := c.recovered
	c.outageMu.Unlock()
	if sig == nil {
		return nil
	}
	return sig.wait(ctx)
}

// EnterOutage transitions OutageClear -> OutageActive if this caller is
// first, cancels the active recovery and all in-flight user requests, and
// launches the unconditional recovery loop. Reserved for FailureServerShutdown
// (spec §2): it gates every user-initiated request and cancels in-flight work,
// so crypto/protocol desyncs use SpawnTargetedRecovery instead, which repairs
// a single connection in the background without disturbing the rest of the
// service. Calls after the first EnterOutage are no-ops (CAS fails).
func (c *Controller) EnterOutage(failure error, id securecore.ConnectId) {
	if !c.active.CompareAndSwap(false, true) {
		return
	}

	c.outageMu.Lock()
	c.recovered = newSignal()
	c.outageMu.Unlock()

	c.bus.PublishSystemState(eventbus.Recovering)
	c.bus.PublishNetwork(eventbus.ConnectionRecovering)

	c.cancelMu.Lock()
	if c.cancelActive != nil {
		c.cancelActive()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelActive = cancel
	c.cancelMu.Unlock()

	c.cancelAllInFlight()

	go c.recoveryLoop(ctx, failure, id)
}

// ExitOutage transitions OutageActive -> OutageClear, completing the
// one-shot recovered signal and publishing restored events. No-op if the
// controller is not currently active.
func (c *Controller) ExitOutage() {
	if !c.active.CompareAndSwap(true, false) {
		return
	}

	c.outageMu.Lock()
	if c.recovered != nil {
		c.recovered.complete()
	}
	c.outageMu.Unlock()

	c.bus.PublishSystemState(eventbus.Running)
	c.bus.PublishNetwork(eventbus.ConnectionRestored)
}

// recoveryLoop drives the process-wide outage exit path. It is only ever
// launched by EnterOutage, which is only ever called for FailureServerShutdown
// (§2), so it does not consult securecore.RecoveryClass (which has no entry
// for that class) and instead retries advancedRecovery unconditionally until
// it succeeds, the connection's retries are exhausted, or a newer EnterOutage
// supersedes this loop via ctx.
func (c *Controller) recoveryLoop(ctx context.Context, failure error, id securecore.ConnectId) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.strategy.HasExhaustedOperations() {
			c.bus.PublishNetwork(eventbus.RetriesExhausted)
			slog.Warn("outage: retries exhausted, outage remains active pending force_fresh",
				slog.String("connect_id", id.String()), slog.Any("cause", failure))
			return
		}

		if err := c.advancedRecovery(ctx, id); err == nil {
			c.strategy.MarkConnectionHealthy(id)
			c.hooks.DrainPending()
			c.ExitOutage()
			return
		} else {
			slog.Warn("outage: recovery attempt failed",
				slog.String("connect_id", id.String()),
				slog.Int("attempt", attempt), slog.Any("err", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retrystrategy.Backoff(attempt)):
		}
	}
}

// SpawnTargetedRecovery repairs a single connection in the background for
// failure classes that do not warrant process-wide outage (crypto desync,
// chain rotation mismatch, protocol state mismatch — spec §2 scenario 4). It
// never touches active, never cancels in-flight requests, and never publishes
// Recovering/ConnectionRecovering: the connection stays otherwise usable
// while repair runs. The throttle is checked before any goroutine is
// launched, so a throttled call is a pure no-op with nothing left to unwind.
func (c *Controller) SpawnTargetedRecovery(failure error, id securecore.ConnectId) {
	kind, throttled, ok := securecore.RecoveryClass(failure)
	if !ok {
		slog.Warn("outage: failure has no recovery class, skipping targeted recovery",
			slog.Any("err", failure))
		return
	}
	if throttled && !c.allowThrottled(id) {
		slog.Debug("outage: targeted recovery throttled", slog.String("connect_id", id.String()))
		return
	}

	c.targetedMu.Lock()
	if cancel, running := c.targetedCancel[id]; running {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.targetedCancel[id] = cancel
	c.targetedMu.Unlock()

	go c.runTargetedRecovery(ctx, kind, id)
}

func (c *Controller) runTargetedRecovery(ctx context.Context, kind securecore.FailureKind, id securecore.ConnectId) {
	defer func() {
		c.targetedMu.Lock()
		delete(c.targetedCancel, id)
		c.targetedMu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if c.strategy.HasExhaustedOperations() {
			c.bus.PublishNetwork(eventbus.RetriesExhausted)
			slog.Warn("outage: targeted recovery retries exhausted",
				slog.String("connect_id", id.String()), slog.String("class", kind.String()))
			return
		}

		if err := c.attemptRecovery(ctx, kind, id); err == nil {
			c.strategy.MarkConnectionHealthy(id)
			c.hooks.DrainPending()
			return
		} else {
			slog.Warn("outage: targeted recovery attempt failed",
				slog.String("connect_id", id.String()),
				slog.Int("attempt", attempt), slog.Any("err", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retrystrategy.Backoff(attempt)):
		}
	}
}

func (c *Controller) allowThrottled(id securecore.ConnectId) bool {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()

	now := time.Now()
	if last, ok := c.lastThrottle[id]; ok && now.Sub(last) < throttleWindow {
		return false
	}
	c.lastThrottle[id] = now
	return true
}

func (c *Controller) attemptRecovery(ctx context.Context, kind securecore.FailureKind, id securecore.ConnectId) error {
	switch kind {
	case securecore.FailureCryptoDesync:
		return c.advancedRecovery(ctx, id)
	case securecore.FailureChainRotationMismatch:
		return c.protocolReset(ctx, id, "protocol_resync")
	case securecore.FailureProtocolStateMismatch:
		return c.protocolReset(ctx, id, "fresh_protocol_establishment")
	default:
		return fmt.Errorf("outage: no recovery class for %s", kind)
	}
}

// advancedRecovery implements the advanced_recovery class: drop the cached
// channel, load persisted state, try restore.
func (c *Controller) advancedRecovery(ctx context.Context, id securecore.ConnectId) error {
	c.hooks.DisposeChannel(id)
	if err := c.hooks.Restore(ctx, id); err != nil {
		return fmt.Errorf("advanced recovery: restore: %w", err)
	}
	c.persistBestEffort(id, "advanced_recovery")
	return nil
}

// protocolReset implements both protocol_resync and
// fresh_protocol_establishment: dispose, delete persisted state, initiate
// fresh, establish, persist. logLabel only affects the log message.
func (c *Controller) protocolReset(ctx context.Context, id securecore.ConnectId, logLabel string) error {
	c.hooks.DisposeChannel(id)
	if err := c.hooks.DeletePersisted(id); err != nil {
		slog.Warn("outage: delete persisted state failed",
			slog.String("connect_id", id.String()), slog.Any("err", err))
	}
	if err := c.hooks.Initiate(ctx, id); err != nil {
		return fmt.Errorf("%s: initiate: %w", logLabel, err)
	}
	if err := c.hooks.Establish(ctx, id); err != nil {
		return fmt.Errorf("%s: establish: %w", logLabel, err)
	}
	c.persistBestEffort(id, logLabel)
	slog.Info("outage: channel reset complete",
		slog.String("connect_id", id.String()), slog.String("class", logLabel))
	return nil
}

func (c *Controller) persistBestEffort(id securecore.ConnectId, label string) {
	if err := c.hooks.PersistChannel(id); err != nil {
		slog.Warn("outage: persist failed",
			slog.String("connect_id", id.String()), slog.String("during", label),
			slog.Any("err", err))
	}
}

// ForceFresh implements the caller-triggered force_fresh sequence (§4.1,
// §4.3): clear exhaustion markers, attempt an immediate restore bypassing
// the retry strategy entirely, then a restore wrapped in the retry
// strategy's manual/exhaustion-bypass mode, and only then fall back to a
// fresh protocol establishment. It also clears a wedged OutageActive state
// (ExitOutage is a no-op if outage was never entered), which is the only
// exposed way out of the terminal "retries exhausted" state recoveryLoop
// leaves behind.
func (c *Controller) ForceFresh(ctx context.Context, id securecore.ConnectId) error {
	c.strategy.ClearExhaustedOperations()

	if err := c.hooks.Restore(ctx, id); err == nil {
		c.persistBestEffort(id, "force_fresh")
		c.hooks.DrainPending()
		c.ExitOutage()
		return nil
	}

	manualErr := c.strategy.ExecuteManual(ctx, id, "force_fresh_restore", forceFreshManualRetries,
		func(ctx context.Context, attempt int) error {
			return c.hooks.Restore(ctx, id)
		})
	if manualErr == nil {
		c.persistBestEffort(id, "force_fresh")
		c.hooks.DrainPending()
		c.ExitOutage()
		return nil
	}
	slog.Warn("outage: force_fresh manual restore exhausted, establishing fresh",
		slog.String("connect_id", id.String()), slog.Any("err", manualErr))

	if err := c.protocolReset(ctx, id, "force_fresh"); err != nil {
		return fmt.Errorf("force_fresh: %w", err)
	}
	c.hooks.DrainPending()
	c.ExitOutage()
	return nil
}

// OnDhRatchetPerformed re-persists channel state after a local DH ratchet
// step. Writes are best-effort: failures are logged but never invalidate
// the ratchet advance that already happened.
func (c *Controller) OnDhRatchetPerformed(id securecore.ConnectId, isSending bool, newIndex uint64) {
	if err := c.hooks.PersistChannel(id); err != nil {
		slog.Warn("outage: persist after dh ratchet failed",
			slog.String("connect_id", id.String()), slog.Bool("is_sending", isSending),
			slog.Uint64("new_index", newIndex), slog.Any("err", err))
	}
}

// OnChainSynchronized re-persists channel state after a symmetric-chain
// advance. Same best-effort semantics as OnDhRatchetPerformed.
func (c *Controller) OnChainSynchronized(id securecore.ConnectId, localLen, remoteLen uint64) {
	if err := c.hooks.PersistChannel(id); err != nil {
		slog.Warn("outage: persist after chain sync failed",
			slog.String("connect_id", id.String()), slog.Uint64("local_len", localLen),
			slog.Uint64("remote_len", remoteLen), slog.Any("err", err))
	}
}
