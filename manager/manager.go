// Package manager implements the Session Manager (spec §4.1): the
// ConnectId -> Channel map, establish/restore/clear/health-query/force-reset
// operations, and Connection Health Observer integration.
//
// Grounded on the teacher's session.go (HandshakeTracker's map+RWMutex
// shape, persistence helpers) and resume.go (SessionResumer's
// challenge/response resumption), generalized from a single *Transport to
// the ConnectId-keyed map the spec requires. The per-ConnectId restore gate
// (§5 "channel gate") follows HandshakeTracker's map-with-mutex shape.
package manager

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/protocol"
	"github.com/ecliptix-labs/securecore/retrystrategy"
	"github.com/ecliptix-labs/securecore/rpc"
	"github.com/ecliptix-labs/securecore/storage"
)

const (
	establishMaxRetries = 15
	restoreMaxRetries   = 10
)

// RpcTransport is the subset of rpc.Transport the manager drives directly
// (outside the request pipeline), kept as an interface so tests can supply
// a stand-in.
type RpcTransport interface {
	Establish(ctx context.Context, reqID string, payload []byte) (rpc.RpcFlow, error)
	Restore(ctx context.Context, reqID string, payload []byte) (rpc.RpcFlow, error)
}

// SystemFactory builds a fresh ProtocolSystem for a newly initiated
// channel. Defaults to protocol.NewRatchetSystem.
type SystemFactory func() protocol.System

// restoreResponse is the gob-encoded payload RestoreSecrecyChannel answers
// with: whether the peer resumed the session, and its view of the
// send/receive counters for SyncWithRemote.
type restoreResponse struct {
	Resumed bool
	SendLen uint64
	RecvLen uint64
}

// ChannelState is the persisted snapshot (spec §3): identity/ratchet state
// plus the ConnectId and AppInstanceId needed to reconstruct a Channel.
// Encoded with gob for the same reason as protocol.Frame (see
// SPEC_FULL.md's dropped-protobuf note).
type ChannelState struct {
	ConnectId   securecore.ConnectId
	AppInstance securecore.AppInstanceId
	Protocol    *protocol.State
}

// Manager is the Session Manager reference implementation.
type Manager struct {
	mu       sync.RWMutex
	channels map[securecore.ConnectId]*securecore.Channel

	restoreGateMu sync.Mutex
	restoreGates  map[securecore.ConnectId]*sync.Mutex

	store     *storage.BoltSecureStorage
	transport RpcTransport
	retry     *retrystrategy.Strategy
	newSystem SystemFactory

	onHealthDegraded func(id securecore.ConnectId, status securecore.HealthStatus)
}

// Option configures New.
type Option func(*Manager) error

// WithSystemFactory overrides the default ratchet-backed ProtocolSystem
// constructor, mainly for tests.
func WithSystemFactory(f SystemFactory) Option {
	return func(m *Manager) error {
		m.newSystem = f
		return nil
	}
}

// WithHealthDegradedHook registers a callback invoked whenever a tracked
// channel's observed health becomes Unhealthy or Failed, letting the
// caller wire outage.Controller recovery (cmd/securecored uses
// SpawnTargetedRecovery) without this package importing outage.
func WithHealthDegradedHook(fn func(id securecore.ConnectId, status securecore.HealthStatus)) Option {
	return func(m *Manager) error {
		m.onHealthDegraded = fn
		return nil
	}
}

// New constructs an empty Manager.
func New(store *storage.BoltSecureStorage, transport RpcTransport, retry *retrystrategy.Strategy, opts ...Option) (*Manager, error) {
	m := &Manager{
		channels:     make(map[securecore.ConnectId]*securecore.Channel),
		restoreGates: make(map[securecore.ConnectId]*sync.Mutex),
		store:        store,
		transport:    transport,
		retry:        retry,
		newSystem:    protocol.NewRatchetSystem,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Initiate creates a fresh ProtocolSystem and registers it under id with
// health Healthy. It is idempotent: if id is already registered, the first
// registration wins and this call is a no-op.
func (m *Manager) Initiate(app securecore.AppInstanceId, id securecore.ConnectId) *securecore.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, exists := m.channels[id]; exists {
		return ch
	}
	ch := securecore.NewChannel(id, app, m.newSystem())
	m.channels[id] = ch
	return ch
}

// Channel returns the registered channel for id, if any.
func (m *Manager) Channel(id securecore.ConnectId) (*securecore.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// Clear removes and disposes the channel registered under id.
func (m *Manager) Clear(id securecore.ConnectId) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()
	if ok {
		ch.Dispose()
	}
}

// IsHealthy reports whether id's channel is present and observed Healthy.
func (m *Manager) IsHealthy(id securecore.ConnectId) bool {
	ch, ok := m.Channel(id)
	return ok && ch.IsHealthy()
}

// ObserveHealth updates a tracked channel's health from an external
// Connection Health Observer update, invoking the degraded-health hook
// (if any) when the new status is Unhealthy or Failed.
func (m *Manager) ObserveHealth(id securecore.ConnectId, status securecore.HealthStatus) {
	ch, ok := m.Channel(id)
	if !ok {
		return
	}
	ch.SetHealth(status)
	if status == securecore.HealthUnhealthy || status == securecore.HealthFailed {
		if m.onHealthDegraded != nil {
			m.onHealthDegraded(id, status)
		}
	}
}

// Establish drives a peer key exchange for an already-initiated channel:
// begin -> send handshake RPC (retried by RetryStrategy) -> complete. On
// success the channel transitions to Established/Healthy and its state is
// persisted.
func (m *Manager) Establish(ctx context.Context, id securecore.ConnectId) (*ChannelState, error) {
	ch, ok := m.Channel(id)
	if !ok {
		return nil, fmt.Errorf("manager: establish: channel %s not initiated", id)
	}

	sessionID := id.String()
	initPayload, err := ch.System().BeginHandshake(sessionID)
	if err != nil {
		return nil, securecore.ProtocolStateMismatch("begin handshake", err)
	}

	var responsePayload []byte
	retryErr := m.retry.Execute(ctx, id, "establish", establishMaxRetries,
		func(ctx context.Context, attempt int) error {
			flow, ierr := m.transport.Establish(ctx, requestID(id, "establish", attempt), initPayload)
			if ierr != nil {
				return securecore.TransportFailure("establish rpc", ierr)
			}
			payload, ierr := awaitSingleCall(flow)
			if ierr != nil {
				return ierr
			}
			responsePayload = payload
			return nil
		})
	if retryErr != nil {
		return nil, retryErr
	}

	if _, err := ch.System().CompleteHandshake(sessionID, responsePayload); err != nil {
		return nil, securecore.ProtocolStateMismatch("complete handshake", err)
	}

	ch.SetPhase(securecore.PhaseEstablished)
	ch.SetHealth(securecore.HealthHealthy)

	return m.persistChannel(id, ch)
}

// Restore reconstructs a ProtocolSystem from persisted state and attempts
// RestoreSecrecyChannel against the peer. It returns (true, nil) on a
// successful resume, or (false, nil) for any other server outcome so the
// caller may fall back to Establish.
func (m *Manager) Restore(ctx context.Context, id securecore.ConnectId) (bool, error) {
	raw, err := m.store.Load(id.String())
	if err != nil {
		return false, fmt.Errorf("manager: restore: loading persisted state: %w", err)
	}
	var state ChannelState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&state); err != nil {
		return false, fmt.Errorf("manager: restore: decoding persisted state: %w", err)
	}

	system, err := protocol.FromState(state.Protocol)
	if err != nil {
		return false, securecore.ProtocolStateMismatch("restore from state", err)
	}
	ch := securecore.NewChannel(id, state.AppInstance, system)

	var resumed bool
	retryErr := m.retry.Execute(ctx, id, "restore", restoreMaxRetries,
		func(ctx context.Context, attempt int) error {
			flow, ierr := m.transport.Restore(ctx, requestID(id, "restore", attempt), raw)
			if ierr != nil {
				return securecore.TransportFailure("restore rpc", ierr)
			}
			payload, ierr := awaitSingleCall(flow)
			if ierr != nil {
				return ierr
			}
			var resp restoreResponse
			if ierr = gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp); ierr != nil {
				return securecore.ProtocolStateMismatch("decoding restore response", ierr)
			}
			resumed = resp.Resumed
			if resumed {
				if ierr = system.SyncWithRemote(resp.SendLen, resp.RecvLen); ierr != nil {
					return securecore.ChainRotationMismatch("sync after restore", ierr)
				}
			}
			return nil
		})
	if retryErr != nil {
		return false, retryErr
	}
	if !resumed {
		return false, nil
	}

	ch.SetPhase(securecore.PhaseHealthy)
	ch.SetHealth(securecore.HealthHealthy)

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()

	return true, nil
}

// TryRestore runs Restore under the per-ConnectId channel gate (§5),
// preventing a thundering herd of concurrent restore attempts for the same
// connection.
func (m *Manager) TryRestore(ctx context.Context, id securecore.ConnectId) (bool, error) {
	gate := m.restoreGate(id)
	gate.Lock()
	defer gate.Unlock()
	return m.Restore(ctx, id)
}

func (m *Manager) restoreGate(id securecore.ConnectId) *sync.Mutex {
	m.restoreGateMu.Lock()
	defer m.restoreGateMu.Unlock()
	gate, ok := m.restoreGates[id]
	if !ok {
		gate = &sync.Mutex{}
		m.restoreGates[id] = gate
	}
	return gate
}

// DisposeChannel removes and wipes the channel registered under id,
// without touching persisted storage. Exposed for outage.Hooks wiring.
func (m *Manager) DisposeChannel(id securecore.ConnectId) {
	m.Clear(id)
}

// DeletePersisted removes id's persisted ChannelState and timestamp,
// exposed for outage.Hooks wiring.
func (m *Manager) DeletePersisted(id securecore.ConnectId) error {
	if err := m.store.Delete(id.String()); err != nil {
		return err
	}
	return m.store.Delete(storage.TimestampKey(id.String()))
}

// PersistChannel re-serializes and saves id's current channel state,
// exposed for outage.Hooks' ratchet-persistence callbacks (§4.3).
func (m *Manager) PersistChannel(id securecore.ConnectId) error {
	ch, ok := m.Channel(id)
	if !ok {
		return fmt.Errorf("manager: persist: channel %s not registered", id)
	}
	_, err := m.persistChannel(id, ch)
	return err
}

func (m *Manager) persistChannel(id securecore.ConnectId, ch *securecore.Channel) (*ChannelState, error) {
	protoState, err := ch.System().ToState()
	if err != nil {
		return nil, fmt.Errorf("manager: snapshotting protocol state: %w", err)
	}
	state := &ChannelState{ConnectId: id, AppInstance: ch.AppInstance(), Protocol: protoState}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return nil, fmt.Errorf("manager: encoding channel state: %w", err)
	}
	if err := m.store.Save(id.String(), buf.Bytes()); err != nil {
		slog.Warn("manager: persisting channel state failed (I5 write is best-effort)",
			slog.String("connect_id", id.String()), slog.Any("err", err))
		return state, nil
	}

	timestampKey := storage.TimestampKey(id.String())
	if err := m.store.Store(timestampKey, storage.EncodeTimestamp(time.Now())); err != nil {
		slog.Warn("manager: persisting channel timestamp failed (I5 write is best-effort)",
			slog.String("connect_id", id.String()), slog.Any("err", err))
	}
	return state, nil
}

func requestID(id securecore.ConnectId, op string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", id, op, attempt)
}

func awaitSingleCall(flow rpc.RpcFlow) ([]byte, error) {
	call, ok := flow.(rpc.SingleCall)
	if !ok {
		return nil, securecore.ProtocolStateMismatch("unexpected rpc flow for handshake", nil)
	}
	result, ok := <-call.Result
	if !ok {
		return nil, securecore.ServerShutdown("handshake rpc closed without a response", nil)
	}
	if result.Err != nil {
		return nil, securecore.ServerShutdown("handshake rpc failed", result.Err)
	}
	return result.Ciphertext, nil
}
