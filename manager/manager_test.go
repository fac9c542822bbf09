package manager_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/manager"
	"github.com/ecliptix-labs/securecore/protocol"
	"github.com/ecliptix-labs/securecore/retrystrategy"
	"github.com/ecliptix-labs/securecore/rpc"
	"github.com/ecliptix-labs/securecore/storage"
)

// fakeTransport stands in for rpc.Transport: Establish/Restore each reply
// once with a pre-seeded payload, exercised against a real protocol.System
// acting as the simulated peer.
type fakeTransport struct {
	establishReply []byte
	restoreReply   []byte
	establishErr   error
	restoreErr     error
}

func singleCallOf(payload []byte) rpc.RpcFlow {
	ch := make(chan rpc.CipherResult, 1)
	ch <- rpc.CipherResult{Ciphertext: payload}
	close(ch)
	return rpc.SingleCall{Result: ch}
}

func (f *fakeTransport) Establish(ctx context.Context, reqID string, payload []byte) (rpc.RpcFlow, error) {
	if f.establishErr != nil {
		return nil, f.establishErr
	}
	return singleCallOf(f.establishReply), nil
}

func (f *fakeTransport) Restore(ctx context.Context, reqID string, payload []byte) (rpc.RpcFlow, error) {
	if f.restoreErr != nil {
		return nil, f.restoreErr
	}
	return singleCallOf(f.restoreReply), nil
}

func openTestStorage(t *testing.T) *storage.BoltSecureStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "securecore.db")
	s, err := storage.Open(storage.WithDBPath(path), storage.WithNoPassphrase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitiateIsIdempotent(t *testing.T) {
	a := require.New(t)
	m, err := manager.New(openTestStorage(t), &fakeTransport{}, retrystrategy.New())
	a.NoError(err)

	id := securecore.DeriveConnectId(securecore.AppInstanceId{1}, securecore.DeviceId{2}, securecore.ExchangeAppDevice)
	app := securecore.AppInstanceId{9}

	first := m.Initiate(app, id)
	second := m.Initiate(securecore.AppInstanceId{99}, id)

	a.Same(first, second)
	a.Equal(app, second.AppInstance())
}

func TestEstablishPersistsAndMarksHealthy(t *testing.T) {
	a := require.New(t)

	store := openTestStorage(t)
	transport := &fakeTransport{}
	m, err := manager.New(store, transport, retrystrategy.New())
	a.NoError(err)

	id := securecore.DeriveConnectId(securecore.AppInstanceId{1}, securecore.DeviceId{2}, securecore.ExchangeAppDevice)
	ch := m.Initiate(securecore.AppInstanceId{1}, id)

	initPayload, err := ch.System().BeginHandshake(id.String())
	a.NoError(err)

	// Simulate the peer's responder side with a second, independent System.
	peer := protocol.NewRatchetSystem()
	respPayload, err := peer.CompleteHandshake(id.String(), initPayload)
	a.NoError(err)
	transport.establishReply = respPayload

	state, err := m.Establish(context.Background(), id)
	a.NoError(err)
	a.NotNil(state)
	a.Equal(securecore.PhaseEstablished, ch.Phase())
	a.Equal(securecore.HealthHealthy, ch.Health())

	raw, err := store.Load(id.String())
	a.NoError(err)
	a.NotEmpty(raw)
}

func TestIsHealthyReflectsChannelState(t *testing.T) {
	a := require.New(t)
	m, err := manager.New(openTestStorage(t), &fakeTransport{}, retrystrategy.New())
	a.NoError(err)

	id := securecore.DeriveConnectId(securecore.AppInstanceId{5}, securecore.DeviceId{6}, securecore.ExchangeAppDevice)
	a.False(m.IsHealthy(id))

	m.Initiate(securecore.AppInstanceId{5}, id)
	a.True(m.IsHealthy(id))

	m.Clear(id)
	a.False(m.IsHealthy(id))
}

func TestObserveHealthInvokesDegradedHook(t *testing.T) {
	a := require.New(t)

	var gotID securecore.ConnectId
	var gotStatus securecore.HealthStatus
	m, err := manager.New(openTestStorage(t), &fakeTransport{}, retrystrategy.New(),
		manager.WithHealthDegradedHook(func(id securecore.ConnectId, status securecore.HealthStatus) {
			gotID = id
			gotStatus = status
		}),
	)
	a.NoError(err)

	id := securecore.DeriveConnectId(securecore.AppInstanceId{7}, securecore.DeviceId{8}, securecore.ExchangeAppDevice)
	m.Initiate(securecore.AppInstanceId{7}, id)

	m.ObserveHealth(id, securecore.HealthFailed)
	a.Equal(id, gotID)
	a.Equal(securecore.HealthFailed, gotStatus)
	a.False(m.IsHealthy(id))
}
