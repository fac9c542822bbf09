package pipeline_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/eventbus"
	"github.com/ecliptix-labs/securecore/manager"
	"github.com/ecliptix-labs/securecore/outage"
	"github.com/ecliptix-labs/securecore/pending"
	"github.com/ecliptix-labs/securecore/pipeline"
	"github.com/ecliptix-labs/securecore/protocol"
	"github.com/ecliptix-labs/securecore/retrystrategy"
	"github.com/ecliptix-labs/securecore/rpc"
	"github.com/ecliptix-labs/securecore/storage"
)

// echoTransport simulates the peer's half of the ratchet by decrypting
// whatever Frame it receives through a second, independent protocol.System
// and replying with the plaintext decorated with a fixed suffix.
type echoTransport struct {
	mu   sync.Mutex
	peer protocol.System
}

func (e *echoTransport) Invoke(ctx context.Context, req securecore.ServiceRequest) (rpc.RpcFlow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var frame protocol.Frame
	if err := gob.NewDecoder(bytes.NewReader(req.CipherPayload)).Decode(&frame); err != nil {
		return nil, err
	}
	plaintext, err := e.peer.ProcessInbound(&frame)
	if err != nil {
		return nil, err
	}
	reply, err := e.peer.ProduceOutbound(append(plaintext, "-ack"...))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(reply); err != nil {
		return nil, err
	}

	ch := make(chan rpc.CipherResult, 1)
	ch <- rpc.CipherResult{Ciphertext: buf.Bytes()}
	close(ch)
	return rpc.SingleCall{Result: ch}, nil
}

func openTestStorage(t *testing.T) *storage.BoltSecureStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "securecore.db")
	s, err := storage.Open(storage.WithDBPath(path), storage.WithNoPassphrase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// establishedChannel builds a Manager with one channel that has already
// completed a handshake against an independent peer System, ready for
// ProduceOutbound/ProcessInbound round trips.
func establishedChannel(t *testing.T) (*manager.Manager, securecore.ConnectId, protocol.System) {
	t.Helper()
	a := require.New(t)

	m, err := manager.New(openTestStorage(t), nil, retrystrategy.New())
	a.NoError(err)

	id := securecore.DeriveConnectId(securecore.AppInstanceId{1}, securecore.DeviceId{2}, securecore.ExchangeAppDevice)
	ch := m.Initiate(securecore.AppInstanceId{1}, id)

	initPayload, err := ch.System().BeginHandshake(id.String())
	a.NoError(err)

	peer := protocol.NewRatchetSystem()
	respPayload, err := peer.CompleteHandshake(id.String(), initPayload)
	a.NoError(err)

	_, err = ch.System().CompleteHandshake(id.String(), respPayload)
	a.NoError(err)

	ch.SetPhase(securecore.PhaseHealthy)
	ch.SetHealth(securecore.HealthHealthy)

	return m, id, peer
}

func newTestPipeline(t *testing.T, mgr *manager.Manager, transport pipeline.RpcTransport) (*pipeline.Pipeline, *outage.Controller) {
	t.Helper()
	a := require.New(t)

	bus := eventbus.New()
	retry := retrystrategy.New()
	ctl, err := outage.New(bus, retry, outage.Hooks{
		Restore:         func(context.Context, securecore.ConnectId) error { return nil },
		Initiate:        func(context.Context, securecore.ConnectId) error { return nil },
		Establish:       func(context.Context, securecore.ConnectId) error { return nil },
		DisposeChannel:  func(securecore.ConnectId) {},
		DeletePersisted: func(securecore.ConnectId) error { return nil },
		PersistChannel:  func(securecore.ConnectId) error { return nil },
		DrainPending:    func() {},
	})
	a.NoError(err)

	p := pipeline.New(mgr, ctl, retry, transport, pending.New(), bus)
	return p, ctl
}

func TestExecuteUnaryHappyPath(t *testing.T) {
	a := require.New(t)
	m, id, peer := establishedChannel(t)
	p, _ := newTestPipeline(t, m, &echoTransport{peer: peer})

	var got []byte
	err := p.ExecuteUnary(context.Background(), id, securecore.RegisterAppDevice,
		[]byte("hello"), func(b []byte) { got = b }, false, false)

	a.NoError(err)
	a.Equal("hello-ack", string(got))
}

func TestDebounceRejectsRapidRepeat(t *testing.T) {
	a := require.New(t)
	m, id, peer := establishedChannel(t)
	p, _ := newTestPipeline(t, m, &echoTransport{peer: peer})

	a.NoError(p.ExecuteUnary(context.Background(), id, securecore.RegisterAppDevice,
		[]byte("first"), func([]byte) {}, true, false))

	err := p.ExecuteUnary(context.Background(), id, securecore.RegisterAppDevice,
		[]byte("second"), func([]byte) {}, true, false)
	a.Error(err)
	a.True(securecore.IsInvalidRequest(err))
}

func TestDuplicateSuppressionRejectsConcurrentSamePlaintext(t *testing.T) {
	a := require.New(t)
	m, id, _ := establishedChannel(t)

	release := make(chan struct{})
	blocking := &blockingTransport{release: release}
	p, _ := newTestPipeline(t, m, blocking)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		errCh <- p.ExecuteUnary(ctx, id, securecore.RegisterAppDevice,
			[]byte("same-payload"), func([]byte) {}, false, false)
	}()

	// Give the first call time to register its in-flight entry.
	time.Sleep(50 * time.Millisecond)

	// waitForRecovery=true skips the debounce phase, so the rejection below
	// comes from duplicate suppression rather than debounce.
	err := p.ExecuteUnary(context.Background(), id, securecore.RegisterAppDevice,
		[]byte("same-payload"), func([]byte) {}, false, true)
	a.Error(err)
	a.True(securecore.IsInvalidRequest(err))
	a.Contains(err.Error(), "duplicate")

	close(release)
	<-errCh
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Invoke(ctx context.Context, req securecore.ServiceRequest) (rpc.RpcFlow, error) {
	<-b.release
	return nil, context.Canceled
}

func TestUserInitiatedServiceRejectedWhileRecovering(t *testing.T) {
	a := require.New(t)
	m, id, peer := establishedChannel(t)
	p, ctl := newTestPipeline(t, m, &echoTransport{peer: peer})

	ctl.EnterOutage(securecore.ServerShutdown("forced for test", nil), id)
	a.True(ctl.IsActive())

	err := p.ExecuteUnary(context.Background(), id, securecore.ValidatePhoneNumber,
		[]byte("otp"), func([]byte) {}, true, false)
	a.Error(err)
	a.True(securecore.IsServerShutdown(err))
}

func TestReservedFlowsAlwaysFail(t *testing.T) {
	a := require.New(t)
	m, id, peer := establishedChannel(t)
	p, _ := newTestPipeline(t, m, &echoTransport{peer: peer})

	a.Error(p.ExecuteSendStream(context.Background(), id, securecore.RegisterAppDevice, nil))
	a.Error(p.ExecuteBidiStream(context.Background(), id, securecore.RegisterAppDevice, nil))
}
