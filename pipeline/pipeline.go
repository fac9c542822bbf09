// Package pipeline implements the Request Pipeline (spec §4.2): one
// successful round-trip for a plaintext buffer against a named service and
// flow type, honoring debounce, duplicate suppression, outage gating,
// classification-driven recovery dispatch, and replay after recovery.
//
// Dispatch generalizes the teacher's Router.Dispatch/RouteDispatcher
// (route-keyed handler lookup plus middleware chain, relay/internal/
// handlers/router.go) into the flow-type switch the spec calls for, and
// the encrypt/send/decrypt halves of a round-trip follow transport.go's
// serialize/deserialize shape.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/eventbus"
	"github.com/ecliptix-labs/securecore/manager"
	"github.com/ecliptix-labs/securecore/outage"
	"github.com/ecliptix-labs/securecore/pending"
	"github.com/ecliptix-labs/securecore/protocol"
	"github.com/ecliptix-labs/securecore/retrystrategy"
	"github.com/ecliptix-labs/securecore/rpc"
)

const (
	debounceWindow    = 500 * time.Millisecond
	outageWaitTimeout = 30 * time.Second

	defaultMaxRetries   = 10
	establishMaxRetries = 15
)

// RpcTransport is the subset of rpc.Transport the pipeline drives.
type RpcTransport interface {
	Invoke(ctx context.Context, req securecore.ServiceRequest) (rpc.RpcFlow, error)
}

// Pipeline is the Request Pipeline reference implementation.
type Pipeline struct {
	manager   *manager.Manager
	outageCtl *outage.Controller
	retry     *retrystrategy.Strategy
	transport RpcTransport
	pending   *pending.Store
	bus       *eventbus.Bus

	debounceMu sync.Mutex
	debounce   map[string]time.Time

	dedupeMu sync.Mutex
	dedupe   map[string]context.CancelFunc

	gateMu sync.Mutex
	gates  map[string]*gateEntry
}

type gateEntry struct {
	mu  sync.Mutex
	ref int32
}

// New constructs a Pipeline wired to its collaborators.
func New(
	mgr *manager.Manager, outageCtl *outage.Controller, retry *retrystrategy.Strategy,
	transport RpcTransport, pendingStore *pending.Store, bus *eventbus.Bus,
) *Pipeline {
	return &Pipeline{
		manager:   mgr,
		outageCtl: outageCtl,
		retry:     retry,
		transport: transport,
		pending:   pendingStore,
		bus:       bus,
		debounce:  make(map[string]time.Time),
		dedupe:    make(map[string]context.CancelFunc),
		gates:     make(map[string]*gateEntry),
	}
}

// ExecuteUnary delivers plaintext to service over a SingleCall flow and
// invokes onCompleted with the decrypted response.
func (p *Pipeline) ExecuteUnary(
	ctx context.Context, id securecore.ConnectId, service securecore.ServiceType,
	plaintext []byte, onCompleted func([]byte), allowDuplicates, waitForRecovery bool,
) error {
	return p.execute(ctx, id, service, securecore.FlowSingleCall, plaintext,
		onCompleted, nil, allowDuplicates, waitForRecovery)
}

// ExecuteReceiveStream delivers plaintext to service over an InboundStream
// flow, invoking onItem for each decrypted item until the stream or ctx
// ends.
func (p *Pipeline) ExecuteReceiveStream(
	ctx context.Context, id securecore.ConnectId, service securecore.ServiceType,
	plaintext []byte, onItem func([]byte), allowDuplicates bool,
) error {
	return p.execute(ctx, id, service, securecore.FlowInboundStream, plaintext,
		nil, onItem, allowDuplicates, false)
}

// ExecuteSendStream is reserved; the pipeline never constructs an
// OutboundSink flow (§4.2).
func (p *Pipeline) ExecuteSendStream(context.Context, securecore.ConnectId, securecore.ServiceType, []byte) error {
	return securecore.InvalidRequestType("not implemented")
}

// ExecuteBidiStream is reserved; the pipeline never constructs a
// BidirectionalStream flow (§4.2).
func (p *Pipeline) ExecuteBidiStream(context.Context, securecore.ConnectId, securecore.ServiceType, []byte) error {
	return securecore.InvalidRequestType("not implemented")
}

func (p *Pipeline) execute(
	ctx context.Context, id securecore.ConnectId, service securecore.ServiceType,
	flow securecore.FlowType, plaintext []byte,
	onCompleted func([]byte), onItem func([]byte),
	allowDuplicates, waitForRecovery bool,
) error {
	// Phase 1: state gate.
	if p.outageCtl.IsActive() && securecore.IsUserInitiatedService(service) {
		return securecore.ServerShutdown("recovering", nil)
	}

	// Phase 2: debounce (only when the caller is not willing to wait).
	if !waitForRecovery {
		if err := p.checkDebounce(id, service); err != nil {
			return err
		}
	}

	// Phase 3: duplicate suppression.
	key := requestKey(id, service, plaintext)
	reqCtx := ctx
	var cancel context.CancelFunc
	exempt := allowDuplicates || securecore.AllowsDuplicatesByDefault(service)
	if !exempt {
		var err error
		reqCtx, cancel, err = p.registerInFlight(ctx, key)
		if err != nil {
			return err
		}
		defer p.clearInFlight(key, cancel)
	}

	// Phase 4: outage wait.
	if p.outageCtl.IsActive() {
		if !waitForRecovery {
			return securecore.ServerShutdown("recovering", nil)
		}
		waitCtx, waitCancel := context.WithTimeout(reqCtx, outageWaitTimeout)
		err := p.outageCtl.WaitRecovered(waitCtx)
		waitCancel()
		if err != nil {
			return securecore.ServerShutdown("object disposed: outage wait timed out", err)
		}
	}

	maxRetries := defaultMaxRetries
	if service == securecore.EstablishSecrecyChannel {
		maxRetries = establishMaxRetries
	}

	// Phase 5: retry-wrapped dispatch.
	return p.retry.Execute(reqCtx, id, string(service), maxRetries,
		func(ctx context.Context, attempt int) error {
			return p.dispatch(ctx, id, service, flow, plaintext, onCompleted, onItem, waitForRecovery)
		})
}

func (p *Pipeline) checkDebounce(id securecore.ConnectId, service securecore.ServiceType) error {
	p.debounceMu.Lock()
	defer p.debounceMu.Unlock()

	key := fmt.Sprintf("%s_%s", id, service)
	now := time.Now()
	if last, ok := p.debounce[key]; ok && now.Sub(last) < debounceWindow {
		return securecore.InvalidRequestType("too frequent")
	}
	p.debounce[key] = now
	return nil
}

func (p *Pipeline) registerInFlight(ctx context.Context, key string) (context.Context, context.CancelFunc, error) {
	p.dedupeMu.Lock()
	defer p.dedupeMu.Unlock()

	if _, exists := p.dedupe[key]; exists {
		return nil, nil, securecore.InvalidRequestType("duplicate")
	}
	reqCtx, cancel := context.WithCancel(ctx)
	p.dedupe[key] = cancel
	return reqCtx, cancel, nil
}

func (p *Pipeline) clearInFlight(key string, cancel context.CancelFunc) {
	p.dedupeMu.Lock()
	delete(p.dedupe, key)
	p.dedupeMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// requestKey builds the key duplicate suppression tracks (§4.2): a fixed
// per-service key for the two-step OPAQUE sign-in flow, otherwise keyed by
// a slice of the plaintext's hex encoding.
func requestKey(id securecore.ConnectId, service securecore.ServiceType, plaintext []byte) string {
	switch service {
	case securecore.OpaqueSignInInit, securecore.OpaqueSignInComplete:
		return fmt.Sprintf("%s_%s_auth_operation", id, service)
	default:
		h := hex.EncodeToString(plaintext)
		if len(h) > 16 {
			h = h[:16]
		}
		return fmt.Sprintf("%s_%s_%s", id, service, h)
	}
}

// logicalOperationID derives the §3 LogicalOperationId: SHA-256 of
// "semantic:<service>:<connect_id>[:hash(plaintext)]", folded to a 32-bit
// space and floored at 10.
func logicalOperationID(service securecore.ServiceType, id securecore.ConnectId, plaintext []byte) uint32 {
	h := sha256.New()
	fmt.Fprintf(h, "semantic:%s:%s", service, id)
	plaintextSum := sha256.Sum256(plaintext)
	h.Write(plaintextSum[:])
	sum := h.Sum(nil)
	v := binary.BigEndian.Uint32(sum[:4]) % (^uint32(0) - 10)
	if v < 10 {
		v += 10
	}
	return v
}

func (p *Pipeline) acquireGate(key string) func() {
	p.gateMu.Lock()
	g, ok := p.gates[key]
	if !ok {
		g = &gateEntry{}
		p.gates[key] = g
	}
	g.ref++
	p.gateMu.Unlock()

	g.mu.Lock()
	return func() {
		g.mu.Unlock()
		p.gateMu.Lock()
		g.ref--
		if g.ref <= 0 {
			delete(p.gates, key)
		}
		p.gateMu.Unlock()
	}
}

func (p *Pipeline) dispatch(
	ctx context.Context, id securecore.ConnectId, service securecore.ServiceType,
	flow securecore.FlowType, plaintext []byte,
	onCompleted func([]byte), onItem func([]byte), waitForRecovery bool,
) error {
	ch, ok := p.manager.Channel(id)
	if !ok {
		p.bus.PublishNetwork(eventbus.ServerShutdown)
		return securecore.ServerShutdown("connection unavailable", nil)
	}

	opID := logicalOperationID(service, id, plaintext)
	reqID := fmt.Sprintf("%08x", opID)

	frame, err := ch.System().ProduceOutbound(plaintext)
	if err != nil {
		failure := securecore.ServerShutdown("produce outbound failed", err)
		p.outageCtl.EnterOutage(failure, id)
		return failure
	}
	cipherPayload, err := encodeFrame(frame)
	if err != nil {
		return securecore.ProtocolStateMismatch("encoding frame", err)
	}

	release := p.acquireGate(fmt.Sprintf("%s:op:%s", id, reqID))
	defer release()

	req := securecore.ServiceRequest{
		ReqId:         reqID,
		FlowType:      flow,
		ServiceType:   service,
		CipherPayload: cipherPayload,
	}

	registerReplay := func() {
		pendingKey := pending.RequestKey(id, string(service), reqID)
		p.pending.Register(pendingKey, func() error {
			return p.execute(context.Background(), id, service, flow, plaintext,
				onCompleted, onItem, true, false)
		})
	}

	rpcFlow, err := p.transport.Invoke(ctx, req)
	if err != nil {
		return p.classifyAndRecover(ctx, id, securecore.TransportFailure("invoke rpc", err), waitForRecovery, registerReplay)
	}

	switch flow {
	case securecore.FlowSingleCall:
		return p.handleSingleCall(ctx, id, ch, rpcFlow, onCompleted, waitForRecovery, registerReplay)
	case securecore.FlowInboundStream:
		return p.handleInboundStream(ctx, ch, rpcFlow, onItem)
	default:
		return securecore.InvalidRequestType(fmt.Sprintf("unsupported flow %s", flow))
	}
}

func (p *Pipeline) handleSingleCall(
	ctx context.Context, id securecore.ConnectId, ch *securecore.Channel, flow rpc.RpcFlow,
	onCompleted func([]byte), waitForRecovery bool, registerReplay func(),
) error {
	call, ok := flow.(rpc.SingleCall)
	if !ok {
		return securecore.ProtocolStateMismatch("unexpected rpc flow for unary", nil)
	}

	result, open := <-call.Result
	if !open {
		return p.classifyAndRecover(ctx, id, securecore.ServerShutdown("rpc closed without response", nil), waitForRecovery, registerReplay)
	}
	if result.Err != nil {
		return p.classifyAndRecover(ctx, id, securecore.TransportFailure("rpc response error", result.Err), waitForRecovery, registerReplay)
	}

	responseFrame, err := decodeFrame(result.Ciphertext)
	if err != nil {
		return p.classifyAndRecover(ctx, id, securecore.CryptoDesync("decoding response frame", err), waitForRecovery, registerReplay)
	}
	plaintextResp, err := ch.System().ProcessInbound(responseFrame)
	if err != nil {
		return p.classifyAndRecover(ctx, id, securecore.CryptoDesync("process inbound failed", err), waitForRecovery, registerReplay)
	}

	if onCompleted != nil {
		onCompleted(plaintextResp)
	}
	if p.outageCtl.IsActive() {
		p.outageCtl.ExitOutage()
	}
	return nil
}

func (p *Pipeline) handleInboundStream(
	ctx context.Context, ch *securecore.Channel, flow rpc.RpcFlow, onItem func([]byte),
) error {
	stream, ok := flow.(rpc.InboundStream)
	if !ok {
		return securecore.ProtocolStateMismatch("unexpected rpc flow for stream", nil)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, open := <-stream.Items:
			if !open {
				if p.outageCtl.IsActive() {
					p.outageCtl.ExitOutage()
				}
				return nil
			}
			if result.Err != nil {
				slog.Warn("pipeline: stream item transport error, skipping", slog.Any("err", result.Err))
				continue
			}
			frame, err := decodeFrame(result.Ciphertext)
			if err != nil {
				slog.Warn("pipeline: stream item frame decode failed, skipping", slog.Any("err", err))
				continue
			}
			plaintextItem, err := ch.System().ProcessInbound(frame)
			if err != nil {
				slog.Warn("pipeline: stream item decrypt failed, skipping", slog.Any("err", err))
				continue
			}
			if onItem != nil {
				onItem(plaintextItem)
			}
		}
	}
}

// classifyAndRecover maps a dispatch failure to its recovery class (§4.3)
// and drives the outage controller accordingly, returning the error the
// retry strategy (or the immediate caller) should see.
func (p *Pipeline) classifyAndRecover(
	ctx context.Context, id securecore.ConnectId, failure error, waitForRecovery bool, registerReplay func(),
) error {
	switch {
	case securecore.IsServerShutdown(failure):
		registerReplay()
		p.outageCtl.EnterOutage(failure, id)
		p.bus.PublishNetwork(eventbus.ServerShutdown)
		if waitForRecovery {
			waitCtx, cancel := context.WithTimeout(ctx, outageWaitTimeout)
			defer cancel()
			if err := p.outageCtl.WaitRecovered(waitCtx); err != nil {
				return securecore.ServerShutdown("object disposed while awaiting recovery", err)
			}
			return nil
		}
		return failure
	case securecore.IsCryptoDesync(failure), securecore.IsChainRotationMismatch(failure), securecore.IsProtocolStateMismatch(failure):
		p.outageCtl.SpawnTargetedRecovery(failure, id)
		return failure
	default:
		return failure
	}
}

func encodeFrame(frame *protocol.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(frame); err != nil {
		return nil, fmt.Errorf("pipeline: encoding frame: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(payload []byte) (*protocol.Frame, error) {
	var frame protocol.Frame
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&frame); err != nil {
		return nil, fmt.Errorf("pipeline: decoding frame: %w", err)
	}
	return &frame, nil
}
