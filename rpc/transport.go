// Package rpc's Transport is the RpcTransport capability (spec §6): it
// carries ServiceRequest envelopes to the data center and returns the
// response as one of the four RpcFlow shapes. Grounded on the teacher's
// Transport (transport.go) request/response loop, generalized from a
// single fixed RPC to the spec's flow-typed ServiceRequest envelope.
package rpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/pkg/attest"
)

// wireRequest is the gob envelope carrying a securecore.ServiceRequest
// over the wire, replacing the teacher's protobuf-framed request (see
// intro.go's doc comment on the dropped pb dependency).
type wireRequest struct {
	ReqId         string
	FlowType      securecore.FlowType
	ServiceType   securecore.ServiceType
	CipherPayload []byte
	Metadata      map[string]string
}

// wireResponse is one frame of a response. Final marks the last frame of
// an InboundStream; SingleCall responses always set Final true.
type wireResponse struct {
	ReqId      string
	Ciphertext []byte
	Err        string
	Final      bool
}

// CipherResult is one item flowing back from the data center: either a
// ciphertext payload to be handed to the protocol System, or a transport-
// level error.
type CipherResult struct {
	Ciphertext []byte
	Err        error
}

// RpcFlow is the tagged union spec §6 names: the shape of an Invoke
// response depends on the ServiceRequest's FlowType.
type RpcFlow interface{ isRpcFlow() }

// SingleCall carries exactly one CipherResult, for FlowSingleCall.
type SingleCall struct {
	Result <-chan CipherResult
}

func (SingleCall) isRpcFlow() {}

// InboundStream carries zero or more CipherResult values terminated by a
// closed channel, for FlowInboundStream.
type InboundStream struct {
	Items <-chan CipherResult
}

func (InboundStream) isRpcFlow() {}

// OutboundSink and BidirectionalStream complete the RpcFlow union for
// FlowOutboundSink and FlowBidirectionalStream. The pipeline never issues
// a request carrying either flow type (§4.2: both are rejected before
// dispatch), so Transport.Invoke never constructs one; they exist so the
// union is exhaustive for callers that switch on RpcFlow.
type OutboundSink struct{}

func (OutboundSink) isRpcFlow() {}

type BidirectionalStream struct{}

func (BidirectionalStream) isRpcFlow() {}

var ErrUnsupportedFlow = errors.New("rpc: flow type not supported over Invoke")

// Transport is the reference RpcTransport implementation: one introduced,
// length-framed connection, serializing requests one at a time.
type Transport struct {
	mu       sync.Mutex
	conn     *conn
	identity attest.Attest
	remote   attest.PublicKey
}

// Remote returns the peer's verified public key, for fingerprint display.
func (t *Transport) Remote() attest.PublicKey { return t.remote }

// Close releases the underlying connection.
func (t *Transport) Close() error { return t.conn.Close() }

// Invoke sends req and returns its response in the RpcFlow its FlowType
// selects.
func (t *Transport) Invoke(ctx context.Context, req securecore.ServiceRequest) (RpcFlow, error) {
	switch req.FlowType {
	case securecore.FlowSingleCall:
		return t.invokeSingleCall(req)
	case securecore.FlowInboundStream:
		return t.invokeInboundStream(req)
	case securecore.FlowOutboundSink, securecore.FlowBidirectionalStream:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFlow, req.FlowType)
	default:
		return nil, fmt.Errorf("rpc: invalid flow type %d", req.FlowType)
	}
}

// Establish sends an EstablishSecrecyChannel request built from payload,
// the handshake-opening helper spec §6 names.
func (t *Transport) Establish(ctx context.Context, reqID string, payload []byte) (RpcFlow, error) {
	return t.Invoke(ctx, securecore.ServiceRequest{
		ReqId:         reqID,
		FlowType:      securecore.FlowSingleCall,
		ServiceType:   securecore.EstablishSecrecyChannel,
		CipherPayload: payload,
	})
}

// Restore sends a RestoreSecrecyChannel request built from payload.
func (t *Transport) Restore(ctx context.Context, reqID string, payload []byte) (RpcFlow, error) {
	return t.Invoke(ctx, securecore.ServiceRequest{
		ReqId:         reqID,
		FlowType:      securecore.FlowSingleCall,
		ServiceType:   securecore.RestoreSecrecyChannel,
		CipherPayload: payload,
	})
}

func (t *Transport) invokeSingleCall(req securecore.ServiceRequest) (RpcFlow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.send(req); err != nil {
		return nil, err
	}
	resp, err := t.recv()
	if err != nil {
		return nil, err
	}

	out := make(chan CipherResult, 1)
	if resp.Err != "" {
		out <- CipherResult{Err: errors.New(resp.Err)}
	} else {
		out <- CipherResult{Ciphertext: resp.Ciphertext}
	}
	close(out)
	return SingleCall{Result: out}, nil
}

func (t *Transport) invokeInboundStream(req securecore.ServiceRequest) (RpcFlow, error) {
	t.mu.Lock()
	if err := t.send(req); err != nil {
		t.mu.Unlock()
		return nil, err
	}

	out := make(chan CipherResult, 8)
	go func() {
		defer t.mu.Unlock()
		defer close(out)
		for {
			resp, err := t.recv()
			if err != nil {
				out <- CipherResult{Err: err}
				return
			}
			if resp.Err != "" {
				out <- CipherResult{Err: errors.New(resp.Err)}
				return
			}
			out <- CipherResult{Ciphertext: resp.Ciphertext}
			if resp.Final {
				return
			}
		}
	}()
	return InboundStream{Items: out}, nil
}

func (t *Transport) send(req securecore.ServiceRequest) error {
	wr := wireRequest{
		ReqId:         req.ReqId,
		FlowType:      req.FlowType,
		ServiceType:   req.ServiceType,
		CipherPayload: req.CipherPayload,
		Metadata:      req.Metadata,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wr); err != nil {
		return fmt.Errorf("rpc: encoding request: %w", err)
	}
	if err := t.conn.WriteFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("rpc: writing request: %w", err)
	}
	return nil
}

// ReadRequest reads one request frame, for a HandlerFunc implementing the
// responder side of the connection (tests, or a local stand-in data
// center).
func (t *Transport) ReadRequest() (securecore.ServiceRequest, error) {
	payload, err := t.conn.ReadFrame()
	if err != nil {
		return securecore.ServiceRequest{}, fmt.Errorf("rpc: reading request: %w", err)
	}
	var wr wireRequest
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wr); err != nil {
		return securecore.ServiceRequest{}, fmt.Errorf("rpc: decoding request: %w", err)
	}
	return securecore.ServiceRequest{
		ReqId:         wr.ReqId,
		FlowType:      wr.FlowType,
		ServiceType:   wr.ServiceType,
		CipherPayload: wr.CipherPayload,
		Metadata:      wr.Metadata,
	}, nil
}

// WriteResponse writes one response frame back to the caller side of
// Invoke.
func (t *Transport) WriteResponse(reqID string, ciphertext []byte, respErr error, final bool) error {
	resp := wireResponse{ReqId: reqID, Ciphertext: ciphertext, Final: final}
	if respErr != nil {
		resp.Err = respErr.Error()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(resp); err != nil {
		return fmt.Errorf("rpc: encoding response: %w", err)
	}
	return t.conn.WriteFrame(buf.Bytes())
}

func (t *Transport) recv() (wireResponse, error) {
	payload, err := t.conn.ReadFrame()
	if err != nil {
		return wireResponse{}, fmt.Errorf("rpc: reading response: %w", err)
	}
	var resp wireResponse
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&resp); err != nil {
		return wireResponse{}, fmt.Errorf("rpc: decoding response: %w", err)
	}
	return resp, nil
}
