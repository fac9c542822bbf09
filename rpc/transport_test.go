package rpc_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore"
	"github.com/ecliptix-labs/securecore/pkg/attest"
	"github.com/ecliptix-labs/securecore/rpc"
)

func TestDialAndInvokeSingleCall(t *testing.T) {
	a := require.New(t)

	serverIdentity, err := attest.Ed25519.NewAttest()
	a.NoError(err)

	srv, err := rpc.NewServer("127.0.0.1:0", serverIdentity, func(t *rpc.Transport) error {
		req, err := t.ReadRequest()
		if err != nil {
			return err
		}
		return t.WriteResponse(req.ReqId, []byte("pong:"+string(req.CipherPayload)), nil, true)
	})
	a.NoError(err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	a.NoError(err)
	go func() { _ = srv.Serve(l) }()
	defer l.Close()

	transport, err := rpc.Dial(l.Addr().String())
	a.NoError(err)
	defer transport.Close()

	flow, err := transport.Invoke(context.Background(), securecore.ServiceRequest{
		ReqId:         "req-1",
		FlowType:      securecore.FlowSingleCall,
		ServiceType:   securecore.EstablishSecrecyChannel,
		CipherPayload: []byte("ping"),
	})
	a.NoError(err)

	call, ok := flow.(rpc.SingleCall)
	a.True(ok)

	select {
	case result := <-call.Result:
		a.NoError(result.Err)
		a.Equal("pong:ping", string(result.Ciphertext))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestInvokeRejectsReservedFlows(t *testing.T) {
	a := require.New(t)

	serverIdentity, err := attest.Ed25519.NewAttest()
	a.NoError(err)

	srv, err := rpc.NewServer("127.0.0.1:0", serverIdentity, func(t *rpc.Transport) error {
		_, _ = t.ReadRequest()
		return nil
	})
	a.NoError(err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	a.NoError(err)
	go func() { _ = srv.Serve(l) }()
	defer l.Close()

	transport, err := rpc.Dial(l.Addr().String())
	a.NoError(err)
	defer transport.Close()

	_, err = transport.Invoke(context.Background(), securecore.ServiceRequest{
		ReqId:       "req-2",
		FlowType:    securecore.FlowOutboundSink,
		ServiceType: securecore.EstablishSecrecyChannel,
	})
	a.ErrorIs(err, rpc.ErrUnsupportedFlow)
}
