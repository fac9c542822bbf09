package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/xtaci/kcp-go/v5"

	"github.com/ecliptix-labs/securecore/pkg/attest"
)

// HandlerFunc processes one accepted, introduced Transport. Grounded on
// the teacher's HandlerFunc (server.go).
type HandlerFunc func(t *Transport) error

// Server accepts inbound connections and runs the introduction handshake
// on each before handing it to HandlerFunc.
type Server struct {
	addr           string
	connType       connType
	handlerFunc    HandlerFunc
	remoteVerifier RemoteVerifier
	identity       attest.Attest
}

// ServerOption configures NewServer.
type ServerOption func(*Server) error

// ServeWithRemoteVerifier overrides the default (accept-and-log) verifier.
func ServeWithRemoteVerifier(v RemoteVerifier) ServerOption {
	return func(s *Server) error {
		s.remoteVerifier = v
		return nil
	}
}

// ServeWithKCP listens over KCP instead of TCP.
func ServeWithKCP() ServerOption {
	return func(s *Server) error {
		s.connType = connKCP
		return nil
	}
}

// NewServer builds a Server bound to addr, generating a fresh Ed25519
// identity unless one is supplied.
func NewServer(addr string, identity attest.Attest, handler HandlerFunc, opts ...ServerOption) (*Server, error) {
	if identity == nil {
		at, err := attest.Ed25519.NewAttest()
		if err != nil {
			return nil, fmt.Errorf("rpc: generating server identity: %w", err)
		}
		identity = at
	}

	s := &Server{
		addr:           addr,
		identity:       identity,
		handlerFunc:    handler,
		remoteVerifier: defaultRemoteVerifier,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("rpc: applying server option: %w", err)
		}
	}
	return s, nil
}

// ListenAndServe listens on s.addr and serves until the listener errors.
func (s *Server) ListenAndServe() error {
	l, err := s.listen()
	if err != nil {
		return fmt.Errorf("rpc: listening on %s: %w", s.addr, err)
	}
	defer l.Close()
	return s.Serve(l)
}

func (s *Server) listen() (net.Listener, error) {
	switch s.connType {
	case connKCP:
		return kcp.Listen(s.addr)
	default:
		return net.Listen("tcp", s.addr)
	}
}

// Serve accepts connections from l until Accept errors, dispatching each to
// its own goroutine. Grounded on the teacher's Server.Serve (server.go).
func (s *Server) Serve(l net.Listener) error {
	for {
		nc, err := l.Accept()
		if err != nil {
			return fmt.Errorf("rpc: accept: %w", err)
		}
		go func() {
			if err := s.serve(nc); err != nil {
				slog.Log(context.Background(), slog.LevelWarn, "rpc: serve conn",
					slog.Any("err", err))
			}
		}()
	}
}

func (s *Server) serve(nc net.Conn) error {
	c := newConn(nc)
	defer func() {
		if r := recover(); r != nil {
			slog.Log(context.Background(), slog.LevelError, "rpc: serve panic",
				slog.Any("recovered", r))
		}
		_ = c.Close()
	}()

	remote, err := receiveIntroduction(c)
	if err != nil {
		return fmt.Errorf("rpc: receive introduction: %w", err)
	}
	if err := s.remoteVerifier(remote); err != nil {
		return fmt.Errorf("rpc: verify remote: %w", err)
	}
	if err := sendIntroduction(c, s.identity); err != nil {
		return fmt.Errorf("rpc: send introduction: %w", err)
	}

	t := &Transport{conn: c, identity: s.identity, remote: remote}
	if err := s.handlerFunc(t); err != nil {
		return fmt.Errorf("rpc: handler: %w", err)
	}
	return nil
}
