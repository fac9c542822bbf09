package rpc

import (
	"fmt"
	"net"
	"time"

	"github.com/xtaci/kcp-go/v5"

	"github.com/ecliptix-labs/securecore/pkg/attest"
)

type connType uint8

const (
	connTCP connType = iota
	connKCP
)

type dialer struct {
	conn         *conn
	connType     connType
	verifyRemote RemoteVerifier
	dialTimeout  time.Duration
	identity     attest.Attest
}

// DialOption configures Dial, mirroring the teacher's DialOption pattern
// in dial.go.
type DialOption func(*dialer) error

// DialWithRemoteVerifier overrides the default (accept-and-log) verifier.
func DialWithRemoteVerifier(v RemoteVerifier) DialOption {
	return func(d *dialer) error {
		d.verifyRemote = v
		return nil
	}
}

// DialWithDialTimeout overrides the TCP/KCP dial timeout.
func DialWithDialTimeout(timeout time.Duration) DialOption {
	return func(d *dialer) error {
		d.dialTimeout = timeout
		return nil
	}
}

// DialWithKCP selects the KCP (unreliable UDP-backed) substrate instead of
// TCP, matching the teacher's DialWithUDPConn.
func DialWithKCP() DialOption {
	return func(d *dialer) error {
		d.connType = connKCP
		return nil
	}
}

// DialWithIdentity supplies the local attestation identity presented
// during the introduction handshake.
func DialWithIdentity(at attest.Attest) DialOption {
	return func(d *dialer) error {
		d.identity = at
		return nil
	}
}

// Dial connects to addr and performs the introduction handshake,
// returning a ready-to-use Transport. Grounded on the teacher's Dial
// (dial.go).
func Dial(addr string, opts ...DialOption) (*Transport, error) {
	d := &dialer{
		connType:     connTCP,
		dialTimeout:  10 * time.Second,
		verifyRemote: defaultRemoteVerifier,
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("rpc: applying dial option: %w", err)
		}
	}
	if d.identity == nil {
		at, err := attest.Ed25519.NewAttest()
		if err != nil {
			return nil, fmt.Errorf("rpc: generating ephemeral identity: %w", err)
		}
		d.identity = at
	}

	if d.conn == nil {
		c, err := d.dial(addr)
		if err != nil {
			return nil, fmt.Errorf("rpc: dialing %s: %w", addr, err)
		}
		d.conn = c
	}

	return d.handshake()
}

func (d *dialer) dial(addr string) (*conn, error) {
	switch d.connType {
	case connTCP:
		nc, err := net.DialTimeout("tcp", addr, d.dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("dialing tcp: %w", err)
		}
		return newConn(nc), nil
	case connKCP:
		nc, err := kcp.Dial(addr)
		if err != nil {
			return nil, fmt.Errorf("dialing kcp: %w", err)
		}
		return newConn(nc), nil
	default:
		return nil, fmt.Errorf("rpc: unknown connection type %d", d.connType)
	}
}

func (d *dialer) handshake() (*Transport, error) {
	if err := sendIntroduction(d.conn, d.identity); err != nil {
		return nil, fmt.Errorf("rpc: send introduction: %w", err)
	}
	remote, err := receiveIntroduction(d.conn)
	if err != nil {
		return nil, fmt.Errorf("rpc: receive introduction: %w", err)
	}
	if err := d.verifyRemote(remote); err != nil {
		return nil, fmt.Errorf("rpc: verify remote: %w", err)
	}

	return &Transport{conn: d.conn, identity: d.identity, remote: remote}, nil
}
