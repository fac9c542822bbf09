// Package protocol defines the ProtocolSystem capability the session
// manager composes rather than implements (per spec §1: "the core consumes
// an opaque ProtocolSystem capability... that another module implements"),
// and ships one concrete, Double-Ratchet-flavored implementation of it
// built on pkg/ratchet and pkg/exchange.
package protocol

import "github.com/ecliptix-labs/securecore/pkg/ratchet"

// Frame is the wire unit ProduceOutbound emits and ProcessInbound consumes:
// the Double-Ratchet header plus an encrypted payload. It is gob-encoded on
// the wire (see SPEC_FULL.md §4.2's wire-format note on the dropped
// protobuf dependency).
type Frame struct {
	SenderDH   []byte
	PN         uint64
	N          uint64
	Ciphertext []byte
}

// State is the serializable snapshot persisted by Secure State Storage and
// restored via FromState.
type State struct {
	Ratchet *ratchet.State
}

// System is the opaque capability the Session Manager drives. One System
// instance belongs to exactly one Channel (I1).
type System interface {
	// BeginHandshake starts a handshake as the initiating side and returns
	// the message to send to the peer.
	BeginHandshake(sessionID string) ([]byte, error)

	// CompleteHandshake advances the handshake with a message received
	// from the peer. It returns a non-nil response message when the
	// handshake requires one more round trip (the responder always does;
	// the initiator's final call returns a nil message).
	CompleteHandshake(sessionID string, peerMessage []byte) ([]byte, error)

	// ProduceOutbound encrypts plaintext into the next Frame on the send
	// chain, advancing the ratchet (I2).
	ProduceOutbound(plaintext []byte) (*Frame, error)

	// ProcessInbound decrypts a received Frame, advancing the ratchet.
	ProcessInbound(frame *Frame) (plaintext []byte, err error)

	// ToState captures a serializable snapshot for persistence.
	ToState() (*State, error)

	// SyncWithRemote reconciles local send/recv counters against values
	// reported by the peer after a session restore.
	SyncWithRemote(sendLen, recvLen uint64) error

	// SentCount and ReceivedCount report the local view of message
	// counters, used by SyncWithRemote callers and diagnostics.
	SentCount() uint64
	ReceivedCount() uint64

	// Wipe releases cryptographic material with a guaranteed overwrite.
	// The System must not be used afterward.
	Wipe()
}

// FromState reconstructs a System from a previously persisted State.
func FromState(state *State) (System, error) {
	return fromRatchetState(state)
}
