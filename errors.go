package securecore

import (
	"errors"
	"fmt"
)

// FailureKind classifies a NetworkFailure into the recovery branch the
// outage controller should take for it. The zero value never appears on a
// constructed NetworkFailure.
type FailureKind uint8

const (
	failureInvalid FailureKind = iota
	// FailureServerShutdown is transport-level unavailability or an
	// explicit shutdown signal from the peer.
	FailureServerShutdown
	// FailureCryptoDesync is a MAC/nonce/counter mismatch indicating the
	// local and remote ratchets have drifted.
	FailureCryptoDesync
	// FailureChainRotationMismatch is the peer reporting an unexpected
	// ratchet epoch.
	FailureChainRotationMismatch
	// FailureProtocolStateMismatch is an irreconcilable state that can
	// only be resolved by a fresh handshake.
	FailureProtocolStateMismatch
	// FailureInvalidRequest covers pipeline-local rejections: debounce,
	// duplicate suppression, and reserved flow types.
	FailureInvalidRequest
	// FailureTransport is a generic RPC-layer error that does not map to
	// any of the above (dial failure, malformed frame, timeout while a
	// response was still pending).
	FailureTransport
)

func (k FailureKind) String() string {
	switch k {
	case FailureServerShutdown:
		return "server_shutdown"
	case FailureCryptoDesync:
		return "crypto_desync"
	case FailureChainRotationMismatch:
		return "chain_rotation_mismatch"
	case FailureProtocolStateMismatch:
		return "protocol_state_mismatch"
	case FailureInvalidRequest:
		return "invalid_request"
	case FailureTransport:
		return "transport"
	default:
		return "invalid"
	}
}

// NetworkFailure is the tagged error sum every external-facing operation
// returns instead of an ad-hoc error chain. Reason carries a short,
// human-readable cause; Err, when non-nil, wraps the underlying cause for
// errors.Is/As unwrapping.
type NetworkFailure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *NetworkFailure) Error() string {
	if f.Reason == "" {
		return fmt.Sprintf("%s", f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *NetworkFailure) Unwrap() error {
	return f.Err
}

func newFailure(kind FailureKind, reason string, err error) *NetworkFailure {
	return &NetworkFailure{Kind: kind, Reason: reason, Err: err}
}

// ServerShutdown builds a NetworkFailure for transport-level unavailability
// or an explicit peer shutdown signal.
func ServerShutdown(reason string, err error) *NetworkFailure {
	return newFailure(FailureServerShutdown, reason, err)
}

// CryptoDesync builds a NetworkFailure for a MAC/nonce/counter mismatch.
func CryptoDesync(reason string, err error) *NetworkFailure {
	return newFailure(FailureCryptoDesync, reason, err)
}

// ChainRotationMismatch builds a NetworkFailure for an unexpected ratchet
// epoch reported by the peer.
func ChainRotationMismatch(reason string, err error) *NetworkFailure {
	return newFailure(FailureChainRotationMismatch, reason, err)
}

// ProtocolStateMismatch builds a NetworkFailure for irreconcilable protocol
// state that requires a fresh handshake.
func ProtocolStateMismatch(reason string, err error) *NetworkFailure {
	return newFailure(FailureProtocolStateMismatch, reason, err)
}

// InvalidRequestType builds a NetworkFailure for pipeline-local rejections:
// debounce, duplicate suppression, and unimplemented reserved flows.
func InvalidRequestType(reason string) *NetworkFailure {
	return newFailure(FailureInvalidRequest, reason, nil)
}

// TransportFailure builds a NetworkFailure for a generic RPC-layer error.
func TransportFailure(reason string, err error) *NetworkFailure {
	return newFailure(FailureTransport, reason, err)
}

func kindOf(err error) (FailureKind, bool) {
	var nf *NetworkFailure
	if errors.As(err, &nf) {
		return nf.Kind, true
	}
	return failureInvalid, false
}

// IsServerShutdown reports whether err signals transport-level
// unavailability or an explicit shutdown from the peer.
func IsServerShutdown(err error) bool {
	k, ok := kindOf(err)
	return ok && k == FailureServerShutdown
}

// IsCryptoDesync reports whether err signals a MAC/nonce/counter mismatch.
func IsCryptoDesync(err error) bool {
	k, ok := kindOf(err)
	return ok && k == FailureCryptoDesync
}

// IsChainRotationMismatch reports whether err signals an unexpected ratchet
// epoch from the peer.
func IsChainRotationMismatch(err error) bool {
	k, ok := kindOf(err)
	return ok && k == FailureChainRotationMismatch
}

// IsProtocolStateMismatch reports whether err signals irreconcilable
// protocol state.
func IsProtocolStateMismatch(err error) bool {
	k, ok := kindOf(err)
	return ok && k == FailureProtocolStateMismatch
}

// IsInvalidRequest reports whether err is a pipeline-local rejection
// (debounce, duplicate suppression, unimplemented flow).
func IsInvalidRequest(err error) bool {
	k, ok := kindOf(err)
	return ok && k == FailureInvalidRequest
}

// RecoveryClass reports which outage-controller recovery routine, if any,
// handles err. ok is false when err does not carry a NetworkFailure.
func RecoveryClass(err error) (kind FailureKind, throttled bool, ok bool) {
	k, matched := kindOf(err)
	if !matched {
		return failureInvalid, false, false
	}
	switch k {
	case FailureCryptoDesync, FailureChainRotationMismatch:
		return k, true, true
	case FailureProtocolStateMismatch:
		return k, false, true
	default:
		return k, false, false
	}
}
