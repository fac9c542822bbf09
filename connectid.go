// Package securecore implements a client-side secure session manager: it
// keeps one end-to-end encrypted channel alive per logical connection,
// survives transport outages by recovering the underlying cryptographic
// ratchet instead of tearing the session down, and serializes concurrent
// requests against each channel so retries and replays never race a live
// handshake.
package securecore

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// AppInstanceId identifies one installation of the application across
// restarts; it is generated once and persisted locally.
type AppInstanceId [16]byte

// DeviceId identifies the physical device the application runs on.
type DeviceId [16]byte

// ExchangeType distinguishes the peer relationship a channel is opened
// against, since the same (AppInstanceId, DeviceId) pair may hold more than
// one independent secure channel at a time.
type ExchangeType uint8

const (
	ExchangeInvalid ExchangeType = iota
	// ExchangeDataCenter is the channel to the backing service.
	ExchangeDataCenter
	// ExchangeAppDevice is a direct channel between two instances of the
	// application sharing the same DeviceId (e.g. a linked desktop/mobile
	// pair).
	ExchangeAppDevice
)

func (e ExchangeType) String() string {
	switch e {
	case ExchangeDataCenter:
		return "data-center"
	case ExchangeAppDevice:
		return "app-device"
	default:
		return "invalid"
	}
}

// ConnectId is the stable, deterministic identifier for one secure channel.
// It is derived from the triple that defines the channel's identity, so the
// same triple always resolves to the same channel across process restarts
// without round-tripping through the network.
type ConnectId uint32

// DeriveConnectId folds (appInstanceId, deviceId, exchangeType) into a
// ConnectId. The derivation is a pure content hash: two processes computing
// it over the same triple always agree, which lets the session manager look
// up a previously established channel before ever talking to the peer.
func DeriveConnectId(app AppInstanceId, device DeviceId, exchange ExchangeType) ConnectId {
	h := sha256.New()
	h.Write(app[:])
	h.Write(device[:])
	h.Write([]byte{byte(exchange)})
	sum := h.Sum(nil)
	return ConnectId(binary.BigEndian.Uint32(sum[:4]))
}

func (c ConnectId) String() string {
	return fmt.Sprintf("%08x", uint32(c))
}
