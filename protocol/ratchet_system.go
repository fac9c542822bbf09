package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"

	"github.com/ecliptix-labs/securecore/pkg/exchange"
	"github.com/ecliptix-labs/securecore/pkg/ratchet"
)

// initMessage is the initiator's first handshake message: a fresh ML-KEM
// encapsulation key plus the ECDH public key the classical Double Ratchet
// will ultimately run on.
type initMessage struct {
	KemPublicKey []byte
	EcdhPublicKey []byte
}

// responseMessage is the responder's reply: the ML-KEM ciphertext
// encapsulated against the initiator's key, and the responder's own ECDH
// public key.
type responseMessage struct {
	KemCiphertext []byte
	EcdhPublicKey []byte
}

// ratchetSystem is the reference System implementation: an ML-KEM
// encapsulation bootstraps a shared root secret post-quantum-safely, and a
// classical X25519 Double Ratchet (pkg/ratchet) runs the per-message
// forward secrecy from there. Grounded on the teacher's handshake.go
// (ML-KEM request/accept flow) and pkg/ratchet's existing ECDH-based
// ratchet, composed into one hybrid handshake.
type ratchetSystem struct {
	mu sync.Mutex

	ratchet *ratchet.Ratchet

	// pending holds initiator-side state between BeginHandshake and the
	// CompleteHandshake call that consumes the responder's reply.
	pending *pendingHandshake
}

type pendingHandshake struct {
	kemPrivate *mlkem768.PrivateKey
	dh         *exchange.ECDH
}

// NewRatchetSystem constructs an unestablished System ready to begin a
// handshake.
func NewRatchetSystem() System {
	return &ratchetSystem{}
}

func fromRatchetState(state *State) (System, error) {
	if state == nil || state.Ratchet == nil {
		return nil, fmt.Errorf("protocol: nil state")
	}
	r, err := ratchet.Restore(state.Ratchet)
	if err != nil {
		return nil, fmt.Errorf("restoring ratchet: %w", err)
	}
	return &ratchetSystem{ratchet: r}, nil
}

func (s *ratchetSystem) BeginHandshake(sessionID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scheme := mlkem768.Scheme()
	kemPub, kemPriv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating ml-kem keypair: %w", err)
	}
	dh, err := exchange.NewECDH()
	if err != nil {
		return nil, fmt.Errorf("generating dh keypair: %w", err)
	}

	kemPubBytes, err := kemPub.(interface{ MarshalBinary() ([]byte, error) }).MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshalling ml-kem public key: %w", err)
	}

	s.pending = &pendingHandshake{
		kemPrivate: kemPriv.(*mlkem768.PrivateKey),
		dh:         dh,
	}

	return encodeGob(&initMessage{
		KemPublicKey:  kemPubBytes,
		EcdhPublicKey: dh.MarshalPublicKey(),
	})
}

func (s *ratchetSystem) CompleteHandshake(sessionID string, peerMessage []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return s.completeAsInitiator(sessionID, peerMessage)
	}
	return s.completeAsResponder(sessionID, peerMessage)
}

func (s *ratchetSystem) completeAsResponder(sessionID string, peerMessage []byte) ([]byte, error) {
	var init initMessage
	if err := decodeGob(peerMessage, &init); err != nil {
		return nil, fmt.Errorf("decoding handshake init: %w", err)
	}

	scheme := mlkem768.Scheme()
	peerKemPub, err := scheme.UnmarshalBinaryPublicKey(init.KemPublicKey)
	if err != nil {
		return nil, fmt.Errorf("unmarshalling peer ml-kem key: %w", err)
	}
	ct, sharedSecret, err := scheme.Encapsulate(peerKemPub)
	if err != nil {
		return nil, fmt.Errorf("ml-kem encapsulate: %w", err)
	}

	dh, err := exchange.NewECDH()
	if err != nil {
		return nil, fmt.Errorf("generating dh keypair: %w", err)
	}
	r, err := ratchet.NewFromSecretAndKeypair(sharedSecret, dh)
	if err != nil {
		return nil, fmt.Errorf("constructing ratchet: %w", err)
	}
	if err = r.SetTheirPublic(init.EcdhPublicKey, sessionID); err != nil {
		return nil, fmt.Errorf("setting peer dh public: %w", err)
	}
	s.ratchet = r

	return encodeGob(&responseMessage{
		KemCiphertext: ct,
		EcdhPublicKey: dh.MarshalPublicKey(),
	})
}

func (s *ratchetSystem) completeAsInitiator(sessionID string, peerMessage []byte) ([]byte, error) {
	var resp responseMessage
	if err := decodeGob(peerMessage, &resp); err != nil {
		return nil, fmt.Errorf("decoding handshake response: %w", err)
	}

	scheme := mlkem768.Scheme()
	sharedSecret, err := scheme.Decapsulate(s.pending.kemPrivate, resp.KemCiphertext)
	if err != nil {
		return nil, fmt.Errorf("ml-kem decapsulate: %w", err)
	}

	r, err := ratchet.NewFromSecretAndKeypair(sharedSecret, s.pending.dh)
	if err != nil {
		return nil, fmt.Errorf("constructing ratchet: %w", err)
	}
	if err = r.SetTheirPublic(resp.EcdhPublicKey, sessionID); err != nil {
		return nil, fmt.Errorf("setting peer dh public: %w", err)
	}
	s.ratchet = r
	s.pending = nil

	return nil, nil
}

func (s *ratchetSystem) ProduceOutbound(plaintext []byte) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet == nil {
		return nil, fmt.Errorf("protocol: handshake not complete")
	}
	ct, err := s.ratchet.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting frame: %w", err)
	}
	return &Frame{
		SenderDH:   s.ratchet.OurPublic(),
		N:          s.ratchet.Send(),
		Ciphertext: ct,
	}, nil
}

func (s *ratchetSystem) ProcessInbound(frame *Frame) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet == nil {
		return nil, fmt.Errorf("protocol: handshake not complete")
	}
	pt, err := s.ratchet.Decrypt(frame.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting frame: %w", err)
	}
	return pt, nil
}

func (s *ratchetSystem) ToState() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet == nil {
		return nil, fmt.Errorf("protocol: handshake not complete")
	}
	rs, err := s.ratchet.Save()
	if err != nil {
		return nil, fmt.Errorf("saving ratchet state: %w", err)
	}
	return &State{Ratchet: rs}, nil
}

func (s *ratchetSystem) SyncWithRemote(sendLen, recvLen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet == nil {
		return fmt.Errorf("protocol: handshake not complete")
	}
	// The compact ratchet tracks its own counters monotonically and does
	// not expose setters; reconciliation after a restore is a divergence
	// check that returns an error when local counters are behind, rather
	// than a counter overwrite.
	if s.ratchet.Send() < sendLen || s.ratchet.Received() < recvLen {
		return fmt.Errorf(
			"protocol: local counters (send=%d recv=%d) behind remote (send=%d recv=%d)",
			s.ratchet.Send(), s.ratchet.Received(), sendLen, recvLen,
		)
	}
	return nil
}

func (s *ratchetSystem) SentCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet == nil {
		return 0
	}
	return s.ratchet.Send()
}

func (s *ratchetSystem) ReceivedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet == nil {
		return 0
	}
	return s.ratchet.Received()
}

func (s *ratchetSystem) Wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ratchet != nil {
		s.ratchet.Wipe()
	}
	s.pending = nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
