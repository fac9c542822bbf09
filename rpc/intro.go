package rpc

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ecliptix-labs/securecore/pkg/attest"
	"github.com/ecliptix-labs/securecore/pkg/fingerprint"
)

const introducePadding = 32

// introduceMessage is the wire shape of the introduction exchange, gob-
// encoded in place of the teacher's protobuf Introduce message: the
// generated internal/box/pb package was never retrieved into the example
// pack and the toolchain cannot be invoked to regenerate it (see
// DESIGN.md).
type introduceMessage struct {
	Public  []byte
	Padding []byte
}

func padding(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// RemoteVerifier decides whether to proceed with a newly introduced peer.
// Unlike the teacher's interactive y/N terminal prompt, securecored talks
// JSON-over-stdio to its host process, so the default verifier only logs
// the peer's fingerprint and accepts; trust decisions are the host
// process's responsibility (surfaced via the show_fingerprint command).
type RemoteVerifier func(remote attest.PublicKey) error

func defaultRemoteVerifier(remote attest.PublicKey) error {
	key := remote.Marshal()
	slog.Info("rpc: peer introduced",
		slog.String("fingerprint", strings.Join(fingerprint.Emoji(key), " ")),
		slog.String("base64", fingerprint.Base64(key)),
	)
	return nil
}

func sendIntroduction(c *conn, at attest.Attest) error {
	intro := introduceMessage{
		Public:  at.PublicKey().Marshal(),
		Padding: padding(introducePadding),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(intro); err != nil {
		return fmt.Errorf("rpc: marshalling introduction: %w", err)
	}
	if err := c.WriteFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("rpc: writing introduction: %w", err)
	}
	return nil
}

func receiveIntroduction(c *conn) (attest.PublicKey, error) {
	payload, err := c.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("rpc: reading introduction: %w", err)
	}
	var intro introduceMessage
	if err = gob.NewDecoder(bytes.NewReader(payload)).Decode(&intro); err != nil {
		return nil, fmt.Errorf("rpc: unmarshalling introduction: %w", err)
	}
	// ParsePublicKey probes both supported algorithms, so the introduction
	// need not advertise which one it used.
	remote, err := attest.ParsePublicKey(intro.Public)
	if err != nil {
		return nil, fmt.Errorf("rpc: parsing advertised key: %w", err)
	}
	return remote, nil
}
