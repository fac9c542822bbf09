package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore/protocol"
)

func TestHandshakeAndRoundTrip(t *testing.T) {
	a := require.New(t)

	initiator := protocol.NewRatchetSystem()
	responder := protocol.NewRatchetSystem()

	sessionID := "test-session"

	initMsg, err := initiator.BeginHandshake(sessionID)
	a.NoError(err)
	a.NotEmpty(initMsg)

	respMsg, err := responder.CompleteHandshake(sessionID, initMsg)
	a.NoError(err)
	a.NotEmpty(respMsg)

	finalMsg, err := initiator.CompleteHandshake(sessionID, respMsg)
	a.NoError(err)
	a.Nil(finalMsg)

	plaintext := []byte("hello from initiator")
	frame, err := initiator.ProduceOutbound(plaintext)
	a.NoError(err)
	a.NotNil(frame)

	decrypted, err := responder.ProcessInbound(frame)
	a.NoError(err)
	a.Equal(plaintext, decrypted)

	reply := []byte("hello back from responder")
	replyFrame, err := responder.ProduceOutbound(reply)
	a.NoError(err)

	decryptedReply, err := initiator.ProcessInbound(replyFrame)
	a.NoError(err)
	a.Equal(reply, decryptedReply)
}

func TestToStateAndFromState(t *testing.T) {
	a := require.New(t)

	initiator := protocol.NewRatchetSystem()
	responder := protocol.NewRatchetSystem()
	sessionID := "persist-session"

	initMsg, err := initiator.BeginHandshake(sessionID)
	a.NoError(err)
	respMsg, err := responder.CompleteHandshake(sessionID, initMsg)
	a.NoError(err)
	_, err = initiator.CompleteHandshake(sessionID, respMsg)
	a.NoError(err)

	_, err = initiator.ProduceOutbound([]byte("pre-save"))
	a.NoError(err)

	state, err := initiator.ToState()
	a.NoError(err)
	a.NotNil(state.Ratchet)

	restored, err := protocol.FromState(state)
	a.NoError(err)
	a.Equal(initiator.SentCount(), restored.SentCount())
}
