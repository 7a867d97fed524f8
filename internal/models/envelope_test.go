package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latestcomment/go-debate-arena/internal/identity"
)

func TestParseEnvelope_KnownTypes(t *testing.T) {
	data := []byte(`{"messageType":"agent_message","sender":"0xabc","signature":"00","content":{"timestamp":1,"roomId":"r1","roundId":"q1","agentId":"a1","text":"hi"}}`)
	env, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, TypeAgentMessage, env.Type)
	assert.Equal(t, "0xabc", env.Sender)
}

func TestParseEnvelope_UnknownTypeRejected(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"messageType":"launch_missiles","content":{}}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestParseEnvelope_MalformedJSON(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"messageType":`))
	assert.Error(t, err)
}

func TestDecodeContent_MissingFieldRejected(t *testing.T) {
	env := &Envelope{
		Type:    TypeAgentMessage,
		Content: json.RawMessage(`{"timestamp":1,"roomId":"r1","roundId":"q1","agentId":"a1"}`),
	}
	_, err := env.DecodeContent()
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDecodeContent_AgentMessage(t *testing.T) {
	env := &Envelope{
		Type:    TypeAgentMessage,
		Content: json.RawMessage(`{"timestamp":5,"roomId":"r1","roundId":"q1","agentId":"a1","text":"hello"}`),
	}
	content, err := env.DecodeContent()
	require.NoError(t, err)

	msg, ok := content.(*AgentMessageContent)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, int64(5), msg.Timestamp)
}

func TestDecodeContent_GMMessageRequiresMessage(t *testing.T) {
	env := &Envelope{
		Type:    TypeGMMessage,
		Content: json.RawMessage(`{"gmId":"gm","timestamp":1,"targets":["a1"],"roomId":"r1","roundId":"q1"}`),
	}
	_, err := env.DecodeContent()
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestDecodeContent_PvPActionEnacted(t *testing.T) {
	env := &Envelope{
		Type: TypePvPActionEnacted,
		Content: json.RawMessage(`{
			"timestamp":1,"roomId":"r1","roundId":"q1",
			"instigator":"gm","instigatorAddress":"0xabc",
			"action":{"actionType":"POISON","target":"a1","parameters":{"find":"Bitcoin","replace":"Dogecoin","case_sensitive":false}}
		}`),
	}
	content, err := env.DecodeContent()
	require.NoError(t, err)

	enacted, ok := content.(*PvPActionEnactedContent)
	require.True(t, ok)
	assert.Equal(t, StatusPoison, enacted.Action.ActionType)
	assert.Equal(t, "a1", enacted.Action.Target)
}

// Attached history context must never shift the signature: the signed shape
// is the content with context stripped.
func TestAgentMessage_ContextExcludedFromSignature(t *testing.T) {
	signer, err := identity.GenerateSigner()
	require.NoError(t, err)

	content := AgentMessageContent{
		Timestamp: 9,
		RoomID:    "r1",
		RoundID:   "q1",
		AgentID:   "a1",
		Text:      "claims without context",
	}
	sig, err := signer.Sign(content.SignedFields())
	require.NoError(t, err)

	content.Context = []HistoryEntry{
		{Timestamp: 1, AgentID: "a2", AgentName: "Two", Text: "earlier turn", Role: RoleAgent},
	}
	assert.True(t, identity.Verify(content.SignedFields(), sig, signer.Address()))
}

func TestPvPActionType_Classification(t *testing.T) {
	assert.True(t, ActionMurder.Direct())
	assert.True(t, ActionAttack.Direct())
	assert.True(t, ActionAmnesia.Direct())
	assert.False(t, StatusSilence.Direct())
	assert.False(t, StatusPoison.Direct())

	assert.True(t, StatusDeceive.Known())
	assert.False(t, PvPActionType("EXPLODE").Known())
}
