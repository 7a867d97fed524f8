package identity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testContent struct {
	Text      string `json:"text"`
	AgentID   string `json:"agentId"`
	Timestamp int64  `json:"timestamp"`
}

func TestSignVerify_RoundTrip(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	content := testContent{Text: "Bitcoin is the future", AgentID: "a1", Timestamp: 1700000000}
	sig, err := signer.Sign(content)
	require.NoError(t, err)

	assert.True(t, Verify(content, sig, signer.Address()))
}

func TestVerify_FieldOrderIrrelevant(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	sig, err := signer.Sign(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.True(t, Verify(map[string]any{"a": 1, "b": 2}, sig, signer.Address()))
}

func TestVerify_TamperedContentFails(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	content := testContent{Text: "original", AgentID: "a1", Timestamp: 1}
	sig, err := signer.Sign(content)
	require.NoError(t, err)

	tampered := content
	tampered.Text = "altered"
	assert.False(t, Verify(tampered, sig, signer.Address()))
}

func TestVerify_WrongAddressFails(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	other, err := GenerateSigner()
	require.NoError(t, err)

	content := testContent{Text: "hi", AgentID: "a1", Timestamp: 1}
	sig, err := signer.Sign(content)
	require.NoError(t, err)

	assert.False(t, Verify(content, sig, other.Address()))
}

func TestVerify_AddressCaseInsensitive(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	content := testContent{Text: "hi", AgentID: "a1", Timestamp: 1}
	sig, err := signer.Sign(content)
	require.NoError(t, err)

	assert.True(t, Verify(content, sig, strings.ToLower(signer.Address())))
	assert.True(t, Verify(content, sig, "0x"+strings.ToUpper(strings.TrimPrefix(signer.Address(), "0x"))))
}

func TestVerify_GarbageSignatureFails(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	content := testContent{Text: "hi", AgentID: "a1", Timestamp: 1}
	assert.False(t, Verify(content, "not-hex", signer.Address()))
	assert.False(t, Verify(content, "deadbeef", signer.Address()))
}

func TestNewSigner_RejectsMalformedKey(t *testing.T) {
	_, err := NewSigner("zzzz")
	assert.Error(t, err)
}
