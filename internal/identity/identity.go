// Package identity wraps a secp256k1 keypair and signs canonically
// serialized message content with a recoverable signature, so the backend
// can recover the sender's wallet address without a key exchange.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/latestcomment/go-debate-arena/internal/canonical"
)

// Signer holds a private key and the wallet address derived from it.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner parses a hex-encoded private key.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// GenerateSigner creates a signer with a fresh random keypair.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// Address returns the signer's wallet address in checksum form.
func (s *Signer) Address() string {
	return s.address
}

// Sign canonicalizes content and signs the keccak256 digest of the result.
// The returned signature is hex-encoded [R || S || V].
func (s *Signer) Sign(content any) (string, error) {
	data, err := canonical.Marshal(content)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(crypto.Keccak256(data), s.key)
	if err != nil {
		return "", fmt.Errorf("identity: sign: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify recovers the signing address from signature over the canonical
// serialization of content and compares it to expectedAddress, ignoring
// case. Any decode or recovery failure counts as a verification failure.
func Verify(content any, signature, expectedAddress string) bool {
	data, err := canonical.Marshal(content)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(data), sig)
	if err != nil {
		return false
	}
	recovered := crypto.PubkeyToAddress(*pub).Hex()
	return strings.EqualFold(recovered, expectedAddress)
}
