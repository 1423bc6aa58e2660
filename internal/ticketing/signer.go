package ticketing

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs and verifies ticket hashes with the service's secp256k1 key.
// Signatures are 65-byte [R || S || V] in hex, so the public key can also be
// recovered from any valid signature.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner parses a hex-encoded secp256k1 private key
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// GenerateSigner creates a signer with a fresh key. Tests and local
// development only; production keys come from configuration.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// HashBody returns the SHA-256 of the canonical body bytes
func HashBody(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:]
}

// Sign signs a 32-byte hash and returns the signature hex
func (s *Signer) Sign(hash []byte) (string, error) {
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign ticket hash: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// Verify checks sigHex over hash against the signer's public key
func (s *Signer) Verify(hash []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 65 {
		return false
	}
	pub := crypto.FromECDSAPub(&s.key.PublicKey)
	// VerifySignature takes the 64-byte [R || S] form
	return crypto.VerifySignature(pub, hash, sig[:64])
}

// PublicKeyHex returns the uncompressed public key in hex, for distribution
// to external verifiers
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSAPub(&s.key.PublicKey))
}

// PrivateKey exposes the underlying key for the chain anchorer, which signs
// anchor transactions with the same service identity
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}
