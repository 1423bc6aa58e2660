package ticketing

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	body, err := CanonicalJSON(sampleBody())
	require.NoError(t, err)
	hash := HashBody(body)

	sig, err := signer.Sign(hash)
	require.NoError(t, err)

	raw, err := hex.DecodeString(sig)
	require.NoError(t, err)
	assert.Len(t, raw, 65)

	assert.True(t, signer.Verify(hash, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	body, err := CanonicalJSON(sampleBody())
	require.NoError(t, err)
	sig, err := signer.Sign(HashBody(body))
	require.NoError(t, err)

	tampered := sampleBody()
	tampered.Fare = 1
	tamperedBody, err := CanonicalJSON(tampered)
	require.NoError(t, err)

	assert.False(t, signer.Verify(HashBody(tamperedBody), sig))
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	other, err := GenerateSigner()
	require.NoError(t, err)

	hash := HashBody([]byte("ticket body"))
	sig, err := other.Sign(hash)
	require.NoError(t, err)

	assert.False(t, signer.Verify(hash, sig))
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)
	hash := HashBody([]byte("ticket body"))

	assert.False(t, signer.Verify(hash, ""))
	assert.False(t, signer.Verify(hash, "zz"))
	assert.False(t, signer.Verify(hash, "deadbeef"))
}

func TestNewSignerRoundTrip(t *testing.T) {
	// key loaded from hex config must produce signatures the generated
	// counterpart accepts
	gen, err := GenerateSigner()
	require.NoError(t, err)

	hexKey := hex.EncodeToString(crypto.FromECDSA(gen.PrivateKey()))
	loaded, err := NewSigner(hexKey)
	require.NoError(t, err)

	hash := HashBody([]byte("ticket body"))
	sig, err := loaded.Sign(hash)
	require.NoError(t, err)
	assert.True(t, gen.Verify(hash, sig))
	assert.Equal(t, gen.PublicKeyHex(), loaded.PublicKeyHex())
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-a-key")
	assert.Error(t, err)
}
