package adaptor

import (
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func randomShare(t *testing.T) *KeyShare {
	t.Helper()
	b := make([]byte, 32)
	_, err := rand.Read(b)
	require.NoError(t, err)
	b[31] &= 0x0F
	k, err := NewKeyShare(b)
	require.NoError(t, err)
	return k
}

func TestAdaptorSignatureRoundTrip(t *testing.T) {
	msg := sha256.Sum256([]byte("spend tx sighash"))

	// Enough keys to cover both parities of P and the nonce grinding.
	for i := 0; i < 16; i++ {
		priv, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		share := randomShare(t)

		sig, err := EncryptedSign(priv, msg[:], share.Secp256k1Pub())
		require.NoError(t, err)
		require.NoError(t, sig.Verify(msg[:], priv.PubKey()))

		parsed, err := Parse(sig.Serialize())
		require.NoError(t, err)
		require.Equal(t, sig.Serialize(), parsed.Serialize())
		require.NoError(t, parsed.Verify(msg[:], priv.PubKey()))

		final, err := parsed.Decrypt(share.Secp256k1())
		require.NoError(t, err)
		require.True(t, final.Verify(msg[:], priv.PubKey()))

		recovered, err := sig.Recover(final)
		require.NoError(t, err)
		require.True(t, recovered.Equals(share.Secp256k1()))

		back, err := KeyShareFromSecp256k1(recovered)
		require.NoError(t, err)
		require.Equal(t, *share, *back)
	}
}

func TestAdaptorVerifyRejects(t *testing.T) {
	msg := sha256.Sum256([]byte("m"))
	other := sha256.Sum256([]byte("other"))
	priv, _ := btcec.NewPrivateKey()
	wrongKey, _ := btcec.NewPrivateKey()
	share := randomShare(t)

	sig, err := EncryptedSign(priv, msg[:], share.Secp256k1Pub())
	require.NoError(t, err)

	require.Error(t, sig.Verify(other[:], priv.PubKey()))
	require.Error(t, sig.Verify(msg[:], wrongKey.PubKey()))

	_, err = sig.Decrypt(randomShare(t).Secp256k1())
	require.ErrorIs(t, err, ErrWrongTweak)

	_, err = Parse(sig.Serialize()[:96])
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestAdaptorRecoverRejectsUnrelatedSignature(t *testing.T) {
	msg := sha256.Sum256([]byte("m"))
	priv, _ := btcec.NewPrivateKey()

	sigA, err := EncryptedSign(priv, msg[:], randomShare(t).Secp256k1Pub())
	require.NoError(t, err)
	shareB := randomShare(t)
	sigB, err := EncryptedSign(priv, msg[:], shareB.Secp256k1Pub())
	require.NoError(t, err)

	finalB, err := sigB.Decrypt(shareB.Secp256k1())
	require.NoError(t, err)
	_, err = sigA.Recover(finalB)
	require.ErrorIs(t, err, ErrWrongTweak)
}

func TestNewKeyShareBounds(t *testing.T) {
	b := make([]byte, 32)
	b[31] = 0x10
	_, err := NewKeyShare(b)
	require.Error(t, err)

	_, err = NewKeyShare(b[:31])
	require.Error(t, err)

	b[31] = 0x0F
	_, err = NewKeyShare(b)
	require.NoError(t, err)
}

func TestDLEQ(t *testing.T) {
	share := randomShare(t)
	proof, err := ProveDLEQ(share)
	require.NoError(t, err)

	require.NoError(t, VerifyDLEQ(proof, share.Ed25519Pub(), share.Secp256k1Pub()))

	edPub, secpPub, err := ProofPoints(proof)
	require.NoError(t, err)
	require.Equal(t, share.Ed25519Pub(), edPub)
	require.True(t, secpPub.IsEqual(share.Secp256k1Pub()))

	other := randomShare(t)
	require.ErrorIs(t, VerifyDLEQ(proof, other.Ed25519Pub(), share.Secp256k1Pub()), ErrDLEQ)
	require.ErrorIs(t, VerifyDLEQ(proof, share.Ed25519Pub(), other.Secp256k1Pub()), ErrDLEQ)

	corrupt := append([]byte(nil), proof...)
	corrupt[len(corrupt)/2] ^= 0x01
	_, _, err = ProofPoints(corrupt)
	require.ErrorIs(t, err, ErrDLEQ)
}
