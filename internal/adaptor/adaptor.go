// Package adaptor implements BIP340 Schnorr adaptor signatures and the
// cross-curve DLEQ proofs used by scriptless swaps.
//
// An adaptor signature is a Schnorr signature encrypted to a point T = tG.
// Anyone holding t can decrypt it into a valid BIP340 signature, and once
// that signature is published the signer learns t by subtracting.
package adaptor

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SignatureSize is the size of a serialized adaptor signature.
const SignatureSize = 97

const scalarSize = 32

var (
	ErrInvalidSignature = errors.New("invalid adaptor signature")
	ErrWrongTweak       = errors.New("tweak does not match adaptor point")
)

// nonceExtraData separates adaptor nonces from plain BIP340 nonces for the
// same key and message.
var nonceExtraData = sha256.Sum256([]byte("swapengine/adaptor/bip340"))

// Signature is an adaptor signature: R' = R + T is the public nonce of the
// final signature and S satisfies S*G = R' - T + e*P.
type Signature struct {
	rx btcec.FieldVal
	s  btcec.ModNScalar
	t  btcec.JacobianPoint
}

// Serialize encodes the signature as R'.x || s || compressed T.
func (sig *Signature) Serialize() []byte {
	b := make([]byte, SignatureSize)
	sig.rx.PutBytesUnchecked(b[0:32])
	sig.s.PutBytesUnchecked(b[32:64])
	t := sig.t
	t.ToAffine()
	copy(b[64:], btcec.NewPublicKey(&t.X, &t.Y).SerializeCompressed())
	return b
}

// Parse decodes a serialized adaptor signature.
func Parse(b []byte) (*Signature, error) {
	if len(b) != SignatureSize {
		return nil, fmt.Errorf("%w: wrong size %d", ErrInvalidSignature, len(b))
	}
	var sig Signature
	if overflow := sig.rx.SetByteSlice(b[0:32]); overflow {
		return nil, fmt.Errorf("%w: r >= field prime", ErrInvalidSignature)
	}
	if overflow := sig.s.SetByteSlice(b[32:64]); overflow {
		return nil, fmt.Errorf("%w: s >= group order", ErrInvalidSignature)
	}
	T, err := btcec.ParsePubKey(b[64:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	T.AsJacobian(&sig.t)
	return &sig, nil
}

// Point returns the encryption point T.
func (sig *Signature) Point() *btcec.PublicKey {
	t := sig.t
	t.ToAffine()
	return btcec.NewPublicKey(&t.X, &t.Y)
}

// challenge computes e = H_BIP0340/challenge(r || P.x || m) mod n.
func challenge(rx *btcec.FieldVal, pub *btcec.PublicKey, hash []byte) *btcec.ModNScalar {
	var rBytes [32]byte
	rx.PutBytesUnchecked(rBytes[:])
	commitment := chainhash.TaggedHash(chainhash.TagBIP0340Challenge,
		rBytes[:], schnorr.SerializePubKey(pub), hash)
	var e btcec.ModNScalar
	e.SetByteSlice(commitment[:])
	return &e
}

// EncryptedSign creates an adaptor signature over hash, encrypted to T.
func EncryptedSign(priv *btcec.PrivateKey, hash []byte, T *btcec.PublicKey) (*Signature, error) {
	if len(hash) != scalarSize {
		return nil, fmt.Errorf("wrong message size %d", len(hash))
	}
	d := priv.Key
	if d.IsZero() {
		return nil, errors.New("private key is zero")
	}

	// BIP340 signs for the even-y public key.
	var P btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&d, &P)
	P.ToAffine()
	if P.Y.IsOdd() {
		d.Negate()
	}
	pub := btcec.NewPublicKey(&P.X, &P.Y)

	var tJ btcec.JacobianPoint
	T.AsJacobian(&tJ)

	var dBytes [scalarSize]byte
	d.PutBytes(&dBytes)
	defer func() {
		for i := range dBytes {
			dBytes[i] = 0
		}
		d.Zero()
	}()

	for iteration := uint32(0); ; iteration++ {
		k := secp256k1.NonceRFC6979(dBytes[:], hash, nonceExtraData[:], nil, iteration)

		var R, Rt btcec.JacobianPoint
		btcec.ScalarBaseMultNonConst(k, &R)
		btcec.AddNonConst(&R, &tJ, &Rt)
		if (Rt.X.IsZero() && Rt.Y.IsZero()) || Rt.Z.IsZero() {
			k.Zero()
			continue
		}
		Rt.ToAffine()
		// The final signature's nonce R + T must have even y.
		if Rt.Y.IsOdd() {
			k.Zero()
			continue
		}

		e := challenge(&Rt.X, pub, hash)
		s := new(btcec.ModNScalar).Mul2(e, &d).Add(k)
		k.Zero()

		sig := &Signature{rx: Rt.X, s: *s, t: tJ}
		return sig, nil
	}
}

// Verify checks that decrypting the adaptor with the discrete log of T
// yields a valid BIP340 signature for hash under pub.
func (sig *Signature) Verify(hash []byte, pub *btcec.PublicKey) error {
	if len(hash) != scalarSize {
		return fmt.Errorf("wrong message size %d", len(hash))
	}
	xonly, err := schnorr.ParsePubKey(schnorr.SerializePubKey(pub))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// R' is the even-y point with x = rx.
	var Rt btcec.JacobianPoint
	Rt.X.Set(&sig.rx)
	if !btcec.DecompressY(&Rt.X, false, &Rt.Y) {
		return fmt.Errorf("%w: r is not on the curve", ErrInvalidSignature)
	}
	Rt.Y.Normalize()
	Rt.Z.SetInt(1)

	e := challenge(&sig.rx, xonly, hash)

	// s*G + T must equal R' + e*P.
	var P, sG, lhs, eP, rhs btcec.JacobianPoint
	xonly.AsJacobian(&P)
	btcec.ScalarBaseMultNonConst(&sig.s, &sG)
	btcec.AddNonConst(&sG, &sig.t, &lhs)
	btcec.ScalarMultNonConst(e, &P, &eP)
	btcec.AddNonConst(&Rt, &eP, &rhs)
	lhs.ToAffine()
	rhs.ToAffine()
	if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
		return ErrInvalidSignature
	}
	return nil
}

func (sig *Signature) checkTweak(t *btcec.ModNScalar) error {
	var expected btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(t, &expected)
	expected.ToAffine()
	T := sig.t
	T.ToAffine()
	if !expected.X.Equals(&T.X) || !expected.Y.Equals(&T.Y) {
		return ErrWrongTweak
	}
	return nil
}

// Decrypt completes the signature with the secret t.
func (sig *Signature) Decrypt(t *btcec.ModNScalar) (*schnorr.Signature, error) {
	if err := sig.checkTweak(t); err != nil {
		return nil, err
	}
	s := new(btcec.ModNScalar).Add2(&sig.s, t)
	return schnorr.NewSignature(&sig.rx, s), nil
}

// Recover extracts t from the published signature that completed sig.
func (sig *Signature) Recover(final *schnorr.Signature) (*btcec.ModNScalar, error) {
	b := final.Serialize()
	var rx btcec.FieldVal
	rx.SetByteSlice(b[0:32])
	if !rx.Equals(&sig.rx) {
		return nil, fmt.Errorf("%w: signature nonce differs", ErrWrongTweak)
	}
	var s btcec.ModNScalar
	s.SetByteSlice(b[32:64])

	t := new(btcec.ModNScalar).NegateVal(&sig.s).Add(&s)
	if err := sig.checkTweak(t); err != nil {
		return nil, err
	}
	return t, nil
}
