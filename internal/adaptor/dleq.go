package adaptor

import (
	"bytes"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/athanorlabs/go-dleq"
	dleqEdwards "github.com/athanorlabs/go-dleq/ed25519"
	dleqSecp "github.com/athanorlabs/go-dleq/secp256k1"
	"github.com/btcsuite/btcd/btcec/v2"
)

// ErrDLEQ is returned when a cross-curve proof does not hold.
var ErrDLEQ = errors.New("dleq proof invalid")

// KeyShare is a secret valid on both secp256k1 and ed25519. It is stored
// little-endian and is below 2^252, so the same integer is a canonical
// scalar on either curve.
type KeyShare [32]byte

// NewKeyShare validates a little-endian secret for use on both curves.
func NewKeyShare(le []byte) (*KeyShare, error) {
	if len(le) != 32 {
		return nil, fmt.Errorf("key share must be 32 bytes, got %d", len(le))
	}
	if le[31]&0xF0 != 0 {
		return nil, errors.New("key share must be below 2^252")
	}
	var k KeyShare
	copy(k[:], le)
	return &k, nil
}

// Ed25519 returns the share as an ed25519 scalar.
func (k *KeyShare) Ed25519() *edwards25519.Scalar {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(k[:])
	if err != nil {
		// unreachable: NewKeyShare bounds the value below the group order
		panic(err)
	}
	return s
}

// Secp256k1 returns the share as a secp256k1 scalar.
func (k *KeyShare) Secp256k1() *btcec.ModNScalar {
	var be [32]byte
	for i := range k {
		be[31-i] = k[i]
	}
	var s btcec.ModNScalar
	s.SetBytes(&be)
	return &s
}

// Ed25519Pub returns the share's ed25519 public point.
func (k *KeyShare) Ed25519Pub() []byte {
	return new(edwards25519.Point).ScalarBaseMult(k.Ed25519()).Bytes()
}

// Secp256k1Pub returns the share's secp256k1 public key.
func (k *KeyShare) Secp256k1Pub() *btcec.PublicKey {
	var p btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k.Secp256k1(), &p)
	p.ToAffine()
	return btcec.NewPublicKey(&p.X, &p.Y)
}

// KeyShareFromSecp256k1 converts a recovered secp256k1 tweak back into a
// key share.
func KeyShareFromSecp256k1(s *btcec.ModNScalar) (*KeyShare, error) {
	be := s.Bytes()
	le := make([]byte, 32)
	for i := range be {
		le[31-i] = be[i]
	}
	return NewKeyShare(le)
}

// ProveDLEQ proves that the share's ed25519 and secp256k1 public points
// have the same discrete log.
func ProveDLEQ(k *KeyShare) ([]byte, error) {
	proof, err := dleq.NewProof(dleqEdwards.NewCurve(), dleqSecp.NewCurve(), *k)
	if err != nil {
		return nil, err
	}
	return proof.Serialize(), nil
}

// VerifyDLEQ checks a proof against the expected public points.
func VerifyDLEQ(proofB []byte, edPub []byte, secpPub *btcec.PublicKey) error {
	proof, err := parseProof(proofB)
	if err != nil {
		return err
	}

	edPoint, err := new(edwards25519.Point).SetBytes(edPub)
	if err != nil {
		return fmt.Errorf("%w: bad ed25519 point: %v", ErrDLEQ, err)
	}
	commitA, ok := proof.CommitmentA.(*dleqEdwards.PointImpl)
	if !ok {
		return fmt.Errorf("%w: expected ed25519 commitment, got %T", ErrDLEQ, proof.CommitmentA)
	}
	if !commitA.Equals(dleqEdwards.NewPoint(edPoint)) {
		return fmt.Errorf("%w: ed25519 points do not match", ErrDLEQ)
	}

	commitB, ok := proof.CommitmentB.(*dleqSecp.PointImpl)
	if !ok {
		return fmt.Errorf("%w: expected secp256k1 commitment, got %T", ErrDLEQ, proof.CommitmentB)
	}
	if !bytes.Equal(commitB.Encode(), secpPub.SerializeCompressed()) {
		return fmt.Errorf("%w: secp256k1 points do not match", ErrDLEQ)
	}
	return nil
}

// ProofPoints verifies a proof and returns the points it commits to.
func ProofPoints(proofB []byte) (edPub []byte, secpPub *btcec.PublicKey, err error) {
	proof, err := parseProof(proofB)
	if err != nil {
		return nil, nil, err
	}
	commitB, ok := proof.CommitmentB.(*dleqSecp.PointImpl)
	if !ok {
		return nil, nil, fmt.Errorf("%w: expected secp256k1 commitment, got %T", ErrDLEQ, proof.CommitmentB)
	}
	secpPub, err = btcec.ParsePubKey(commitB.Encode())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDLEQ, err)
	}
	commitA, ok := proof.CommitmentA.(*dleqEdwards.PointImpl)
	if !ok {
		return nil, nil, fmt.Errorf("%w: expected ed25519 commitment, got %T", ErrDLEQ, proof.CommitmentA)
	}
	return commitA.Encode(), secpPub, nil
}

func parseProof(proofB []byte) (*dleq.Proof, error) {
	edCurve := dleqEdwards.NewCurve()
	secpCurve := dleqSecp.NewCurve()
	proof := new(dleq.Proof)
	if err := proof.Deserialize(edCurve, secpCurve, proofB); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDLEQ, err)
	}
	if err := proof.Verify(edCurve, secpCurve); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDLEQ, err)
	}
	return proof, nil
}
