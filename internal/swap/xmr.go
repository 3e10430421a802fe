package swap

import (
	"fmt"

	"filippo.io/edwards25519"
)

// The scriptless lock on the no-script chain is owned by the sum of both
// parties' key shares. Whoever learns the other share can sweep it.

// addScalars returns a + b for two canonical ed25519 scalars.
func addScalars(a, b []byte) ([]byte, error) {
	x, err := edwards25519.NewScalar().SetCanonicalBytes(a)
	if err != nil {
		return nil, fmt.Errorf("%w: bad scalar: %v", ErrProtocolFault, err)
	}
	y, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: bad scalar: %v", ErrProtocolFault, err)
	}
	return edwards25519.NewScalar().Add(x, y).Bytes(), nil
}

// addPoints returns A + B for two encoded ed25519 points.
func addPoints(a, b []byte) ([]byte, error) {
	x, err := new(edwards25519.Point).SetBytes(a)
	if err != nil {
		return nil, fmt.Errorf("%w: bad point: %v", ErrProtocolFault, err)
	}
	y, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: bad point: %v", ErrProtocolFault, err)
	}
	return new(edwards25519.Point).Add(x, y).Bytes(), nil
}

// checkScalar rejects a view share that is not a canonical scalar.
func checkScalar(s []byte) error {
	if _, err := edwards25519.NewScalar().SetCanonicalBytes(s); err != nil {
		return fmt.Errorf("%w: bad scalar: %v", ErrProtocolFault, err)
	}
	return nil
}

// scalarPub returns the public point of a canonical ed25519 scalar.
func scalarPub(s []byte) ([]byte, error) {
	x, err := edwards25519.NewScalar().SetCanonicalBytes(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad scalar: %v", ErrProtocolFault, err)
	}
	return new(edwards25519.Point).ScalarBaseMult(x).Bytes(), nil
}
