package helpers

import "crypto/subtle"

// ConstantTimeCompare compares two byte slices in constant time.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zero overwrites b with zeros. Used to scrub seeds and passphrases.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
