package helpers

import "encoding/hex"

// ReverseBytes returns a reversed copy of b.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

// ReversedHex hex encodes b in reverse byte order, the way bitcoin daemons
// display hashes and seed ids.
func ReversedHex(b []byte) string {
	return hex.EncodeToString(ReverseBytes(b))
}
