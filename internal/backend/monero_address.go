package backend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"filippo.io/edwards25519"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/haven-protocol-org/monero-go-utils/base58"
)

const (
	moneroAlphabet     = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	moneroFullBlock    = 8
	moneroFullEncBlock = 11
	moneroChecksumLen  = 4
)

// moneroEncBlockSizes maps a block's byte length to its encoded length.
var moneroEncBlockSizes = [...]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

var errMoneroBase58 = errors.New("invalid monero base58")

// moneroDecodeBase58 reverses the block-wise base58 used by Monero
// addresses: every 8 bytes encode to 11 characters, and a trailing partial
// block is padded to the width given by moneroEncBlockSizes.
func moneroDecodeBase58(s string) ([]byte, error) {
	fullBlocks := len(s) / moneroFullEncBlock
	lastLen := len(s) % moneroFullEncBlock
	lastSize := -1
	for size, enc := range moneroEncBlockSizes {
		if enc == lastLen {
			lastSize = size
			break
		}
	}
	if lastSize < 0 {
		return nil, fmt.Errorf("%w: bad length %d", errMoneroBase58, len(s))
	}

	out := make([]byte, 0, fullBlocks*moneroFullBlock+lastSize)
	for i := 0; i <= fullBlocks; i++ {
		start := i * moneroFullEncBlock
		end := start + moneroFullEncBlock
		size := moneroFullBlock
		if i == fullBlocks {
			end = len(s)
			size = lastSize
		}
		if size == 0 {
			break
		}
		block, err := moneroDecodeBlock(s[start:end], size)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

func moneroDecodeBlock(chunk string, size int) ([]byte, error) {
	num := new(big.Int)
	radix := big.NewInt(58)
	for _, c := range chunk {
		digit := strings.IndexRune(moneroAlphabet, c)
		if digit < 0 {
			return nil, fmt.Errorf("%w: bad character %q", errMoneroBase58, c)
		}
		num.Mul(num, radix)
		num.Add(num, big.NewInt(int64(digit)))
	}
	if num.BitLen() > size*8 {
		return nil, fmt.Errorf("%w: block overflow", errMoneroBase58)
	}
	block := make([]byte, size)
	num.FillBytes(block)
	return block, nil
}

// moneroAddress is a decoded standard address or subaddress.
type moneroAddress struct {
	Tag      uint64
	SpendPub []byte
	ViewPub  []byte
}

// encodeMoneroAddress encodes a standard address for the given network tag.
func encodeMoneroAddress(tag uint64, spendPub, viewPub []byte) string {
	data := make([]byte, 0, 64)
	data = append(data, spendPub...)
	data = append(data, viewPub...)
	return base58.EncodeAddr(tag, data)
}

// decodeMoneroAddress decodes and checksums a Monero address.
func decodeMoneroAddress(addr string) (*moneroAddress, error) {
	raw, err := moneroDecodeBase58(addr)
	if err != nil {
		return nil, err
	}
	if len(raw) < moneroChecksumLen+1 {
		return nil, fmt.Errorf("%w: too short", errMoneroBase58)
	}
	body, checksum := raw[:len(raw)-moneroChecksumLen], raw[len(raw)-moneroChecksumLen:]
	if !bytes.Equal(crypto.Keccak256(body)[:moneroChecksumLen], checksum) {
		return nil, fmt.Errorf("%w: bad checksum", errMoneroBase58)
	}

	tag, n := binary.Uvarint(body)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad network tag", errMoneroBase58)
	}
	keys := body[n:]
	if len(keys) != 64 {
		return nil, fmt.Errorf("%w: unexpected payload length %d", errMoneroBase58, len(keys))
	}
	return &moneroAddress{Tag: tag, SpendPub: keys[:32], ViewPub: keys[32:]}, nil
}

// moneroScalar reduces a 32-byte little-endian value modulo the group order.
func moneroScalar(b []byte) (*edwards25519.Scalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("scalar must be 32 bytes, got %d", len(b))
	}
	var wide [64]byte
	copy(wide[:], b)
	return edwards25519.NewScalar().SetUniformBytes(wide[:])
}

// moneroKeysFromSeed derives the wallet spend and view keys from a seed. The
// view key is the reduced keccak hash of the spend key, matching wallets
// restored from a spend key alone.
func moneroKeysFromSeed(seed []byte) (spend, view *edwards25519.Scalar, err error) {
	spend, err = moneroScalar(seed)
	if err != nil {
		return nil, nil, err
	}
	view, err = moneroViewKey(spend)
	if err != nil {
		return nil, nil, err
	}
	return spend, view, nil
}

func moneroViewKey(spend *edwards25519.Scalar) (*edwards25519.Scalar, error) {
	return moneroScalar(crypto.Keccak256(spend.Bytes()))
}

func moneroPub(s *edwards25519.Scalar) []byte {
	return new(edwards25519.Point).ScalarBaseMult(s).Bytes()
}
