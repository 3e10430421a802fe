package backend

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/klingon-exchange/swapengine/pkg/helpers"
	"github.com/tyler-smith/go-bip39"
)

// hdSeedID returns the id bitcoin-family daemons report for an HD seed: the
// hash160 of the seed's compressed public key, in reversed byte order.
func hdSeedID(seed []byte) (string, error) {
	if len(seed) != btcec.PrivKeyBytesLen {
		return "", fmt.Errorf("seed must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(seed))
	}
	_, pub := btcec.PrivKeyFromBytes(seed)
	return helpers.ReversedHex(btcutil.Hash160(pub.SerializeCompressed())), nil
}

// mnemonicSeedID recovers the entropy behind a BIP39 mnemonic and returns
// its hdSeedID, so a mnemonic wallet compares equal to the raw seed it was
// generated from.
func mnemonicSeedID(mnemonic string) (string, error) {
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("invalid wallet mnemonic: %w", err)
	}
	defer helpers.Zero(entropy)
	return hdSeedID(entropy)
}
