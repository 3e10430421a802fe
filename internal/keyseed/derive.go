package keyseed

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/klingon-exchange/swapengine/internal/adaptor"
	"github.com/klingon-exchange/swapengine/internal/chain"
)

// swapPurpose roots every per-swap key: m/44445555'/1'/...
const (
	swapPurpose = hdkeychain.HardenedKeyStart + 44445555
	swapAccount = hdkeychain.HardenedKeyStart + 1

	maxShareAttempts = 1024
)

// KeyLeg numbers the keys of one swap, the last index of a KeyPath. Each
// role in the protocol gets its own number so the two legs of a swap never
// share key material.
//
// Script-chain legs are secp256k1 keys handed out by SwapKey. No-script
// legs are key shares valid on ed25519, handed out by SwapKeyShare only;
// in a BTC/XMR swap they are the XMR side's spend and view key halves.
type KeyLeg uint32

const (
	KeyHTLC       KeyLeg = 1 // HTLC redeem/refund key
	KeySecret     KeyLeg = 2 // HTLC preimage
	KeyLock       KeyLeg = 3 // script-chain lock key of a scriptless swap
	KeySpendShare KeyLeg = 4 // no-script spend share, also the adaptor secret
	KeyViewShare  KeyLeg = 5 // no-script view key share
)

// NoScript reports whether the leg's key lives on the no-script chain.
func (l KeyLeg) NoScript() bool {
	return l == KeySpendShare || l == KeyViewShare
}

func (l KeyLeg) String() string {
	switch l {
	case KeyHTLC:
		return "htlc"
	case KeySecret:
		return "secret"
	case KeyLock:
		return "lock"
	case KeySpendShare:
		return "spend_share"
	case KeyViewShare:
		return "view_share"
	}
	return fmt.Sprintf("leg(%d)", uint32(l))
}

// KeyPath identifies one per-swap key. Both parties can rebuild it from the
// bid alone, so nothing here is ever sent over the wire.
type KeyPath struct {
	CoinFrom      chain.CoinID
	CoinTo        chain.CoinID
	CreatedAt     int64
	ContractCount uint32
	Leg           KeyLeg
}

func (p KeyPath) indices() ([]uint32, error) {
	if p.CreatedAt < 0 {
		return nil, fmt.Errorf("invalid bid creation time %d", p.CreatedAt)
	}
	days := p.CreatedAt / 86400
	secs := p.CreatedAt % 86400
	if days >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("bid creation time %d out of range", p.CreatedAt)
	}
	if p.ContractCount >= hdkeychain.HardenedKeyStart || uint32(p.Leg) >= hdkeychain.HardenedKeyStart {
		return nil, errors.New("key path index out of range")
	}
	return []uint32{
		swapPurpose,
		swapAccount,
		uint32(p.CoinFrom),
		uint32(p.CoinTo),
		uint32(days),
		uint32(secs),
		p.ContractCount,
		uint32(p.Leg),
	}, nil
}

// String formats the path like a BIP32 path.
func (p KeyPath) String() string {
	idx, err := p.indices()
	if err != nil {
		return "m/invalid"
	}
	return chain.FormatPath(idx)
}

// deriveChild walks kids from parent, skipping the rare invalid child.
func deriveChild(parent *hdkeychain.ExtendedKey, kids []uint32) (*hdkeychain.ExtendedKey, error) {
	key := parent
	for _, idx := range kids {
		var child *hdkeychain.ExtendedKey
		var err error
		for {
			child, err = key.Derive(idx)
			if !errors.Is(err, hdkeychain.ErrInvalidChild) {
				break
			}
			idx++
		}
		if err != nil {
			return nil, fmt.Errorf("derive %d: %w", idx, err)
		}
		key = child
	}
	return key, nil
}

func swapPrivKey(master *hdkeychain.ExtendedKey, path KeyPath) (*btcec.PrivateKey, error) {
	if path.Leg.NoScript() {
		return nil, fmt.Errorf("%w: %s is a no-script leg", ErrWrongKeyLeg, path.Leg)
	}
	idx, err := path.indices()
	if err != nil {
		return nil, err
	}
	leaf, err := deriveChild(master, idx)
	if err != nil {
		return nil, err
	}
	return leaf.ECPrivKey()
}

// swapKeyShare derives a secret usable on ed25519 and secp256k1. Children
// of the path leaf are tried in order until one is below 2^252.
func swapKeyShare(master *hdkeychain.ExtendedKey, path KeyPath) (*adaptor.KeyShare, error) {
	if !path.Leg.NoScript() {
		return nil, fmt.Errorf("%w: %s is a script-chain leg", ErrWrongKeyLeg, path.Leg)
	}
	idx, err := path.indices()
	if err != nil {
		return nil, err
	}
	leaf, err := deriveChild(master, idx)
	if err != nil {
		return nil, err
	}
	for nonce := uint32(1); nonce <= maxShareAttempts; nonce++ {
		child, err := deriveChild(leaf, []uint32{nonce})
		if err != nil {
			return nil, err
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}
		if share, err := adaptor.KeyShareFromSecp256k1(&priv.Key); err == nil {
			return share, nil
		}
	}
	return nil, fmt.Errorf("no valid key share under %s", path)
}

// chainSeed derives the 32 byte wallet seed for a chain from m/44'/coin'/0'.
func chainSeed(master *hdkeychain.ExtendedKey, params *chain.Params) ([]byte, error) {
	key, err := deriveChild(master, params.RootPath())
	if err != nil {
		return nil, err
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return priv.Serialize(), nil
}
