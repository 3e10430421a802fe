package chain

import (
	"errors"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

var (
	netParamsMu    sync.Mutex
	netParamsCache = make(map[*Params]*chaincfg.Params)
)

// NetParams returns btcd network parameters carrying this chain's address
// and key prefixes, for use with btcutil and txscript. Only the prefix
// fields are meaningful; consensus fields are inherited from Bitcoin.
// Returns nil for chains outside the Bitcoin family.
//
// SegWit forks are registered with chaincfg on first use, which btcutil
// needs to decode their bech32 addresses.
func (p *Params) NetParams() *chaincfg.Params {
	if p.Type != ChainTypeBitcoin {
		return nil
	}

	netParamsMu.Lock()
	defer netParamsMu.Unlock()
	if np, ok := netParamsCache[p]; ok {
		return np
	}

	var np chaincfg.Params
	if p.CoinType == 1 {
		np = chaincfg.TestNet3Params
	} else {
		np = chaincfg.MainNetParams
	}
	base := np.Net
	np.Name = p.Name
	np.PubKeyHashAddrID = p.PubKeyHashAddrID
	np.ScriptHashAddrID = p.ScriptHashAddrID
	np.PrivateKeyID = p.WIF
	np.Bech32HRPSegwit = p.Bech32HRP
	np.HDPrivateKeyID = p.HDPrivateKeyID
	np.HDPublicKeyID = p.HDPublicKeyID
	np.HDCoinType = p.CoinType
	if p.NetMagic != 0 {
		np.Net = wire.BitcoinNet(p.NetMagic)
	}

	if np.Net != base && p.Bech32HRP != "" {
		if err := chaincfg.Register(&np); err != nil && !errors.Is(err, chaincfg.ErrDuplicateNet) {
			return nil
		}
	}

	netParamsCache[p] = &np
	return &np
}
