// Package chain defines chain parameters for the coins the swap engine can trade.
// All chain-specific values are hardcoded here - no external configuration needed.
package chain

import (
	"sort"
	"strconv"
	"strings"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // script chains: BTC and forks (LTC, DOGE, DASH, PART)
	ChainTypeMonero  ChainType = "monero"  // scriptless chains, adaptor-signature swaps only
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressP2PKH  AddressType = "p2pkh"
	AddressP2SH   AddressType = "p2sh"
	AddressP2WPKH AddressType = "p2wpkh"
	AddressP2WSH  AddressType = "p2wsh"
	AddressP2TR   AddressType = "p2tr"
	AddressMonero AddressType = "monero"
)

// CoinID is the numeric coin identifier shared with counterparties. It is
// part of the per-swap key derivation path, so values must never change.
type CoinID uint32

const (
	CoinPART CoinID = 1
	CoinBTC  CoinID = 2
	CoinLTC  CoinID = 3
	CoinXMR  CoinID = 6
	CoinDASH CoinID = 12
	CoinDOGE CoinID = 18
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string
	Name     string
	Type     ChainType
	CoinID   CoinID
	Decimals uint8

	// BIP44 coin type, used for the wallet root key m/44'/coin'/0'.
	CoinType uint32

	// NetMagic is the P2P message start of Bitcoin-family chains.
	NetMagic uint32

	// Bitcoin-family address and key prefixes
	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte
	HDPrivateKeyID   [4]byte
	HDPublicKeyID    [4]byte

	// Monero address network bytes
	MoneroAddrByte    uint64
	MoneroSubaddrByte uint64

	// Features
	SupportsSegWit  bool
	SupportsTaproot bool

	// NonStandardTx marks chains whose transaction serialization differs
	// from Bitcoin's. Swap transactions for them cannot be built locally.
	NonStandardTx bool

	// BlocksConfirmed is the default confirmation depth before a
	// transaction is trusted. Overridable per chain in config.
	BlocksConfirmed int

	// UnsignedInputAllowance is added to the size of a not yet signed
	// transaction when estimating its fee.
	UnsignedInputAllowance int

	DefaultAddressType AddressType
}

// IsScriptChain reports whether HTLCs and lock scripts can be built on the chain.
func (p *Params) IsScriptChain() bool {
	return p.Type == ChainTypeBitcoin
}

// HTLCAddressType returns how swap scripts are paid to: P2WSH where SegWit
// is available, plain P2SH otherwise.
func (p *Params) HTLCAddressType() AddressType {
	if p.SupportsSegWit {
		return AddressP2WSH
	}
	return AddressP2SH
}

// RootPath returns the hardened BIP44 account path m/44'/coin'/0' used to
// seed the chain wallet.
func (p *Params) RootPath() []uint32 {
	return []uint32{
		44 + 0x80000000,
		p.CoinType + 0x80000000,
		0x80000000,
	}
}

// RootPathString returns RootPath formatted as a string.
func (p *Params) RootPathString() string {
	return FormatPath(p.RootPath())
}

// FormatPath formats a derivation path, marking hardened indices with '.
func FormatPath(path []uint32) string {
	var sb strings.Builder
	sb.WriteString("m")
	for _, idx := range path {
		sb.WriteByte('/')
		if idx >= 0x80000000 {
			sb.WriteString(strconv.FormatUint(uint64(idx-0x80000000), 10))
			sb.WriteByte('\'')
		} else {
			sb.WriteString(strconv.FormatUint(uint64(idx), 10))
		}
	}
	return sb.String()
}

// Registry holds all chain parameters indexed by symbol.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[strings.ToUpper(symbol)]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// GetByCoinID returns chain params by numeric coin id.
func GetByCoinID(id CoinID, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok && params.CoinID == id {
			return params, true
		}
	}
	return nil, false
}

// List returns all registered chain symbols, sorted.
func List() []string {
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// ListByType returns all chains of a specific type, sorted.
func ListByType(chainType ChainType) []string {
	var symbols []string
	for symbol, nets := range registry {
		for _, params := range nets {
			if params.Type == chainType {
				symbols = append(symbols, symbol)
				break
			}
		}
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[strings.ToUpper(symbol)]
	return ok
}
