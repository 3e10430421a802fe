package chain

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
)

func TestAllChainsRegistered(t *testing.T) {
	expectedChains := []string{"BTC", "LTC", "DOGE", "DASH", "PART", "XMR"}

	for _, symbol := range expectedChains {
		if !IsSupported(symbol) {
			t.Errorf("expected %s to be registered", symbol)
		}
		for _, net := range []Network{Mainnet, Testnet} {
			if _, ok := Get(symbol, net); !ok {
				t.Errorf("%s %s not registered", symbol, net)
			}
		}
	}
}

func TestGetIsCaseInsensitive(t *testing.T) {
	if _, ok := Get("dash", Mainnet); !ok {
		t.Error("Get(dash) should find DASH")
	}
}

func TestCoinIDsUnique(t *testing.T) {
	seen := make(map[CoinID]string)
	for _, symbol := range List() {
		p, _ := Get(symbol, Mainnet)
		if other, dup := seen[p.CoinID]; dup {
			t.Errorf("coin id %d used by %s and %s", p.CoinID, other, symbol)
		}
		seen[p.CoinID] = symbol

		byID, ok := GetByCoinID(p.CoinID, Mainnet)
		if !ok || byID.Symbol != symbol {
			t.Errorf("GetByCoinID(%d) = %v, want %s", p.CoinID, byID, symbol)
		}
	}
}

func TestDashMainnet(t *testing.T) {
	params, ok := Get("DASH", Mainnet)
	if !ok {
		t.Fatal("DASH mainnet should be registered")
	}

	if params.PubKeyHashAddrID != 0x4C {
		t.Errorf("PubKeyHashAddrID = %#x, want 0x4c", params.PubKeyHashAddrID)
	}
	if params.CoinType != 5 {
		t.Errorf("CoinType = %d, want 5", params.CoinType)
	}
	if params.SupportsSegWit {
		t.Error("DASH should not support SegWit")
	}
	if params.UnsignedInputAllowance != 107 {
		t.Errorf("UnsignedInputAllowance = %d, want 107", params.UnsignedInputAllowance)
	}
	if params.HTLCAddressType() != AddressP2SH {
		t.Errorf("HTLCAddressType = %s, want p2sh", params.HTLCAddressType())
	}
}

func TestHTLCAddressType(t *testing.T) {
	tests := []struct {
		symbol string
		want   AddressType
	}{
		{"BTC", AddressP2WSH},
		{"LTC", AddressP2WSH},
		{"PART", AddressP2WSH},
		{"DOGE", AddressP2SH},
		{"DASH", AddressP2SH},
	}
	for _, tt := range tests {
		p, _ := Get(tt.symbol, Mainnet)
		if got := p.HTLCAddressType(); got != tt.want {
			t.Errorf("%s HTLCAddressType = %s, want %s", tt.symbol, got, tt.want)
		}
	}
}

func TestMoneroIsScriptless(t *testing.T) {
	params, _ := Get("XMR", Mainnet)
	if params.IsScriptChain() {
		t.Error("XMR must not be a script chain")
	}
	if params.Decimals != 12 {
		t.Errorf("Decimals = %d, want 12", params.Decimals)
	}
	if params.NetParams() != nil {
		t.Error("XMR should have no btcd net params")
	}
	if params.BlocksConfirmed != 10 {
		t.Errorf("BlocksConfirmed = %d, want 10", params.BlocksConfirmed)
	}
}

func TestRootPathString(t *testing.T) {
	p, _ := Get("DASH", Mainnet)
	if got := p.RootPathString(); got != "m/44'/5'/0'" {
		t.Errorf("RootPathString = %s, want m/44'/5'/0'", got)
	}
	if got := FormatPath([]uint32{0x80000001, 7}); got != "m/1'/7" {
		t.Errorf("FormatPath = %s, want m/1'/7", got)
	}
}

func TestNetParamsAddressPrefix(t *testing.T) {
	hash := make([]byte, 20)
	tests := []struct {
		symbol string
		net    Network
		prefix byte
	}{
		{"DASH", Mainnet, 'X'},
		{"DASH", Testnet, 'y'},
		{"DOGE", Mainnet, 'D'},
		{"LTC", Mainnet, 'L'},
		{"BTC", Mainnet, '1'},
	}
	for _, tt := range tests {
		p, _ := Get(tt.symbol, tt.net)
		addr, err := btcutil.NewAddressPubKeyHash(hash, p.NetParams())
		if err != nil {
			t.Fatalf("%s: %v", tt.symbol, err)
		}
		if s := addr.EncodeAddress(); s[0] != tt.prefix {
			t.Errorf("%s %s address %s, want prefix %c", tt.symbol, tt.net, s, tt.prefix)
		}
	}

	btc, _ := Get("BTC", Mainnet)
	if btc.NetParams() != btc.NetParams() {
		t.Error("NetParams should be cached")
	}
}

func TestNetParamsDecodeForkBech32(t *testing.T) {
	hash := make([]byte, 20)
	for _, net := range []Network{Mainnet, Testnet} {
		p, _ := Get("LTC", net)
		addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, p.NetParams())
		if err != nil {
			t.Fatalf("LTC %s: %v", net, err)
		}
		decoded, err := btcutil.DecodeAddress(addr.EncodeAddress(), p.NetParams())
		if err != nil {
			t.Fatalf("DecodeAddress(%s) error = %v", addr.EncodeAddress(), err)
		}
		if !decoded.IsForNet(p.NetParams()) {
			t.Errorf("%s not for LTC %s", addr.EncodeAddress(), net)
		}
	}
}
