package chain

func init() {
	Register("BTC", Mainnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinBTC,
		Decimals: 8,
		CoinType: 0,

		NetMagic:         0xd9b4bef9,
		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
		WIF:              0x80,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub

		SupportsSegWit:  true,
		SupportsTaproot: true,

		BlocksConfirmed: 1,
		// P2WPKH witness, in vbytes
		UnsignedInputAllowance: 27,

		DefaultAddressType: AddressP2WPKH,
	})

	// testnet3
	Register("BTC", Testnet, &Params{
		Symbol:   "BTC",
		Name:     "Bitcoin Testnet",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinBTC,
		Decimals: 8,
		CoinType: 1,

		NetMagic:         0x0709110b,
		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		SupportsSegWit:  true,
		SupportsTaproot: true,

		BlocksConfirmed:        1,
		UnsignedInputAllowance: 27,

		DefaultAddressType: AddressP2WPKH,
	})
}
