package chain

func init() {
	Register("LTC", Mainnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinLTC,
		Decimals: 8,
		CoinType: 2,

		NetMagic:         0xdbb6c0fb,
		PubKeyHashAddrID: 0x30, // L...
		ScriptHashAddrID: 0x32, // M...
		Bech32HRP:        "ltc",
		WIF:              0xB0,
		HDPrivateKeyID:   [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv
		HDPublicKeyID:    [4]byte{0x01, 0x9d, 0xa4, 0x62}, // Ltub

		SupportsSegWit:  true,
		SupportsTaproot: true, // activated alongside MWEB

		BlocksConfirmed:        2,
		UnsignedInputAllowance: 27,

		DefaultAddressType: AddressP2WPKH,
	})

	Register("LTC", Testnet, &Params{
		Symbol:   "LTC",
		Name:     "Litecoin Testnet",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinLTC,
		Decimals: 8,
		CoinType: 1,

		NetMagic:         0xf1c8d2fd,
		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0x3A, // Q...
		Bech32HRP:        "tltc",
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x36, 0xef, 0x7d}, // ttpv
		HDPublicKeyID:    [4]byte{0x04, 0x36, 0xf6, 0xe1}, // ttub

		SupportsSegWit:  true,
		SupportsTaproot: true,

		BlocksConfirmed:        2,
		UnsignedInputAllowance: 27,

		DefaultAddressType: AddressP2WPKH,
	})
}
