package chain

func init() {
	Register("PART", Mainnet, &Params{
		Symbol:   "PART",
		Name:     "Particl",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinPART,
		Decimals: 8,
		CoinType: 44,

		NetMagic:         0xb4eff2fb,
		PubKeyHashAddrID: 0x38, // P...
		ScriptHashAddrID: 0x3C, // R...
		Bech32HRP:        "pw",
		WIF:              0x6C,
		HDPrivateKeyID:   [4]byte{0x8f, 0x1d, 0xae, 0xb8},
		HDPublicKeyID:    [4]byte{0x69, 0x6e, 0x82, 0xd1},

		SupportsSegWit: true,
		// version 0xa0 transactions
		NonStandardTx:  true,

		BlocksConfirmed:        2,
		UnsignedInputAllowance: 27,

		DefaultAddressType: AddressP2WPKH,
	})

	Register("PART", Testnet, &Params{
		Symbol:   "PART",
		Name:     "Particl Testnet",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinPART,
		Decimals: 8,
		CoinType: 1,

		NetMagic:         0x0b051108,
		PubKeyHashAddrID: 0x76, // p...
		ScriptHashAddrID: 0x7A,
		Bech32HRP:        "tpw",
		WIF:              0x2E,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0x94, 0x78},
		HDPublicKeyID:    [4]byte{0xe1, 0x42, 0x78, 0x00},

		SupportsSegWit: true,
		// version 0xa0 transactions
		NonStandardTx:  true,

		BlocksConfirmed:        2,
		UnsignedInputAllowance: 27,

		DefaultAddressType: AddressP2WPKH,
	})
}
