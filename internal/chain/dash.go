package chain

func init() {
	Register("DASH", Mainnet, &Params{
		Symbol:   "DASH",
		Name:     "Dash",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinDASH,
		Decimals: 8,
		CoinType: 5,

		NetMagic:         0xbd6b0cbf,
		PubKeyHashAddrID: 0x4C, // X...
		ScriptHashAddrID: 0x10, // 7...
		WIF:              0xCC,
		HDPrivateKeyID:   [4]byte{0x04, 0x88, 0xad, 0xe4},
		HDPublicKeyID:    [4]byte{0x04, 0x88, 0xb2, 0x1e},

		BlocksConfirmed:        1,
		UnsignedInputAllowance: 107,

		DefaultAddressType: AddressP2PKH,
	})

	Register("DASH", Testnet, &Params{
		Symbol:   "DASH",
		Name:     "Dash Testnet",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinDASH,
		Decimals: 8,
		CoinType: 1,

		NetMagic:         0xffcae2ce,
		PubKeyHashAddrID: 0x8C, // y...
		ScriptHashAddrID: 0x13, // 8 or 9
		WIF:              0xEF,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94},
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf},

		BlocksConfirmed:        1,
		UnsignedInputAllowance: 107,

		DefaultAddressType: AddressP2PKH,
	})
}
