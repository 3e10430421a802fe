package chain

func init() {
	Register("DOGE", Mainnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinDOGE,
		Decimals: 8,
		CoinType: 3,

		NetMagic:         0xc0c0c0c0,
		PubKeyHashAddrID: 0x1E, // D...
		ScriptHashAddrID: 0x16, // 9 or A
		WIF:              0x9E,
		HDPrivateKeyID:   [4]byte{0x02, 0xfa, 0xc3, 0x98}, // dgpv
		HDPublicKeyID:    [4]byte{0x02, 0xfa, 0xca, 0xfd}, // dgub

		BlocksConfirmed: 2,
		// scriptSig of a P2PKH input: signature plus compressed pubkey
		UnsignedInputAllowance: 107,

		DefaultAddressType: AddressP2PKH,
	})

	Register("DOGE", Testnet, &Params{
		Symbol:   "DOGE",
		Name:     "Dogecoin Testnet",
		Type:     ChainTypeBitcoin,
		CoinID:   CoinDOGE,
		Decimals: 8,
		CoinType: 1,

		NetMagic:         0xdcb7c1fc,
		PubKeyHashAddrID: 0x71, // n...
		ScriptHashAddrID: 0xC4,
		WIF:              0xF1,
		HDPrivateKeyID:   [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:    [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub

		BlocksConfirmed:        2,
		UnsignedInputAllowance: 107,

		DefaultAddressType: AddressP2PKH,
	})
}
