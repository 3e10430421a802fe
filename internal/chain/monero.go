package chain

func init() {
	Register("XMR", Mainnet, &Params{
		Symbol:   "XMR",
		Name:     "Monero",
		Type:     ChainTypeMonero,
		CoinID:   CoinXMR,
		Decimals: 12,
		// Monero keys are not BIP44 derived; 128 only names the wallet root.
		CoinType: 128,

		MoneroAddrByte:    18,
		MoneroSubaddrByte: 42,

		BlocksConfirmed: 10,

		DefaultAddressType: AddressMonero,
	})

	// Stagenet
	Register("XMR", Testnet, &Params{
		Symbol:   "XMR",
		Name:     "Monero Stagenet",
		Type:     ChainTypeMonero,
		CoinID:   CoinXMR,
		Decimals: 12,
		CoinType: 128,

		MoneroAddrByte:    24,
		MoneroSubaddrByte: 36,

		BlocksConfirmed: 10,

		DefaultAddressType: AddressMonero,
	})
}
