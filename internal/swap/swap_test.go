package swap

import (
	"errors"
	"testing"

	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/internal/watch"
	"github.com/klingon-exchange/swapengine/pkg/helpers"
)

func TestOfferValidate(t *testing.T) {
	valid := Offer{
		CoinFrom:  "BTC",
		CoinTo:    "LTC",
		Variant:   VariantScript,
		Amount:    100_000_000,
		Rate:      250_000_000,
		LockType:  LockSequenceBlocks,
		LockValue: 48,
	}

	tests := []struct {
		name    string
		modify  func(o *Offer)
		wantErr error
	}{
		{"valid script", func(o *Offer) {}, nil},
		{"valid cltv", func(o *Offer) { o.LockType = LockAbsoluteTime; o.LockValue = 7200 }, nil},
		{"valid scriptless", func(o *Offer) { o.Variant = VariantScriptless; o.CoinTo = "XMR" }, nil},
		{"unknown chain", func(o *Offer) { o.CoinFrom = "ZEC" }, ErrUnsupportedChain},
		{"zero amount", func(o *Offer) { o.Amount = 0 }, ErrInvalidOffer},
		{"negative rate", func(o *Offer) { o.Rate = -1 }, ErrInvalidOffer},
		{"zero lock", func(o *Offer) { o.LockValue = 0 }, ErrInvalidOffer},
		{"csv too large", func(o *Offer) { o.LockValue = 70_000 }, ErrInvalidOffer},
		{"unknown lock type", func(o *Offer) { o.LockType = "weeks" }, ErrInvalidOffer},
		{"unknown variant", func(o *Offer) { o.Variant = "lightning" }, ErrInvalidOffer},
		{"script with xmr", func(o *Offer) { o.CoinTo = "XMR" }, ErrUnsupportedSwap},
		{"script with doge", func(o *Offer) { o.CoinTo = "DOGE" }, nil},
		{"scriptless without taproot", func(o *Offer) {
			o.Variant = VariantScriptless
			o.CoinFrom = "DASH"
			o.CoinTo = "XMR"
		}, ErrUnsupportedSwap},
		{"scriptless to ltc", func(o *Offer) { o.Variant = VariantScriptless }, ErrUnsupportedSwap},
		{"scriptless cltv", func(o *Offer) {
			o.Variant = VariantScriptless
			o.CoinTo = "XMR"
			o.LockType = LockAbsoluteTime
		}, ErrInvalidOffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.modify(&o)
			err := o.Validate(chain.Testnet)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAmountTo(t *testing.T) {
	tests := []struct {
		amount, rate int64
		decimals     uint8
		want         int64
	}{
		{100_000_000, 250_000_000, 8, 250_000_000},
		{50_000_000, 250_000_000, 8, 125_000_000},
		{1, 1, 8, 0},
		// large values must not overflow before the division
		{2_100_000_000_000_000, 1_000_000_000_000, 12, 2_100_000_000_000_000},
	}
	for _, tt := range tests {
		if got := AmountTo(tt.amount, tt.rate, tt.decimals); got != tt.want {
			t.Errorf("AmountTo(%d, %d, %d) = %d, want %d", tt.amount, tt.rate, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		symbol, input string
		want          int64
		wantErr       error
	}{
		{"BTC", "1.5", 150_000_000, nil},
		{"XMR", "0.000000000001", 1, nil},
		{"BTC", "0.000000001", 0, helpers.ErrAmountDecimals},
		{"BTC", "1,5", 0, helpers.ErrAmountChars},
		{"BTC", "99999999999999999999", 0, helpers.ErrAmountOverflow},
		{"ZEC", "1", 0, ErrUnsupportedChain},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.symbol, tt.input, chain.Mainnet)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseAmount(%s, %q) error = %v, want %v", tt.symbol, tt.input, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAmount(%s, %q) = %d, %v, want %d", tt.symbol, tt.input, got, err, tt.want)
		}
	}
	if got := FormatAmount("LTC", 250_000_000, chain.Mainnet); got != "2.5" {
		t.Errorf("FormatAmount() = %s, want 2.5", got)
	}
}

func TestBidSlots(t *testing.T) {
	b := &Bid{CoinFrom: "BTC", CoinTo: "XMR"}
	if b.HasTx(TxScriptLock) {
		t.Error("empty bid should have no transactions")
	}
	s := b.Slot(TxScriptLock)
	if b.Slot(TxScriptLock) != s {
		t.Error("Slot() should return the same slot")
	}
	if b.HasTx(TxScriptLock) {
		t.Error("an empty slot is not a transaction")
	}
	s.TxID = "aa"
	if !b.HasTx(TxScriptLock) {
		t.Error("HasTx() should see the txid")
	}
	if s.Confirmed() {
		t.Error("slot without confirmations is not confirmed")
	}

	for role, want := range map[watch.TxRole]string{
		TxScriptLock:       "BTC",
		TxScriptLockRefund: "BTC",
		TxNoScriptLock:     "XMR",
		TxNoScriptSweep:    "XMR",
	} {
		if got := b.ChainOf(role); got != want {
			t.Errorf("ChainOf(%s) = %s, want %s", role, got, want)
		}
	}
}
