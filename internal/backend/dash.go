package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/pkg/helpers"
	"github.com/klingon-exchange/swapengine/pkg/logging"
	"github.com/tyler-smith/go-bip39"
)

// DashBackend is a BitcoinBackend for Dash Core. Dash wallets expose their
// seed through dumphdinfo rather than getwalletinfo, and v20 wallets can be
// built from a BIP39 mnemonic with upgradetohd.
type DashBackend struct {
	*BitcoinBackend
	v20Compatible bool
}

// NewDashBackend creates a Dash backend.
func NewDashBackend(params *chain.Params, cfg Config, log *logging.Logger) (*DashBackend, error) {
	base, err := NewBitcoinBackend(params, cfg, log)
	if err != nil {
		return nil, err
	}
	d := &DashBackend{BitcoinBackend: base, v20Compatible: cfg.WalletV20Compatible}
	base.cachePassphrase = d.v20Compatible
	base.seedID = d.hdSeedInfoID
	return d, nil
}

type dashHDInfo struct {
	HDSeed   string `json:"hdseed"`
	Mnemonic string `json:"mnemonic"`
}

func (d *DashBackend) dumpHDInfo(ctx context.Context) (*dashHDInfo, error) {
	var info dashHDInfo
	if err := d.rpc.CallWallet(ctx, "dumphdinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// hdSeedInfoID fingerprints the raw hdseed reported by dumphdinfo. Wallets
// without an HD chain report SeedNotFound.
func (d *DashBackend) hdSeedInfoID(ctx context.Context) (string, error) {
	info, err := d.dumpHDInfo(ctx)
	if err != nil {
		if errors.Is(err, ErrWalletLocked) || errors.Is(err, ErrTransient) {
			return "", err
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return SeedNotFound, nil
		}
		return "", err
	}
	seed, err := hex.DecodeString(info.HDSeed)
	if err != nil || len(seed) == 0 {
		return SeedNotFound, nil
	}
	defer helpers.Zero(seed)
	return hdSeedID(seed)
}

// InitialiseWalletFromSeed sets the wallet seed. v20 compatible wallets are
// upgraded from the mnemonic encoding of seed so the wallet can be restored
// from the words alone.
func (d *DashBackend) InitialiseWalletFromSeed(ctx context.Context, seed []byte, restoreTime int64) error {
	if !d.v20Compatible {
		return d.BitcoinBackend.InitialiseWalletFromSeed(ctx, seed, restoreTime)
	}

	d.mu.Lock()
	d.seedChecked = false
	d.mu.Unlock()

	d.log.Warn("generating wallet compatible with v20 seed")
	words, err := bip39.NewMnemonic(seed)
	if err != nil {
		return fmt.Errorf("failed to encode seed as mnemonic: %w", err)
	}
	passphrase := d.cachedPassphrase()
	if err := d.rpc.CallWallet(ctx, "upgradetohd", []interface{}{words, "", passphrase}, nil); err != nil {
		return err
	}
	if passphrase != "" {
		return d.UnlockWallet(ctx, passphrase)
	}
	return nil
}

// CheckWalletMatchesSeed compares the wallet against expected. A wallet
// built from a mnemonic is fingerprinted by the mnemonic's entropy.
func (d *DashBackend) CheckWalletMatchesSeed(ctx context.Context, expected string) (bool, error) {
	info, err := d.dumpHDInfo(ctx)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && !errors.Is(err, ErrWalletLocked) {
			// No HD chain to dump
			d.log.Debug("dumphdinfo failed", "error", err)
			return d.recordSeedCheck(SeedNotFound, expected), nil
		}
		return false, seedReadError(d.Symbol(), err)
	}

	var have string
	if info.Mnemonic != "" {
		have, err = mnemonicSeedID(info.Mnemonic)
	} else {
		have, err = d.hdSeedInfoID(ctx)
	}
	if err != nil {
		return false, seedReadError(d.Symbol(), err)
	}
	return d.recordSeedCheck(have, expected), nil
}

// GetSpendableBalance returns getwalletinfo's balance. Dash Core has no
// getbalances.
func (d *DashBackend) GetSpendableBalance(ctx context.Context) (int64, error) {
	var info struct {
		Balance json.Number `json:"balance"`
	}
	if err := d.rpc.CallWallet(ctx, "getwalletinfo", nil, &info); err != nil {
		return 0, err
	}
	return d.makeInt(info.Balance)
}

// SendToAddress pays value to address from the wallet.
func (d *DashBackend) SendToAddress(ctx context.Context, address string, value int64) (string, error) {
	return d.WithdrawCoin(ctx, value, address, false)
}

// WithdrawCoin pays value to address. Dash's sendtoaddress takes the
// confirmation target after the use_is and use_cj flags.
func (d *DashBackend) WithdrawCoin(ctx context.Context, value int64, address string, subfee bool) (string, error) {
	amount, err := d.amountParam(value)
	if err != nil {
		return "", err
	}
	var txid string
	params := []interface{}{address, amount, "", "", subfee, false, false, d.cfg.ConfTarget}
	err = d.rpc.CallWallet(ctx, "sendtoaddress", params, &txid)
	return txid, err
}

var _ ScriptBackend = (*DashBackend)(nil)
