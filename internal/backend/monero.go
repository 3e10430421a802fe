package backend

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"filippo.io/edwards25519"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/pkg/logging"
)

// monero-wallet-rpc error codes.
const (
	moneroCodeWrongTxID         = -8
	moneroCodeWalletExists      = -21
	moneroCodeNotEnoughUnlocked = -37
)

// MoneroBackend drives monero-wallet-rpc. The wallet RPC can only have one
// wallet open, so operations on temporary lock wallets switch away from the
// main wallet and back while holding the switch lock exclusively.
type MoneroBackend struct {
	params *chain.Params
	rpc    *RPCClient
	cfg    Config
	log    *logging.Logger

	switchMu sync.RWMutex

	mu          sync.Mutex
	password    string
	seedChecked bool
	seedWarning bool
}

// NewMoneroBackend creates a backend for monero-wallet-rpc at cfg.URL.
func NewMoneroBackend(params *chain.Params, cfg Config, log *logging.Logger) (*MoneroBackend, error) {
	if params == nil || params.Type != chain.ChainTypeMonero {
		return nil, fmt.Errorf("%w: not a monero chain", ErrUnsupportedChain)
	}
	if log == nil {
		log = logging.GetDefault().Component("backend").Component(params.Symbol)
	}
	if cfg.BlocksConfirmed <= 0 {
		cfg.BlocksConfirmed = params.BlocksConfirmed
	}
	url := cfg.URL
	if !strings.HasSuffix(url, "/json_rpc") {
		url = strings.TrimSuffix(url, "/") + "/json_rpc"
	}
	return &MoneroBackend{
		params: params,
		rpc:    NewRPCClient(params.Symbol, url, "", cfg.User, cfg.Pass, cfg.Timeout, log),
		cfg:    cfg,
		log:    log,
	}, nil
}

func (m *MoneroBackend) Symbol() string { return m.params.Symbol }

func (m *MoneroBackend) Params() *chain.Params { return m.params }

func (m *MoneroBackend) RequiredConfirmations() int { return m.cfg.BlocksConfirmed }

func (m *MoneroBackend) Close() error { return nil }

// Connect checks the wallet RPC answers.
func (m *MoneroBackend) Connect(ctx context.Context) error {
	if err := m.rpc.Call(ctx, "get_version", nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// DecodeAddress returns the public spend key of a Monero address.
func (m *MoneroBackend) DecodeAddress(address string) ([]byte, error) {
	addr, err := decodeMoneroAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if addr.Tag != m.params.MoneroAddrByte && addr.Tag != m.params.MoneroSubaddrByte {
		return nil, fmt.Errorf("%w: wrong network tag %d", ErrInvalidAddress, addr.Tag)
	}
	return addr.SpendPub, nil
}

// EncodeKey hex encodes a private key the way the wallet RPC expects it.
func (m *MoneroBackend) EncodeKey(key []byte) (string, error) {
	if len(key) != 32 {
		return "", errors.New("key must be 32 bytes")
	}
	return hex.EncodeToString(key), nil
}

// GetNewAddress creates a subaddress in the primary account.
func (m *MoneroBackend) GetNewAddress(ctx context.Context) (string, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	var res struct {
		Address string `json:"address"`
	}
	if err := m.rpc.Call(ctx, "create_address", map[string]interface{}{"account_index": 0}, &res); err != nil {
		return "", err
	}
	return res.Address, nil
}

// GetSpendableBalance returns the unlocked balance of the primary account.
func (m *MoneroBackend) GetSpendableBalance(ctx context.Context) (int64, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	return m.unlockedBalance(ctx)
}

func (m *MoneroBackend) unlockedBalance(ctx context.Context) (int64, error) {
	var res struct {
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	if err := m.rpc.Call(ctx, "get_balance", map[string]interface{}{"account_index": 0}, &res); err != nil {
		return 0, err
	}
	return int64(res.UnlockedBalance), nil
}

// EstimateFee applies the linear fee model. Monero transactions are built
// by the wallet, so there is no unsigned allowance.
func (m *MoneroBackend) EstimateFee(txSize int, feeRate int64, unsigned bool) int64 {
	return feeForSize(txSize, feeRate)
}

type moneroTransfer struct {
	TxID          string `json:"txid"`
	Amount        uint64 `json:"amount"`
	Height        int64  `json:"height"`
	Confirmations int    `json:"confirmations"`
}

func (m *MoneroBackend) transferByTxID(ctx context.Context, txid string) (*moneroTransfer, error) {
	var res struct {
		Transfer moneroTransfer `json:"transfer"`
	}
	err := m.rpc.Call(ctx, "get_transfer_by_txid", map[string]interface{}{"txid": txid}, &res)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == moneroCodeWrongTxID {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	if err != nil {
		return nil, err
	}
	return &res.Transfer, nil
}

// FindConfirmedWalletTxn returns a wallet transfer once it is deep enough.
func (m *MoneroBackend) FindConfirmedWalletTxn(ctx context.Context, txid string) (*TxSummary, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	t, err := m.transferByTxID(ctx, txid)
	if errors.Is(err, ErrTxNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Confirmations < m.cfg.BlocksConfirmed {
		return nil, nil
	}
	return &TxSummary{TxID: txid, Amount: int64(t.Amount), Height: t.Height}, nil
}

// GetTxDepth reports the depth of a wallet transfer.
func (m *MoneroBackend) GetTxDepth(ctx context.Context, txid string) (*TxDepth, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	t, err := m.transferByTxID(ctx, txid)
	if err != nil {
		return nil, err
	}
	depth := &TxDepth{Depth: -1}
	if t.Height > 0 {
		depth.Depth = t.Confirmations
	}
	return depth, nil
}

// GetBlockHeight returns the wallet's view of the chain height.
func (m *MoneroBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	var res struct {
		Height int64 `json:"height"`
	}
	if err := m.rpc.Call(ctx, "get_height", nil, &res); err != nil {
		return 0, err
	}
	return res.Height, nil
}

// ============ Seed and encryption ============

// InitialiseWalletFromSeed creates the main wallet from keys derived from
// seed. The restore height comes from configuration since Monero wallets
// restore by height rather than time.
func (m *MoneroBackend) InitialiseWalletFromSeed(ctx context.Context, seed []byte, restoreTime int64) error {
	m.mu.Lock()
	m.seedChecked = false
	password := m.password
	m.mu.Unlock()

	spend, view, err := moneroKeysFromSeed(seed)
	if err != nil {
		return err
	}
	address := encodeMoneroAddress(m.params.MoneroAddrByte, moneroPub(spend), moneroPub(view))

	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.log.Info("creating wallet from seed", "restore_height", m.cfg.RestoreHeight)
	return m.rpc.Call(ctx, "generate_from_keys", map[string]interface{}{
		"restore_height":   m.cfg.RestoreHeight,
		"filename":         m.cfg.Wallet,
		"address":          address,
		"spendkey":         hex.EncodeToString(spend.Bytes()),
		"viewkey":          hex.EncodeToString(view.Bytes()),
		"password":         password,
		"autosave_current": true,
	}, nil)
}

// SeedFingerprint is the hex public spend key derived from seed.
func (m *MoneroBackend) SeedFingerprint(seed []byte) (string, error) {
	spend, err := moneroScalar(seed)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(moneroPub(spend)), nil
}

var errBadSpendKey = errors.New("bad spend key from wallet")

func (m *MoneroBackend) walletSpendPub(ctx context.Context) (string, error) {
	var res struct {
		Key string `json:"key"`
	}
	if err := m.rpc.Call(ctx, "query_key", map[string]interface{}{"key_type": "spend_key"}, &res); err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(res.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadSpendKey, err)
	}
	spend, err := edwards25519.NewScalar().SetCanonicalBytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadSpendKey, err)
	}
	return hex.EncodeToString(moneroPub(spend)), nil
}

// CheckWalletMatchesSeed compares the wallet's public spend key.
func (m *MoneroBackend) CheckWalletMatchesSeed(ctx context.Context, expected string) (bool, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	have, err := m.walletSpendPub(ctx)
	if errors.Is(err, errBadSpendKey) {
		m.log.Warn("wallet returned an unusable spend key", "error", err)
		return false, nil
	}
	if err != nil {
		return false, seedReadError(m.Symbol(), err)
	}
	if have != expected {
		m.log.Debug("wallet seed mismatch", "have", have, "expected", expected)
		return false, nil
	}
	m.mu.Lock()
	m.seedChecked = true
	m.mu.Unlock()
	return true, nil
}

func (m *MoneroBackend) SeedChecked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seedChecked
}

func (m *MoneroBackend) SeedWarning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seedWarning
}

// IsWalletEncrypted reports whether the main wallet needs a password. With
// no password known the wallet is opened with an empty one: success means
// it is not encrypted.
func (m *MoneroBackend) IsWalletEncrypted(ctx context.Context) (bool, error) {
	m.mu.Lock()
	known := m.password != ""
	m.mu.Unlock()
	if known {
		return true, nil
	}

	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	err := m.openWallet(ctx, m.cfg.Wallet, "")
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return true, nil
	}
	return false, err
}

func (m *MoneroBackend) openWallet(ctx context.Context, filename, password string) error {
	return m.rpc.Call(ctx, "open_wallet", map[string]interface{}{
		"filename": filename,
		"password": password,
	}, nil)
}

// UnlockWallet opens the main wallet with passphrase.
func (m *MoneroBackend) UnlockWallet(ctx context.Context, passphrase string) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.log.Info("opening wallet")
	if err := m.openWallet(ctx, m.cfg.Wallet, passphrase); err != nil {
		return err
	}
	m.mu.Lock()
	m.password = passphrase
	m.mu.Unlock()
	return nil
}

// LockWallet closes the main wallet.
func (m *MoneroBackend) LockWallet(ctx context.Context) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()
	m.log.Info("closing wallet")
	m.mu.Lock()
	m.password = ""
	m.mu.Unlock()
	return m.rpc.Call(ctx, "close_wallet", nil, nil)
}

// EncryptWallet sets the wallet password. When checkSeed is set the public
// spend key is compared before and after; a change raises the seed warning.
func (m *MoneroBackend) EncryptWallet(ctx context.Context, oldPass, newPass string, checkSeed bool) error {
	if oldPass != "" {
		if err := m.UnlockWallet(ctx, oldPass); err != nil {
			return err
		}
	}

	m.switchMu.RLock()
	defer m.switchMu.RUnlock()

	var before string
	if checkSeed {
		var err error
		if before, err = m.walletSpendPub(ctx); err != nil {
			return err
		}
	}
	if err := m.rpc.Call(ctx, "change_wallet_password", map[string]interface{}{
		"old_password": oldPass,
		"new_password": newPass,
	}, nil); err != nil {
		return err
	}
	m.mu.Lock()
	m.password = newPass
	m.mu.Unlock()

	if !checkSeed {
		return nil
	}
	after, err := m.walletSpendPub(ctx)
	if err != nil {
		return err
	}
	if before != after {
		m.log.Warn("wallet seed changed after encryption")
		m.mu.Lock()
		m.seedWarning = true
		m.mu.Unlock()
	}
	return nil
}

// ChangeWalletPassword changes the wallet password. An empty oldPass means
// the wallet is being encrypted for the first time.
func (m *MoneroBackend) ChangeWalletPassword(ctx context.Context, oldPass, newPass string, checkSeed bool) error {
	m.log.Info("changing wallet password")
	if oldPass == "" {
		encrypted, err := m.IsWalletEncrypted(ctx)
		if err != nil {
			return err
		}
		if encrypted {
			return ErrOldPasswordNeeded
		}
	}
	return m.EncryptWallet(ctx, oldPass, newPass, checkSeed)
}

// ============ Scriptless lock ============

// LockAddress encodes the shared address for the summed swap keys.
func (m *MoneroBackend) LockAddress(spendPub, viewPub []byte) (string, error) {
	if len(spendPub) != 32 || len(viewPub) != 32 {
		return "", fmt.Errorf("%w: keys must be 32 bytes", ErrInvalidAddress)
	}
	for _, key := range [][]byte{spendPub, viewPub} {
		if _, err := new(edwards25519.Point).SetBytes(key); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
	}
	return encodeMoneroAddress(m.params.MoneroAddrByte, spendPub, viewPub), nil
}

// PublishLock pays amount to the shared lock address.
func (m *MoneroBackend) PublishLock(ctx context.Context, address string, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	var res struct {
		TxHash string `json:"tx_hash"`
	}
	err := m.rpc.Call(ctx, "transfer", map[string]interface{}{
		"destinations":  []map[string]interface{}{{"amount": amount, "address": address}},
		"account_index": 0,
	}, &res)
	if err != nil {
		return "", err
	}
	m.log.Info("published lock", "txid", res.TxHash, "amount", amount)
	return res.TxHash, nil
}

// FindLock opens a view-only wallet for the lock and looks for a payment of
// at least minAmount. The main wallet is reopened afterwards.
func (m *MoneroBackend) FindLock(ctx context.Context, viewKey, spendPub []byte, minAmount int64, restoreHeight uint64) (*LockOutput, error) {
	view, err := edwards25519.NewScalar().SetCanonicalBytes(viewKey)
	if err != nil {
		return nil, fmt.Errorf("bad view key: %w", err)
	}
	address, err := m.LockAddress(spendPub, moneroPub(view))
	if err != nil {
		return nil, err
	}

	var found *LockOutput
	err = m.withLockWallet(ctx, address, "", view, restoreHeight, func() error {
		var res struct {
			In   []moneroTransfer `json:"in"`
			Pool []moneroTransfer `json:"pool"`
		}
		if err := m.rpc.Call(ctx, "get_transfers", map[string]interface{}{"in": true, "pool": true}, &res); err != nil {
			return err
		}
		for _, t := range append(res.In, res.Pool...) {
			if int64(t.Amount) < minAmount {
				continue
			}
			depth := -1
			if t.Height > 0 {
				depth = t.Confirmations
			}
			if found == nil || depth > found.Depth {
				found = &LockOutput{TxID: t.TxID, Amount: int64(t.Amount), Depth: depth}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// SweepLock moves the whole lock balance to dest.
func (m *MoneroBackend) SweepLock(ctx context.Context, spendKey, viewKey []byte, restoreHeight uint64, dest string) (string, error) {
	spend, err := edwards25519.NewScalar().SetCanonicalBytes(spendKey)
	if err != nil {
		return "", fmt.Errorf("bad spend key: %w", err)
	}
	view, err := edwards25519.NewScalar().SetCanonicalBytes(viewKey)
	if err != nil {
		return "", fmt.Errorf("bad view key: %w", err)
	}
	address, err := m.LockAddress(moneroPub(spend), moneroPub(view))
	if err != nil {
		return "", err
	}

	var txid string
	err = m.withLockWallet(ctx, address, hex.EncodeToString(spend.Bytes()), view, restoreHeight, func() error {
		balance, err := m.unlockedBalance(ctx)
		if err != nil {
			return err
		}
		if balance == 0 {
			return fmt.Errorf("%w: lock balance not yet unlocked", ErrTransient)
		}
		var res struct {
			TxHashList []string `json:"tx_hash_list"`
		}
		err = m.rpc.Call(ctx, "sweep_all", map[string]interface{}{"address": dest, "account_index": 0}, &res)
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == moneroCodeNotEnoughUnlocked {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		if err != nil {
			return err
		}
		if len(res.TxHashList) == 0 {
			return fmt.Errorf("%w: sweep produced no transaction", ErrBroadcastFailed)
		}
		txid = res.TxHashList[0]
		return nil
	})
	if err != nil {
		return "", err
	}
	m.log.Info("swept lock", "txid", txid, "dest", dest)
	return txid, nil
}

// withLockWallet switches to a wallet for address, refreshes it from
// restoreHeight and runs fn. spendKey is empty for view-only wallets.
func (m *MoneroBackend) withLockWallet(ctx context.Context, address, spendKey string, view *edwards25519.Scalar, restoreHeight uint64, fn func() error) (err error) {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	filename := "swap_lock_" + address[:16]
	if spendKey != "" {
		filename += "_spend"
	}
	req := map[string]interface{}{
		"restore_height":   restoreHeight,
		"filename":         filename,
		"address":          address,
		"viewkey":          hex.EncodeToString(view.Bytes()),
		"password":         "",
		"autosave_current": true,
	}
	if spendKey != "" {
		req["spendkey"] = spendKey
	}

	defer func() {
		m.mu.Lock()
		password := m.password
		m.mu.Unlock()
		if reopenErr := m.openWallet(ctx, m.cfg.Wallet, password); reopenErr != nil {
			m.log.Warn("failed to reopen main wallet", "error", reopenErr)
			if err == nil {
				err = reopenErr
			}
		}
	}()

	err = m.rpc.Call(ctx, "generate_from_keys", req, nil)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == moneroCodeWalletExists {
		err = m.openWallet(ctx, filename, "")
	}
	if err != nil {
		return err
	}
	if err := m.rpc.Call(ctx, "refresh", map[string]interface{}{"start_height": restoreHeight}, nil); err != nil {
		return err
	}
	return fn()
}

var (
	_ ChainBackend      = (*MoneroBackend)(nil)
	_ ScriptlessBackend = (*MoneroBackend)(nil)
)
