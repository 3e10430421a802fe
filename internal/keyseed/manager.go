// Package keyseed owns the master seed and everything derived from it:
// per-swap keys, the seed each chain wallet is initialised from, and the
// check that a chain wallet still holds that seed.
package keyseed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/klingon-exchange/swapengine/internal/adaptor"
	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/pkg/logging"
	"github.com/tyler-smith/go-bip39"
)

// SettingMasterSeed is the settings key holding the sealed mnemonic.
const SettingMasterSeed = "master_seed"

var (
	ErrNoSeed        = errors.New("no master seed")
	ErrSeedExists    = errors.New("master seed already exists")
	ErrLocked        = errors.New("master seed is locked")
	ErrWrongPassword = errors.New("wrong password")
	ErrWeakPassword  = errors.New("weak password")
	ErrBadMnemonic   = errors.New("invalid mnemonic")
	ErrSeedMismatch  = errors.New("wallet seed does not match master seed")
	ErrWrongKeyLeg   = errors.New("key leg does not fit the requested key kind")
)

// SettingsStore persists opaque settings. Get returns nil, nil for a
// missing key.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) ([]byte, error)
	SetSetting(ctx context.Context, key string, value []byte) error
}

// Manager is the KeySeedManager. It is safe for concurrent use.
type Manager struct {
	store   SettingsStore
	network chain.Network
	log     *logging.Logger

	mu     sync.RWMutex
	master *hdkeychain.ExtendedKey

	checkMu  sync.Mutex
	checked  map[string]bool
	mismatch map[string]bool

	walletMu    sync.Mutex
	sessions    map[string]*sync.Mutex
	passphrases map[string]string
}

// New creates a locked manager.
func New(store SettingsStore, network chain.Network, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Manager{
		store:       store,
		network:     network,
		log:         log.Component("keyseed"),
		checked:     make(map[string]bool),
		mismatch:    make(map[string]bool),
		sessions:    make(map[string]*sync.Mutex),
		passphrases: make(map[string]string),
	}
}

// HasSeed reports whether a sealed master seed is stored.
func (m *Manager) HasSeed(ctx context.Context) (bool, error) {
	data, err := m.store.GetSetting(ctx, SettingMasterSeed)
	if err != nil {
		return false, err
	}
	return len(data) > 0, nil
}

// Create generates a new 24 word mnemonic, seals it under password and
// unlocks the manager. The mnemonic is returned for backup.
func (m *Manager) Create(ctx context.Context, password string) (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	if err := m.Import(ctx, mnemonic, password); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// Import seals an existing mnemonic and unlocks the manager.
func (m *Manager) Import(ctx context.Context, mnemonic, password string) error {
	if !bip39.IsMnemonicValid(mnemonic) {
		return ErrBadMnemonic
	}
	exists, err := m.HasSeed(ctx)
	if err != nil {
		return err
	}
	if exists {
		return ErrSeedExists
	}
	sealed, err := sealMnemonic(mnemonic, password)
	if err != nil {
		return err
	}
	if err := m.store.SetSetting(ctx, SettingMasterSeed, sealed); err != nil {
		return fmt.Errorf("failed to store master seed: %w", err)
	}
	m.log.Info("Master seed stored")
	return m.load(mnemonic)
}

// Unlock decrypts the stored seed and keeps the master key in memory.
func (m *Manager) Unlock(ctx context.Context, password string) error {
	data, err := m.store.GetSetting(ctx, SettingMasterSeed)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrNoSeed
	}
	mnemonic, err := openMnemonic(data, password)
	if err != nil {
		return err
	}
	return m.load(mnemonic)
}

// ChangePassword reseals the stored seed under a new password.
func (m *Manager) ChangePassword(ctx context.Context, oldPass, newPass string) error {
	data, err := m.store.GetSetting(ctx, SettingMasterSeed)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrNoSeed
	}
	mnemonic, err := openMnemonic(data, oldPass)
	if err != nil {
		return err
	}
	sealed, err := sealMnemonic(mnemonic, newPass)
	if err != nil {
		return err
	}
	return m.store.SetSetting(ctx, SettingMasterSeed, sealed)
}

func (m *Manager) load(mnemonic string) error {
	seed := bip39.NewSeed(mnemonic, "")
	defer clear(seed)

	net := &chaincfg.MainNetParams
	if m.network == chain.Testnet {
		net = &chaincfg.TestNet3Params
	}
	master, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return fmt.Errorf("failed to create master key: %w", err)
	}

	m.mu.Lock()
	if m.master != nil {
		m.master.Zero()
	}
	m.master = master
	m.mu.Unlock()
	return nil
}

// Lock drops the master key from memory.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master != nil {
		m.master.Zero()
		m.master = nil
	}
}

// IsUnlocked reports whether keys can be derived.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.master != nil
}

func (m *Manager) withMaster(fn func(*hdkeychain.ExtendedKey) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.master == nil {
		return ErrLocked
	}
	return fn(m.master)
}

// SwapKey derives the secp256k1 key for path.
func (m *Manager) SwapKey(path KeyPath) (*btcec.PrivateKey, error) {
	var priv *btcec.PrivateKey
	err := m.withMaster(func(master *hdkeychain.ExtendedKey) (err error) {
		priv, err = swapPrivKey(master, path)
		return err
	})
	return priv, err
}

// SwapKeyShare derives a key share usable on both curves for path.
func (m *Manager) SwapKeyShare(path KeyPath) (*adaptor.KeyShare, error) {
	var share *adaptor.KeyShare
	err := m.withMaster(func(master *hdkeychain.ExtendedKey) (err error) {
		share, err = swapKeyShare(master, path)
		return err
	})
	return share, err
}

// ChainSeed returns the seed a chain wallet is initialised from.
func (m *Manager) ChainSeed(params *chain.Params) ([]byte, error) {
	var seed []byte
	err := m.withMaster(func(master *hdkeychain.ExtendedKey) (err error) {
		seed, err = chainSeed(master, params)
		return err
	})
	return seed, err
}

// ExpectedFingerprint is the fingerprint b should report once seeded.
func (m *Manager) ExpectedFingerprint(b backend.ChainBackend) (string, error) {
	seed, err := m.ChainSeed(b.Params())
	if err != nil {
		return "", err
	}
	defer clear(seed)
	return b.SeedFingerprint(seed)
}

// SetWalletPassphrase records the passphrase used to unlock a chain wallet
// for the duration of a wallet session. An empty passphrase forgets it.
func (m *Manager) SetWalletPassphrase(symbol, passphrase string) {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()
	if passphrase == "" {
		delete(m.passphrases, symbol)
		return
	}
	m.passphrases[symbol] = passphrase
}

func (m *Manager) session(symbol string) (*sync.Mutex, string, bool) {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()
	s, ok := m.sessions[symbol]
	if !ok {
		s = &sync.Mutex{}
		m.sessions[symbol] = s
	}
	pass, havePass := m.passphrases[symbol]
	return s, pass, havePass
}

// WithWallet runs fn inside a wallet session for b. Sessions on the same
// chain are serialized. If a passphrase is known the wallet is unlocked
// for fn and locked again before WithWallet returns.
func (m *Manager) WithWallet(ctx context.Context, b backend.ChainBackend, fn func(ctx context.Context) error) error {
	s, pass, havePass := m.session(b.Symbol())
	s.Lock()
	defer s.Unlock()

	if havePass {
		if err := b.UnlockWallet(ctx, pass); err != nil {
			return fmt.Errorf("unlock %s wallet: %w", b.Symbol(), err)
		}
		defer func() {
			if err := b.LockWallet(context.WithoutCancel(ctx)); err != nil {
				m.log.Warn("Failed to relock wallet", "chain", b.Symbol(), "error", err)
			}
		}()
	}
	return fn(ctx)
}

// InitialiseWallet seeds the chain wallet from the master seed and checks
// the result. The wallet is left in whatever lock state the backend
// restores after seeding.
func (m *Manager) InitialiseWallet(ctx context.Context, b backend.ChainBackend, restoreTime int64) error {
	seed, err := m.ChainSeed(b.Params())
	if err != nil {
		return err
	}
	defer clear(seed)
	expected, err := b.SeedFingerprint(seed)
	if err != nil {
		return err
	}

	s, _, _ := m.session(b.Symbol())
	s.Lock()
	defer s.Unlock()

	m.log.Info("Initialising wallet from seed", "chain", b.Symbol(), "restore_time", restoreTime)
	if err := b.InitialiseWalletFromSeed(ctx, seed, restoreTime); err != nil {
		return fmt.Errorf("initialise %s wallet: %w", b.Symbol(), err)
	}
	ok, err := b.CheckWalletMatchesSeed(ctx, expected)
	if err != nil {
		return fmt.Errorf("check %s wallet: %w", b.Symbol(), err)
	}
	m.recordCheck(b.Symbol(), ok)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSeedMismatch, b.Symbol())
	}
	return nil
}

// VerifyWallet checks once per process that b holds the master seed. A
// mismatch is remembered as a standing warning and reported as
// ErrSeedMismatch; it is checked again on the next call. A wallet that
// cannot be read returns the backend error and leaves no record.
func (m *Manager) VerifyWallet(ctx context.Context, b backend.ChainBackend) error {
	symbol := b.Symbol()
	if m.Checked(symbol) {
		return nil
	}
	expected, err := m.ExpectedFingerprint(b)
	if err != nil {
		return err
	}

	var ok bool
	err = m.WithWallet(ctx, b, func(ctx context.Context) error {
		var err error
		ok, err = b.CheckWalletMatchesSeed(ctx, expected)
		return err
	})
	if err != nil {
		return fmt.Errorf("check %s wallet: %w", symbol, err)
	}
	m.recordCheck(symbol, ok)
	if !ok {
		m.log.Warn("Wallet seed does not match master seed", "chain", symbol)
		return fmt.Errorf("%w: %s", ErrSeedMismatch, symbol)
	}
	return nil
}

func (m *Manager) recordCheck(symbol string, ok bool) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	if ok {
		m.checked[symbol] = true
		delete(m.mismatch, symbol)
		return
	}
	m.mismatch[symbol] = true
}

// Checked reports whether the chain wallet has been verified.
func (m *Manager) Checked(symbol string) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	return m.checked[symbol]
}

// Untrusted reports whether the last check of the chain wallet failed.
// Swaps on an untrusted chain continue but are flagged.
func (m *Manager) Untrusted(symbol string) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	return m.mismatch[symbol]
}
