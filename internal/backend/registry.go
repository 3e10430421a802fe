package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/internal/config"
	"github.com/klingon-exchange/swapengine/pkg/logging"
)

// Config contains the settings for one daemon connection.
type Config struct {
	URL     string
	User    string
	Pass    string
	Wallet  string
	Timeout time.Duration

	// BlocksConfirmed overrides the chain default when positive.
	BlocksConfirmed int
	ConfTarget      int

	WalletV20Compatible bool
	RestoreHeight       uint64
}

// ConfigFromChain converts a config file entry into backend settings.
func ConfigFromChain(cc *config.ChainConfig) Config {
	return Config{
		URL:                 cc.RPCURL,
		User:                cc.RPCUser,
		Pass:                cc.RPCPass,
		Wallet:              cc.Wallet,
		Timeout:             cc.RPCTimeout,
		BlocksConfirmed:     cc.BlocksConfirmed,
		ConfTarget:          cc.ConfTarget,
		WalletV20Compatible: cc.WalletV20Compatible,
		RestoreHeight:       cc.RestoreHeight,
	}
}

// New creates the backend implementation for params.
func New(params *chain.Params, cfg Config, log *logging.Logger) (ChainBackend, error) {
	if log == nil {
		log = logging.GetDefault().Component("backend").Component(params.Symbol)
	}
	switch {
	case params.Type == chain.ChainTypeMonero:
		return NewMoneroBackend(params, cfg, log)
	case params.CoinID == chain.CoinDASH:
		return NewDashBackend(params, cfg, log)
	case params.Type == chain.ChainTypeBitcoin:
		return NewBitcoinBackend(params, cfg, log)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, params.Symbol)
}

// Registry holds backend instances by chain symbol.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]ChainBackend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]ChainBackend),
	}
}

// NewRegistryFromConfig creates a backend for every chain in cfg.
func NewRegistryFromConfig(cfg *config.Config, log *logging.Logger) (*Registry, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	r := NewRegistry()
	for symbol, cc := range cfg.Chains {
		params, ok := chain.Get(symbol, cfg.Network)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
		}
		b, err := New(params, ConfigFromChain(cc), log.Component("backend").Component(params.Symbol))
		if err != nil {
			return nil, err
		}
		r.Register(b)
	}
	return r, nil
}

// Register adds a backend to the registry under its symbol.
func (r *Registry) Register(b ChainBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[strings.ToUpper(b.Symbol())] = b
}

// Get returns a backend by symbol.
func (r *Registry) Get(symbol string) (ChainBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[strings.ToUpper(symbol)]
	return b, ok
}

// GetByCoinID returns the backend for a numeric coin id.
func (r *Registry) GetByCoinID(id chain.CoinID) (ChainBackend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		if b.Params().CoinID == id {
			return b, true
		}
	}
	return nil, false
}

// Script returns the backend for symbol if it can hold swap scripts.
func (r *Registry) Script(symbol string) (ScriptBackend, bool) {
	b, ok := r.Get(symbol)
	if !ok {
		return nil, false
	}
	sb, ok := b.(ScriptBackend)
	return sb, ok
}

// Scriptless returns the backend for symbol if it supports split-key locks.
func (r *Registry) Scriptless(symbol string) (ScriptlessBackend, bool) {
	b, ok := r.Get(symbol)
	if !ok {
		return nil, false
	}
	sb, ok := b.(ScriptlessBackend)
	return sb, ok
}

// List returns all registered symbols, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	symbols := make([]string, 0, len(r.backends))
	for s := range r.backends {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ConnectAll connects all registered backends.
func (r *Registry) ConnectAll(ctx context.Context) error {
	for _, symbol := range r.List() {
		b, _ := r.Get(symbol)
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("%s: %w", symbol, err)
		}
	}
	return nil
}

// CloseAll closes all registered backends.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		b.Close()
	}
}
