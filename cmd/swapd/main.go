// Package main provides swapd, the atomic swap engine daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/internal/config"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
	"github.com/klingon-exchange/swapengine/internal/storage"
	"github.com/klingon-exchange/swapengine/internal/swap"
	"github.com/klingon-exchange/swapengine/internal/watch"
	"github.com/klingon-exchange/swapengine/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// Sent messages and inbox records are kept this long.
const messageRetention = 7 * 24 * time.Hour

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.swapd", "Data directory")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		passEnv     = flag.String("password-env", "SWAPD_PASSWORD", "Environment variable holding the seed password")
		initWallets = flag.Bool("init-wallets", false, "Seed every chain wallet from the master seed and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Initial logger, replaced once the config is loaded
	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	cfg.DataDir = effectiveDataDir
	if *testnet {
		cfg.Network = chain.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logOut, closeLog, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "path", cfg.Logging.File, "error", err)
	}
	defer closeLog()
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", filepath.Join(config.ExpandPath(effectiveDataDir), config.ConfigFileName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	backends, err := backend.NewRegistryFromConfig(cfg, log)
	if err != nil {
		log.Fatal("Failed to create chain backends", "error", err)
	}
	if err := backends.ConnectAll(ctx); err != nil {
		log.Fatal("Failed to connect chain backends", "error", err)
	}
	defer backends.CloseAll()
	log.Info("Chain backends connected", "network", cfg.Network, "chains", backends.List())

	keys := keyseed.New(store, cfg.Network, log.Component("keyseed"))
	if err := unlockSeed(ctx, keys, os.Getenv(*passEnv), log); err != nil {
		log.Fatal("Failed to unlock seed", "error", err)
	}
	defer keys.Lock()

	if *initWallets {
		restore := time.Now().Unix()
		for _, symbol := range backends.List() {
			b, _ := backends.Get(symbol)
			if err := keys.InitialiseWallet(ctx, b, restore); err != nil {
				log.Fatal("Failed to initialise wallet", "chain", symbol, "error", err)
			}
			log.Info("Wallet initialised from seed", "chain", symbol)
		}
		return
	}

	for _, symbol := range backends.List() {
		b, _ := backends.Get(symbol)
		err := keys.VerifyWallet(ctx, b)
		switch {
		case errors.Is(err, keyseed.ErrSeedMismatch):
			// Bids on this chain are flagged, not refused
			log.Warn("Wallet does not match master seed", "chain", symbol, "error", err)
		case err != nil:
			log.Warn("Wallet seed check failed, retried before the next wallet operation", "chain", symbol, "error", err)
		}
	}

	watches := watch.NewRegistry()
	engine, err := swap.New(&swap.Config{
		Network:  cfg.Network,
		Store:    store,
		Backends: backends,
		Keys:     keys,
		Watches:  watches,
		Swap:     cfg.Swap,
		Engine:   cfg.Engine,
		Log:      log.Component("swap"),
	})
	if err != nil {
		log.Fatal("Failed to create swap engine", "error", err)
	}

	swapLog := log.Component("swap")
	engine.OnEvent(func(ev swap.Event) {
		swapLog.Info("Bid state changed", "bid", ev.BidID, "from", ev.From, "to", ev.To, "trigger", ev.Trigger)
	})

	if err := engine.Recover(ctx); err != nil {
		log.Fatal("Failed to recover active bids", "error", err)
	}

	poller := watch.NewPoller(&watch.PollerConfig{
		Registry:    watches,
		Backends:    backends,
		Handler:     engine.Tick,
		Interval:    cfg.Engine.PollInterval,
		CallTimeout: cfg.Engine.RPCCallTimeout,
		MaxBlocks:   cfg.Engine.MaxScanBlocks,
	})
	poller.Start(ctx)

	printBanner(log, cfg, backends.List())

	go statusLoop(ctx, log, store, engine, watches, backends, keys)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()
	poller.Stop()

	log.Info("Goodbye!")
}

// unlockSeed opens the stored seed, creating one on first run.
func unlockSeed(ctx context.Context, keys *keyseed.Manager, password string, log *logging.Logger) error {
	if password == "" {
		return errors.New("seed password not set")
	}
	ok, err := keys.HasSeed(ctx)
	if err != nil {
		return err
	}
	if ok {
		return keys.Unlock(ctx, password)
	}
	mnemonic, err := keys.Create(ctx, password)
	if err != nil {
		return err
	}
	log.Warn("Created new master seed, write down the mnemonic and keep it safe")
	log.Warn(mnemonic)
	return nil
}

// statusLoop logs a periodic summary and prunes old message records.
func statusLoop(ctx context.Context, log *logging.Logger, store *storage.Storage, engine *swap.Engine,
	watches *watch.Registry, backends *backend.Registry, keys *keyseed.Manager) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	lastPrune := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active, err := engine.ActiveBids(ctx)
		if err != nil {
			log.Warn("Failed to list active bids", "error", err)
			continue
		}
		stats, err := store.GetOutboxStats(ctx)
		if err != nil {
			log.Warn("Failed to read outbox", "error", err)
			continue
		}
		log.Info("Status", "active_bids", len(active), "watches", watches.Len(), "outbox_pending", stats.Pending)

		for _, symbol := range backends.List() {
			b, _ := backends.Get(symbol)
			switch {
			case b.SeedWarning():
				log.Warn("Wallet seed changed since it was checked", "chain", symbol)
			case keys.Untrusted(symbol):
				log.Warn("Wallet is untrusted, swaps on it are flagged", "chain", symbol)
			case !b.SeedChecked():
				log.Debug("Wallet seed not checked yet", "chain", symbol)
			}
		}

		if time.Since(lastPrune) > time.Hour {
			n, err := store.PruneMessages(ctx, time.Now().Add(-messageRetention))
			if err != nil {
				log.Warn("Failed to prune messages", "error", err)
			} else if n > 0 {
				log.Debug("Pruned message records", "count", n)
			}
			lastPrune = time.Now()
		}
	}
}

func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}
	f, err := os.OpenFile(config.ExpandPath(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, chains []string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Swap Engine (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Chains: %v", chains)
	log.Infof("  Poll interval: %s | Auto accept: %v", cfg.Engine.PollInterval, cfg.Engine.AutoAccept)
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
