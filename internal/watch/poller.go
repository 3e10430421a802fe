package watch

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// Backends resolves a chain symbol to its backend.
type Backends interface {
	Get(symbol string) (backend.ChainBackend, bool)
}

// Handler receives the events of one poll cycle. It is called once per
// cycle, with no events when nothing happened, so it can also drive
// timers.
type Handler func(ctx context.Context, events []Event)

// PollerConfig holds configuration for the Poller.
type PollerConfig struct {
	Registry *Registry
	Backends Backends
	Handler  Handler

	Interval    time.Duration // default 15s
	CallTimeout time.Duration // per chain poll, default 30s
	MaxBlocks   int           // blocks scanned per chain per cycle, 0 for no limit
}

// Poller polls the registry on a timer, one goroutine per chain so a slow
// daemon only delays its own chain.
type Poller struct {
	registry    *Registry
	backends    Backends
	handler     Handler
	interval    time.Duration
	callTimeout time.Duration
	maxBlocks   int
	log         *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller.
func NewPoller(cfg *PollerConfig) *Poller {
	interval := cfg.Interval
	if interval == 0 {
		interval = 15 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}
	return &Poller{
		registry:    cfg.Registry,
		backends:    cfg.Backends,
		handler:     cfg.Handler,
		interval:    interval,
		callTimeout: callTimeout,
		maxBlocks:   cfg.MaxBlocks,
		log:         logging.GetDefault().Component("watch"),
	}
}

// Start runs the poll loop until Stop or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
	p.log.Info("Watch poller started", "interval", p.interval)
}

// Stop stops the loop and waits for the current cycle to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.log.Info("Watch poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events := p.PollOnce(ctx)
			if p.handler != nil {
				p.handler(ctx, events)
			}
		}
	}
}

// PollOnce polls every chain with entries and returns the events produced.
// Faults are logged; a chain that fails keeps its entries for the next
// cycle.
func (p *Poller) PollOnce(ctx context.Context) []Event {
	var (
		mu     sync.Mutex
		events []Event
	)
	eg := &errgroup.Group{}
	for _, symbol := range p.registry.Chains() {
		b, ok := p.backends.Get(symbol)
		if !ok {
			p.log.Warn("No backend for watched chain", "chain", symbol)
			continue
		}
		eg.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
			defer cancel()

			evs, err := p.registry.Poll(callCtx, b, p.maxBlocks)
			if err != nil {
				p.log.Warn("Watch poll failed", "chain", symbol, "error", err)
			}
			for _, ev := range evs {
				p.log.Debug("Watch event", "kind", ev.Kind, "swap_id", ev.SwapID, "chain", ev.Chain, "role", ev.Role)
			}
			mu.Lock()
			events = append(events, evs...)
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return events
}
