// Package swap - Engine drives every active bid through its state machine.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klingon-exchange/swapengine/internal/adaptor"
	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/internal/config"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
	"github.com/klingon-exchange/swapengine/internal/watch"
	"github.com/klingon-exchange/swapengine/pkg/logging"
	"golang.org/x/sync/errgroup"
)

// errStoreFailed wraps store write failures. The tick is retried.
var errStoreFailed = errors.New("store write failed")

const (
	// maxSteps bounds the transitions taken for one bid in one tick.
	maxSteps = 16
	// maxParallel bounds how many bids are processed at once.
	maxParallel = 8
	// defaultSafetyMargin is used for chains without a timeout entry.
	defaultSafetyMargin = 6
	defaultBlockTime    = 600
)

// Keys is the key and wallet-session service of the engine.
type Keys interface {
	SwapKey(path keyseed.KeyPath) (*btcec.PrivateKey, error)
	SwapKeyShare(path keyseed.KeyPath) (*adaptor.KeyShare, error)
	WithWallet(ctx context.Context, b backend.ChainBackend, fn func(ctx context.Context) error) error
	VerifyWallet(ctx context.Context, b backend.ChainBackend) error
}

// Backends resolves chain symbols to backends.
type Backends interface {
	Get(symbol string) (backend.ChainBackend, bool)
	Script(symbol string) (backend.ScriptBackend, bool)
	Scriptless(symbol string) (backend.ScriptlessBackend, bool)
}

// Config holds the dependencies of an Engine.
type Config struct {
	Network  chain.Network
	Store    Store
	Backends Backends
	Keys     Keys
	Watches  *watch.Registry
	// Sender may be nil; outbound messages then stay queued.
	Sender Sender

	Swap   config.SwapConfig
	Engine config.EngineConfig

	Log *logging.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Event is a bid state change, delivered to OnEvent handlers.
type Event struct {
	BidID     string
	From      State
	To        State
	Trigger   Trigger
	Timestamp time.Time
}

// EventHandler receives bid state changes.
type EventHandler func(Event)

// Engine is the swap state machine driver. One tick processes every active
// bid: chain events are applied, then each bid steps until it has nothing
// left to do.
type Engine struct {
	network  chain.Network
	store    Store
	backends Backends
	keys     Keys
	watches  *watch.Registry
	sender   Sender
	swapCfg  config.SwapConfig
	engCfg   config.EngineConfig
	log      *logging.Logger
	now      func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	handlerMu sync.RWMutex
	handlers  []EventHandler
}

// New creates an engine.
func New(cfg *Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Backends == nil || cfg.Keys == nil || cfg.Watches == nil {
		return nil, errors.New("engine requires a store, backends, keys and a watch registry")
	}
	log := cfg.Log
	if log == nil {
		log = logging.GetDefault().Component("swap")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	swapCfg := cfg.Swap
	if swapCfg.BidExpiry == 0 {
		swapCfg = config.DefaultSwapConfig()
	}
	return &Engine{
		network:  cfg.Network,
		store:    cfg.Store,
		backends: cfg.Backends,
		keys:     cfg.Keys,
		watches:  cfg.Watches,
		sender:   cfg.Sender,
		swapCfg:  swapCfg,
		engCfg:   cfg.Engine,
		log:      log,
		now:      now,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// OnEvent registers a state change handler.
func (e *Engine) OnEvent(h EventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handlers = append(e.handlers, h)
}

func (e *Engine) emit(ev Event) {
	e.handlerMu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.handlerMu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Recover registers the watches of every active bid. Call once at startup,
// before the poller starts.
func (e *Engine) Recover(ctx context.Context) error {
	bids, err := e.store.ListActiveBids(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active bids: %w", err)
	}
	for _, b := range bids {
		e.registerWatches(b)
	}
	e.log.Info("Recovered active bids", "bids", len(bids), "watches", e.watches.Len())
	return nil
}

// Tick is the poller handler: it applies events and steps every active
// bid, then flushes the outbox.
func (e *Engine) Tick(ctx context.Context, events []watch.Event) {
	byBid := make(map[string][]watch.Event)
	for _, ev := range events {
		byBid[ev.SwapID] = append(byBid[ev.SwapID], ev)
	}

	ids := make(map[string]bool, len(byBid))
	for id := range byBid {
		ids[id] = true
	}
	bids, err := e.store.ListActiveBids(ctx)
	if err != nil {
		e.log.Warn("Failed to list active bids", "error", err)
	}
	for _, b := range bids {
		ids[b.ID] = true
	}

	order := make([]string, 0, len(ids))
	for id := range ids {
		order = append(order, id)
	}
	sort.Strings(order)

	var g errgroup.Group
	g.SetLimit(maxParallel)
	for _, id := range order {
		g.Go(func() error {
			if err := e.process(ctx, id, input{events: byBid[id]}); err != nil {
				e.log.Warn("Failed to process bid", "bid_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	e.FlushOutbox(ctx)
}

// FlushOutbox hands queued messages to the sender.
func (e *Engine) FlushOutbox(ctx context.Context) {
	if e.sender == nil {
		return
	}
	msgs, err := e.store.PendingMessages(ctx)
	if err != nil {
		e.log.Warn("Failed to load outbox", "error", err)
		return
	}
	for _, m := range msgs {
		if err := e.sender.Send(ctx, m); err != nil {
			e.log.Warn("Failed to send message", "message_id", m.ID, "kind", m.Kind, "bid_id", m.BidID, "error", err)
			continue
		}
		if err := e.store.MarkMessageSent(ctx, m.ID); err != nil {
			e.log.Warn("Failed to mark message sent", "message_id", m.ID, "error", err)
		}
	}
}

// bidCtx is the working copy of one bid during a tick.
type bidCtx struct {
	bid      *Bid
	table    *Table
	history  []HistoryEntry
	outbound []*Message
	received string
	dirty    bool
	log      *logging.Logger
}

func (bc *bidCtx) send(kind MessageKind, payload any, now time.Time) error {
	msg, err := newMessage(kind, bc.bid.OfferID, bc.bid.ID, payload, now)
	if err != nil {
		return err
	}
	bc.outbound = append(bc.outbound, msg)
	bc.dirty = true
	return nil
}

// input is what a process call applies before stepping.
type input struct {
	events []watch.Event
	// msgID marks the inbound message applied by apply.
	msgID string
	apply func(ctx context.Context, bc *bidCtx) error
}

func (e *Engine) bidLock(id string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[id] = mu
	}
	return mu
}

func (e *Engine) newBidCtx(b *Bid) (*bidCtx, error) {
	t, err := TableFor(b.Variant, b.Role)
	if err != nil {
		return nil, err
	}
	return &bidCtx{
		bid:   b,
		table: t,
		log:   e.log.With("bid_id", b.ID),
	}, nil
}

// process runs one bid: apply in, commit, then step until idle.
func (e *Engine) process(ctx context.Context, bidID string, in input) error {
	mu := e.bidLock(bidID)
	mu.Lock()
	defer mu.Unlock()

	if in.msgID != "" {
		seen, err := e.store.SeenMessage(ctx, in.msgID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}
	}

	b, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return err
	}
	bc, err := e.newBidCtx(b)
	if err != nil {
		return err
	}
	bc.received = in.msgID

	for _, ev := range in.events {
		applyEvent(b, ev)
		bc.dirty = true
	}

	if in.apply != nil {
		if err := in.apply(ctx, bc); err != nil {
			if in.msgID == "" {
				return err
			}
			if retry := e.fault(bc, "message", err); retry {
				return err
			}
		}
	}

	if bc.dirty || bc.received != "" {
		if err := e.commit(ctx, bc); err != nil {
			e.reloadWatches(ctx, bidID)
			return err
		}
	}

	if !b.State.IsTerminal() {
		e.advance(ctx, bc)
	}
	if b.Reclaiming {
		e.reclaim(ctx, bc)
	}
	e.registerWatches(b)
	return nil
}

// reclaim drives the refund of a terminal bid's late lock. Protocol faults
// end the attempt and leave the refund to the operator.
func (e *Engine) reclaim(ctx context.Context, bc *bidCtx) {
	if e.engCfg.RPCCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.engCfg.RPCCallTimeout)
		defer cancel()
	}
	b := bc.bid
	var err error
	if b.Variant == VariantScript && b.Role == RoleInitiator {
		err = e.reclaimHTLC(ctx, bc)
	} else {
		b.Reclaiming = false
		bc.dirty = true
	}

	switch class := Classify(err); class {
	case 0:
	case FaultTransient, FaultWalletLocked, FaultSeedMismatch:
		bc.log.Debug("Lock reclaim deferred", "class", class, "error", err)
	default:
		bc.log.Error("Lock reclaim failed, refund it manually", "class", class, "error", err)
		b.Reclaiming = false
		b.Note = err.Error()
		bc.dirty = true
	}

	if bc.dirty {
		if cerr := e.commit(ctx, bc); cerr != nil {
			bc.log.Warn("Failed to save bid", "error", cerr)
			e.reloadWatches(ctx, b.ID)
		}
	}
}

// reloadWatches re-derives a bid's watches from its stored copy, after the
// in-memory copy failed to save.
func (e *Engine) reloadWatches(ctx context.Context, bidID string) {
	b, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return
	}
	e.registerWatches(b)
}

// advance steps the bid until it has nothing left to do this tick.
func (e *Engine) advance(ctx context.Context, bc *bidCtx) {
	for i := 0; i < maxSteps && !bc.bid.State.IsTerminal(); i++ {
		trig, data, err := e.stepOnce(ctx, bc)
		if err != nil {
			e.fault(bc, string(bc.bid.State), err)
		} else if trig != "" {
			err = e.fire(bc, trig, data)
			if err != nil {
				e.fault(bc, string(trig), err)
			}
		}
		if bc.dirty {
			if cerr := e.commit(ctx, bc); cerr != nil {
				bc.log.Warn("Failed to save bid", "error", cerr)
				e.reloadWatches(ctx, bc.bid.ID)
				return
			}
		}
		if err != nil || trig == "" {
			return
		}
	}
}

// stepOnce runs the step of the bid's variant and role with a bounded
// context for the backend calls it makes.
func (e *Engine) stepOnce(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	if e.engCfg.RPCCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.engCfg.RPCCallTimeout)
		defer cancel()
	}
	b := bc.bid
	switch {
	case b.Variant == VariantScript && b.Role == RoleInitiator:
		return e.stepHTLCInitiator(ctx, bc)
	case b.Variant == VariantScript:
		return e.stepHTLCParticipant(ctx, bc)
	case b.Role == RoleInitiator:
		return e.stepLeader(ctx, bc)
	default:
		return e.stepFollower(ctx, bc)
	}
}

// fire moves the bid along the table. TrigDelay fills the delay data;
// reaching SWAP_COMPLETED fills the leg outcomes.
func (e *Engine) fire(bc *bidCtx, trig Trigger, data StateData) error {
	b := bc.bid
	from := b.node()
	to, ok := bc.table.Next(from, trig)
	if !ok {
		return fmt.Errorf("%w: %s --%s-->", ErrIllegalTransition, from, trig)
	}

	now := e.now()
	switch to.State {
	case StateDelaying:
		data = &DelayData{Until: now.Add(e.randomDelay()), Prior: to.Prior}
	case StateCompleted:
		if data == nil {
			data = legOutcomes(b)
		}
	}
	if err := checkStateData(to.State, data); err != nil {
		return err
	}

	prev := b.State
	b.State = to.State
	b.Data = data
	b.UpdatedAt = now
	note := string(trig)
	if d, ok := data.(*ErrorData); ok {
		note = d.Note
	}
	bc.history = append(bc.history, HistoryEntry{State: to.State, At: now, Note: note})
	bc.dirty = true

	bc.log.Info("Bid state changed", "from", from, "to", to, "trigger", trig)
	e.emit(Event{BidID: b.ID, From: prev, To: to.State, Trigger: trig, Timestamp: now})
	return nil
}

func (e *Engine) randomDelay() time.Duration {
	lo, hi := e.engCfg.MinDelay, e.engCfg.MaxDelay
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// commit saves the bid with everything buffered since the last commit.
func (e *Engine) commit(ctx context.Context, bc *bidCtx) error {
	bc.bid.UpdatedAt = e.now()
	u := &Update{
		Bid:      bc.bid,
		History:  bc.history,
		Outbound: bc.outbound,
		Received: bc.received,
	}
	if err := e.store.Apply(ctx, u); err != nil {
		return fmt.Errorf("%w: %v", errStoreFailed, err)
	}
	bc.history = nil
	bc.outbound = nil
	bc.received = ""
	bc.dirty = false
	return nil
}

// fault applies the fault policy to err. It reports whether the bid was
// left untouched for a retry.
func (e *Engine) fault(bc *bidCtx, op string, err error) bool {
	b := bc.bid
	class := Classify(err)
	log := bc.log.With("op", op, "class", class)

	switch class {
	case FaultTransient, FaultWalletLocked:
		log.Warn("Bid step deferred", "error", err)
		return true
	case FaultSeedMismatch:
		log.Warn("Wallet seed mismatch, bid flagged untrusted", "error", err)
		if !b.Untrusted {
			b.Untrusted = true
			bc.dirty = true
		}
		return true
	}

	if ownFundsLocked(b) {
		log.Error("Protocol fault with funds locked, bid halted", "error", err)
		b.Halted = true
		b.Note = err.Error()
		bc.dirty = true
		return false
	}
	log.Error("Protocol fault, bid failed", "error", err)
	if ferr := e.fire(bc, TrigFault, &ErrorData{Note: err.Error()}); ferr != nil {
		log.Error("Failed to fail bid", "error", ferr)
	}
	return false
}

// ownFundsLocked reports whether our own lock transaction was published.
func ownFundsLocked(b *Bid) bool {
	if b.Role == RoleInitiator {
		return b.HasTx(TxInitiate) || b.HasTx(TxScriptLock)
	}
	return b.HasTx(TxParticipate) || b.HasTx(TxNoScriptLock)
}

// fundsLocked reports whether any lock of the swap was published.
func fundsLocked(b *Bid) bool {
	return b.HasTx(TxInitiate) || b.HasTx(TxParticipate) ||
		b.HasTx(TxScriptLock) || b.HasTx(TxNoScriptLock)
}

// legOutcomes collects the outcome of both locks.
func legOutcomes(b *Bid) *CompletedData {
	a, bl := TxInitiate, TxParticipate
	if b.Variant == VariantScriptless {
		a, bl = TxScriptLock, TxNoScriptLock
	}
	d := &CompletedData{}
	if s, ok := b.Slots[a]; ok {
		d.LegA = s.Outcome
	}
	if s, ok := b.Slots[bl]; ok {
		d.LegB = s.Outcome
	}
	return d
}

// applyEvent records a chain event on the bid's slots.
func applyEvent(b *Bid, ev watch.Event) {
	s := b.Slot(ev.Role)
	switch ev.Kind {
	case watch.TxConfirmed:
		if s.TxID == "" {
			s.TxID = ev.TxID
		}
		s.Confirmations = ev.Depth
		s.BlockTime = ev.BlockTime
	case watch.ScriptPaid:
		if s.TxID != "" {
			return
		}
		s.TxID = ev.TxID
		s.Vout = ev.Vout
		s.Value = ev.Value
		s.Height = ev.Height
		s.BlockTime = ev.BlockTime
	case watch.OutputSpent:
		s.SpendTxID = ev.SpendingTxID
		s.SpendIndex = ev.SpendingIndex
		s.SpendScriptSig = ev.ScriptSig
		s.SpendWitness = ev.Witness
	}
}

// expired reports whether the bid passed its negotiation deadline.
func (e *Engine) expired(b *Bid) bool {
	return !b.ExpireAt.IsZero() && !e.now().Before(b.ExpireAt)
}

func (e *Engine) params(symbol string) (*chain.Params, error) {
	p, ok := chain.Get(symbol, e.network)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	return p, nil
}

func (e *Engine) scriptBackend(symbol string) (backend.ScriptBackend, error) {
	b, ok := e.backends.Script(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no script backend for %s", ErrUnsupportedChain, symbol)
	}
	return b, nil
}

func (e *Engine) scriptlessBackend(symbol string) (backend.ScriptlessBackend, error) {
	b, ok := e.backends.Scriptless(symbol)
	if !ok {
		return nil, fmt.Errorf("%w: no scriptless backend for %s", ErrUnsupportedChain, symbol)
	}
	return b, nil
}

// tip returns the chain height.
func (e *Engine) tip(ctx context.Context, symbol string) (int64, error) {
	if sb, ok := e.backends.Script(symbol); ok {
		return sb.GetBlockHeight(ctx)
	}
	if xb, ok := e.backends.Scriptless(symbol); ok {
		return xb.GetBlockHeight(ctx)
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
}

// timeouts returns the safety margin (blocks) and block time (seconds) of
// a chain.
func (e *Engine) timeouts(symbol string) (margin, blockTime int64) {
	tc, ok := config.GetChainTimeout(symbol, e.network == chain.Testnet)
	if !ok {
		return defaultSafetyMargin, defaultBlockTime
	}
	margin, blockTime = int64(tc.SafetyMarginBlocks), int64(tc.AvgBlockTimeSeconds)
	if blockTime == 0 {
		blockTime = defaultBlockTime
	}
	return margin, blockTime
}

// ensureHeight fills the mining height of a confirmed slot whose event
// only carried its depth.
func (e *Engine) ensureHeight(ctx context.Context, bc *bidCtx, role watch.TxRole) error {
	s := bc.bid.Slot(role)
	if s.Height != 0 || s.Confirmations <= 0 {
		return nil
	}
	tip, err := e.tip(ctx, bc.bid.ChainOf(role))
	if err != nil {
		return err
	}
	s.Height = tip - int64(s.Confirmations) + 1
	bc.dirty = true
	return nil
}

// checkWallet verifies the wallet seed before a wallet operation. A
// mismatch only flags the bid.
func (e *Engine) checkWallet(ctx context.Context, bc *bidCtx, b backend.ChainBackend) error {
	err := e.keys.VerifyWallet(ctx, b)
	if err == nil && b.SeedWarning() {
		err = fmt.Errorf("%w: %s wallet seed changed", keyseed.ErrSeedMismatch, b.Symbol())
	}
	if errors.Is(err, keyseed.ErrSeedMismatch) {
		if !bc.bid.Untrusted {
			bc.log.Warn("Continuing with untrusted wallet", "chain", b.Symbol())
			bc.bid.Untrusted = true
			bc.dirty = true
		}
		return nil
	}
	return err
}

func (e *Engine) keyPath(b *Bid, leg keyseed.KeyLeg) (keyseed.KeyPath, error) {
	from, err := e.params(b.CoinFrom)
	if err != nil {
		return keyseed.KeyPath{}, err
	}
	to, err := e.params(b.CoinTo)
	if err != nil {
		return keyseed.KeyPath{}, err
	}
	return keyseed.KeyPath{
		CoinFrom:      from.CoinID,
		CoinTo:        to.CoinID,
		CreatedAt:     b.CreatedAt.Unix(),
		ContractCount: b.ContractCount,
		Leg:           leg,
	}, nil
}

func (e *Engine) swapKey(b *Bid, leg keyseed.KeyLeg) (*btcec.PrivateKey, error) {
	path, err := e.keyPath(b, leg)
	if err != nil {
		return nil, err
	}
	return e.keys.SwapKey(path)
}

func (e *Engine) keyShare(b *Bid, leg keyseed.KeyLeg) (*adaptor.KeyShare, error) {
	path, err := e.keyPath(b, leg)
	if err != nil {
		return nil, err
	}
	return e.keys.SwapKeyShare(path)
}

// amountTo converts the bid amount into coin_to units.
func (e *Engine) amountTo(b *Bid) (int64, error) {
	p, err := e.params(b.CoinFrom)
	if err != nil {
		return 0, err
	}
	return b.AmountTo(p.Decimals), nil
}
