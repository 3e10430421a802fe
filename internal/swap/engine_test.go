package swap_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
	"github.com/klingon-exchange/swapengine/internal/storage"
	"github.com/klingon-exchange/swapengine/internal/swap"
	"github.com/klingon-exchange/swapengine/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPassword     = "Correct-Horse-9"
	offererMnemonic  = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	bidderMnemonic   = "legal winner thank year wave sausage worth useful legal winner thank yellow"
	testFeeRate      = 1000
	testSigAllowance = 110
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeChain is an in-memory chain shared by the backends of both parties.
// Spends of known outputs are script-verified on broadcast.
type fakeChain struct {
	mu       sync.Mutex
	params   *chain.Params
	height   int64
	txs      map[string]*wire.MsgTx
	mined    map[string]int64
	spent    map[wire.OutPoint]string
	nonce    uint32
	rejected []error
}

func newFakeChain(t *testing.T, symbol string, height int64) *fakeChain {
	t.Helper()
	params, ok := chain.Get(symbol, chain.Testnet)
	require.True(t, ok)
	return &fakeChain{
		params: params,
		height: height,
		txs:    make(map[string]*wire.MsgTx),
		mined:  make(map[string]int64),
		spent:  make(map[wire.OutPoint]string),
	}
}

// mine puts every pending transaction in the next block, then advances
// the tip by n blocks.
func (c *fakeChain) mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.txs {
		if _, ok := c.mined[id]; !ok {
			c.mined[id] = c.height + 1
		}
	}
	c.height += int64(n)
}

// funding returns a fresh wallet outpoint the chain does not know, so
// its spend is not script-verified. Callers hold c.mu.
func (c *fakeChain) funding() *wire.OutPoint {
	c.nonce++
	var h chainhash.Hash
	binary.BigEndian.PutUint32(h[:4], c.nonce)
	h[31] = 0xfe
	return wire.NewOutPoint(&h, 0)
}

func (c *fakeChain) add(tx *wire.MsgTx) string {
	id := tx.TxHash().String()
	c.txs[id] = tx
	for _, in := range tx.TxIn {
		c.spent[in.PreviousOutPoint] = id
	}
	return id
}

func (c *fakeChain) tx(t *testing.T, txid string) *wire.MsgTx {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txid]
	require.True(t, ok, "unknown tx %s", txid)
	return tx
}

func (c *fakeChain) verify(tx *wire.MsgTx) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		if by, ok := c.spent[in.PreviousOutPoint]; ok && by != tx.TxHash().String() {
			return fmt.Errorf("%s already spent by %s", in.PreviousOutPoint, by)
		}
		prev, ok := c.txs[in.PreviousOutPoint.Hash.String()]
		if !ok || int(in.PreviousOutPoint.Index) >= len(prev.TxOut) {
			continue
		}
		fetcher.AddPrevOut(in.PreviousOutPoint, prev.TxOut[in.PreviousOutPoint.Index])
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, in := range tx.TxIn {
		out := fetcher.FetchPrevOutput(in.PreviousOutPoint)
		if out == nil {
			continue
		}
		vm, err := txscript.NewEngine(out.PkScript, tx, i, txscript.StandardVerifyFlags, nil, sigHashes, out.Value, fetcher)
		if err != nil {
			return err
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	return nil
}

func (c *fakeChain) event(kind watch.EventKind, bidID string, role watch.TxRole) watch.Event {
	return watch.Event{Kind: kind, SwapID: bidID, Chain: c.params.Symbol, Role: role, Variant: watch.VariantScript}
}

func (c *fakeChain) confirmed(bidID string, role watch.TxRole, txid string) watch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.mined[txid]
	ev := c.event(watch.TxConfirmed, bidID, role)
	ev.TxID = txid
	ev.Depth = int(c.height - h + 1)
	ev.BlockTime = 1_700_000_000 + h
	return ev
}

// paid reports the payment of a SendToAddress transaction, whose output 0
// pays the watched script.
func (c *fakeChain) paid(bidID string, role watch.TxRole, txid string) watch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.event(watch.ScriptPaid, bidID, role)
	ev.TxID = txid
	ev.Value = c.txs[txid].TxOut[0].Value
	ev.Height = c.mined[txid]
	ev.BlockTime = 1_700_000_000 + ev.Height
	return ev
}

func (c *fakeChain) spentBy(bidID string, role watch.TxRole, spendTxID string) watch.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := c.txs[spendTxID].TxIn[0]
	ev := c.event(watch.OutputSpent, bidID, role)
	ev.SpentTxID = in.PreviousOutPoint.Hash.String()
	ev.SpentIndex = in.PreviousOutPoint.Index
	ev.SpendingTxID = spendTxID
	ev.ScriptSig = in.SignatureScript
	ev.Witness = in.Witness
	return ev
}

// fakeBackend implements the ScriptBackend calls the engine makes. The
// rest panics through the nil embedded interface.
type fakeBackend struct {
	backend.ScriptBackend

	chain    *fakeChain
	mismatch bool
	checkErr error
}

func (b *fakeBackend) Symbol() string        { return b.chain.params.Symbol }
func (b *fakeBackend) Params() *chain.Params { return b.chain.params }

func (b *fakeBackend) SeedFingerprint(seed []byte) (string, error) {
	return hex.EncodeToString(seed[:8]), nil
}

func (b *fakeBackend) CheckWalletMatchesSeed(context.Context, string) (bool, error) {
	if b.checkErr != nil {
		return false, b.checkErr
	}
	return !b.mismatch, nil
}

func (b *fakeBackend) SeedWarning() bool { return false }

func (b *fakeBackend) GetBlockHeight(context.Context) (int64, error) {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.chain.height, nil
}

func (b *fakeBackend) GetNewAddress(context.Context) (string, error) {
	id := uuid.New()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(id[:]), b.chain.params.NetParams())
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (b *fakeBackend) AddressScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, b.chain.params.NetParams())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidAddress, err)
	}
	return txscript.PayToAddrScript(addr)
}

func (b *fakeBackend) FeeRate(context.Context) (int64, error) { return testFeeRate, nil }

func (b *fakeBackend) EstimateFee(size int, feeRate int64, unsigned bool) int64 {
	if unsigned {
		size += testSigAllowance
	}
	return (feeRate*int64(size) + 500) / 1000
}

func (b *fakeBackend) SendToAddress(_ context.Context, address string, value int64) (string, error) {
	script, err := b.AddressScript(address)
	if err != nil {
		return "", err
	}
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(c.funding(), nil, nil))
	tx.AddTxOut(wire.NewTxOut(value, script))
	return c.add(tx), nil
}

// FundTransaction adds a wallet input and returns the tx unpublished.
func (b *fakeBackend) FundTransaction(_ context.Context, tx *wire.MsgTx) (*wire.MsgTx, error) {
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	funded := tx.Copy()
	funded.AddTxIn(wire.NewTxIn(c.funding(), nil, nil))
	return funded, nil
}

func (b *fakeBackend) GetTransaction(_ context.Context, txid string) (*wire.MsgTx, error) {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	tx, ok := b.chain.txs[txid]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return tx.Copy(), nil
}

func (b *fakeBackend) Broadcast(_ context.Context, tx *wire.MsgTx) (string, error) {
	c := b.chain
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.verify(tx); err != nil {
		c.rejected = append(c.rejected, err)
		return "", fmt.Errorf("%w: %v", backend.ErrBroadcastFailed, err)
	}
	return c.add(tx.Copy()), nil
}

// fakeMonero is an in-memory no-script chain. A lock is found by the
// shared keys it was paid to and swept with the full spend key, the way a
// restored wallet would.
type fakeMonero struct {
	mu     sync.Mutex
	params *chain.Params
	height int64
	locks  map[string]*moneroLock
	mined  map[string]int64
	sweeps []moneroSweep
	nonce  int
}

type moneroLock struct {
	txid    string
	viewPub []byte
	amount  int64
	swept   bool
}

type moneroSweep struct {
	txid   string
	dest   string
	amount int64
}

func newFakeMonero(t *testing.T, height int64) *fakeMonero {
	t.Helper()
	params, ok := chain.Get("XMR", chain.Testnet)
	require.True(t, ok)
	return &fakeMonero{
		params: params,
		height: height,
		locks:  make(map[string]*moneroLock),
		mined:  make(map[string]int64),
	}
}

// mine puts every pending transfer in the next block, then advances the
// tip by n blocks.
func (m *fakeMonero) mine(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.mined {
		if h == 0 {
			m.mined[id] = m.height + 1
		}
	}
	m.height += int64(n)
}

// transfer records a new pending transaction. Callers hold m.mu.
func (m *fakeMonero) transfer() string {
	m.nonce++
	id := fmt.Sprintf("%064x", m.nonce)
	m.mined[id] = 0
	return id
}

func (m *fakeMonero) depth(txid string) int {
	h := m.mined[txid]
	if h == 0 {
		return 0
	}
	return int(m.height - h + 1)
}

func (m *fakeMonero) confirmed(bidID string, role watch.TxRole, txid string) watch.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return watch.Event{
		Kind: watch.TxConfirmed, SwapID: bidID, Chain: m.params.Symbol, Role: role,
		Variant: watch.VariantScriptless, TxID: txid, Depth: m.depth(txid),
	}
}

func (m *fakeMonero) swept() []moneroSweep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]moneroSweep(nil), m.sweeps...)
}

func scalarPoint(scalar []byte) ([]byte, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(scalar)
	if err != nil {
		return nil, err
	}
	return new(edwards25519.Point).ScalarBaseMult(s).Bytes(), nil
}

// fakeXMRBackend implements the ScriptlessBackend calls the engine makes
// on top of a shared fakeMonero.
type fakeXMRBackend struct {
	backend.ScriptlessBackend

	chain *fakeMonero
}

func (b *fakeXMRBackend) Symbol() string        { return b.chain.params.Symbol }
func (b *fakeXMRBackend) Params() *chain.Params { return b.chain.params }

func (b *fakeXMRBackend) SeedFingerprint(seed []byte) (string, error) {
	return hex.EncodeToString(seed[:8]), nil
}

func (b *fakeXMRBackend) CheckWalletMatchesSeed(context.Context, string) (bool, error) {
	return true, nil
}

func (b *fakeXMRBackend) SeedWarning() bool { return false }

func (b *fakeXMRBackend) RequiredConfirmations() int { return b.chain.params.BlocksConfirmed }

func (b *fakeXMRBackend) GetBlockHeight(context.Context) (int64, error) {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	return b.chain.height, nil
}

func (b *fakeXMRBackend) GetNewAddress(context.Context) (string, error) {
	return "xmr-wallet-" + uuid.NewString(), nil
}

func (b *fakeXMRBackend) LockAddress(spendPub, viewPub []byte) (string, error) {
	return "xmr-lock-" + hex.EncodeToString(spendPub) + "-" + hex.EncodeToString(viewPub), nil
}

func (b *fakeXMRBackend) PublishLock(_ context.Context, address string, amount int64) (string, error) {
	spend, view, ok := strings.Cut(strings.TrimPrefix(address, "xmr-lock-"), "-")
	if !ok {
		return "", fmt.Errorf("%w: %s", backend.ErrInvalidAddress, address)
	}
	viewPub, err := hex.DecodeString(view)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrInvalidAddress, err)
	}
	m := b.chain
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.transfer()
	m.locks[spend] = &moneroLock{txid: id, viewPub: viewPub, amount: amount}
	return id, nil
}

func (b *fakeXMRBackend) FindLock(_ context.Context, viewKey, spendPub []byte, minAmount int64, _ uint64) (*backend.LockOutput, error) {
	viewPub, err := scalarPoint(viewKey)
	if err != nil {
		return nil, err
	}
	m := b.chain
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[hex.EncodeToString(spendPub)]
	if !ok || !bytes.Equal(l.viewPub, viewPub) || l.amount < minAmount {
		return nil, nil
	}
	return &backend.LockOutput{TxID: l.txid, Amount: l.amount, Depth: m.depth(l.txid)}, nil
}

func (b *fakeXMRBackend) SweepLock(_ context.Context, spendKey, viewKey []byte, _ uint64, dest string) (string, error) {
	spendPub, err := scalarPoint(spendKey)
	if err != nil {
		return "", err
	}
	viewPub, err := scalarPoint(viewKey)
	if err != nil {
		return "", err
	}
	m := b.chain
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[hex.EncodeToString(spendPub)]
	if !ok || !bytes.Equal(l.viewPub, viewPub) {
		return "", errors.New("no funds owned by this key")
	}
	if l.swept {
		return "", errors.New("lock already swept")
	}
	l.swept = true
	id := m.transfer()
	m.sweeps = append(m.sweeps, moneroSweep{txid: id, dest: dest, amount: l.amount})
	return id, nil
}

// pipe delivers one party's outbox to the other party's engine.
type pipe struct {
	mu   sync.Mutex
	to   *swap.Engine
	sent []*swap.Message
}

func (p *pipe) Send(ctx context.Context, msg *swap.Message) error {
	p.mu.Lock()
	p.sent = append(p.sent, msg)
	to := p.to
	p.mu.Unlock()
	return to.HandleMessage(ctx, msg)
}

type node struct {
	engine   *swap.Engine
	store    *storage.Storage
	watches  *watch.Registry
	backends map[string]*fakeBackend
	out      *pipe
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	btc, ltc *fakeChain
	xmr      *fakeMonero
	offerer  *node
	bidder   *node
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: &testClock{now: time.Unix(1_700_000_000, 0)},
		btc:   newFakeChain(t, "BTC", 1000),
		ltc:   newFakeChain(t, "LTC", 5000),
		xmr:   newFakeMonero(t, 2_000_000),
	}
	h.offerer = h.newNode(offererMnemonic)
	h.bidder = h.newNode(bidderMnemonic)
	h.offerer.out.to = h.bidder.engine
	h.bidder.out.to = h.offerer.engine
	return h
}

func (h *harness) newNode(mnemonic string) *node {
	t := h.t
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys := keyseed.New(store, chain.Testnet, nil)
	require.NoError(t, keys.Import(h.ctx, mnemonic, testPassword))

	n := &node{
		store:    store,
		watches:  watch.NewRegistry(),
		backends: make(map[string]*fakeBackend),
		out:      &pipe{},
	}
	registry := backend.NewRegistry()
	for _, c := range []*fakeChain{h.btc, h.ltc} {
		fb := &fakeBackend{chain: c}
		n.backends[c.params.Symbol] = fb
		registry.Register(fb)
	}
	registry.Register(&fakeXMRBackend{chain: h.xmr})
	n.engine, err = swap.New(&swap.Config{
		Network:  chain.Testnet,
		Store:    store,
		Backends: registry,
		Keys:     keys,
		Watches:  n.watches,
		Sender:   n.out,
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	return n
}

func (h *harness) postOffer(lockValue uint32) *swap.Offer {
	return h.post(&swap.Offer{
		CoinFrom:  "BTC",
		CoinTo:    "LTC",
		Variant:   swap.VariantScript,
		Amount:    100_000_000,
		Rate:      250_000_000,
		LockType:  swap.LockSequenceBlocks,
		LockValue: lockValue,
	})
}

// postScriptlessOffer offers BTC for XMR at 150 XMR per BTC.
func (h *harness) postScriptlessOffer(lockValue uint32) *swap.Offer {
	return h.post(&swap.Offer{
		CoinFrom:  "BTC",
		CoinTo:    "XMR",
		Variant:   swap.VariantScriptless,
		Amount:    100_000_000,
		Rate:      150_000_000_000_000,
		LockType:  swap.LockSequenceBlocks,
		LockValue: lockValue,
	})
}

func (h *harness) post(offer *swap.Offer) *swap.Offer {
	o, err := h.offerer.engine.PostOffer(h.ctx, offer)
	require.NoError(h.t, err)
	h.offerer.engine.FlushOutbox(h.ctx)
	return o
}

func (h *harness) placeBid(offerID string) string {
	b, err := h.bidder.engine.PlaceBid(h.ctx, offerID, 50_000_000)
	require.NoError(h.t, err)
	h.bidder.engine.FlushOutbox(h.ctx)
	return b.ID
}

func (h *harness) accept(bidID string) {
	require.NoError(h.t, h.offerer.engine.AcceptBid(h.ctx, bidID))
	h.offerer.engine.FlushOutbox(h.ctx)
}

func (h *harness) bid(n *node, id string) *swap.Bid {
	b, err := n.engine.Bid(h.ctx, id)
	require.NoError(h.t, err)
	return b
}

func (h *harness) states(n *node, id string) []swap.State {
	history, err := n.engine.BidHistory(h.ctx, id)
	require.NoError(h.t, err)
	states := make([]swap.State, len(history))
	for i, e := range history {
		states[i] = e.State
	}
	return states
}

func TestHTLCSwapCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)

	a := h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateBidReceived, a.State)
	require.Equal(t, swap.RoleInitiator, a.Role)

	h.accept(bidID)
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateBidAccepted, a.State)
	initTx := a.Slots[swap.TxInitiate].TxID
	require.NotEmpty(t, initTx)
	assert.Equal(t, int64(50_000_000), a.Slots[swap.TxInitiate].Value)

	b := h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateBidAccepted, b.State)
	assert.Equal(t, a.HTLC.SecretHash, b.HTLC.SecretHash)
	assert.Empty(t, b.HTLC.Secret)
	scripts := h.bidder.watches.Entries(bidID).Scripts
	require.Len(t, scripts, 1)
	assert.Equal(t, swap.TxInitiate, scripts[0].Role)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxInitiate, initTx)})
	require.Equal(t, swap.StateInitiated, h.bid(h.offerer, bidID).State)

	h.bidder.engine.Tick(ctx, []watch.Event{
		h.btc.paid(bidID, swap.TxInitiate, initTx),
		h.btc.confirmed(bidID, swap.TxInitiate, initTx),
	})
	b = h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateParticipating, b.State)
	partTx := b.Slots[swap.TxParticipate].TxID
	require.NotEmpty(t, partTx)
	assert.Equal(t, int64(125_000_000), h.ltc.tx(t, partTx).TxOut[0].Value)

	h.ltc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{
		h.ltc.paid(bidID, swap.TxParticipate, partTx),
		h.ltc.confirmed(bidID, swap.TxParticipate, partTx),
	})
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateParticipating, a.State)
	redeemA := a.Slots[swap.TxParticipateRedeem].TxID
	require.NotEmpty(t, redeemA)

	h.ltc.mine(1)
	h.bidder.engine.Tick(ctx, []watch.Event{
		h.ltc.confirmed(bidID, swap.TxParticipate, partTx),
		h.ltc.spentBy(bidID, swap.TxParticipate, redeemA),
	})
	b = h.bid(h.bidder, bidID)
	assert.Equal(t, a.HTLC.Secret, b.HTLC.Secret)
	redeemB := b.Slots[swap.TxInitiateRedeem].TxID
	require.NotEmpty(t, redeemB)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{
		h.btc.spentBy(bidID, swap.TxInitiate, redeemB),
		h.ltc.spentBy(bidID, swap.TxParticipate, redeemA),
	})
	h.bidder.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxInitiate, redeemB)})

	for _, n := range []*node{h.offerer, h.bidder} {
		got := h.bid(n, bidID)
		assert.Equal(t, swap.StateCompleted, got.State)
		assert.Equal(t, "Swap completed successfully", swap.Describe(got))
		d, ok := got.Completed()
		require.True(t, ok)
		assert.True(t, d.Success())
		assert.Zero(t, n.watches.Len())

		active, err := n.engine.ActiveBids(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	}

	assert.Equal(t, []swap.State{
		swap.StateBidReceived, swap.StateBidAccepted, swap.StateInitiated,
		swap.StateParticipating, swap.StateCompleted,
	}, h.states(h.offerer, bidID))
	assert.Equal(t, []swap.State{
		swap.StateBidSent, swap.StateBidAccepted, swap.StateInitiated,
		swap.StateParticipating, swap.StateCompleted,
	}, h.states(h.bidder, bidID))

	assert.Empty(t, h.btc.rejected)
	assert.Empty(t, h.ltc.rejected)
}

func TestHTLCInitiatorRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)
	h.accept(bidID)
	initTx := h.bid(h.offerer, bidID).Slots[swap.TxInitiate].TxID

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxInitiate, initTx)})
	require.Equal(t, swap.StateInitiated, h.bid(h.offerer, bidID).State)

	// the refund is final one block before the lock expires
	h.btc.mine(98)
	h.offerer.engine.Tick(ctx, nil)
	require.False(t, h.bid(h.offerer, bidID).HasTx(swap.TxInitiateRefund))

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, nil)
	a := h.bid(h.offerer, bidID)
	refundTx := a.Slots[swap.TxInitiateRefund].TxID
	require.NotEmpty(t, refundTx)
	assert.Equal(t, uint32(100), h.btc.tx(t, refundTx).TxIn[0].Sequence)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxInitiate, refundTx)})
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateCompleted, a.State)
	d, ok := a.Completed()
	require.True(t, ok)
	assert.Equal(t, swap.LegRefunded, d.LegA)
	assert.Equal(t, swap.LegNone, d.LegB)
	assert.Equal(t, "Swap completed, BTC leg refunded, LTC leg unfunded", swap.Describe(a))
	assert.Empty(t, h.btc.rejected)
}

func TestUnconfirmedInitiateTimesOutAndRefundsLate(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)
	h.accept(bidID)
	initTx := h.bid(h.offerer, bidID).Slots[swap.TxInitiate].TxID
	require.NotEmpty(t, initTx)

	// the initiate tx sits unmined past the bid expiry
	h.clock.Advance(31 * time.Minute)
	h.offerer.engine.Tick(ctx, nil)
	h.bidder.engine.Tick(ctx, nil)

	a := h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateTimedOut, a.State)
	assert.True(t, a.Reclaiming)
	assert.Equal(t, "Timed out, refunding BTC lock tx if it confirms", swap.Describe(a))
	txs := h.offerer.watches.Entries(bidID).Transactions
	require.Len(t, txs, 1)
	assert.Equal(t, initTx, txs[0].TxID)

	b := h.bid(h.bidder, bidID)
	assert.Equal(t, swap.StateTimedOut, b.State)
	assert.False(t, b.HasTx(swap.TxParticipate))
	assert.Zero(t, h.bidder.watches.Len())

	active, err := h.offerer.engine.ActiveBids(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// it confirms late: watched by output until the lock opens
	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxInitiate, initTx)})
	a = h.bid(h.offerer, bidID)
	assert.False(t, a.HasTx(swap.TxInitiateRefund))
	outs := h.offerer.watches.Entries(bidID).Outputs
	require.Len(t, outs, 1)
	assert.Equal(t, swap.TxInitiate, outs[0].Role)

	h.btc.mine(98)
	h.offerer.engine.Tick(ctx, nil)
	require.False(t, h.bid(h.offerer, bidID).HasTx(swap.TxInitiateRefund))

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, nil)
	a = h.bid(h.offerer, bidID)
	refundTx := a.Slots[swap.TxInitiateRefund].TxID
	require.NotEmpty(t, refundTx)
	assert.Equal(t, uint32(100), h.btc.tx(t, refundTx).TxIn[0].Sequence)
	assert.True(t, a.Reclaiming)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxInitiate, refundTx)})
	a = h.bid(h.offerer, bidID)
	assert.Equal(t, swap.StateTimedOut, a.State)
	assert.False(t, a.Reclaiming)
	assert.Equal(t, swap.LegRefunded, a.Slots[swap.TxInitiate].Outcome)
	assert.Zero(t, h.offerer.watches.Len())

	active, err = h.offerer.engine.ActiveBids(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	assert.Equal(t, []swap.State{
		swap.StateBidReceived, swap.StateBidAccepted, swap.StateTimedOut,
	}, h.states(h.offerer, bidID))
	assert.Empty(t, h.btc.rejected)
}

const xmrLockAmount = 75_000_000_000_000

// lockScriptless runs a scriptless bid up to both locks being published:
// the BTC lock confirmed on both sides and the XMR lock sent by the
// bidder. It returns both txids.
func (h *harness) lockScriptless(bidID string) (lockTx, xmrLock string) {
	t, ctx := h.t, h.ctx

	h.accept(bidID)
	a := h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateBidAccepted, a.State)
	lockTx = a.Scriptless.LockTxID
	require.NotEmpty(t, lockTx)
	assert.False(t, a.HasTx(swap.TxScriptLock))

	b := h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateBidAccepted, b.State)
	assert.Equal(t, lockTx, b.Scriptless.LockTxID)
	assert.NotEmpty(t, b.Scriptless.RefundSig)
	txs := h.bidder.watches.Entries(bidID).Transactions
	require.Len(t, txs, 1)
	assert.Equal(t, lockTx, txs[0].TxID)

	// the refund signature lets the offerer publish its lock
	h.bidder.engine.FlushOutbox(ctx)
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateHaveScriptCoinSpendTx, a.State)
	require.Equal(t, lockTx, a.Slots[swap.TxScriptLock].TxID)
	assert.Equal(t, int64(50_000_000), h.btc.tx(t, lockTx).TxOut[a.Slots[swap.TxScriptLock].Vout].Value)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxScriptLock, lockTx)})
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateScriptCoinLocked, a.State)
	assert.Equal(t, int64(1001), a.Slots[swap.TxScriptLock].Height)

	h.bidder.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxScriptLock, lockTx)})
	b = h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateScriptCoinLocked, b.State)
	xmrLock = b.Slots[swap.TxNoScriptLock].TxID
	require.NotEmpty(t, xmrLock)
	assert.Equal(t, int64(xmrLockAmount), b.Slots[swap.TxNoScriptLock].Value)
	assert.Equal(t, "Waiting for XMR lock tx to confirm in chain", swap.Describe(b))
	return lockTx, xmrLock
}

func TestScriptlessSwapCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postScriptlessOffer(100)
	bidID := h.placeBid(offer.ID)

	a := h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateBidReceived, a.State)
	assert.NotEmpty(t, a.Scriptless.FollowerSpendPub)
	assert.Equal(t, "Bid must be accepted", swap.Describe(a))

	_, xmrLock := h.lockScriptless(bidID)

	h.xmr.mine(10)
	h.offerer.engine.Tick(ctx, nil)
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateLockReleased, a.State)
	assert.Equal(t, xmrLock, a.Slots[swap.TxNoScriptLock].TxID)
	assert.NotEmpty(t, a.Scriptless.ReleaseSig)

	b := h.bid(h.bidder, bidID)
	assert.Equal(t, a.Scriptless.ReleaseSig, b.Scriptless.ReleaseSig)

	h.bidder.engine.Tick(ctx, []watch.Event{h.xmr.confirmed(bidID, swap.TxNoScriptLock, xmrLock)})
	b = h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateScriptTxRedeemed, b.State)
	spendTx := b.Slots[swap.TxScriptLockSpend].TxID
	require.NotEmpty(t, spendTx)
	dest, err := h.bidder.backends["BTC"].AddressScript(b.Scriptless.FollowerDest)
	require.NoError(t, err)
	assert.Equal(t, dest, h.btc.tx(t, spendTx).TxOut[0].PkScript)

	// the completed signature on chain hands the offerer the bidder's share
	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxScriptLock, spendTx)})
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateNoScriptTxRedeemed, a.State)
	assert.NotEmpty(t, a.Scriptless.RecoveredShare)
	sweepTx := a.Slots[swap.TxNoScriptSweep].TxID
	require.NotEmpty(t, sweepTx)
	sweeps := h.xmr.swept()
	require.Len(t, sweeps, 1)
	assert.Equal(t, sweepTx, sweeps[0].txid)
	assert.Equal(t, int64(xmrLockAmount), sweeps[0].amount)
	assert.True(t, strings.HasPrefix(sweeps[0].dest, "xmr-wallet-"))

	h.bidder.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxScriptLockSpend, spendTx)})

	h.xmr.mine(10)
	h.offerer.engine.Tick(ctx, []watch.Event{h.xmr.confirmed(bidID, swap.TxNoScriptSweep, sweepTx)})

	for _, n := range []*node{h.offerer, h.bidder} {
		got := h.bid(n, bidID)
		assert.Equal(t, swap.StateCompleted, got.State)
		assert.Equal(t, "Swap completed successfully", swap.Describe(got))
		assert.Zero(t, n.watches.Len())

		active, err := n.engine.ActiveBids(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	}

	assert.Equal(t, []swap.State{
		swap.StateBidReceiving, swap.StateBidReceived, swap.StateDelaying, swap.StateBidAccepted,
		swap.StateDelaying, swap.StateHaveScriptCoinSpendTx, swap.StateScriptCoinLocked,
		swap.StateNoScriptCoinLocked, swap.StateLockReleased, swap.StateScriptTxRedeemed,
		swap.StateDelaying, swap.StateNoScriptTxRedeemed, swap.StateCompleted,
	}, h.states(h.offerer, bidID))
	assert.Equal(t, []swap.State{
		swap.StateBidSent, swap.StateBidReceivingAcc, swap.StateDelaying, swap.StateBidAccepted,
		swap.StateScriptCoinLocked, swap.StateNoScriptCoinLocked, swap.StateLockReleased,
		swap.StateScriptTxRedeemed, swap.StateCompleted,
	}, h.states(h.bidder, bidID))
	assert.Empty(t, h.btc.rejected)
}

func TestScriptlessRefundLetsBidderReclaim(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postScriptlessOffer(100)
	bidID := h.placeBid(offer.ID)
	lockTx, xmrLock := h.lockScriptless(bidID)

	// the offerer goes quiet before seeing the XMR lock
	h.xmr.mine(10)
	h.bidder.engine.Tick(ctx, []watch.Event{h.xmr.confirmed(bidID, swap.TxNoScriptLock, xmrLock)})
	b := h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateNoScriptCoinLocked, b.State)
	assert.Equal(t, "Waiting for offerer to unlock BTC lock tx", swap.Describe(b))

	// within the safety margin of the refund height nobody releases
	h.btc.mine(94)
	h.offerer.engine.Tick(ctx, nil)
	h.bidder.engine.Tick(ctx, nil)
	a := h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateScriptTxPrerefund, a.State)
	assert.Empty(t, a.Scriptless.ReleaseSig)
	assert.False(t, a.HasTx(swap.TxScriptLockRefund))
	b = h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateScriptTxPrerefund, b.State)
	assert.Equal(t, "Waiting for offerer to redeem or locktime to expire", swap.Describe(b))

	h.btc.mine(4)
	h.offerer.engine.Tick(ctx, nil)
	require.False(t, h.bid(h.offerer, bidID).HasTx(swap.TxScriptLockRefund))

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, nil)
	a = h.bid(h.offerer, bidID)
	refundTx := a.Slots[swap.TxScriptLockRefund].TxID
	require.NotEmpty(t, refundTx)
	refund := h.btc.tx(t, refundTx)
	assert.Equal(t, lockTx, refund.TxIn[0].PreviousOutPoint.Hash.String())
	assert.Equal(t, uint32(100), refund.TxIn[0].Sequence)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxScriptLock, refundTx)})
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateCompleted, a.State)
	d, ok := a.Completed()
	require.True(t, ok)
	assert.Equal(t, swap.LegRefunded, d.LegA)
	assert.Empty(t, h.xmr.swept())

	// the refund completes the bidder's encrypted signature, which gives
	// up the offerer's share of the XMR lock
	h.bidder.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxScriptLock, refundTx)})
	b = h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateNoScriptTxRedeemed, b.State)
	assert.NotEmpty(t, b.Scriptless.RecoveredShare)
	reclaimTx := b.Slots[swap.TxNoScriptReclaim].TxID
	require.NotEmpty(t, reclaimTx)
	sweeps := h.xmr.swept()
	require.Len(t, sweeps, 1)
	assert.Equal(t, reclaimTx, sweeps[0].txid)
	assert.Equal(t, int64(xmrLockAmount), sweeps[0].amount)

	h.xmr.mine(10)
	h.bidder.engine.Tick(ctx, []watch.Event{h.xmr.confirmed(bidID, swap.TxNoScriptReclaim, reclaimTx)})
	b = h.bid(h.bidder, bidID)
	require.Equal(t, swap.StateCompleted, b.State)
	assert.Equal(t, "Swap completed, BTC leg refunded, XMR leg refunded", swap.Describe(b))
	assert.Zero(t, h.bidder.watches.Len())

	assert.Equal(t, []swap.State{
		swap.StateBidSent, swap.StateBidReceivingAcc, swap.StateDelaying, swap.StateBidAccepted,
		swap.StateScriptCoinLocked, swap.StateNoScriptCoinLocked, swap.StateScriptTxPrerefund,
		swap.StateNoScriptTxRedeemed, swap.StateCompleted,
	}, h.states(h.bidder, bidID))
	assert.Empty(t, h.btc.rejected)
}

func TestScriptlessBidderWillNotLockLate(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postScriptlessOffer(100)
	bidID := h.placeBid(offer.ID)
	h.accept(bidID)
	h.bidder.engine.FlushOutbox(ctx)
	lockTx := h.bid(h.offerer, bidID).Slots[swap.TxScriptLock].TxID
	require.NotEmpty(t, lockTx)

	// seen only once half the lock time has passed
	h.btc.mine(51)
	h.bidder.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxScriptLock, lockTx)})
	b := h.bid(h.bidder, bidID)
	assert.Equal(t, swap.StateTimedOut, b.State)
	assert.False(t, b.HasTx(swap.TxNoScriptLock))
	assert.Zero(t, h.bidder.watches.Len())

	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.confirmed(bidID, swap.TxScriptLock, lockTx)})
	require.Equal(t, swap.StateScriptCoinLocked, h.bid(h.offerer, bidID).State)

	h.btc.mine(49)
	h.offerer.engine.Tick(ctx, nil)
	a := h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateScriptTxPrerefund, a.State)
	refundTx := a.Slots[swap.TxScriptLockRefund].TxID
	require.NotEmpty(t, refundTx)

	h.btc.mine(1)
	h.offerer.engine.Tick(ctx, []watch.Event{h.btc.spentBy(bidID, swap.TxScriptLock, refundTx)})
	a = h.bid(h.offerer, bidID)
	require.Equal(t, swap.StateCompleted, a.State)
	assert.Equal(t, "Swap completed, BTC leg refunded, XMR leg unfunded", swap.Describe(a))
	assert.Empty(t, h.btc.rejected)
}

func TestAbandonBid(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	var events []swap.Event
	h.bidder.engine.OnEvent(func(ev swap.Event) { events = append(events, ev) })

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)

	require.NoError(t, h.bidder.engine.AbandonBid(ctx, bidID))
	b := h.bid(h.bidder, bidID)
	assert.Equal(t, swap.StateAbandoned, b.State)
	assert.Equal(t, "Bid abandoned", swap.Describe(b))
	require.Len(t, events, 1)
	assert.Equal(t, swap.StateBidSent, events[0].From)
	assert.Equal(t, swap.TrigCancel, events[0].Trigger)

	assert.ErrorIs(t, h.bidder.engine.AbandonBid(ctx, bidID), swap.ErrBidTerminal)

	h.accept(bidID)
	assert.ErrorIs(t, h.offerer.engine.AbandonBid(ctx, bidID), swap.ErrCannotAbandon)
	assert.Equal(t, swap.StateBidAccepted, h.bid(h.offerer, bidID).State)
}

func TestDuplicateMessagesAreDropped(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)
	before := h.states(h.offerer, bidID)

	for _, msg := range h.bidder.out.sent {
		require.NoError(t, h.offerer.engine.HandleMessage(ctx, msg))
	}
	for _, msg := range h.offerer.out.sent {
		require.NoError(t, h.bidder.engine.HandleMessage(ctx, msg))
	}

	active, err := h.offerer.engine.ActiveBids(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Equal(t, before, h.states(h.offerer, bidID))
}

func TestMalformedAcceptFailsBid(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	payload, err := json.Marshal(&swap.BidAcceptPayload{
		Pub:             key.PubKey().SerializeCompressed(),
		SecretHash:      make([]byte, 32),
		InitiateLock:    100,
		ParticipateLock: 100,
	})
	require.NoError(t, err)
	msg := &swap.Message{
		ID:        uuid.NewString(),
		Kind:      swap.MsgBidAccept,
		OfferID:   offer.ID,
		BidID:     bidID,
		Payload:   payload,
		CreatedAt: h.clock.Now().Unix(),
	}

	require.NoError(t, h.bidder.engine.HandleMessage(ctx, msg))
	b := h.bid(h.bidder, bidID)
	assert.Equal(t, swap.StateError, b.State)
	assert.Contains(t, swap.Describe(b), "do not match offer")

	require.NoError(t, h.bidder.engine.HandleMessage(ctx, msg))
	assert.Equal(t, []swap.State{swap.StateBidSent, swap.StateError}, h.states(h.bidder, bidID))
}

func TestUnroutableMessages(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	err := h.bidder.engine.HandleMessage(ctx, &swap.Message{
		ID: uuid.NewString(), Kind: swap.MsgBidAccept, OfferID: "offer", BidID: "missing",
		Payload: json.RawMessage(`{}`),
	})
	assert.ErrorIs(t, err, swap.ErrNotFound)

	err = h.bidder.engine.HandleMessage(ctx, &swap.Message{ID: uuid.NewString(), Kind: "gossip", OfferID: "offer"})
	assert.ErrorIs(t, err, swap.ErrProtocolFault)

	err = h.bidder.engine.HandleMessage(ctx, &swap.Message{ID: uuid.NewString(), Kind: swap.MsgLockRelease, OfferID: "offer"})
	assert.ErrorIs(t, err, swap.ErrProtocolFault)
}

func TestBidExpires(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)

	h.clock.Advance(31 * time.Minute)
	h.offerer.engine.Tick(ctx, nil)
	h.bidder.engine.Tick(ctx, nil)

	assert.Equal(t, swap.StateTimedOut, h.bid(h.offerer, bidID).State)
	b := h.bid(h.bidder, bidID)
	assert.Equal(t, swap.StateTimedOut, b.State)
	assert.Equal(t, "Timed out waiting for initiate txn", swap.Describe(b))
}

func TestUntrustedWalletFlagsBid(t *testing.T) {
	h := newHarness(t)
	h.offerer.backends["BTC"].mismatch = true

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)
	h.accept(bidID)

	a := h.bid(h.offerer, bidID)
	assert.True(t, a.Untrusted)
	assert.True(t, a.HasTx(swap.TxInitiate))
	assert.False(t, h.bid(h.bidder, bidID).Untrusted)
}

func TestWalletReadFailureDefersFunding(t *testing.T) {
	h := newHarness(t)
	btc := h.offerer.backends["BTC"]
	btc.checkErr = fmt.Errorf("%w: connection refused", backend.ErrTransient)

	offer := h.postOffer(100)
	bidID := h.placeBid(offer.ID)
	h.accept(bidID)

	a := h.bid(h.offerer, bidID)
	assert.Equal(t, swap.StateBidAccepted, a.State)
	assert.False(t, a.HasTx(swap.TxInitiate))
	assert.False(t, a.Untrusted)

	// daemon back: the check runs again and funding goes ahead
	btc.checkErr = nil
	h.offerer.engine.Tick(h.ctx, nil)
	a = h.bid(h.offerer, bidID)
	assert.True(t, a.HasTx(swap.TxInitiate))
	assert.False(t, a.Untrusted)
}

func TestPlaceBidValidation(t *testing.T) {
	h := newHarness(t)
	ctx := h.ctx
	offer := h.postOffer(100)

	_, err := h.offerer.engine.PlaceBid(ctx, offer.ID, 1_000)
	assert.ErrorIs(t, err, swap.ErrInvalidBid)

	_, err = h.bidder.engine.PlaceBid(ctx, offer.ID, offer.Amount+1)
	assert.ErrorIs(t, err, swap.ErrInvalidBid)

	_, err = h.bidder.engine.PlaceBid(ctx, "unknown", 1_000)
	assert.ErrorIs(t, err, swap.ErrNotFound)
}
