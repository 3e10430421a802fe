package watch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory chain: a list of blocks plus tx depths.
type fakeChain struct {
	symbol   string
	required int

	mu      sync.Mutex
	blocks  []*backend.Block
	depths  map[string]int
	failTip bool
	fetched []int64
}

func newFakeChain(symbol string, required int) *fakeChain {
	c := &fakeChain{symbol: symbol, required: required, depths: make(map[string]int)}
	// genesis
	c.blocks = append(c.blocks, &backend.Block{Hash: "h0", Height: 0})
	return c
}

func (c *fakeChain) Symbol() string             { return c.symbol }
func (c *fakeChain) RequiredConfirmations() int { return c.required }

func (c *fakeChain) GetTxDepth(_ context.Context, txid string) (*backend.TxDepth, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.depths[txid]
	if !ok {
		return nil, backend.ErrTxNotFound
	}
	return &backend.TxDepth{Depth: d, BlockHash: "bh-" + txid, BlockTime: 1000}, nil
}

func (c *fakeChain) GetBlockHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failTip {
		return 0, backend.ErrTransient
	}
	return int64(len(c.blocks) - 1), nil
}

func (c *fakeChain) GetBlock(_ context.Context, height int64) (*backend.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetched = append(c.fetched, height)
	if height < 0 || height >= int64(len(c.blocks)) {
		return nil, fmt.Errorf("no block %d", height)
	}
	return c.blocks[height], nil
}

func (c *fakeChain) mine(txs ...backend.BlockTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := int64(len(c.blocks))
	c.blocks = append(c.blocks, &backend.Block{Hash: fmt.Sprintf("h%d", h), Height: h, Time: 1000 + h, Txs: txs})
}

func (c *fakeChain) setDepth(txid string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depths[txid] = depth
}

func spend(txid string, prev backend.OutPoint, witness ...[]byte) backend.BlockTx {
	return backend.BlockTx{TxID: txid, Inputs: []backend.TxIn{{PrevOut: prev, Witness: witness}}}
}

func pay(txid string, script []byte, value int64) backend.BlockTx {
	return backend.BlockTx{TxID: txid, Outputs: []backend.TxOut{{Index: 0, Value: value, Script: script}}}
}

func TestOutputSpentOnce(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	c := newFakeChain("BTC", 1)

	r.WatchOutput(Output{SwapID: "S", Chain: "BTC", TxID: "T", Index: 0, Role: "initiate", Variant: VariantScript})

	// First poll only positions the cursor at tip.
	events, err := r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	c.mine(spend("T2", backend.OutPoint{TxID: "T", Index: 0}, []byte{0xaa}))
	events, err = r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	require.Equal(t, OutputSpent, ev.Kind)
	require.Equal(t, "S", ev.SwapID)
	require.Equal(t, "T2", ev.SpendingTxID)
	require.Equal(t, uint32(0), ev.SpendingIndex)
	require.Equal(t, [][]byte{{0xaa}}, ev.Witness)
	require.Zero(t, r.Len())

	// Unchanged chain state: nothing more.
	events, err = r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestTxConfirmedAtThreshold(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	c := newFakeChain("LTC", 2)

	r.WatchTransaction(Transaction{SwapID: "S", Chain: "LTC", TxID: "lock", Role: "a_lock", Depth: 7})
	require.Equal(t, -1, r.Entries("S").Transactions[0].Depth)

	events, err := r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Empty(t, events)

	c.setDepth("lock", 1)
	events, err = r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Empty(t, events)
	entry := r.Entries("S").Transactions[0]
	require.Equal(t, 1, entry.Depth)
	require.Equal(t, "bh-lock", entry.BlockHash)

	c.setDepth("lock", 2)
	events, err = r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, TxConfirmed, events[0].Kind)
	require.Equal(t, 2, events[0].Depth)
	require.Equal(t, TxRole("a_lock"), events[0].Role)

	c.setDepth("lock", 3)
	events, err = r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestScriptPaid(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	c := newFakeChain("BTC", 1)
	c.mine()
	c.mine()

	script := []byte{0x00, 0x20, 0x01}
	r.WatchScript(Script{SwapID: "S", Chain: "BTC", Script: script, Role: "participate", FromHeight: 1})
	c.mine(pay("other", []byte{0x51}, 5), pay("P", script, 900))

	events, err := r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ScriptPaid, events[0].Kind)
	require.Equal(t, "P", events[0].TxID)
	require.Equal(t, int64(900), events[0].Value)
	require.Equal(t, int64(3), events[0].Height)

	// Scanning started at FromHeight.
	require.Equal(t, []int64{1, 2, 3}, c.fetched)
}

func TestRemoveSwapDropsEverything(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	c := newFakeChain("BTC", 1)

	r.WatchOutput(Output{SwapID: "S", Chain: "BTC", TxID: "T", Index: 1})
	r.WatchScript(Script{SwapID: "S", Chain: "BTC", Script: []byte{1}})
	r.WatchTransaction(Transaction{SwapID: "S", Chain: "BTC", TxID: "T"})
	r.WatchTransaction(Transaction{SwapID: "other", Chain: "BTC", TxID: "U"})
	require.Equal(t, 4, r.Len())

	_, err := r.Poll(ctx, c, 0)
	require.NoError(t, err)

	r.RemoveSwap("S")
	require.Equal(t, 1, r.Len())

	c.setDepth("T", 5)
	c.mine(spend("X", backend.OutPoint{TxID: "T", Index: 1}), pay("Y", []byte{1}, 1))
	events, err := r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestRemoveRole(t *testing.T) {
	r := NewRegistry()
	r.WatchTransaction(Transaction{SwapID: "S", Chain: "BTC", TxID: "a", Role: "a_lock"})
	r.WatchOutput(Output{SwapID: "S", Chain: "BTC", TxID: "a", Role: "a_lock"})
	r.WatchTransaction(Transaction{SwapID: "S", Chain: "XMR", TxID: "b", Role: "b_lock"})

	r.RemoveRole("S", "a_lock")
	snap := r.Entries("S")
	require.Empty(t, snap.Outputs)
	require.Len(t, snap.Transactions, 1)
	require.Equal(t, "b", snap.Transactions[0].TxID)

	r.RemoveRole("S", "b_lock")
	require.Zero(t, r.Len())
	require.Empty(t, r.Chains())
}

func TestWatchReplacesDuplicates(t *testing.T) {
	r := NewRegistry()
	r.WatchOutput(Output{SwapID: "S", Chain: "BTC", TxID: "T", Index: 0, Role: "old"})
	r.WatchOutput(Output{SwapID: "S", Chain: "BTC", TxID: "T", Index: 0, Role: "new"})
	r.WatchScript(Script{SwapID: "S", Chain: "BTC", Script: []byte{1}})
	r.WatchScript(Script{SwapID: "S", Chain: "BTC", Script: []byte{1}})
	r.WatchTransaction(Transaction{SwapID: "S", Chain: "BTC", TxID: "T"})
	r.WatchTransaction(Transaction{SwapID: "S", Chain: "BTC", TxID: "T"})

	snap := r.Entries("S")
	require.Len(t, snap.Outputs, 1)
	require.Equal(t, TxRole("new"), snap.Outputs[0].Role)
	require.Len(t, snap.Scripts, 1)
	require.Len(t, snap.Transactions, 1)
	require.Equal(t, []string{"BTC"}, r.Chains())
}

func TestScanRespectsMaxBlocksAndRewind(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	c := newFakeChain("BTC", 1)

	r.WatchScript(Script{SwapID: "S", Chain: "BTC", Script: []byte{9}, FromHeight: 1})
	for i := 0; i < 5; i++ {
		c.mine()
	}
	_, err := r.Poll(ctx, c, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, c.fetched)

	// A new entry starting earlier pulls the cursor back.
	c.fetched = nil
	r.WatchOutput(Output{SwapID: "S2", Chain: "BTC", TxID: "Z", FromHeight: 1})
	_, err = r.Poll(ctx, c, 0)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, c.fetched)
}

func TestPollKeepsEntriesOnFault(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	c := newFakeChain("BTC", 1)
	c.failTip = true

	r.WatchOutput(Output{SwapID: "S", Chain: "BTC", TxID: "T"})
	events, err := r.Poll(ctx, c, 0)
	require.ErrorIs(t, err, backend.ErrTransient)
	require.Empty(t, events)
	require.Equal(t, 1, r.Len())
}

func TestPollWithoutBlockAccess(t *testing.T) {
	r := NewRegistry()
	c := newFakeChain("XMR", 1)
	src := struct{ Source }{c}

	r.WatchTransaction(Transaction{SwapID: "S", Chain: "XMR", TxID: "x"})
	c.setDepth("x", 1)
	events, err := r.Poll(context.Background(), src, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	r.WatchOutput(Output{SwapID: "S", Chain: "XMR", TxID: "x"})
	_, err = r.Poll(context.Background(), src, 0)
	require.Error(t, err)
}

type fakeBackends map[string]*fakeChain

type chainBackend struct {
	backend.ChainBackend
	*fakeChain
}

func (c chainBackend) Symbol() string             { return c.fakeChain.Symbol() }
func (c chainBackend) RequiredConfirmations() int { return c.fakeChain.RequiredConfirmations() }
func (c chainBackend) GetTxDepth(ctx context.Context, txid string) (*backend.TxDepth, error) {
	return c.fakeChain.GetTxDepth(ctx, txid)
}
func (c chainBackend) GetBlockHeight(ctx context.Context) (int64, error) {
	return c.fakeChain.GetBlockHeight(ctx)
}

func (f fakeBackends) Get(symbol string) (backend.ChainBackend, bool) {
	c, ok := f[symbol]
	if !ok {
		return nil, false
	}
	return chainBackend{fakeChain: c}, true
}

func TestPollerPollsEachChain(t *testing.T) {
	r := NewRegistry()
	btc := newFakeChain("BTC", 1)
	ltc := newFakeChain("LTC", 1)
	backends := fakeBackends{"BTC": btc, "LTC": ltc}

	r.WatchTransaction(Transaction{SwapID: "A", Chain: "BTC", TxID: "a"})
	r.WatchTransaction(Transaction{SwapID: "B", Chain: "LTC", TxID: "b"})
	r.WatchTransaction(Transaction{SwapID: "C", Chain: "DOGE", TxID: "c"})
	btc.setDepth("a", 1)
	ltc.setDepth("b", 1)

	p := NewPoller(&PollerConfig{Registry: r, Backends: backends})
	events := p.PollOnce(context.Background())
	require.Len(t, events, 2)
	require.Equal(t, 1, r.Len())
	require.Empty(t, p.PollOnce(context.Background()))
}

func TestPollerLoopCallsHandler(t *testing.T) {
	r := NewRegistry()
	btc := newFakeChain("BTC", 1)
	r.WatchTransaction(Transaction{SwapID: "A", Chain: "BTC", TxID: "a"})
	btc.setDepth("a", 1)

	got := make(chan []Event, 10)
	p := NewPoller(&PollerConfig{
		Registry: r,
		Backends: fakeBackends{"BTC": btc},
		Interval: 5 * time.Millisecond,
		Handler: func(_ context.Context, evs []Event) {
			select {
			case got <- evs:
			default:
			}
		},
	})
	p.Start(context.Background())
	defer p.Stop()

	select {
	case evs := <-got:
		require.Len(t, evs, 1)
		require.Equal(t, "A", evs[0].SwapID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}
