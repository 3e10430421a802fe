// Package watch turns chain state into swap events. Entries are registered
// per swap, polled against the chain backends, and removed at the moment
// their event is produced, so an event is never produced twice.
package watch

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TxRole tags a transaction's part in a swap (initiate, participate,
// script-chain lock, ...). The swap package defines the values.
type TxRole string

// Variant is the swap family an entry belongs to.
type Variant string

const (
	VariantScript     Variant = "script"
	VariantScriptless Variant = "scriptless"
)

// Output watches for the spend of a known output.
type Output struct {
	SwapID  string
	Chain   string
	TxID    string
	Index   uint32
	Role    TxRole
	Variant Variant

	// FromHeight is the first block that could contain the spend.
	FromHeight int64
}

func (o Output) key() string { return fmt.Sprintf("%s:%d", o.TxID, o.Index) }

// Script watches for any transaction paying to Script. Once the payment is
// seen, the owner normally replaces it with a Transaction or Output entry.
type Script struct {
	SwapID  string
	Chain   string
	Script  []byte
	Role    TxRole
	Variant Variant

	FromHeight int64
}

// Transaction watches the depth of a known transaction. Depth is -1 until
// the transaction is mined.
type Transaction struct {
	SwapID    string
	Chain     string
	TxID      string
	Role      TxRole
	Variant   Variant
	BlockHash string
	Depth     int
}

// EventKind is the kind of chain fact an event reports.
type EventKind int

const (
	TxConfirmed EventKind = iota + 1
	OutputSpent
	ScriptPaid
)

func (k EventKind) String() string {
	switch k {
	case TxConfirmed:
		return "tx_confirmed"
	case OutputSpent:
		return "output_spent"
	case ScriptPaid:
		return "script_paid"
	default:
		return "unknown"
	}
}

// Event is a chain fact relevant to one swap.
type Event struct {
	Kind    EventKind
	SwapID  string
	Chain   string
	Role    TxRole
	Variant Variant

	// TxConfirmed: the confirmed transaction. ScriptPaid: the paying
	// transaction and the output that pays the script.
	TxID      string
	Vout      uint32
	Value     int64
	Depth     int
	BlockHash string
	Height    int64
	BlockTime int64

	// OutputSpent: the spent outpoint and the input that spends it.
	SpentTxID     string
	SpentIndex    uint32
	SpendingTxID  string
	SpendingIndex uint32
	ScriptSig     []byte
	Witness       [][]byte
}

type swapWatches struct {
	outputs []Output
	scripts []Script
	txs     []Transaction
}

func (w *swapWatches) empty() bool {
	return len(w.outputs) == 0 && len(w.scripts) == 0 && len(w.txs) == 0
}

// Registry holds the watch entries of every active swap. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	swaps   map[string]*swapWatches
	cursors map[string]int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		swaps:   make(map[string]*swapWatches),
		cursors: make(map[string]int64),
	}
}

func (r *Registry) watches(swapID string) *swapWatches {
	w, ok := r.swaps[swapID]
	if !ok {
		w = &swapWatches{}
		r.swaps[swapID] = w
	}
	return w
}

// rewind makes the next scan of chain start no later than height.
func (r *Registry) rewind(chain string, height int64) {
	if height <= 0 {
		return
	}
	chain = strings.ToUpper(chain)
	if cur, ok := r.cursors[chain]; ok && height < cur {
		r.cursors[chain] = height
	}
}

// WatchOutput registers o. Registering the same outpoint again for the same
// swap replaces the earlier entry.
func (r *Registry) WatchOutput(o Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.watches(o.SwapID)
	for i := range w.outputs {
		if w.outputs[i].Chain == o.Chain && w.outputs[i].key() == o.key() {
			w.outputs[i] = o
			r.rewind(o.Chain, o.FromHeight)
			return
		}
	}
	w.outputs = append(w.outputs, o)
	r.rewind(o.Chain, o.FromHeight)
}

// WatchScript registers s, replacing an entry for the same script.
func (r *Registry) WatchScript(s Script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Script = append([]byte(nil), s.Script...)
	w := r.watches(s.SwapID)
	for i := range w.scripts {
		if w.scripts[i].Chain == s.Chain && bytes.Equal(w.scripts[i].Script, s.Script) {
			w.scripts[i] = s
			r.rewind(s.Chain, s.FromHeight)
			return
		}
	}
	w.scripts = append(w.scripts, s)
	r.rewind(s.Chain, s.FromHeight)
}

// WatchTransaction registers tx with depth -1, replacing an entry for the
// same txid.
func (r *Registry) WatchTransaction(tx Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.Depth = -1
	tx.BlockHash = ""
	w := r.watches(tx.SwapID)
	for i := range w.txs {
		if w.txs[i].Chain == tx.Chain && w.txs[i].TxID == tx.TxID {
			w.txs[i] = tx
			return
		}
	}
	w.txs = append(w.txs, tx)
}

// RemoveSwap drops every entry of a swap. Events for it are never produced
// afterwards.
func (r *Registry) RemoveSwap(swapID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.swaps, swapID)
}

// RemoveRole drops the entries of a swap registered for one tx role.
func (r *Registry) RemoveRole(swapID string, role TxRole) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.swaps[swapID]
	if !ok {
		return
	}
	w.outputs = filter(w.outputs, func(o Output) bool { return o.Role != role })
	w.scripts = filter(w.scripts, func(s Script) bool { return s.Role != role })
	w.txs = filter(w.txs, func(t Transaction) bool { return t.Role != role })
	if w.empty() {
		delete(r.swaps, swapID)
	}
}

func filter[T any](in []T, keep func(T) bool) []T {
	out := in[:0]
	for _, v := range in {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// Snapshot is a copy of one swap's entries.
type Snapshot struct {
	Outputs      []Output
	Scripts      []Script
	Transactions []Transaction
}

// Entries returns a copy of a swap's entries.
func (r *Registry) Entries(swapID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.swaps[swapID]
	if !ok {
		return Snapshot{}
	}
	return Snapshot{
		Outputs:      append([]Output(nil), w.outputs...),
		Scripts:      append([]Script(nil), w.scripts...),
		Transactions: append([]Transaction(nil), w.txs...),
	}
}

// Len returns the number of entries across all swaps.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.swaps {
		n += len(w.outputs) + len(w.scripts) + len(w.txs)
	}
	return n
}

// Chains returns the chains that have at least one entry, sorted.
func (r *Registry) Chains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := map[string]struct{}{}
	for _, w := range r.swaps {
		for _, o := range w.outputs {
			set[strings.ToUpper(o.Chain)] = struct{}{}
		}
		for _, s := range w.scripts {
			set[strings.ToUpper(s.Chain)] = struct{}{}
		}
		for _, t := range w.txs {
			set[strings.ToUpper(t.Chain)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// chainEntries copies the entries of one chain.
func (r *Registry) chainEntries(chain string) (outputs []Output, scripts []Script, txs []Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.swaps {
		for _, o := range w.outputs {
			if strings.EqualFold(o.Chain, chain) {
				outputs = append(outputs, o)
			}
		}
		for _, s := range w.scripts {
			if strings.EqualFold(s.Chain, chain) {
				scripts = append(scripts, s)
			}
		}
		for _, t := range w.txs {
			if strings.EqualFold(t.Chain, chain) {
				txs = append(txs, t)
			}
		}
	}
	return outputs, scripts, txs
}
