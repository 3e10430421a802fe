package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/klingon-exchange/swapengine/internal/backend"
)

// Source is what a poll needs from a chain backend. Output and script
// entries additionally need the backend to be a backend.BlockSource.
type Source interface {
	Symbol() string
	GetTxDepth(ctx context.Context, txid string) (*backend.TxDepth, error)
	RequiredConfirmations() int
}

// Poll checks every entry on src's chain once and returns the events
// produced. Matched entries are removed before Poll returns, so polling
// again with unchanged chain state returns nothing. Backend faults are
// returned alongside any events already produced.
func (r *Registry) Poll(ctx context.Context, src Source, maxBlocks int) ([]Event, error) {
	chain := strings.ToUpper(src.Symbol())
	outputs, scripts, txs := r.chainEntries(chain)

	var events []Event
	var errs []error

	required := src.RequiredConfirmations()
	for _, tx := range txs {
		depth, err := src.GetTxDepth(ctx, tx.TxID)
		if errors.Is(err, backend.ErrTxNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s depth of %s: %w", chain, tx.TxID, err))
			continue
		}
		if ev, ok := r.updateDepth(tx, depth, required); ok {
			events = append(events, ev)
		}
	}

	if len(outputs)+len(scripts) == 0 {
		r.resetCursor(chain)
		return events, errors.Join(errs...)
	}

	blocks, ok := src.(backend.BlockSource)
	if !ok {
		errs = append(errs, fmt.Errorf("%s: output and script watches need block access", chain))
		return events, errors.Join(errs...)
	}
	scanned, err := r.scan(ctx, chain, blocks, outputs, scripts, maxBlocks)
	events = append(events, scanned...)
	if err != nil {
		errs = append(errs, err)
	}
	return events, errors.Join(errs...)
}

// updateDepth records the latest depth of tx and removes the entry once it
// reaches required.
func (r *Registry) updateDepth(tx Transaction, depth *backend.TxDepth, required int) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.swaps[tx.SwapID]
	if !ok {
		return Event{}, false
	}
	for i := range w.txs {
		entry := &w.txs[i]
		if !strings.EqualFold(entry.Chain, tx.Chain) || entry.TxID != tx.TxID {
			continue
		}
		entry.Depth = depth.Depth
		entry.BlockHash = depth.BlockHash
		if entry.Depth < 0 || entry.Depth < required {
			return Event{}, false
		}

		ev := Event{
			Kind:      TxConfirmed,
			SwapID:    entry.SwapID,
			Chain:     entry.Chain,
			Role:      entry.Role,
			Variant:   entry.Variant,
			TxID:      entry.TxID,
			Depth:     entry.Depth,
			BlockHash: entry.BlockHash,
			BlockTime: depth.BlockTime,
		}
		w.txs = append(w.txs[:i], w.txs[i+1:]...)
		if w.empty() {
			delete(r.swaps, tx.SwapID)
		}
		return ev, true
	}
	return Event{}, false
}

func (r *Registry) resetCursor(chain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cursors, chain)
}

// startHeight returns the next block to scan on chain, starting at the
// earliest FromHeight of the entries, or at tip, on the first scan.
func (r *Registry) startHeight(chain string, outputs []Output, scripts []Script, tip int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cursors[chain]; ok {
		return h
	}
	start := int64(0)
	consider := func(h int64) {
		if h > 0 && (start == 0 || h < start) {
			start = h
		}
	}
	for _, o := range outputs {
		consider(o.FromHeight)
	}
	for _, s := range scripts {
		consider(s.FromHeight)
	}
	if start == 0 || start > tip {
		start = tip
	}
	r.cursors[chain] = start
	return start
}

// advance moves the cursor past height unless a new entry rewound it
// during the scan.
func (r *Registry) advance(chain string, height int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cursors[chain]; ok && cur == height {
		r.cursors[chain] = height + 1
	}
}

func (r *Registry) scan(ctx context.Context, chain string, src backend.BlockSource, outputs []Output, scripts []Script, maxBlocks int) ([]Event, error) {
	tip, err := src.GetBlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s tip: %w", chain, err)
	}
	from := r.startHeight(chain, outputs, scripts, tip)

	var events []Event
	for h := from; h <= tip; h++ {
		if maxBlocks > 0 && h >= from+int64(maxBlocks) {
			break
		}
		block, err := src.GetBlock(ctx, h)
		if err != nil {
			return events, fmt.Errorf("%s block %d: %w", chain, h, err)
		}
		events = append(events, r.matchBlock(chain, block)...)
		r.advance(chain, h)
	}
	return events, nil
}

// matchBlock removes and reports every output and script entry the block
// satisfies.
func (r *Registry) matchBlock(chain string, block *backend.Block) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	for _, tx := range block.Txs {
		for i, in := range tx.Inputs {
			for swapID, w := range r.swaps {
				for j := 0; j < len(w.outputs); j++ {
					o := w.outputs[j]
					if !strings.EqualFold(o.Chain, chain) || o.TxID != in.PrevOut.TxID || o.Index != in.PrevOut.Index {
						continue
					}
					events = append(events, Event{
						Kind:          OutputSpent,
						SwapID:        swapID,
						Chain:         o.Chain,
						Role:          o.Role,
						Variant:       o.Variant,
						Height:        block.Height,
						BlockHash:     block.Hash,
						BlockTime:     block.Time,
						SpentTxID:     o.TxID,
						SpentIndex:    o.Index,
						SpendingTxID:  tx.TxID,
						SpendingIndex: uint32(i),
						ScriptSig:     in.ScriptSig,
						Witness:       in.Witness,
					})
					w.outputs = append(w.outputs[:j], w.outputs[j+1:]...)
					j--
				}
			}
		}
		for _, out := range tx.Outputs {
			for swapID, w := range r.swaps {
				for j := 0; j < len(w.scripts); j++ {
					s := w.scripts[j]
					if !strings.EqualFold(s.Chain, chain) || !bytes.Equal(s.Script, out.Script) {
						continue
					}
					events = append(events, Event{
						Kind:      ScriptPaid,
						SwapID:    swapID,
						Chain:     s.Chain,
						Role:      s.Role,
						Variant:   s.Variant,
						TxID:      tx.TxID,
						Vout:      out.Index,
						Value:     out.Value,
						Height:    block.Height,
						BlockHash: block.Hash,
						BlockTime: block.Time,
					})
					w.scripts = append(w.scripts[:j], w.scripts[j+1:]...)
					j--
				}
			}
		}
	}
	for swapID, w := range r.swaps {
		if w.empty() {
			delete(r.swaps, swapID)
		}
	}
	return events
}
