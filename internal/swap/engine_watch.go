package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/klingon-exchange/swapengine/internal/watch"
)

// depthRoles are the transactions whose confirmation a bid waits for.
var depthRoles = []watch.TxRole{
	TxInitiate, TxParticipate,
	TxScriptLock, TxScriptLockSpend,
	TxNoScriptLock, TxNoScriptSweep, TxNoScriptReclaim,
}

// lockRoles are the script-chain outputs whose spend settles a leg.
var lockRoles = []watch.TxRole{TxInitiate, TxParticipate, TxScriptLock}

// registerWatches brings the registry in line with what the bid needs.
// Entries already registered are left alone so scan cursors only rewind
// for new entries.
func (e *Engine) registerWatches(b *Bid) {
	if b.State.IsTerminal() && !b.Reclaiming {
		e.watches.RemoveSwap(b.ID)
		return
	}

	want := e.desiredWatches(b)
	have := e.watches.Entries(b.ID)

	wantKeys := make(map[string]bool)
	for _, k := range snapshotKeys(want) {
		wantKeys[k.key] = true
	}
	haveKeys := make(map[string]bool)
	stale := make(map[watch.TxRole]bool)
	for _, k := range snapshotKeys(have) {
		haveKeys[k.key] = true
		if !wantKeys[k.key] {
			stale[k.role] = true
		}
	}
	for role := range stale {
		e.watches.RemoveRole(b.ID, role)
	}

	missing := func(role watch.TxRole, key string) bool {
		return stale[role] || !haveKeys[key]
	}
	for _, o := range want.Outputs {
		if missing(o.Role, outputKey(o)) {
			e.watches.WatchOutput(o)
		}
	}
	for _, s := range want.Scripts {
		if missing(s.Role, scriptKey(s)) {
			e.watches.WatchScript(s)
		}
	}
	for _, t := range want.Transactions {
		if missing(t.Role, txKey(t)) {
			e.watches.WatchTransaction(t)
		}
	}
}

// desiredWatches derives the entries a bid needs from its state and slots.
func (e *Engine) desiredWatches(b *Bid) watch.Snapshot {
	var w watch.Snapshot

	for _, role := range depthRoles {
		s, ok := b.Slots[role]
		if !ok || s.TxID == "" || s.Confirmed() {
			continue
		}
		// the leader learns of the no-script lock through FindLock
		if role == TxNoScriptLock && b.Role == RoleInitiator {
			continue
		}
		w.Transactions = append(w.Transactions, watch.Transaction{
			SwapID: b.ID, Chain: b.ChainOf(role), TxID: s.TxID, Role: role, Variant: b.Variant,
		})
	}

	for _, role := range lockRoles {
		s, ok := b.Slots[role]
		if !ok || !s.Confirmed() || s.Value == 0 || s.SpendTxID != "" {
			continue
		}
		w.Outputs = append(w.Outputs, watch.Output{
			SwapID: b.ID, Chain: b.ChainOf(role), TxID: s.TxID, Index: s.Vout,
			Role: role, Variant: b.Variant, FromHeight: s.Height,
		})
	}

	switch b.Variant {
	case VariantScript:
		e.htlcScriptWatches(b, &w)
	case VariantScriptless:
		x := b.Scriptless
		// the follower watches the leader's prebuilt lock by txid
		if b.Role == RoleParticipant && x != nil && x.LockTxID != "" && !b.HasTx(TxScriptLock) &&
			b.State == StateBidAccepted {
			w.Transactions = append(w.Transactions, watch.Transaction{
				SwapID: b.ID, Chain: b.CoinFrom, TxID: x.LockTxID, Role: TxScriptLock, Variant: b.Variant,
			})
		}
	}
	return w
}

// htlcScriptWatches adds the watch for the counterparty's HTLC payment.
func (e *Engine) htlcScriptWatches(b *Bid, w *watch.Snapshot) {
	h := b.HTLC
	if h == nil {
		return
	}
	var (
		role   watch.TxRole
		script []byte
		from   int64
	)
	switch {
	case b.Role == RoleParticipant && b.State == StateBidAccepted && !b.HasTx(TxInitiate):
		role, script, from = TxInitiate, h.InitiateScript, h.FromHeightFrom
	case b.Role == RoleInitiator && b.State == StateInitiated && !b.HasTx(TxParticipate):
		role, script, from = TxParticipate, h.ParticipateScript, h.FromHeightTo
	default:
		return
	}
	symbol := b.ChainOf(role)
	params, err := e.params(symbol)
	if err != nil || len(script) == 0 {
		return
	}
	_, pkScript, err := ScriptOutput(params, script)
	if err != nil {
		e.log.Warn("Failed to derive HTLC output script", "bid_id", b.ID, "role", role, "error", err)
		return
	}
	w.Scripts = append(w.Scripts, watch.Script{
		SwapID: b.ID, Chain: symbol, Script: pkScript, Role: role, Variant: b.Variant, FromHeight: from,
	})
}

type entryKey struct {
	role watch.TxRole
	key  string
}

func snapshotKeys(s watch.Snapshot) []entryKey {
	keys := make([]entryKey, 0, len(s.Outputs)+len(s.Scripts)+len(s.Transactions))
	for _, o := range s.Outputs {
		keys = append(keys, entryKey{o.Role, outputKey(o)})
	}
	for _, sc := range s.Scripts {
		keys = append(keys, entryKey{sc.Role, scriptKey(sc)})
	}
	for _, t := range s.Transactions {
		keys = append(keys, entryKey{t.Role, txKey(t)})
	}
	return keys
}

func outputKey(o watch.Output) string {
	return fmt.Sprintf("o|%s|%s|%s:%d", o.Role, o.Chain, o.TxID, o.Index)
}

func scriptKey(s watch.Script) string {
	return fmt.Sprintf("s|%s|%s|%s", s.Role, s.Chain, hex.EncodeToString(s.Script))
}

func txKey(t watch.Transaction) string {
	return fmt.Sprintf("t|%s|%s|%s", t.Role, t.Chain, t.TxID)
}
