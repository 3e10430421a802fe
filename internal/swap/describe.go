package swap

import "fmt"

// Describe returns a one-line human description of where a bid stands.
func Describe(b *Bid) string {
	from, to := b.CoinFrom, b.CoinTo

	switch b.State {
	case StateCompleted:
		d, ok := b.Completed()
		if !ok || d.Success() {
			return "Swap completed successfully"
		}
		return fmt.Sprintf("Swap completed, %s leg %s, %s leg %s", from, legText(d.LegA), to, legText(d.LegB))
	case StateTimedOut:
		if b.Reclaiming {
			return fmt.Sprintf("Timed out, refunding %s lock tx if it confirms", from)
		}
		if b.Variant == VariantScript {
			return "Timed out waiting for initiate txn"
		}
		return "Timed out"
	case StateAbandoned:
		return "Bid abandoned"
	case StateError:
		if d, ok := b.Data.(*ErrorData); ok {
			return d.Note
		}
		return "Bid failed"
	}

	desc := describeActive(b, from, to)
	if b.Halted {
		desc += " (halted: " + b.Note + ")"
	}
	return desc
}

func legText(o LegOutcome) string {
	if o == LegNone {
		return "unfunded"
	}
	return string(o)
}

func describeActive(b *Bid, from, to string) string {
	if b.Variant == VariantScript {
		switch b.State {
		case StateBidSent, StateBidReceived:
			return "Waiting for seller to accept."
		case StateBidAccepted:
			if !b.HasTx(TxInitiate) {
				return "Waiting for seller to send initiate tx."
			}
			return "Waiting for initiate tx to confirm."
		case StateInitiated:
			return fmt.Sprintf("Waiting for participate txn to be confirmed in %s chain", to)
		case StateParticipating:
			if b.WasSent() {
				return fmt.Sprintf("Waiting for participate txn to be spent in %s chain", to)
			}
			return fmt.Sprintf("Waiting for initiate txn to be spent in %s chain", from)
		}
		return string(b.State)
	}

	switch b.State {
	case StateBidSent:
		return "Waiting for offerer to accept"
	case StateBidReceiving:
		return "Waiting for bid to be fully received"
	case StateBidReceived:
		return "Bid must be accepted"
	case StateBidReceivingAcc:
		return "Receiving accepted bid message"
	case StateBidAccepted:
		return "Offerer has accepted bid, waiting for bidder to respond"
	case StateDelaying:
		d, _ := b.Delay()
		var prior State
		if d != nil {
			prior = d.Prior
		}
		switch prior {
		case StateBidReceived:
			return "Delaying before accepting bid"
		case StateBidReceivingAcc:
			return "Delaying before responding to accepted bid"
		case StateScriptTxRedeemed:
			return fmt.Sprintf("Delaying before spending from %s lock tx", to)
		case StateBidAccepted:
			return fmt.Sprintf("Delaying before sending %s lock tx", from)
		}
		return "Delaying before automated action"
	case StateHaveScriptCoinSpendTx:
		return fmt.Sprintf("Waiting for %s lock tx to confirm in chain", from)
	case StateScriptCoinLocked:
		if !b.HasTx(TxNoScriptLock) {
			return fmt.Sprintf("Waiting for %s lock tx", to)
		}
		return fmt.Sprintf("Waiting for %s lock tx to confirm in chain", to)
	case StateNoScriptCoinLocked:
		return fmt.Sprintf("Waiting for offerer to unlock %s lock tx", from)
	case StateLockReleased:
		return fmt.Sprintf("Waiting for bidder to spend from %s lock tx", from)
	case StateScriptTxRedeemed:
		return fmt.Sprintf("Waiting for offerer to spend from %s lock tx", to)
	case StateNoScriptTxRedeemed:
		return fmt.Sprintf("Waiting for %s lock tx spend tx to confirm in chain", to)
	case StateScriptTxPrerefund:
		if b.WasSent() {
			return "Waiting for offerer to redeem or locktime to expire"
		}
		return "Redeeming output"
	}
	return string(b.State)
}

// CanAbandon reports whether AbandonBid would accept the bid: its table
// allows cancellation from the current node and no lock was published.
func CanAbandon(b *Bid) bool {
	t, err := TableFor(b.Variant, b.Role)
	if err != nil {
		return false
	}
	return t.Abandonable(b.node()) && !fundsLocked(b)
}
