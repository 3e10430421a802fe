package swap

import "testing"

func TestDescribe(t *testing.T) {
	script := func(role Role, state State) *Bid {
		return &Bid{Variant: VariantScript, Role: role, State: state, CoinFrom: "BTC", CoinTo: "LTC"}
	}
	xmr := func(role Role, state State) *Bid {
		return &Bid{Variant: VariantScriptless, Role: role, State: state, CoinFrom: "BTC", CoinTo: "XMR"}
	}

	funded := script(RoleInitiator, StateBidAccepted)
	funded.Slot(TxInitiate).TxID = "aa"

	refunded := script(RoleInitiator, StateCompleted)
	refunded.Data = &CompletedData{LegA: LegRefunded}

	delayed := xmr(RoleInitiator, StateDelaying)
	delayed.Data = &DelayData{Prior: StateBidAccepted}

	halted := script(RoleParticipant, StateParticipating)
	halted.Halted = true
	halted.Note = "bad initiate"

	reclaiming := script(RoleInitiator, StateTimedOut)
	reclaiming.Reclaiming = true

	failed := script(RoleInitiator, StateError)
	failed.Data = &ErrorData{Note: "initiate pays too little"}

	tests := []struct {
		name string
		bid  *Bid
		want string
	}{
		{"script waiting accept", script(RoleParticipant, StateBidSent), "Waiting for seller to accept."},
		{"script waiting initiate", script(RoleInitiator, StateBidAccepted), "Waiting for seller to send initiate tx."},
		{"script initiate sent", funded, "Waiting for initiate tx to confirm."},
		{"script initiated", script(RoleInitiator, StateInitiated), "Waiting for participate txn to be confirmed in LTC chain"},
		{"script participant spend", script(RoleParticipant, StateParticipating), "Waiting for participate txn to be spent in LTC chain"},
		{"script initiator spend", script(RoleInitiator, StateParticipating), "Waiting for initiate txn to be spent in BTC chain"},
		{"script timeout", script(RoleParticipant, StateTimedOut), "Timed out waiting for initiate txn"},
		{"script timeout reclaiming", reclaiming, "Timed out, refunding BTC lock tx if it confirms"},
		{"completed", &Bid{State: StateCompleted, Data: &CompletedData{LegA: LegRedeemed, LegB: LegRedeemed}}, "Swap completed successfully"},
		{"completed refund", refunded, "Swap completed, BTC leg refunded, LTC leg unfunded"},
		{"error", failed, "initiate pays too little"},
		{"abandoned", xmr(RoleParticipant, StateAbandoned), "Bid abandoned"},
		{"halted", halted, "Waiting for participate txn to be spent in LTC chain (halted: bad initiate)"},
		{"xmr receiving", xmr(RoleInitiator, StateBidReceiving), "Waiting for bid to be fully received"},
		{"xmr received", xmr(RoleInitiator, StateBidReceived), "Bid must be accepted"},
		{"xmr delaying", delayed, "Delaying before sending BTC lock tx"},
		{"xmr script locked", xmr(RoleParticipant, StateScriptCoinLocked), "Waiting for XMR lock tx"},
		{"xmr released", xmr(RoleInitiator, StateLockReleased), "Waiting for bidder to spend from BTC lock tx"},
		{"xmr prerefund bidder", xmr(RoleParticipant, StateScriptTxPrerefund), "Waiting for offerer to redeem or locktime to expire"},
		{"xmr prerefund offerer", xmr(RoleInitiator, StateScriptTxPrerefund), "Redeeming output"},
		{"xmr timeout", xmr(RoleInitiator, StateTimedOut), "Timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Describe(tt.bid); got != tt.want {
				t.Errorf("Describe() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCanAbandon(t *testing.T) {
	b := &Bid{Variant: VariantScript, Role: RoleInitiator, State: StateBidAccepted}
	if !CanAbandon(b) {
		t.Error("accepted bid without a lock should be abandonable")
	}
	b.Slot(TxInitiate).TxID = "aa"
	if CanAbandon(b) {
		t.Error("bid with a published lock must not be abandonable")
	}

	b = &Bid{Variant: VariantScript, Role: RoleParticipant, State: StateInitiated}
	if CanAbandon(b) {
		t.Error("initiated bid must not be abandonable")
	}

	b = &Bid{Variant: VariantScriptless, Role: RoleParticipant, State: StateDelaying,
		Data: &DelayData{Prior: StateBidReceivingAcc}}
	if !CanAbandon(b) {
		t.Error("follower delaying before its response should be abandonable")
	}

	b = &Bid{Variant: VariantScriptless, Role: RoleInitiator, State: StateDelaying,
		Data: &DelayData{Prior: StateScriptTxRedeemed}}
	if CanAbandon(b) {
		t.Error("leader delaying before its sweep must not be abandonable")
	}
}
