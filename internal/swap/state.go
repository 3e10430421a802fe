package swap

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the protocol state of a bid.
type State string

const (
	StateBidSent         State = "BID_SENT"
	StateBidReceiving    State = "BID_RECEIVING"
	StateBidReceived     State = "BID_RECEIVED"
	StateBidReceivingAcc State = "BID_RECEIVING_ACC"
	StateBidAccepted     State = "BID_ACCEPTED"
	StateDelaying        State = "SWAP_DELAYING"

	// Script variant
	StateInitiated     State = "SWAP_INITIATED"
	StateParticipating State = "SWAP_PARTICIPATING"

	// Scriptless variant
	StateHaveScriptCoinSpendTx State = "XMR_SWAP_HAVE_SCRIPT_COIN_SPEND_TX"
	StateScriptCoinLocked      State = "XMR_SWAP_SCRIPT_COIN_LOCKED"
	StateNoScriptCoinLocked    State = "XMR_SWAP_NOSCRIPT_COIN_LOCKED"
	StateLockReleased          State = "XMR_SWAP_LOCK_RELEASED"
	StateScriptTxRedeemed      State = "XMR_SWAP_SCRIPT_TX_REDEEMED"
	StateNoScriptTxRedeemed    State = "XMR_SWAP_NOSCRIPT_TX_REDEEMED"
	StateScriptTxPrerefund     State = "XMR_SWAP_SCRIPT_TX_PREREFUND"

	// Terminal
	StateCompleted State = "SWAP_COMPLETED"
	StateTimedOut  State = "SWAP_TIMEDOUT"
	StateAbandoned State = "BID_ABANDONED"
	StateError     State = "BID_ERROR"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateAbandoned, StateError:
		return true
	}
	return false
}

// StateData is the per-state payload of a bid. Each state that carries
// data has exactly one concrete type; all other states carry nil.
type StateData interface {
	stateData()
}

// DelayData belongs to SWAP_DELAYING: the automated action after Prior
// runs at Until.
type DelayData struct {
	Until time.Time `json:"until"`
	Prior State     `json:"prior"`
}

// PreRefundData belongs to XMR_SWAP_SCRIPT_TX_PREREFUND: the script-chain
// lock becomes refundable at block Deadline.
type PreRefundData struct {
	Deadline int64 `json:"deadline"`
}

// CompletedData belongs to SWAP_COMPLETED. LegA is the coin_from lock
// (initiate tx or script-chain lock), LegB the coin_to lock.
type CompletedData struct {
	LegA LegOutcome `json:"leg_a"`
	LegB LegOutcome `json:"leg_b"`
}

// Success reports whether both legs were redeemed.
func (d *CompletedData) Success() bool {
	return d.LegA == LegRedeemed && d.LegB == LegRedeemed
}

// ErrorData belongs to BID_ERROR.
type ErrorData struct {
	Note string `json:"note"`
}

func (*DelayData) stateData()     {}
func (*PreRefundData) stateData() {}
func (*CompletedData) stateData() {}
func (*ErrorData) stateData()     {}

// checkStateData rejects data that does not belong to s.
func checkStateData(s State, d StateData) error {
	ok := false
	switch s {
	case StateDelaying:
		_, ok = d.(*DelayData)
	case StateScriptTxPrerefund:
		_, ok = d.(*PreRefundData)
	case StateCompleted:
		_, ok = d.(*CompletedData)
	case StateError:
		_, ok = d.(*ErrorData)
	default:
		ok = d == nil
	}
	if !ok {
		return fmt.Errorf("state data %T does not belong to %s", d, s)
	}
	return nil
}

// EncodeStateData serializes d for storage. The state selects the type on
// decode, so no tag is written.
func EncodeStateData(d StateData) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// DecodeStateData parses the stored data of a bid in state s.
func DecodeStateData(s State, raw []byte) (StateData, error) {
	var d StateData
	switch s {
	case StateDelaying:
		d = &DelayData{}
	case StateScriptTxPrerefund:
		d = &PreRefundData{}
	case StateCompleted:
		d = &CompletedData{}
	case StateError:
		d = &ErrorData{}
	default:
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing state data for %s", s)
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("failed to decode %s data: %w", s, err)
	}
	return d, nil
}

// Delay returns the delay data of a bid in SWAP_DELAYING.
func (b *Bid) Delay() (*DelayData, bool) {
	d, ok := b.Data.(*DelayData)
	return d, ok
}

// Completed returns the leg outcomes of a completed bid.
func (b *Bid) Completed() (*CompletedData, bool) {
	d, ok := b.Data.(*CompletedData)
	return d, ok
}
