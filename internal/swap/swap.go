// Package swap implements the atomic swap protocol: offers and bids, the
// per-variant state machines, the HTLC and scriptless lock scripts, and the
// engine that drives every active bid from chain events and timers.
//
// It relies on the other packages directly:
//   - backend for all chain access (wallets, scripts, broadcasting)
//   - watch for chain events
//   - keyseed for per-swap key material and wallet sessions
//   - adaptor for the scriptless lock release
package swap

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/internal/watch"
	"github.com/klingon-exchange/swapengine/pkg/helpers"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrUnsupportedChain  = errors.New("unsupported chain")
	ErrUnsupportedSwap   = errors.New("swap type not supported for these chains")
	ErrInvalidOffer      = errors.New("invalid offer")
	ErrInvalidBid        = errors.New("invalid bid")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrCannotAbandon     = errors.New("bid cannot be abandoned once funds are locked")
	ErrBidTerminal       = errors.New("bid is in a terminal state")
	ErrSecretMismatch    = errors.New("secret does not match hash")
)

// Role is our side of a bid.
type Role string

const (
	// RoleInitiator is the offerer. It locks coin_from first: the HTLC
	// initiate tx, or the script-chain lock in a scriptless swap.
	RoleInitiator Role = "initiator"
	// RoleParticipant is the bidder. It locks coin_to second.
	RoleParticipant Role = "participant"
)

// Variant is the swap family.
type Variant = watch.Variant

const (
	VariantScript     = watch.VariantScript
	VariantScriptless = watch.VariantScriptless
)

// LockType selects how the refund branch of a lock is timed.
type LockType string

const (
	// LockSequenceBlocks is a relative lock (CSV) counted in blocks.
	LockSequenceBlocks LockType = "sequence_blocks"
	// LockAbsoluteTime is an absolute lock (CLTV) on a unix timestamp.
	// LockValue is then a duration in seconds.
	LockAbsoluteTime LockType = "absolute_time"
)

// Offer is the terms of a swap. Immutable once published.
type Offer struct {
	ID       string
	CoinFrom string
	CoinTo   string
	Variant  Variant

	// Amount is the most coin_from a single bid may take.
	Amount int64
	// Rate is the price of one whole coin_from in coin_to smallest units.
	Rate int64

	LockType  LockType
	LockValue uint32

	// Sent is true for our own offers.
	Sent      bool
	CreatedAt time.Time
}

// Validate checks the offer against the chain registry.
func (o *Offer) Validate(network chain.Network) error {
	from, ok := chain.Get(o.CoinFrom, network)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, o.CoinFrom)
	}
	to, ok := chain.Get(o.CoinTo, network)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, o.CoinTo)
	}
	if o.Amount <= 0 || o.Rate <= 0 {
		return fmt.Errorf("%w: amount and rate must be positive", ErrInvalidOffer)
	}
	if o.LockValue == 0 {
		return fmt.Errorf("%w: lock value must be positive", ErrInvalidOffer)
	}

	switch o.Variant {
	case VariantScript:
		if !scriptCapable(from) || !scriptCapable(to) {
			return fmt.Errorf("%w: %s/%s", ErrUnsupportedSwap, o.CoinFrom, o.CoinTo)
		}
		if o.LockType != LockSequenceBlocks && o.LockType != LockAbsoluteTime {
			return fmt.Errorf("%w: unknown lock type %q", ErrInvalidOffer, o.LockType)
		}
		if o.LockType == LockSequenceBlocks && o.LockValue > 0xFFFF {
			return fmt.Errorf("%w: CSV lock exceeds 65535 blocks", ErrInvalidOffer)
		}
	case VariantScriptless:
		if !scriptCapable(from) || !from.SupportsTaproot || to.Type != chain.ChainTypeMonero {
			return fmt.Errorf("%w: %s/%s", ErrUnsupportedSwap, o.CoinFrom, o.CoinTo)
		}
		if o.LockType != LockSequenceBlocks || o.LockValue > 0xFFFF {
			return fmt.Errorf("%w: scriptless locks use CSV blocks", ErrInvalidOffer)
		}
	default:
		return fmt.Errorf("%w: unknown variant %q", ErrInvalidOffer, o.Variant)
	}
	return nil
}

// scriptCapable reports whether lock scripts and their spends can be built
// locally for the chain.
func scriptCapable(p *chain.Params) bool {
	return p.IsScriptChain() && !p.NonStandardTx
}

// Transaction roles recorded in a bid's tx slots and watch entries.
const (
	TxInitiate          watch.TxRole = "initiate"
	TxInitiateRedeem    watch.TxRole = "initiate_redeem"
	TxInitiateRefund    watch.TxRole = "initiate_refund"
	TxParticipate       watch.TxRole = "participate"
	TxParticipateRedeem watch.TxRole = "participate_redeem"
	TxParticipateRefund watch.TxRole = "participate_refund"

	TxScriptLock       watch.TxRole = "a_lock"
	TxScriptLockSpend  watch.TxRole = "a_lock_spend"
	TxScriptLockRefund watch.TxRole = "a_lock_refund"
	TxNoScriptLock     watch.TxRole = "b_lock"
	TxNoScriptSweep    watch.TxRole = "b_lock_spend"
	TxNoScriptReclaim  watch.TxRole = "b_lock_refund"
)

// LegOutcome is how a lock output ended.
type LegOutcome string

const (
	LegNone     LegOutcome = ""
	LegRedeemed LegOutcome = "redeemed"
	LegRefunded LegOutcome = "refunded"
)

// TxSlot records one transaction of a bid.
type TxSlot struct {
	TxID  string `json:"txid,omitempty"`
	Vout  uint32 `json:"vout,omitempty"`
	Value int64  `json:"value,omitempty"`

	// Height is the block the transaction was mined in, when known.
	Height        int64 `json:"height,omitempty"`
	Confirmations int   `json:"confirmations,omitempty"`
	BlockTime     int64 `json:"block_time,omitempty"`

	SpendTxID  string `json:"spend_txid,omitempty"`
	SpendIndex uint32 `json:"spend_index,omitempty"`
	// The spending input's data, kept so secrets and key shares can be
	// recovered from it after a restart.
	SpendScriptSig []byte   `json:"spend_script_sig,omitempty"`
	SpendWitness   [][]byte `json:"spend_witness,omitempty"`

	// Outcome is set on lock slots once their output is spent.
	Outcome LegOutcome `json:"outcome,omitempty"`

	// Raw holds the serialized transaction for slots built before they
	// are published.
	Raw []byte `json:"raw,omitempty"`
}

// Confirmed reports whether the slot's tx reached the chain's threshold.
func (s *TxSlot) Confirmed() bool { return s != nil && s.Confirmations > 0 }

// HistoryEntry is one state change in a bid's append-only log.
type HistoryEntry struct {
	State State
	At    time.Time
	Note  string
}

// Bid is one swap instance.
type Bid struct {
	ID       string
	OfferID  string
	Variant  Variant
	Role     Role
	CoinFrom string
	CoinTo   string

	State State
	// Data holds the fields valid for State only; see StateData.
	Data StateData

	// Amount is in coin_from smallest units.
	Amount int64
	Rate   int64

	LockType  LockType
	LockValue uint32

	// ContractCount is part of the key derivation path.
	ContractCount uint32
	CreatedAt     time.Time
	ExpireAt      time.Time
	UpdatedAt     time.Time

	Slots map[watch.TxRole]*TxSlot

	HTLC       *HTLCData
	Scriptless *ScriptlessData

	// Untrusted is set when a wallet used by the bid failed its seed check.
	Untrusted bool
	// Halted is set after a protocol fault once funds are locked: the bid
	// no longer commits funds or releases secrets, only redeems and refunds.
	Halted bool
	// Reclaiming is set on a bid that ended with its own lock published
	// but unconfirmed. The lock stays watched and is refunded should it
	// confirm late.
	Reclaiming bool
	Note       string
}

// Slot returns the slot for role, creating it.
func (b *Bid) Slot(role watch.TxRole) *TxSlot {
	if b.Slots == nil {
		b.Slots = make(map[watch.TxRole]*TxSlot)
	}
	s, ok := b.Slots[role]
	if !ok {
		s = &TxSlot{}
		b.Slots[role] = s
	}
	return s
}

// HasTx reports whether a transaction is recorded for role.
func (b *Bid) HasTx(role watch.TxRole) bool {
	s, ok := b.Slots[role]
	return ok && s.TxID != ""
}

// WasSent reports whether we placed the bid.
func (b *Bid) WasSent() bool { return b.Role == RoleParticipant }

// AmountTo returns the coin_to amount of the bid.
func (b *Bid) AmountTo(fromDecimals uint8) int64 {
	return AmountTo(b.Amount, b.Rate, fromDecimals)
}

// ChainOf returns the chain symbol a tx role lives on.
func (b *Bid) ChainOf(role watch.TxRole) string {
	switch role {
	case TxParticipate, TxParticipateRedeem, TxParticipateRefund,
		TxNoScriptLock, TxNoScriptSweep, TxNoScriptReclaim:
		return b.CoinTo
	}
	return b.CoinFrom
}

// HTLCData is the script-variant material of a bid.
type HTLCData struct {
	SecretHash []byte `json:"secret_hash"`
	// Secret is known to the initiator from the start and to the
	// participant once the initiator redeems.
	Secret []byte `json:"secret,omitempty"`

	InitiatorPub   []byte `json:"initiator_pub,omitempty"`
	ParticipantPub []byte `json:"participant_pub,omitempty"`

	InitiateLock    uint32 `json:"initiate_lock,omitempty"`
	ParticipateLock uint32 `json:"participate_lock,omitempty"`

	InitiateScript    []byte `json:"initiate_script,omitempty"`
	ParticipateScript []byte `json:"participate_script,omitempty"`

	// Scans for the lock outputs start at these heights.
	FromHeightFrom int64 `json:"from_height_from,omitempty"`
	FromHeightTo   int64 `json:"from_height_to,omitempty"`
}

// ScriptlessData is the adaptor-signature material of a bid. "Leader" is
// the initiator (coin_from holder), "follower" the participant.
type ScriptlessData struct {
	LeaderPub   []byte `json:"leader_pub,omitempty"`
	FollowerPub []byte `json:"follower_pub,omitempty"`

	// Ed25519 spend share publics, and the matching secp256k1 points
	// proven by the DLEQ proofs.
	LeaderSpendPub   []byte `json:"leader_spend_pub,omitempty"`
	FollowerSpendPub []byte `json:"follower_spend_pub,omitempty"`
	LeaderPoint      []byte `json:"leader_point,omitempty"`
	FollowerPoint    []byte `json:"follower_point,omitempty"`

	// View shares are exchanged in the clear.
	LeaderView   []byte `json:"leader_view,omitempty"`
	FollowerView []byte `json:"follower_view,omitempty"`

	// FollowerDest is the follower's coin_from address.
	FollowerDest string `json:"follower_dest,omitempty"`

	// LockTxID is the script-chain lock built by the leader, known to
	// both sides before it is published.
	LockTxID      string `json:"lock_txid,omitempty"`
	CSV           uint32 `json:"csv,omitempty"`
	RestoreHeight uint64 `json:"restore_height,omitempty"`

	// RefundSig is the follower's refund signature encrypted to the
	// leader's point; ReleaseSig the leader's spend signature encrypted to
	// the follower's point.
	RefundSig  []byte `json:"refund_sig,omitempty"`
	ReleaseSig []byte `json:"release_sig,omitempty"`

	// RecoveredShare is the counterparty's spend share, once learned.
	RecoveredShare []byte `json:"recovered_share,omitempty"`

	// Parts received of a two-part message.
	BidProof    []byte `json:"bid_proof,omitempty"`
	AcceptProof []byte `json:"accept_proof,omitempty"`
	HaveAccept  bool   `json:"have_accept,omitempty"`
}

// ParseAmount converts an operator entered decimal amount of symbol to
// smallest units. More fractional digits than the coin has is an error.
func ParseAmount(symbol, s string, network chain.Network) (int64, error) {
	p, ok := chain.Get(symbol, network)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedChain, symbol)
	}
	v, err := helpers.ParseAmount(s, p.Decimals)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidOffer, err)
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %w", ErrInvalidOffer, helpers.ErrAmountOverflow)
	}
	return int64(v), nil
}

// FormatAmount renders smallest units of symbol as a decimal string.
func FormatAmount(symbol string, v int64, network chain.Network) string {
	p, ok := chain.Get(symbol, network)
	if !ok || v < 0 {
		return fmt.Sprintf("%d", v)
	}
	return helpers.FormatAmount(uint64(v), p.Decimals)
}

// AmountTo converts a coin_from amount at rate into coin_to smallest units.
func AmountTo(amount, rate int64, fromDecimals uint8) int64 {
	v := new(big.Int).Mul(big.NewInt(amount), big.NewInt(rate))
	v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(fromDecimals)), nil))
	return v.Int64()
}
