package swap

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageKind identifies a protocol message.
type MessageKind string

const (
	MsgOffer          MessageKind = "offer"
	MsgBid            MessageKind = "bid"
	MsgBidProof       MessageKind = "bid_proof"
	MsgBidAccept      MessageKind = "bid_accept"
	MsgBidAcceptProof MessageKind = "bid_accept_proof"
	MsgLockRefundSig  MessageKind = "lock_refund_sig"
	MsgLockPublished  MessageKind = "lock_published"
	MsgLockRelease    MessageKind = "lock_release"
)

// Message is the envelope of every protocol message. The transport routes
// it by OfferID/BidID; ID makes delivery idempotent.
type Message struct {
	ID        string          `json:"id"`
	Kind      MessageKind     `json:"kind"`
	OfferID   string          `json:"offer_id"`
	BidID     string          `json:"bid_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// newMessage wraps payload in an envelope with a fresh ID.
func newMessage(kind MessageKind, offerID, bidID string, payload any, now time.Time) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Kind:      kind,
		OfferID:   offerID,
		BidID:     bidID,
		Payload:   data,
		CreatedAt: now.Unix(),
	}, nil
}

// Decode parses the payload into v. A malformed payload is a protocol
// fault of the sender.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrProtocolFault, m.Kind, err)
	}
	return nil
}

// HexBytes is a byte slice carried as a hex string.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	*h = b
	return nil
}

// OfferPayload publishes the terms of an offer.
type OfferPayload struct {
	CoinFrom  string   `json:"coin_from"`
	CoinTo    string   `json:"coin_to"`
	Variant   Variant  `json:"variant"`
	Amount    int64    `json:"amount"`
	Rate      int64    `json:"rate"`
	LockType  LockType `json:"lock_type"`
	LockValue uint32   `json:"lock_value"`
}

// BidPayload places a bid. Pub is the bidder's HTLC key, or its
// script-chain lock key in a scriptless swap, where View and Dest are set
// too.
type BidPayload struct {
	Amount    int64    `json:"amount"`
	CreatedAt int64    `json:"created_at"`
	Pub       HexBytes `json:"pub"`
	View      HexBytes `json:"view,omitempty"`
	Dest      string   `json:"dest,omitempty"`
}

// BidProofPayload is the second part of a scriptless bid: the DLEQ proof
// of the bidder's spend share.
type BidProofPayload struct {
	Proof HexBytes `json:"proof"`
}

// BidAcceptPayload accepts a bid. HTLC swaps fill the first group,
// scriptless swaps the second.
type BidAcceptPayload struct {
	Pub HexBytes `json:"pub"`

	SecretHash      HexBytes `json:"secret_hash,omitempty"`
	InitiateLock    uint32   `json:"initiate_lock,omitempty"`
	ParticipateLock uint32   `json:"participate_lock,omitempty"`

	View          HexBytes `json:"view,omitempty"`
	LockTx        HexBytes `json:"lock_tx,omitempty"`
	LockVout      uint32   `json:"lock_vout,omitempty"`
	RefundTx      HexBytes `json:"refund_tx,omitempty"`
	SpendTx       HexBytes `json:"spend_tx,omitempty"`
	CSV           uint32   `json:"csv,omitempty"`
	RestoreHeight uint64   `json:"restore_height,omitempty"`
}

// AcceptProofPayload is the second part of a scriptless accept.
type AcceptProofPayload struct {
	Proof HexBytes `json:"proof"`
}

// LockRefundSigPayload carries the follower's encrypted refund signature.
type LockRefundSigPayload struct {
	Sig HexBytes `json:"sig"`
}

// LockPublishedPayload announces the no-script lock.
type LockPublishedPayload struct {
	TxID string `json:"txid"`
}

// LockReleasePayload carries the leader's encrypted spend signature.
type LockReleasePayload struct {
	Sig HexBytes `json:"sig"`
}
