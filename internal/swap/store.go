package swap

import "context"

// Store persists offers, bids and the message queues. Implementations
// return ErrNotFound for unknown IDs.
type Store interface {
	GetOffer(ctx context.Context, id string) (*Offer, error)

	GetBid(ctx context.Context, id string) (*Bid, error)
	// ListActiveBids returns every bid not in a terminal state.
	ListActiveBids(ctx context.Context) ([]*Bid, error)
	GetHistory(ctx context.Context, bidID string) ([]HistoryEntry, error)
	// NextContractCount returns a fresh value for the key derivation path.
	NextContractCount(ctx context.Context) (uint32, error)

	// Apply commits one update atomically.
	Apply(ctx context.Context, u *Update) error

	// SeenMessage reports whether a message ID was already applied.
	SeenMessage(ctx context.Context, id string) (bool, error)
	PendingMessages(ctx context.Context) ([]*Message, error)
	MarkMessageSent(ctx context.Context, id string) error
}

// Update is one atomic store write: an offer or a bid with its new history
// entries, the messages it produced, and the inbound message that caused
// it. A crash never leaves a message marked received without its effect.
type Update struct {
	Offer    *Offer
	// Bid may be nil when only an offer or messages are written.
	Bid      *Bid
	History  []HistoryEntry
	Outbound []*Message
	// Received is the ID of the inbound message being applied.
	Received string
}

// Sender delivers outbound messages. Delivery may repeat; receivers drop
// duplicates by Message.ID.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}
