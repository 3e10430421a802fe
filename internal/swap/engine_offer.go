package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"
	"github.com/klingon-exchange/swapengine/internal/adaptor"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
)

// PostOffer stores one of our offers and queues its announcement.
func (e *Engine) PostOffer(ctx context.Context, o *Offer) (*Offer, error) {
	o.ID = uuid.New().String()
	o.Sent = true
	o.CreatedAt = e.now()
	if err := o.Validate(e.network); err != nil {
		return nil, err
	}
	if err := e.checkBackends(o.CoinFrom, o.CoinTo); err != nil {
		return nil, err
	}

	msg, err := newMessage(MsgOffer, o.ID, "", &OfferPayload{
		CoinFrom:  o.CoinFrom,
		CoinTo:    o.CoinTo,
		Variant:   o.Variant,
		Amount:    o.Amount,
		Rate:      o.Rate,
		LockType:  o.LockType,
		LockValue: o.LockValue,
	}, o.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := e.store.Apply(ctx, &Update{Offer: o, Outbound: []*Message{msg}}); err != nil {
		return nil, fmt.Errorf("failed to save offer: %w", err)
	}
	e.log.Info("Offer posted", "offer_id", o.ID, "pair", o.CoinFrom+"/"+o.CoinTo,
		"variant", o.Variant, "amount", FormatAmount(o.CoinFrom, o.Amount, e.network), "rate", o.Rate)
	return o, nil
}

// PlaceBid bids amount of coin_from on a counterparty's offer.
func (e *Engine) PlaceBid(ctx context.Context, offerID string, amount int64) (*Bid, error) {
	o, err := e.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.Sent {
		return nil, fmt.Errorf("%w: cannot bid on our own offer", ErrInvalidBid)
	}
	if err := e.checkBidAmount(o, amount); err != nil {
		return nil, err
	}
	if err := e.checkBackends(o.CoinFrom, o.CoinTo); err != nil {
		return nil, err
	}
	cc, err := e.store.NextContractCount(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now()
	b := newBid(uuid.New().String(), o, RoleParticipant, amount, cc, now, e.swapCfg.BidExpiry)
	bc, err := e.newBidCtx(b)
	if err != nil {
		return nil, err
	}
	bc.history = append(bc.history, HistoryEntry{State: b.State, At: now, Note: "bid placed"})

	payload := &BidPayload{Amount: amount, CreatedAt: now.Unix()}
	switch b.Variant {
	case VariantScript:
		key, err := e.swapKey(b, keyseed.KeyHTLC)
		if err != nil {
			return nil, err
		}
		tipFrom, err := e.tip(ctx, b.CoinFrom)
		if err != nil {
			return nil, err
		}
		tipTo, err := e.tip(ctx, b.CoinTo)
		if err != nil {
			return nil, err
		}
		b.HTLC = &HTLCData{
			ParticipantPub: key.PubKey().SerializeCompressed(),
			FromHeightFrom: tipFrom,
			FromHeightTo:   tipTo,
		}
		payload.Pub = b.HTLC.ParticipantPub
		if err := bc.send(MsgBid, payload, now); err != nil {
			return nil, err
		}

	case VariantScriptless:
		proof, err := e.scriptlessBid(ctx, bc)
		if err != nil {
			return nil, err
		}
		x := b.Scriptless
		payload.Pub, payload.View, payload.Dest = x.FollowerPub, x.FollowerView, x.FollowerDest
		if err := bc.send(MsgBid, payload, now); err != nil {
			return nil, err
		}
		if err := bc.send(MsgBidProof, &BidProofPayload{Proof: proof}, now); err != nil {
			return nil, err
		}
	}

	mu := e.bidLock(b.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := e.commit(ctx, bc); err != nil {
		return nil, err
	}
	bc.log.Info("Bid placed", "offer_id", o.ID, "amount", FormatAmount(b.CoinFrom, amount, e.network),
		"amount_to", FormatAmount(b.CoinTo, b.AmountTo(e.decimals(b.CoinFrom)), e.network))
	e.registerWatches(b)
	return b, nil
}

// scriptlessBid fills the follower's half of the key material and returns
// the DLEQ proof of its spend share.
func (e *Engine) scriptlessBid(ctx context.Context, bc *bidCtx) ([]byte, error) {
	b := bc.bid
	sb, err := e.scriptBackend(b.CoinFrom)
	if err != nil {
		return nil, err
	}
	lockKey, err := e.swapKey(b, keyseed.KeyLock)
	if err != nil {
		return nil, err
	}
	share, err := e.keyShare(b, keyseed.KeySpendShare)
	if err != nil {
		return nil, err
	}
	view, err := e.keyShare(b, keyseed.KeyViewShare)
	if err != nil {
		return nil, err
	}
	if err := e.checkWallet(ctx, bc, sb); err != nil {
		return nil, err
	}
	var dest string
	err = e.keys.WithWallet(ctx, sb, func(ctx context.Context) error {
		var err error
		dest, err = sb.GetNewAddress(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get destination address: %w", err)
	}
	proof, err := adaptor.ProveDLEQ(share)
	if err != nil {
		return nil, fmt.Errorf("failed to prove key share: %w", err)
	}
	b.Scriptless = &ScriptlessData{
		FollowerPub:      lockKey.PubKey().SerializeCompressed(),
		FollowerSpendPub: share.Ed25519Pub(),
		FollowerPoint:    share.Secp256k1Pub().SerializeCompressed(),
		FollowerView:     view.Ed25519().Bytes(),
		FollowerDest:     dest,
	}
	return proof, nil
}

// AcceptBid accepts a received bid on one of our offers.
func (e *Engine) AcceptBid(ctx context.Context, bidID string) error {
	return e.process(ctx, bidID, input{apply: func(ctx context.Context, bc *bidCtx) error {
		b := bc.bid
		if b.Role != RoleInitiator || b.State != StateBidReceived {
			return fmt.Errorf("%w: cannot accept a bid in %s", ErrIllegalTransition, b.State)
		}
		if b.Variant == VariantScriptless {
			return e.fire(bc, TrigDelay, nil)
		}
		if err := e.acceptHTLC(ctx, bc); err != nil {
			return err
		}
		return e.fire(bc, TrigAccept, nil)
	}})
}

// AbandonBid cancels a bid that has not locked any funds.
func (e *Engine) AbandonBid(ctx context.Context, bidID string) error {
	return e.process(ctx, bidID, input{apply: func(ctx context.Context, bc *bidCtx) error {
		b := bc.bid
		if b.State.IsTerminal() {
			return ErrBidTerminal
		}
		if !CanAbandon(b) {
			return fmt.Errorf("%w: %s", ErrCannotAbandon, b.State)
		}
		return e.fire(bc, TrigCancel, nil)
	}})
}

// Bid returns a stored bid.
func (e *Engine) Bid(ctx context.Context, id string) (*Bid, error) {
	return e.store.GetBid(ctx, id)
}

// BidHistory returns the state history of a bid, oldest first.
func (e *Engine) BidHistory(ctx context.Context, id string) ([]HistoryEntry, error) {
	return e.store.GetHistory(ctx, id)
}

// ActiveBids returns every bid still in progress, including timed out
// bids waiting to refund a late lock.
func (e *Engine) ActiveBids(ctx context.Context) ([]*Bid, error) {
	return e.store.ListActiveBids(ctx)
}

// HandleMessage applies an inbound protocol message. Duplicates are
// dropped. A message for a bid we do not know yet returns ErrNotFound and
// is left for redelivery.
func (e *Engine) HandleMessage(ctx context.Context, msg *Message) error {
	switch msg.Kind {
	case MsgOffer:
		return e.receiveOffer(ctx, msg)
	case MsgBid:
		return e.receiveBid(ctx, msg)
	case MsgBidProof, MsgBidAccept, MsgBidAcceptProof,
		MsgLockRefundSig, MsgLockPublished, MsgLockRelease:
	default:
		return fmt.Errorf("%w: unknown message kind %q", ErrProtocolFault, msg.Kind)
	}
	if msg.BidID == "" {
		return fmt.Errorf("%w: %s without a bid id", ErrProtocolFault, msg.Kind)
	}
	return e.process(ctx, msg.BidID, input{
		msgID: msg.ID,
		apply: func(ctx context.Context, bc *bidCtx) error {
			return e.onMessage(bc, msg)
		},
	})
}

// onMessage routes a bid-scoped message to its handler. Kinds that do not
// fit our side of the bid are dropped.
func (e *Engine) onMessage(bc *bidCtx, msg *Message) error {
	b := bc.bid
	if msg.OfferID != b.OfferID {
		return fmt.Errorf("%w: %s for offer %s on a bid of offer %s", ErrProtocolFault, msg.Kind, msg.OfferID, b.OfferID)
	}

	leader := b.Variant == VariantScriptless && b.Role == RoleInitiator
	follower := b.Variant == VariantScriptless && b.Role == RoleParticipant
	switch {
	case msg.Kind == MsgBidAccept && b.Variant == VariantScript && b.Role == RoleParticipant:
		return e.onHTLCAccept(bc, msg)
	case msg.Kind == MsgBidAccept && follower:
		return e.onScriptlessAccept(bc, msg)
	case msg.Kind == MsgBidAcceptProof && follower:
		return e.onAcceptProof(bc, msg)
	case msg.Kind == MsgLockRelease && follower:
		return e.onLockRelease(bc, msg)
	case msg.Kind == MsgBidProof && leader:
		return e.onBidProof(bc, msg)
	case msg.Kind == MsgLockRefundSig && leader:
		return e.onLockRefundSig(bc, msg)
	case msg.Kind == MsgLockPublished && leader:
		var p LockPublishedPayload
		if err := msg.Decode(&p); err != nil {
			return err
		}
		bc.log.Info("Counterparty reports no-script lock", "txid", p.TxID)
		return nil
	}
	bc.log.Debug("Dropping message", "kind", msg.Kind, "variant", b.Variant, "role", b.Role)
	return nil
}

// receiveOffer stores a counterparty's offer.
func (e *Engine) receiveOffer(ctx context.Context, msg *Message) error {
	seen, err := e.store.SeenMessage(ctx, msg.ID)
	if err != nil || seen {
		return err
	}
	if _, err := e.store.GetOffer(ctx, msg.OfferID); err == nil {
		return e.store.Apply(ctx, &Update{Received: msg.ID})
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	var p OfferPayload
	if err := msg.Decode(&p); err != nil {
		return e.reject(ctx, msg, err)
	}
	o := &Offer{
		ID:        msg.OfferID,
		CoinFrom:  p.CoinFrom,
		CoinTo:    p.CoinTo,
		Variant:   p.Variant,
		Amount:    p.Amount,
		Rate:      p.Rate,
		LockType:  p.LockType,
		LockValue: p.LockValue,
		CreatedAt: e.now(),
	}
	if o.ID == "" {
		return e.reject(ctx, msg, fmt.Errorf("%w: missing offer id", ErrInvalidOffer))
	}
	if err := o.Validate(e.network); err != nil {
		return e.reject(ctx, msg, err)
	}
	if err := e.store.Apply(ctx, &Update{Offer: o, Received: msg.ID}); err != nil {
		return fmt.Errorf("failed to save offer: %w", err)
	}
	e.log.Info("Offer received", "offer_id", o.ID, "pair", o.CoinFrom+"/"+o.CoinTo, "variant", o.Variant)
	return nil
}

// receiveBid creates the initiator's copy of a bid on one of our offers.
func (e *Engine) receiveBid(ctx context.Context, msg *Message) error {
	if msg.BidID == "" {
		return fmt.Errorf("%w: bid without an id", ErrProtocolFault)
	}
	mu := e.bidLock(msg.BidID)
	mu.Lock()
	defer mu.Unlock()

	seen, err := e.store.SeenMessage(ctx, msg.ID)
	if err != nil || seen {
		return err
	}
	if _, err := e.store.GetBid(ctx, msg.BidID); err == nil {
		return e.store.Apply(ctx, &Update{Received: msg.ID})
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	o, err := e.store.GetOffer(ctx, msg.OfferID)
	if errors.Is(err, ErrNotFound) {
		return e.reject(ctx, msg, fmt.Errorf("%w: unknown offer %s", ErrInvalidBid, msg.OfferID))
	}
	if err != nil {
		return err
	}
	if !o.Sent {
		return e.reject(ctx, msg, fmt.Errorf("%w: offer %s is not ours", ErrInvalidBid, o.ID))
	}
	var p BidPayload
	if err := msg.Decode(&p); err != nil {
		return e.reject(ctx, msg, err)
	}
	if err := e.checkBidAmount(o, p.Amount); err != nil {
		return e.reject(ctx, msg, err)
	}
	if _, err := btcec.ParsePubKey(p.Pub); err != nil {
		return e.reject(ctx, msg, fmt.Errorf("%w: bad bidder key: %v", ErrInvalidBid, err))
	}
	cc, err := e.store.NextContractCount(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	b := newBid(msg.BidID, o, RoleInitiator, p.Amount, cc, now, e.swapCfg.BidExpiry)
	switch o.Variant {
	case VariantScript:
		b.HTLC = &HTLCData{ParticipantPub: p.Pub}
	case VariantScriptless:
		if err := checkScalar(p.View); err != nil {
			return e.reject(ctx, msg, fmt.Errorf("%w: bad view share: %v", ErrInvalidBid, err))
		}
		sb, err := e.scriptBackend(o.CoinFrom)
		if err != nil {
			return err
		}
		if _, err := sb.AddressScript(p.Dest); err != nil {
			return e.reject(ctx, msg, fmt.Errorf("%w: bad destination: %v", ErrInvalidBid, err))
		}
		b.Scriptless = &ScriptlessData{
			FollowerPub:  p.Pub,
			FollowerView: p.View,
			FollowerDest: p.Dest,
		}
	}

	bc, err := e.newBidCtx(b)
	if err != nil {
		return err
	}
	bc.received = msg.ID
	bc.history = append(bc.history, HistoryEntry{State: b.State, At: now, Note: "bid received"})
	if err := e.commit(ctx, bc); err != nil {
		return err
	}
	bc.log.Info("Bid received", "offer_id", o.ID, "amount", b.Amount, "state", b.State)

	e.advance(ctx, bc)
	e.registerWatches(b)
	return nil
}

// reject marks an invalid message received so it is not applied again.
func (e *Engine) reject(ctx context.Context, msg *Message, cause error) error {
	e.log.Warn("Rejected message", "message_id", msg.ID, "kind", msg.Kind, "error", cause)
	if err := e.store.Apply(ctx, &Update{Received: msg.ID}); err != nil {
		return fmt.Errorf("failed to mark message received: %w", err)
	}
	return cause
}

func newBid(id string, o *Offer, role Role, amount int64, cc uint32, now time.Time, expiry time.Duration) *Bid {
	return &Bid{
		ID:            id,
		OfferID:       o.ID,
		Variant:       o.Variant,
		Role:          role,
		CoinFrom:      o.CoinFrom,
		CoinTo:        o.CoinTo,
		State:         InitialState(o.Variant, role),
		Amount:        amount,
		Rate:          o.Rate,
		LockType:      o.LockType,
		LockValue:     o.LockValue,
		ContractCount: cc,
		CreatedAt:     now,
		ExpireAt:      now.Add(expiry),
		UpdatedAt:     now,
	}
}

func (e *Engine) checkBidAmount(o *Offer, amount int64) error {
	if amount <= 0 || amount > o.Amount {
		return fmt.Errorf("%w: amount %d outside (0, %d]", ErrInvalidBid, amount, o.Amount)
	}
	if AmountTo(amount, o.Rate, e.decimals(o.CoinFrom)) <= 0 {
		return fmt.Errorf("%w: amount %d is worth nothing at rate %d", ErrInvalidBid, amount, o.Rate)
	}
	return nil
}

func (e *Engine) checkBackends(symbols ...string) error {
	for _, s := range symbols {
		if _, ok := e.backends.Get(s); !ok {
			return fmt.Errorf("%w: no backend for %s", ErrUnsupportedChain, s)
		}
	}
	return nil
}

func (e *Engine) decimals(symbol string) uint8 {
	p, err := e.params(symbol)
	if err != nil {
		return 8
	}
	return p.Decimals
}
