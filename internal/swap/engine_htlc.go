package swap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/config"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
	"github.com/klingon-exchange/swapengine/internal/watch"
)

const (
	// medianTimeLag is how far a chain's median time past trails the wall
	// clock. Absolute-time refunds wait for it.
	medianTimeLag = 3600
	// lockTimeSkew is how far an absolute lock in an accept may be from
	// the one we would have chosen.
	lockTimeSkew = 3600
)

// participateLock is the CSV lock of the second HTLC.
func participateLock(lockValue uint32) uint32 {
	return max(lockValue/2, 1)
}

// buildHTLCScripts builds both HTLCs from the agreed terms.
func buildHTLCScripts(b *Bid) error {
	h := b.HTLC
	var err error
	h.InitiateScript, err = BuildHTLCScript(&HTLCTerms{
		SecretHash:     h.SecretHash,
		ReceiverPubKey: h.ParticipantPub,
		SenderPubKey:   h.InitiatorPub,
		LockType:       b.LockType,
		LockValue:      h.InitiateLock,
	})
	if err != nil {
		return fmt.Errorf("%w: initiate script: %v", ErrProtocolFault, err)
	}
	h.ParticipateScript, err = BuildHTLCScript(&HTLCTerms{
		SecretHash:     h.SecretHash,
		ReceiverPubKey: h.InitiatorPub,
		SenderPubKey:   h.ParticipantPub,
		LockType:       b.LockType,
		LockValue:      h.ParticipateLock,
	})
	if err != nil {
		return fmt.Errorf("%w: participate script: %v", ErrProtocolFault, err)
	}
	return nil
}

// acceptHTLC fixes the swap terms on our side and queues the accept.
func (e *Engine) acceptHTLC(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	h := b.HTLC

	key, err := e.swapKey(b, keyseed.KeyHTLC)
	if err != nil {
		return err
	}
	secretKey, err := e.swapKey(b, keyseed.KeySecret)
	if err != nil {
		return err
	}
	tipFrom, err := e.tip(ctx, b.CoinFrom)
	if err != nil {
		return err
	}
	tipTo, err := e.tip(ctx, b.CoinTo)
	if err != nil {
		return err
	}

	now := e.now()
	h.InitiatorPub = key.PubKey().SerializeCompressed()
	h.Secret, h.SecretHash = DeriveSecret(secretKey)
	switch b.LockType {
	case LockAbsoluteTime:
		h.InitiateLock = uint32(now.Unix()) + b.LockValue
		h.ParticipateLock = h.InitiateLock - b.LockValue/2
	default:
		h.InitiateLock = b.LockValue
		h.ParticipateLock = participateLock(b.LockValue)
	}
	if err := buildHTLCScripts(b); err != nil {
		return err
	}
	h.FromHeightFrom = tipFrom
	h.FromHeightTo = tipTo
	b.ExpireAt = now.Add(e.swapCfg.BidExpiry)

	return bc.send(MsgBidAccept, &BidAcceptPayload{
		Pub:             h.InitiatorPub,
		SecretHash:      h.SecretHash,
		InitiateLock:    h.InitiateLock,
		ParticipateLock: h.ParticipateLock,
	}, now)
}

// onHTLCAccept checks the initiator's terms against the offer.
func (e *Engine) onHTLCAccept(bc *bidCtx, msg *Message) error {
	b := bc.bid
	if b.Role != RoleParticipant || b.State != StateBidSent {
		bc.log.Debug("Ignoring bid accept", "state", b.State)
		return nil
	}
	var p BidAcceptPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if _, err := btcec.ParsePubKey(p.Pub); err != nil {
		return fmt.Errorf("%w: bad initiator key: %v", ErrProtocolFault, err)
	}
	if len(p.SecretHash) != 32 {
		return fmt.Errorf("%w: secret hash must be 32 bytes", ErrProtocolFault)
	}

	now := e.now()
	switch b.LockType {
	case LockAbsoluteTime:
		want := now.Unix() + int64(b.LockValue)
		if d := int64(p.InitiateLock) - want; d > lockTimeSkew || d < -lockTimeSkew {
			return fmt.Errorf("%w: initiate lock %d too far from %d", ErrProtocolFault, p.InitiateLock, want)
		}
		if p.ParticipateLock != p.InitiateLock-b.LockValue/2 {
			return fmt.Errorf("%w: participate lock %d does not match", ErrProtocolFault, p.ParticipateLock)
		}
	default:
		if p.InitiateLock != b.LockValue || p.ParticipateLock != participateLock(b.LockValue) {
			return fmt.Errorf("%w: locks %d/%d do not match offer", ErrProtocolFault, p.InitiateLock, p.ParticipateLock)
		}
	}

	h := b.HTLC
	h.InitiatorPub = p.Pub
	h.SecretHash = p.SecretHash
	h.InitiateLock = p.InitiateLock
	h.ParticipateLock = p.ParticipateLock
	if err := buildHTLCScripts(b); err != nil {
		return err
	}
	b.ExpireAt = now.Add(e.swapCfg.BidExpiry)
	return e.fire(bc, TrigAcceptReceived, nil)
}

func (e *Engine) stepHTLCInitiator(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	b := bc.bid
	switch b.State {
	case StateBidReceived:
		if e.expired(b) {
			return TrigExpired, nil, nil
		}
		if !e.engCfg.AutoAccept {
			return "", nil, nil
		}
		if err := e.acceptHTLC(ctx, bc); err != nil {
			return "", nil, err
		}
		return TrigAccept, nil, nil

	case StateBidAccepted:
		if !b.HasTx(TxInitiate) {
			if e.expired(b) || b.Halted {
				return TrigExpired, nil, nil
			}
			return "", nil, e.fundHTLC(ctx, bc, TxInitiate)
		}
		if !b.Slot(TxInitiate).Confirmed() {
			if e.expired(b) {
				bc.log.Warn("Initiate tx unconfirmed at bid expiry, refunding it if it confirms",
					"txid", b.Slot(TxInitiate).TxID)
				b.Reclaiming = true
				bc.dirty = true
				return TrigExpired, nil, nil
			}
			return "", nil, e.fillOutput(ctx, bc, TxInitiate)
		}
		if err := e.fillOutput(ctx, bc, TxInitiate); err != nil {
			return "", nil, err
		}
		if err := e.ensureHeight(ctx, bc, TxInitiate); err != nil {
			return "", nil, err
		}
		return TrigLockConfirmed, nil, nil

	case StateInitiated, StateParticipating:
		h := b.HTLC
		resolveHTLCOutcomes(bc)
		if htlcSettled(b) {
			return TrigLegsSettled, nil, nil
		}

		part := b.Slot(TxParticipate)
		if b.State == StateInitiated && part.Confirmed() {
			if !b.Halted {
				want, err := e.amountTo(b)
				if err != nil {
					return "", nil, err
				}
				if part.Value < want {
					return "", nil, fmt.Errorf("%w: participate pays %d, want %d", ErrProtocolFault, part.Value, want)
				}
			}
			return TrigSecondLockSeen, nil, nil
		}

		if b.State == StateParticipating && !b.Halted && part.SpendTxID == "" && !b.HasTx(TxParticipateRedeem) {
			now, expiry, margin, err := e.lockWindow(ctx, bc, TxParticipate, h.ParticipateLock)
			if err != nil {
				return "", nil, err
			}
			if safeBefore(now, expiry, margin) {
				txid, err := e.spendHTLC(ctx, bc, TxParticipate, h.ParticipateScript, h.ParticipateLock, h.Secret)
				if err != nil {
					return "", nil, err
				}
				if err := e.recordSpend(ctx, bc, TxParticipateRedeem, txid); err != nil {
					return "", nil, err
				}
			}
		}

		return "", nil, e.refundHTLC(ctx, bc, TxInitiate, h.InitiateScript, h.InitiateLock, TxInitiateRefund)
	}
	return "", nil, nil
}

func (e *Engine) stepHTLCParticipant(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	b := bc.bid
	h := b.HTLC
	switch b.State {
	case StateBidSent:
		if e.expired(b) {
			return TrigExpired, nil, nil
		}

	case StateBidAccepted:
		if b.Halted {
			return TrigExpired, nil, nil
		}
		init := b.Slot(TxInitiate)
		if init.TxID == "" {
			if e.expired(b) {
				return TrigExpired, nil, nil
			}
			return "", nil, nil
		}
		if !init.Confirmed() {
			if e.expired(b) {
				return TrigExpired, nil, nil
			}
			return "", nil, nil
		}
		if init.Value < b.Amount {
			return "", nil, fmt.Errorf("%w: initiate pays %d, want %d", ErrProtocolFault, init.Value, b.Amount)
		}
		return TrigLockConfirmed, nil, nil

	case StateInitiated:
		if b.HasTx(TxParticipate) {
			return TrigSecondLockSent, nil, nil
		}
		if b.Halted {
			return TrigExpired, nil, nil
		}
		now, expiry, margin, err := e.lockWindow(ctx, bc, TxInitiate, h.InitiateLock)
		if err != nil {
			return "", nil, err
		}
		// leave the second half of the initiate lock for our redeem
		if !safeBefore(now, expiry-int64(b.LockValue)/2, margin) {
			bc.log.Warn("Too late to participate", "now", now, "initiate_expiry", expiry)
			return TrigExpired, nil, nil
		}
		if err := e.fundHTLC(ctx, bc, TxParticipate); err != nil {
			return "", nil, err
		}
		return TrigSecondLockSent, nil, nil

	case StateParticipating:
		if err := e.fillOutput(ctx, bc, TxParticipate); err != nil {
			return "", nil, err
		}
		resolveHTLCOutcomes(bc)
		if htlcSettled(b) {
			return TrigLegsSettled, nil, nil
		}

		init := b.Slot(TxInitiate)
		if len(h.Secret) > 0 && init.SpendTxID == "" && !b.HasTx(TxInitiateRedeem) {
			txid, err := e.spendHTLC(ctx, bc, TxInitiate, h.InitiateScript, h.InitiateLock, h.Secret)
			if err != nil {
				return "", nil, err
			}
			if err := e.recordSpend(ctx, bc, TxInitiateRedeem, txid); err != nil {
				return "", nil, err
			}
		}
		return "", nil, e.refundHTLC(ctx, bc, TxParticipate, h.ParticipateScript, h.ParticipateLock, TxParticipateRefund)
	}
	return "", nil, nil
}

// fundHTLC pays our HTLC from the wallet and saves the txid at once.
func (e *Engine) fundHTLC(ctx context.Context, bc *bidCtx, role watch.TxRole) error {
	b := bc.bid
	h := b.HTLC
	script, amount := h.InitiateScript, b.Amount
	if role == TxParticipate {
		var err error
		script = h.ParticipateScript
		if amount, err = e.amountTo(b); err != nil {
			return err
		}
	}

	symbol := b.ChainOf(role)
	sb, err := e.scriptBackend(symbol)
	if err != nil {
		return err
	}
	params, err := e.params(symbol)
	if err != nil {
		return err
	}
	addr, _, err := ScriptOutput(params, script)
	if err != nil {
		return err
	}
	if err := e.checkWallet(ctx, bc, sb); err != nil {
		return err
	}

	var txid string
	err = e.keys.WithWallet(ctx, sb, func(ctx context.Context) error {
		var err error
		txid, err = sb.SendToAddress(ctx, addr, amount)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to fund %s: %w", role, err)
	}
	b.Slot(role).TxID = txid
	bc.dirty = true
	bc.log.Info("Published HTLC", "chain", symbol, "role", role, "txid", txid, "amount", amount)

	if err := e.commit(ctx, bc); err != nil {
		return err
	}
	return e.fillOutput(ctx, bc, role)
}

// fillOutput looks up the vout and value of one of our own HTLC payments.
func (e *Engine) fillOutput(ctx context.Context, bc *bidCtx, role watch.TxRole) error {
	b := bc.bid
	s := b.Slot(role)
	if s.TxID == "" || s.Value > 0 {
		return nil
	}
	script := b.HTLC.InitiateScript
	if role == TxParticipate {
		script = b.HTLC.ParticipateScript
	}
	symbol := b.ChainOf(role)
	sb, err := e.scriptBackend(symbol)
	if err != nil {
		return err
	}
	params, err := e.params(symbol)
	if err != nil {
		return err
	}
	_, pkScript, err := ScriptOutput(params, script)
	if err != nil {
		return err
	}
	tx, err := sb.GetTransaction(ctx, s.TxID)
	if err != nil {
		return fmt.Errorf("%w: %s tx lookup: %v", backend.ErrTransient, role, err)
	}
	vout, value, err := findOutput(tx, pkScript)
	if err != nil {
		return fmt.Errorf("%w: %s does not pay the HTLC", ErrProtocolFault, role)
	}
	s.Vout, s.Value = vout, value
	bc.dirty = true
	return nil
}

// refundHTLC refunds our HTLC once its lock has opened and nobody spent it.
func (e *Engine) refundHTLC(ctx context.Context, bc *bidCtx, role watch.TxRole, script []byte, lock uint32, refundRole watch.TxRole) error {
	b := bc.bid
	s := b.Slot(role)
	if !s.Confirmed() || s.Value == 0 || s.SpendTxID != "" || b.HasTx(refundRole) {
		return nil
	}
	now, expiry, _, err := e.lockWindow(ctx, bc, role, lock)
	if err != nil {
		return err
	}
	if !refundOpen(b.LockType, now, expiry) {
		return nil
	}
	txid, err := e.spendHTLC(ctx, bc, role, script, lock, nil)
	if err != nil {
		return err
	}
	return e.recordSpend(ctx, bc, refundRole, txid)
}

// reclaimHTLC refunds the initiate tx of a bid that timed out before it
// confirmed, and ends the reclaim once the initiate output is spent.
func (e *Engine) reclaimHTLC(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	h := b.HTLC
	resolveHTLCOutcomes(bc)
	if s := b.Slot(TxInitiate); s.Outcome != LegNone {
		bc.log.Info("Initiate tx reclaimed", "outcome", s.Outcome, "spend_txid", s.SpendTxID)
		b.Reclaiming = false
		bc.dirty = true
		return nil
	}
	if !b.Slot(TxInitiate).Confirmed() {
		return nil
	}
	if err := e.fillOutput(ctx, bc, TxInitiate); err != nil {
		return err
	}
	return e.refundHTLC(ctx, bc, TxInitiate, h.InitiateScript, h.InitiateLock, TxInitiateRefund)
}

// recordSpend saves a broadcast spend at once.
func (e *Engine) recordSpend(ctx context.Context, bc *bidCtx, role watch.TxRole, txid string) error {
	bc.bid.Slot(role).TxID = txid
	bc.dirty = true
	bc.log.Info("Broadcast spend", "chain", bc.bid.ChainOf(role), "role", role, "txid", txid)
	return e.commit(ctx, bc)
}

// spendHTLC redeems (secret set) or refunds (secret nil) the HTLC of role
// to a fresh wallet address.
func (e *Engine) spendHTLC(ctx context.Context, bc *bidCtx, role watch.TxRole, script []byte, lock uint32, secret []byte) (string, error) {
	b := bc.bid
	s := b.Slot(role)
	symbol := b.ChainOf(role)
	sb, err := e.scriptBackend(symbol)
	if err != nil {
		return "", err
	}
	params, err := e.params(symbol)
	if err != nil {
		return "", err
	}
	key, err := e.swapKey(b, keyseed.KeyHTLC)
	if err != nil {
		return "", err
	}
	if err := e.checkWallet(ctx, bc, sb); err != nil {
		return "", err
	}

	var addr string
	err = e.keys.WithWallet(ctx, sb, func(ctx context.Context) error {
		var err error
		addr, err = sb.GetNewAddress(ctx)
		return err
	})
	if err != nil {
		return "", err
	}
	dest, err := sb.AddressScript(addr)
	if err != nil {
		return "", err
	}
	rate, err := sb.FeeRate(ctx)
	if err != nil {
		return "", err
	}

	branch := []byte{}
	var items [][]byte
	if secret != nil {
		branch = []byte{1}
		items = append(items, secret)
	}
	items = append(items, branch, script)

	req := &spendRequest{
		TxID:       s.TxID,
		Vout:       s.Vout,
		Value:      s.Value,
		Dest:       dest,
		SpendItems: items,
		Segwit:     params.SupportsSegWit,
		FeeRate:    rate,
	}
	if secret == nil {
		if b.LockType == LockAbsoluteTime {
			req.LockTime = lock
			req.Sequence = wire.MaxTxInSequenceNum - 1
		} else {
			req.Sequence = lock
		}
	}
	tx, err := buildSpendTx(sb, req)
	if err != nil {
		return "", err
	}
	if err := htlcSpend(params, tx, 0, script, s.Value, key, secret); err != nil {
		return "", err
	}
	return sb.Broadcast(ctx, tx)
}

// resolveHTLCOutcomes classifies spent HTLCs by whether the spend revealed
// the secret, learning the secret on the way.
func resolveHTLCOutcomes(bc *bidCtx) {
	b := bc.bid
	h := b.HTLC
	for _, role := range []watch.TxRole{TxInitiate, TxParticipate} {
		s, ok := b.Slots[role]
		if !ok || s.SpendTxID == "" || s.Outcome != LegNone {
			continue
		}
		secret, found := ExtractSecret(s.SpendScriptSig, s.SpendWitness, h.SecretHash)
		if found {
			s.Outcome = LegRedeemed
			if len(h.Secret) == 0 {
				h.Secret = secret
				bc.log.Info("Learned swap secret", "spend_txid", s.SpendTxID)
			}
		} else {
			s.Outcome = LegRefunded
		}
		bc.dirty = true
	}
}

// htlcSettled reports whether our HTLC has an outcome and nothing is left
// for us on the other leg.
func htlcSettled(b *Bid) bool {
	own, other := TxInitiate, TxParticipate
	if b.Role == RoleParticipant {
		own, other = TxParticipate, TxInitiate
	}
	o, ok := b.Slots[own]
	if !ok || o.TxID == "" || o.Outcome == LegNone {
		return false
	}
	if o.Outcome == LegRefunded {
		return true
	}
	t, ok := b.Slots[other]
	return !ok || t.TxID == "" || t.Outcome != LegNone
}

// lockWindow returns the current position on a lock's chain and the point
// its refund branch opens: heights for CSV locks, unix seconds for CLTV
// locks. margin is the chain's safety margin in the same unit.
func (e *Engine) lockWindow(ctx context.Context, bc *bidCtx, role watch.TxRole, lock uint32) (now, expiry, margin int64, err error) {
	b := bc.bid
	symbol := b.ChainOf(role)
	blocks, blockTime := e.timeouts(symbol)
	if b.LockType == LockAbsoluteTime {
		return e.now().Unix(), int64(lock), blocks * blockTime, nil
	}

	if err := e.ensureHeight(ctx, bc, role); err != nil {
		return 0, 0, 0, err
	}
	s := b.Slot(role)
	if s.Height == 0 {
		return 0, 0, 0, fmt.Errorf("%w: %s not mined yet", backend.ErrTransient, role)
	}
	tip, err := e.tip(ctx, symbol)
	if err != nil {
		return 0, 0, 0, err
	}
	return tip, s.Height + int64(lock), blocks, nil
}

// refundOpen reports whether a refund with the given expiry is final in
// the next block.
func refundOpen(lt LockType, now, expiry int64) bool {
	if lt == LockAbsoluteTime {
		return now >= expiry+medianTimeLag
	}
	return now+1 >= expiry
}

// safeBefore reports whether now leaves more than margin before deadline.
func safeBefore(now, deadline, margin int64) bool {
	if now < 0 || deadline <= 0 || deadline > int64(^uint32(0)) {
		return false
	}
	return config.IsSafeToComplete(uint32(now), uint32(deadline), uint32(margin))
}
