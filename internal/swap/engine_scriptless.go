package swap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/adaptor"
	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
	"github.com/klingon-exchange/swapengine/internal/watch"
)

// sigPlaceholder sizes the signature the unsigned allowance does not cover
// in a two-signature lock spend.
var sigPlaceholder = make([]byte, schnorr.SignatureSize)

// lockTree rebuilds the script-chain lock of a bid.
func lockTree(b *Bid) (*LockTree, error) {
	x := b.Scriptless
	leader, err := btcec.ParsePubKey(x.LeaderPub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad leader key: %v", ErrProtocolFault, err)
	}
	follower, err := btcec.ParsePubKey(x.FollowerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad follower key: %v", ErrProtocolFault, err)
	}
	return BuildLockTree(leader, follower, x.CSV)
}

// slotTx parses the prebuilt transaction stored for role.
func slotTx(b *Bid, role watch.TxRole) (*wire.MsgTx, error) {
	s, ok := b.Slots[role]
	if !ok || len(s.Raw) == 0 {
		return nil, fmt.Errorf("%w: no %s transaction", ErrProtocolFault, role)
	}
	tx, err := DeserializeTx(s.Raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrProtocolFault, role, err)
	}
	return tx, nil
}

// lockSigHash returns the prebuilt spend of role and its sighash.
func lockSigHash(b *Bid, lt *LockTree, role watch.TxRole) ([]byte, *wire.MsgTx, error) {
	tx, err := slotTx(b, role)
	if err != nil {
		return nil, nil, err
	}
	leaf := lt.SpendLeaf
	if role == TxScriptLockRefund {
		leaf = lt.RefundLeaf
	}
	hash, err := lt.SigHash(tx, b.Slot(TxScriptLock).Value, leaf)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute %s sighash: %w", role, err)
	}
	return hash, tx, nil
}

// sharedLockKeys returns the summed view key and the summed spend public
// key of the no-script lock.
func sharedLockKeys(x *ScriptlessData) (viewKey, spendPub []byte, err error) {
	viewKey, err = addScalars(x.LeaderView, x.FollowerView)
	if err != nil {
		return nil, nil, err
	}
	spendPub, err = addPoints(x.LeaderSpendPub, x.FollowerSpendPub)
	if err != nil {
		return nil, nil, err
	}
	return viewKey, spendPub, nil
}

func (e *Engine) delayDue(b *Bid) bool {
	d, ok := b.Delay()
	return ok && !e.now().Before(d.Until)
}

// acceptScriptless builds the script-chain lock and its two spends, and
// queues the two-part accept.
func (e *Engine) acceptScriptless(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	x := b.Scriptless

	sb, err := e.scriptBackend(b.CoinFrom)
	if err != nil {
		return err
	}
	xb, err := e.scriptlessBackend(b.CoinTo)
	if err != nil {
		return err
	}
	lockKey, err := e.swapKey(b, keyseed.KeyLock)
	if err != nil {
		return err
	}
	share, err := e.keyShare(b, keyseed.KeySpendShare)
	if err != nil {
		return err
	}
	view, err := e.keyShare(b, keyseed.KeyViewShare)
	if err != nil {
		return err
	}

	x.LeaderPub = lockKey.PubKey().SerializeCompressed()
	x.LeaderSpendPub = share.Ed25519Pub()
	x.LeaderPoint = share.Secp256k1Pub().SerializeCompressed()
	x.LeaderView = view.Ed25519().Bytes()
	x.CSV = b.LockValue
	lt, err := lockTree(b)
	if err != nil {
		return err
	}

	spendDest, err := sb.AddressScript(x.FollowerDest)
	if err != nil {
		return fmt.Errorf("%w: follower destination: %v", ErrProtocolFault, err)
	}
	rate, err := sb.FeeRate(ctx)
	if err != nil {
		return err
	}
	restore, err := xb.GetBlockHeight(ctx)
	if err != nil {
		return err
	}
	if err := e.checkWallet(ctx, bc, sb); err != nil {
		return err
	}

	var (
		lockTx     *wire.MsgTx
		refundAddr string
	)
	err = e.keys.WithWallet(ctx, sb, func(ctx context.Context) error {
		tx := wire.NewMsgTx(2)
		tx.AddTxOut(wire.NewTxOut(b.Amount, lt.PkScript))
		var err error
		if lockTx, err = sb.FundTransaction(ctx, tx); err != nil {
			return err
		}
		refundAddr, err = sb.GetNewAddress(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to build lock tx: %w", err)
	}
	vout, value, err := findOutput(lockTx, lt.PkScript)
	if err != nil {
		return fmt.Errorf("funded lock tx lost its output: %w", err)
	}
	refundDest, err := sb.AddressScript(refundAddr)
	if err != nil {
		return err
	}
	lockID := lockTx.TxHash().String()

	refundTx, err := buildSpendTx(sb, &spendRequest{
		TxID: lockID, Vout: vout, Value: value, Dest: refundDest, Sequence: x.CSV,
		SpendItems: [][]byte{sigPlaceholder, lt.RefundScript, lt.RefundControl},
		Segwit:     true, FeeRate: rate,
	})
	if err != nil {
		return err
	}
	spendTx, err := buildSpendTx(sb, &spendRequest{
		TxID: lockID, Vout: vout, Value: value, Dest: spendDest,
		SpendItems: [][]byte{sigPlaceholder, lt.SpendScript, lt.SpendControl},
		Segwit:     true, FeeRate: rate,
	})
	if err != nil {
		return err
	}

	rawLock, err := SerializeTx(lockTx)
	if err != nil {
		return err
	}
	rawRefund, err := SerializeTx(refundTx)
	if err != nil {
		return err
	}
	rawSpend, err := SerializeTx(spendTx)
	if err != nil {
		return err
	}
	proof, err := adaptor.ProveDLEQ(share)
	if err != nil {
		return fmt.Errorf("failed to prove key share: %w", err)
	}

	lock := b.Slot(TxScriptLock)
	lock.Raw, lock.Vout, lock.Value = rawLock, vout, value
	b.Slot(TxScriptLockRefund).Raw = rawRefund
	b.Slot(TxScriptLockSpend).Raw = rawSpend
	x.LockTxID = lockID
	x.RestoreHeight = uint64(restore)

	now := e.now()
	b.ExpireAt = now.Add(e.swapCfg.BidExpiry)
	if err := bc.send(MsgBidAccept, &BidAcceptPayload{
		Pub:           x.LeaderPub,
		View:          x.LeaderView,
		LockTx:        rawLock,
		LockVout:      vout,
		RefundTx:      rawRefund,
		SpendTx:       rawSpend,
		CSV:           x.CSV,
		RestoreHeight: x.RestoreHeight,
	}, now); err != nil {
		return err
	}
	return bc.send(MsgBidAcceptProof, &AcceptProofPayload{Proof: proof}, now)
}

func (e *Engine) stepLeader(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	b := bc.bid
	x := b.Scriptless

	switch n := b.node(); n {
	case at(StateBidReceiving):
		if len(x.FollowerSpendPub) > 0 {
			return TrigBidComplete, nil, nil
		}
		if e.expired(b) {
			return TrigExpired, nil, nil
		}

	case at(StateBidReceived):
		if e.expired(b) {
			return TrigExpired, nil, nil
		}
		if e.engCfg.AutoAccept {
			return TrigDelay, nil, nil
		}

	case delaying(StateBidReceived):
		if e.expired(b) {
			return TrigExpired, nil, nil
		}
		if !e.delayDue(b) {
			return "", nil, nil
		}
		if err := e.acceptScriptless(ctx, bc); err != nil {
			return "", nil, err
		}
		return TrigDelayElapsed, nil, nil

	case at(StateBidAccepted):
		if len(x.RefundSig) > 0 {
			return TrigDelay, nil, nil
		}
		if e.expired(b) {
			return TrigExpired, nil, nil
		}

	case delaying(StateBidAccepted):
		if e.expired(b) {
			return TrigExpired, nil, nil
		}
		if e.delayDue(b) {
			return TrigDelayElapsed, nil, nil
		}

	case at(StateHaveScriptCoinSpendTx):
		if !b.HasTx(TxScriptLock) {
			return "", nil, e.publishScriptLock(ctx, bc)
		}
		if !b.Slot(TxScriptLock).Confirmed() {
			return "", nil, nil
		}
		if err := e.ensureHeight(ctx, bc, TxScriptLock); err != nil {
			return "", nil, err
		}
		return TrigLockConfirmed, nil, nil

	case at(StateScriptCoinLocked):
		if trig, data, err := e.checkDeadline(ctx, bc); trig != "" || err != nil {
			return trig, data, err
		}
		return e.findNoScriptLock(ctx, bc)

	case at(StateNoScriptCoinLocked):
		if trig, data, err := e.checkDeadline(ctx, bc); trig != "" || err != nil {
			return trig, data, err
		}
		if b.Halted {
			return "", nil, nil
		}
		if err := e.releaseLock(bc); err != nil {
			return "", nil, err
		}
		return TrigRelease, nil, nil

	case at(StateLockReleased):
		path, err := e.resolveLockSpend(bc)
		if err != nil {
			return "", nil, err
		}
		if path == LockPathSpend {
			return TrigScriptRedeemed, nil, nil
		}
		return e.checkDeadline(ctx, bc)

	case at(StateScriptTxRedeemed):
		return TrigDelay, nil, nil

	case delaying(StateScriptTxRedeemed):
		if e.delayDue(b) {
			return TrigDelayElapsed, nil, nil
		}

	case at(StateNoScriptTxRedeemed):
		return e.sweepNoScriptLock(ctx, bc, TxNoScriptSweep, LegRedeemed)

	case at(StateScriptTxPrerefund):
		path, err := e.resolveLockSpend(bc)
		if err != nil {
			return "", nil, err
		}
		switch path {
		case LockPathSpend:
			return TrigScriptRedeemed, nil, nil
		case LockPathRefund:
			if b.HasTx(TxNoScriptLock) {
				b.Slot(TxNoScriptLock).Outcome = LegRefunded
				bc.dirty = true
			}
			return TrigRefunded, nil, nil
		}
		return "", nil, e.refundScriptLock(ctx, bc)
	}
	return "", nil, nil
}

func (e *Engine) stepFollower(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	b := bc.bid
	x := b.Scriptless

	switch n := b.node(); n {
	case at(StateBidSent):
		if e.expired(b) {
			return TrigExpired, nil, nil
		}

	case at(StateBidReceivingAcc):
		if !x.HaveAccept || len(x.AcceptProof) == 0 {
			if e.expired(b) {
				return TrigExpired, nil, nil
			}
			return "", nil, nil
		}
		if err := e.checkAccept(bc); err != nil {
			return "", nil, err
		}
		return TrigDelay, nil, nil

	case delaying(StateBidReceivingAcc):
		if e.expired(b) {
			return TrigExpired, nil, nil
		}
		if !e.delayDue(b) {
			return "", nil, nil
		}
		if err := e.signRefund(bc); err != nil {
			return "", nil, err
		}
		return TrigDelayElapsed, nil, nil

	case at(StateBidAccepted):
		lock := b.Slot(TxScriptLock)
		if !lock.Confirmed() {
			if lock.TxID == "" && e.expired(b) {
				return TrigExpired, nil, nil
			}
			return "", nil, nil
		}
		if err := e.ensureHeight(ctx, bc, TxScriptLock); err != nil {
			return "", nil, err
		}
		return TrigLockConfirmed, nil, nil

	case at(StateScriptCoinLocked):
		if !b.HasTx(TxNoScriptLock) {
			if b.Halted {
				return TrigExpired, nil, nil
			}
			tip, deadline, err := e.lockDeadline(ctx, bc)
			if err != nil {
				return "", nil, err
			}
			margin, _ := e.timeouts(b.CoinFrom)
			if !safeBefore(tip, deadline-int64(x.CSV)/2, margin) {
				bc.log.Warn("Too late to lock", "tip", tip, "deadline", deadline)
				return TrigExpired, nil, nil
			}
			return "", nil, e.publishNoScriptLock(ctx, bc)
		}
		if trig, data, err := e.followerDeadline(ctx, bc); trig != "" || err != nil {
			return trig, data, err
		}
		if b.Slot(TxNoScriptLock).Confirmed() {
			return TrigSecondLockSeen, nil, nil
		}

	case at(StateNoScriptCoinLocked):
		if trig, data, err := e.followerDeadline(ctx, bc); trig != "" || err != nil {
			return trig, data, err
		}
		if len(x.ReleaseSig) > 0 {
			return TrigRelease, nil, nil
		}

	case at(StateLockReleased):
		if !b.HasTx(TxScriptLockSpend) {
			if trig, data, err := e.followerDeadline(ctx, bc); trig != "" || err != nil {
				return trig, data, err
			}
			if err := e.spendScriptLock(ctx, bc); err != nil {
				return "", nil, err
			}
		}
		return TrigScriptRedeemed, nil, nil

	case at(StateScriptTxRedeemed):
		if !b.Slot(TxScriptLockSpend).Confirmed() {
			return "", nil, nil
		}
		b.Slot(TxScriptLock).Outcome = LegRedeemed
		b.Slot(TxNoScriptLock).Outcome = LegRedeemed
		bc.dirty = true
		return TrigSpendConfirmed, nil, nil

	case at(StateScriptTxPrerefund):
		path, err := e.resolveLockSpend(bc)
		if err != nil {
			return "", nil, err
		}
		switch path {
		case LockPathRefund:
			return TrigRefunded, nil, nil
		case LockPathSpend:
			return TrigScriptRedeemed, nil, nil
		}
		// either spend settles the swap for us, so racing the refund is fine
		if len(x.ReleaseSig) > 0 && !b.HasTx(TxScriptLockSpend) {
			if err := e.spendScriptLock(ctx, bc); err != nil {
				return "", nil, err
			}
			return TrigScriptRedeemed, nil, nil
		}

	case at(StateNoScriptTxRedeemed):
		if !b.HasTx(TxNoScriptLock) {
			return TrigSpendConfirmed, nil, nil
		}
		return e.sweepNoScriptLock(ctx, bc, TxNoScriptReclaim, LegRefunded)
	}
	return "", nil, nil
}

// lockDeadline returns the script-chain tip and the height at which the
// lock's refund leaf opens.
func (e *Engine) lockDeadline(ctx context.Context, bc *bidCtx) (tip, deadline int64, err error) {
	b := bc.bid
	if err := e.ensureHeight(ctx, bc, TxScriptLock); err != nil {
		return 0, 0, err
	}
	s := b.Slot(TxScriptLock)
	if s.Height == 0 {
		return 0, 0, fmt.Errorf("%w: lock not mined yet", backend.ErrTransient)
	}
	tip, err = e.tip(ctx, b.CoinFrom)
	if err != nil {
		return 0, 0, err
	}
	return tip, s.Height + int64(b.Scriptless.CSV), nil
}

// checkDeadline fires Deadline once the lock is within the chain's safety
// margin of its refund height.
func (e *Engine) checkDeadline(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	tip, deadline, err := e.lockDeadline(ctx, bc)
	if err != nil {
		return "", nil, err
	}
	margin, _ := e.timeouts(bc.bid.CoinFrom)
	if safeBefore(tip, deadline, margin) {
		return "", nil, nil
	}
	bc.log.Warn("Script lock nearing refund height", "tip", tip, "deadline", deadline)
	return TrigDeadline, &PreRefundData{Deadline: deadline}, nil
}

// followerDeadline also moves to the refund path when the leader's refund
// is already on chain.
func (e *Engine) followerDeadline(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	path, err := e.resolveLockSpend(bc)
	if err != nil {
		return "", nil, err
	}
	if path == LockPathRefund {
		_, deadline, err := e.lockDeadline(ctx, bc)
		if err != nil {
			return "", nil, err
		}
		return TrigDeadline, &PreRefundData{Deadline: deadline}, nil
	}
	return e.checkDeadline(ctx, bc)
}

// resolveLockSpend classifies a spend of the script-chain lock and recovers
// the counterparty's key share from it when it completes one of our
// encrypted signatures.
func (e *Engine) resolveLockSpend(bc *bidCtx) (LockPath, error) {
	b := bc.bid
	x := b.Scriptless
	s := b.Slot(TxScriptLock)
	if s.SpendTxID == "" {
		return LockPathUnknown, nil
	}
	lt, err := lockTree(b)
	if err != nil {
		return LockPathUnknown, err
	}
	path, final, err := lt.SpendPath(s.SpendWitness)
	if err != nil {
		return LockPathUnknown, err
	}

	outcome := LegRedeemed
	if path == LockPathRefund {
		outcome = LegRefunded
	}
	if s.Outcome != outcome {
		s.Outcome = outcome
		bc.dirty = true
	}

	var enc, want []byte
	switch {
	case path == LockPathSpend && b.Role == RoleInitiator:
		enc, want = x.ReleaseSig, x.FollowerSpendPub
	case path == LockPathRefund && b.Role == RoleParticipant:
		enc, want = x.RefundSig, x.LeaderSpendPub
	}
	if enc == nil || len(x.RecoveredShare) > 0 {
		return path, nil
	}
	share, err := recoverShare(enc, final, want)
	if err != nil {
		return path, err
	}
	x.RecoveredShare = share[:]
	bc.dirty = true
	bc.log.Info("Recovered counterparty key share", "spend_txid", s.SpendTxID)
	return path, nil
}

// recoverShare extracts the key share an encrypted signature was tweaked
// with from its published completion.
func recoverShare(enc []byte, final *schnorr.Signature, wantPub []byte) (*adaptor.KeyShare, error) {
	sig, err := adaptor.Parse(enc)
	if err != nil {
		return nil, err
	}
	t, err := sig.Recover(final)
	if err != nil {
		return nil, err
	}
	share, err := adaptor.KeyShareFromSecp256k1(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolFault, err)
	}
	if !bytes.Equal(share.Ed25519Pub(), wantPub) {
		return nil, fmt.Errorf("%w: recovered share does not match its public key", ErrProtocolFault)
	}
	return share, nil
}

// publishScriptLock broadcasts the prebuilt lock tx.
func (e *Engine) publishScriptLock(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	sb, err := e.scriptBackend(b.CoinFrom)
	if err != nil {
		return err
	}
	tx, err := slotTx(b, TxScriptLock)
	if err != nil {
		return err
	}
	txid, err := sb.Broadcast(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to publish lock tx: %w", err)
	}
	b.Slot(TxScriptLock).TxID = txid
	bc.dirty = true
	bc.log.Info("Published script lock", "chain", b.CoinFrom, "txid", txid, "amount", b.Amount)
	return e.commit(ctx, bc)
}

// findNoScriptLock looks for the follower's payment to the shared address.
func (e *Engine) findNoScriptLock(ctx context.Context, bc *bidCtx) (Trigger, StateData, error) {
	b := bc.bid
	xb, err := e.scriptlessBackend(b.CoinTo)
	if err != nil {
		return "", nil, err
	}
	viewKey, spendPub, err := sharedLockKeys(b.Scriptless)
	if err != nil {
		return "", nil, err
	}
	want, err := e.amountTo(b)
	if err != nil {
		return "", nil, err
	}
	lock, err := xb.FindLock(ctx, viewKey, spendPub, want, b.Scriptless.RestoreHeight)
	if err != nil || lock == nil {
		return "", nil, err
	}

	s := b.Slot(TxNoScriptLock)
	if s.TxID != lock.TxID {
		s.TxID, s.Value = lock.TxID, lock.Amount
		bc.dirty = true
		bc.log.Info("Found no-script lock", "chain", b.CoinTo, "txid", lock.TxID, "depth", lock.Depth)
	}
	if lock.Depth < xb.RequiredConfirmations() {
		return "", nil, nil
	}
	s.Confirmations = lock.Depth
	bc.dirty = true
	return TrigSecondLockSeen, nil, nil
}

// releaseLock queues our spend signature on the lock, encrypted to the
// follower's point.
func (e *Engine) releaseLock(bc *bidCtx) error {
	b := bc.bid
	x := b.Scriptless
	if len(x.ReleaseSig) > 0 {
		return nil
	}
	lt, err := lockTree(b)
	if err != nil {
		return err
	}
	hash, _, err := lockSigHash(b, lt, TxScriptLockSpend)
	if err != nil {
		return err
	}
	key, err := e.swapKey(b, keyseed.KeyLock)
	if err != nil {
		return err
	}
	T, err := btcec.ParsePubKey(x.FollowerPoint)
	if err != nil {
		return fmt.Errorf("%w: bad follower point: %v", ErrProtocolFault, err)
	}
	sig, err := adaptor.EncryptedSign(key, hash, T)
	if err != nil {
		return err
	}
	x.ReleaseSig = sig.Serialize()
	return bc.send(MsgLockRelease, &LockReleasePayload{Sig: x.ReleaseSig}, e.now())
}

// refundScriptLock broadcasts the refund once the refund leaf is final.
func (e *Engine) refundScriptLock(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	x := b.Scriptless
	d, ok := b.Data.(*PreRefundData)
	if !ok || b.HasTx(TxScriptLockRefund) {
		return nil
	}
	tip, err := e.tip(ctx, b.CoinFrom)
	if err != nil {
		return err
	}
	if !refundOpen(LockSequenceBlocks, tip, d.Deadline) {
		return nil
	}

	sb, err := e.scriptBackend(b.CoinFrom)
	if err != nil {
		return err
	}
	lt, err := lockTree(b)
	if err != nil {
		return err
	}
	hash, tx, err := lockSigHash(b, lt, TxScriptLockRefund)
	if err != nil {
		return err
	}
	key, err := e.swapKey(b, keyseed.KeyLock)
	if err != nil {
		return err
	}
	share, err := e.keyShare(b, keyseed.KeySpendShare)
	if err != nil {
		return err
	}
	enc, err := adaptor.Parse(x.RefundSig)
	if err != nil {
		return err
	}
	followerSig, err := enc.Decrypt(share.Secp256k1())
	if err != nil {
		return err
	}
	leaderSig, err := schnorr.Sign(key, hash)
	if err != nil {
		return fmt.Errorf("failed to sign refund: %w", err)
	}
	tx.TxIn[0].Witness = lt.RefundWitness(leaderSig, followerSig)

	txid, err := sb.Broadcast(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to publish lock refund: %w", err)
	}
	return e.recordSpend(ctx, bc, TxScriptLockRefund, txid)
}

// sweepNoScriptLock moves the no-script lock to our wallet once both spend
// shares are known, and reports SpendConfirmed when the sweep confirms.
func (e *Engine) sweepNoScriptLock(ctx context.Context, bc *bidCtx, role watch.TxRole, outcome LegOutcome) (Trigger, StateData, error) {
	b := bc.bid
	x := b.Scriptless
	s := b.Slot(role)
	if s.TxID != "" {
		if !s.Confirmed() {
			return "", nil, nil
		}
		b.Slot(TxNoScriptLock).Outcome = outcome
		bc.dirty = true
		return TrigSpendConfirmed, nil, nil
	}
	if len(x.RecoveredShare) == 0 {
		return "", nil, fmt.Errorf("%w: counterparty share unknown", ErrProtocolFault)
	}

	xb, err := e.scriptlessBackend(b.CoinTo)
	if err != nil {
		return "", nil, err
	}
	own, err := e.keyShare(b, keyseed.KeySpendShare)
	if err != nil {
		return "", nil, err
	}
	spendKey, err := addScalars(own.Ed25519().Bytes(), x.RecoveredShare)
	if err != nil {
		return "", nil, err
	}
	viewKey, err := addScalars(x.LeaderView, x.FollowerView)
	if err != nil {
		return "", nil, err
	}
	if err := e.checkWallet(ctx, bc, xb); err != nil {
		return "", nil, err
	}

	var txid string
	err = e.keys.WithWallet(ctx, xb, func(ctx context.Context) error {
		dest, err := xb.GetNewAddress(ctx)
		if err != nil {
			return err
		}
		txid, err = xb.SweepLock(ctx, spendKey, viewKey, x.RestoreHeight, dest)
		return err
	})
	if err != nil {
		return "", nil, fmt.Errorf("failed to sweep no-script lock: %w", err)
	}
	return "", nil, e.recordSpend(ctx, bc, role, txid)
}

// checkAccept validates the leader's accept against the bid. It only
// reads what the two accept messages stored, so it can run again.
func (e *Engine) checkAccept(bc *bidCtx) error {
	b := bc.bid
	x := b.Scriptless

	edPub, T, err := adaptor.ProofPoints(x.AcceptProof)
	if err != nil {
		return err
	}
	x.LeaderSpendPub = edPub
	x.LeaderPoint = T.SerializeCompressed()
	if err := checkScalar(x.LeaderView); err != nil {
		return err
	}
	if x.CSV != b.LockValue {
		return fmt.Errorf("%w: csv %d, offer says %d", ErrProtocolFault, x.CSV, b.LockValue)
	}
	lt, err := lockTree(b)
	if err != nil {
		return err
	}

	lockTx, err := slotTx(b, TxScriptLock)
	if err != nil {
		return err
	}
	lock := b.Slot(TxScriptLock)
	if int(lock.Vout) >= len(lockTx.TxOut) {
		return fmt.Errorf("%w: lock vout %d out of range", ErrProtocolFault, lock.Vout)
	}
	out := lockTx.TxOut[lock.Vout]
	if !bytes.Equal(out.PkScript, lt.PkScript) || out.Value != b.Amount {
		return fmt.Errorf("%w: lock output does not pay %d to the shared lock", ErrProtocolFault, b.Amount)
	}
	lock.Value = out.Value
	lockID := lockTx.TxHash().String()

	refund, err := slotTx(b, TxScriptLockRefund)
	if err != nil {
		return err
	}
	if refund.Version < 2 {
		return fmt.Errorf("%w: refund tx version %d cannot use CSV", ErrProtocolFault, refund.Version)
	}
	if err := checkSpendTx(refund, lockID, lock.Vout, lock.Value, x.CSV, nil); err != nil {
		return fmt.Errorf("%w: refund tx: %v", ErrProtocolFault, err)
	}

	sb, err := e.scriptBackend(b.CoinFrom)
	if err != nil {
		return err
	}
	dest, err := sb.AddressScript(x.FollowerDest)
	if err != nil {
		return err
	}
	spend, err := slotTx(b, TxScriptLockSpend)
	if err != nil {
		return err
	}
	if err := checkSpendTx(spend, lockID, lock.Vout, lock.Value, wire.MaxTxInSequenceNum, dest); err != nil {
		return fmt.Errorf("%w: spend tx: %v", ErrProtocolFault, err)
	}

	x.LockTxID = lockID
	bc.dirty = true
	return nil
}

// signRefund queues our refund signature, encrypted to the leader's point.
func (e *Engine) signRefund(bc *bidCtx) error {
	b := bc.bid
	x := b.Scriptless
	lt, err := lockTree(b)
	if err != nil {
		return err
	}
	hash, _, err := lockSigHash(b, lt, TxScriptLockRefund)
	if err != nil {
		return err
	}
	key, err := e.swapKey(b, keyseed.KeyLock)
	if err != nil {
		return err
	}
	T, err := btcec.ParsePubKey(x.LeaderPoint)
	if err != nil {
		return fmt.Errorf("%w: bad leader point: %v", ErrProtocolFault, err)
	}
	sig, err := adaptor.EncryptedSign(key, hash, T)
	if err != nil {
		return err
	}
	x.RefundSig = sig.Serialize()
	return bc.send(MsgLockRefundSig, &LockRefundSigPayload{Sig: x.RefundSig}, e.now())
}

// publishNoScriptLock pays the bid's coin_to amount to the shared address.
func (e *Engine) publishNoScriptLock(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	xb, err := e.scriptlessBackend(b.CoinTo)
	if err != nil {
		return err
	}
	viewKey, spendPub, err := sharedLockKeys(b.Scriptless)
	if err != nil {
		return err
	}
	viewPub, err := scalarPub(viewKey)
	if err != nil {
		return err
	}
	addr, err := xb.LockAddress(spendPub, viewPub)
	if err != nil {
		return err
	}
	amount, err := e.amountTo(b)
	if err != nil {
		return err
	}
	if err := e.checkWallet(ctx, bc, xb); err != nil {
		return err
	}

	var txid string
	err = e.keys.WithWallet(ctx, xb, func(ctx context.Context) error {
		var err error
		txid, err = xb.PublishLock(ctx, addr, amount)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to publish no-script lock: %w", err)
	}
	s := b.Slot(TxNoScriptLock)
	s.TxID, s.Value = txid, amount
	bc.dirty = true
	bc.log.Info("Published no-script lock", "chain", b.CoinTo, "txid", txid, "amount", amount)
	if err := bc.send(MsgLockPublished, &LockPublishedPayload{TxID: txid}, e.now()); err != nil {
		return err
	}
	return e.commit(ctx, bc)
}

// spendScriptLock completes the leader's released signature and spends
// the lock to our destination.
func (e *Engine) spendScriptLock(ctx context.Context, bc *bidCtx) error {
	b := bc.bid
	x := b.Scriptless
	sb, err := e.scriptBackend(b.CoinFrom)
	if err != nil {
		return err
	}
	lt, err := lockTree(b)
	if err != nil {
		return err
	}
	hash, tx, err := lockSigHash(b, lt, TxScriptLockSpend)
	if err != nil {
		return err
	}
	key, err := e.swapKey(b, keyseed.KeyLock)
	if err != nil {
		return err
	}
	share, err := e.keyShare(b, keyseed.KeySpendShare)
	if err != nil {
		return err
	}
	enc, err := adaptor.Parse(x.ReleaseSig)
	if err != nil {
		return err
	}
	leaderSig, err := enc.Decrypt(share.Secp256k1())
	if err != nil {
		return err
	}
	followerSig, err := schnorr.Sign(key, hash)
	if err != nil {
		return fmt.Errorf("failed to sign lock spend: %w", err)
	}
	tx.TxIn[0].Witness = lt.SpendWitness(leaderSig, followerSig)

	txid, err := sb.Broadcast(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to spend script lock: %w", err)
	}
	return e.recordSpend(ctx, bc, TxScriptLockSpend, txid)
}

// Scriptless message handlers. Each stores what it carries after checking
// it; the step functions act on it.

func (e *Engine) onBidProof(bc *bidCtx, msg *Message) error {
	b := bc.bid
	x := b.Scriptless
	if b.State != StateBidReceiving || len(x.FollowerSpendPub) > 0 {
		return nil
	}
	var p BidProofPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	edPub, T, err := adaptor.ProofPoints(p.Proof)
	if err != nil {
		return err
	}
	x.BidProof = p.Proof
	x.FollowerSpendPub = edPub
	x.FollowerPoint = T.SerializeCompressed()
	bc.dirty = true
	return nil
}

func (e *Engine) onScriptlessAccept(bc *bidCtx, msg *Message) error {
	b := bc.bid
	x := b.Scriptless
	if b.State != StateBidSent || x.HaveAccept {
		return nil
	}
	var p BidAcceptPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	if _, err := btcec.ParsePubKey(p.Pub); err != nil {
		return fmt.Errorf("%w: bad leader key: %v", ErrProtocolFault, err)
	}
	x.LeaderPub = p.Pub
	x.LeaderView = p.View
	x.CSV = p.CSV
	x.RestoreHeight = p.RestoreHeight
	lock := b.Slot(TxScriptLock)
	lock.Raw, lock.Vout = p.LockTx, p.LockVout
	b.Slot(TxScriptLockRefund).Raw = p.RefundTx
	b.Slot(TxScriptLockSpend).Raw = p.SpendTx
	x.HaveAccept = true
	b.ExpireAt = e.now().Add(e.swapCfg.BidExpiry)
	return e.fire(bc, TrigAcceptReceived, nil)
}

func (e *Engine) onAcceptProof(bc *bidCtx, msg *Message) error {
	b := bc.bid
	x := b.Scriptless
	if (b.State != StateBidSent && b.State != StateBidReceivingAcc) || len(x.AcceptProof) > 0 {
		return nil
	}
	var p AcceptProofPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	x.AcceptProof = p.Proof
	bc.dirty = true
	return nil
}

func (e *Engine) onLockRefundSig(bc *bidCtx, msg *Message) error {
	b := bc.bid
	x := b.Scriptless
	if b.State != StateBidAccepted || len(x.RefundSig) > 0 {
		return nil
	}
	var p LockRefundSigPayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	follower, err := btcec.ParsePubKey(x.FollowerPub)
	if err != nil {
		return fmt.Errorf("%w: bad follower key: %v", ErrProtocolFault, err)
	}
	if err := e.checkEncryptedSig(b, p.Sig, TxScriptLockRefund, follower, x.LeaderPoint); err != nil {
		return err
	}
	x.RefundSig = p.Sig
	bc.dirty = true
	return nil
}

func (e *Engine) onLockRelease(bc *bidCtx, msg *Message) error {
	b := bc.bid
	x := b.Scriptless
	switch b.State {
	case StateScriptCoinLocked, StateNoScriptCoinLocked, StateScriptTxPrerefund:
	default:
		return nil
	}
	if len(x.ReleaseSig) > 0 {
		return nil
	}
	var p LockReleasePayload
	if err := msg.Decode(&p); err != nil {
		return err
	}
	leader, err := btcec.ParsePubKey(x.LeaderPub)
	if err != nil {
		return fmt.Errorf("%w: bad leader key: %v", ErrProtocolFault, err)
	}
	if err := e.checkEncryptedSig(b, p.Sig, TxScriptLockSpend, leader, x.FollowerPoint); err != nil {
		return err
	}
	x.ReleaseSig = p.Sig
	bc.dirty = true
	return nil
}

// checkEncryptedSig verifies a counterparty's encrypted signature on the
// prebuilt spend of role, and that it is encrypted to point.
func (e *Engine) checkEncryptedSig(b *Bid, raw []byte, role watch.TxRole, signer *btcec.PublicKey, point []byte) error {
	sig, err := adaptor.Parse(raw)
	if err != nil {
		return err
	}
	lt, err := lockTree(b)
	if err != nil {
		return err
	}
	hash, _, err := lockSigHash(b, lt, role)
	if err != nil {
		return err
	}
	if err := sig.Verify(hash, signer); err != nil {
		return err
	}
	if !bytes.Equal(sig.Point().SerializeCompressed(), point) {
		return fmt.Errorf("%w: %s signature encrypted to the wrong point", ErrProtocolFault, role)
	}
	return nil
}
