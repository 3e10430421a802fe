// Package swap - Taproot lock for scriptless swaps.
// This file builds the script-chain lock of an adaptor-signature swap: a
// Taproot output whose internal key is unspendable, with a cooperative
// leaf and a CSV refund leaf.
package swap

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// numsKey is the BIP341 "nothing up my sleeve" point. Nobody knows its
// discrete log, so the lock can only be spent through a leaf.
var numsKey = func() *btcec.PublicKey {
	b, _ := hex.DecodeString("50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0")
	k, err := schnorr.ParsePubKey(b)
	if err != nil {
		panic(err)
	}
	return k
}()

// LockTree is the Taproot output of a scriptless swap lock.
type LockTree struct {
	// SpendScript needs both keys: <leader> CHECKSIGVERIFY <follower> CHECKSIG
	SpendScript []byte
	// RefundScript needs both keys after CSV blocks:
	// <csv> CSV DROP <follower> CHECKSIGVERIFY <leader> CHECKSIG
	RefundScript []byte

	SpendLeaf  txscript.TapLeaf
	RefundLeaf txscript.TapLeaf

	SpendControl  []byte
	RefundControl []byte

	OutputKey *btcec.PublicKey
	PkScript  []byte
	CSV       uint32
}

// BuildLockTree creates the lock output for the leader and follower keys.
func BuildLockTree(leader, follower *btcec.PublicKey, csv uint32) (*LockTree, error) {
	if leader == nil || follower == nil {
		return nil, fmt.Errorf("lock keys cannot be nil")
	}
	if csv == 0 || csv > 0xFFFF {
		return nil, fmt.Errorf("csv must be in 1..65535, got %d", csv)
	}

	spend, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(leader)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(schnorr.SerializePubKey(follower)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build spend script: %w", err)
	}

	refund, err := txscript.NewScriptBuilder().
		AddInt64(int64(csv)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(follower)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(schnorr.SerializePubKey(leader)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build refund script: %w", err)
	}

	lt := &LockTree{
		SpendScript:  spend,
		RefundScript: refund,
		SpendLeaf:    txscript.NewBaseTapLeaf(spend),
		RefundLeaf:   txscript.NewBaseTapLeaf(refund),
		CSV:          csv,
	}
	tree := txscript.AssembleTaprootScriptTree(lt.SpendLeaf, lt.RefundLeaf)
	root := tree.RootNode.TapHash()
	lt.OutputKey = txscript.ComputeTaprootOutputKey(numsKey, root[:])

	lt.SpendControl, err = controlBlock(tree, lt.SpendLeaf)
	if err != nil {
		return nil, err
	}
	lt.RefundControl, err = controlBlock(tree, lt.RefundLeaf)
	if err != nil {
		return nil, err
	}

	lt.PkScript, err = txscript.PayToTaprootScript(lt.OutputKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build taproot output: %w", err)
	}
	return lt, nil
}

func controlBlock(tree *txscript.IndexedTapScriptTree, leaf txscript.TapLeaf) ([]byte, error) {
	idx, ok := tree.LeafProofIndex[leaf.TapHash()]
	if !ok {
		return nil, fmt.Errorf("leaf not in tree")
	}
	ctrl := tree.LeafMerkleProofs[idx].ToControlBlock(numsKey)
	b, err := ctrl.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize control block: %w", err)
	}
	return b, nil
}

// SigHash returns the BIP341 script-path sighash of input 0 of tx, which
// spends value from the lock through leaf.
func (lt *LockTree) SigHash(tx *wire.MsgTx, value int64, leaf txscript.TapLeaf) ([]byte, error) {
	fetcher := txscript.NewCannedPrevOutputFetcher(lt.PkScript, value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	return txscript.CalcTapscriptSignaturehash(sigHashes, txscript.SigHashDefault, tx, 0, fetcher, leaf)
}

// SpendWitness is the cooperative-leaf witness. The leader's signature is
// checked first, so it sits on top of the stack.
func (lt *LockTree) SpendWitness(leaderSig, followerSig *schnorr.Signature) wire.TxWitness {
	return wire.TxWitness{
		followerSig.Serialize(),
		leaderSig.Serialize(),
		lt.SpendScript,
		lt.SpendControl,
	}
}

// RefundWitness is the refund-leaf witness, follower signature on top.
func (lt *LockTree) RefundWitness(leaderSig, followerSig *schnorr.Signature) wire.TxWitness {
	return wire.TxWitness{
		leaderSig.Serialize(),
		followerSig.Serialize(),
		lt.RefundScript,
		lt.RefundControl,
	}
}

// LockPath is the leaf a lock spend went through.
type LockPath int

const (
	LockPathUnknown LockPath = iota
	LockPathSpend
	LockPathRefund
)

// SpendPath identifies the leaf used by a witness spending the lock, and
// returns the signature the counterparty completed: the leader's on the
// cooperative leaf, the follower's on the refund leaf.
func (lt *LockTree) SpendPath(witness [][]byte) (LockPath, *schnorr.Signature, error) {
	if len(witness) != 4 {
		return LockPathUnknown, nil, fmt.Errorf("%w: unexpected lock witness size %d", ErrProtocolFault, len(witness))
	}
	var path LockPath
	switch string(witness[2]) {
	case string(lt.SpendScript):
		path = LockPathSpend
	case string(lt.RefundScript):
		path = LockPathRefund
	default:
		return LockPathUnknown, nil, fmt.Errorf("%w: lock spent through an unknown leaf", ErrProtocolFault)
	}
	sig, err := schnorr.ParseSignature(witness[1])
	if err != nil {
		return path, nil, fmt.Errorf("%w: bad lock signature: %v", ErrProtocolFault, err)
	}
	return path, sig, nil
}
