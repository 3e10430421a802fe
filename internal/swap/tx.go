// Package swap - Transaction building for atomic swaps.
// This file builds the single-input transactions that spend swap locks and
// checks the ones the counterparty builds for us to sign.
package swap

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/backend"
)

// Transaction errors
var (
	ErrInvalidTxID     = errors.New("invalid transaction ID")
	ErrOutputNotFound  = errors.New("output not found")
	ErrDustOutput      = errors.New("output below dust after fee")
	ErrFeeTooHigh      = errors.New("spend fee exceeds cap")
	ErrUnexpectedSpend = errors.New("spend transaction does not match terms")
)

// dustLimit is the smallest output a spend may create.
const dustLimit = 546

// maxFeeDivisor caps a counterparty-built spend fee at 1/20 (5%) of the
// value it spends.
const maxFeeDivisor = 20

// spendRequest describes a transaction moving one lock output to dest.
type spendRequest struct {
	TxID  string
	Vout  uint32
	Value int64

	Dest     []byte
	Sequence uint32
	LockTime uint32
	Version  int32

	// SpendItems are the input's spend data other than our signature.
	// They size the fee; the chain's unsigned allowance covers the
	// signature.
	SpendItems [][]byte
	Segwit     bool
	FeeRate    int64
}

// buildSpendTx creates the unsigned spend transaction, paying Value minus
// fee to Dest.
func buildSpendTx(b backend.ChainBackend, req *spendRequest) (*wire.MsgTx, error) {
	hash, err := chainhash.NewHashFromStr(req.TxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, req.TxID)
	}

	version := req.Version
	if version == 0 {
		version = 2
	}
	tx := wire.NewMsgTx(version)
	txIn := wire.NewTxIn(wire.NewOutPoint(hash, req.Vout), nil, nil)
	txIn.Sequence = req.Sequence
	if txIn.Sequence == 0 {
		txIn.Sequence = wire.MaxTxInSequenceNum
	}
	tx.AddTxIn(txIn)
	tx.LockTime = req.LockTime
	// placeholder output so the size estimate includes it
	tx.AddTxOut(wire.NewTxOut(0, req.Dest))

	size := estimateSpendSize(tx, req.Segwit, req.SpendItems)
	fee := b.EstimateFee(size, req.FeeRate, true)
	value := req.Value - fee
	if value < dustLimit {
		return nil, fmt.Errorf("%w: %d - fee %d", ErrDustOutput, req.Value, fee)
	}
	tx.TxOut[0].Value = value
	return tx, nil
}

// estimateSpendSize returns the virtual size of tx once its only input
// carries items.
func estimateSpendSize(tx *wire.MsgTx, segwit bool, items [][]byte) int {
	base := tx.SerializeSizeStripped()
	n := 0
	for _, item := range items {
		n += wire.VarIntSerializeSize(uint64(len(item))) + len(item)
	}
	if !segwit {
		return base + wire.VarIntSerializeSize(uint64(n)) + n
	}
	// item count, marker and flag
	n += wire.VarIntSerializeSize(uint64(len(items)+1)) + 2
	return base + (n+3)/4
}

// checkSpendTx verifies a counterparty-built spend of the lock at
// (txid, vout): one input spending it with the given sequence, one output
// paying dest, and a fee within the cap.
func checkSpendTx(tx *wire.MsgTx, txid string, vout uint32, value int64, sequence uint32, dest []byte) error {
	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		return fmt.Errorf("%w: want one input and one output, got %d/%d", ErrUnexpectedSpend, len(tx.TxIn), len(tx.TxOut))
	}
	in := tx.TxIn[0]
	if in.PreviousOutPoint.Hash.String() != txid || in.PreviousOutPoint.Index != vout {
		return fmt.Errorf("%w: spends %s", ErrUnexpectedSpend, in.PreviousOutPoint)
	}
	if in.Sequence != sequence {
		return fmt.Errorf("%w: sequence %d, want %d", ErrUnexpectedSpend, in.Sequence, sequence)
	}
	if dest != nil && !bytes.Equal(tx.TxOut[0].PkScript, dest) {
		return fmt.Errorf("%w: pays the wrong script", ErrUnexpectedSpend)
	}
	fee := value - tx.TxOut[0].Value
	if fee < 0 {
		return fmt.Errorf("%w: output exceeds lock value", ErrUnexpectedSpend)
	}
	if fee*maxFeeDivisor > value {
		return fmt.Errorf("%w: fee %d on %d", ErrFeeTooHigh, fee, value)
	}
	return nil
}

// findOutput returns the index and value of the first output of tx paying
// pkScript.
func findOutput(tx *wire.MsgTx, pkScript []byte) (uint32, int64, error) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), out.Value, nil
		}
	}
	return 0, 0, ErrOutputNotFound
}

// SerializeTx serializes a transaction with its witness data.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// DeserializeTx parses a serialized transaction.
func DeserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}
