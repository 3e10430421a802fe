// Package swap - HTLC script building for script-variant swaps.
// This file contains the hash/time-locked contract script, its address on
// each chain, and the spend data for its two branches.
package swap

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/chain"
	"github.com/klingon-exchange/swapengine/pkg/helpers"
)

// SecretSize is the size of the HTLC preimage.
const SecretSize = 32

// HTLCTerms are the components of an HTLC script.
type HTLCTerms struct {
	SecretHash     []byte
	ReceiverPubKey []byte
	SenderPubKey   []byte
	LockType       LockType
	LockValue      uint32
}

// BuildHTLCScript creates an HTLC script.
//
// Script structure:
//
//	OP_IF
//	    OP_SIZE 32 OP_EQUALVERIFY
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pubkey>
//	OP_ELSE
//	    <lock_value> OP_CHECKSEQUENCEVERIFY|OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <sender_pubkey>
//	OP_ENDIF
//	OP_CHECKSIG
//
// The receiver claims with the secret; the sender refunds once the lock
// expires.
func BuildHTLCScript(terms *HTLCTerms) ([]byte, error) {
	if len(terms.SecretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(terms.SecretHash))
	}
	if len(terms.ReceiverPubKey) != 33 {
		return nil, fmt.Errorf("receiver pubkey must be 33 bytes (compressed), got %d", len(terms.ReceiverPubKey))
	}
	if len(terms.SenderPubKey) != 33 {
		return nil, fmt.Errorf("sender pubkey must be 33 bytes (compressed), got %d", len(terms.SenderPubKey))
	}
	if terms.LockValue == 0 {
		return nil, fmt.Errorf("lock value must be greater than 0")
	}

	var lockOp byte
	switch terms.LockType {
	case LockSequenceBlocks:
		if terms.LockValue > 0xFFFF {
			return nil, fmt.Errorf("lock value exceeds maximum CSV value (65535)")
		}
		lockOp = txscript.OP_CHECKSEQUENCEVERIFY
	case LockAbsoluteTime:
		if terms.LockValue < txscript.LockTimeThreshold {
			return nil, fmt.Errorf("absolute lock %d is not a timestamp", terms.LockValue)
		}
		lockOp = txscript.OP_CHECKLOCKTIMEVERIFY
	default:
		return nil, fmt.Errorf("unknown lock type %q", terms.LockType)
	}

	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_SIZE).
		AddInt64(SecretSize).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_SHA256).
		AddData(terms.SecretHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(terms.ReceiverPubKey).
		AddOp(txscript.OP_ELSE).
		AddInt64(int64(terms.LockValue)).
		AddOp(lockOp).
		AddOp(txscript.OP_DROP).
		AddData(terms.SenderPubKey).
		AddOp(txscript.OP_ENDIF).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// ParseHTLCScript parses a script built by BuildHTLCScript.
func ParseHTLCScript(script []byte) (*HTLCTerms, error) {
	t := txscript.MakeScriptTokenizer(0, script)
	expect := func(op byte, what string) error {
		if !t.Next() || t.Opcode() != op {
			return fmt.Errorf("expected %s", what)
		}
		return nil
	}
	data := func(size int, what string) ([]byte, error) {
		if !t.Next() || len(t.Data()) != size {
			return nil, fmt.Errorf("expected %d byte %s", size, what)
		}
		return append([]byte(nil), t.Data()...), nil
	}

	terms := &HTLCTerms{}
	var err error
	if err = expect(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_SIZE, "OP_SIZE"); err != nil {
		return nil, err
	}
	if !t.Next() || scriptNum(t.Opcode(), t.Data()) != SecretSize {
		return nil, fmt.Errorf("expected secret size %d", SecretSize)
	}
	if err = expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}
	if terms.SecretHash, err = data(32, "secret hash"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if terms.ReceiverPubKey, err = data(33, "receiver pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}
	if !t.Next() {
		return nil, fmt.Errorf("expected lock value")
	}
	lock := scriptNum(t.Opcode(), t.Data())
	if lock <= 0 || lock > 0xFFFFFFFF {
		return nil, fmt.Errorf("invalid lock value %d", lock)
	}
	terms.LockValue = uint32(lock)
	if !t.Next() {
		return nil, fmt.Errorf("expected lock opcode")
	}
	switch t.Opcode() {
	case txscript.OP_CHECKSEQUENCEVERIFY:
		terms.LockType = LockSequenceBlocks
	case txscript.OP_CHECKLOCKTIMEVERIFY:
		terms.LockType = LockAbsoluteTime
	default:
		return nil, fmt.Errorf("expected OP_CHECKSEQUENCEVERIFY or OP_CHECKLOCKTIMEVERIFY")
	}
	if err = expect(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if terms.SenderPubKey, err = data(33, "sender pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if t.Next() || t.Err() != nil {
		return nil, fmt.Errorf("trailing data after HTLC script")
	}
	return terms, nil
}

// scriptNum decodes a minimally encoded script number push.
func scriptNum(op byte, data []byte) int64 {
	if txscript.IsSmallInt(op) {
		return int64(txscript.AsSmallInt(op))
	}
	if len(data) == 0 || len(data) > 5 {
		return -1
	}
	var v int64
	for i, b := range data {
		v |= int64(b) << (8 * i)
	}
	if data[len(data)-1]&0x80 != 0 {
		v &^= int64(0x80) << (8 * (len(data) - 1))
		v = -v
	}
	return v
}

// ScriptOutput returns the address and output script paying to a swap
// script: P2WSH on SegWit chains, P2SH elsewhere.
func ScriptOutput(params *chain.Params, script []byte) (string, []byte, error) {
	net := params.NetParams()
	if net == nil {
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, params.Symbol)
	}

	var (
		addr btcutil.Address
		err  error
	)
	switch params.HTLCAddressType() {
	case chain.AddressP2WSH:
		h := sha256.Sum256(script)
		addr, err = btcutil.NewAddressWitnessScriptHash(h[:], net)
	default:
		addr, err = btcutil.NewAddressScriptHash(script, net)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to create script address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return addr.EncodeAddress(), pkScript, nil
}

// htlcSpend fills the input of tx that spends an HTLC. A nil secret
// selects the refund branch.
func htlcSpend(params *chain.Params, tx *wire.MsgTx, idx int, script []byte, value int64, key *btcec.PrivateKey, secret []byte) error {
	_, pkScript, err := ScriptOutput(params, script)
	if err != nil {
		return err
	}

	branch := []byte{}
	if secret != nil {
		branch = []byte{1}
	}

	if params.SupportsSegWit {
		fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
		sigHashes := txscript.NewTxSigHashes(tx, fetcher)
		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, idx, value, script, txscript.SigHashAll, key)
		if err != nil {
			return fmt.Errorf("failed to sign HTLC spend: %w", err)
		}
		witness := wire.TxWitness{sig}
		if secret != nil {
			witness = append(witness, secret)
		}
		tx.TxIn[idx].Witness = append(witness, branch, script)
		return nil
	}

	sig, err := txscript.RawTxInSignature(tx, idx, script, txscript.SigHashAll, key)
	if err != nil {
		return fmt.Errorf("failed to sign HTLC spend: %w", err)
	}
	b := txscript.NewScriptBuilder().AddData(sig)
	if secret != nil {
		b.AddData(secret)
	}
	scriptSig, err := b.AddData(branch).AddData(script).Script()
	if err != nil {
		return fmt.Errorf("failed to build HTLC scriptSig: %w", err)
	}
	tx.TxIn[idx].SignatureScript = scriptSig
	return nil
}

// ExtractSecret finds the preimage of secretHash in the spend data of an
// HTLC input. It returns false for a refund spend.
func ExtractSecret(scriptSig []byte, witness [][]byte, secretHash []byte) ([]byte, bool) {
	items := witness
	if len(items) == 0 && len(scriptSig) > 0 {
		pushed, err := txscript.PushedData(scriptSig)
		if err != nil {
			return nil, false
		}
		items = pushed
	}
	for _, item := range items {
		if len(item) == SecretSize && VerifySecret(item, secretHash) {
			return append([]byte(nil), item...), true
		}
	}
	return nil, false
}

// DeriveSecret turns the secret leg key of a swap into its preimage, so a
// restored wallet recovers the same secret.
func DeriveSecret(key *btcec.PrivateKey) (secret, hash []byte) {
	s := sha256.Sum256(key.Serialize())
	h := sha256.Sum256(s[:])
	return s[:], h[:]
}

// VerifySecret checks if a secret matches the expected hash.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != SecretSize || len(expectedHash) != 32 {
		return false
	}
	actual := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(actual[:], expectedHash)
}
