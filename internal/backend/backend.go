// Package backend implements the chain capability contract the swap engine
// relies on. There is one backend per chain daemon; protocol code only ever
// sees ChainBackend and the optional ScriptBackend/ScriptlessBackend
// capabilities, never a chain-specific type.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/klingon-exchange/swapengine/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidTx          = errors.New("invalid transaction")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrTxRejected         = errors.New("transaction rejected by consensus rules")
	ErrTransient          = errors.New("transient backend fault")
	ErrWalletLocked       = errors.New("wallet is locked")
	ErrWalletNotEncrypted = errors.New("wallet is not encrypted")
	ErrOldPasswordNeeded  = errors.New("old password must be set")
	ErrUnsupported        = errors.New("operation not supported by backend")
	ErrUnsupportedChain   = errors.New("unsupported chain")
)

// SeedNotFound is the fingerprint reported for a wallet without an HD seed.
// It never equals a real fingerprint.
const SeedNotFound = "Not found"

// Daemon error codes shared by bitcoin-family daemons.
const (
	rpcCodeInvalidAddressOrKey = -5
	rpcCodeWalletUnlockNeeded  = -13
	rpcCodeWalletWrongEncState = -15
	rpcCodeVerifyError         = -25
	rpcCodeVerifyRejected      = -26
)

// Reject reasons that clear by themselves once a lock matures or fees are
// bumped. They stay retryable broadcast failures.
var retryableRejects = []string{
	"non-final",
	"non-bip68-final",
	"fee",
	"too-long-mempool-chain",
	"txn-mempool-conflict",
}

// RPCError is an application error returned by a chain daemon. The daemon
// answered, so it never counts as a transport failure.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Is maps well known daemon codes onto package sentinels.
func (e *RPCError) Is(target error) bool {
	switch e.Code {
	case rpcCodeWalletUnlockNeeded:
		return target == ErrWalletLocked
	case rpcCodeInvalidAddressOrKey:
		return target == ErrTxNotFound || target == ErrInvalidAddress
	case rpcCodeWalletWrongEncState:
		return target == ErrWalletNotEncrypted
	case rpcCodeVerifyError, rpcCodeVerifyRejected:
		return target == ErrTxRejected && !e.retryableReject()
	}
	return false
}

// seedReadError wraps a failure to read the wallet seed fingerprint. The
// check is retried later, so anything but a locked wallet is transient.
func seedReadError(symbol string, err error) error {
	if errors.Is(err, ErrWalletLocked) || errors.Is(err, ErrTransient) {
		return fmt.Errorf("read %s wallet seed: %w", symbol, err)
	}
	return fmt.Errorf("%w: read %s wallet seed: %w", ErrTransient, symbol, err)
}

func (e *RPCError) retryableReject() bool {
	msg := strings.ToLower(e.Message)
	for _, reason := range retryableRejects {
		if strings.Contains(msg, reason) {
			return true
		}
	}
	return false
}

// TxSummary is a confirmed wallet transaction.
type TxSummary struct {
	TxID   string `json:"txid"`
	Amount int64  `json:"amount"`
	Height int64  `json:"height"`
}

// TxDepth is the confirmation state of a transaction. Depth is -1 while the
// transaction is unconfirmed.
type TxDepth struct {
	Depth     int
	BlockHash string
	BlockTime int64
}

// OutPoint references a transaction output.
type OutPoint struct {
	TxID  string
	Index uint32
}

// TxOut is a transaction output as seen in a block.
type TxOut struct {
	Index  uint32
	Value  int64
	Script []byte
}

// BlockTx is a transaction as seen in a block: the outputs it spends and the
// outputs it creates, plus the raw witness/scriptSig data of each input.
type BlockTx struct {
	TxID    string
	Inputs  []TxIn
	Outputs []TxOut
}

// TxIn is a transaction input as seen in a block.
type TxIn struct {
	PrevOut   OutPoint
	ScriptSig []byte
	Witness   [][]byte
}

// Block is a block with its transactions decoded.
type Block struct {
	Hash   string
	Height int64
	Time   int64
	Txs    []BlockTx
}

// ChainBackend is the capability contract every chain implements.
type ChainBackend interface {
	Symbol() string
	Params() *chain.Params

	// Connect checks the daemon is reachable.
	Connect(ctx context.Context) error
	Close() error

	// DecodeAddress strips the version/prefix bytes and returns the
	// pubkey hash (or public spend key for XMR).
	DecodeAddress(address string) ([]byte, error)
	// EncodeKey encodes a private key in the chain's import format.
	EncodeKey(key []byte) (string, error)

	GetNewAddress(ctx context.Context) (string, error)
	// GetSpendableBalance excludes unconfirmed and immature funds.
	GetSpendableBalance(ctx context.Context) (int64, error)

	// EstimateFee applies round(feeRate * size / 1000). With unsigned set,
	// the chain's signature allowance is added to size first.
	EstimateFee(txSize int, feeRate int64, unsigned bool) int64

	// FindConfirmedWalletTxn returns nil, nil for unknown transactions
	// and for transactions below the confirmation threshold.
	FindConfirmedWalletTxn(ctx context.Context, txid string) (*TxSummary, error)
	// GetTxDepth reports confirmation depth of any transaction.
	GetTxDepth(ctx context.Context, txid string) (*TxDepth, error)
	RequiredConfirmations() int

	// InitialiseWalletFromSeed rebuilds the wallet key tree from seed.
	InitialiseWalletFromSeed(ctx context.Context, seed []byte, restoreTime int64) error
	// SeedFingerprint computes the fingerprint the wallet will report
	// once initialised from seed.
	SeedFingerprint(seed []byte) (string, error)
	// CheckWalletMatchesSeed reports false with a nil error for a wallet
	// holding another seed or none. A wallet that could not be read
	// returns the error, typically ErrTransient or ErrWalletLocked.
	CheckWalletMatchesSeed(ctx context.Context, expected string) (bool, error)
	SeedChecked() bool
	SeedWarning() bool

	IsWalletEncrypted(ctx context.Context) (bool, error)
	UnlockWallet(ctx context.Context, passphrase string) error
	LockWallet(ctx context.Context) error
	EncryptWallet(ctx context.Context, oldPass, newPass string, checkSeed bool) error
	ChangeWalletPassword(ctx context.Context, oldPass, newPass string, checkSeed bool) error
}

// BlockSource gives block-level access for scanning.
type BlockSource interface {
	GetBlockHeight(ctx context.Context) (int64, error)
	GetBlock(ctx context.Context, height int64) (*Block, error)
}

// ScriptBackend is implemented by chains that can hold swap scripts.
type ScriptBackend interface {
	ChainBackend
	BlockSource

	// BuildScriptForPubkeyHash returns the chain's canonical
	// pay-to-pubkey-hash output script.
	BuildScriptForPubkeyHash(pkh []byte) ([]byte, error)
	// AddressScript returns the output script paying to address.
	AddressScript(address string) ([]byte, error)

	GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	// SendToAddress pays value from the wallet.
	SendToAddress(ctx context.Context, address string, value int64) (string, error)
	// WithdrawCoin pays value from the wallet, optionally subtracting
	// the fee from the amount.
	WithdrawCoin(ctx context.Context, value int64, address string, subfee bool) (string, error)
	// FundTransaction adds wallet inputs and change to tx and signs them
	// without broadcasting, so the txid is known before publication.
	FundTransaction(ctx context.Context, tx *wire.MsgTx) (*wire.MsgTx, error)
	// FeeRate returns the current fee rate in smallest units per 1000 bytes.
	FeeRate(ctx context.Context) (int64, error)
}

// LockOutput is a payment found in a shared scriptless lock.
type LockOutput struct {
	TxID   string
	Amount int64
	Depth  int
}

// ScriptlessBackend is implemented by chains that only support swaps
// through split keys (XMR).
type ScriptlessBackend interface {
	ChainBackend

	// LockAddress encodes the shared address for the summed keys.
	LockAddress(spendPub, viewPub []byte) (string, error)
	// PublishLock pays amount to the shared address.
	PublishLock(ctx context.Context, address string, amount int64) (string, error)
	// FindLock looks for a payment of at least minAmount to the shared
	// address using a temporary view-only wallet. Returns nil, nil if none.
	FindLock(ctx context.Context, viewKey, spendPub []byte, minAmount int64, restoreHeight uint64) (*LockOutput, error)
	// SweepLock moves the whole lock to dest using the full spend key.
	SweepLock(ctx context.Context, spendKey, viewKey []byte, restoreHeight uint64, dest string) (string, error)
	GetBlockHeight(ctx context.Context) (int64, error)
}

// feeForSize implements the linear fee model shared by all backends.
func feeForSize(size int, feeRate int64) int64 {
	if size <= 0 || feeRate <= 0 {
		return 0
	}
	// round half up without floating point; the whole part of the rate
	// is split off so large rates do not overflow the product
	whole, frac := feeRate/1000, feeRate%1000
	return whole*int64(size) + (frac*int64(size)+500)/1000
}
