package swap

import (
	"context"
	"errors"

	"github.com/klingon-exchange/swapengine/internal/adaptor"
	"github.com/klingon-exchange/swapengine/internal/backend"
	"github.com/klingon-exchange/swapengine/internal/keyseed"
)

// ErrProtocolFault marks a counterparty message or chain artifact that is
// inconsistent with the agreed swap.
var ErrProtocolFault = errors.New("protocol fault")

// FaultClass is how a failed tick is handled.
type FaultClass int

const (
	// FaultTransient leaves the bid untouched; the tick is retried.
	FaultTransient FaultClass = iota + 1
	// FaultInvalidInput is rejected at the boundary.
	FaultInvalidInput
	// FaultSeedMismatch flags the bid untrusted and carries on.
	FaultSeedMismatch
	// FaultProtocol moves the bid to BID_ERROR, or to the refund path
	// once funds are locked.
	FaultProtocol
	// FaultWalletLocked waits for the wallet to be unlocked.
	FaultWalletLocked
)

func (c FaultClass) String() string {
	switch c {
	case FaultTransient:
		return "transient"
	case FaultInvalidInput:
		return "invalid_input"
	case FaultSeedMismatch:
		return "seed_mismatch"
	case FaultProtocol:
		return "protocol"
	case FaultWalletLocked:
		return "wallet_locked"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the fault taxonomy. Anything unrecognised is
// a protocol fault, so unknown failures lead toward the refund path.
func Classify(err error) FaultClass {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, backend.ErrWalletLocked), errors.Is(err, keyseed.ErrLocked):
		return FaultWalletLocked
	case errors.Is(err, backend.ErrTxRejected):
		// A daemon rejecting our transaction on consensus grounds will
		// keep rejecting it.
		return FaultProtocol
	case errors.Is(err, backend.ErrTransient),
		errors.Is(err, backend.ErrBroadcastFailed),
		errors.Is(err, backend.ErrNotConnected),
		errors.Is(err, errStoreFailed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return FaultTransient
	case errors.Is(err, keyseed.ErrSeedMismatch):
		return FaultSeedMismatch
	case errors.Is(err, ErrProtocolFault),
		errors.Is(err, ErrSecretMismatch),
		errors.Is(err, adaptor.ErrInvalidSignature),
		errors.Is(err, adaptor.ErrWrongTweak),
		errors.Is(err, adaptor.ErrDLEQ):
		return FaultProtocol
	case errors.Is(err, backend.ErrInvalidAddress),
		errors.Is(err, backend.ErrInvalidAmount),
		errors.Is(err, ErrInvalidOffer),
		errors.Is(err, ErrInvalidBid):
		return FaultInvalidInput
	}
	return FaultProtocol
}
