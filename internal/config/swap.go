package config

import "time"

// SwapConfig holds atomic swap timing parameters.
type SwapConfig struct {
	// BidExpiry is how long a received bid may wait for acceptance.
	BidExpiry time.Duration `yaml:"bid_expiry"`

	// InitiatorLockTime is how long the initiator's funds are locked when
	// the offer uses an absolute (CLTV) lock. Must exceed ParticipantLockTime.
	InitiatorLockTime time.Duration `yaml:"initiator_lock_time"`

	// ParticipantLockTime is the participant's absolute lock duration.
	ParticipantLockTime time.Duration `yaml:"participant_lock_time"`

	// MinLockTimeDelta is the minimum difference between the two locks.
	MinLockTimeDelta time.Duration `yaml:"min_lock_time_delta"`

	// SecretSize is the size of the HTLC preimage in bytes.
	SecretSize int `yaml:"secret_size"`
}

// DefaultSwapConfig returns the default swap configuration.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		BidExpiry:           30 * time.Minute,
		InitiatorLockTime:   48 * time.Hour,
		ParticipantLockTime: 24 * time.Hour,
		MinLockTimeDelta:    12 * time.Hour,
		SecretSize:          32,
	}
}

// ChainTimeoutConfig holds relative (CSV) lock lengths for a chain, in blocks.
type ChainTimeoutConfig struct {
	// InitiatorBlocks locks the first mover's funds, and the script-chain
	// lock in scriptless swaps.
	InitiatorBlocks uint32

	// ParticipantBlocks locks the second mover's funds, and the refund
	// branch of the script-chain lock in scriptless swaps.
	ParticipantBlocks uint32

	// SafetyMarginBlocks is the number of blocks before timeout after which
	// no redeem is attempted, so claim and refund never race.
	SafetyMarginBlocks uint32

	// AvgBlockTimeSeconds is used for time estimates only.
	AvgBlockTimeSeconds uint32
}

// ChainTimeouts defines mainnet relative lock lengths.
var ChainTimeouts = map[string]ChainTimeoutConfig{
	"BTC": {
		InitiatorBlocks:     144, // ~24 hours at 10 min/block
		ParticipantBlocks:   72,
		SafetyMarginBlocks:  6,
		AvgBlockTimeSeconds: 600,
	},
	"LTC": {
		InitiatorBlocks:     576, // ~24 hours at 2.5 min/block
		ParticipantBlocks:   288,
		SafetyMarginBlocks:  24,
		AvgBlockTimeSeconds: 150,
	},
	"DOGE": {
		InitiatorBlocks:     1440,
		ParticipantBlocks:   720,
		SafetyMarginBlocks:  60,
		AvgBlockTimeSeconds: 60,
	},
	"DASH": {
		InitiatorBlocks:     576,
		ParticipantBlocks:   288,
		SafetyMarginBlocks:  24,
		AvgBlockTimeSeconds: 150,
	},
	"PART": {
		InitiatorBlocks:     720, // 2 min blocks
		ParticipantBlocks:   360,
		SafetyMarginBlocks:  30,
		AvgBlockTimeSeconds: 120,
	},
}

// TestnetChainTimeouts uses shorter locks but still leaves room for the
// complete flow (lock, confirm, redeem).
var TestnetChainTimeouts = map[string]ChainTimeoutConfig{
	"BTC":  {InitiatorBlocks: 72, ParticipantBlocks: 36, SafetyMarginBlocks: 6, AvgBlockTimeSeconds: 600},
	"LTC":  {InitiatorBlocks: 288, ParticipantBlocks: 144, SafetyMarginBlocks: 24, AvgBlockTimeSeconds: 150},
	"DOGE": {InitiatorBlocks: 720, ParticipantBlocks: 360, SafetyMarginBlocks: 60, AvgBlockTimeSeconds: 60},
	"DASH": {InitiatorBlocks: 288, ParticipantBlocks: 144, SafetyMarginBlocks: 24, AvgBlockTimeSeconds: 150},
	"PART": {InitiatorBlocks: 360, ParticipantBlocks: 180, SafetyMarginBlocks: 30, AvgBlockTimeSeconds: 120},
}

// GetChainTimeout returns the timeout configuration for a chain.
func GetChainTimeout(symbol string, isTestnet bool) (ChainTimeoutConfig, bool) {
	if isTestnet {
		cfg, ok := TestnetChainTimeouts[symbol]
		return cfg, ok
	}
	cfg, ok := ChainTimeouts[symbol]
	return cfg, ok
}

// IsSafeToComplete reports whether currentHeight leaves more than
// safetyMargin blocks before timeoutHeight.
func IsSafeToComplete(currentHeight, timeoutHeight uint32, safetyMargin uint32) bool {
	if currentHeight >= timeoutHeight {
		return false
	}
	return currentHeight+safetyMargin < timeoutHeight
}

// BlocksUntilTimeout returns the number of blocks until timeout.
// Returns 0 if already past timeout.
func BlocksUntilTimeout(currentHeight, timeoutHeight uint32) uint32 {
	if currentHeight >= timeoutHeight {
		return 0
	}
	return timeoutHeight - currentHeight
}

// EstimateTimeUntilTimeout estimates the time until timeout based on block time.
func EstimateTimeUntilTimeout(currentHeight, timeoutHeight uint32, avgBlockTimeSeconds uint32) time.Duration {
	blocks := BlocksUntilTimeout(currentHeight, timeoutHeight)
	return time.Duration(blocks) * time.Duration(avgBlockTimeSeconds) * time.Second
}
