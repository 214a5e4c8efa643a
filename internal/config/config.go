// Package config holds the tunable parameters that configure a Helium node.
package config

// Config mirrors the enumerated parameters of the original hconfig module.
// Every field has a single normative default; nothing here is meant to vary
// between mainnet-style deployments.
type Config struct {
	// VersionNo is the Helium protocol version string carried by every
	// transaction and block.
	VersionNo string

	// MaxHeliumCoins is the maximum number of Helium coins that can ever
	// be mined.
	MaxHeliumCoins int64

	// HeliumCent is the smallest Helium currency unit, expressed as a
	// fraction of one coin.
	HeliumCent float64

	// MaxBlockSize is the maximum serialized size of a block, in bytes.
	MaxBlockSize int

	// MaxLockTime is the maximum number of seconds a transaction may be
	// locked for.
	MaxLockTime int64

	// MaxInputs is the maximum number of inputs in a transaction.
	MaxInputs int

	// MaxOutputs is the maximum number of outputs in a transaction.
	MaxOutputs int

	// CoinbaseInterval is the number of blocks that must be mined after a
	// reference block before that block's coinbase transaction may be
	// spent.
	CoinbaseInterval int64

	// CoinbaseLockTime is the number of blocks for which a coinbase
	// transaction is locked.
	CoinbaseLockTime int64

	// Nonce is the starting nonce value used by candidate blocks before
	// mining begins.
	Nonce int64

	// DifficultyBits is the informational difficulty exponent carried on
	// every block header.
	DifficultyBits int64

	// DifficultyNumber is the proof-of-work threshold: a block header
	// hash, interpreted as an unsigned integer H, solves the block when
	// 1/H < DifficultyNumber.
	DifficultyNumber float64

	// RetargetInterval is the number of blocks between difficulty
	// retargets.
	RetargetInterval int64

	// MiningReward is the initial block reward, before any halving.
	MiningReward int64

	// RewardInterval is the number of blocks between reward halvings.
	RewardInterval int64
}

// Default returns the normative Helium parameter set, matching the values
// fixed by the original hconfig module. Callers that need a different data
// directory or network listener still use these consensus constants
// unmodified — only the ambient deployment surface (cmd/heliumnode) varies.
func Default() *Config {
	return &Config{
		VersionNo:        "1",
		MaxHeliumCoins:   21_000_000,
		HeliumCent:       1.0 / 100_000_000,
		MaxBlockSize:     1_000_000,
		MaxLockTime:      30 * 1440 * 60,
		MaxInputs:        10,
		MaxOutputs:       10,
		CoinbaseInterval: 100,
		CoinbaseLockTime: 36,
		Nonce:            0,
		DifficultyBits:   20,
		DifficultyNumber: 1.0 / 1e20,
		RetargetInterval: 1000,
		MiningReward:     5_000_000,
		RewardInterval:   210_000,
	}
}
