// Package chain defines the Helium block type, Merkle root and header hash
// computation, block validation, and the in-memory primary/secondary chains.
package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/heliumproject/heliumd/internal/config"
	"github.com/heliumproject/heliumd/internal/crypt"
	"github.com/heliumproject/heliumd/internal/tx"
)

// Block is a single link in the Helium chain.
type Block struct {
	PrevBlockHash  string            `json:"prevblockhash"`
	Version        string            `json:"version"`
	Timestamp      int64             `json:"timestamp"`
	DifficultyBits int64             `json:"difficulty_bits"`
	Nonce          int64             `json:"nonce"`
	MerkleRoot     string            `json:"merkle_root"`
	Height         int64             `json:"height"`
	Tx             []*tx.Transaction `json:"tx"`
}

// HeaderHash computes SHA-256 over the ASCII concatenation of the block's
// header fields: version, previous-block hash, Merkle root, timestamp,
// difficulty bits, nonce.
func (b *Block) HeaderHash() string {
	s := b.Version + b.PrevBlockHash + b.MerkleRoot +
		strconv.FormatInt(b.Timestamp, 10) +
		strconv.FormatInt(b.DifficultyBits, 10) +
		strconv.FormatInt(b.Nonce, 10)
	return crypt.SHA256Hex(s)
}

// ProofOfWork reports whether the block's header hash, interpreted as an
// unsigned big integer H, satisfies 1/H < difficultyNumber.
func (b *Block) ProofOfWork(difficultyNumber float64) bool {
	h := new(big.Int)
	h.SetString(b.HeaderHash(), 16)
	if h.Sign() == 0 {
		return false
	}

	// 1/H < difficultyNumber  <=>  1 < difficultyNumber * H
	threshold := new(big.Float).SetFloat64(difficultyNumber)
	product := new(big.Float).Mul(threshold, new(big.Float).SetInt(h))
	return product.Cmp(big.NewFloat(1)) > 0
}

// SerializedSize returns the JSON-encoded size of the block, used for the
// block-size limit.
func (b *Block) SerializedSize() (int, error) {
	buf, err := json.Marshal(b)
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// MerkleRootOf computes the Merkle root of a transaction list. If the leaf
// level (or any subsequent level) has an odd count greater than one, the
// last leaf is duplicated before pairing.
func MerkleRootOf(txs []*tx.Transaction) (string, error) {
	if len(txs) == 0 {
		return "", fmt.Errorf("cannot compute merkle root of empty transaction list")
	}

	level, err := makeLeafNodes(txs)
	if err != nil {
		return "", err
	}

	return reduceMerkleLevel(level)
}

func makeLeafNodes(txs []*tx.Transaction) ([]string, error) {
	list := make([]*tx.Transaction, len(txs))
	copy(list, txs)

	if len(list) > 1 && len(list)%2 == 1 {
		list = append(list, list[len(list)-1])
	}

	leaves := make([]string, len(list))
	for i, t := range list {
		canon, err := t.Canonical()
		if err != nil {
			return nil, fmt.Errorf("canonicalize transaction: %w", err)
		}
		leaves[i] = crypt.SHA256Hex(string(canon))
	}
	return leaves, nil
}

func reduceMerkleLevel(level []string) (string, error) {
	for _, h := range level {
		if !crypt.ValidateSHA256Hex(h) {
			return "", fmt.Errorf("merkle level contains a non SHA-256 value")
		}
	}

	if len(level) != 1 && len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}

	if len(level) == 1 {
		return level[0], nil
	}

	parents := make([]string, 0, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		parents = append(parents, crypt.SHA256Hex(level[i]+level[i+1]))
	}

	return reduceMerkleLevel(parents)
}

// ValidationError reports why a block failed validation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid block: " + e.Reason
}

func fail(reason string) error {
	return &ValidationError{Reason: reason}
}

// ValidateStructure checks block against every invariant that does not
// depend on where it attaches to a chain: header fields, size, Merkle root,
// and the genesis/non-genesis transaction shape. Used both as the first
// pass over a block freshly received from a peer (before its attach point
// is known) and as half of the full check Validate performs at commit time.
func ValidateStructure(cfg *config.Config, block *Block) error {
	if block.Version != cfg.VersionNo {
		return fail("wrong version")
	}
	if block.Timestamp < 0 {
		return fail("invalid timestamp")
	}
	if block.DifficultyBits <= 0 {
		return fail("difficulty_bits must be positive")
	}
	if block.Nonce < 0 {
		return fail("nonce must be non-negative")
	}
	if block.Height < 0 {
		return fail("height must be non-negative")
	}

	size, err := block.SerializedSize()
	if err != nil {
		return fmt.Errorf("serialize block: %w", err)
	}
	if size > cfg.MaxBlockSize {
		return fail("block exceeds maximum size")
	}

	root, err := MerkleRootOf(block.Tx)
	if err != nil {
		return fmt.Errorf("compute merkle root: %w", err)
	}
	if root != block.MerkleRoot {
		return fail("merkle root mismatch")
	}

	if block.Height > 0 {
		if len(block.Tx) < 2 {
			return fail("non-genesis block must have at least two transactions")
		}
	} else {
		if block.PrevBlockHash != "" {
			return fail("genesis block must not have a previous hash")
		}
		if len(block.Tx) == 0 || len(block.Tx[0].Vin) != 0 {
			return fail("genesis block must have a zero-input coinbase transaction")
		}
	}

	return nil
}

// ValidateAttachment checks that block extends tip, the current
// primary-chain tip (nil if the chain is empty).
func ValidateAttachment(block *Block, tip *Block) error {
	if tip == nil {
		if block.Height != 0 {
			return fail("genesis block must have height 0")
		}
		return nil
	}

	if block.Height != tip.Height+1 {
		return fail("block height is not in order")
	}
	if block.PrevBlockHash != tip.HeaderHash() {
		return fail("previous block hash mismatch")
	}
	return nil
}

// Validate checks block against every block-level invariant, including
// that it attaches to tip. tip is the current primary-chain tip, or nil if
// the chain is empty.
func Validate(cfg *config.Config, block *Block, tip *Block) error {
	if err := ValidateStructure(cfg, block); err != nil {
		return err
	}
	return ValidateAttachment(block, tip)
}
