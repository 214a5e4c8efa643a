// Package engine owns every piece of shared mutable state in a Helium
// node — the primary and secondary chains, the mempool, the received-block
// queue, the orphan set, the address book, and the active difficulty
// number — behind a single coarse mutex, following the concurrency model of
// a parallel miner and reconciler serialized through one lock.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/blockindex"
	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/chainstate"
	"github.com/heliumproject/heliumd/internal/config"
	"github.com/heliumproject/heliumd/internal/tx"
)

// Engine is the owned, lifecycled aggregate of a running node.
type Engine struct {
	mu sync.Mutex

	cfg        *config.Config
	chainstate *chainstate.Store
	blockIndex *blockindex.Store
	validator  *tx.Validator
	logger     *zap.Logger
	blockDir   string

	primary          []*chain.Block
	secondary        []*chain.Block
	received         []*chain.Block
	orphans          []*chain.Block
	mempool          []*tx.Transaction
	addressList      []string
	difficultyNumber float64
}

// New builds an Engine over the given stores. blockDir is the directory
// committed blocks are serialized into.
func New(cfg *config.Config, cs *chainstate.Store, bi *blockindex.Store, blockDir string, logger *zap.Logger) (*Engine, error) {
	if err := os.MkdirAll(blockDir, 0755); err != nil {
		return nil, fmt.Errorf("create block directory: %w", err)
	}
	return &Engine{
		cfg:              cfg,
		chainstate:       cs,
		blockIndex:       bi,
		validator:        tx.NewValidator(cfg, cs),
		logger:           logger,
		blockDir:         blockDir,
		difficultyNumber: cfg.DifficultyNumber,
	}, nil
}

// Lock acquires the coarse engine mutex. Callers that need to perform a
// multi-step operation — the mining loop's proof-of-work search in
// particular — call Lock/Unlock directly instead of using one of the
// single-step helpers below, and must release the lock between nonce
// attempts so received blocks remain observable.
func (e *Engine) Lock() { e.mu.Lock() }

// Unlock releases the coarse engine mutex.
func (e *Engine) Unlock() { e.mu.Unlock() }

// PrimaryTip returns the tip of the primary chain, or nil if it is empty.
// Callers must hold the lock.
func (e *Engine) PrimaryTip() *chain.Block {
	if len(e.primary) == 0 {
		return nil
	}
	return e.primary[len(e.primary)-1]
}

// PrimaryLen returns the length of the primary chain. Callers must hold
// the lock.
func (e *Engine) PrimaryLen() int { return len(e.primary) }

// SecondaryLen returns the length of the secondary chain. Callers must
// hold the lock.
func (e *Engine) SecondaryLen() int { return len(e.secondary) }

// SecondaryTip returns the tip of the secondary chain, or nil if it is
// empty. Callers must hold the lock.
func (e *Engine) SecondaryTip() *chain.Block {
	if len(e.secondary) == 0 {
		return nil
	}
	return e.secondary[len(e.secondary)-1]
}

// BlockAtHeight returns the primary-chain block at the given height.
// Callers must hold the lock.
func (e *Engine) BlockAtHeight(height int64) (*chain.Block, bool) {
	if height < 0 || height >= int64(len(e.primary)) {
		return nil, false
	}
	return e.primary[height], true
}

// DifficultyNumber returns the active difficulty number. Callers must hold
// the lock.
func (e *Engine) DifficultyNumber() float64 { return e.difficultyNumber }

// SetDifficultyNumber replaces the active difficulty number. Callers must
// hold the lock.
func (e *Engine) SetDifficultyNumber(v float64) { e.difficultyNumber = v }

// Mempool returns a snapshot of the mempool. Callers must hold the lock.
func (e *Engine) Mempool() []*tx.Transaction {
	out := make([]*tx.Transaction, len(e.mempool))
	copy(out, e.mempool)
	return out
}

// MempoolContains reports whether an identical transaction is already in
// the mempool. Callers must hold the lock.
func (e *Engine) MempoolContains(t *tx.Transaction) bool {
	for _, m := range e.mempool {
		if m.TransactionID == t.TransactionID {
			return true
		}
	}
	return false
}

// AddToMempool appends t to the mempool. Callers must hold the lock.
func (e *Engine) AddToMempool(t *tx.Transaction) {
	e.mempool = append(e.mempool, t)
}

// RemoveFromMempoolByID removes any mempool transaction with the given id.
// Callers must hold the lock.
func (e *Engine) RemoveFromMempoolByID(id string) {
	out := e.mempool[:0]
	for _, m := range e.mempool {
		if m.TransactionID != id {
			out = append(out, m)
		}
	}
	e.mempool = out
}

// RemoveBlockTransactionsFromMempool drops every transaction in block from
// the mempool. Callers must hold the lock.
func (e *Engine) RemoveBlockTransactionsFromMempool(block *chain.Block) {
	for _, t := range block.Tx {
		e.RemoveFromMempoolByID(t.TransactionID)
	}
}

// AddressList returns a snapshot of the known peer address list. Callers
// must hold the lock.
func (e *Engine) AddressList() []string {
	out := make([]string, len(e.addressList))
	copy(out, e.addressList)
	return out
}

// AddAddress appends addr to the address list if not already present.
// Callers must hold the lock.
func (e *Engine) AddAddress(addr string) {
	for _, a := range e.addressList {
		if a == addr {
			return
		}
	}
	e.addressList = append(e.addressList, addr)
}

// EnqueueReceivedBlock appends block to the received-block queue. Callers
// must hold the lock.
func (e *Engine) EnqueueReceivedBlock(block *chain.Block) {
	e.received = append(e.received, block)
}

// PopReceivedBlock removes and returns the most recently queued block, LIFO
// order matching the reference reconciler. Callers must hold the lock.
func (e *Engine) PopReceivedBlock() (*chain.Block, bool) {
	if len(e.received) == 0 {
		return nil, false
	}
	block := e.received[len(e.received)-1]
	e.received = e.received[:len(e.received)-1]
	return block, true
}

// ReceivedBlocksLen returns the number of queued, unreconciled blocks.
// Callers must hold the lock.
func (e *Engine) ReceivedBlocksLen() int { return len(e.received) }

// ReceivedBlocksShareTransaction reports whether any block currently queued
// for reconciliation shares a transaction id with candidate. Used by the
// miner to cooperatively cancel an in-progress proof-of-work search.
// Callers must hold the lock.
func (e *Engine) ReceivedBlocksShareTransaction(candidate *chain.Block) bool {
	ids := make(map[string]bool, len(candidate.Tx))
	for _, t := range candidate.Tx {
		ids[t.TransactionID] = true
	}
	for _, block := range e.received {
		for _, t := range block.Tx {
			if ids[t.TransactionID] {
				return true
			}
		}
	}
	return false
}

// Orphans returns a snapshot of the orphan set. Callers must hold the lock.
func (e *Engine) Orphans() []*chain.Block {
	out := make([]*chain.Block, len(e.orphans))
	copy(out, e.orphans)
	return out
}

// AddOrphan appends block to the orphan set. Callers must hold the lock.
func (e *Engine) AddOrphan(block *chain.Block) {
	e.orphans = append(e.orphans, block)
}

// RemoveOrphan removes block from the orphan set by header hash identity.
// Callers must hold the lock.
func (e *Engine) RemoveOrphan(block *chain.Block) {
	target := block.HeaderHash()
	out := e.orphans[:0]
	for _, o := range e.orphans {
		if o.HeaderHash() != target {
			out = append(out, o)
		}
	}
	e.orphans = out
}

// SetPrimaryChain replaces the primary chain. Callers must hold the lock.
func (e *Engine) SetPrimaryChain(blocks []*chain.Block) { e.primary = blocks }

// SetSecondaryChain replaces the secondary chain. Callers must hold the
// lock.
func (e *Engine) SetSecondaryChain(blocks []*chain.Block) { e.secondary = blocks }

// PrimaryChain returns a snapshot of the primary chain. Callers must hold
// the lock.
func (e *Engine) PrimaryChain() []*chain.Block {
	out := make([]*chain.Block, len(e.primary))
	copy(out, e.primary)
	return out
}

// SecondaryChain returns a snapshot of the secondary chain. Callers must
// hold the lock.
func (e *Engine) SecondaryChain() []*chain.Block {
	out := make([]*chain.Block, len(e.secondary))
	copy(out, e.secondary)
	return out
}

// Close closes the underlying chainstate and block index stores.
func (e *Engine) Close() error {
	if err := e.chainstate.Close(); err != nil {
		return fmt.Errorf("close chainstate: %w", err)
	}
	if err := e.blockIndex.Close(); err != nil {
		return fmt.Errorf("close block index: %w", err)
	}
	return nil
}

// Config returns the node's consensus configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Chainstate returns the underlying chainstate store, so that packages
// needing read-only fragment lookups (mempool admission, fee computation)
// don't need their own handle threaded through.
func (e *Engine) Chainstate() *chainstate.Store { return e.chainstate }

// BlockIndex returns the underlying block index store.
func (e *Engine) BlockIndex() *blockindex.Store { return e.blockIndex }

// ApplyBlock validates and applies every transaction in block to the
// chainstate, serializes it to disk, and indexes every transaction id to
// its height. It does not touch the primary or secondary chain lists —
// callers decide where the block belongs once its effects are durable. Any
// failure rolls back every already-applied transaction in block so it
// leaves no trace in the persistent stores. Callers must hold the lock.
func (e *Engine) ApplyBlock(block *chain.Block) error {
	applied := make([]*tx.Transaction, 0, len(block.Tx))
	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			if err := e.chainstate.UnapplyTransaction(applied[i]); err != nil {
				e.logger.Error("rollback failed to unapply transaction",
					zap.String("txid", applied[i].TransactionID), zap.Error(err))
			}
		}
	}

	for i, t := range block.Tx {
		zeroInputs := block.Height == 0 || i == 0
		if _, err := e.validator.Validate(t, zeroInputs); err != nil {
			rollback()
			return fmt.Errorf("apply block: transaction %s: %w", t.TransactionID, err)
		}
		if err := e.chainstate.ApplyTransaction(t); err != nil {
			rollback()
			return fmt.Errorf("apply block: apply transaction %s: %w", t.TransactionID, err)
		}
		applied = append(applied, t)
	}

	if err := e.serializeBlock(block); err != nil {
		rollback()
		return fmt.Errorf("apply block: serialize block: %w", err)
	}

	ctx := context.Background()
	for i, t := range block.Tx {
		if err := e.blockIndex.Put(ctx, t.TransactionID, block.Height); err != nil {
			for _, done := range block.Tx[:i] {
				_ = e.blockIndex.Delete(ctx, done.TransactionID)
			}
			_ = os.Remove(filepath.Join(e.blockDir, fmt.Sprintf("block_%d.dat", block.Height)))
			rollback()
			return fmt.Errorf("apply block: index transaction %s: %w", t.TransactionID, err)
		}
	}

	return nil
}

// Commit runs the acceptance path shared by the miner and the fast path of
// the reconciler: validate that block extends the current primary tip,
// apply it via ApplyBlock, and append it to the primary chain. Callers
// must hold the lock.
func (e *Engine) Commit(block *chain.Block) error {
	tip := e.PrimaryTip()
	if err := chain.Validate(e.cfg, block, tip); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if err := e.ApplyBlock(block); err != nil {
		return err
	}
	e.primary = append(e.primary, block)
	return nil
}

// serializeBlock writes block to block_<height>.dat under the engine's
// block directory. A fork that later commits a different block at the same
// height overwrites this file, mirroring the reference serializer (keyed
// off chain length) and the chainstate's own non-fork-aware simplification.
func (e *Engine) serializeBlock(block *chain.Block) error {
	path := filepath.Join(e.blockDir, fmt.Sprintf("block_%d.dat", block.Height))

	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
