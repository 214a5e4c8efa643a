// Package reconcile drains blocks delivered from peers and attaches them to
// the primary or secondary chain, handling forks, orphans, and difficulty
// retargeting.
package reconcile

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/engine"
	"github.com/heliumproject/heliumd/internal/metrics"
)

// Propagator fans a reconciled block out to the rest of the network.
type Propagator interface {
	PropagateBlock(block *chain.Block)
}

// Reconciler attaches blocks received from peers to the chain held by eng.
type Reconciler struct {
	eng        *engine.Engine
	propagator Propagator
	logger     *zap.Logger
}

// New builds a Reconciler over eng.
func New(eng *engine.Engine, propagator Propagator, logger *zap.Logger) *Reconciler {
	return &Reconciler{eng: eng, propagator: propagator, logger: logger}
}

// ReceiveBlock admits a block delivered from a peer into the received-block
// queue and immediately drains the queue. It rejects blocks already present
// at the head of either chain, blocks that fail proof-of-work or
// validation, and blocks too far from the current primary tip.
func (r *Reconciler) ReceiveBlock(block *chain.Block) error {
	r.eng.Lock()
	defer r.eng.Unlock()

	hash := block.HeaderHash()

	if !block.ProofOfWork(r.eng.DifficultyNumber()) {
		metrics.BlocksReceived.WithLabelValues("bad_proof_of_work").Inc()
		return fmt.Errorf("block proof of work failed")
	}

	tip := r.eng.PrimaryTip()
	if err := chain.ValidateStructure(r.eng.Config(), block); err != nil {
		metrics.BlocksReceived.WithLabelValues("invalid_structure").Inc()
		return fmt.Errorf("receive block: %w", err)
	}

	if tip != nil {
		if block.Height < tip.Height-2 {
			metrics.BlocksReceived.WithLabelValues("too_old").Inc()
			return fmt.Errorf("block height too old: %d", block.Height)
		}
		if block.Height > tip.Height+1 {
			metrics.BlocksReceived.WithLabelValues("too_far_ahead").Inc()
			return fmt.Errorf("block height too far in the future: %d", block.Height)
		}
	}

	if r.isChainHead(block, hash) {
		metrics.BlocksReceived.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("block already present at the head of a chain")
	}

	metrics.BlocksReceived.WithLabelValues("accepted").Inc()
	r.eng.EnqueueReceivedBlock(block)

	r.processReceivedBlocksLocked()
	return nil
}

func (r *Reconciler) isChainHead(block *chain.Block, hash string) bool {
	primary := r.eng.PrimaryChain()
	if n := len(primary); n > 0 && primary[n-1].HeaderHash() == hash {
		return true
	}
	if n := len(primary); n > 1 && primary[n-2].HeaderHash() == hash {
		return true
	}
	secondary := r.eng.SecondaryChain()
	if n := len(secondary); n > 0 && secondary[n-1].HeaderHash() == hash {
		return true
	}
	if n := len(secondary); n > 1 && secondary[n-2].HeaderHash() == hash {
		return true
	}
	return false
}

// processReceivedBlocksLocked drains the received-block queue. Callers
// must hold the engine lock.
func (r *Reconciler) processReceivedBlocksLocked() {
	for {
		block, ok := r.eng.PopReceivedBlock()
		if !ok {
			return
		}

		committed := r.attach(block)

		if committed {
			if block.Height > 0 && block.Height%r.eng.Config().RetargetInterval == 0 {
				Retarget(r.eng, block)
			}
			r.handleOrphansLocked()
			r.swapLocked()
			r.eng.RemoveBlockTransactionsFromMempool(block)
			if tip := r.eng.PrimaryTip(); tip != nil {
				metrics.ChainHeight.Set(float64(tip.Height))
			}
			metrics.SecondaryChainLength.Set(float64(len(r.eng.SecondaryChain())))
			metrics.OrphanBlocks.Set(float64(len(r.eng.Orphans())))
			metrics.MempoolSize.Set(float64(len(r.eng.Mempool())))
		}

		if r.propagator != nil {
			r.propagator.PropagateBlock(block)
		}
	}
}

// attach tries to commit block to the primary chain, fork a secondary
// chain for it, or extend an existing secondary chain. Falling through all
// three, it is parked in the orphan set. Returns whether the block ended
// up applied to a chain.
func (r *Reconciler) attach(block *chain.Block) bool {
	if err := r.eng.Commit(block); err == nil {
		return true
	}

	primary := r.eng.PrimaryChain()
	if len(primary) >= 2 && block.PrevBlockHash == primary[len(primary)-2].HeaderHash() {
		if err := r.eng.ApplyBlock(block); err != nil {
			r.logger.Debug("fork candidate failed to apply", zap.Error(err))
		} else {
			r.forkLocked(block)
			return true
		}
	}

	secondaryTip := r.eng.SecondaryTip()
	if secondaryTip != nil && block.PrevBlockHash == secondaryTip.HeaderHash() {
		if err := r.eng.ApplyBlock(block); err != nil {
			r.logger.Debug("secondary-chain candidate failed to apply", zap.Error(err))
		} else {
			r.eng.SetSecondaryChain(append(r.eng.SecondaryChain(), block))
			r.swapLocked()
			return true
		}
	}

	r.eng.AddOrphan(block)
	return false
}

// forkLocked copies the primary chain minus its tip into the secondary
// chain, appends block (already applied to the chainstate by the caller),
// then applies the swap rule. Callers must hold the engine lock.
func (r *Reconciler) forkLocked(block *chain.Block) {
	primary := r.eng.PrimaryChain()
	if len(primary) == 0 {
		return
	}
	secondary := append([]*chain.Block{}, primary[:len(primary)-1]...)
	secondary = append(secondary, block)
	r.eng.SetSecondaryChain(secondary)
	r.swapLocked()
}

// swapLocked exchanges the primary and secondary chains if the secondary
// chain is at least as long, then clears the secondary chain if the primary
// chain is now more than two blocks ahead. Callers must hold the engine
// lock.
func (r *Reconciler) swapLocked() {
	primary := r.eng.PrimaryChain()
	secondary := r.eng.SecondaryChain()

	if len(secondary) >= len(primary) {
		primary, secondary = secondary, primary
		r.eng.SetPrimaryChain(primary)
		r.eng.SetSecondaryChain(secondary)
	}

	if len(primary)-len(secondary) > 2 {
		r.eng.SetSecondaryChain(nil)
	}
}

// handleOrphansLocked attaches any orphan whose previous-hash and height
// match either chain's tip, and ages out orphans that have fallen too far
// behind the primary tip. Callers must hold the engine lock.
func (r *Reconciler) handleOrphansLocked() {
	primary := r.eng.PrimaryChain()
	if len(primary) == 0 {
		return
	}
	primaryTip := primary[len(primary)-1]

	for _, orphan := range r.eng.Orphans() {
		if orphan.PrevBlockHash == primaryTip.HeaderHash() && orphan.Height == primaryTip.Height+1 {
			if err := r.eng.Commit(orphan); err != nil {
				r.logger.Debug("orphan failed to commit", zap.Error(err))
				continue
			}
			r.eng.RemoveOrphan(orphan)
			r.eng.RemoveBlockTransactionsFromMempool(orphan)
			primaryTip = orphan
		}
	}

	secondary := r.eng.SecondaryChain()
	if len(secondary) > 0 {
		secondaryTip := secondary[len(secondary)-1]
		for _, orphan := range r.eng.Orphans() {
			if orphan.PrevBlockHash == secondaryTip.HeaderHash() && orphan.Height == secondaryTip.Height+1 {
				if err := r.eng.ApplyBlock(orphan); err != nil {
					r.logger.Debug("orphan failed to apply", zap.Error(err))
					continue
				}
				secondary = append(secondary, orphan)
				r.eng.SetSecondaryChain(secondary)
				r.eng.RemoveOrphan(orphan)
				r.eng.RemoveBlockTransactionsFromMempool(orphan)
				secondaryTip = orphan
			}
		}
	}

	primary = r.eng.PrimaryChain()
	if len(primary) >= 3 {
		tipHeight := primary[len(primary)-1].Height
		for _, orphan := range r.eng.Orphans() {
			if tipHeight-orphan.Height >= 2 {
				r.eng.RemoveOrphan(orphan)
			}
		}
	}
}

// Retarget recalibrates the active difficulty number after committed,
// whose height must be a positive multiple of the configured retarget
// interval. Callers must hold the engine lock.
func Retarget(eng *engine.Engine, committed *chain.Block) {
	if committed.Height == 0 {
		return
	}

	interval := eng.Config().RetargetInterval
	initial, ok := eng.BlockAtHeight(committed.Height - interval)
	if !ok {
		return
	}

	elapsed := committed.Timestamp - initial.Timestamp
	expected := float64(elapsed) / 600
	discrepancy := float64(interval) - expected

	old := eng.DifficultyNumber()
	next := old - old*0.20*(discrepancy/(float64(interval)+expected))
	eng.SetDifficultyNumber(next)
}
