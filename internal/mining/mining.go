// Package mining implements the Helium miner: mempool admission, candidate
// block assembly, the coinbase/reward schedule, and the proof-of-work
// search. Difficulty retargeting lives in internal/reconcile.
package mining

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/config"
	"github.com/heliumproject/heliumd/internal/crypt"
	"github.com/heliumproject/heliumd/internal/engine"
	"github.com/heliumproject/heliumd/internal/metrics"
	"github.com/heliumproject/heliumd/internal/tx"
)

// lockScriptFor builds the fee-reassignment lock script: it reuses the same
// five-token p2pkhash shape as any other output.
func lockScriptFor(pubkey string) []string {
	pkhash := crypt.RIPEMD160Hex(crypt.SHA256Hex(pubkey))
	return tx.MakeLockScript(pkhash)
}

// Propagator fans a transaction or block out to the rest of the network.
// Implemented by internal/p2p; failures are logged, never retried.
type Propagator interface {
	PropagateTransaction(t *tx.Transaction)
	PropagateBlock(block *chain.Block)
}

// Miner drives mempool admission and block assembly/search over a shared
// Engine.
type Miner struct {
	eng        *engine.Engine
	propagator Propagator
	logger     *zap.Logger
	keysPath   string
	attempts   atomic.Int64
}

// New builds a Miner over eng. keysPath is the append-only coinbase key
// ledger file.
func New(eng *engine.Engine, propagator Propagator, keysPath string, logger *zap.Logger) *Miner {
	return &Miner{eng: eng, propagator: propagator, keysPath: keysPath, logger: logger}
}

// SampleHashrate returns the nonce attempt rate since the last call (or
// since construction), in hashes per second, and resets the counter.
func (m *Miner) SampleHashrate(elapsed time.Duration) float64 {
	count := m.attempts.Swap(0)
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Seconds()
}

// ReceiveTransaction admits a transaction into the mempool. It rejects a
// transaction already present in the mempool, silently accepts one already
// reflected in the chainstate, and otherwise validates and propagates it.
func (m *Miner) ReceiveTransaction(t *tx.Transaction) error {
	m.eng.Lock()
	defer m.eng.Unlock()

	if m.eng.MempoolContains(t) {
		metrics.TransactionsReceived.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("transaction already in mempool: %s", t.TransactionID)
	}

	fragmentKey := t.TransactionID + "_0"
	if _, ok, err := m.eng.Chainstate().GetFragment(fragmentKey); err == nil && ok {
		metrics.TransactionsReceived.WithLabelValues("already_applied").Inc()
		return nil
	}

	zeroInputs := len(t.Vin) == 0
	validator := tx.NewValidator(m.eng.Config(), fragmentLookup{eng: m.eng})
	if _, err := validator.Validate(t, zeroInputs); err != nil {
		metrics.TransactionsReceived.WithLabelValues("invalid").Inc()
		return fmt.Errorf("invalid transaction received: %w", err)
	}

	m.eng.AddToMempool(t)
	metrics.TransactionsReceived.WithLabelValues("accepted").Inc()
	metrics.MempoolSize.Set(float64(len(m.eng.Mempool())))
	if m.propagator != nil {
		m.propagator.PropagateTransaction(t)
	}
	return nil
}

// fragmentLookup adapts the engine's chainstate to tx.FragmentStore.
type fragmentLookup struct {
	eng *engine.Engine
}

func (f fragmentLookup) GetFragment(key string) (*tx.Fragment, bool, error) {
	return f.eng.Chainstate().GetFragment(key)
}

// MiningReward computes the block reward at height: it halves every
// RewardInterval blocks and floors to zero below one HeliumCent.
func MiningReward(cfg *config.Config, height int64) int64 {
	halvings := height / cfg.RewardInterval

	reward := float64(cfg.MiningReward)
	for i := int64(0); i < halvings; i++ {
		reward /= 2
	}
	rounded := int64(math.RoundToEven(reward))

	if float64(rounded) < cfg.HeliumCent {
		return 0
	}
	return rounded
}

// candidateSizeReserve accounts for the 64-byte Merkle root plus a 1KB
// allowance for the coinbase transaction, matching the reference miner's
// block-size accounting.
const candidateSizeReserve = 1000 + 64

// MakeCandidateBlock assembles a candidate block from the mempool. It
// generates a fresh miner key pair (appended to the coinbase key ledger),
// re-credits any positive per-transaction fee to the miner, and prepends a
// coinbase transaction. Returns an error if the mempool is empty or no
// transaction fits within the block size budget.
func (m *Miner) MakeCandidateBlock() (*chain.Block, error) {
	m.eng.Lock()
	defer m.eng.Unlock()

	mempool := m.eng.Mempool()
	if len(mempool) == 0 {
		return nil, fmt.Errorf("mempool is empty")
	}

	keys, err := crypt.MakeKeys()
	if err != nil {
		return nil, fmt.Errorf("make miner keys: %w", err)
	}
	if err := m.appendKeys(keys); err != nil {
		m.logger.Warn("failed to append coinbase key ledger", zap.Error(err))
	}
	pkhash := crypt.RIPEMD160Hex(crypt.SHA256Hex(keys.PublicKey))

	cfg := m.eng.Config()
	tip := m.eng.PrimaryTip()

	var height int64
	var prevHash string
	if tip != nil {
		height = tip.Height + 1
		prevHash = tip.HeaderHash()
	}

	block := &chain.Block{
		PrevBlockHash:  prevHash,
		Version:        cfg.VersionNo,
		Timestamp:      time.Now().Unix(),
		DifficultyBits: cfg.DifficultyBits,
		Nonce:          cfg.Nonce,
		Height:         height,
	}

	size := len(cfg.VersionNo) + len(prevHash) + 8*4 + candidateSizeReserve

	now := time.Now().Unix()
	lookup := fragmentLookup{eng: m.eng}

	for _, memTx := range mempool {
		if memTx.LockTime > now {
			continue
		}

		credited, err := creditFee(lookup, memTx, keys.PublicKey)
		if err != nil {
			m.logger.Debug("skipping mempool transaction without a computable fee",
				zap.String("txid", memTx.TransactionID), zap.Error(err))
			continue
		}

		encoded, err := credited.Canonical()
		if err != nil {
			continue
		}

		if size+len(encoded) > cfg.MaxBlockSize {
			break
		}

		block.Tx = append(block.Tx, credited)
		size += len(encoded)
	}

	if len(block.Tx) == 0 {
		return nil, fmt.Errorf("no mempool transactions fit in the candidate block")
	}

	coinbase := makeCoinbaseTransaction(cfg, height, pkhash)
	block.Tx = append([]*tx.Transaction{coinbase}, block.Tx...)

	root, err := chain.MerkleRootOf(block.Tx)
	if err != nil {
		return nil, fmt.Errorf("compute merkle root: %w", err)
	}
	block.MerkleRoot = root

	if err := chain.Validate(cfg, block, tip); err != nil {
		return nil, fmt.Errorf("candidate block failed validation: %w", err)
	}

	return block, nil
}

func (m *Miner) appendKeys(keys *crypt.KeyPair) error {
	f, err := os.OpenFile(m.keysPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s\n%s\n", keys.PrivateKey, keys.PublicKey)
	return err
}

// creditFee recomputes the transaction fee from the referenced chainstate
// fragments and, if positive, appends an extra output paying the fee to the
// miner's public key hash.
func creditFee(lookup tx.FragmentStore, t *tx.Transaction, minerPubkey string) (*tx.Transaction, error) {
	fragments := make([]*tx.Fragment, 0, len(t.Vin))
	for _, vin := range t.Vin {
		key := tx.FragmentKey(vin.TxID, vin.VoutIndex)
		fragment, ok, err := lookup.GetFragment(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("fragment not found: %s", key)
		}
		fragments = append(fragments, fragment)
	}

	var spendable, spent int64
	for _, f := range fragments {
		spendable += f.Value
	}
	for _, out := range t.Vout {
		spent += out.Value
	}
	fee := spendable - spent

	out := *t
	out.Vout = append(append([]tx.Output{}, t.Vout...))
	if fee > 0 {
		out.Vout = append(out.Vout, tx.Output{Value: fee, ScriptPubKey: lockScriptFor(minerPubkey)})
	}
	return &out, nil
}

// makeCoinbaseTransaction builds the reward-issuing transaction prepended
// to every candidate block.
func makeCoinbaseTransaction(cfg *config.Config, height int64, pkhash string) *tx.Transaction {
	id, err := crypt.MakeUUID()
	if err != nil {
		id = ""
	}
	return &tx.Transaction{
		TransactionID: id,
		Version:       cfg.VersionNo,
		LockTime:      cfg.CoinbaseInterval * 600,
		Vin:           []tx.Input{},
		Vout: []tx.Output{
			{Value: MiningReward(cfg, height), ScriptPubKey: tx.MakeLockScript(pkhash)},
		},
	}
}

// Mine searches for a valid nonce for candidate. It releases the engine
// lock between attempts and abandons the search if a block sharing a
// transaction with the candidate arrives in the received-block queue. On
// success the block is committed through the engine's shared acceptance
// path and propagated.
func (m *Miner) Mine(ctx context.Context, candidate *chain.Block) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		m.eng.Lock()
		difficulty := m.eng.DifficultyNumber()
		solved := candidate.ProofOfWork(difficulty)
		abandon := !solved && m.eng.ReceivedBlocksLen() > 0 && m.eng.ReceivedBlocksShareTransaction(candidate)
		if solved {
			err := m.eng.Commit(candidate)
			m.eng.Unlock()
			if err != nil {
				return fmt.Errorf("commit mined block: %w", err)
			}
			metrics.BlocksMined.Inc()
			metrics.ChainHeight.Set(float64(candidate.Height))
			if m.propagator != nil {
				m.propagator.PropagateBlock(candidate)
			}
			return nil
		}
		m.eng.Unlock()

		if abandon {
			return fmt.Errorf("mining abandoned: candidate shares a transaction with a received block")
		}

		m.attempts.Add(1)
		candidate.Nonce++
	}
}
