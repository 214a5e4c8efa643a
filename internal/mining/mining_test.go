package mining

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/blockindex"
	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/chainstate"
	"github.com/heliumproject/heliumd/internal/config"
	"github.com/heliumproject/heliumd/internal/crypt"
	"github.com/heliumproject/heliumd/internal/engine"
	"github.com/heliumproject/heliumd/internal/tx"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type recordingPropagator struct {
	txs    []*tx.Transaction
	blocks []*chain.Block
}

func (r *recordingPropagator) PropagateTransaction(t *tx.Transaction) { r.txs = append(r.txs, t) }
func (r *recordingPropagator) PropagateBlock(b *chain.Block)          { r.blocks = append(r.blocks, b) }

func newTestMiner(t *testing.T) (*Miner, *engine.Engine, *recordingPropagator) {
	t.Helper()
	dir := t.TempDir()

	cs, err := chainstate.Open(filepath.Join(dir, "chainstate.db"), testLogger())
	if err != nil {
		t.Fatalf("chainstate.Open: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	bi, err := blockindex.Open(filepath.Join(dir, "blockindex"), testLogger())
	if err != nil {
		t.Fatalf("blockindex.Open: %v", err)
	}
	t.Cleanup(func() { bi.Close() })

	cfg := config.Default()
	eng, err := engine.New(cfg, cs, bi, filepath.Join(dir, "blocks"), testLogger())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	prop := &recordingPropagator{}
	m := New(eng, prop, filepath.Join(dir, "coinbase_keys.txt"), testLogger())
	return m, eng, prop
}

func TestMiningReward(t *testing.T) {
	cfg := config.Default()

	if r := MiningReward(cfg, 0); r != cfg.MiningReward {
		t.Errorf("reward at height 0 = %d, want %d", r, cfg.MiningReward)
	}

	halved := MiningReward(cfg, cfg.RewardInterval)
	if halved != cfg.MiningReward/2 {
		t.Errorf("reward after one halving = %d, want %d", halved, cfg.MiningReward/2)
	}

	// Far enough into halvings the reward must floor to zero.
	veryHigh := MiningReward(cfg, cfg.RewardInterval*64)
	if veryHigh != 0 {
		t.Errorf("reward after 64 halvings = %d, want 0", veryHigh)
	}
}

func TestMiningRewardRoundsHalfToEven(t *testing.T) {
	cfg := config.Default()
	cfg.MiningReward = 5
	cfg.RewardInterval = 1

	// 5 -> 2.5 after one halving; banker's rounding takes the even neighbor.
	if r := MiningReward(cfg, cfg.RewardInterval); r != 2 {
		t.Errorf("reward at an exact half-cent = %d, want 2 (round to even)", r)
	}
}

func TestSampleHashrate(t *testing.T) {
	m, _, _ := newTestMiner(t)

	m.attempts.Add(100)
	rate := m.SampleHashrate(time.Second)
	if rate != 100 {
		t.Errorf("SampleHashrate = %v, want 100", rate)
	}

	// The counter resets after sampling.
	if rate := m.SampleHashrate(time.Second); rate != 0 {
		t.Errorf("SampleHashrate after reset = %v, want 0", rate)
	}
}

func TestReceiveTransactionZeroInput(t *testing.T) {
	m, eng, prop := newTestMiner(t)

	keys, err := crypt.MakeKeys()
	if err != nil {
		t.Fatalf("MakeKeys: %v", err)
	}
	pkhash := crypt.RIPEMD160Hex(crypt.SHA256Hex(keys.PublicKey))
	id, err := crypt.MakeUUID()
	if err != nil {
		t.Fatalf("MakeUUID: %v", err)
	}

	trans := &tx.Transaction{
		TransactionID: id,
		Version:       eng.Config().VersionNo,
		Vin:           []tx.Input{},
		Vout: []tx.Output{
			{Value: 100, ScriptPubKey: tx.MakeLockScript(pkhash)},
		},
	}

	if err := m.ReceiveTransaction(trans); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	eng.Lock()
	inMempool := eng.MempoolContains(trans)
	eng.Unlock()
	if !inMempool {
		t.Error("transaction not admitted to mempool")
	}
	if len(prop.txs) != 1 {
		t.Errorf("propagated %d transactions, want 1", len(prop.txs))
	}
}

func TestReceiveTransactionRejectsDuplicate(t *testing.T) {
	m, _, _ := newTestMiner(t)

	keys, err := crypt.MakeKeys()
	if err != nil {
		t.Fatalf("MakeKeys: %v", err)
	}
	pkhash := crypt.RIPEMD160Hex(crypt.SHA256Hex(keys.PublicKey))
	id, err := crypt.MakeUUID()
	if err != nil {
		t.Fatalf("MakeUUID: %v", err)
	}
	trans := &tx.Transaction{
		TransactionID: id,
		Vin:           []tx.Input{},
		Vout: []tx.Output{
			{Value: 1, ScriptPubKey: tx.MakeLockScript(pkhash)},
		},
	}
	trans.Version = "1"

	if err := m.ReceiveTransaction(trans); err != nil {
		t.Fatalf("first ReceiveTransaction: %v", err)
	}
	if err := m.ReceiveTransaction(trans); err == nil {
		t.Error("ReceiveTransaction accepted a duplicate transaction")
	}
}

func TestMakeCandidateBlockRequiresMempool(t *testing.T) {
	m, _, _ := newTestMiner(t)
	if _, err := m.MakeCandidateBlock(); err == nil {
		t.Error("MakeCandidateBlock succeeded with an empty mempool")
	}
}

func TestMakeCandidateBlockAssemblesGenesis(t *testing.T) {
	m, eng, _ := newTestMiner(t)

	keys, err := crypt.MakeKeys()
	if err != nil {
		t.Fatalf("MakeKeys: %v", err)
	}
	pkhash := crypt.RIPEMD160Hex(crypt.SHA256Hex(keys.PublicKey))
	id, err := crypt.MakeUUID()
	if err != nil {
		t.Fatalf("MakeUUID: %v", err)
	}
	trans := &tx.Transaction{
		TransactionID: id,
		Version:       eng.Config().VersionNo,
		Vin:           []tx.Input{},
		Vout: []tx.Output{
			{Value: 1, ScriptPubKey: tx.MakeLockScript(pkhash)},
		},
	}

	if err := m.ReceiveTransaction(trans); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	block, err := m.MakeCandidateBlock()
	if err != nil {
		t.Fatalf("MakeCandidateBlock: %v", err)
	}
	if block.Height != 0 {
		t.Errorf("height = %d, want 0", block.Height)
	}
	if len(block.Tx) < 2 {
		t.Fatalf("candidate block has %d transactions, want at least 2 (coinbase + mempool tx)", len(block.Tx))
	}
	if len(block.Tx[0].Vin) != 0 {
		t.Error("first transaction in candidate block is not a coinbase transaction")
	}
}

func TestMineFindsASolutionAtTrivialDifficulty(t *testing.T) {
	m, eng, prop := newTestMiner(t)

	keys, err := crypt.MakeKeys()
	if err != nil {
		t.Fatalf("MakeKeys: %v", err)
	}
	pkhash := crypt.RIPEMD160Hex(crypt.SHA256Hex(keys.PublicKey))
	id, err := crypt.MakeUUID()
	if err != nil {
		t.Fatalf("MakeUUID: %v", err)
	}
	trans := &tx.Transaction{
		TransactionID: id,
		Version:       eng.Config().VersionNo,
		Vin:           []tx.Input{},
		Vout: []tx.Output{
			{Value: 1, ScriptPubKey: tx.MakeLockScript(pkhash)},
		},
	}
	if err := m.ReceiveTransaction(trans); err != nil {
		t.Fatalf("ReceiveTransaction: %v", err)
	}

	block, err := m.MakeCandidateBlock()
	if err != nil {
		t.Fatalf("MakeCandidateBlock: %v", err)
	}

	// A difficulty number of 1 makes nearly every header hash solve the
	// block immediately, keeping the test fast and deterministic in wall
	// time.
	eng.Lock()
	eng.SetDifficultyNumber(1.0)
	eng.Unlock()

	if err := m.Mine(context.Background(), block); err != nil {
		t.Fatalf("Mine: %v", err)
	}

	eng.Lock()
	height := eng.PrimaryLen()
	eng.Unlock()
	if height != 1 {
		t.Errorf("primary chain length = %d, want 1", height)
	}
	if len(prop.blocks) != 1 {
		t.Errorf("propagated %d blocks, want 1", len(prop.blocks))
	}
}
