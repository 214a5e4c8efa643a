// Command heliumnode runs a full Helium node: the chain engine, miner,
// reconciler, P2P transport, JSON-RPC server, and metrics endpoint, wired
// together and run until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/blockindex"
	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/chainstate"
	"github.com/heliumproject/heliumd/internal/config"
	"github.com/heliumproject/heliumd/internal/engine"
	"github.com/heliumproject/heliumd/internal/metrics"
	"github.com/heliumproject/heliumd/internal/mining"
	"github.com/heliumproject/heliumd/internal/p2p"
	"github.com/heliumproject/heliumd/internal/reconcile"
	"github.com/heliumproject/heliumd/internal/rpc"
	"github.com/heliumproject/heliumd/internal/tx"
)

// nodeConfig holds the ambient deployment surface: the on-disk location and
// network endpoints a node runs with. Unlike internal/config.Config, none
// of this varies the consensus rules, only how this particular process is
// reached and where it keeps its state.
type nodeConfig struct {
	dataDir        string
	listenPort     int
	rpcAddr        string
	bootstrapPeers []string
}

func loadNodeConfig() nodeConfig {
	cfg := nodeConfig{
		dataDir:    getenv("HELIUM_DATA_DIR", "./data"),
		listenPort: getenvInt("HELIUM_LISTEN_PORT", 4001),
		rpcAddr:    getenv("HELIUM_RPC_ADDR", ":8645"),
	}
	if raw := os.Getenv("HELIUM_BOOTSTRAP_PEERS"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			addr = strings.TrimSpace(addr)
			if addr != "" {
				cfg.bootstrapPeers = append(cfg.bootstrapPeers, addr)
			}
		}
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// txReceiverProxy lets the P2P node be constructed before the miner exists
// to receive through it: the two share a wiring cycle (the node propagates
// through the miner's Propagator, the miner admits through the node's
// TransactionReceiver), so the proxy is set once after both exist.
type txReceiverProxy struct {
	mu    sync.RWMutex
	miner *mining.Miner
}

func (p *txReceiverProxy) setMiner(m *mining.Miner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.miner = m
}

func (p *txReceiverProxy) ReceiveTransaction(t *tx.Transaction) error {
	p.mu.RLock()
	m := p.miner
	p.mu.RUnlock()
	if m == nil {
		return fmt.Errorf("node not ready to receive transactions")
	}
	return m.ReceiveTransaction(t)
}

// blockReceiverProxy is the block-side counterpart of txReceiverProxy.
type blockReceiverProxy struct {
	mu         sync.RWMutex
	reconciler *reconcile.Reconciler
}

func (p *blockReceiverProxy) setReconciler(r *reconcile.Reconciler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciler = r
}

func (p *blockReceiverProxy) ReceiveBlock(block *chain.Block) error {
	p.mu.RLock()
	r := p.reconciler
	p.mu.RUnlock()
	if r == nil {
		return fmt.Errorf("node not ready to receive blocks")
	}
	return r.ReceiveBlock(block)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("heliumnode exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	nodeCfg := loadNodeConfig()
	cfg := config.Default()

	if err := os.MkdirAll(nodeCfg.dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	cs, err := chainstate.Open(filepath.Join(nodeCfg.dataDir, "chainstate.db"), logger)
	if err != nil {
		return fmt.Errorf("open chainstate: %w", err)
	}

	bi, err := blockindex.Open(filepath.Join(nodeCfg.dataDir, "blockindex"), logger)
	if err != nil {
		return fmt.Errorf("open block index: %w", err)
	}

	eng, err := engine.New(cfg, cs, bi, filepath.Join(nodeCfg.dataDir, "blocks"), logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("close engine", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	txProxy := &txReceiverProxy{}
	blkProxy := &blockReceiverProxy{}

	node, err := p2p.New(ctx, nodeCfg.listenPort, nodeCfg.dataDir, txProxy, blkProxy, logger)
	if err != nil {
		return fmt.Errorf("build p2p node: %w", err)
	}
	defer node.Close()

	miner := mining.New(eng, node, filepath.Join(nodeCfg.dataDir, "coinbase_keys.txt"), logger)
	reconciler := reconcile.New(eng, node, logger)
	txProxy.setMiner(miner)
	blkProxy.setReconciler(reconciler)

	node.InitSyncer(func(req *p2p.BlockRangeRequest) *p2p.BlockRangeResponse {
		eng.Lock()
		defer eng.Unlock()
		resp := &p2p.BlockRangeResponse{}
		height := req.FromHeight
		for len(resp.Blocks) < req.Count {
			block, ok := eng.BlockAtHeight(height)
			if !ok {
				break
			}
			resp.Blocks = append(resp.Blocks, block)
			height++
		}
		resp.More = func() bool {
			_, ok := eng.BlockAtHeight(height)
			return ok
		}()
		return resp
	})

	node.DialAddresses(ctx, nodeCfg.bootstrapPeers)

	rpcServer := rpc.New(eng, miner, reconciler, logger)
	mux := http.NewServeMux()
	mux.Handle("/", rpcServer.Handler())
	mux.Handle("/metrics", metrics.Handler())

	httpServer := &http.Server{
		Addr:    nodeCfg.rpcAddr,
		Handler: mux,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("rpc server listening", zap.String("addr", nodeCfg.rpcAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("rpc server stopped", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMiningLoop(ctx, miner, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runSyncLoop(ctx, node, eng, reconciler, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runMetricsLoop(ctx, eng, node, miner)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc server shutdown", zap.Error(err))
	}

	wg.Wait()
	return nil
}

// runMiningLoop continuously assembles a candidate block from the mempool
// and searches for a solving nonce. It backs off when the mempool is empty,
// matching the reference miner's idle behavior.
func runMiningLoop(ctx context.Context, miner *mining.Miner, logger *zap.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		candidate, err := miner.MakeCandidateBlock()
		if err != nil {
			continue
		}
		if err := miner.Mine(ctx, candidate); err != nil && ctx.Err() == nil {
			logger.Debug("mining attempt ended without a commit", zap.Error(err))
		}
	}
}

// runSyncLoop requests the blocks a newly connected peer has beyond our
// current primary tip, and hands each one to the reconciler in order.
func runSyncLoop(ctx context.Context, node *p2p.Node, eng *engine.Engine, reconciler *reconcile.Reconciler, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case peerID := <-node.PeerConnected():
			syncer := node.Syncer()
			if syncer == nil {
				continue
			}

			eng.Lock()
			fromHeight := int64(eng.PrimaryLen())
			eng.Unlock()

			for {
				resp, err := syncer.RequestBlockRange(ctx, peerID, fromHeight, 500)
				if err != nil {
					logger.Debug("sync request failed", zap.String("peer", peerID.String()), zap.Error(err))
					break
				}
				for _, block := range resp.Blocks {
					if err := reconciler.ReceiveBlock(block); err != nil {
						logger.Debug("sync block rejected", zap.Int64("height", block.Height), zap.Error(err))
					}
				}
				fromHeight += int64(len(resp.Blocks))
				if !resp.More || len(resp.Blocks) == 0 {
					break
				}
			}
		}
	}
}

// runMetricsLoop periodically samples engine, peer, and miner state into
// the gauges that aren't naturally updated at the point of a state change.
func runMetricsLoop(ctx context.Context, eng *engine.Engine, node *p2p.Node, miner *mining.Miner) {
	start := time.Now()
	interval := 10 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSample := start
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		eng.Lock()
		tip := eng.PrimaryTip()
		mempoolSize := len(eng.Mempool())
		secondaryLen := eng.SecondaryLen()
		orphans := len(eng.Orphans())
		difficulty := eng.DifficultyNumber()
		eng.Unlock()

		now := time.Now()
		metrics.LocalHashrate.Set(miner.SampleHashrate(now.Sub(lastSample)))
		lastSample = now

		if tip != nil {
			metrics.ChainHeight.Set(float64(tip.Height))
		}
		metrics.MempoolSize.Set(float64(mempoolSize))
		metrics.SecondaryChainLength.Set(float64(secondaryLen))
		metrics.OrphanBlocks.Set(float64(orphans))
		metrics.DifficultyNumber.Set(difficulty)
		metrics.PeersConnected.Set(float64(node.PeerCount()))
		metrics.UptimeSeconds.Set(time.Since(start).Seconds())
	}
}
