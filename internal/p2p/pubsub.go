package p2p

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/tx"
)

// blockDedupCacheSize bounds the recently-seen block hash cache, so a block
// gossiped by several peers is handed to BlockReceiver once, not once per
// peer. Gossiped transactions are not deduplicated here.
const blockDedupCacheSize = 2048

// TransactionReceiver admits a transaction heard over gossip. Implemented by
// internal/mining.Miner.
type TransactionReceiver interface {
	ReceiveTransaction(t *tx.Transaction) error
}

// BlockReceiver admits a block heard over gossip. Implemented by
// internal/reconcile.Reconciler.
type BlockReceiver interface {
	ReceiveBlock(block *chain.Block) error
}

// PubSub manages GossipSub for transaction and block propagation.
type PubSub struct {
	ps *pubsub.PubSub

	txTopic  *pubsub.Topic
	txSub    *pubsub.Subscription
	blkTopic *pubsub.Topic
	blkSub   *pubsub.Subscription

	self   peer.ID
	logger *zap.Logger

	txReceiver  TransactionReceiver
	blkReceiver BlockReceiver
	seenBlocks  *lru.Cache[string, struct{}]

	peerLimiters   map[peer.ID]*rate.Limiter
	peerLimitersMu sync.Mutex
}

// NewPubSub joins the transaction and block GossipSub topics and starts
// reading both into txReceiver/blkReceiver.
func NewPubSub(ctx context.Context, h host.Host, txReceiver TransactionReceiver, blkReceiver BlockReceiver, logger *zap.Logger) (*PubSub, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	txTopic, err := ps.Join(TxTopicName)
	if err != nil {
		return nil, err
	}
	txSub, err := txTopic.Subscribe()
	if err != nil {
		return nil, err
	}

	blkTopic, err := ps.Join(BlockTopicName)
	if err != nil {
		return nil, err
	}
	blkSub, err := blkTopic.Subscribe()
	if err != nil {
		return nil, err
	}

	seenBlocks, err := lru.New[string, struct{}](blockDedupCacheSize)
	if err != nil {
		return nil, err
	}

	p := &PubSub{
		ps:           ps,
		txTopic:      txTopic,
		txSub:        txSub,
		blkTopic:     blkTopic,
		blkSub:       blkSub,
		self:         h.ID(),
		logger:       logger,
		txReceiver:   txReceiver,
		blkReceiver:  blkReceiver,
		seenBlocks:   seenBlocks,
		peerLimiters: make(map[peer.ID]*rate.Limiter),
	}

	go p.txReadLoop(ctx)
	go p.blockReadLoop(ctx)

	return p, nil
}

// PublishTransaction gossips a transaction to the network.
func (p *PubSub) PublishTransaction(t *tx.Transaction) error {
	data, err := EncodeTransaction(t)
	if err != nil {
		return err
	}
	return p.txTopic.Publish(context.Background(), data)
}

// PublishBlock gossips a block to the network.
func (p *PubSub) PublishBlock(block *chain.Block) error {
	data, err := EncodeBlock(block)
	if err != nil {
		return err
	}
	return p.blkTopic.Publish(context.Background(), data)
}

func (p *PubSub) txReadLoop(ctx context.Context) {
	for {
		msg, err := p.txSub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("tx gossip read error", zap.Error(err))
			continue
		}
		if msg.GetFrom() == p.self {
			continue
		}
		if !p.getPeerLimiter(msg.GetFrom()).Allow() {
			p.logger.Warn("peer rate limited", zap.String("peer", msg.GetFrom().String()))
			continue
		}

		t, err := DecodeTransaction(msg.Data)
		if err != nil {
			p.logger.Debug("invalid transaction message", zap.Error(err))
			continue
		}
		if err := p.txReceiver.ReceiveTransaction(t); err != nil {
			p.logger.Debug("rejected gossiped transaction",
				zap.String("txid", t.TransactionID), zap.Error(err))
		}
	}
}

func (p *PubSub) blockReadLoop(ctx context.Context) {
	for {
		msg, err := p.blkSub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("block gossip read error", zap.Error(err))
			continue
		}
		if msg.GetFrom() == p.self {
			continue
		}
		if !p.getPeerLimiter(msg.GetFrom()).Allow() {
			p.logger.Warn("peer rate limited", zap.String("peer", msg.GetFrom().String()))
			continue
		}

		block, err := DecodeBlock(msg.Data)
		if err != nil {
			p.logger.Debug("invalid block message", zap.Error(err))
			continue
		}

		hash := block.HeaderHash()
		if _, seen := p.seenBlocks.Get(hash); seen {
			continue
		}
		p.seenBlocks.Add(hash, struct{}{})

		if err := p.blkReceiver.ReceiveBlock(block); err != nil {
			p.logger.Debug("rejected gossiped block", zap.String("hash", hash), zap.Error(err))
		}
	}
}

func (p *PubSub) getPeerLimiter(peerID peer.ID) *rate.Limiter {
	p.peerLimitersMu.Lock()
	defer p.peerLimitersMu.Unlock()

	if lim, ok := p.peerLimiters[peerID]; ok {
		return lim
	}

	// Evict a random entry if the map is too large.
	if len(p.peerLimiters) >= 500 {
		for id := range p.peerLimiters {
			delete(p.peerLimiters, id)
			break
		}
	}

	lim := rate.NewLimiter(10, 20)
	p.peerLimiters[peerID] = lim
	return lim
}
