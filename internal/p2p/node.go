// Package p2p implements the Helium node's peer-to-peer transport: a
// libp2p host, GossipSub propagation of transactions and blocks, and a
// stream-based height-range sync protocol for peers catching up. Peers are
// dialed only from a flat, explicitly-known address list — there is no DHT
// or mDNS discovery.
package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/tx"
)

// Node manages the libp2p host and Helium's P2P networking: propagation and
// sync. It implements internal/mining.Propagator and
// internal/reconcile.Propagator, so the miner and reconciler can publish
// directly through it.
type Node struct {
	Host   host.Host
	Logger *zap.Logger

	pubsub *PubSub
	syncer *Syncer

	peerConnected chan peer.ID
}

// New creates a libp2p host listening on listenPort, with a persistent
// identity under dataDir, and joins the transaction/block GossipSub topics,
// feeding received messages into txReceiver/blkReceiver.
func New(ctx context.Context, listenPort int, dataDir string, txReceiver TransactionReceiver, blkReceiver BlockReceiver, logger *zap.Logger) (*Node, error) {
	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)

	privKey, err := LoadOrCreateIdentity(dataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	cm, err := connmgr.NewConnManager(50, 100, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	node := &Node{
		Host:          h,
		Logger:        logger,
		peerConnected: make(chan peer.ID, 16),
	}

	h.Network().Notify(&peerNotifiee{peerConnected: node.peerConnected})

	node.pubsub, err = NewPubSub(ctx, h, txReceiver, blkReceiver, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("setup pubsub: %w", err)
	}

	logger.Info("p2p node started",
		zap.String("peer_id", h.ID().String()),
		zap.Int("port", listenPort),
	)
	for _, addr := range h.Addrs() {
		logger.Info("listening on", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, h.ID())))
	}

	return node, nil
}

// InitSyncer registers the height-range sync stream handler. Must be called
// once the node's chain-reading glue is ready to answer requests.
func (n *Node) InitSyncer(handler SyncHandler) {
	n.syncer = NewSyncer(n.Host, handler, n.Logger)
}

// Syncer returns the sync protocol handler, or nil if InitSyncer has not
// been called yet.
func (n *Node) Syncer() *Syncer { return n.syncer }

// DialAddresses connects to every multiaddr string in addrs, logging (not
// failing on) unreachable ones. This is the node's only peer-acquisition
// path: a flat, explicitly-known address list, never discovery.
func (n *Node) DialAddresses(ctx context.Context, addrs []string) {
	for _, raw := range addrs {
		maddr, err := ma.NewMultiaddr(raw)
		if err != nil {
			n.Logger.Warn("invalid peer address", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			n.Logger.Warn("invalid peer address", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := n.Host.Connect(ctx, *info); err != nil {
			n.Logger.Warn("failed to connect to peer", zap.String("addr", raw), zap.Error(err))
			continue
		}
		n.Logger.Info("connected to peer", zap.String("peer", info.ID.String()))
	}
}

// PropagateTransaction implements internal/mining.Propagator: it gossips t
// on the transaction topic. Failures are logged, never retried.
func (n *Node) PropagateTransaction(t *tx.Transaction) {
	if err := n.pubsub.PublishTransaction(t); err != nil {
		n.Logger.Warn("failed to propagate transaction",
			zap.String("txid", t.TransactionID), zap.Error(err))
	}
}

// PropagateBlock implements internal/reconcile.Propagator (and
// internal/mining.Propagator): it gossips block on the block topic.
// Failures are logged, never retried.
func (n *Node) PropagateBlock(block *chain.Block) {
	if err := n.pubsub.PublishBlock(block); err != nil {
		n.Logger.Warn("failed to propagate block",
			zap.Int64("height", block.Height), zap.Error(err))
	}
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.Host.Network().Peers())
}

// ConnectedPeers returns the IDs of connected peers.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.Host.Network().Peers()
}

// PeerConnected returns a channel that receives peer IDs as new peers
// connect, so the node can trigger a sync attempt.
func (n *Node) PeerConnected() <-chan peer.ID {
	return n.peerConnected
}

// Close shuts down the node.
func (n *Node) Close() error {
	return n.Host.Close()
}

type peerNotifiee struct {
	peerConnected chan peer.ID
}

func (pn *peerNotifiee) Connected(_ network.Network, conn network.Conn) {
	select {
	case pn.peerConnected <- conn.RemotePeer():
	default:
	}
}

func (pn *peerNotifiee) Disconnected(network.Network, network.Conn) {}
func (pn *peerNotifiee) Listen(network.Network, ma.Multiaddr)       {}
func (pn *peerNotifiee) ListenClose(network.Network, ma.Multiaddr)  {}
