package p2p

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"go.uber.org/zap"
)

const (
	maxSyncBatchSize  = 500
	maxSyncMsgSize    = 8 * 1024 * 1024 // 8MB
	syncStreamTimeout = 30 * time.Second
)

// SyncHandler answers a height-range block request from a peer. Implemented
// by a node's chain-reading glue over internal/engine.
type SyncHandler func(req *BlockRangeRequest) *BlockRangeResponse

// Syncer serves and issues height-range block sync requests, letting a node
// that has just joined the network (or fallen behind) catch up beyond what
// GossipSub delivers going forward.
type Syncer struct {
	host    host.Host
	logger  *zap.Logger
	handler SyncHandler
}

// NewSyncer registers the sync stream handler on h.
func NewSyncer(h host.Host, handler SyncHandler, logger *zap.Logger) *Syncer {
	s := &Syncer{
		host:    h,
		logger:  logger,
		handler: handler,
	}
	h.SetStreamHandler(protocol.ID(SyncProtocolID), s.handleStream)
	return s
}

func (s *Syncer) handleStream(stream network.Stream) {
	defer stream.Close()

	// Deadline prevents a slow/malicious peer from holding the stream open.
	stream.SetDeadline(time.Now().Add(syncStreamTimeout))

	data, err := io.ReadAll(io.LimitReader(stream, maxSyncMsgSize))
	if err != nil {
		s.logger.Debug("sync read error", zap.Error(err))
		return
	}

	req, err := DecodeBlockRangeRequest(data)
	if err != nil {
		s.logger.Debug("invalid sync request", zap.Error(err))
		return
	}
	if req.Count > maxSyncBatchSize {
		req.Count = maxSyncBatchSize
	}
	if req.Count <= 0 {
		req.Count = maxSyncBatchSize
	}

	resp := s.handler(req)
	if resp == nil {
		resp = &BlockRangeResponse{}
	}

	data, err = EncodeBlockRangeResponse(resp)
	if err != nil {
		s.logger.Error("encode sync response", zap.Error(err))
		return
	}
	stream.Write(data)
}

// RequestBlockRange asks peerID for up to count blocks starting at
// fromHeight.
func (s *Syncer) RequestBlockRange(ctx context.Context, peerID peer.ID, fromHeight int64, count int) (*BlockRangeResponse, error) {
	stream, err := s.host.NewStream(ctx, peerID, protocol.ID(SyncProtocolID))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	req := &BlockRangeRequest{FromHeight: fromHeight, Count: count}
	data, err := EncodeBlockRangeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	stream.CloseWrite()

	data, err = io.ReadAll(io.LimitReader(stream, maxSyncMsgSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp, err := DecodeBlockRangeResponse(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
