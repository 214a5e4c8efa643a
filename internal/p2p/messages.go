package p2p

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/heliumproject/heliumd/internal/chain"
	"github.com/heliumproject/heliumd/internal/tx"
)

const (
	// maxWireTransactionSize is the maximum CBOR-encoded transaction size
	// accepted from a peer, ahead of the node's own validation.
	maxWireTransactionSize = 256 * 1024 // 256KB

	// maxWireBlockSize is the maximum (zstd-compressed) CBOR-encoded block
	// size accepted from a peer.
	maxWireBlockSize = 8 * 1024 * 1024 // 8MB
)

const (
	// ProtocolVersion is the current P2P protocol version.
	ProtocolVersion = "1.0.0"

	// TxTopicName is the GossipSub topic for transaction propagation.
	TxTopicName = "/helium/tx/" + ProtocolVersion

	// BlockTopicName is the GossipSub topic for block propagation.
	BlockTopicName = "/helium/block/" + ProtocolVersion

	// SyncProtocolID is the stream protocol for height-range block sync.
	SyncProtocolID = "/helium/sync/" + ProtocolVersion
)

// EncodeTransaction serializes a transaction to CBOR for gossip.
func EncodeTransaction(t *tx.Transaction) ([]byte, error) {
	return cbor.Marshal(t)
}

// DecodeTransaction decodes a CBOR-encoded transaction received from a peer.
func DecodeTransaction(data []byte) (*tx.Transaction, error) {
	if len(data) > maxWireTransactionSize {
		return nil, fmt.Errorf("transaction message too large: %d bytes", len(data))
	}
	var t tx.Transaction
	if err := cbor.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodeBlock serializes a block to zstd-compressed CBOR for gossip.
func EncodeBlock(block *chain.Block) ([]byte, error) {
	data, err := cbor.Marshal(block)
	if err != nil {
		return nil, err
	}
	return Compress(data), nil
}

// DecodeBlock decodes a (possibly zstd-compressed) CBOR-encoded block
// received from a peer.
func DecodeBlock(data []byte) (*chain.Block, error) {
	if len(data) > maxWireBlockSize {
		return nil, fmt.Errorf("block message too large: %d bytes", len(data))
	}
	raw, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress block message: %w", err)
	}
	var block chain.Block
	if err := cbor.Unmarshal(raw, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// BlockRangeRequest asks a peer for the primary-chain blocks starting at
// FromHeight, oldest-first, up to Count blocks. Used by a node that has just
// joined the network (or fallen behind) to catch up beyond what GossipSub
// alone would deliver.
type BlockRangeRequest struct {
	FromHeight int64 `cbor:"1,keyasint"`
	Count      int   `cbor:"2,keyasint"`
}

// BlockRangeResponse returns the requested blocks, oldest-first. More is true
// if the responder's chain extends past the last returned block.
type BlockRangeResponse struct {
	Blocks []*chain.Block `cbor:"1,keyasint"`
	More   bool           `cbor:"2,keyasint"`
}

// EncodeBlockRangeRequest serializes a sync request to CBOR.
func EncodeBlockRangeRequest(req *BlockRangeRequest) ([]byte, error) {
	return cbor.Marshal(req)
}

// DecodeBlockRangeRequest decodes a CBOR-encoded sync request.
func DecodeBlockRangeRequest(data []byte) (*BlockRangeRequest, error) {
	var req BlockRangeRequest
	if err := cbor.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeBlockRangeResponse serializes a sync response to zstd-compressed
// CBOR.
func EncodeBlockRangeResponse(resp *BlockRangeResponse) ([]byte, error) {
	data, err := cbor.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return Compress(data), nil
}

// DecodeBlockRangeResponse decodes a (possibly zstd-compressed) CBOR-encoded
// sync response.
func DecodeBlockRangeResponse(data []byte) (*BlockRangeResponse, error) {
	raw, err := Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("decompress sync response: %w", err)
	}
	var resp BlockRangeResponse
	if err := cbor.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
