// Package blockindex implements the transaction-id to block-height index,
// backed by a LevelDB datastore independent of the chainstate's bbolt
// database.
package blockindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	datastore "github.com/ipfs/go-datastore"
	leveldb "github.com/ipfs/go-ds-leveldb"
	"go.uber.org/zap"
)

// Store maps transaction identifiers to the height of the block that most
// recently committed them.
type Store struct {
	ds     *leveldb.Datastore
	logger *zap.Logger
}

// Open opens (creating if necessary) the block index database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	ds, err := leveldb.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open block index db: %w", err)
	}
	return &Store{ds: ds, logger: logger}, nil
}

// Close closes the underlying datastore.
func (s *Store) Close() error {
	return s.ds.Close()
}

// Put records that txid was committed at the given height, replacing any
// earlier entry. txid must be exactly 64 characters and height must be
// non-negative.
func (s *Store) Put(ctx context.Context, txid string, height int64) error {
	if len(txid) != 64 {
		return fmt.Errorf("txid invalid length: %d", len(txid))
	}
	if height < 0 {
		return fmt.Errorf("negative height: %d", height)
	}

	key := datastore.NewKey(txid)
	return s.ds.Put(ctx, key, []byte(strconv.FormatInt(height, 10)))
}

// Get returns the height most recently recorded for txid.
func (s *Store) Get(ctx context.Context, txid string) (int64, bool, error) {
	key := datastore.NewKey(txid)
	raw, err := s.ds.Get(ctx, key)
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get block index entry: %w", err)
	}

	height, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse block index height: %w", err)
	}
	return height, true, nil
}

// Delete removes the index entry for txid, if present.
func (s *Store) Delete(ctx context.Context, txid string) error {
	return s.ds.Delete(ctx, datastore.NewKey(txid))
}
