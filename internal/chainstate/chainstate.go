// Package chainstate implements the persistent UTXO fragment store, backed
// by a single bbolt database file.
package chainstate

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/heliumproject/heliumd/internal/tx"
)

var fragmentsBucket = []byte("fragments")

// Store is a bbolt-backed projection of the UTXO set, keyed by
// "txid_voutindex".
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the chainstate database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open chainstate db: %w", err)
	}

	err = db.Update(func(btx *bbolt.Tx) error {
		_, err := btx.CreateBucketIfNotExists(fragmentsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fragments bucket: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutFragment upserts a fragment under key, using delete-then-insert
// semantics so that overwrites are atomic from a reader's perspective.
func (s *Store) PutFragment(key string, fragment *tx.Fragment) error {
	encoded, err := json.Marshal(fragment)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}

	return s.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(fragmentsBucket)
		if err := b.Delete([]byte(key)); err != nil {
			return fmt.Errorf("delete existing fragment: %w", err)
		}
		return b.Put([]byte(key), encoded)
	})
}

// GetFragment looks up the fragment stored under key.
func (s *Store) GetFragment(key string) (*tx.Fragment, bool, error) {
	var fragment *tx.Fragment

	err := s.db.View(func(btx *bbolt.Tx) error {
		b := btx.Bucket(fragmentsBucket)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var f tx.Fragment
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("unmarshal fragment: %w", err)
		}
		fragment = &f
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if fragment == nil {
		return nil, false, nil
	}
	return fragment, true, nil
}

// UnapplyTransaction reverts the effect of ApplyTransaction: every input
// fragment referenced by trans is restored to unspent, and every output
// fragment trans created is deleted. It is used to roll back a partially
// committed block.
func (s *Store) UnapplyTransaction(trans *tx.Transaction) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(fragmentsBucket)

		for _, vin := range trans.Vin {
			prevKey := tx.FragmentKey(vin.TxID, vin.VoutIndex)

			raw := b.Get([]byte(prevKey))
			if raw == nil {
				continue
			}
			var fragment tx.Fragment
			if err := json.Unmarshal(raw, &fragment); err != nil {
				return fmt.Errorf("unmarshal fragment %s: %w", prevKey, err)
			}
			fragment.Spent = false
			fragment.TxChain = ""

			encoded, err := json.Marshal(&fragment)
			if err != nil {
				return fmt.Errorf("marshal fragment %s: %w", prevKey, err)
			}
			if err := b.Delete([]byte(prevKey)); err != nil {
				return err
			}
			if err := b.Put([]byte(prevKey), encoded); err != nil {
				return err
			}
		}

		for i := range trans.Vout {
			key := tx.FragmentKey(trans.TransactionID, i)
			if err := b.Delete([]byte(key)); err != nil {
				return err
			}
		}

		return nil
	})
}

// DeleteFragment removes the fragment stored under key. It reports whether
// the key existed.
func (s *Store) DeleteFragment(key string) (bool, error) {
	existed := false
	err := s.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(fragmentsBucket)
		existed = b.Get([]byte(key)) != nil
		return b.Delete([]byte(key))
	})
	return existed, err
}

// ApplyTransaction projects the effect of a committed transaction onto the
// chainstate: every referenced input fragment is marked spent, and a new
// unspent fragment is written for every output. The whole operation runs in
// a single bbolt transaction, so a double-spend or missing-fragment failure
// leaves the store untouched.
func (s *Store) ApplyTransaction(trans *tx.Transaction) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		b := btx.Bucket(fragmentsBucket)

		for _, vin := range trans.Vin {
			prevKey := tx.FragmentKey(vin.TxID, vin.VoutIndex)

			raw := b.Get([]byte(prevKey))
			if raw == nil {
				return fmt.Errorf("chainstate fragment not found: %s", prevKey)
			}

			var fragment tx.Fragment
			if err := json.Unmarshal(raw, &fragment); err != nil {
				return fmt.Errorf("unmarshal fragment %s: %w", prevKey, err)
			}

			if fragment.Spent {
				return fmt.Errorf("double spend of chainstate fragment: %s", prevKey)
			}

			fragment.Spent = true
			fragment.TxChain = fmt.Sprintf("%s_%d", trans.TransactionID, vin.VoutIndex)

			encoded, err := json.Marshal(&fragment)
			if err != nil {
				return fmt.Errorf("marshal fragment %s: %w", prevKey, err)
			}
			if err := b.Delete([]byte(prevKey)); err != nil {
				return err
			}
			if err := b.Put([]byte(prevKey), encoded); err != nil {
				return err
			}
		}

		for i, vout := range trans.Vout {
			key := tx.FragmentKey(trans.TransactionID, i)
			fragment := tx.Fragment{
				PKHash:  vout.ScriptPubKey[2],
				Value:   vout.Value,
				Spent:   false,
				TxChain: "",
			}
			encoded, err := json.Marshal(&fragment)
			if err != nil {
				return fmt.Errorf("marshal fragment %s: %w", key, err)
			}
			if err := b.Put([]byte(key), encoded); err != nil {
				return err
			}
		}

		return nil
	})
}
