// Package storage provides the fast-read index a Peer keeps alongside its
// WAL: a durable map from seq to the delivered OrderRecord, rebuilt from
// WAL replay on startup and kept current as the WAL grows. It exists so
// reads of history don't have to scan the WAL file.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

var ordersBucket = []byte("orders")

// Storage is the fast-read index contract: a Set/Get-shaped interface
// specialized to this module's seq-keyed OrderRecord.
type Storage interface {
	// Put durably indexes an already-WAL-appended order. It is not the
	// source of truth - the WAL is - so a failure here does not need to be
	// fatal to the peer's role the way a WAL append failure is.
	Put(order types.OrderRecord) error

	// All returns every indexed order, ascending by seq.
	All() ([]types.OrderRecord, error)

	// Get returns one order by seq.
	Get(seq types.Seq) (types.OrderRecord, bool, error)

	Close() error
}

// BoltStorage is the durable Storage backed by a single bbolt database
// file.
type BoltStorage struct {
	db *bbolt.DB
}

// Open creates or reopens a BoltStorage at path.
func Open(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(ordersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create bucket: %w", err)
	}
	return &BoltStorage{db: db}, nil
}

func seqKey(seq types.Seq) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

// Put implements Storage.
func (b *BoltStorage) Put(order types.OrderRecord) error {
	value, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("storage: marshal order: %w", err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(ordersBucket).Put(seqKey(order.Seq), value)
	})
}

// All implements Storage.
func (b *BoltStorage) All() ([]types.OrderRecord, error) {
	var out []types.OrderRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(ordersBucket).ForEach(func(_, v []byte) error {
			var order types.OrderRecord
			if err := json.Unmarshal(v, &order); err != nil {
				return fmt.Errorf("storage: unmarshal order: %w", err)
			}
			out = append(out, order)
			return nil
		})
	})
	return out, err
}

// Get implements Storage.
func (b *BoltStorage) Get(seq types.Seq) (types.OrderRecord, bool, error) {
	var order types.OrderRecord
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(ordersBucket).Get(seqKey(seq))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &order)
	})
	return order, found, err
}

// Close implements Storage.
func (b *BoltStorage) Close() error {
	return b.db.Close()
}
