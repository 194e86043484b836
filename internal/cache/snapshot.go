package cache

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// SnapshotKey is the fixed key the whole cache is persisted under.
const SnapshotKey = "location-cache"

// ErrNoSnapshot is returned by SnapshotStore.Load when nothing was saved yet.
var ErrNoSnapshot = errors.New("no cache snapshot")

// SnapshotStore persists one opaque snapshot blob.
type SnapshotStore interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// BadgerStore keeps the snapshot in a badger database.
type BadgerStore struct {
	db  *badger.DB
	key []byte
}

// OpenBadger opens a badger database in dir. An empty dir opens an in-memory
// database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// NewBadgerStore stores the snapshot under SnapshotKey in db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, key: []byte(SnapshotKey)}
}

// Load returns the stored snapshot or ErrNoSnapshot.
func (s *BadgerStore) Load() ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSnapshot
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Save replaces the stored snapshot.
func (s *BadgerStore) Save(data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, data)
	})
}
