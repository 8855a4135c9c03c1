// Package bolt implements storage.Store on a single bbolt file.
//
// bbolt serialises writers, but Upsert deliberately reads in one transaction
// and writes in another so the CAS contract behaves exactly as it does on the
// shared backends: a concurrent writer between the two changes the version and
// the second transaction reports storage.ErrConflict. Versions are drawn from
// the bucket sequence, so a key that is deleted and recreated never gets back
// a version an earlier reader saw.
//
// bbolt holds an exclusive file lock, so one file serves one process. Use the
// redis or postgres backends when several processes share a queue.
package bolt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/levelq/internal/storage"
	"github.com/snehjoshi/levelq/internal/types"
)

var (
	bucketQueue      = []byte(storage.NamespaceQueue)
	bucketDeadLetter = []byte(storage.NamespaceDeadLetter)
)

var _ storage.Store = (*Store)(nil)

// Store is a bbolt-backed storage.Store.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the bbolt file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("bolt: create dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketQueue, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Get implements storage.Store.
func (s *Store) Get(_ context.Context, key string) (*types.QueueItem, error) {
	rec, ok, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Item, nil
}

// read loads the record for key. ok is false when none is stored.
func (s *Store) read(key string) (rec storage.Record, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketQueue).Get([]byte(storage.KeyHash(key)))
		if val == nil {
			return nil
		}
		var derr error
		rec, derr = storage.DecodeRecord(val)
		ok = derr == nil
		return derr
	})
	return rec, ok, err
}

// Upsert implements storage.Store.
func (s *Store) Upsert(_ context.Context, key string, fn storage.MutateFunc) (*types.QueueItem, error) {
	rec, exists, err := s.read(key)
	if err != nil {
		return nil, err
	}
	readVersion := rec.Version

	item := &types.QueueItem{Key: key}
	if exists {
		item = rec.Item.Clone()
	}
	op, err := fn(item, exists)
	if err != nil {
		return nil, err
	}
	if op == storage.OpNone {
		if !exists {
			return nil, nil
		}
		return rec.Item, nil
	}
	item.Key = key

	hash := []byte(storage.KeyHash(key))
	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		var current uint64
		if val := b.Get(hash); val != nil {
			cur, derr := storage.DecodeRecord(val)
			if derr != nil {
				return derr
			}
			current = cur.Version
		}
		if current != readVersion {
			return storage.ErrConflict
		}

		if op == storage.OpDelete {
			return b.Delete(hash)
		}
		version, serr := b.NextSequence()
		if serr != nil {
			return serr
		}
		val, eerr := storage.EncodeRecord(storage.Record{Version: version, Item: item})
		if eerr != nil {
			return eerr
		}
		return b.Put(hash, val)
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("bolt: upsert %q: %w", key, err)
		}
		return nil, err
	}
	if op == storage.OpDelete {
		return nil, nil
	}
	return item, nil
}

// List implements storage.Store.
func (s *Store) List(_ context.Context, f storage.Filter) ([]*types.QueueItem, error) {
	var items []*types.QueueItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).ForEach(func(_, v []byte) error {
			rec, err := storage.DecodeRecord(v)
			if err != nil {
				return err
			}
			items = append(items, rec.Item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return f.Apply(items), nil
}

// Delete implements storage.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete([]byte(storage.KeyHash(key)))
	})
}

// PutDeadLetter implements storage.Store.
func (s *Store) PutDeadLetter(_ context.Context, e *types.DeadLetterEntry) error {
	hash := []byte(storage.KeyHash(e.Key))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		var version uint64
		if val := b.Get(hash); val != nil {
			if cur, err := storage.DecodeDeadLetter(val); err == nil {
				version = cur.Version
			}
		}
		val, err := storage.EncodeDeadLetter(storage.DeadLetterRecord{Version: version + 1, Entry: e})
		if err != nil {
			return err
		}
		return b.Put(hash, val)
	})
}

// GetDeadLetter implements storage.Store.
func (s *Store) GetDeadLetter(_ context.Context, key string) (*types.DeadLetterEntry, error) {
	var entry *types.DeadLetterEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketDeadLetter).Get([]byte(storage.KeyHash(key)))
		if val == nil {
			return storage.ErrNotFound
		}
		rec, err := storage.DecodeDeadLetter(val)
		if err != nil {
			return err
		}
		entry = rec.Entry
		return nil
	})
	return entry, err
}

// ListDeadLetter implements storage.Store.
func (s *Store) ListDeadLetter(_ context.Context) ([]*types.DeadLetterEntry, error) {
	var entries []*types.DeadLetterEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadLetter).ForEach(func(_, v []byte) error {
			rec, err := storage.DecodeDeadLetter(v)
			if err != nil {
				return err
			}
			entries = append(entries, rec.Entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortDeadLetters(entries)
	return entries, nil
}

// DeleteDeadLetter implements storage.Store.
func (s *Store) DeleteDeadLetter(_ context.Context, key string) error {
	hash := []byte(storage.KeyHash(key))
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		if b.Get(hash) == nil {
			return storage.ErrNotFound
		}
		return b.Delete(hash)
	})
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
