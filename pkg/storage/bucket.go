package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
)

// Backend is the write-through persistence the registries, oracles and the
// token ledger use. Values are JSON.
type Backend interface {
	Put(key string, v any) error
	Delete(key string) error
	// Apply writes every op or none of them.
	Apply(ops []Op) error
	// Each calls fn for every entry in key order, stopping at the first error.
	Each(fn func(key string, raw []byte) error) error
}

// Op is one write in an Apply batch. A nil Value deletes Key.
type Op struct {
	Key   string
	Value any
}

// Bucket is a named key space inside the pebble database.
type Bucket struct {
	db     *pebble.DB
	prefix []byte
}

// Bucket returns the bucket called name. Names must not contain ':'.
func (s *PebbleStore) Bucket(name string) *Bucket {
	return &Bucket{db: s.db, prefix: bucketPrefix(name)}
}

func (b *Bucket) key(k string) []byte {
	return append(append([]byte(nil), b.prefix...), k...)
}

func (b *Bucket) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.db.Set(b.key(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Delete(key string) error {
	if err := b.db.Delete(b.key(key), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (b *Bucket) Apply(ops []Op) error {
	batch := b.db.NewBatch()
	defer batch.Close()

	for _, op := range ops {
		if op.Value == nil {
			if err := batch.Delete(b.key(op.Key), nil); err != nil {
				return fmt.Errorf("failed to stage delete %s: %w", op.Key, err)
			}
			continue
		}
		data, err := json.Marshal(op.Value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", op.Key, err)
		}
		if err := batch.Set(b.key(op.Key), data, nil); err != nil {
			return fmt.Errorf("failed to stage %s: %w", op.Key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *Bucket) Each(fn func(key string, raw []byte) error) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: b.prefix,
		UpperBound: keyUpperBound(b.prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), string(b.prefix))
		if err := fn(key, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ Backend = (*Bucket)(nil)
