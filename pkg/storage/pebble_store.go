package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/harvestchain/pkg/escrow"
)

// PebbleStore persists escrow orders, the event log and the id counter, and
// hands out JSON buckets for the registries, oracles and token balances.
type PebbleStore struct {
	db *pebble.DB

	mu       sync.Mutex // guards the counters across Commit
	nextID   uint64
	eventSeq uint64
}

// NewPebbleStore opens (or creates) the database at path.
func NewPebbleStore(path string) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20) // 64MB block cache
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}

	s := &PebbleStore{db: db, nextID: 1}
	if v, ok, err := s.getRaw([]byte(keyNextOrderID)); err != nil {
		db.Close()
		return nil, err
	} else if ok {
		s.nextID = decodeUint64(v)
	}
	if v, ok, err := s.getRaw([]byte(keyEventSeq)); err != nil {
		db.Close()
		return nil, err
	} else if ok {
		s.eventSeq = decodeUint64(v)
	}
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) getRaw(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

// NextID returns the id the next created order will receive.
func (s *PebbleStore) NextID() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}

// Order loads one order, or escrow.ErrOrderNotFound.
func (s *PebbleStore) Order(id uint64) (*escrow.Order, error) {
	data, ok, err := s.getRaw(orderKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, escrow.ErrOrderNotFound
	}
	var o escrow.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order %d: %w", id, err)
	}
	return &o, nil
}

// Orders loads every order in id order.
func (s *PebbleStore) Orders() ([]*escrow.Order, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	var orders []*escrow.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o escrow.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order at %s: %w", iter.Key(), err)
		}
		orders = append(orders, &o)
	}
	return orders, iter.Error()
}

// Commit writes the order, its event and the advanced counters in one
// synced batch, and assigns ev.Seq.
func (s *PebbleStore) Commit(o *escrow.Order, ev *escrow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.eventSeq + 1
	next := s.nextID
	if o.ID >= next {
		next = o.ID + 1
	}
	ev.Seq = seq

	orderData, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	eventData, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, kv := range [][2][]byte{
		{orderKey(o.ID), orderData},
		{eventKey(seq), eventData},
		{[]byte(keyEventSeq), encodeUint64(seq)},
		{[]byte(keyNextOrderID), encodeUint64(next)},
	} {
		if err := batch.Set(kv[0], kv[1], nil); err != nil {
			ev.Seq = 0
			return fmt.Errorf("failed to stage %s: %w", kv[0], err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		ev.Seq = 0
		return fmt.Errorf("failed to commit order %d: %w", o.ID, err)
	}

	s.eventSeq = seq
	s.nextID = next
	return nil
}

// EventsAfter returns up to limit events with Seq > seq; limit <= 0 means all.
func (s *PebbleStore) EventsAfter(seq uint64, limit int) ([]escrow.Event, error) {
	if seq == math.MaxUint64 {
		return nil, nil
	}
	prefix := []byte(prefixEvent)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(seq + 1),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open event iterator: %w", err)
	}
	defer iter.Close()

	var events []escrow.Event
	for iter.First(); iter.Valid() && (limit <= 0 || len(events) < limit); iter.Next() {
		var ev escrow.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event at %s: %w", iter.Key(), err)
		}
		events = append(events, ev)
	}
	return events, iter.Error()
}

var _ escrow.OrderStore = (*PebbleStore)(nil)
