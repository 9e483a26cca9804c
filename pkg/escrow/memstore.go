package escrow

import (
	"sort"
	"sync"
)

// MemStore is an in-memory OrderStore for tests and throwaway nodes.
type MemStore struct {
	mu     sync.RWMutex
	orders map[uint64]*Order
	events []Event
	nextID uint64
}

func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[uint64]*Order), nextID: 1}
}

func (s *MemStore) NextID() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID, nil
}

func (s *MemStore) Order(id uint64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemStore) Orders() ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemStore) Commit(o *Order, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o.Clone()
	if o.ID >= s.nextID {
		s.nextID = o.ID + 1
	}
	ev.Seq = uint64(len(s.events)) + 1
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemStore) EventsAfter(seq uint64, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if seq >= uint64(len(s.events)) {
		return nil, nil
	}
	out := s.events[seq:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Event(nil), out...), nil
}
