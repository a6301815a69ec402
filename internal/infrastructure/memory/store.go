// Package memory provides an in-process laborder.Repository used by tests,
// demos and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/drfirst/go-labflow/internal/domain/laborder"
)

var _ laborder.Repository = (*Store)(nil)

// slot holds one test. Its mutex serializes mutations of that test only, so
// commands against different tests never wait on each other.
type slot struct {
	mu      sync.Mutex
	orderID string
	test    *laborder.Test
	events  []*laborder.Event
}

type orderEntry struct {
	order *laborder.Order
	seq   int
	event *laborder.Event
}

// Store is a thread-safe in-memory repository.
type Store struct {
	mu     sync.RWMutex
	orders map[string]*orderEntry
	codes  map[string]string
	tests  map[string]*slot
	seq    int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		orders: make(map[string]*orderEntry),
		codes:  make(map[string]string),
		tests:  make(map[string]*slot),
	}
}

// CreateOrder stores the order with all of its tests.
func (s *Store) CreateOrder(_ context.Context, o *laborder.Order, tests []*laborder.Test, placed *laborder.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID()]; ok {
		return fmt.Errorf("order %s already exists", o.ID())
	}
	if _, ok := s.codes[o.Code()]; ok {
		return fmt.Errorf("%w: %s", laborder.ErrOrderCodeTaken, o.Code())
	}
	for _, t := range tests {
		if _, ok := s.tests[t.ID()]; ok {
			return fmt.Errorf("test %s already exists", t.ID())
		}
	}

	s.seq++
	s.orders[o.ID()] = &orderEntry{order: o, seq: s.seq, event: placed}
	s.codes[o.Code()] = o.ID()
	for _, t := range tests {
		s.tests[t.ID()] = &slot{orderID: o.ID(), test: t.Clone()}
	}
	return nil
}

// LoadOrder returns the order and copies of its tests.
func (s *Store) LoadOrder(_ context.Context, orderID string) (*laborder.Order, []*laborder.Test, error) {
	s.mu.RLock()
	entry, ok := s.orders[orderID]
	if !ok {
		s.mu.RUnlock()
		return nil, nil, laborder.NotFoundError("order %s not found", orderID)
	}
	slots := s.slotsFor(entry.order)
	s.mu.RUnlock()

	return entry.order, readTests(slots), nil
}

// ListOrders returns matching orders newest first.
func (s *Store) ListOrders(_ context.Context, filter laborder.OrderFilter) ([]*laborder.Order, map[string][]*laborder.Test, error) {
	s.mu.RLock()
	entries := make([]*orderEntry, 0, len(s.orders))
	slotsByOrder := make(map[string][]*slot, len(s.orders))
	for id, e := range s.orders {
		entries = append(entries, e)
		slotsByOrder[id] = s.slotsFor(e.order)
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.order.OrderedAt().Equal(b.order.OrderedAt()) {
			return a.order.OrderedAt().After(b.order.OrderedAt())
		}
		return a.seq > b.seq
	})

	var orders []*laborder.Order
	tests := make(map[string][]*laborder.Test)
	for _, e := range entries {
		ts := readTests(slotsByOrder[e.order.ID()])
		if !filter.Matches(e.order, ts) {
			continue
		}
		orders = append(orders, e.order)
		tests[e.order.ID()] = ts
		if filter.Limit > 0 && len(orders) == filter.Limit {
			break
		}
	}
	return orders, tests, nil
}

// MutateTest applies fn to a copy of the test under the test's lock and
// commits the copy only when fn succeeds.
func (s *Store) MutateTest(ctx context.Context, orderID, testID string, fn laborder.Mutation) (*laborder.Event, error) {
	sl, err := s.slot(orderID, testID)
	if err != nil {
		return nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working := sl.test.Clone()
	event, err := fn(working)
	if err != nil {
		return nil, err
	}
	sl.test = working
	if event != nil {
		sl.events = append(sl.events, event)
	}
	return event, nil
}

// TestEvents returns the transitions recorded for a test, oldest first.
func (s *Store) TestEvents(_ context.Context, orderID, testID string) ([]*laborder.Event, error) {
	sl, err := s.slot(orderID, testID)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	out := make([]*laborder.Event, len(sl.events))
	copy(out, sl.events)
	return out, nil
}

// OrderEvent returns the placement event recorded with an order.
func (s *Store) OrderEvent(orderID string) (*laborder.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.orders[orderID]
	if !ok || e.event == nil {
		return nil, false
	}
	return e.event, true
}

func (s *Store) slot(orderID, testID string) (*slot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.orders[orderID]; !ok {
		return nil, laborder.NotFoundError("order %s not found", orderID)
	}
	sl, ok := s.tests[testID]
	if !ok || sl.orderID != orderID {
		return nil, laborder.NotFoundError("test %s not found in order %s", testID, orderID)
	}
	return sl, nil
}

// slotsFor must be called with s.mu held.
func (s *Store) slotsFor(o *laborder.Order) []*slot {
	ids := o.TestIDs()
	out := make([]*slot, 0, len(ids))
	for _, id := range ids {
		if sl, ok := s.tests[id]; ok {
			out = append(out, sl)
		}
	}
	return out
}

func readTests(slots []*slot) []*laborder.Test {
	out := make([]*laborder.Test, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.test.Clone())
		sl.mu.Unlock()
	}
	return out
}
