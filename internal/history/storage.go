package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Storage is the append/merge contract a history backend must satisfy.
// Memory and badger-backed implementations share this interface so the
// synchronization engine never distinguishes between them.
type Storage interface {
	OnHistoryOrderAdded(ctx context.Context, order HistoryOrder) error
	OnDealAdded(ctx context.Context, deal Deal) error
	Reset(ctx context.Context) error
	UpdateStorage(ctx context.Context) error
	LastHistoryOrderTime() time.Time
	LastDealTime() time.Time
	Orders() []HistoryOrder
	Deals() []Deal
	Close() error
}

// MemoryStorage is the default pure in-memory Storage implementation.
type MemoryStorage struct {
	mu sync.RWMutex

	orders   map[string]HistoryOrder
	deals    map[string]Deal
	lastOrd  time.Time
	lastDeal time.Time
}

// NewMemoryStorage builds an empty in-memory history store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		orders: make(map[string]HistoryOrder),
		deals:  make(map[string]Deal),
	}
}

// OnHistoryOrderAdded merges order by id; last write wins on mutable
// fields, and the order's own DoneTime rolls the watermark forward only
// if it advances it.
func (s *MemoryStorage) OnHistoryOrderAdded(_ context.Context, order HistoryOrder) error {
	if order.ID == "" {
		order.LocalID = ulid.Make().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mergeKey(order.ID, order.LocalID)
	if existing, ok := s.orders[key]; ok && !existing.DoneTime.IsZero() {
		// earliest doneTime wins per spec; keep the earlier value, refresh
		// the rest of the mutable fields from the newer record.
		order.DoneTime = minTime(existing.DoneTime, order.DoneTime)
	}
	s.orders[key] = order
	if order.DoneTime.After(s.lastOrd) {
		s.lastOrd = order.DoneTime
	}
	return nil
}

// OnDealAdded merges deal by id with the same semantics as order merge.
func (s *MemoryStorage) OnDealAdded(_ context.Context, deal Deal) error {
	if deal.ID == "" {
		deal.LocalID = ulid.Make().String()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := mergeKey(deal.ID, deal.LocalID)
	if existing, ok := s.deals[key]; ok && !existing.DoneTime.IsZero() {
		deal.DoneTime = minTime(existing.DoneTime, deal.DoneTime)
	}
	s.deals[key] = deal
	if deal.DoneTime.After(s.lastDeal) {
		s.lastDeal = deal.DoneTime
	}
	return nil
}

// Reset empties both logs and rewinds the watermarks to the epoch.
func (s *MemoryStorage) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]HistoryOrder)
	s.deals = make(map[string]Deal)
	s.lastOrd = time.Time{}
	s.lastDeal = time.Time{}
	return nil
}

// UpdateStorage is a no-op for the pure in-memory backend.
func (s *MemoryStorage) UpdateStorage(_ context.Context) error { return nil }

// LastHistoryOrderTime returns the current order watermark.
func (s *MemoryStorage) LastHistoryOrderTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOrd
}

// LastDealTime returns the current deal watermark.
func (s *MemoryStorage) LastDealTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDeal
}

// Orders returns a snapshot of the orders log sorted by (doneTime, id).
func (s *MemoryStorage) Orders() []HistoryOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HistoryOrder, 0, len(s.orders))
	for _, v := range s.orders {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DoneTime.Equal(out[j].DoneTime) {
			return out[i].DoneTime.Before(out[j].DoneTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Deals returns a snapshot of the deals log sorted by (doneTime, id).
func (s *MemoryStorage) Deals() []Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Deal, 0, len(s.deals))
	for _, v := range s.deals {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DoneTime.Equal(out[j].DoneTime) {
			return out[i].DoneTime.Before(out[j].DoneTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close is a no-op; the memory backend owns no external resources.
func (s *MemoryStorage) Close() error { return nil }

func mergeKey(id, localID string) string {
	if id != "" {
		return "id:" + id
	}
	return "local:" + localID
}

func minTime(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() {
		return a
	}
	if a.Before(b) {
		return a
	}
	return b
}
