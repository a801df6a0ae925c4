package history

import (
	"context"
	"sort"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/coachpo/termconnect/errs"
)

const (
	orderKeyPrefix = "o:"
	dealKeyPrefix  = "d:"
)

// BadgerStorage is a disk-backed Storage implementation satisfying the
// same contract as MemoryStorage, so a connection may swap in a durable
// history collaborator without the synchronization engine knowing it.
type BadgerStorage struct {
	db *badger.DB

	mu       sync.RWMutex
	lastOrd  time.Time
	lastDeal time.Time
}

// NewBadgerStorage opens (or creates) a badger database rooted at dir.
func NewBadgerStorage(dir string) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.New("history/badger", errs.CodeInternal, errs.WithMessage("open badger store"), errs.WithCause(err))
	}
	s := &BadgerStorage{db: db}
	s.loadWatermarks()
	return s, nil
}

func (s *BadgerStorage) loadWatermarks() {
	for _, o := range s.Orders() {
		if o.DoneTime.After(s.lastOrd) {
			s.lastOrd = o.DoneTime
		}
	}
	for _, d := range s.Deals() {
		if d.DoneTime.After(s.lastDeal) {
			s.lastDeal = d.DoneTime
		}
	}
}

// OnHistoryOrderAdded commits the merged order in its own transaction and
// then advances the in-memory watermark; the write is synced to disk once
// UpdateStorage runs.
func (s *BadgerStorage) OnHistoryOrderAdded(_ context.Context, order HistoryOrder) error {
	if order.ID == "" {
		order.LocalID = ulid.Make().String()
	}
	key := []byte(orderKeyPrefix + mergeKey(order.ID, order.LocalID))
	if existing, ok := s.lookupOrder(key); ok && !existing.DoneTime.IsZero() {
		order.DoneTime = minTime(existing.DoneTime, order.DoneTime)
	}
	raw, err := json.Marshal(order)
	if err != nil {
		return errs.New("history/badger", errs.CodeInternal, errs.WithMessage("marshal history order"), errs.WithCause(err))
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	}); err != nil {
		return errs.New("history/badger", errs.CodeInternal, errs.WithMessage("persist history order"), errs.WithCause(err))
	}
	s.mu.Lock()
	if order.DoneTime.After(s.lastOrd) {
		s.lastOrd = order.DoneTime
	}
	s.mu.Unlock()
	return nil
}

// OnDealAdded mirrors OnHistoryOrderAdded for the deals log.
func (s *BadgerStorage) OnDealAdded(_ context.Context, deal Deal) error {
	if deal.ID == "" {
		deal.LocalID = ulid.Make().String()
	}
	key := []byte(dealKeyPrefix + mergeKey(deal.ID, deal.LocalID))
	if existing, ok := s.lookupDeal(key); ok && !existing.DoneTime.IsZero() {
		deal.DoneTime = minTime(existing.DoneTime, deal.DoneTime)
	}
	raw, err := json.Marshal(deal)
	if err != nil {
		return errs.New("history/badger", errs.CodeInternal, errs.WithMessage("marshal deal"), errs.WithCause(err))
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	}); err != nil {
		return errs.New("history/badger", errs.CodeInternal, errs.WithMessage("persist deal"), errs.WithCause(err))
	}
	s.mu.Lock()
	if deal.DoneTime.After(s.lastDeal) {
		s.lastDeal = deal.DoneTime
	}
	s.mu.Unlock()
	return nil
}

// Reset drops every key under both prefixes and rewinds the watermarks.
func (s *BadgerStorage) Reset(_ context.Context) error {
	if err := s.db.DropPrefix([]byte(orderKeyPrefix), []byte(dealKeyPrefix)); err != nil {
		return errs.New("history/badger", errs.CodeInternal, errs.WithMessage("reset badger store"), errs.WithCause(err))
	}
	s.mu.Lock()
	s.lastOrd = time.Time{}
	s.lastDeal = time.Time{}
	s.mu.Unlock()
	return nil
}

// UpdateStorage syncs badger's files to disk so the caller can rely on
// durability before acknowledging the synchronization step that produced it.
func (s *BadgerStorage) UpdateStorage(_ context.Context) error {
	if err := s.db.Sync(); err != nil {
		return errs.New("history/badger", errs.CodeInternal, errs.WithMessage("flush badger store"), errs.WithCause(err))
	}
	return nil
}

// LastHistoryOrderTime returns the current order watermark.
func (s *BadgerStorage) LastHistoryOrderTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastOrd
}

// LastDealTime returns the current deal watermark.
func (s *BadgerStorage) LastDealTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDeal
}

// Orders scans the order prefix and returns records sorted by (doneTime, id).
func (s *BadgerStorage) Orders() []HistoryOrder {
	var out []HistoryOrder
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(orderKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var order HistoryOrder
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &order)
			}); err == nil {
				out = append(out, order)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DoneTime.Equal(out[j].DoneTime) {
			return out[i].DoneTime.Before(out[j].DoneTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Deals scans the deal prefix and returns records sorted by (doneTime, id).
func (s *BadgerStorage) Deals() []Deal {
	var out []Deal
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(dealKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var deal Deal
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &deal)
			}); err == nil {
				out = append(out, deal)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DoneTime.Equal(out[j].DoneTime) {
			return out[i].DoneTime.Before(out[j].DoneTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close releases the underlying badger database.
func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func (s *BadgerStorage) lookupOrder(key []byte) (HistoryOrder, bool) {
	var order HistoryOrder
	found := false
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &order); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return order, found
}

func (s *BadgerStorage) lookupDeal(key []byte) (Deal, bool) {
	var deal Deal
	found := false
	_ = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &deal); err != nil {
				return err
			}
			found = true
			return nil
		})
	})
	return deal, found
}
