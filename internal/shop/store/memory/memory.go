// Package memory is an in-process store for tests and local runs. Its mutex
// plays the role of the database's row lock; it is only correct within a
// single process.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ridiculoid-net/onedropthreads-prod/internal/shop/domain"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/contracts"
	"github.com/ridiculoid-net/onedropthreads-prod/pkg/outbox"
)

type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	items  map[string]domain.Item
	orders map[string]domain.Order // by session id
	cases  map[string]domain.ReconciliationCase
	outbox []outbox.Record
}

func New() *Store {
	return &Store{
		now:    time.Now,
		items:  make(map[string]domain.Item),
		orders: make(map[string]domain.Order),
		cases:  make(map[string]domain.ReconciliationCase),
	}
}

func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Close()                        {}

func (s *Store) ListAvailableItems(_ context.Context) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Item
	for _, it := range s.items {
		if it.Status == domain.ItemAvailable {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetItemByID(_ context.Context, id string) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return domain.Item{}, domain.ErrNotFound
	}
	return copyItem(it), nil
}

func (s *Store) TryMarkSold(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || it.Status != domain.ItemAvailable {
		return false, nil
	}
	now := s.now().UTC()
	it.Status = domain.ItemSold
	it.SoldAt = &now
	s.items[id] = it
	return true, nil
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[item.ID]; ok {
		return copyItem(existing), nil
	}
	if item.Status == "" {
		item.Status = domain.ItemAvailable
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now().UTC()
	}
	item = copyItem(item)
	s.items[item.ID] = item
	return copyItem(item), nil
}

func (s *Store) ListSoldWithoutOrder(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	withOrder := make(map[string]bool, len(s.orders))
	for _, o := range s.orders {
		withOrder[o.ItemID] = true
	}
	var out []string
	for id, it := range s.items {
		if it.Status == domain.ItemSold && !withOrder[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) GetOrderBySessionID(_ context.Context, sessionID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[sessionID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.SessionID]; ok {
		return domain.ErrDuplicateSession
	}
	if err := s.enqueue(domain.OrderFulfilledEvent(order)); err != nil {
		return err
	}
	s.orders[order.SessionID] = order
	return nil
}

func (s *Store) ListOrders(_ context.Context) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) OpenCase(_ context.Context, c domain.ReconciliationCase) (domain.ReconciliationCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.cases {
		if existing.SessionID != c.SessionID {
			continue
		}
		existing.Reason = c.Reason
		existing.Error = c.Error
		existing.Event = c.Event
		if c.ProviderOrderID != nil {
			existing.ProviderOrderID = c.ProviderOrderID
		}
		existing.Claimed = false
		existing.Resolved = false
		existing.ResolvedAt = nil
		if err := s.enqueue(domain.CaseEvent(existing, contracts.EventReconciliationRequired, s.now())); err != nil {
			return domain.ReconciliationCase{}, err
		}
		s.cases[id] = existing
		return existing, nil
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	c.Claimed = false
	if err := s.enqueue(domain.CaseEvent(c, contracts.EventReconciliationRequired, s.now())); err != nil {
		return domain.ReconciliationCase{}, err
	}
	s.cases[c.ID] = c
	return c, nil
}

func (s *Store) GetCase(_ context.Context, id string) (domain.ReconciliationCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return domain.ReconciliationCase{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListOpenCases(_ context.Context) ([]domain.ReconciliationCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ReconciliationCase
	for _, c := range s.cases {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TryClaimCase(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok || c.Resolved || c.Claimed {
		return false, nil
	}
	c.Claimed = true
	s.cases[id] = c
	return true, nil
}

func (s *Store) ResolveCase(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok {
		return domain.ErrNotFound
	}
	at = at.UTC()
	c.Resolved = true
	c.Claimed = false
	c.ResolvedAt = &at
	if err := s.enqueue(domain.CaseEvent(c, contracts.EventReconciliationResolved, at)); err != nil {
		return err
	}
	s.cases[id] = c
	return nil
}

func (s *Store) FetchPending(_ context.Context, limit int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Record
	for _, rec := range s.outbox {
		if rec.SentAt == nil && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			s.outbox[i].SentAt = &now
		}
	}
	return nil
}

// enqueue appends an outbox record; callers hold mu and apply their own
// change only when it succeeds.
func (s *Store) enqueue(evt contracts.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	s.outbox = append(s.outbox, outbox.Record{
		ID:        int64(len(s.outbox) + 1),
		EventID:   evt.EventID,
		Topic:     contracts.TopicShopEvents,
		Key:       evt.ItemID,
		Payload:   data,
		CreatedAt: evt.CreatedAt,
	})
	return nil
}

func copyItem(it domain.Item) domain.Item {
	it.Variants = slices.Clone(it.Variants)
	return it
}
