package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/payledger/internal/domain"
)

// MemStore is an in-memory Store used by package tests that exercise the
// dispatcher and subscription logic without a live PostgreSQL instance.
// WithTx snapshots its state before running fn and restores it on error,
// modeling the same rollback-on-failure discipline the real transactional
// store provides.
type MemStore struct {
	mu          sync.Mutex
	customers   map[int64]domain.Customer
	subs        map[int64]domain.Subscription
	payments    map[int64]domain.Payment
	events      map[int64]domain.WebhookEvent
	nextCustID  int64
	nextSubID   int64
	nextPayID   int64
	nextEventID int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		customers: make(map[int64]domain.Customer),
		subs:      make(map[int64]domain.Subscription),
		payments:  make(map[int64]domain.Payment),
		events:    make(map[int64]domain.WebhookEvent),
	}
}

type memSnapshot struct {
	customers   map[int64]domain.Customer
	subs        map[int64]domain.Subscription
	payments    map[int64]domain.Payment
	events      map[int64]domain.WebhookEvent
	nextCustID  int64
	nextSubID   int64
	nextPayID   int64
	nextEventID int64
}

func (s *MemStore) snapshot() memSnapshot {
	snap := memSnapshot{
		customers:   make(map[int64]domain.Customer, len(s.customers)),
		subs:        make(map[int64]domain.Subscription, len(s.subs)),
		payments:    make(map[int64]domain.Payment, len(s.payments)),
		events:      make(map[int64]domain.WebhookEvent, len(s.events)),
		nextCustID:  s.nextCustID,
		nextSubID:   s.nextSubID,
		nextPayID:   s.nextPayID,
		nextEventID: s.nextEventID,
	}
	for k, v := range s.customers {
		snap.customers[k] = v
	}
	for k, v := range s.subs {
		snap.subs[k] = v
	}
	for k, v := range s.payments {
		snap.payments[k] = v
	}
	for k, v := range s.events {
		snap.events[k] = v
	}
	return snap
}

func (s *MemStore) restore(snap memSnapshot) {
	s.customers = snap.customers
	s.subs = snap.subs
	s.payments = snap.payments
	s.events = snap.events
	s.nextCustID = snap.nextCustID
	s.nextSubID = snap.nextSubID
	s.nextPayID = snap.nextPayID
	s.nextEventID = snap.nextEventID
}

func (s *MemStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := s.snapshot()
	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		s.restore(before)
		return err
	}
	return nil
}

// memTx operates directly on MemStore's maps; callers are already holding
// MemStore.mu for the duration of WithTx, so no additional locking is
// needed here.
type memTx struct {
	s *MemStore
}

func (t *memTx) FindEventByComposite(_ context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	for _, ev := range t.s.events {
		if ev.Provider == provider && ev.EventID == eventID {
			cp := ev
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertEvent(_ context.Context, ev *domain.WebhookEvent) error {
	for _, existing := range t.s.events {
		if existing.Provider == ev.Provider && existing.EventID == ev.EventID {
			return ErrConflict
		}
	}
	t.s.nextEventID++
	ev.ID = t.s.nextEventID
	ev.ReceivedAt = time.Now().UTC()
	t.s.events[ev.ID] = *ev
	return nil
}

func (t *memTx) UpdateEvent(_ context.Context, ev *domain.WebhookEvent) error {
	if _, ok := t.s.events[ev.ID]; !ok {
		return ErrNotFound
	}
	t.s.events[ev.ID] = *ev
	return nil
}

func (t *memTx) ListEventsDesc(_ context.Context) ([]domain.WebhookEvent, error) {
	out := make([]domain.WebhookEvent, 0, len(t.s.events))
	for _, ev := range t.s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (t *memTx) FindEventsByEventID(_ context.Context, eventID, provider string) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	for _, ev := range t.s.events {
		if ev.EventID != eventID {
			continue
		}
		if provider != "" && ev.Provider != provider {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) FindRetryCandidates(_ context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	for _, ev := range t.s.events {
		if ev.ProcessingStatus != domain.WebhookFailed || ev.NeedsAttention {
			continue
		}
		if ev.NextRetryAt != nil && ev.NextRetryAt.After(now) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) GetCustomer(_ context.Context, id int64) (*domain.Customer, error) {
	if c, ok := t.s.customers[id]; ok {
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) FindCustomerByEmail(_ context.Context, email string) (*domain.Customer, error) {
	for _, c := range t.s.customers {
		if c.Email == email {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) FindCustomerByProviderID(_ context.Context, providerCustomerID string) (*domain.Customer, error) {
	for _, c := range t.s.customers {
		if c.ProviderCustomerID != nil && *c.ProviderCustomerID == providerCustomerID {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertCustomer(_ context.Context, c *domain.Customer) error {
	t.s.nextCustID++
	c.ID = t.s.nextCustID
	c.CreatedAt = time.Now().UTC()
	t.s.customers[c.ID] = *c
	return nil
}

func (t *memTx) UpdateCustomer(_ context.Context, c *domain.Customer) error {
	if _, ok := t.s.customers[c.ID]; !ok {
		return ErrNotFound
	}
	t.s.customers[c.ID] = *c
	return nil
}

func (t *memTx) GetSubscription(_ context.Context, id int64) (*domain.Subscription, error) {
	if s, ok := t.s.subs[id]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

func (t *memTx) FindSubscriptionByProviderID(_ context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	for _, s := range t.s.subs {
		if s.ProviderSubscriptionID == providerSubscriptionID {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertSubscription(_ context.Context, s *domain.Subscription) error {
	t.s.nextSubID++
	s.ID = t.s.nextSubID
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	t.s.subs[s.ID] = *s
	return nil
}

func (t *memTx) UpdateSubscription(_ context.Context, s *domain.Subscription) error {
	if _, ok := t.s.subs[s.ID]; !ok {
		return ErrNotFound
	}
	t.s.subs[s.ID] = *s
	return nil
}

func (t *memTx) ListPastDueSubscriptions(_ context.Context) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, s := range t.s.subs {
		if s.Status == domain.SubscriptionPastDue {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListExpirableSubscriptions(_ context.Context, now time.Time) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, s := range t.s.subs {
		if s.Status == domain.SubscriptionActive && !s.CurrentPeriodEnd.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *domain.Payment) error {
	t.s.nextPayID++
	p.ID = t.s.nextPayID
	t.s.payments[p.ID] = *p
	return nil
}

// Payments exposes a read-only snapshot for assertions in tests.
func (s *MemStore) Payments() []domain.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
