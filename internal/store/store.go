// Package store is the persistence boundary for customers, subscriptions,
// payments, and webhook events: a transactional store with unique
// constraints, exposed here as a Go interface so both a PostgreSQL-backed
// implementation and an in-memory fake satisfy it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/payledger/internal/domain"
)

// ErrConflict is returned by Tx.InsertEvent when the (provider, event_id)
// unique constraint is violated, so the dispatcher can collapse the
// concurrent-first-delivery race into the existing-event path.
var ErrConflict = errors.New("unique constraint violation")

// ErrNotFound is returned by MemStore's update methods when the row does
// not exist. Lookups that find nothing return a nil row and a nil error.
var ErrNotFound = errors.New("not found")

// Tx is the set of operations available within a single transaction.
// The webhook dispatcher's commit discipline requires that the event row
// and every subscription/payment mutation a handler makes land in the
// same Tx.
type Tx interface {
	FindEventByComposite(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error)
	InsertEvent(ctx context.Context, ev *domain.WebhookEvent) error
	UpdateEvent(ctx context.Context, ev *domain.WebhookEvent) error
	ListEventsDesc(ctx context.Context) ([]domain.WebhookEvent, error)
	FindEventsByEventID(ctx context.Context, eventID, provider string) ([]domain.WebhookEvent, error)
	FindRetryCandidates(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)

	GetCustomer(ctx context.Context, id int64) (*domain.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error)
	FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*domain.Customer, error)
	InsertCustomer(ctx context.Context, c *domain.Customer) error
	UpdateCustomer(ctx context.Context, c *domain.Customer) error

	GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error)
	FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscription, error)
	InsertSubscription(ctx context.Context, s *domain.Subscription) error
	UpdateSubscription(ctx context.Context, s *domain.Subscription) error
	ListPastDueSubscriptions(ctx context.Context) ([]domain.Subscription, error)
	ListExpirableSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error)

	InsertPayment(ctx context.Context, p *domain.Payment) error
}

// Store begins a transaction, runs fn, and commits or rolls back
// depending on whether fn returns an error.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
