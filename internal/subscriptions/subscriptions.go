// Package subscriptions implements subscription creation, the billing
// lifecycle state machine, and the grace/expiry sweep jobs. It reaches
// persistence only through internal/store, the same way the webhook
// dispatcher does, so both can be exercised against an in-memory store
// in tests.
package subscriptions

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/crosslogic/payledger/internal/apperr"
	"github.com/crosslogic/payledger/internal/domain"
	"github.com/crosslogic/payledger/internal/store"
	"github.com/google/uuid"
)

// gracePeriod is the interval a past_due subscription is held before the
// enforce-grace sweep cancels it.
const gracePeriod = 24 * time.Hour

// Service wires subscription lifecycle operations against a Store.
type Service struct {
	store store.Store
	now   func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source, used by tests to exercise the
// grace-period and period-end boundaries deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// newOpaqueID mints an id of the form "<prefix><16 hex>" from a fresh
// UUID.
func newOpaqueID(prefix string) string {
	id := uuid.New()
	return prefix + hex.EncodeToString(id[:])[:16]
}

// CreateInput accepts either an existing CustomerID or a CustomerEmail
// to resolve or lazily create.
type CreateInput struct {
	CustomerID    *int64
	CustomerEmail string
	PlanID        int64
}

// CreateOutput mirrors SubscriptionCreateOut.
type CreateOutput struct {
	SubscriptionID         int64                     `json:"subscription_id"`
	ProviderSubscriptionID string                    `json:"provider_subscription_id"`
	CustomerID             int64                     `json:"customer_id"`
	ProviderCustomerID     string                    `json:"provider_customer_id"`
	Status                 domain.SubscriptionStatus `json:"status"`
	PlanID                 int64                     `json:"plan_id"`
}

// Create resolves or creates the customer (by id or lazily by email),
// assigns a provider_customer_id on first use, and inserts a new
// subscription in pending_activation with a freshly minted
// provider_subscription_id.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateOutput, error) {
	if in.CustomerID == nil && in.CustomerEmail == "" {
		return CreateOutput{}, apperr.InvalidPayload("customer_id or customer_email is required")
	}

	var out CreateOutput
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		customer, err := s.resolveCustomer(ctx, tx, in)
		if err != nil {
			return err
		}

		if customer.ProviderCustomerID == nil {
			id := newOpaqueID("cus_")
			customer.ProviderCustomerID = &id
			if err := tx.UpdateCustomer(ctx, customer); err != nil {
				return apperr.Internal(err)
			}
		}

		now := s.now()
		sub := domain.Subscription{
			CustomerID:             customer.ID,
			PlanID:                 in.PlanID,
			ProviderSubscriptionID: newOpaqueID("sub_"),
			Status:                 domain.SubscriptionPendingActivation,
			CurrentPeriodEnd:       now,
		}
		if err := tx.InsertSubscription(ctx, &sub); err != nil {
			return apperr.Internal(err)
		}

		out = CreateOutput{
			SubscriptionID:         sub.ID,
			ProviderSubscriptionID: sub.ProviderSubscriptionID,
			CustomerID:             customer.ID,
			ProviderCustomerID:     *customer.ProviderCustomerID,
			Status:                 sub.Status,
			PlanID:                 sub.PlanID,
		}
		return nil
	})
	if err != nil {
		return CreateOutput{}, err
	}
	return out, nil
}

func (s *Service) resolveCustomer(ctx context.Context, tx store.Tx, in CreateInput) (*domain.Customer, error) {
	if in.CustomerID != nil {
		customer, err := tx.GetCustomer(ctx, *in.CustomerID)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if customer == nil {
			return nil, apperr.NotFound("Customer not found")
		}
		return customer, nil
	}

	existing, err := tx.FindCustomerByEmail(ctx, in.CustomerEmail)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if existing != nil {
		return existing, nil
	}

	customer := domain.Customer{Email: in.CustomerEmail, Status: "active"}
	if err := tx.InsertCustomer(ctx, &customer); err != nil {
		return nil, apperr.Internal(err)
	}
	return &customer, nil
}

// SetCancelAtPeriodEnd flips the flag a subscription will honor at its
// next period-end sweep.
func (s *Service) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID int64, cancel bool) (domain.Subscription, error) {
	var result domain.Subscription
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sub, err := tx.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return apperr.Internal(err)
		}
		if sub == nil {
			return apperr.NotFound("Subscription not found")
		}
		sub.CancelAtPeriodEnd = cancel
		sub.UpdatedAt = s.now()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return apperr.Internal(err)
		}
		result = *sub
		return nil
	})
	if err != nil {
		return domain.Subscription{}, err
	}
	return result, nil
}

// GraceSweepResult summarizes an enforce-grace run.
type GraceSweepResult struct {
	CheckedAt               time.Time `json:"checked_at"`
	CanceledCount           int       `json:"canceled_count"`
	CanceledSubscriptionIDs []int64   `json:"canceled_subscription_ids"`
}

// EnforceGrace cancels every past_due subscription whose grace period has
// elapsed. Subscriptions with a null past_due_since are skipped: they
// should not exist, but the sweep must not crash if one does.
func (s *Service) EnforceGrace(ctx context.Context) (GraceSweepResult, error) {
	now := s.now()
	graceLimit := now.Add(-gracePeriod)
	result := GraceSweepResult{CheckedAt: now}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		subs, err := tx.ListPastDueSubscriptions(ctx)
		if err != nil {
			return apperr.Internal(err)
		}
		for _, sub := range subs {
			if sub.PastDueSince == nil || sub.PastDueSince.After(graceLimit) {
				continue
			}
			sub.Status = domain.SubscriptionCanceled
			sub.CanceledAt = &now
			sub.AccessRevoked = true
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, &sub); err != nil {
				return apperr.Internal(err)
			}
			result.CanceledSubscriptionIDs = append(result.CanceledSubscriptionIDs, sub.ID)
		}
		result.CanceledCount = len(result.CanceledSubscriptionIDs)
		return nil
	})
	if err != nil {
		return GraceSweepResult{}, err
	}
	return result, nil
}

// ExpireSweepResult summarizes an expire-subscriptions run.
type ExpireSweepResult struct {
	CheckedAt   time.Time `json:"checked_at"`
	ExpiredIDs  []int64   `json:"expired_ids"`
	CanceledIDs []int64   `json:"canceled_ids"`
}

// Expire transitions every active subscription whose period has elapsed:
// to canceled if cancel_at_period_end was set, otherwise to expired.
func (s *Service) Expire(ctx context.Context) (ExpireSweepResult, error) {
	now := s.now()
	result := ExpireSweepResult{CheckedAt: now}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		subs, err := tx.ListExpirableSubscriptions(ctx, now)
		if err != nil {
			return apperr.Internal(err)
		}
		for _, sub := range subs {
			if sub.CancelAtPeriodEnd {
				sub.Status = domain.SubscriptionCanceled
				sub.CanceledAt = &now
				sub.AccessRevoked = true
				result.CanceledIDs = append(result.CanceledIDs, sub.ID)
			} else {
				sub.Status = domain.SubscriptionExpired
				sub.ExpiredAt = &now
				result.ExpiredIDs = append(result.ExpiredIDs, sub.ID)
			}
			sub.UpdatedAt = now
			if err := tx.UpdateSubscription(ctx, &sub); err != nil {
				return apperr.Internal(err)
			}
		}
		return nil
	})
	if err != nil {
		return ExpireSweepResult{}, err
	}
	return result, nil
}

// Get fetches a single subscription by id.
func (s *Service) Get(ctx context.Context, id int64) (domain.Subscription, error) {
	var sub *domain.Subscription
	err := s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		got, ferr := tx.GetSubscription(ctx, id)
		sub = got
		return ferr
	})
	if err != nil {
		return domain.Subscription{}, apperr.Internal(err)
	}
	if sub == nil {
		return domain.Subscription{}, apperr.NotFound("Subscription not found")
	}
	return *sub, nil
}
