package webhooks

import (
	"context"
	"time"

	"github.com/crosslogic/payledger/internal/apperr"
	"github.com/crosslogic/payledger/internal/domain"
	"github.com/crosslogic/payledger/internal/store"
)

// eventPayload is the subset of payload_json fields the two built-in
// handlers require.
type eventPayload struct {
	ProviderCustomerID     string
	ProviderSubscriptionID string
	Amount                 int64
	Currency               string
	CurrentPeriodEnd       any
	PaymentID              string
	InvoiceID              string
}

func extractPayload(payload map[string]any) (eventPayload, error) {
	pcid, _ := payload["provider_customer_id"].(string)
	psid, _ := payload["provider_subscription_id"].(string)
	if pcid == "" || psid == "" {
		return eventPayload{}, apperr.InvalidPayload("provider_customer_id and provider_subscription_id are required")
	}

	var amount int64
	if a, ok := payload["amount"].(float64); ok {
		amount = int64(a)
	}
	currency := "USD"
	if c, ok := payload["currency"].(string); ok && c != "" {
		currency = c
	}
	var paymentID, invoiceID string
	if p, ok := payload["payment_id"].(string); ok {
		paymentID = p
	}
	if i, ok := payload["invoice_id"].(string); ok {
		invoiceID = i
	}

	return eventPayload{
		ProviderCustomerID:     pcid,
		ProviderSubscriptionID: psid,
		Amount:                 amount,
		Currency:               currency,
		CurrentPeriodEnd:       payload["current_period_end"],
		PaymentID:              paymentID,
		InvoiceID:              invoiceID,
	}, nil
}

// parsePeriodEnd accepts either a Unix epoch number or an RFC 3339 string
// (Go's RFC3339 parser already accepts the "Z" suffix the original's
// "Z" -> "+00:00" substitution exists for). Anything else falls back to
// now, matching the original's defensive default.
func parsePeriodEnd(value any, now time.Time) time.Time {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UTC()
		}
		return now
	default:
		return now
	}
}

func resolveCustomerAndSubscription(ctx context.Context, tx store.Tx, f eventPayload) (*domain.Customer, *domain.Subscription, error) {
	customer, err := tx.FindCustomerByProviderID(ctx, f.ProviderCustomerID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	if customer == nil {
		return nil, nil, apperr.InvalidPayload("provider_customer_id not found")
	}

	sub, err := tx.FindSubscriptionByProviderID(ctx, f.ProviderSubscriptionID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	if sub == nil {
		return nil, nil, apperr.InvalidPayload("provider_subscription_id not found")
	}
	if sub.CustomerID != customer.ID {
		return nil, nil, apperr.InvalidPayload("provider_subscription_id belongs to a different customer")
	}
	return customer, sub, nil
}

// handlePaymentSucceeded reactivates a pending or past-due subscription,
// advances its billing period, and records an approved payment. A
// current_period_end older than the subscription's existing one is a
// stale, out-of-order delivery and is ignored without mutation.
func handlePaymentSucceeded(ctx context.Context, tx store.Tx, now time.Time, ev *domain.WebhookEvent, payload map[string]any) error {
	f, err := extractPayload(payload)
	if err != nil {
		return err
	}
	customer, sub, err := resolveCustomerAndSubscription(ctx, tx, f)
	if err != nil {
		return err
	}

	periodEnd := parsePeriodEnd(f.CurrentPeriodEnd, now)
	if periodEnd.Before(sub.CurrentPeriodEnd) {
		ev.ProcessingStatus = domain.WebhookIgnored
		msg := "stale event ignored"
		ev.ErrorMessage = &msg
		return nil
	}

	if sub.Status == domain.SubscriptionPendingActivation || sub.Status == domain.SubscriptionPastDue {
		sub.Status = domain.SubscriptionActive
	}
	sub.CurrentPeriodEnd = periodEnd
	sub.PastDueSince = nil
	sub.CanceledAt = nil
	sub.ExpiredAt = nil
	sub.AccessRevoked = false
	sub.UpdatedAt = now
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return apperr.Internal(err)
	}

	paymentID := f.PaymentID
	if paymentID == "" {
		paymentID = ev.EventID
	}
	payment := &domain.Payment{
		CustomerID:        customer.ID,
		SubscriptionID:    sub.ID,
		Provider:          ev.Provider,
		Status:            domain.PaymentApproved,
		Amount:            f.Amount,
		Currency:          f.Currency,
		ProviderPaymentID: paymentID,
		ProviderInvoiceID: f.InvoiceID,
		ProcessedAt:       now,
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return apperr.Internal(err)
	}
	return nil
}

// handleInvoicePaymentFailed moves an active subscription into past_due
// and records a refused payment. Only an active subscription transitions;
// a subscription already past_due, canceled, or expired is left alone,
// and a stale current_period_end is ignored the same way as on success.
func handleInvoicePaymentFailed(ctx context.Context, tx store.Tx, now time.Time, ev *domain.WebhookEvent, payload map[string]any) error {
	f, err := extractPayload(payload)
	if err != nil {
		return err
	}
	customer, sub, err := resolveCustomerAndSubscription(ctx, tx, f)
	if err != nil {
		return err
	}

	periodEnd := parsePeriodEnd(f.CurrentPeriodEnd, now)
	if periodEnd.Before(sub.CurrentPeriodEnd) {
		ev.ProcessingStatus = domain.WebhookIgnored
		msg := "stale event ignored"
		ev.ErrorMessage = &msg
		return nil
	}

	if sub.Status == domain.SubscriptionActive {
		sub.Status = domain.SubscriptionPastDue
		sub.PastDueSince = &now
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return apperr.Internal(err)
		}
	}

	paymentID := f.PaymentID
	if paymentID == "" {
		paymentID = ev.EventID
	}
	payment := &domain.Payment{
		CustomerID:        customer.ID,
		SubscriptionID:    sub.ID,
		Provider:          ev.Provider,
		Status:            domain.PaymentRefused,
		Amount:            f.Amount,
		Currency:          f.Currency,
		ProviderPaymentID: paymentID,
		ProviderInvoiceID: f.InvoiceID,
		ProcessedAt:       now,
	}
	if err := tx.InsertPayment(ctx, payment); err != nil {
		return apperr.Internal(err)
	}
	return nil
}
