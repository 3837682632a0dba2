package webhooks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crosslogic/payledger/internal/apperr"
	"github.com/crosslogic/payledger/internal/domain"
	"github.com/crosslogic/payledger/internal/gatekeeper"
	"github.com/crosslogic/payledger/internal/metrics"
	"github.com/crosslogic/payledger/internal/store"
	"github.com/stretchr/testify/require"
)

func seedCustomerAndSub(t *testing.T, ms *store.MemStore, periodEnd time.Time, status domain.SubscriptionStatus) (domain.Customer, domain.Subscription) {
	t.Helper()
	var cust domain.Customer
	var sub domain.Subscription
	err := ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		providerCustID := "cus_0000000000000001"
		cust = domain.Customer{Email: "a@example.com", ProviderCustomerID: &providerCustID, Status: "active"}
		if err := tx.InsertCustomer(ctx, &cust); err != nil {
			return err
		}
		sub = domain.Subscription{
			CustomerID:             cust.ID,
			PlanID:                 1,
			ProviderSubscriptionID: "sub_0000000000000001",
			Status:                 status,
			CurrentPeriodEnd:       periodEnd,
		}
		return tx.InsertSubscription(ctx, &sub)
	})
	require.NoError(t, err)
	return cust, sub
}

func rawWebhookBody(t *testing.T, eventID, eventType string, payload map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event_id":     eventID,
		"event_type":   eventType,
		"payload_json": payload,
	})
	require.NoError(t, err)
	return body
}

func newTestDispatcher(ms *store.MemStore, clock func() time.Time) *Dispatcher {
	return NewDispatcher(ms, metrics.New(), WithClock(clock))
}

func TestProcessActivatesPendingSubscription(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, sub := seedCustomerAndSub(t, ms, now.Add(-24*time.Hour), domain.SubscriptionPendingActivation)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_1", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000001",
		"provider_subscription_id": "sub_0000000000000001",
		"amount":                   1999,
		"currency":                 "USD",
		"current_period_end":      now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})

	ev, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig1", Timestamp: now.Unix()})
	require.NoError(t, err)
	require.Equal(t, domain.WebhookProcessed, ev.ProcessingStatus)

	err = ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, gerr := tx.GetSubscription(ctx, sub.ID)
		if gerr != nil {
			return gerr
		}
		sub = *got
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionActive, sub.Status)
	require.Len(t, ms.Payments(), 1)
	require.Equal(t, domain.PaymentApproved, ms.Payments()[0].Status)
}

func TestProcessIsIdempotentOnDuplicateDelivery(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCustomerAndSub(t, ms, now.Add(-24*time.Hour), domain.SubscriptionPendingActivation)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_dup", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000001",
		"provider_subscription_id": "sub_0000000000000001",
		"amount":                   500,
		"current_period_end":      now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
	verified := gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-dup", Timestamp: now.Unix()}

	_, err := d.Process(context.Background(), "stripe", verified)
	require.NoError(t, err)
	ev2, err := d.Process(context.Background(), "stripe", verified)
	require.NoError(t, err)
	require.Equal(t, domain.WebhookProcessed, ev2.ProcessingStatus)
	require.Len(t, ms.Payments(), 1, "duplicate delivery must not create a second payment")
}

func TestProcessRejectsReplayWithMismatchedTimestamp(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedCustomerAndSub(t, ms, now.Add(-24*time.Hour), domain.SubscriptionPendingActivation)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_invalid_sig", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000001",
		"provider_subscription_id": "sub_0000000000000001",
		"current_period_end":      now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
	_, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-a", Timestamp: now.Unix()})
	require.NoError(t, err)

	_, err = d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-a", Timestamp: now.Unix() + 5})
	require.Error(t, err)
	require.Equal(t, apperr.KindReplayAttack, apperr.KindOf(err))
}

func TestProcessIgnoresStaleEvent(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, sub := seedCustomerAndSub(t, ms, now.Add(48*time.Hour), domain.SubscriptionActive)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_stale", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000001",
		"provider_subscription_id": "sub_0000000000000001",
		"current_period_end":      now.Add(24 * time.Hour).Format(time.RFC3339),
	})
	ev, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-stale", Timestamp: now.Unix()})
	require.NoError(t, err)
	require.Equal(t, domain.WebhookIgnored, ev.ProcessingStatus)

	err = ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		s, gerr := tx.GetSubscription(ctx, sub.ID)
		if gerr != nil {
			return gerr
		}
		sub = *s
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, now.Add(48*time.Hour).Unix(), sub.CurrentPeriodEnd.Unix(), "stale event must not move current_period_end backwards")
}

func TestProcessUnknownEventTypeIsIgnored(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_unknown", "customer.updated", map[string]any{})
	ev, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-u", Timestamp: now.Unix()})
	require.NoError(t, err)
	require.Equal(t, domain.WebhookIgnored, ev.ProcessingStatus)
}

func TestProcessMarksFailedOnUnknownCustomer(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_fail", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_missing",
		"provider_subscription_id": "sub_missing",
	})
	ev, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-f", Timestamp: now.Unix()})
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalidPayload, apperr.KindOf(err))
	require.Equal(t, domain.WebhookFailed, ev.ProcessingStatus)
	require.Equal(t, 2, ev.AttemptCount)
	require.NotNil(t, ev.NextRetryAt)
	require.Equal(t, now.Add(600*time.Second), *ev.NextRetryAt)
	require.False(t, ev.NeedsAttention)
}

func TestRetryFailedClearsBackoffOnSuccess(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _ = seedCustomerAndSub(t, ms, now.Add(-24*time.Hour), domain.SubscriptionPendingActivation)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_retry", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_missing",
		"provider_subscription_id": "sub_missing",
	})
	ev, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-r", Timestamp: now.Unix()})
	require.Error(t, err)
	require.Equal(t, domain.WebhookFailed, ev.ProcessingStatus)

	fixed := rawWebhookBody(t, "evt_retry", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000001",
		"provider_subscription_id": "sub_0000000000000001",
		"current_period_end":      now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
	err = ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		got, gerr := tx.FindEventByComposite(ctx, "stripe", "evt_retry")
		if gerr != nil {
			return gerr
		}
		got.PayloadRaw = fixed
		got.NextRetryAt = nil
		return tx.UpdateEvent(ctx, got)
	})
	require.NoError(t, err)

	result, err := d.RetryFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, result.Checked)
	require.Len(t, result.ProcessedIDs, 1)
	require.Empty(t, result.FailedIDs)
}

func TestReprocessIsUnconditional(t *testing.T) {
	ms := store.NewMemStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, _ = seedCustomerAndSub(t, ms, now.Add(-24*time.Hour), domain.SubscriptionPendingActivation)
	d := newTestDispatcher(ms, func() time.Time { return now })

	body := rawWebhookBody(t, "evt_reprocess", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000001",
		"provider_subscription_id": "sub_0000000000000001",
		"current_period_end":      now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	})
	_, err := d.Process(context.Background(), "stripe", gatekeeper.VerifiedWebhook{RawBody: body, Signature: "sig-rp", Timestamp: now.Unix()})
	require.NoError(t, err)

	ev, err := d.Reprocess(context.Background(), "evt_reprocess")
	require.NoError(t, err, "reprocess never re-raises the handler's error")
	require.Equal(t, domain.WebhookProcessed, ev.ProcessingStatus)
}
