// Package integration_test exercises the full HTTP surface (gatekeeper,
// dispatcher, and subscription service wired together behind the chi
// router) against the in-memory store, covering the end-to-end webhook
// and subscription lifecycle scenarios. No external database or Redis is
// required: MemStore and the local rate limiter stand in for the
// PostgreSQL and Redis-backed implementations. The Redis-backed limiter
// is exercised separately by internal/gatekeeper's package tests; the
// PostgreSQL store has no tests of its own.
package integration_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/crosslogic/payledger/internal/domain"
	"github.com/crosslogic/payledger/internal/gatekeeper"
	"github.com/crosslogic/payledger/internal/httpapi"
	"github.com/crosslogic/payledger/internal/metrics"
	"github.com/crosslogic/payledger/internal/secrets"
	"github.com/crosslogic/payledger/internal/store"
	"github.com/crosslogic/payledger/internal/subscriptions"
	"github.com/crosslogic/payledger/internal/webhooks"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test_secret"

type testEnv struct {
	server *httptest.Server
	now    time.Time
	ms     *store.MemStore
	subs   *subscriptions.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	ms := store.NewMemStore()
	registry := secrets.NewRegistry(map[string]any{"test": testSecret})
	limiter := gatekeeper.NewLocalRateLimiter(120)
	gk := gatekeeper.New(registry, limiter, nil, gatekeeper.WithClock(clock))
	counters := metrics.New()
	dispatcher := webhooks.NewDispatcher(ms, counters, webhooks.WithClock(clock))
	subs := subscriptions.NewService(ms, subscriptions.WithClock(clock))

	srv := &httpapi.Server{
		Dispatcher:    dispatcher,
		Subscriptions: subs,
		Gatekeeper:    gk,
		Metrics:       counters,
		Logger:        zap.NewNop(),
	}
	ts := httptest.NewServer(httpapi.NewRouter(srv))
	t.Cleanup(ts.Close)

	return &testEnv{server: ts, now: now, ms: ms, subs: subs}
}

func signedWebhookRequest(t *testing.T, url string, ts time.Time, secret string, body []byte) *http.Request {
	t.Helper()
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsStr + "."))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Timestamp", tsStr)
	req.Header.Set("X-Webhook-Signature", sig)
	return req
}

func mustDo(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func mustNewGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func rawEventBody(t *testing.T, eventID, eventType string, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"event_id":     eventID,
		"event_type":   eventType,
		"payload_json": payload,
	})
	require.NoError(t, err)
	return raw
}

func createSubscription(t *testing.T, env *testEnv, email string) subscriptions.CreateOutput {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"customer_email": email, "plan_id": 1})
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/subscriptions", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	var out subscriptions.CreateOutput
	decodeJSON(t, mustDo(t, req), &out)
	return out
}

// scenario 1: invalid signature rejected, no event row created.
func TestInvalidSignatureRejected(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"event_id":"evt_invalid_sig","event_type":"payment.succeeded","payload_json":{}}`)
	req := signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, "wrong_secret", body)

	resp := mustDo(t, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var listResp []domain.WebhookEvent
	decodeJSON(t, mustDo(t, mustNewGet(t, env.server.URL+"/v1/webhooks")), &listResp)
	require.Empty(t, listResp)
}

// scenario 2: pending -> active, idempotent duplicate delivery.
func TestPendingToActiveIdempotentDuplicate(t *testing.T) {
	env := newTestEnv(t)
	created := createSubscription(t, env, "x@y.com")
	require.Equal(t, domain.SubscriptionPendingActivation, created.Status)

	periodEnd := env.now.Add(30 * 24 * time.Hour)
	payload := map[string]any{
		"provider_customer_id":     created.ProviderCustomerID,
		"provider_subscription_id": created.ProviderSubscriptionID,
		"amount":                   1999,
		"currency":                 "USD",
		"current_period_end":       periodEnd.Format(time.RFC3339),
	}
	body := rawEventBody(t, "evt_pay_1", "payment.succeeded", payload)

	resp1 := mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, body))
	require.Equal(t, http.StatusOK, resp1.StatusCode)
	var ev1 domain.WebhookEvent
	decodeJSON(t, resp1, &ev1)
	require.Equal(t, domain.WebhookProcessed, ev1.ProcessingStatus)

	resp2 := mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, body))
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	var ev2 domain.WebhookEvent
	decodeJSON(t, resp2, &ev2)
	require.Equal(t, ev1.ID, ev2.ID)

	var snapshot map[string]int64
	decodeJSON(t, mustDo(t, mustNewGet(t, env.server.URL+"/v1/admin/metrics")), &snapshot)
	require.Equal(t, int64(1), snapshot["webhook_replayed"])

	sub, err := env.subs.Get(context.Background(), created.SubscriptionID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionActive, sub.Status)
}

// scenario 3: active -> past_due -> canceled via grace sweep.
func TestActiveToPastDueToCanceledViaGraceSweep(t *testing.T) {
	env := newTestEnv(t)
	created := createSubscription(t, env, "grace@y.com")

	activatePayload := map[string]any{
		"provider_customer_id":     created.ProviderCustomerID,
		"provider_subscription_id": created.ProviderSubscriptionID,
		"current_period_end":      env.now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	}
	mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, rawEventBody(t, "evt_activate", "payment.succeeded", activatePayload)))

	failPayload := map[string]any{
		"provider_customer_id":     created.ProviderCustomerID,
		"provider_subscription_id": created.ProviderSubscriptionID,
		"current_period_end":      env.now.Add(30 * 24 * time.Hour).Format(time.RFC3339),
	}
	failResp := mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, rawEventBody(t, "evt_fail_1", "invoice.payment_failed", failPayload)))
	require.Equal(t, http.StatusOK, failResp.StatusCode)

	sub, err := env.subs.Get(context.Background(), created.SubscriptionID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionPastDue, sub.Status)
	require.NotNil(t, sub.PastDueSince)

	// Age past_due_since by two days so the next enforce-grace sweep cancels it.
	aged := env.now.Add(-48 * time.Hour)
	err = env.ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		s, ferr := tx.GetSubscription(ctx, created.SubscriptionID)
		if ferr != nil {
			return ferr
		}
		s.PastDueSince = &aged
		return tx.UpdateSubscription(ctx, s)
	})
	require.NoError(t, err)

	graceReq, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/jobs/enforce-grace", nil)
	require.NoError(t, err)
	graceResp := mustDo(t, graceReq)
	require.Equal(t, http.StatusOK, graceResp.StatusCode)

	sub, err = env.subs.Get(context.Background(), created.SubscriptionID)
	require.NoError(t, err)
	require.Equal(t, domain.SubscriptionCanceled, sub.Status)
	require.True(t, sub.AccessRevoked)
}

// scenario 4: stale event ignored, subscription unchanged.
func TestStaleEventIgnored(t *testing.T) {
	env := newTestEnv(t)
	created := createSubscription(t, env, "stale@y.com")

	futureEnd := env.now.Add(30 * 24 * time.Hour)
	activatePayload := map[string]any{
		"provider_customer_id":     created.ProviderCustomerID,
		"provider_subscription_id": created.ProviderSubscriptionID,
		"current_period_end":      futureEnd.Format(time.RFC3339),
	}
	mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, rawEventBody(t, "evt_advance", "payment.succeeded", activatePayload)))

	stalePayload := map[string]any{
		"provider_customer_id":     created.ProviderCustomerID,
		"provider_subscription_id": created.ProviderSubscriptionID,
		"current_period_end":      futureEnd.Add(-24 * time.Hour).Format(time.RFC3339),
	}
	staleResp := mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, rawEventBody(t, "evt_stale", "payment.succeeded", stalePayload)))
	require.Equal(t, http.StatusOK, staleResp.StatusCode)
	var staleEvent domain.WebhookEvent
	decodeJSON(t, staleResp, &staleEvent)
	require.Equal(t, domain.WebhookIgnored, staleEvent.ProcessingStatus)
	require.NotNil(t, staleEvent.ErrorMessage)
	require.Equal(t, "stale event ignored", *staleEvent.ErrorMessage)

	sub, err := env.subs.Get(context.Background(), created.SubscriptionID)
	require.NoError(t, err)
	require.Equal(t, futureEnd.Unix(), sub.CurrentPeriodEnd.Unix())
}

// scenario 5: replay with a forged timestamp is rejected and the stored
// event transitions to failed.
func TestReplayWithForgedTimestamp(t *testing.T) {
	env := newTestEnv(t)

	body := rawEventBody(t, "evt_replay", "payment.succeeded", map[string]any{
		"provider_customer_id":     "cus_0000000000000099",
		"provider_subscription_id": "sub_0000000000000099",
	})
	first := mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, body))
	require.Equal(t, http.StatusBadRequest, first.StatusCode, "first delivery fails: unknown customer/subscription")

	forgedTS := env.now.Add(10 * time.Second)
	replay := signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", forgedTS, testSecret, body)
	resp := mustDo(t, replay)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var fetched domain.WebhookEvent
	decodeJSON(t, mustDo(t, mustNewGet(t, env.server.URL+"/v1/webhooks/evt_replay?provider=test")), &fetched)
	require.Equal(t, domain.WebhookFailed, fetched.ProcessingStatus)
	require.NotNil(t, fetched.ErrorMessage)
	require.Equal(t, "replay timestamp mismatch", *fetched.ErrorMessage)
}

// scenario 6: retry sweep clears a failure once the payload resolves.
func TestRetrySweepClearsFailure(t *testing.T) {
	env := newTestEnv(t)
	created := createSubscription(t, env, "retry@y.com")

	badPayload := map[string]any{
		"provider_customer_id":     "cus_does_not_exist",
		"provider_subscription_id": created.ProviderSubscriptionID,
	}
	badResp := mustDo(t, signedWebhookRequest(t, env.server.URL+"/v1/webhooks/test", env.now, testSecret, rawEventBody(t, "evt_needs_retry", "payment.succeeded", badPayload)))
	require.Equal(t, http.StatusBadRequest, badResp.StatusCode)

	// Correct the stored payload so the next dispatch resolves, and clear
	// the backoff so it is immediately eligible for the retry sweep.
	err := env.ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		ev, ferr := tx.FindEventByComposite(ctx, "test", "evt_needs_retry")
		if ferr != nil {
			return ferr
		}
		var outer map[string]any
		if uerr := json.Unmarshal(ev.PayloadRaw, &outer); uerr != nil {
			return uerr
		}
		payload := outer["payload_json"].(map[string]any)
		payload["provider_customer_id"] = "cus_0000000000000001"
		fixed, merr := json.Marshal(outer)
		if merr != nil {
			return merr
		}
		ev.PayloadRaw = fixed
		ev.NextRetryAt = nil
		return tx.UpdateEvent(ctx, ev)
	})
	require.NoError(t, err)

	// The fixed payload references a customer that must actually exist.
	err = env.ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		c := domain.Customer{Email: "known@y.com", Status: "active"}
		pcid := "cus_0000000000000001"
		c.ProviderCustomerID = &pcid
		return tx.InsertCustomer(ctx, &c)
	})
	require.NoError(t, err)
	err = env.ms.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		cust, ferr := tx.FindCustomerByProviderID(ctx, "cus_0000000000000001")
		if ferr != nil {
			return ferr
		}
		sub, serr := tx.GetSubscription(ctx, created.SubscriptionID)
		if serr != nil {
			return serr
		}
		sub.CustomerID = cust.ID
		return tx.UpdateSubscription(ctx, sub)
	})
	require.NoError(t, err)

	retryReq, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/jobs/retry-failed-webhooks", nil)
	require.NoError(t, err)
	retryResp := mustDo(t, retryReq)
	require.Equal(t, http.StatusOK, retryResp.StatusCode)
	var result webhooks.RetryFailedResult
	decodeJSON(t, retryResp, &result)
	require.NotEmpty(t, result.ProcessedIDs)

	var fetched domain.WebhookEvent
	decodeJSON(t, mustDo(t, mustNewGet(t, fmt.Sprintf("%s/v1/webhooks/evt_needs_retry?provider=test", env.server.URL))), &fetched)
	require.Nil(t, fetched.NextRetryAt)
	require.False(t, fetched.NeedsAttention)
	require.Nil(t, fetched.ErrorMessage)
}
