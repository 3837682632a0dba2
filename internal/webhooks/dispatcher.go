// Package webhooks implements the event store, event dispatcher, and
// event handlers: idempotent, ordered application of webhook events to
// subscription and payment state, with failure classification and
// backoff retry.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crosslogic/payledger/internal/apperr"
	"github.com/crosslogic/payledger/internal/domain"
	"github.com/crosslogic/payledger/internal/gatekeeper"
	"github.com/crosslogic/payledger/internal/metrics"
	"github.com/crosslogic/payledger/internal/store"
)

// Handler transforms subscription and payment state for one event type.
// Handlers run inside the same transaction as the webhook event insert or
// update; returning an error rolls back both the handler's mutations and
// whatever event persistence is staged in the same transaction.
type Handler func(ctx context.Context, tx store.Tx, now time.Time, ev *domain.WebhookEvent, payload map[string]any) error

// Dispatcher parses the verified body, routes by event_type to a handler,
// and records processing outcome on the event record.
type Dispatcher struct {
	store    store.Store
	metrics  *metrics.Counters
	handlers map[string]Handler
	now      func() time.Time
}

type Option func(*Dispatcher)

// WithClock overrides the time source; used by tests to exercise the
// stale-event and grace-period boundaries deterministically.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(st store.Store, m *metrics.Counters, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   st,
		metrics: m,
		now:     time.Now,
		handlers: map[string]Handler{
			"payment.succeeded":      handlePaymentSucceeded,
			"invoice.payment_failed": handleInvoicePaymentFailed,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process is the dispatcher's entry point: look up the existing event by
// (provider, event_id); if found, dispatch the idempotent handle_existing
// path; otherwise insert a new event and run the handler, collapsing a
// concurrent first-delivery race onto the existing-row path.
func (d *Dispatcher) Process(ctx context.Context, provider string, verified gatekeeper.VerifiedWebhook) (*domain.WebhookEvent, error) {
	var parsed struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(verified.RawBody, &parsed); err != nil || parsed.EventID == "" {
		return nil, apperr.InvalidPayload("invalid webhook body")
	}

	existing, err := d.findEvent(ctx, provider, parsed.EventID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if existing != nil {
		return d.processExisting(ctx, existing, verified)
	}
	return d.processNew(ctx, provider, parsed.EventID, parsed.EventType, verified)
}

func (d *Dispatcher) findEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	var existing *domain.WebhookEvent
	err := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ev, ferr := tx.FindEventByComposite(ctx, provider, eventID)
		existing = ev
		return ferr
	})
	return existing, err
}

func (d *Dispatcher) processNew(ctx context.Context, provider, eventID, eventType string, verified gatekeeper.VerifiedWebhook) (*domain.WebhookEvent, error) {
	ev := &domain.WebhookEvent{
		Provider:           provider,
		EventID:            eventID,
		EventType:          eventType,
		PayloadRaw:         verified.RawBody,
		Signature:          verified.Signature,
		SignatureTimestamp: verified.Timestamp,
		AttemptCount:       1,
		ProcessingStatus:   domain.WebhookReceived,
	}

	var handlerErr error
	txErr := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if ierr := tx.InsertEvent(ctx, ev); ierr != nil {
			return ierr
		}
		if derr := d.dispatchEvent(ctx, tx, ev); derr != nil {
			handlerErr = derr
			return derr
		}
		return tx.UpdateEvent(ctx, ev)
	})

	if errors.Is(txErr, store.ErrConflict) {
		// Concurrent first deliveries collapse to one insertion; the loser
		// re-reads and takes the existing-row path.
		existing, ferr := d.findEvent(ctx, provider, eventID)
		if ferr != nil {
			return nil, apperr.Internal(ferr)
		}
		if existing == nil {
			return nil, apperr.Internal(txErr)
		}
		return d.processExisting(ctx, existing, verified)
	}

	if txErr != nil {
		if handlerErr == nil {
			// The insert itself failed; there is no event row to mark.
			return nil, apperr.Internal(txErr)
		}
		failEv := *ev
		d.markFailed(&failEv, apperr.Message(handlerErr))
		if perr := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertEvent(ctx, &failEv)
		}); perr != nil {
			return nil, apperr.Internal(perr)
		}
		d.metrics.Failed.Inc()
		return &failEv, handlerErr
	}

	d.countOutcome(ev.ProcessingStatus)
	return ev, nil
}

func (d *Dispatcher) processExisting(ctx context.Context, existing *domain.WebhookEvent, verified gatekeeper.VerifiedWebhook) (*domain.WebhookEvent, error) {
	if verified.Timestamp != existing.SignatureTimestamp {
		return d.markReplay(ctx, existing, "replay timestamp mismatch")
	}
	if verified.Signature != existing.Signature {
		return d.markReplay(ctx, existing, "replay signature mismatch")
	}

	switch existing.ProcessingStatus {
	case domain.WebhookProcessed, domain.WebhookIgnored:
		d.metrics.Replayed.Inc()
		return existing, nil
	case domain.WebhookFailed:
		return d.redispatch(ctx, existing)
	default:
		// "received" is transient and rare: implies a crash between insert
		// and handler completion. Returned as-is; an operator reprocess
		// drives it forward.
		return existing, nil
	}
}

func (d *Dispatcher) markReplay(ctx context.Context, existing *domain.WebhookEvent, msg string) (*domain.WebhookEvent, error) {
	failEv := d.persistFailure(ctx, existing, apperr.ReplayAttack(msg))
	return failEv, apperr.ReplayAttack(msg)
}

// redispatch re-dispatches a failed event through its handler. On success
// it clears the retry bookkeeping and commits; on failure it re-raises.
func (d *Dispatcher) redispatch(ctx context.Context, existing *domain.WebhookEvent) (*domain.WebhookEvent, error) {
	ev := *existing
	if err := d.attemptDispatch(ctx, &ev); err != nil {
		return d.persistFailure(ctx, existing, err), err
	}
	return &ev, nil
}

// attemptDispatch runs the handler for ev inside one transaction and, on
// success, clears retry bookkeeping and commits. On failure the whole
// transaction (handler mutations included) rolls back and the returned
// error is the handler's original error, or the store error when the
// handler succeeded but persisting the event failed.
func (d *Dispatcher) attemptDispatch(ctx context.Context, ev *domain.WebhookEvent) error {
	var handlerErr error
	err := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if derr := d.dispatchEvent(ctx, tx, ev); derr != nil {
			handlerErr = derr
			return derr
		}
		ev.NextRetryAt = nil
		ev.NeedsAttention = false
		ev.ErrorMessage = nil
		return tx.UpdateEvent(ctx, ev)
	})
	if err != nil {
		if handlerErr != nil {
			return handlerErr
		}
		return err
	}
	d.countOutcome(ev.ProcessingStatus)
	return nil
}

// persistFailure marks a copy of original as failed and commits it alone,
// in a transaction separate from the one the failing handler ran in, so
// the handler's partial mutations never land.
func (d *Dispatcher) persistFailure(ctx context.Context, original *domain.WebhookEvent, cause error) *domain.WebhookEvent {
	failEv := *original
	d.markFailed(&failEv, apperr.Message(cause))
	_ = d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateEvent(ctx, &failEv)
	})
	d.metrics.Failed.Inc()
	return &failEv
}

func (d *Dispatcher) countOutcome(status domain.WebhookProcessingStatus) {
	if status == domain.WebhookIgnored {
		d.metrics.Ignored.Inc()
	} else {
		d.metrics.Processed.Inc()
	}
}

// markFailed applies the linear backoff retry schedule: 300 seconds per
// attempt, capped at one hour.
func (d *Dispatcher) markFailed(ev *domain.WebhookEvent, msg string) {
	ev.AttemptCount++
	delaySeconds := 300 * ev.AttemptCount
	if delaySeconds > 3600 {
		delaySeconds = 3600
	}
	next := d.now().Add(time.Duration(delaySeconds) * time.Second)
	ev.NextRetryAt = &next
	ev.NeedsAttention = ev.AttemptCount >= 3
	ev.ProcessingStatus = domain.WebhookFailed
	processedAt := d.now()
	ev.ProcessedAt = &processedAt
	errMsg := msg
	ev.ErrorMessage = &errMsg
}

// dispatchEvent parses payload_json from the event's raw body and routes
// to the registered handler; an unrecognized event_type is marked
// ignored.
func (d *Dispatcher) dispatchEvent(ctx context.Context, tx store.Tx, ev *domain.WebhookEvent) error {
	var outer map[string]any
	if err := json.Unmarshal(ev.PayloadRaw, &outer); err != nil {
		return apperr.InvalidPayload("payload_json must be an object")
	}
	payload, ok := outer["payload_json"].(map[string]any)
	if !ok {
		return apperr.InvalidPayload("payload_json must be an object")
	}

	handler, ok := d.handlers[ev.EventType]
	if !ok {
		now := d.now()
		ev.ProcessingStatus = domain.WebhookIgnored
		ev.ProcessedAt = &now
		return nil
	}

	if err := handler(ctx, tx, d.now(), ev, payload); err != nil {
		return err
	}
	if ev.ProcessingStatus != domain.WebhookIgnored {
		ev.ProcessingStatus = domain.WebhookProcessed
	}
	now := d.now()
	ev.ProcessedAt = &now
	return nil
}

// ListEvents returns all webhook events, newest first.
func (d *Dispatcher) ListEvents(ctx context.Context) ([]domain.WebhookEvent, error) {
	var out []domain.WebhookEvent
	err := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		evs, ferr := tx.ListEventsDesc(ctx)
		out = evs
		return ferr
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// GetEvent fetches a single event by event_id, optionally narrowed by
// provider; more than one match without a provider filter is ambiguous,
// modeled as InvalidPayload.
func (d *Dispatcher) GetEvent(ctx context.Context, eventID, provider string) (*domain.WebhookEvent, error) {
	var matches []domain.WebhookEvent
	err := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		m, ferr := tx.FindEventsByEventID(ctx, eventID, provider)
		matches = m
		return ferr
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(matches) == 0 {
		return nil, apperr.NotFound("Webhook '" + eventID + "' not found")
	}
	if len(matches) > 1 {
		return nil, apperr.InvalidPayload("multiple events found; specify provider")
	}
	return &matches[0], nil
}

// RetryFailedResult is the summary returned by RetryFailed.
type RetryFailedResult struct {
	Checked      int     `json:"checked"`
	ProcessedIDs []int64 `json:"processed_ids"`
	FailedIDs    []int64 `json:"failed_ids"`
}

// RetryFailed fetches up to limit retry candidates and dispatches each
// via the same handler path; per-event failures do not abort the sweep.
func (d *Dispatcher) RetryFailed(ctx context.Context, limit int) (RetryFailedResult, error) {
	var candidates []domain.WebhookEvent
	err := d.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, ferr := tx.FindRetryCandidates(ctx, d.now(), limit)
		candidates = c
		return ferr
	})
	if err != nil {
		return RetryFailedResult{}, apperr.Internal(err)
	}

	result := RetryFailedResult{Checked: len(candidates)}
	for _, c := range candidates {
		ev := c
		if derr := d.attemptDispatch(ctx, &ev); derr != nil {
			failEv := d.persistFailure(ctx, &c, derr)
			result.FailedIDs = append(result.FailedIDs, failEv.ID)
			continue
		}
		result.ProcessedIDs = append(result.ProcessedIDs, ev.ID)
	}
	return result, nil
}

// Reprocess forces a dispatch regardless of current processing_status,
// including stuck "received" rows. Unconditional by design, and never
// re-raises the handler's error to the caller.
func (d *Dispatcher) Reprocess(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	existing, err := d.GetEvent(ctx, eventID, "")
	if err != nil {
		return nil, err
	}

	ev := *existing
	if derr := d.attemptDispatch(ctx, &ev); derr != nil {
		return d.persistFailure(ctx, existing, derr), nil
	}
	return &ev, nil
}
