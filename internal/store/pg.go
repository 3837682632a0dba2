package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/payledger/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolationCode = "23505"

// PgStore is the PostgreSQL-backed Store, wrapping a pgxpool.Pool.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx)

	if err := fn(ctx, &pgTxStore{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// pgTxStore implements Tx against a live pgx.Tx.
type pgTxStore struct {
	tx pgx.Tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

func (t *pgTxStore) FindEventByComposite(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT id, provider, event_id, event_type, payload_raw, signature, signature_timestamp,
		       received_at, processed_at, attempt_count, next_retry_at, needs_attention,
		       processing_status, error_message
		FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID)
	return scanEvent(row)
}

func (t *pgTxStore) InsertEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	// All mutable fields are included, not just the first-delivery ones,
	// because the dispatcher re-inserts a brand-new event directly in its
	// failed state when the handler's transaction rolls back: the event
	// row still must persist the failure even though none of the
	// handler's side effects do.
	err := t.tx.QueryRow(ctx, `
		INSERT INTO webhook_events
			(provider, event_id, event_type, payload_raw, signature, signature_timestamp,
			 attempt_count, processing_status, processed_at, next_retry_at, needs_attention,
			 error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, received_at`,
		ev.Provider, ev.EventID, ev.EventType, ev.PayloadRaw, ev.Signature, ev.SignatureTimestamp,
		ev.AttemptCount, ev.ProcessingStatus, ev.ProcessedAt, ev.NextRetryAt, ev.NeedsAttention,
		ev.ErrorMessage,
	).Scan(&ev.ID, &ev.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (t *pgTxStore) UpdateEvent(ctx context.Context, ev *domain.WebhookEvent) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE webhook_events SET
			processing_status = $1, processed_at = $2, attempt_count = $3,
			next_retry_at = $4, needs_attention = $5, error_message = $6,
			signature = $7, signature_timestamp = $8
		WHERE id = $9`,
		ev.ProcessingStatus, ev.ProcessedAt, ev.AttemptCount,
		ev.NextRetryAt, ev.NeedsAttention, ev.ErrorMessage,
		ev.Signature, ev.SignatureTimestamp, ev.ID,
	)
	return err
}

func (t *pgTxStore) ListEventsDesc(ctx context.Context) ([]domain.WebhookEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, provider, event_id, event_type, payload_raw, signature, signature_timestamp,
		       received_at, processed_at, attempt_count, next_retry_at, needs_attention,
		       processing_status, error_message
		FROM webhook_events ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (t *pgTxStore) FindEventsByEventID(ctx context.Context, eventID, provider string) ([]domain.WebhookEvent, error) {
	query := `
		SELECT id, provider, event_id, event_type, payload_raw, signature, signature_timestamp,
		       received_at, processed_at, attempt_count, next_retry_at, needs_attention,
		       processing_status, error_message
		FROM webhook_events WHERE event_id = $1`
	var rows pgx.Rows
	var err error
	if provider != "" {
		rows, err = t.tx.Query(ctx, query+" AND provider = $2", eventID, provider)
	} else {
		rows, err = t.tx.Query(ctx, query, eventID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (t *pgTxStore) FindRetryCandidates(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, provider, event_id, event_type, payload_raw, signature, signature_timestamp,
		       received_at, processed_at, attempt_count, next_retry_at, needs_attention,
		       processing_status, error_message
		FROM webhook_events
		WHERE processing_status = 'failed' AND needs_attention = FALSE
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY id ASC LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.PayloadRaw, &ev.Signature,
		&ev.SignatureTimestamp, &ev.ReceivedAt, &ev.ProcessedAt, &ev.AttemptCount, &ev.NextRetryAt,
		&ev.NeedsAttention, &ev.ProcessingStatus, &ev.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scanEvents(rows pgx.Rows) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	for rows.Next() {
		var ev domain.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.EventType, &ev.PayloadRaw, &ev.Signature,
			&ev.SignatureTimestamp, &ev.ReceivedAt, &ev.ProcessedAt, &ev.AttemptCount, &ev.NextRetryAt,
			&ev.NeedsAttention, &ev.ProcessingStatus, &ev.ErrorMessage); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (t *pgTxStore) GetCustomer(ctx context.Context, id int64) (*domain.Customer, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, email, provider_customer_id, status, created_at FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (t *pgTxStore) FindCustomerByEmail(ctx context.Context, email string) (*domain.Customer, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, email, provider_customer_id, status, created_at FROM customers WHERE email = $1`, email)
	return scanCustomer(row)
}

func (t *pgTxStore) FindCustomerByProviderID(ctx context.Context, providerCustomerID string) (*domain.Customer, error) {
	row := t.tx.QueryRow(ctx, `SELECT id, email, provider_customer_id, status, created_at FROM customers WHERE provider_customer_id = $1`, providerCustomerID)
	return scanCustomer(row)
}

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Email, &c.ProviderCustomerID, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTxStore) InsertCustomer(ctx context.Context, c *domain.Customer) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO customers (email, provider_customer_id, status)
		VALUES ($1, $2, $3) RETURNING id, created_at`,
		c.Email, c.ProviderCustomerID, c.Status,
	).Scan(&c.ID, &c.CreatedAt)
}

func (t *pgTxStore) UpdateCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := t.tx.Exec(ctx, `UPDATE customers SET provider_customer_id = $1, status = $2 WHERE id = $3`,
		c.ProviderCustomerID, c.Status, c.ID)
	return err
}

func (t *pgTxStore) GetSubscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	row := t.tx.QueryRow(ctx, subscriptionSelect+` WHERE id = $1`, id)
	return scanSubscription(row)
}

func (t *pgTxStore) FindSubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscription, error) {
	row := t.tx.QueryRow(ctx, subscriptionSelect+` WHERE provider_subscription_id = $1`, providerSubscriptionID)
	return scanSubscription(row)
}

const subscriptionSelect = `
	SELECT id, customer_id, plan_id, provider_subscription_id, status, current_period_end,
	       cancel_at_period_end, past_due_since, canceled_at, expired_at, access_revoked,
	       created_at, updated_at
	FROM subscriptions`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.CustomerID, &s.PlanID, &s.ProviderSubscriptionID, &s.Status,
		&s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.PastDueSince, &s.CanceledAt, &s.ExpiredAt,
		&s.AccessRevoked, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanSubscriptions(rows pgx.Rows) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	for rows.Next() {
		var s domain.Subscription
		if err := rows.Scan(&s.ID, &s.CustomerID, &s.PlanID, &s.ProviderSubscriptionID, &s.Status,
			&s.CurrentPeriodEnd, &s.CancelAtPeriodEnd, &s.PastDueSince, &s.CanceledAt, &s.ExpiredAt,
			&s.AccessRevoked, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (t *pgTxStore) InsertSubscription(ctx context.Context, s *domain.Subscription) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO subscriptions
			(customer_id, plan_id, provider_subscription_id, status, current_period_end,
			 cancel_at_period_end, past_due_since, canceled_at, expired_at, access_revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`,
		s.CustomerID, s.PlanID, s.ProviderSubscriptionID, s.Status, s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd, s.PastDueSince, s.CanceledAt, s.ExpiredAt, s.AccessRevoked,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (t *pgTxStore) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE subscriptions SET
			status = $1, current_period_end = $2, cancel_at_period_end = $3,
			past_due_since = $4, canceled_at = $5, expired_at = $6, access_revoked = $7,
			updated_at = $8
		WHERE id = $9`,
		s.Status, s.CurrentPeriodEnd, s.CancelAtPeriodEnd, s.PastDueSince, s.CanceledAt,
		s.ExpiredAt, s.AccessRevoked, s.UpdatedAt, s.ID,
	)
	return err
}

func (t *pgTxStore) ListPastDueSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := t.tx.Query(ctx, subscriptionSelect+` WHERE status = 'past_due'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (t *pgTxStore) ListExpirableSubscriptions(ctx context.Context, now time.Time) ([]domain.Subscription, error) {
	rows, err := t.tx.Query(ctx, subscriptionSelect+` WHERE status = 'active' AND current_period_end <= $1`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (t *pgTxStore) InsertPayment(ctx context.Context, p *domain.Payment) error {
	return t.tx.QueryRow(ctx, `
		INSERT INTO payments
			(customer_id, subscription_id, status, amount, currency, provider_payment_id,
			 provider_invoice_id, processed_at, provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		p.CustomerID, p.SubscriptionID, p.Status, p.Amount, p.Currency, p.ProviderPaymentID,
		p.ProviderInvoiceID, p.ProcessedAt, p.Provider,
	).Scan(&p.ID)
}
