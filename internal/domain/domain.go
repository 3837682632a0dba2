// Package domain holds the entity types shared by the webhook dispatcher,
// the subscription state machine, and the HTTP boundary. All timestamps
// are naive UTC (callers must normalize before comparison, never mix
// aware and naive values).
package domain

import "time"

type SubscriptionStatus string

const (
	SubscriptionPendingActivation SubscriptionStatus = "pending_activation"
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionExpired           SubscriptionStatus = "expired"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentApproved PaymentStatus = "approved"
	PaymentRefused  PaymentStatus = "refused"
)

type WebhookProcessingStatus string

const (
	WebhookReceived  WebhookProcessingStatus = "received"
	WebhookProcessed WebhookProcessingStatus = "processed"
	WebhookFailed    WebhookProcessingStatus = "failed"
	WebhookIgnored   WebhookProcessingStatus = "ignored"
)

// Customer is unique by ID and by Email; ProviderCustomerID is assigned
// lazily on first use.
type Customer struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	ProviderCustomerID *string   `json:"provider_customer_id"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

// Subscription belongs to exactly one Customer; the link is immutable
// after creation.
type Subscription struct {
	ID                     int64              `json:"id"`
	CustomerID             int64              `json:"customer_id"`
	PlanID                 int64              `json:"plan_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	PastDueSince           *time.Time         `json:"past_due_since"`
	CanceledAt             *time.Time         `json:"canceled_at"`
	ExpiredAt              *time.Time         `json:"expired_at"`
	AccessRevoked          bool               `json:"access_revoked"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Payment rows are append-only: never updated after insert.
type Payment struct {
	ID                int64         `json:"id"`
	CustomerID        int64         `json:"customer_id"`
	SubscriptionID    int64         `json:"subscription_id"`
	Status            PaymentStatus `json:"status"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency"`
	ProviderPaymentID string        `json:"provider_payment_id"`
	ProviderInvoiceID string        `json:"provider_invoice_id"`
	ProcessedAt       time.Time     `json:"processed_at"`
	Provider          string        `json:"provider"`
}

// WebhookEvent is the authoritative processing record, unique on
// (Provider, EventID).
type WebhookEvent struct {
	ID                 int64                   `json:"id"`
	Provider           string                  `json:"provider"`
	EventID            string                  `json:"event_id"`
	EventType          string                  `json:"event_type"`
	PayloadRaw         []byte                  `json:"-"`
	Signature          string                  `json:"-"`
	SignatureTimestamp int64                   `json:"-"`
	ReceivedAt         time.Time               `json:"received_at"`
	ProcessedAt        *time.Time              `json:"processed_at"`
	AttemptCount       int                     `json:"attempt_count"`
	NextRetryAt        *time.Time              `json:"next_retry_at"`
	NeedsAttention     bool                    `json:"needs_attention"`
	ProcessingStatus   WebhookProcessingStatus `json:"processing_status"`
	ErrorMessage       *string                 `json:"error_message"`
}
