// Package subscription defines the persisted subscription record, the store
// contract the reconciliation core writes through, and the optional payment
// ledger. Stores must implement every mutation as a keyed, idempotent
// upsert/update so concurrent and redelivered webhook events are safe without
// application-level locking.
package subscription

import "time"

// Status is the subscription lifecycle state. Provider-reported statuses that
// are not listed here are passed through verbatim.
type Status string

const (
	// StatusNone marks a record that has never completed a checkout.
	StatusNone Status = "none"

	// StatusActive marks a paid, current subscription.
	StatusActive Status = "active"

	// StatusPastDue marks a subscription with a failed renewal payment.
	StatusPastDue Status = "past_due"

	// StatusCanceled marks a cancelled subscription. The record is kept;
	// cancellation is a status value, never a deletion.
	StatusCanceled Status = "canceled"
)

// Record is the persisted subscription state for one application user.
type Record struct {
	// UserID is the application user identifier. Primary key, immutable.
	UserID string

	// CustomerID is the provider-side customer identity. Empty until the
	// user's first checkout; set once, thereafter stable.
	CustomerID string

	// SubscriptionID is the provider-side subscription identity. It is the
	// lookup key for lifecycle events whose payload carries no user id, and
	// identifies at most one record while non-empty.
	SubscriptionID string

	// Status is driven exclusively by verified webhook events or explicit
	// re-sync against the provider API.
	Status Status

	// PeriodEnd is the last known renewal/expiry boundary (nil if unknown).
	PeriodEnd *time.Time

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time
}

// Active reports whether the record currently grants access. A record whose
// period end has passed does not grant access even if no cancellation webhook
// arrived yet.
func (r *Record) Active() bool {
	if r == nil || r.Status != StatusActive {
		return false
	}
	if r.PeriodEnd != nil && r.PeriodEnd.Before(time.Now().UTC()) {
		return false
	}
	return true
}

// PaymentEntry is one row of the payment audit ledger. Ledger writes are
// best-effort and never block subscription reconciliation.
type PaymentEntry struct {
	// ID is a generated identifier for the ledger row.
	ID string

	// InvoiceID is the provider invoice identifier. It deduplicates
	// redelivered payment events.
	InvoiceID string

	UserID         string
	CustomerID     string
	SubscriptionID string

	// AmountCents is the paid amount in the currency's smallest unit.
	AmountCents int64
	Currency    string

	// Status is the provider-reported payment outcome ("paid", "failed").
	Status string

	CreatedAt time.Time
}
