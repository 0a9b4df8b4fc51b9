package subscription

import (
	"context"
	"time"
)

// Store is the persistence contract consumed by the reconciliation core.
//
// Handlers run statelessly per request with no cross-request memory, so every
// mutation is keyed on identity (user id or subscription id) rather than on
// prior in-memory state. Implementations must make each mutation atomic per
// key; given that, re-applying the same event is a no-op in effect and no
// ordering stronger than last-write-wins is provided.
type Store interface {
	// FindByUserID returns the record for a user, or ErrRecordNotFound.
	FindByUserID(ctx context.Context, userID string) (*Record, error)

	// FindBySubscriptionID returns the record holding a subscription id.
	// Returns ErrRecordNotFound on a miss and ErrDuplicateSubscription if
	// more than one record holds the id.
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*Record, error)

	// UpsertCustomer records the user -> provider customer mapping, creating
	// the record if absent. The customer id is first-writer-wins: once a
	// non-empty id is stored it is never overwritten, which bounds the damage
	// of concurrent duplicate customer creation.
	UpsertCustomer(ctx context.Context, userID, customerID string) error

	// ActivateSubscription marks the user's subscription active, storing the
	// subscription id and customer id and refreshing the period end when
	// provided. Creates the record if absent. Idempotent: re-applying the
	// same activation leaves the record unchanged apart from UpdatedAt.
	ActivateSubscription(ctx context.Context, userID, customerID, subscriptionID string, periodEnd *time.Time) error

	// ApplyStatusBySubscriptionID sets the status of the record holding the
	// subscription id, refreshing the period end when provided. Returns
	// ErrRecordNotFound if no record holds the id and
	// ErrDuplicateSubscription if more than one does.
	ApplyStatusBySubscriptionID(ctx context.Context, subscriptionID string, status Status, periodEnd *time.Time) error
}

// Ledger is the optional payment audit log. Implementations must deduplicate
// on PaymentEntry.InvoiceID so redelivered payment events insert once.
type Ledger interface {
	RecordPayment(ctx context.Context, entry *PaymentEntry) error
}
