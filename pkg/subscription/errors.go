package subscription

import "errors"

var (
	// ErrRecordNotFound is returned when no record matches the lookup key.
	// Reconciliation handlers treat this as a valid outcome, not a failure:
	// the provider retries webhooks and replication lag between customer
	// creation and webhook arrival is expected.
	ErrRecordNotFound = errors.New("subscription record not found")

	// ErrDuplicateSubscription is returned when a subscription id resolves to
	// more than one record. This violates the uniqueness invariant and needs
	// operator attention; retrying the event will not fix it.
	ErrDuplicateSubscription = errors.New("subscription id maps to multiple records")

	// ErrInvalidRecord is returned for mutations with an empty primary key.
	ErrInvalidRecord = errors.New("invalid subscription record")
)
