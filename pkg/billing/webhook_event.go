package billing

import "time"

// WebhookEvent contains information about a successfully applied webhook
// event. It is passed to the WebhookCallback after the subscription record
// has been updated in storage.
type WebhookEvent struct {
	// UserID is the internal user identifier (empty when the event was keyed
	// by subscription id and the record carries the mapping).
	UserID string

	// SubscriptionID is the provider-side subscription identifier.
	SubscriptionID string

	// PreviousStatus is the status before the update (empty for new records).
	PreviousStatus string

	// NewStatus is the status after the update.
	NewStatus string

	// Provider is the billing provider name ("stripe").
	Provider string

	// EventType is the provider-specific event type, e.g.
	// "customer.subscription.updated".
	EventType string

	// EventTimestamp is when the event occurred (from provider).
	EventTimestamp time.Time
}
