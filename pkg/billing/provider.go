package billing

import (
	"context"
	"net/http"
)

// Provider is the generic interface that any billing backend must implement.
// This keeps the HTTP surface and the subscription store independent of the
// concrete payment platform.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes real-time events.
	// The implementation handles signature verification, parsing, and store
	// updates internally. The handler must receive the unmodified request
	// body: verification signs the raw bytes.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for a subscription plan
	// and returns its id and redirect URL. May create a provider-side
	// customer as a side effect.
	CheckoutURL(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// SyncUser forces a synchronization of the user's state from the provider
	// into the subscription store. This is used for "restore purchases" or
	// nightly reconciliation jobs. Returns the resulting status.
	SyncUser(ctx context.Context, userID string) (string, error)
}

// CheckoutRequest carries the inputs for creating a checkout session.
type CheckoutRequest struct {
	UserID     string
	Email      string
	Plan       string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the created hosted checkout session.
type CheckoutSession struct {
	ID  string
	URL string
}
