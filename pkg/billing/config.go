package billing

import (
	"context"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// Store is the subscription store mutated by reconciliation handlers.
	Store subscription.Store

	// Ledger is an optional payment audit log. When set, providers record
	// successful payments as best-effort side writes that never fail the
	// primary reconciliation.
	Ledger subscription.Ledger

	// PlanMapping maps application plan names to provider price/product IDs.
	// For example: map[string]string{"pro_monthly": "price_1ABC..."}
	PlanMapping map[string]string

	// WebhookSecret is used to verify incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Logger is an optional structured logger. If nil, logging is a no-op.
	Logger subscription.Logger

	// Metrics is an optional metrics collector for tracking billing provider
	// operations. If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus.
	Metrics Metrics

	// WebhookCallback, when set, is invoked after a webhook event has been
	// applied to the store. A callback error surfaces as a handler failure so
	// the provider redelivers the event.
	WebhookCallback func(ctx context.Context, event WebhookEvent) error
}
