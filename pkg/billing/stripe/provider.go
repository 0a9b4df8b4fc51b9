// Package stripe implements the billing.Provider interface on top of Stripe
// Checkout and Stripe webhooks. Webhook events drive the subscription store;
// the store is the single source of truth for application-side access checks.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
	metadataUserIDKey        = "user_id"
)

// eventHandler applies one verified webhook event kind to the store.
type eventHandler func(ctx context.Context, event *stripe.Event) error

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (Store, PlanMapping, etc.)

	// Stripe-specific
	StripeAPIKey        string
	StripeWebhookSecret string
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	store         subscription.Store
	ledger        subscription.Ledger
	logger        subscription.Logger
	metrics       billing.Metrics
	callback      func(context.Context, billing.WebhookEvent) error
	planMapping   map[string]string // plan name -> Stripe Price ID
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	webhookSecret []byte
	apiKey        string
	stripeClient  *stripe.Client

	// handlers is the closed event-kind dispatch table. Kinds outside the
	// table are acknowledged and ignored, so new provider event types never
	// fail delivery.
	handlers map[stripe.EventType]eventHandler
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	planMapping := make(map[string]string)
	for plan, priceID := range config.PlanMapping {
		planMapping[strings.ToLower(strings.TrimSpace(plan))] = priceID
	}

	logger := config.Logger
	if logger == nil {
		logger = &subscription.NoopLogger{}
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	p := &Provider{
		store:         config.Store,
		ledger:        config.Ledger,
		logger:        logger,
		metrics:       metrics,
		callback:      config.WebhookCallback,
		planMapping:   planMapping,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: []byte(strings.TrimSpace(config.StripeWebhookSecret)),
		apiKey:        apiKey,
		stripeClient:  stripe.NewClient(apiKey),
	}

	p.handlers = map[stripe.EventType]eventHandler{
		"checkout.session.completed":    p.handleCheckoutSessionCompleted,
		"customer.subscription.updated": p.handleSubscriptionUpdated,
		"customer.subscription.deleted": p.handleSubscriptionDeleted,
		"invoice.payment_succeeded":     p.handleInvoicePaymentSucceeded,
		"invoice.payment_failed":        p.handleInvoicePaymentFailed,
	}

	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	handler := http.HandlerFunc(p.handleWebhook)
	// Wrap with rate limiting
	return p.rateLimiter.Middleware(handler)
}

// PriceIDForPlan maps an application plan name to a Stripe Price ID.
func (p *Provider) PriceIDForPlan(plan string) string {
	return p.planMapping[strings.ToLower(strings.TrimSpace(plan))]
}

// notifyStatusChange records the status transition metric and invokes the
// optional webhook callback after a store update.
func (p *Provider) notifyStatusChange(
	ctx context.Context, event *stripe.Event, userID, subscriptionID string, previous, next subscription.Status,
) error {
	if previous != next {
		p.metrics.RecordStatusChange(providerName, string(previous), string(next))
	}

	if p.callback == nil {
		return nil
	}

	return p.callback(ctx, billing.WebhookEvent{
		UserID:         userID,
		SubscriptionID: subscriptionID,
		PreviousStatus: string(previous),
		NewStatus:      string(next),
		Provider:       providerName,
		EventType:      string(event.Type),
		EventTimestamp: time.Unix(event.Created, 0).UTC(),
	})
}
