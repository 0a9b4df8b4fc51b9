package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription plan and
// returns its id and URL. The plan is resolved to a Stripe Price ID using the
// configured PlanMapping.
func (p *Provider) CheckoutURL(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	startTime := time.Now()

	// 1. Resolve plan to Stripe Price ID
	priceID := p.PriceIDForPlan(req.Plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return nil, fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, req.Plan)
	}

	// 2. Resolve the Stripe customer, creating one on first checkout. A real
	// store failure aborts: proceeding could create duplicate Stripe
	// customers for one user.
	customerID, err := p.resolveCustomerID(ctx, req.UserID, req.Email)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return nil, fmt.Errorf("failed to resolve customer: %w", err)
	}

	// 3. Create Checkout Session
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	// Inject user_id everywhere the webhook handlers look for it: session
	// metadata, client reference, and the subscription created by the session.
	params.AddMetadata(metadataUserIDKey, req.UserID)
	params.ClientReferenceID = stripe.String(req.UserID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserIDKey, req.UserID)

	params.Customer = stripe.String(customerID)

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return nil, fmt.Errorf("%w: failed to create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// resolveCustomerID returns the Stripe customer id for a user, creating the
// customer and persisting the mapping on first checkout.
//
// Order matters: store fast path, Stripe Search API slow path, then create.
// After a create the store is re-read, because two concurrent first checkouts
// can both reach the create step; UpsertCustomer is first-writer-wins, so the
// re-read returns the winning id for both callers.
func (p *Provider) resolveCustomerID(ctx context.Context, userID, email string) (string, error) {
	// FAST PATH: mapping already persisted (O(1))
	rec, err := p.store.FindByUserID(ctx, userID)
	if err == nil && rec.CustomerID != "" {
		return rec.CustomerID, nil
	}
	if err != nil && !errors.Is(err, subscription.ErrRecordNotFound) {
		return "", err
	}

	// SLOW PATH: Stripe Search API (O(N), eventually consistent). Covers
	// customers created before the store mapping existed.
	if customerID, searchErr := p.searchCustomerByMetadata(ctx, userID); searchErr == nil && customerID != "" {
		if upsertErr := p.store.UpsertCustomer(ctx, userID, customerID); upsertErr != nil {
			return "", upsertErr
		}
		return customerID, nil
	}

	// Not found anywhere: create the customer.
	createParams := &stripe.CustomerCreateParams{}
	if email != "" {
		createParams.Email = stripe.String(email)
	}
	createParams.AddMetadata(metadataUserIDKey, userID)

	startTime := time.Now()
	cust, err := p.stripeClient.V1Customers.Create(ctx, createParams)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("%w: failed to create customer: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(startTime))

	if err := p.store.UpsertCustomer(ctx, userID, cust.ID); err != nil {
		return "", fmt.Errorf("failed to persist customer mapping: %w", err)
	}

	// Re-check after create: a concurrent checkout may have won the upsert
	// with a different customer id.
	rec, err = p.store.FindByUserID(ctx, userID)
	if err == nil && rec.CustomerID != "" {
		return rec.CustomerID, nil
	}
	return cust.ID, nil
}

// searchCustomerByMetadata searches for a customer by metadata using the
// Stripe Search API
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)

	for cust, err := range p.stripeClient.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return cust.ID, nil
		}
	}

	return "", billing.ErrCustomerNotFound
}
