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

// SyncUser re-derives a user's subscription state from the Stripe API and
// applies it to the store. This is the repair path for missed webhooks
// ("restore purchases", nightly reconciliation). Returns the resulting
// status.
func (p *Provider) SyncUser(ctx context.Context, userID string) (string, error) {
	startTime := time.Now()

	customerID, err := p.lookupCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}
	if customerID == "" {
		// Never checked out: nothing provider-side to reconcile against.
		p.metrics.RecordUserSync(providerName, "success")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return string(subscription.StatusNone), nil
	}

	active, err := p.mostRecentActiveSubscription(ctx, customerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}

	status, err := p.applySyncResult(ctx, userID, customerID, active)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
		return "", err
	}

	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
	return status, nil
}

// lookupCustomerID resolves the Stripe customer for a user without creating
// one: store fast path first, Search API slow path second.
func (p *Provider) lookupCustomerID(ctx context.Context, userID string) (string, error) {
	rec, err := p.store.FindByUserID(ctx, userID)
	if err == nil && rec.CustomerID != "" {
		return rec.CustomerID, nil
	}
	if err != nil && !errors.Is(err, subscription.ErrRecordNotFound) {
		return "", err
	}

	p.metrics.RecordAPICall(providerName, "/customers/search", "slow_path")
	customerID, err := p.searchCustomerByMetadata(ctx, userID)
	if errors.Is(err, billing.ErrCustomerNotFound) {
		// The user simply has no Stripe identity.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to search customer for %s: %w", userID, err)
	}
	return customerID, nil
}

// mostRecentActiveSubscription lists the customer's active subscriptions and
// returns the most recently created one, or nil when none are active.
func (p *Provider) mostRecentActiveSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	startTime := time.Now()

	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String(string(stripe.SubscriptionStatusActive))

	var newest *stripe.Subscription
	for sub, err := range p.stripeClient.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions/list", "error")
			return nil, fmt.Errorf("failed to list subscriptions: %w", err)
		}
		if sub.Status != stripe.SubscriptionStatusActive {
			continue
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}

	p.metrics.RecordAPICall(providerName, "/subscriptions/list", "200")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/list", time.Since(startTime))
	return newest, nil
}

// applySyncResult writes the API-derived state back to the store.
func (p *Provider) applySyncResult(
	ctx context.Context, userID, customerID string, active *stripe.Subscription,
) (string, error) {
	if active != nil {
		if err := p.store.ActivateSubscription(ctx, userID, customerID, active.ID, nil); err != nil {
			return "", fmt.Errorf("failed to activate subscription %s: %w", active.ID, err)
		}
		return string(subscription.StatusActive), nil
	}

	// No active subscription provider-side. If the record still claims one,
	// mark it canceled; otherwise leave it alone.
	rec, err := p.store.FindByUserID(ctx, userID)
	if errors.Is(err, subscription.ErrRecordNotFound) {
		return string(subscription.StatusNone), nil
	}
	if err != nil {
		return "", err
	}
	if rec.SubscriptionID == "" || rec.Status == subscription.StatusCanceled {
		return string(rec.Status), nil
	}

	err = p.store.ApplyStatusBySubscriptionID(ctx, rec.SubscriptionID, subscription.StatusCanceled, nil)
	if err != nil && !errors.Is(err, subscription.ErrRecordNotFound) {
		return "", err
	}

	p.metrics.RecordStatusChange(providerName, string(rec.Status), string(subscription.StatusCanceled))
	return string(subscription.StatusCanceled), nil
}
