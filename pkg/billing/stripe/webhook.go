package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing/internal"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// handleWebhook processes incoming Stripe webhook events.
//
// Verification signs the raw request body, so the body is read untransformed
// and no JSON middleware may run in front of this handler. Verification
// failures short-circuit before any store access.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		sig = r.Header.Get("stripe-signature")
	}

	// Verify webhook signature over the exact body bytes. A forged or
	// missing signature is rejected before anything touches the store.
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	handler, known := p.handlers[event.Type]
	if !known {
		// Forward-compatibility: Stripe may introduce new event kinds at any
		// time. Acknowledge so delivery is not retried.
		p.logger.Debug("ignoring unhandled webhook event",
			subscription.Field{Key: "event_type", Value: eventType},
			subscription.Field{Key: "event_id", Value: event.ID},
		)
		p.ack(w)
		p.metrics.RecordWebhookEvent(providerName, eventType, "ignored")
		return
	}

	if err := handler(r.Context(), &event); err != nil {
		p.logger.Error("webhook event processing failed",
			subscription.Field{Key: "event_type", Value: eventType},
			subscription.Field{Key: "event_id", Value: event.ID},
			subscription.Err(err),
		)
		// 5xx makes Stripe redeliver; handlers are idempotent so the retry
		// is safe. Mutations already committed are kept (no rollback).
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
		return
	}

	p.ack(w)
	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
}

func (p *Provider) ack(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCheckoutSessionCompleted processes checkout.session.completed events.
// This is the activation path: it records the customer id, the subscription
// id, and status=active in one keyed upsert.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("failed to unmarshal checkout session: %w", err)
	}

	userID := ""
	if session.Metadata != nil {
		userID = session.Metadata[metadataUserIDKey]
	}
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("metadata.user_id missing on checkout session %s", session.ID)
	}

	subscriptionID := ""
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if subscriptionID == "" {
		// Not a subscription checkout - ignore
		return nil
	}

	customerID := ""
	if session.Customer != nil {
		customerID = session.Customer.ID
	}

	previous := subscription.StatusNone
	existing, err := p.store.FindByUserID(ctx, userID)
	if err != nil && !errors.Is(err, subscription.ErrRecordNotFound) {
		return fmt.Errorf("failed to load record for %s: %w", userID, err)
	}
	if existing != nil {
		previous = existing.Status
	}

	// Period end is only present when the session payload embeds the expanded
	// subscription; otherwise the following customer.subscription.updated
	// event refreshes it.
	periodEnd := periodEndFromCheckoutSession(event.Data.Raw)

	if err := p.store.ActivateSubscription(ctx, userID, customerID, subscriptionID, periodEnd); err != nil {
		return fmt.Errorf("failed to activate subscription %s: %w", subscriptionID, err)
	}

	// Tag the Stripe subscription with user_id so later lifecycle events
	// self-identify even when the store lookup misses. Best-effort: the
	// record is already activated and a retry storm here helps nobody.
	p.tagSubscription(ctx, subscriptionID, userID)

	return p.notifyStatusChange(ctx, event, userID, subscriptionID, previous, subscription.StatusActive)
}

// handleSubscriptionUpdated processes customer.subscription.updated events.
// The provider-reported status is passed through verbatim.
func (p *Provider) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	status := subscription.Status(sub.Status)
	periodEnd := periodEndFromSubscriptionItems(event.Data.Raw)

	return p.applyBySubscriptionID(ctx, event, sub.ID, status, periodEnd)
}

// handleSubscriptionDeleted processes customer.subscription.deleted events
func (p *Provider) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	return p.applyBySubscriptionID(ctx, event, sub.ID, subscription.StatusCanceled, nil)
}

// applyBySubscriptionID applies a status transition keyed on the provider
// subscription id.
//
// A lookup miss is acknowledged as success: Stripe retries webhooks, and lag
// between customer creation and webhook arrival is expected - failing here
// would only trigger retry storms. A duplicate mapping is a data-integrity
// fault and is surfaced instead, since retrying cannot repair a violated
// uniqueness invariant.
func (p *Provider) applyBySubscriptionID(
	ctx context.Context, event *stripe.Event, subscriptionID string, status subscription.Status, periodEnd *time.Time,
) error {
	if subscriptionID == "" {
		return fmt.Errorf("%s event without subscription id", event.Type)
	}

	existing, err := p.store.FindBySubscriptionID(ctx, subscriptionID)
	if errors.Is(err, subscription.ErrRecordNotFound) {
		p.logger.Warn("no record for subscription, acknowledging",
			subscription.Field{Key: "subscription_id", Value: subscriptionID},
			subscription.Field{Key: "event_type", Value: string(event.Type)},
		)
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "miss")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup by subscription id %s: %w", subscriptionID, err)
	}

	err = p.store.ApplyStatusBySubscriptionID(ctx, subscriptionID, status, periodEnd)
	if errors.Is(err, subscription.ErrRecordNotFound) {
		// Raced with nothing we can act on; treat like the lookup miss above.
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply status %q to subscription %s: %w", status, subscriptionID, err)
	}

	return p.notifyStatusChange(ctx, event, existing.UserID, subscriptionID, existing.Status, status)
}

// handleInvoicePaymentSucceeded processes invoice.payment_succeeded events.
// Observational: the subscription record is not mutated here. When a payment
// ledger is configured the invoice is recorded as a best-effort audit row.
func (p *Provider) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	subscriptionID := subscriptionIDFromInvoice(event.Data.Raw)
	if subscriptionID == "" {
		// Not a subscription invoice - ignore
		return nil
	}

	p.logger.Info("invoice payment succeeded",
		subscription.Field{Key: "invoice_id", Value: invoice.ID},
		subscription.Field{Key: "subscription_id", Value: subscriptionID},
		subscription.Field{Key: "amount_paid", Value: invoice.AmountPaid},
	)

	if p.ledger == nil {
		return nil
	}

	entry := &subscription.PaymentEntry{
		ID:             uuid.NewString(),
		InvoiceID:      invoice.ID,
		SubscriptionID: subscriptionID,
		AmountCents:    invoice.AmountPaid,
		Currency:       string(invoice.Currency),
		Status:         "paid",
		CreatedAt:      time.Unix(event.Created, 0).UTC(),
	}
	if invoice.Customer != nil {
		entry.CustomerID = invoice.Customer.ID
	}
	if rec, err := p.store.FindBySubscriptionID(ctx, subscriptionID); err == nil {
		entry.UserID = rec.UserID
	}

	// Best-effort: a ledger failure must never fail the reconciliation or
	// trigger redelivery.
	if err := p.ledger.RecordPayment(ctx, entry); err != nil {
		p.logger.Warn("failed to record payment ledger entry",
			subscription.Field{Key: "invoice_id", Value: invoice.ID},
			subscription.Err(err),
		)
	}
	return nil
}

// handleInvoicePaymentFailed processes invoice.payment_failed events.
// Observational only: the subscription stays as-is until Stripe reports a
// status change or cancellation.
func (p *Provider) handleInvoicePaymentFailed(_ context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to unmarshal invoice: %w", err)
	}

	p.logger.Warn("invoice payment failed",
		subscription.Field{Key: "invoice_id", Value: invoice.ID},
		subscription.Field{Key: "customer_id", Value: customerIDFromInvoice(&invoice)},
	)
	p.metrics.RecordWebhookEvent(providerName, "invoice.payment_failed", "warning")
	return nil
}

// tagSubscription patches user_id into the Stripe subscription metadata when
// it is missing.
func (p *Provider) tagSubscription(ctx context.Context, subscriptionID, userID string) {
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		p.logger.Warn("failed to fetch subscription for metadata tagging",
			subscription.Field{Key: "subscription_id", Value: subscriptionID},
			subscription.Err(err),
		)
		return
	}
	if sub.Metadata != nil && sub.Metadata[metadataUserIDKey] != "" {
		return
	}

	params := &stripe.SubscriptionUpdateParams{}
	params.AddMetadata(metadataUserIDKey, userID)
	if _, err := p.stripeClient.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
		p.logger.Warn("failed to patch subscription metadata",
			subscription.Field{Key: "subscription_id", Value: subscriptionID},
			subscription.Err(err),
		)
	}
}

// Helper functions

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// periodEndFromSubscriptionItems extracts current_period_end from the raw
// event JSON. The v83 Subscription struct does not carry period fields; they
// live on the subscription items in the webhook payload.
func periodEndFromSubscriptionItems(raw json.RawMessage) *time.Time {
	var payload struct {
		CurrentPeriodEnd int64 `json:"current_period_end"`
		Items            struct {
			Data []struct {
				CurrentPeriodEnd int64 `json:"current_period_end"`
			} `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}

	end := payload.CurrentPeriodEnd
	for _, item := range payload.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

// periodEndFromCheckoutSession extracts the period end from a checkout
// session payload whose subscription field is expanded. Usually it is just an
// id string, in which case there is nothing to extract.
func periodEndFromCheckoutSession(raw json.RawMessage) *time.Time {
	var payload struct {
		Subscription json.RawMessage `json:"subscription"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Subscription) == 0 {
		return nil
	}
	if payload.Subscription[0] != '{' {
		return nil
	}
	return periodEndFromSubscriptionItems(payload.Subscription)
}

// subscriptionIDFromInvoice extracts the subscription id from raw invoice
// JSON. Depending on API version the field is an id string, an expanded
// object, or nested under parent.subscription_details.
func subscriptionIDFromInvoice(raw json.RawMessage) string {
	var payload struct {
		Subscription json.RawMessage `json:"subscription"`
		Parent       struct {
			SubscriptionDetails struct {
				Subscription string `json:"subscription"`
			} `json:"subscription_details"`
		} `json:"parent"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}

	if len(payload.Subscription) > 0 {
		var id string
		if err := json.Unmarshal(payload.Subscription, &id); err == nil && id != "" {
			return id
		}
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload.Subscription, &obj); err == nil && obj.ID != "" {
			return obj.ID
		}
	}

	return payload.Parent.SubscriptionDetails.Subscription
}

func customerIDFromInvoice(invoice *stripe.Invoice) string {
	if invoice == nil || invoice.Customer == nil {
		return ""
	}
	return invoice.Customer.ID
}
