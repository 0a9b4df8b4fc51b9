package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
	"github.com/mihaimyh/subsync/storage/memory"
)

// newEvent wraps a raw object payload in a stripe.Event the way webhook
// delivery does
func newEvent(t *testing.T, eventType string, rawObject string) *stripe.Event {
	t.Helper()
	return &stripe.Event{
		ID:      "evt_test_1",
		Type:    stripe.EventType(eventType),
		Created: time.Now().Unix(),
		Data: &stripe.EventData{
			Raw: json.RawMessage(rawObject),
		},
	}
}

func checkoutSessionPayload(userID, customerID, subscriptionID string) string {
	payload := map[string]interface{}{
		"id":           "cs_test_1",
		"customer":     customerID,
		"subscription": subscriptionID,
		"metadata":     map[string]string{"user_id": userID},
	}
	raw, _ := json.Marshal(payload)
	return string(raw)
}

func TestHandleCheckoutSessionCompleted_ActivatesRecord(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	event := newEvent(t, "checkout.session.completed",
		checkoutSessionPayload(testUserID, testCustomerID, testSubscriptionID))

	if err := provider.handleCheckoutSessionCompleted(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}

	rec, err := store.FindByUserID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to find record: %v", err)
	}
	if rec.Status != subscription.StatusActive {
		t.Errorf("Expected status active, got %s", rec.Status)
	}
	if rec.CustomerID != testCustomerID {
		t.Errorf("Expected customer %s, got %s", testCustomerID, rec.CustomerID)
	}
	if rec.SubscriptionID != testSubscriptionID {
		t.Errorf("Expected subscription %s, got %s", testSubscriptionID, rec.SubscriptionID)
	}
}

func TestHandleCheckoutSessionCompleted_Idempotent(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	event := newEvent(t, "checkout.session.completed",
		checkoutSessionPayload(testUserID, testCustomerID, testSubscriptionID))

	if err := provider.handleCheckoutSessionCompleted(ctx, event); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}
	first, err := store.FindByUserID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to find record: %v", err)
	}

	// Stripe redelivers on timeout; the second application must converge to
	// the same record
	if err := provider.handleCheckoutSessionCompleted(ctx, event); err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	second, err := store.FindByUserID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to find record after redelivery: %v", err)
	}

	if second.Status != subscription.StatusActive ||
		second.CustomerID != first.CustomerID ||
		second.SubscriptionID != first.SubscriptionID {
		t.Errorf("Redelivery changed the record: first=%+v second=%+v", first, second)
	}

	if _, err := store.FindBySubscriptionID(ctx, testSubscriptionID); err != nil {
		t.Errorf("Expected single record for subscription, got %v", err)
	}
}

func TestHandleCheckoutSessionCompleted_FallsBackToClientReferenceID(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	raw := `{"id":"cs_test_2","client_reference_id":"` + testUserID + `",` +
		`"customer":"` + testCustomerID + `","subscription":"` + testSubscriptionID + `"}`
	event := newEvent(t, "checkout.session.completed", raw)

	if err := provider.handleCheckoutSessionCompleted(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}
	if _, err := store.FindByUserID(ctx, testUserID); err != nil {
		t.Errorf("Expected record for %s, got %v", testUserID, err)
	}
}

func TestHandleCheckoutSessionCompleted_MissingUserID(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	raw := `{"id":"cs_test_3","customer":"` + testCustomerID + `","subscription":"` + testSubscriptionID + `"}`
	event := newEvent(t, "checkout.session.completed", raw)

	if err := provider.handleCheckoutSessionCompleted(ctx, event); err == nil {
		t.Error("Expected error for session without user id")
	}
	if _, err := store.FindBySubscriptionID(ctx, testSubscriptionID); !errors.Is(err, subscription.ErrRecordNotFound) {
		t.Errorf("Expected untouched store, got %v", err)
	}
}

func TestHandleCheckoutSessionCompleted_NonSubscriptionCheckout(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	raw := `{"id":"cs_test_4","customer":"` + testCustomerID + `","metadata":{"user_id":"` + testUserID + `"}}`
	event := newEvent(t, "checkout.session.completed", raw)

	if err := provider.handleCheckoutSessionCompleted(ctx, event); err != nil {
		t.Fatalf("Expected one-time checkout to be ignored, got %v", err)
	}
	if _, err := store.FindByUserID(ctx, testUserID); !errors.Is(err, subscription.ErrRecordNotFound) {
		t.Errorf("Expected untouched store, got %v", err)
	}
}

func TestHandleSubscriptionUpdated_AppliesStatusAndPeriodEnd(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	periodEnd := time.Now().Add(30 * 24 * time.Hour).Unix()
	raw := `{"id":"` + testSubscriptionID + `","status":"past_due",` +
		`"items":{"data":[{"current_period_end":` + jsonInt(periodEnd) + `}]}}`
	event := newEvent(t, "customer.subscription.updated", raw)

	if err := provider.handleSubscriptionUpdated(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}

	rec, err := store.FindByUserID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to find record: %v", err)
	}
	if rec.Status != subscription.StatusPastDue {
		t.Errorf("Expected status past_due, got %s", rec.Status)
	}
	if rec.PeriodEnd == nil || rec.PeriodEnd.Unix() != periodEnd {
		t.Errorf("Expected period end %d, got %v", periodEnd, rec.PeriodEnd)
	}
}

func TestHandleSubscriptionUpdated_UnknownSubscriptionAcked(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	raw := `{"id":"sub_unknown","status":"active"}`
	event := newEvent(t, "customer.subscription.updated", raw)

	// A lookup miss must not surface as a handler error, otherwise Stripe
	// retries an event we can never apply
	if err := provider.handleSubscriptionUpdated(ctx, event); err != nil {
		t.Errorf("Expected miss to be acknowledged, got %v", err)
	}
}

func TestHandleSubscriptionDeleted_CancelsRecord(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	event := newEvent(t, "customer.subscription.deleted",
		`{"id":"`+testSubscriptionID+`","status":"canceled"}`)
	if err := provider.handleSubscriptionDeleted(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}

	rec, err := store.FindByUserID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to find record: %v", err)
	}
	if rec.Status != subscription.StatusCanceled {
		t.Errorf("Expected status canceled, got %s", rec.Status)
	}
	if rec.Active() {
		t.Error("Expected record to be inactive after deletion")
	}
}

func TestHandleSubscriptionDeleted_UnknownSubscriptionAcked(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	event := newEvent(t, "customer.subscription.deleted", `{"id":"sub_unknown","status":"canceled"}`)
	if err := provider.handleSubscriptionDeleted(ctx, event); err != nil {
		t.Errorf("Expected miss to be acknowledged, got %v", err)
	}
}

func TestHandleInvoicePaymentSucceeded_RecordsLedgerEntry(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	raw := `{"id":"in_test_1","customer":"` + testCustomerID + `",` +
		`"subscription":"` + testSubscriptionID + `","amount_paid":999,"currency":"usd"}`
	event := newEvent(t, "invoice.payment_succeeded", raw)

	if err := provider.handleInvoicePaymentSucceeded(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}

	payments := store.Payments()
	if len(payments) != 1 {
		t.Fatalf("Expected 1 ledger entry, got %d", len(payments))
	}
	entry := payments[0]
	if entry.InvoiceID != "in_test_1" {
		t.Errorf("Expected invoice in_test_1, got %s", entry.InvoiceID)
	}
	if entry.UserID != testUserID {
		t.Errorf("Expected user %s, got %s", testUserID, entry.UserID)
	}
	if entry.AmountCents != 999 {
		t.Errorf("Expected 999 cents, got %d", entry.AmountCents)
	}

	// Redelivery must not duplicate the entry
	if err := provider.handleInvoicePaymentSucceeded(ctx, event); err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if got := len(store.Payments()); got != 1 {
		t.Errorf("Expected 1 ledger entry after redelivery, got %d", got)
	}
}

func TestHandleInvoicePaymentSucceeded_NonSubscriptionInvoiceIgnored(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	event := newEvent(t, "invoice.payment_succeeded",
		`{"id":"in_test_2","customer":"`+testCustomerID+`","amount_paid":500,"currency":"usd"}`)
	if err := provider.handleInvoicePaymentSucceeded(ctx, event); err != nil {
		t.Fatalf("Expected one-off invoice to be ignored, got %v", err)
	}
	if got := len(store.Payments()); got != 0 {
		t.Errorf("Expected empty ledger, got %d entries", got)
	}
}

func TestHandleInvoicePaymentSucceeded_NestedSubscriptionDetails(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	// Newer API versions nest the subscription id under parent
	raw := `{"id":"in_test_3","customer":"` + testCustomerID + `","amount_paid":999,"currency":"usd",` +
		`"parent":{"subscription_details":{"subscription":"` + testSubscriptionID + `"}}}`
	event := newEvent(t, "invoice.payment_succeeded", raw)

	if err := provider.handleInvoicePaymentSucceeded(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}
	if got := len(store.Payments()); got != 1 {
		t.Errorf("Expected 1 ledger entry, got %d", got)
	}
}

func TestHandleInvoicePaymentFailed_DoesNotMutateStore(t *testing.T) {
	provider, store := newTestProvider(t)
	ctx := context.Background()

	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	event := newEvent(t, "invoice.payment_failed",
		`{"id":"in_test_4","customer":"`+testCustomerID+`"}`)
	if err := provider.handleInvoicePaymentFailed(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}

	rec, err := store.FindByUserID(ctx, testUserID)
	if err != nil {
		t.Fatalf("Failed to find record: %v", err)
	}
	if rec.Status != subscription.StatusActive {
		t.Errorf("Expected payment failure to leave status active, got %s", rec.Status)
	}
}

func TestWebhookCallback_ReceivesStatusTransition(t *testing.T) {
	store := memory.New()
	var received []billing.WebhookEvent
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store: store,
			WebhookCallback: func(_ context.Context, event billing.WebhookEvent) error {
				received = append(received, event)
				return nil
			},
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	ctx := context.Background()
	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	event := newEvent(t, "customer.subscription.deleted",
		`{"id":"`+testSubscriptionID+`","status":"canceled"}`)
	if err := provider.handleSubscriptionDeleted(ctx, event); err != nil {
		t.Fatalf("Failed to handle event: %v", err)
	}

	if len(received) != 1 {
		t.Fatalf("Expected 1 callback, got %d", len(received))
	}
	got := received[0]
	if got.UserID != testUserID {
		t.Errorf("Expected user %s, got %s", testUserID, got.UserID)
	}
	if got.PreviousStatus != string(subscription.StatusActive) || got.NewStatus != string(subscription.StatusCanceled) {
		t.Errorf("Expected active -> canceled, got %s -> %s", got.PreviousStatus, got.NewStatus)
	}
	if got.Provider != providerName {
		t.Errorf("Expected provider %s, got %s", providerName, got.Provider)
	}
}

func TestWebhookCallback_ErrorSurfacesAsHandlerFailure(t *testing.T) {
	store := memory.New()
	callbackErr := errors.New("downstream unavailable")
	provider, err := NewProvider(Config{
		Config: billing.Config{
			Store: store,
			WebhookCallback: func(context.Context, billing.WebhookEvent) error {
				return callbackErr
			},
		},
		StripeAPIKey:        testStripeAPIKey,
		StripeWebhookSecret: testStripeWebhookSecret,
	})
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}

	ctx := context.Background()
	if err := store.ActivateSubscription(ctx, testUserID, testCustomerID, testSubscriptionID, nil); err != nil {
		t.Fatalf("Failed to seed record: %v", err)
	}

	event := newEvent(t, "customer.subscription.deleted",
		`{"id":"`+testSubscriptionID+`","status":"canceled"}`)
	if err := provider.handleSubscriptionDeleted(ctx, event); !errors.Is(err, callbackErr) {
		t.Errorf("Expected callback error to propagate, got %v", err)
	}
}

func TestPeriodEndFromSubscriptionItems(t *testing.T) {
	earlier := int64(1700000000)
	later := int64(1700086400)

	raw := json.RawMessage(`{"current_period_end":` + jsonInt(earlier) + `,` +
		`"items":{"data":[{"current_period_end":` + jsonInt(later) + `}]}}`)
	got := periodEndFromSubscriptionItems(raw)
	if got == nil || got.Unix() != later {
		t.Errorf("Expected max period end %d, got %v", later, got)
	}

	if got := periodEndFromSubscriptionItems(json.RawMessage(`{}`)); got != nil {
		t.Errorf("Expected nil for payload without period fields, got %v", got)
	}
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}
