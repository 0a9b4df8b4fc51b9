package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetrics_RecordWebhookEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("stripe", "checkout.session.completed", "success")
	metrics.RecordWebhookEvent("stripe", "customer.subscription.updated", "miss")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var events *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "test_billing_webhook_events_total" {
			events = mf
		}
	}
	if events == nil {
		t.Fatal("Expected webhook events metric family")
	}
	if len(events.GetMetric()) != 2 {
		t.Errorf("Expected 2 label combinations, got %d", len(events.GetMetric()))
	}
}

func TestMetrics_RecordStatusChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStatusChange("stripe", "active", "canceled")
	metrics.RecordStatusChange("stripe", "active", "canceled")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var changes *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "test_billing_status_changes_total" {
			changes = mf
		}
	}
	if changes == nil {
		t.Fatal("Expected status changes metric family")
	}
	if got := changes.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("Expected counter value 2, got %v", got)
	}
}

func TestMetrics_RecordDurations(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("stripe", "checkout.session.completed", 50*time.Millisecond)
	metrics.RecordUserSync("stripe", "success")
	metrics.RecordUserSyncDuration("stripe", 20*time.Millisecond)
	metrics.RecordWebhookError("stripe", "auth_failed")
	metrics.RecordAPICall("stripe", "/checkout/sessions", "success")
	metrics.RecordAPICallDuration("stripe", "/checkout/sessions", 120*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) < 6 {
		t.Errorf("Expected at least 6 metric families, got %d", len(families))
	}
}
