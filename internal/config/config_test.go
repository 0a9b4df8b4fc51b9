package config

import (
	"testing"
)

func TestParsePlanMapping(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{"empty", "", map[string]string{}, false},
		{"single", "premium=price_123", map[string]string{"premium": "price_123"}, false},
		{
			"multiple with spaces",
			"premium=price_123, team = price_456",
			map[string]string{"premium": "price_123", "team": "price_456"},
			false,
		},
		{"trailing comma", "premium=price_123,", map[string]string{"premium": "price_123"}, false},
		{"missing value", "premium=", nil, true},
		{"missing key", "=price_123", nil, true},
		{"no separator", "premium", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePlanMapping(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parsePlanMapping(%q) failed: %v", tt.raw, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d entries, got %d", len(tt.want), len(got))
			}
			for plan, price := range tt.want {
				if got[plan] != price {
					t.Errorf("Expected %s=%s, got %s", plan, price, got[plan])
				}
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected default port 8080, got %s", cfg.Port)
	}
	if cfg.Store != StoreMemory {
		t.Errorf("Expected default store memory, got %s", cfg.Store)
	}
}

func TestLoad_RequiresStripeKey(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "")

	if _, err := Load(); err == nil {
		t.Error("Expected error without STRIPE_API_KEY")
	}
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("SUBSYNC_STORE", StorePostgres)
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Error("Expected error for postgres store without DATABASE_URL")
	}
}

func TestLoad_RejectsUnknownStore(t *testing.T) {
	t.Setenv("STRIPE_API_KEY", "sk_test_123")
	t.Setenv("SUBSYNC_STORE", "cassandra")

	if _, err := Load(); err == nil {
		t.Error("Expected error for unknown store backend")
	}
}
