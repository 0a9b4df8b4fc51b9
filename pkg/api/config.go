package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Config holds configuration for the subscription API handler
type Config struct {
	// Store is the subscription record store (required)
	Store subscription.Store

	// Provider is the billing provider used to create checkout sessions
	// If nil, POST /create-checkout-session returns 503
	Provider billing.Provider

	// GetUserID extracts the user ID from a status request (required)
	// Typically reads a router path parameter or an auth header
	GetUserID func(*http.Request) string

	// DefaultSuccessURL and DefaultCancelURL are used when the checkout
	// request body leaves them empty
	DefaultSuccessURL string
	DefaultCancelURL  string

	// Logger is optional structured logging
	// If nil, logging is disabled
	Logger subscription.Logger

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new subscription API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
