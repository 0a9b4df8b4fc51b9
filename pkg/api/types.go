package api

import "time"

// SubscriptionResponse represents the subscription standing for a user
type SubscriptionResponse struct {
	UserID         string     `json:"user_id"`
	Status         string     `json:"status"` // "none", "active", "past_due", "canceled"
	Active         bool       `json:"active"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	PeriodEnd      *time.Time `json:"period_end,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// CheckoutRequest is the body for POST /create-checkout-session
type CheckoutRequest struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	Plan       string `json:"plan"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// CheckoutResponse is returned on successful session creation
type CheckoutResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
