// Package api provides framework-free HTTP handlers for subscription status
// queries and checkout session creation. Handlers are plain http.HandlerFunc
// methods so they mount on any router.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

const (
	maxUserIDLen        = 255
	maxCheckoutBodySize = 16 * 1024
)

// Handler provides HTTP endpoints for subscription inspection and checkout
type Handler struct {
	config Config
}

// GetSubscription returns a JSON snapshot of the user's subscription standing.
// A user with no record gets a "none" snapshot rather than a 404 so clients
// can treat every user uniformly.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return
	}

	rec, err := h.config.Store.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, subscription.ErrRecordNotFound) {
			h.writeJSON(w, http.StatusOK, SubscriptionResponse{
				UserID: userID,
				Status: string(subscription.StatusNone),
			})
			return
		}
		h.handleError(w, r, fmt.Errorf("failed to get subscription: %w", err), http.StatusInternalServerError)
		return
	}

	resp := SubscriptionResponse{
		UserID:         rec.UserID,
		Status:         string(rec.Status),
		Active:         rec.Active(),
		SubscriptionID: rec.SubscriptionID,
		PeriodEnd:      rec.PeriodEnd,
	}
	if !rec.UpdatedAt.IsZero() {
		updatedAt := rec.UpdatedAt
		resp.UpdatedAt = &updatedAt
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// CreateCheckoutSession creates a hosted checkout session for the requested
// plan and returns its id and redirect URL
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		h.handleError(w, r, fmt.Errorf("method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if h.config.Provider == nil {
		h.handleError(w, r, billing.ErrProviderNotConfigured, http.StatusServiceUnavailable)
		return
	}

	var req CheckoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBodySize))
	if err := dec.Decode(&req); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}

	if req.UserID == "" || len(req.UserID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("user_id is required"), http.StatusBadRequest)
		return
	}
	if req.Plan == "" {
		h.handleError(w, r, fmt.Errorf("plan is required"), http.StatusBadRequest)
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.config.DefaultSuccessURL
	}
	if req.CancelURL == "" {
		req.CancelURL = h.config.DefaultCancelURL
	}

	session, err := h.config.Provider.CheckoutURL(ctx, billing.CheckoutRequest{
		UserID:     req.UserID,
		Email:      req.Email,
		Plan:       req.Plan,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		if errors.Is(err, billing.ErrPlanNotConfigured) {
			h.handleError(w, r, err, http.StatusBadRequest)
			return
		}
		h.config.Logger.Error("failed to create checkout session",
			subscription.Field{Key: "user_id", Value: req.UserID},
			subscription.Field{Key: "plan", Value: req.Plan},
			subscription.Err(err),
		)
		h.handleError(w, r, fmt.Errorf("failed to create checkout session"), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, CheckoutResponse{
		ID:  session.ID,
		URL: session.URL,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Response already sent, nothing left to do
		_ = err
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	h.writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
