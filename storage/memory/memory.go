// Package memory provides an in-memory implementation of the
// subscription.Store and subscription.Ledger interfaces. This implementation
// is primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Store implements subscription.Store and subscription.Ledger using
// in-memory maps. All mutations run under one mutex, which gives the per-key
// atomicity the store contract requires.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*subscription.Record       // keyed by user id
	payments map[string]*subscription.PaymentEntry // keyed by invoice id
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		records:  make(map[string]*subscription.Record),
		payments: make(map[string]*subscription.PaymentEntry),
	}
}

// FindByUserID implements subscription.Store
func (s *Store) FindByUserID(ctx context.Context, userID string) (*subscription.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, subscription.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := *rec
	return &recCopy, nil
}

// FindBySubscriptionID implements subscription.Store
func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	if subscriptionID == "" {
		return nil, subscription.ErrRecordNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	match, err := s.lookupBySubscriptionID(subscriptionID)
	if err != nil {
		return nil, err
	}
	recCopy := *match
	return &recCopy, nil
}

// lookupBySubscriptionID scans for the record holding a subscription id.
// Callers must hold the mutex.
func (s *Store) lookupBySubscriptionID(subscriptionID string) (*subscription.Record, error) {
	var match *subscription.Record
	for _, rec := range s.records {
		if rec.SubscriptionID != subscriptionID {
			continue
		}
		if match != nil {
			return nil, subscription.ErrDuplicateSubscription
		}
		match = rec
	}
	if match == nil {
		return nil, subscription.ErrRecordNotFound
	}
	return match, nil
}

// UpsertCustomer implements subscription.Store. The customer id is
// first-writer-wins: an already-set id is never overwritten.
func (s *Store) UpsertCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return subscription.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		s.records[userID] = &subscription.Record{
			UserID:     userID,
			CustomerID: customerID,
			Status:     subscription.StatusNone,
			UpdatedAt:  time.Now().UTC(),
		}
		return nil
	}

	if rec.CustomerID == "" {
		rec.CustomerID = customerID
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ActivateSubscription implements subscription.Store
func (s *Store) ActivateSubscription(
	ctx context.Context, userID, customerID, subscriptionID string, periodEnd *time.Time,
) error {
	if userID == "" || subscriptionID == "" {
		return subscription.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		rec = &subscription.Record{UserID: userID}
		s.records[userID] = rec
	}

	if rec.CustomerID == "" {
		rec.CustomerID = customerID
	}
	rec.SubscriptionID = subscriptionID
	rec.Status = subscription.StatusActive
	if periodEnd != nil {
		end := periodEnd.UTC()
		rec.PeriodEnd = &end
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyStatusBySubscriptionID implements subscription.Store
func (s *Store) ApplyStatusBySubscriptionID(
	ctx context.Context, subscriptionID string, status subscription.Status, periodEnd *time.Time,
) error {
	if subscriptionID == "" {
		return subscription.ErrRecordNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupBySubscriptionID(subscriptionID)
	if err != nil {
		return err
	}

	rec.Status = status
	if periodEnd != nil {
		end := periodEnd.UTC()
		rec.PeriodEnd = &end
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordPayment implements subscription.Ledger. Entries deduplicate on
// invoice id so redelivered payment events insert once.
func (s *Store) RecordPayment(ctx context.Context, entry *subscription.PaymentEntry) error {
	if entry == nil || entry.InvoiceID == "" {
		return subscription.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payments[entry.InvoiceID]; exists {
		return nil
	}
	entryCopy := *entry
	s.payments[entry.InvoiceID] = &entryCopy
	return nil
}

// Payments returns a snapshot of the recorded ledger entries, for tests.
func (s *Store) Payments() []subscription.PaymentEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]subscription.PaymentEntry, 0, len(s.payments))
	for _, entry := range s.payments {
		out = append(out, *entry)
	}
	return out
}
