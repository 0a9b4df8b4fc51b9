// Package firestore provides a Firestore implementation of the
// subscription.Store interface, for deployments already running on Google
// Cloud. Mutations are per-document transactions, which gives the per-key
// atomicity the store contract requires.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Store implements subscription.Store using Google Cloud Firestore
type Store struct {
	client     *firestore.Client
	collection string
}

// Config holds Firestore storage configuration
type Config struct {
	// Collection is the Firestore collection for subscription records
	// Default: "subscriptions"
	Collection string
}

// record is the Firestore document layout. Documents are keyed by user id;
// lookups by subscription id go through a query on the indexed field.
type record struct {
	CustomerID     string     `firestore:"customer_id"`
	SubscriptionID string     `firestore:"subscription_id"`
	Status         string     `firestore:"status"`
	PeriodEnd      *time.Time `firestore:"period_end"`
	UpdatedAt      time.Time  `firestore:"updated_at"`
}

// New creates a new Firestore store
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.Collection == "" {
		config.Collection = "subscriptions"
	}

	return &Store{
		client:     client,
		collection: config.Collection,
	}, nil
}

// FindByUserID implements subscription.Store
func (s *Store) FindByUserID(ctx context.Context, userID string) (*subscription.Record, error) {
	snap, err := s.client.Collection(s.collection).Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subscription.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return docToRecord(userID, snap)
}

// FindBySubscriptionID implements subscription.Store
func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	if subscriptionID == "" {
		return nil, subscription.ErrRecordNotFound
	}

	iterSnaps, err := s.client.Collection(s.collection).
		Where("subscription_id", "==", subscriptionID).
		Limit(2).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query by subscription id: %w", err)
	}

	switch len(iterSnaps) {
	case 0:
		return nil, subscription.ErrRecordNotFound
	case 1:
		return docToRecord(iterSnaps[0].Ref.ID, iterSnaps[0])
	default:
		return nil, subscription.ErrDuplicateSubscription
	}
}

// UpsertCustomer implements subscription.Store. Runs in a transaction so the
// first-writer-wins rule on the customer id holds under concurrent checkouts.
func (s *Store) UpsertCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return subscription.ErrInvalidRecord
	}

	doc := s.client.Collection(s.collection).Doc(userID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		rec := record{Status: string(subscription.StatusNone)}
		if snap != nil && snap.Exists() {
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
		}
		if rec.CustomerID == "" {
			rec.CustomerID = customerID
		}
		rec.UpdatedAt = time.Now().UTC()
		return tx.Set(doc, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return nil
}

// ActivateSubscription implements subscription.Store
func (s *Store) ActivateSubscription(
	ctx context.Context, userID, customerID, subscriptionID string, periodEnd *time.Time,
) error {
	if userID == "" || subscriptionID == "" {
		return subscription.ErrInvalidRecord
	}

	doc := s.client.Collection(s.collection).Doc(userID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var rec record
		if snap != nil && snap.Exists() {
			if err := snap.DataTo(&rec); err != nil {
				return err
			}
		}
		if rec.CustomerID == "" {
			rec.CustomerID = customerID
		}
		rec.SubscriptionID = subscriptionID
		rec.Status = string(subscription.StatusActive)
		if periodEnd != nil {
			end := periodEnd.UTC()
			rec.PeriodEnd = &end
		}
		rec.UpdatedAt = time.Now().UTC()
		return tx.Set(doc, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	return nil
}

// ApplyStatusBySubscriptionID implements subscription.Store
func (s *Store) ApplyStatusBySubscriptionID(
	ctx context.Context, subscriptionID string, statusValue subscription.Status, periodEnd *time.Time,
) error {
	rec, err := s.FindBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	doc := s.client.Collection(s.collection).Doc(rec.UserID)
	updates := []firestore.Update{
		{Path: "status", Value: string(statusValue)},
		{Path: "updated_at", Value: time.Now().UTC()},
	}
	if periodEnd != nil {
		updates = append(updates, firestore.Update{Path: "period_end", Value: periodEnd.UTC()})
	}

	if _, err := doc.Update(ctx, updates); err != nil {
		if status.Code(err) == codes.NotFound {
			return subscription.ErrRecordNotFound
		}
		return fmt.Errorf("failed to apply status: %w", err)
	}
	return nil
}

func docToRecord(userID string, snap *firestore.DocumentSnapshot) (*subscription.Record, error) {
	var rec record
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}

	out := &subscription.Record{
		UserID:         userID,
		CustomerID:     rec.CustomerID,
		SubscriptionID: rec.SubscriptionID,
		Status:         subscription.Status(rec.Status),
		PeriodEnd:      rec.PeriodEnd,
		UpdatedAt:      rec.UpdatedAt,
	}
	if out.Status == "" {
		out.Status = subscription.StatusNone
	}
	return out, nil
}
