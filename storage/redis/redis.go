// Package redis provides a Redis implementation of the subscription.Store
// interface. Mutations run as Lua scripts so the record hash and the
// subscription-id index stay consistent under concurrent webhook delivery.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Store implements subscription.Store using Redis
type Store struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// RecordTTL is the TTL for subscription record keys (0 = no expiration).
	// Records are the source of truth, so the default is no expiration.
	RecordTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		RecordTTL: 0,
	}
}

// New creates a new Redis store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	s := &Store{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Store) loadScripts() {
	// Record the user -> customer mapping, creating the record if absent.
	// The customer id is first-writer-wins.
	s.scripts["upsert_customer"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local customerID = ARGV[1]
		local now = ARGV[2]

		if redis.call('EXISTS', recordKey) == 0 then
			redis.call('HSET', recordKey,
				'customer_id', customerID,
				'subscription_id', '',
				'status', 'none',
				'period_end', '',
				'updated_at', now)
			return 1
		end

		local current = redis.call('HGET', recordKey, 'customer_id')
		if not current or current == '' then
			redis.call('HSET', recordKey, 'customer_id', customerID)
		end
		redis.call('HSET', recordKey, 'updated_at', now)
		return 1
	`)

	// Activate a subscription and keep the subscription-id index in step.
	// If the user previously held a different subscription id, its index
	// entry is removed.
	s.scripts["activate"] = redis.NewScript(`
		local recordKey = KEYS[1]
		local indexKey = KEYS[2]
		local userID = ARGV[1]
		local customerID = ARGV[2]
		local subscriptionID = ARGV[3]
		local periodEnd = ARGV[4]
		local now = ARGV[5]

		local previous = redis.call('HGET', recordKey, 'subscription_id')
		if previous and previous ~= '' and previous ~= subscriptionID then
			redis.call('HDEL', indexKey, previous)
		end

		local currentCustomer = redis.call('HGET', recordKey, 'customer_id')
		if not currentCustomer or currentCustomer == '' then
			redis.call('HSET', recordKey, 'customer_id', customerID)
		end

		redis.call('HSET', recordKey,
			'subscription_id', subscriptionID,
			'status', 'active',
			'updated_at', now)
		if periodEnd ~= '' then
			redis.call('HSET', recordKey, 'period_end', periodEnd)
		end

		redis.call('HSET', indexKey, subscriptionID, userID)
		return 1
	`)

	// Apply a status transition keyed by subscription id. Returns the empty
	// string when the index has no entry for the id.
	s.scripts["apply_status"] = redis.NewScript(`
		local indexKey = KEYS[1]
		local prefix = ARGV[1]
		local subscriptionID = ARGV[2]
		local status = ARGV[3]
		local periodEnd = ARGV[4]
		local now = ARGV[5]

		local userID = redis.call('HGET', indexKey, subscriptionID)
		if not userID or userID == '' then
			return ''
		end

		local recordKey = prefix .. 'record:' .. userID
		redis.call('HSET', recordKey, 'status', status, 'updated_at', now)
		if periodEnd ~= '' then
			redis.call('HSET', recordKey, 'period_end', periodEnd)
		end
		return userID
	`)
}

func (s *Store) recordKey(userID string) string {
	return s.config.KeyPrefix + "record:" + userID
}

func (s *Store) indexKey() string {
	return s.config.KeyPrefix + "subidx"
}

// FindByUserID implements subscription.Store
func (s *Store) FindByUserID(ctx context.Context, userID string) (*subscription.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	if len(fields) == 0 {
		return nil, subscription.ErrRecordNotFound
	}
	return recordFromFields(userID, fields), nil
}

// FindBySubscriptionID implements subscription.Store. The index hash holds at
// most one user per subscription id, so the uniqueness invariant is enforced
// structurally here.
func (s *Store) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*subscription.Record, error) {
	if subscriptionID == "" {
		return nil, subscription.ErrRecordNotFound
	}

	userID, err := s.client.HGet(ctx, s.indexKey(), subscriptionID).Result()
	if err == redis.Nil {
		return nil, subscription.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription index: %w", err)
	}
	return s.FindByUserID(ctx, userID)
}

// UpsertCustomer implements subscription.Store
func (s *Store) UpsertCustomer(ctx context.Context, userID, customerID string) error {
	if userID == "" {
		return subscription.ErrInvalidRecord
	}

	err := s.scripts["upsert_customer"].Run(ctx, s.client,
		[]string{s.recordKey(userID)},
		customerID, nowUnix()).Err()
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}
	return s.applyTTL(ctx, userID)
}

// ActivateSubscription implements subscription.Store
func (s *Store) ActivateSubscription(
	ctx context.Context, userID, customerID, subscriptionID string, periodEnd *time.Time,
) error {
	if userID == "" || subscriptionID == "" {
		return subscription.ErrInvalidRecord
	}

	err := s.scripts["activate"].Run(ctx, s.client,
		[]string{s.recordKey(userID), s.indexKey()},
		userID, customerID, subscriptionID, unixOrEmpty(periodEnd), nowUnix()).Err()
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	return s.applyTTL(ctx, userID)
}

// ApplyStatusBySubscriptionID implements subscription.Store
func (s *Store) ApplyStatusBySubscriptionID(
	ctx context.Context, subscriptionID string, status subscription.Status, periodEnd *time.Time,
) error {
	if subscriptionID == "" {
		return subscription.ErrRecordNotFound
	}

	userID, err := s.scripts["apply_status"].Run(ctx, s.client,
		[]string{s.indexKey()},
		s.config.KeyPrefix, subscriptionID, string(status), unixOrEmpty(periodEnd), nowUnix()).Text()
	if err != nil {
		return fmt.Errorf("failed to apply status: %w", err)
	}
	if userID == "" {
		return subscription.ErrRecordNotFound
	}
	return nil
}

func (s *Store) applyTTL(ctx context.Context, userID string) error {
	if s.config.RecordTTL <= 0 {
		return nil
	}
	return s.client.Expire(ctx, s.recordKey(userID), s.config.RecordTTL).Err()
}

func recordFromFields(userID string, fields map[string]string) *subscription.Record {
	rec := &subscription.Record{
		UserID:         userID,
		CustomerID:     fields["customer_id"],
		SubscriptionID: fields["subscription_id"],
		Status:         subscription.Status(fields["status"]),
	}
	if rec.Status == "" {
		rec.Status = subscription.StatusNone
	}
	if v, err := strconv.ParseInt(fields["period_end"], 10, 64); err == nil && v > 0 {
		end := time.Unix(v, 0).UTC()
		rec.PeriodEnd = &end
	}
	if v, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil && v > 0 {
		rec.UpdatedAt = time.Unix(v, 0).UTC()
	}
	return rec
}

func nowUnix() string {
	return strconv.FormatInt(time.Now().UTC().Unix(), 10)
}

func unixOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.UTC().Unix(), 10)
}
