// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package idempotency deduplicates submissions by client-supplied key.
// The first submission carrying a key claims it; replays within the TTL
// are answered with the recorded response reference instead of creating
// a new submission.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default idempotency errs class.
	Error = errs.Class("idempotency")
)

// Config holds the idempotency store settings.
type Config struct {
	URL string        `help:"redis connection string" default:"redis://localhost:6379?db=0"`
	TTL time.Duration `help:"how long an idempotency key stays claimed" default:"24h" testDefault:"1h"`
}

// Record is what a claimed key resolves to. The response reference is
// filled in once the submission reaches a terminal state.
type Record struct {
	SubmissionID string `json:"submissionId"`
	RequestHash  string `json:"requestHash"`
	ResponseRef  string `json:"responseRef,omitempty"`
}

// Store tracks idempotency keys.
//
// architecture: Database
type Store interface {
	// CheckAndSet claims the key for the record. When the key is already
	// claimed it returns the existing record and claimed=false.
	CheckAndSet(ctx context.Context, tenant, key string, record Record) (existing Record, claimed bool, err error)
	// RecordResponse attaches the response reference to a claimed key.
	RecordResponse(ctx context.Context, tenant, key, responseRef string) error
	// Release drops a claim. Used when the submission behind the claim
	// never materialized, so a retry is not answered as a duplicate.
	Release(ctx context.Context, tenant, key string) error
	// Get returns the record for a claimed key, if any.
	Get(ctx context.Context, tenant, key string) (Record, bool, error)
	// Close releases the store.
	Close() error
}

// RedisStore is a Store backed by redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// OpenStore connects to the redis instance from the configuration.
func OpenStore(ctx context.Context, config Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, Error.New("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Combine(Error.Wrap(err), client.Close())
	}
	return &RedisStore{client: client, ttl: config.TTL}, nil
}

// OpenStoreAddr connects to a redis instance by address. Used in tests.
func OpenStoreAddr(ctx context.Context, addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Combine(Error.Wrap(err), client.Close())
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func storageKey(tenant, key string) string {
	return "idem:" + tenant + ":" + key
}

// CheckAndSet implements Store.
func (store *RedisStore) CheckAndSet(ctx context.Context, tenant, key string, record Record) (_ Record, claimed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := json.Marshal(record)
	if err != nil {
		return Record{}, false, Error.Wrap(err)
	}

	ok, err := store.client.SetNX(ctx, storageKey(tenant, key), value, store.ttl).Result()
	if err != nil {
		return Record{}, false, Error.Wrap(err)
	}
	if ok {
		return record, true, nil
	}

	existing, found, err := store.Get(ctx, tenant, key)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		// the claim expired between SetNX and Get; treat the caller as winner.
		return record, true, Error.Wrap(store.client.Set(ctx, storageKey(tenant, key), value, store.ttl).Err())
	}
	return existing, false, nil
}

// RecordResponse implements Store.
func (store *RedisStore) RecordResponse(ctx context.Context, tenant, key, responseRef string) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, found, err := store.Get(ctx, tenant, key)
	if err != nil {
		return err
	}
	if !found {
		// the key expired; nothing to attach to.
		return nil
	}
	record.ResponseRef = responseRef

	value, err := json.Marshal(record)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.client.Set(ctx, storageKey(tenant, key), value, redis.KeepTTL).Err())
}

// Release implements Store.
func (store *RedisStore) Release(ctx context.Context, tenant, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return Error.Wrap(store.client.Del(ctx, storageKey(tenant, key)).Err())
}

// Get implements Store.
func (store *RedisStore) Get(ctx context.Context, tenant, key string) (_ Record, found bool, err error) {
	defer mon.Task()(&ctx)(&err)

	value, err := store.client.Get(ctx, storageKey(tenant, key)).Bytes()
	if errs.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, Error.Wrap(err)
	}

	var record Record
	if err := json.Unmarshal(value, &record); err != nil {
		return Record{}, false, Error.Wrap(err)
	}
	return record, true, nil
}

// Close implements Store.
func (store *RedisStore) Close() error {
	return Error.Wrap(store.client.Close())
}
