// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package outbox implements the transactional outbox. State mutations and
// the messages they imply commit in one database transaction; a background
// publisher moves committed rows onto the bus. A row is the unit of
// at-least-once delivery between stages.
package outbox

import (
	"context"
	"math/rand"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default outbox errs class.
var Error = errs.Class("outbox")

// Row statuses.
const (
	StatusNew    = "NEW"
	StatusSent   = "SENT"
	StatusFailed = "FAILED"
	StatusDead   = "DEAD"
)

// Record is one staged message.
type Record struct {
	ID          int64
	Tenant      string
	AggregateID string // submission id; doubles as the FIFO group key
	EventType   string // stage the message is addressed to
	Destination string // logical queue name
	MessageID   string // bus deduplication id
	Payload     []byte // encoded envelope

	Status      string
	RetryCount  int
	MaxRetries  int
	NextRetryAt time.Time
	LastError   string

	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// Stats counts rows by status.
type Stats struct {
	New    int64
	Sent   int64
	Failed int64
	Dead   int64
}

// DB stages and drains outbox rows.
//
// architecture: Database
type DB interface {
	// Stage inserts a NEW row. Callers invoke it inside the transaction
	// that applies the state change the message announces. Staging a
	// message id that was already staged is a no-op, which keeps replayed
	// stage runs from duplicating rows.
	Stage(ctx context.Context, record *Record) error
	// MarkSent transitions a row to SENT. Used by the inline runner when a
	// stage is consumed synchronously.
	MarkSent(ctx context.Context, id int64) error
	// NextForAggregate returns the oldest NEW row of the aggregate, held or
	// not, or nil when none remain. Used by the inline runner.
	NextForAggregate(ctx context.Context, aggregateID string) (*Record, error)
	// Release makes every NEW row of the aggregate due immediately.
	Release(ctx context.Context, aggregateID string) error
	// ProcessDue claims up to limit due NEW or FAILED rows and hands each
	// to fn. A nil return marks the row SENT; an error reschedules it per
	// the policy, or marks it DEAD once retries are exhausted.
	ProcessDue(ctx context.Context, limit int, policy RetryPolicy, fn func(ctx context.Context, record *Record) error) (processed int, err error)
	// Stats returns row counts by status.
	Stats(ctx context.Context) (Stats, error)
	// DeadRows lists DEAD rows for inspection, newest first.
	DeadRows(ctx context.Context, limit int) ([]Record, error)
	// Requeue resets a DEAD or FAILED row to NEW with a fresh retry budget.
	Requeue(ctx context.Context, id int64) error
}

// RetryPolicy computes publish retry delays: capped exponential backoff
// with equal jitter.
type RetryPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultRetryPolicy matches the stage retry schedule.
var DefaultRetryPolicy = RetryPolicy{
	Base: time.Second,
	Cap:  5 * time.Minute,
}

// Delay returns the backoff before the given retry attempt.
func (policy RetryPolicy) Delay(retryCount int) time.Duration {
	backoff := policy.Base
	for i := 0; i < retryCount && backoff < policy.Cap; i++ {
		backoff *= 2
	}
	if backoff > policy.Cap {
		backoff = policy.Cap
	}
	return backoff/2 + time.Duration(rand.Int63n(int64(backoff/2)+1))
}
