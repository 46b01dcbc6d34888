// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/outbox"
)

// memoryDB is an in-memory outbox.DB for publisher tests.
type memoryDB struct {
	mu     sync.Mutex
	nextID int64
	rows   []*outbox.Record
	now    func() time.Time
}

func newMemoryDB() *memoryDB {
	return &memoryDB{now: time.Now}
}

func (db *memoryDB) Stage(ctx context.Context, record *outbox.Record) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, row := range db.rows {
		if row.MessageID == record.MessageID {
			return nil
		}
	}
	db.nextID++
	record.ID = db.nextID
	record.Status = outbox.StatusNew
	record.CreatedAt = db.now()
	copied := *record
	db.rows = append(db.rows, &copied)
	return nil
}

func (db *memoryDB) MarkSent(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, row := range db.rows {
		if row.ID == id {
			row.Status = outbox.StatusSent
			return nil
		}
	}
	return errs.New("row %d not found", id)
}

func (db *memoryDB) NextForAggregate(ctx context.Context, aggregateID string) (*outbox.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, row := range db.rows {
		if row.AggregateID == aggregateID && row.Status == outbox.StatusNew {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (db *memoryDB) Release(ctx context.Context, aggregateID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, row := range db.rows {
		if row.AggregateID == aggregateID && row.Status == outbox.StatusNew {
			row.NextRetryAt = time.Time{}
		}
	}
	return nil
}

func (db *memoryDB) ProcessDue(ctx context.Context, limit int, policy outbox.RetryPolicy, fn func(ctx context.Context, record *outbox.Record) error) (int, error) {
	db.mu.Lock()
	now := db.now()
	var due []*outbox.Record
	for _, row := range db.rows {
		if len(due) >= limit {
			break
		}
		if (row.Status == outbox.StatusNew || row.Status == outbox.StatusFailed) && !row.NextRetryAt.After(now) {
			due = append(due, row)
		}
	}
	db.mu.Unlock()

	for _, row := range due {
		err := fn(ctx, row)
		db.mu.Lock()
		if err == nil {
			processedAt := db.now()
			row.Status = outbox.StatusSent
			row.ProcessedAt = &processedAt
		} else {
			row.RetryCount++
			row.LastError = err.Error()
			if row.RetryCount >= row.MaxRetries {
				row.Status = outbox.StatusDead
			} else {
				row.Status = outbox.StatusFailed
				row.NextRetryAt = db.now().Add(policy.Delay(row.RetryCount))
			}
		}
		db.mu.Unlock()
	}
	return len(due), nil
}

func (db *memoryDB) Stats(ctx context.Context) (stats outbox.Stats, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, row := range db.rows {
		switch row.Status {
		case outbox.StatusNew:
			stats.New++
		case outbox.StatusSent:
			stats.Sent++
		case outbox.StatusFailed:
			stats.Failed++
		case outbox.StatusDead:
			stats.Dead++
		}
	}
	return stats, nil
}

func (db *memoryDB) DeadRows(ctx context.Context, limit int) ([]outbox.Record, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var dead []outbox.Record
	for i := len(db.rows) - 1; i >= 0 && len(dead) < limit; i-- {
		if db.rows[i].Status == outbox.StatusDead {
			dead = append(dead, *db.rows[i])
		}
	}
	return dead, nil
}

func (db *memoryDB) Requeue(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, row := range db.rows {
		if row.ID == id {
			row.Status = outbox.StatusNew
			row.RetryCount = 0
			row.NextRetryAt = time.Time{}
			row.LastError = ""
			return nil
		}
	}
	return errs.New("row %d not found", id)
}

func testConfig() outbox.PublisherConfig {
	return outbox.PublisherConfig{
		Interval:   time.Hour,
		BatchSize:  10,
		MaxRetries: 3,
		RetryBase:  time.Millisecond,
		RetryCap:   time.Millisecond,
	}
}

func stage(t *testing.T, ctx context.Context, db outbox.DB, aggregate, stageName string) {
	t.Helper()
	require.NoError(t, db.Stage(ctx, &outbox.Record{
		Tenant:      "acme",
		AggregateID: aggregate,
		EventType:   stageName,
		Destination: stageName,
		MessageID:   aggregate + "-" + stageName,
		Payload:     []byte(`{}`),
		MaxRetries:  3,
	}))
}

func TestPublisher_DrainsInOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newMemoryDB()
	testbus := bus.NewTestBus(bus.Config{VisibilityTimeout: time.Minute, MaxReceiveCount: 3, DeadLetterQueue: "dlq"})

	stage(t, ctx, db, "PA-1", "parse")
	stage(t, ctx, db, "PA-1", "validate")
	stage(t, ctx, db, "PA-2", "parse")

	publisher := outbox.NewPublisher(zaptest.NewLogger(t), db, testbus, bus.Routes{}, testConfig())
	defer ctx.Check(publisher.Close)

	require.NoError(t, publisher.RunOnce(ctx))

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Sent)
	require.Equal(t, int64(0), stats.New)

	// PA-1's rows landed on their queues in staging order.
	delivery, err := testbus.Receive(ctx, "parse")
	require.NoError(t, err)
	require.Equal(t, "PA-1", delivery.Message.GroupID)
}

func TestPublisher_RetriesThenDead(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newMemoryDB()
	clock := time.Now()
	db.now = func() time.Time { return clock }

	stage(t, ctx, db, "PA-1", "parse")

	failing := &failingBus{}
	publisher := outbox.NewPublisher(zaptest.NewLogger(t), db, failing, bus.Routes{}, testConfig())
	defer ctx.Check(publisher.Close)

	for i := 0; i < 3; i++ {
		require.NoError(t, publisher.RunOnce(ctx))
		clock = clock.Add(time.Second)
	}

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Dead)

	dead, err := db.DeadRows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, "PA-1", dead[0].AggregateID)
	require.Contains(t, dead[0].LastError, "bus down")

	// requeued rows drain once the bus recovers.
	require.NoError(t, db.Requeue(ctx, dead[0].ID))
	testbus := bus.NewTestBus(bus.Config{VisibilityTimeout: time.Minute, MaxReceiveCount: 3, DeadLetterQueue: "dlq"})
	recovered := outbox.NewPublisher(zaptest.NewLogger(t), db, testbus, bus.Routes{}, testConfig())
	defer ctx.Check(recovered.Close)

	require.NoError(t, recovered.RunOnce(ctx))
	stats, err = db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Sent)
}

func TestPublisher_HeldRowsWaitForRelease(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := newMemoryDB()
	testbus := bus.NewTestBus(bus.Config{VisibilityTimeout: time.Minute, MaxReceiveCount: 3, DeadLetterQueue: "dlq"})

	held := &outbox.Record{
		Tenant:      "acme",
		AggregateID: "PA-1",
		EventType:   "validate",
		Destination: "validate",
		MessageID:   "PA-1-validate",
		Payload:     []byte(`{}`),
		MaxRetries:  3,
	}
	require.NoError(t, db.Stage(ctx, held))
	db.mu.Lock()
	db.rows[0].NextRetryAt = time.Now().Add(time.Hour)
	db.mu.Unlock()

	publisher := outbox.NewPublisher(zaptest.NewLogger(t), db, testbus, bus.Routes{}, testConfig())
	defer ctx.Check(publisher.Close)

	require.NoError(t, publisher.RunOnce(ctx))
	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.New)

	require.NoError(t, db.Release(ctx, "PA-1"))
	require.NoError(t, publisher.RunOnce(ctx))
	stats, err = db.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Sent)
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := outbox.RetryPolicy{Base: time.Second, Cap: 5 * time.Minute}
	for attempt := 0; attempt < 20; attempt++ {
		delay := policy.Delay(attempt)
		require.Greater(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, 5*time.Minute)
	}
}

type failingBus struct{}

func (failingBus) Publish(ctx context.Context, msg bus.Message) error {
	return errs.New("bus down")
}
func (failingBus) Receive(ctx context.Context, queue string) (*bus.Delivery, error) {
	return nil, bus.ErrEmpty.New("%s", queue)
}
func (failingBus) Ack(ctx context.Context, delivery *bus.Delivery) error       { return nil }
func (failingBus) Nack(ctx context.Context, delivery *bus.Delivery) error      { return nil }
func (failingBus) SendToDLQ(ctx context.Context, delivery *bus.Delivery) error { return nil }
