// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package outbox

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"clearpath.io/pagw/gateway/bus"
)

var mon = monkit.Package()

// PublisherConfig holds the outbox publisher settings.
type PublisherConfig struct {
	Interval   time.Duration `help:"how often the publisher polls for due rows" default:"1s" testDefault:"$TESTINTERVAL"`
	BatchSize  int           `help:"max rows drained per poll" default:"100"`
	MaxRetries int           `help:"publish attempts before a row goes dead" default:"10"`

	RetryBase time.Duration `help:"initial publish backoff" default:"1s"`
	RetryCap  time.Duration `help:"max publish backoff" default:"5m"`
}

// Publisher drains committed outbox rows onto the bus in order.
//
// architecture: Chore
type Publisher struct {
	log    *zap.Logger
	db     DB
	bus    bus.Bus
	routes bus.Routes
	config PublisherConfig

	Loop *sync2.Cycle
}

// NewPublisher creates the publisher chore.
func NewPublisher(log *zap.Logger, db DB, b bus.Bus, routes bus.Routes, config PublisherConfig) *Publisher {
	return &Publisher{
		log:    log,
		db:     db,
		bus:    b,
		routes: routes,
		config: config,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run runs the publisher until the context is canceled.
func (publisher *Publisher) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return publisher.Loop.Run(ctx, func(ctx context.Context) error {
		if err := publisher.RunOnce(ctx); err != nil {
			publisher.log.Error("outbox drain failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce drains due rows until the due set is empty.
func (publisher *Publisher) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	policy := RetryPolicy{Base: publisher.config.RetryBase, Cap: publisher.config.RetryCap}
	for {
		processed, err := publisher.db.ProcessDue(ctx, publisher.config.BatchSize, policy, publisher.publish)
		if err != nil {
			return Error.Wrap(err)
		}
		mon.IntVal("outbox_rows_drained").Observe(int64(processed))
		if processed < publisher.config.BatchSize {
			return nil
		}
	}
}

func (publisher *Publisher) publish(ctx context.Context, record *Record) error {
	queue := publisher.routes.Resolve(record.Destination)
	err := publisher.bus.Publish(ctx, bus.Message{
		Queue:   queue,
		GroupID: record.AggregateID,
		DedupID: record.MessageID,
		Body:    record.Payload,
	})
	if err != nil {
		publisher.log.Warn("publish failed",
			zap.String("submission_id", record.AggregateID),
			zap.String("queue", queue),
			zap.Int("retry_count", record.RetryCount),
			zap.Error(err))
		return err
	}

	publisher.log.Debug("published",
		zap.String("submission_id", record.AggregateID),
		zap.String("stage", record.EventType),
		zap.String("queue", queue))
	return nil
}

// Close stops the publisher loop.
func (publisher *Publisher) Close() error {
	publisher.Loop.Close()
	return nil
}
