// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package stage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storj.io/common/sync2"

	"clearpath.io/pagw/gateway/bus"
)

// WorkerConfig holds per-stage worker pool settings.
type WorkerConfig struct {
	Interval    time.Duration `help:"how often an idle worker polls its queue" default:"500ms" testDefault:"$TESTINTERVAL"`
	Concurrency int           `help:"concurrent invocations per stage worker" default:"4"`
}

// Worker drains one stage's inbound queue through the runtime. Within a
// submission the bus serializes delivery, so concurrency here only overlaps
// distinct submissions.
//
// architecture: Worker
type Worker struct {
	log     *zap.Logger
	bus     bus.Bus
	runtime *Runtime
	queue   string

	Loop    *sync2.Cycle
	limiter *sync2.Limiter
}

// NewWorker creates a worker for the queue.
func NewWorker(log *zap.Logger, b bus.Bus, runtime *Runtime, queue string, config WorkerConfig) *Worker {
	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		log:     log,
		bus:     b,
		runtime: runtime,
		queue:   queue,
		Loop:    sync2.NewCycle(config.Interval),
		limiter: sync2.NewLimiter(concurrency),
	}
}

// Run polls the queue until the context is canceled.
func (worker *Worker) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return worker.Loop.Run(ctx, func(ctx context.Context) error {
		for {
			delivery, err := worker.bus.Receive(ctx, worker.queue)
			if bus.ErrEmpty.Has(err) {
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				worker.log.Error("receive failed", zap.String("queue", worker.queue), zap.Error(err))
				return nil
			}
			started := worker.limiter.Go(ctx, func() {
				worker.process(ctx, delivery)
			})
			if !started {
				return nil
			}
		}
	})
}

func (worker *Worker) process(ctx context.Context, delivery *bus.Delivery) {
	disposition, err := worker.runtime.Process(ctx, delivery)
	if err != nil {
		worker.log.Error("stage invocation failed",
			zap.String("queue", worker.queue), zap.Error(err))
	}

	var settleErr error
	switch disposition {
	case Ack:
		settleErr = worker.bus.Ack(ctx, delivery)
	case Nack:
		settleErr = worker.bus.Nack(ctx, delivery)
	case DLQ:
		settleErr = worker.bus.SendToDLQ(ctx, delivery)
	}
	if settleErr != nil {
		worker.log.Error("settling delivery failed",
			zap.String("queue", worker.queue), zap.Error(settleErr))
	}
}

// Close stops the worker and waits for in-flight invocations.
func (worker *Worker) Close() error {
	worker.Loop.Close()
	worker.limiter.Wait()
	return nil
}
