// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package bus

import (
	"context"
	"sync"
	"time"
)

// TestBus is an in-memory Bus with the same delivery semantics as the
// durable implementations: FIFO per group, visibility timeouts, dedup ids,
// and redrive to the dead-letter queue. Intended for tests.
type TestBus struct {
	config Config

	// Now is overridable in tests.
	Now func() time.Time

	mu     sync.Mutex
	nextID int64
	queues map[string][]*testEntry
	dedup  map[string]map[string]bool
}

type testEntry struct {
	id           int64
	msg          Message
	visibleAt    time.Time
	receiveCount int
	done         bool
}

// NewTestBus creates an in-memory bus.
func NewTestBus(config Config) *TestBus {
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = time.Minute
	}
	if config.MaxReceiveCount <= 0 {
		config.MaxReceiveCount = 3
	}
	if config.DeadLetterQueue == "" {
		config.DeadLetterQueue = "dlq"
	}
	if config.RetryBase <= 0 {
		config.RetryBase = time.Second
	}
	if config.RetryCap <= 0 {
		config.RetryCap = time.Minute
	}
	return &TestBus{
		config: config,
		Now:    time.Now,
		queues: map[string][]*testEntry{},
		dedup:  map[string]map[string]bool{},
	}
}

// Publish implements Bus.
func (bus *TestBus) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Queue == "" {
		return ErrQueueUnknown.New("empty queue name")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if msg.DedupID != "" {
		seen := bus.dedup[msg.Queue]
		if seen == nil {
			seen = map[string]bool{}
			bus.dedup[msg.Queue] = seen
		}
		if seen[msg.DedupID] {
			return nil
		}
		seen[msg.DedupID] = true
	}

	bus.nextID++
	bus.queues[msg.Queue] = append(bus.queues[msg.Queue], &testEntry{
		id:        bus.nextID,
		msg:       msg,
		visibleAt: bus.Now(),
	})
	return nil
}

// Receive implements Bus.
func (bus *TestBus) Receive(ctx context.Context, queue string) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	now := bus.Now()
	blocked := map[string]bool{}

	for _, entry := range bus.queues[queue] {
		if entry.done {
			continue
		}
		group := entry.msg.GroupID
		if blocked[group] {
			continue
		}
		if entry.visibleAt.After(now) {
			// in flight or delayed; later messages of the group must wait.
			blocked[group] = true
			continue
		}

		if entry.receiveCount >= bus.config.MaxReceiveCount {
			bus.moveToDLQLocked(entry)
			continue
		}

		entry.receiveCount++
		entry.visibleAt = now.Add(bus.config.VisibilityTimeout)
		return &Delivery{
			Message:      entry.msg,
			ReceiveCount: entry.receiveCount,
			Handle:       entry.id,
		}, nil
	}
	return nil, ErrEmpty.New("%s", queue)
}

// Ack implements Bus.
func (bus *TestBus) Ack(ctx context.Context, delivery *Delivery) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	entry := bus.findLocked(delivery)
	if entry == nil {
		return Error.New("unknown delivery %d", delivery.Handle)
	}
	entry.done = true
	return nil
}

// Nack implements Bus.
func (bus *TestBus) Nack(ctx context.Context, delivery *Delivery) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	entry := bus.findLocked(delivery)
	if entry == nil {
		return Error.New("unknown delivery %d", delivery.Handle)
	}
	entry.visibleAt = bus.Now().Add(bus.config.RetryDelay(entry.receiveCount))
	return nil
}

// SendToDLQ implements Bus.
func (bus *TestBus) SendToDLQ(ctx context.Context, delivery *Delivery) error {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	entry := bus.findLocked(delivery)
	if entry == nil {
		return Error.New("unknown delivery %d", delivery.Handle)
	}
	bus.moveToDLQLocked(entry)
	return nil
}

// Pending returns the number of unsettled messages on the queue.
func (bus *TestBus) Pending(queue string) int {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	count := 0
	for _, entry := range bus.queues[queue] {
		if !entry.done {
			count++
		}
	}
	return count
}

func (bus *TestBus) findLocked(delivery *Delivery) *testEntry {
	for _, entry := range bus.queues[delivery.Message.Queue] {
		if entry.id == delivery.Handle && !entry.done {
			return entry
		}
	}
	return nil
}

func (bus *TestBus) moveToDLQLocked(entry *testEntry) {
	entry.done = true

	dead := entry.msg
	dead.Queue = bus.config.DeadLetterQueue

	bus.nextID++
	bus.queues[dead.Queue] = append(bus.queues[dead.Queue], &testEntry{
		id:        bus.nextID,
		msg:       dead,
		visibleAt: bus.Now(),
	})
}
