// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package bus defines the durable FIFO message bus between pipeline stages.
//
// Delivery of messages sharing a group id is serialized: a later message for
// a group is not handed out while an earlier one is pending or in flight.
// The group id is always the submission id, which gives the single-holder
// guarantee the stage runtime relies on.
package bus

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default bus errs class.
	Error = errs.Class("bus")
	// ErrEmpty is returned by Receive when no message is available.
	ErrEmpty = errs.Class("queue empty")
	// ErrQueueUnknown is returned for destinations outside the configured set.
	ErrQueueUnknown = errs.Class("unknown queue")
)

// Message is a single message on a queue.
type Message struct {
	// Queue is the logical destination queue name.
	Queue string
	// GroupID serializes delivery; always the submission id.
	GroupID string
	// DedupID collapses republishes of the same logical message.
	DedupID string
	// Body is the JSON envelope. Large payloads never travel on the bus.
	Body []byte
}

// Delivery is a received message. It must be settled with Ack or Nack;
// an unsettled delivery becomes visible again after the visibility timeout.
type Delivery struct {
	Message
	// ReceiveCount is the number of times this message has been handed out,
	// including this delivery.
	ReceiveCount int
	// Handle identifies this delivery to the bus implementation.
	Handle int64
}

// Bus is a durable FIFO message bus.
//
// architecture: Service
type Bus interface {
	// Publish appends the message to its queue. Publishing a message whose
	// (queue, dedup id) was already seen is a no-op.
	Publish(ctx context.Context, msg Message) error
	// Receive hands out the next deliverable message on the queue, or
	// ErrEmpty. Messages whose receive count exceeded the redrive limit are
	// moved to the dead-letter queue instead of being handed out.
	Receive(ctx context.Context, queue string) (*Delivery, error)
	// Ack removes a delivered message permanently.
	Ack(ctx context.Context, delivery *Delivery) error
	// Nack schedules a delivered message for redelivery after a backoff
	// derived from its receive count.
	Nack(ctx context.Context, delivery *Delivery) error
	// SendToDLQ moves the delivered message straight to the dead-letter
	// queue, bypassing the redrive count. Used for poison messages.
	SendToDLQ(ctx context.Context, delivery *Delivery) error
}

// Config holds settings shared by bus implementations.
type Config struct {
	VisibilityTimeout time.Duration `help:"how long a received message stays invisible before redelivery" default:"5m" testDefault:"1s"`
	MaxReceiveCount   int           `help:"receive attempts before a message is moved to the dead-letter queue" default:"3"`
	DeadLetterQueue   string        `help:"logical name of the dead-letter queue" default:"dlq"`

	RetryBase time.Duration `help:"redelivery delay after the first nack" default:"1s"`
	RetryCap  time.Duration `help:"max redelivery delay" default:"1m"`
}

// RetryDelay returns the redelivery delay applied by Nack after the given
// receive count: the base doubles per attempt up to the cap.
func (config Config) RetryDelay(receiveCount int) time.Duration {
	base, limit := config.RetryBase, config.RetryCap
	if base <= 0 {
		base = time.Second
	}
	if limit <= 0 {
		limit = time.Minute
	}
	delay := base
	for i := 1; i < receiveCount && delay < limit; i++ {
		delay *= 2
	}
	if delay > limit {
		delay = limit
	}
	return delay
}

// Routes maps logical queue names to concrete destinations. Unmapped names
// resolve to themselves.
type Routes map[string]string

// Resolve returns the concrete destination for a logical queue name.
func (routes Routes) Resolve(logical string) string {
	if concrete, ok := routes[logical]; ok {
		return concrete
	}
	return logical
}
