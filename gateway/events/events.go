// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package events records the per-submission stage timeline. The event tracker
// is the source of truth for latency and error rates.
package events

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default events errs class.
var Error = errs.Class("events")

// Kind is the kind of a stage event.
type Kind string

// Stage event kinds.
const (
	StageStart Kind = "STAGE_START"
	StageOK    Kind = "STAGE_OK"
	StageFail  Kind = "STAGE_FAIL"
)

// Event is a single entry on a submission's timeline. SequenceNo is assigned
// by the store and is strictly increasing per submission; readers
// reconstructing the timeline sort by it.
type Event struct {
	SubmissionID string
	SequenceNo   int64
	Stage        string
	Kind         Kind
	Retryable    bool
	Duration     time.Duration
	ErrorCode    string
	ErrorMessage string
	CreatedAt    time.Time
}

// DB is the event tracker store.
//
// architecture: Database
type DB interface {
	// Append writes the event, assigning the next SequenceNo for the
	// submission. Safe without extra locking because work for a single
	// submission is serialized by the bus.
	Append(ctx context.Context, event *Event) error
	// Timeline returns all events for a submission ordered by SequenceNo.
	Timeline(ctx context.Context, submissionID string) ([]Event, error)
}
