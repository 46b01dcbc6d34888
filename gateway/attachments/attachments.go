// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package attachments tracks the attachment side path. The branch is
// terminal on its side; the main path never waits on it.
package attachments

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default attachments errs class.
	Error = errs.Class("attachments")
	// ErrNotFound is returned when no attachment row exists.
	ErrNotFound = errs.Class("attachment not found")
)

// State is the lifecycle state of one attachment.
type State string

// Attachment states.
const (
	StateReceived State = "RECEIVED"
	StateStored   State = "STORED"
	StateScanned  State = "SCANNED"
	StateFailed   State = "FAILED"
)

// Attachment is one tracked attachment of a submission.
type Attachment struct {
	ID           string
	SubmissionID string
	Tenant       string
	FileName     string
	ContentType  string
	SizeBytes    int64

	State     State
	StoreKey  string
	LastError string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB is the attachment tracker store.
//
// architecture: Database
type DB interface {
	// Create inserts attachments in state RECEIVED. Attachments whose id is
	// already tracked are skipped, so replayed stage runs are idempotent.
	Create(ctx context.Context, attachments []*Attachment) error
	// BySubmission returns the attachments of a submission in creation order.
	BySubmission(ctx context.Context, submissionID string) ([]*Attachment, error)
	// SetState moves an attachment to state, recording the store key or the
	// error message when given.
	SetState(ctx context.Context, id string, state State, storeKey, lastError string) error
}

// Settled reports whether every attachment reached a terminal state.
func Settled(list []*Attachment) bool {
	for _, att := range list {
		if att.State != StateScanned && att.State != StateFailed {
			return false
		}
	}
	return true
}
