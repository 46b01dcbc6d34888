// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package auditlog records front-door decisions and terminal transitions.
// The log is append-only; nothing in the gateway updates or deletes entries.
package auditlog

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default auditlog errs class.
var Error = errs.Class("auditlog")

// Actions recorded by the gateway.
const (
	ActionSubmitted       = "SUBMITTED"
	ActionDuplicate       = "DUPLICATE_REJECTED"
	ActionSyncCompleted   = "SYNC_COMPLETED"
	ActionAsyncQueued     = "ASYNC_QUEUED"
	ActionTerminal        = "TERMINAL_TRANSITION"
	ActionOutboxRequeued  = "OUTBOX_REQUEUED"
	ActionCallbackApplied = "CALLBACK_APPLIED"
)

// Entry is one audit record.
type Entry struct {
	ID           int64
	SubmissionID string
	Tenant       string
	Actor        string
	Action       string
	Detail       []byte // JSON
	CreatedAt    time.Time
}

// DB is the audit log store.
//
// architecture: Database
type DB interface {
	// Append records an entry. The store assigns ID and CreatedAt.
	Append(ctx context.Context, entry *Entry) error
	// BySubmission returns the entries for a submission in append order.
	BySubmission(ctx context.Context, submissionID string) ([]Entry, error)
}
