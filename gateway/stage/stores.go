// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package stage implements the generic worker runtime every pipeline stage
// plugs into. Handlers are pure against their inputs; all shared state goes
// through the stores the runtime passes in.
package stage

import (
	"context"

	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/events"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/providers"
	"clearpath.io/pagw/gateway/tracker"
)

// Stores bundles the per-contract databases the runtime and the handlers
// touch. Inside WithTx every store operates on the same transaction.
type Stores struct {
	Tracker     tracker.DB
	Events      events.DB
	Outbox      outbox.DB
	Attachments attachments.DB
	Providers   providers.DB
	Payers      payers.DB
	Audit       auditlog.DB
}

// DB gives the runtime transactional access to the stores.
//
// architecture: Database
type DB interface {
	// Stores returns the stores outside any transaction.
	Stores() Stores
	// WithTx runs fn with stores bound to one database transaction,
	// committing on nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}
