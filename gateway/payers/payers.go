// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package payers holds payer configuration and the payer client contract.
// The gateway schedules and coordinates payer calls; it does not implement
// payer protocols.
package payers

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default payers errs class.
	Error = errs.Class("payers")
	// ErrNotFound is returned when no configuration exists for the payer.
	ErrNotFound = errs.Class("payer not found")
	// ErrTransient marks payer 5xx and timeout failures. The stage retries
	// these within its retry budget.
	ErrTransient = errs.Class("payer transient")
	// ErrRejected marks payer 4xx replies. These are business outcomes, not
	// failures; they route to build-response as error responses.
	ErrRejected = errs.Class("payer rejected")
)

// ReplyMode says how the payer answers a submission.
type ReplyMode string

// Reply modes.
const (
	// ReplySync means the submission call carries the decision.
	ReplySync ReplyMode = "SYNC"
	// ReplyAsync means the payer acknowledges and decides later through a
	// callback.
	ReplyAsync ReplyMode = "ASYNC"
)

// Config is one payer_configuration row.
type Config struct {
	PayerID   string
	Name      string
	Endpoint  string
	ReplyMode ReplyMode

	Timeout    time.Duration
	MaxRetries int
	Active     bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB is the payer configuration store.
//
// architecture: Database
type DB interface {
	// Get returns the configuration for the payer, or ErrNotFound.
	Get(ctx context.Context, payerID string) (*Config, error)
	// Upsert inserts or replaces a payer configuration.
	Upsert(ctx context.Context, config *Config) error
}

// Decision statuses a payer reply can carry.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionPended   = "pended"
)

// Reply is the outcome of a payer call.
type Reply struct {
	// ExternalReferenceID is the payer-assigned handle for the submission.
	ExternalReferenceID string
	// Decision is approved, denied or pended; empty when the payer replies
	// asynchronously.
	Decision string
	// Async reports that the decision arrives later through a callback.
	Async bool
	// Body is the raw payer reply, stored under response/payer-raw.json.
	Body []byte
}

// Client submits canonical requests to a payer.
//
// Errors are classified: ErrTransient for 5xx and timeouts, ErrRejected for
// 4xx, anything else is an infrastructure failure.
//
// architecture: Service
type Client interface {
	Submit(ctx context.Context, config *Config, canonical []byte) (*Reply, error)
}
