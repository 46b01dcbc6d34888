// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package providers is the provider registry consulted during enrichment.
package providers

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default providers errs class.
	Error = errs.Class("providers")
	// ErrNotFound is returned when no provider is registered under the NPI.
	ErrNotFound = errs.Class("provider not found")
)

// Provider is one registry entry, keyed by NPI.
type Provider struct {
	NPI       string
	Name      string
	Specialty string
	TaxID     string
	Address   string
	Active    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB is the provider registry store.
//
// architecture: Database
type DB interface {
	// Get returns the provider registered under the NPI, or ErrNotFound.
	// Lookup misses during enrichment are business-rule violations, not
	// transient failures.
	Get(ctx context.Context, npi string) (*Provider, error)
	// Upsert inserts or replaces a registry entry.
	Upsert(ctx context.Context, provider *Provider) error
}
