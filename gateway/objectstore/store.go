// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package objectstore reads and writes large payloads by (bucket, key).
// Payloads are never stored inline anywhere else; the tracker and the bus
// carry references only.
package objectstore

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default objectstore errs class.
	Error = errs.Class("objectstore")
	// ErrNotFound is returned when no object exists under the key.
	ErrNotFound = errs.Class("object not found")
)

// Store is the object store gateway.
//
// Keys are write-once in normal flow; retries overwrite deterministically.
//
// architecture: Service
type Store interface {
	// Put stores the bytes under (bucket, key).
	Put(ctx context.Context, bucket, key string, data []byte) error
	// Get returns the object, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// PutParsed writes parsed data to the canonical per-tenant path and
	// returns the key.
	PutParsed(ctx context.Context, bucket, tenant, submissionID string, data []byte) (key string, err error)
}

// Config holds object store connection settings.
type Config struct {
	Endpoint  string `help:"S3-compatible endpoint host:port" default:""`
	AccessKey string `help:"access key id" default:""`
	SecretKey string `help:"secret access key" default:""`
	UseSSL    bool   `help:"use TLS for the object store connection" default:"true"`

	Bucket       string `help:"bucket holding request and response artifacts" default:"pagw-artifacts"`
	ParsedBucket string `help:"bucket holding per-tenant parsed data" default:"pagw-artifacts"`
}
