// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package gatewaydb implements the gateway stores on PostgreSQL. One
// database holds the request tracker, the event timeline, the outbox, the
// durable queues and the reference data, so a stage transaction can touch
// all of them atomically.
package gatewaydb

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/stage"
)

var (
	mon = monkit.Package()

	// Error is the default gatewaydb errs class.
	Error = errs.Class("gatewaydb")
)

// Config holds the database settings.
type Config struct {
	URL             string `help:"postgres connection string" default:"postgres://localhost/pagw?sslmode=disable"`
	MaxConns        int32  `help:"connection pool size" default:"10"`
	ApplicationName string `help:"application_name reported to postgres" default:"pagw"`
}

// DB is the PostgreSQL-backed gateway database.
//
// architecture: Master Database
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool

	// dropSchema is set by OpenUnique; Close drops the temporary schema.
	dropSchema string
	connstr    string
}

// Open connects to the database.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, Error.New("invalid connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = config.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, pool: pool}, nil
}

// OpenUnique connects to the database with a freshly created schema, which
// is dropped again on Close. Used by tests sharing one postgres instance.
func OpenUnique(ctx context.Context, log *zap.Logger, connstr string) (*DB, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, Error.Wrap(err)
	}
	schema := "pagw_test_" + hex.EncodeToString(suffix[:])

	conn, err := pgx.Connect(ctx, connstr)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	_, err = conn.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize())
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), conn.Close(ctx))
	}
	if err := conn.Close(ctx); err != nil {
		return nil, Error.Wrap(err)
	}

	poolConfig, err := pgxpool.ParseConfig(connstr)
	if err != nil {
		return nil, Error.New("invalid connection string: %w", err)
	}
	poolConfig.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{log: log, pool: pool, dropSchema: schema, connstr: connstr}, nil
}

// Close releases the connection pool and drops a temporary schema if one
// was created.
func (db *DB) Close() error {
	db.pool.Close()
	if db.dropSchema == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, db.connstr)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = conn.Exec(ctx, `DROP SCHEMA `+pgx.Identifier{db.dropSchema}.Sanitize()+` CASCADE`)
	return errs.Combine(Error.Wrap(err), conn.Close(ctx))
}

// querier is the query surface shared by the pool and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (db *DB) stores(q querier) stage.Stores {
	return stage.Stores{
		Tracker:     &trackerDB{q: q},
		Events:      &eventsDB{q: q},
		Outbox:      &outboxDB{q: q, pool: db.pool},
		Attachments: &attachmentsDB{q: q},
		Providers:   &providersDB{q: q},
		Payers:      &payersDB{q: q},
		Audit:       &auditDB{q: q},
	}
}

// Stores implements stage.DB.
func (db *DB) Stores() stage.Stores { return db.stores(db.pool) }

// WithTx implements stage.DB. Serialization failures are retried, so fn
// must be idempotent outside its database effects.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, stores stage.Stores) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()
	for i := 0; ; i++ {
		err = db.withTxOnce(ctx, fn)
		if err != nil && retryableTxError(err) && i < 10 && time.Since(start) < 5*time.Minute {
			mon.Event("transaction_retry")
			continue
		}
		return err
	}
}

func (db *DB) withTxOnce(ctx context.Context, fn func(ctx context.Context, stores stage.Stores) error) (err error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err == nil {
			err = Error.Wrap(tx.Commit(ctx))
		} else {
			err = errs.Combine(err, ignoreTxDone(tx.Rollback(ctx)))
		}
	}()

	return fn(ctx, db.stores(tx))
}

func ignoreTxDone(err error) error {
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return Error.Wrap(err)
}

// retryableTxError reports whether the error is a serialization failure
// worth a fresh attempt.
func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "CR000"
	}
	return false
}

// Bus returns the durable queue implementation backed by this database.
func (db *DB) Bus(config bus.Config) bus.Bus {
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
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
	return &queueDB{pool: db.pool, config: config}
}
