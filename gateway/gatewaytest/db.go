// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package gatewaytest provides an in-memory gateway database for tests.
// It mirrors the transactional semantics of the Postgres implementation:
// WithTx snapshots state and restores it when the callback fails.
package gatewaytest

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"

	"clearpath.io/pagw/gateway/attachments"
	"clearpath.io/pagw/gateway/auditlog"
	"clearpath.io/pagw/gateway/events"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/providers"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/tracker"
)

// Error is the default gatewaytest errs class.
var Error = errs.Class("gatewaytest")

// DB is the in-memory gateway database.
type DB struct {
	mu    sync.Mutex
	state state

	// Now is overridable in tests.
	Now func() time.Time
}

type state struct {
	trackers     map[string]*tracker.Tracker
	events       []events.Event
	outboxRows   []*outbox.Record
	outboxNextID int64
	attachments  []*attachments.Attachment
	providers    map[string]*providers.Provider
	payers       map[string]*payers.Config
	audit        []auditlog.Entry
	auditNextID  int64
}

// Open creates an empty in-memory database.
func Open() *DB {
	return &DB{
		state: state{
			trackers:  map[string]*tracker.Tracker{},
			providers: map[string]*providers.Provider{},
			payers:    map[string]*payers.Config{},
		},
		Now: time.Now,
	}
}

// view is a handle through which store methods reach the state. A locked
// view belongs to a running transaction and skips the mutex.
type view struct {
	db     *DB
	locked bool
}

func (v *view) run(fn func(st *state) error) error {
	if v.locked {
		return fn(&v.db.state)
	}
	v.db.mu.Lock()
	defer v.db.mu.Unlock()
	return fn(&v.db.state)
}

func (v *view) now() time.Time { return v.db.Now() }

func (db *DB) stores(v *view) stage.Stores {
	return stage.Stores{
		Tracker:     &trackerDB{v},
		Events:      &eventsDB{v},
		Outbox:      &outboxDB{v},
		Attachments: &attachmentsDB{v},
		Providers:   &providersDB{v},
		Payers:      &payersDB{v},
		Audit:       &auditDB{v},
	}
}

// Stores implements stage.DB.
func (db *DB) Stores() stage.Stores {
	return db.stores(&view{db: db})
}

// WithTx implements stage.DB. State changes made by fn are rolled back when
// fn returns an error.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, stores stage.Stores) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	snapshot := db.state.clone()
	err := fn(ctx, db.stores(&view{db: db, locked: true}))
	if err != nil {
		db.state = snapshot
		return err
	}
	return nil
}

func (st *state) clone() state {
	copied := state{
		trackers:     make(map[string]*tracker.Tracker, len(st.trackers)),
		events:       append([]events.Event(nil), st.events...),
		outboxRows:   make([]*outbox.Record, 0, len(st.outboxRows)),
		outboxNextID: st.outboxNextID,
		attachments:  make([]*attachments.Attachment, 0, len(st.attachments)),
		providers:    make(map[string]*providers.Provider, len(st.providers)),
		payers:       make(map[string]*payers.Config, len(st.payers)),
		audit:        append([]auditlog.Entry(nil), st.audit...),
		auditNextID:  st.auditNextID,
	}
	for id, t := range st.trackers {
		c := *t
		copied.trackers[id] = &c
	}
	for _, row := range st.outboxRows {
		c := *row
		copied.outboxRows = append(copied.outboxRows, &c)
	}
	for _, att := range st.attachments {
		c := *att
		copied.attachments = append(copied.attachments, &c)
	}
	for npi, p := range st.providers {
		c := *p
		copied.providers[npi] = &c
	}
	for id, p := range st.payers {
		c := *p
		copied.payers[id] = &c
	}
	return copied
}
