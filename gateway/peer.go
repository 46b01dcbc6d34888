// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package gateway wires the prior authorization gateway into runnable
// processes: the submission API, the stage workers and the outbox
// publisher, all sharing one master database and one durable bus.
package gateway

import (
	"context"
	"net"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clearpath.io/pagw/gateway/bus"
	"clearpath.io/pagw/gateway/frontdoor"
	"clearpath.io/pagw/gateway/gatewaydb"
	"clearpath.io/pagw/gateway/idempotency"
	"clearpath.io/pagw/gateway/kms"
	"clearpath.io/pagw/gateway/objectstore"
	"clearpath.io/pagw/gateway/outbox"
	"clearpath.io/pagw/gateway/payers"
	"clearpath.io/pagw/gateway/pipeline"
	"clearpath.io/pagw/gateway/stage"
	"clearpath.io/pagw/gateway/stages"
	"clearpath.io/pagw/private/lifecycle"
)

// Error is the default gateway errs class.
var Error = errs.Class("gateway")

// DB is the master database a gateway process runs against.
type DB interface {
	stage.DB

	// MigrateToLatest brings the schema to the newest version.
	MigrateToLatest(ctx context.Context) error
	// Bus returns the durable queue implementation backed by this database.
	Bus(config bus.Config) bus.Bus
	// Close releases the database.
	Close() error
}

// Config is the combined configuration of every gateway subsystem.
type Config struct {
	Database gatewaydb.Config

	Objects     objectstore.Config
	KMS         kms.Config
	Idempotency idempotency.Config
	Bus         bus.Config

	Frontdoor frontdoor.Config
	Stage     stage.Config
	Worker    stage.WorkerConfig
	Publisher outbox.PublisherConfig
	Notify    stages.NotifyConfig
}

// Options selects which subsystems a process runs. A single-process
// deployment runs all of them; larger ones split the API from the workers.
type Options struct {
	API     bool
	Workers bool
	// WorkerStages restricts which stage workers run; empty runs all of them.
	WorkerStages []string
	Publisher    bool
}

// All runs every subsystem in one process.
func All() Options { return Options{API: true, Workers: true, Publisher: true} }

// Peer is one gateway process.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger
	DB  DB
	Bus bus.Bus

	Servers  *lifecycle.Group
	Services *lifecycle.Group

	Objects  objectstore.Store
	KMS      kms.Service
	Pipeline *pipeline.Definition
	Runtime  *stage.Runtime

	Frontdoor struct {
		Idempotency idempotency.Store
		Listener    net.Listener
		Service     *frontdoor.Service
		Server      *frontdoor.Server
	}

	Workers   []*stage.Worker
	Publisher *outbox.Publisher
}

// New creates a gateway peer with the selected subsystems.
func New(ctx context.Context, log *zap.Logger, db DB, config Config, options Options) (peer *Peer, err error) {
	peer = &Peer{
		Log: log,
		DB:  db,
		Bus: db.Bus(config.Bus),

		Servers:  lifecycle.NewGroup(log.Named("servers")),
		Services: lifecycle.NewGroup(log.Named("services")),
	}

	{ // shared infrastructure
		if config.Objects.Endpoint != "" {
			peer.Objects, err = objectstore.OpenS3(ctx, config.Objects)
			if err != nil {
				return nil, errs.Combine(err, peer.Close())
			}
		} else {
			// single-process development setup without an object store.
			peer.Objects = objectstore.NewMemory()
		}

		peer.KMS, err = kms.New(config.KMS)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Pipeline = pipeline.Default()
		peer.Runtime = stage.NewRuntime(log.Named("runtime"), db, peer.Objects,
			config.Objects.Bucket, peer.Pipeline, config.Stage)
		stages.RegisterAll(log.Named("stages"), peer.Runtime, peer.Objects, peer.KMS,
			payers.NewHTTPClient(log.Named("payer-client")),
			config.Objects.Bucket, config.Objects.ParsedBucket,
			stages.Config{Notify: config.Notify})
	}

	if options.API {
		peer.Frontdoor.Idempotency, err = idempotency.OpenStore(ctx, config.Idempotency)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}

		peer.Frontdoor.Service = frontdoor.NewService(log.Named("frontdoor"),
			db, peer.Objects, peer.KMS, peer.Frontdoor.Idempotency,
			peer.Runtime, peer.Pipeline, config.Objects, config.Frontdoor)

		peer.Frontdoor.Listener, err = net.Listen("tcp", config.Frontdoor.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Frontdoor.Server = frontdoor.NewServer(log.Named("frontdoor:server"),
			peer.Frontdoor.Service, peer.Frontdoor.Listener)

		peer.Servers.Add(lifecycle.Item{
			Name:  "frontdoor:server",
			Run:   peer.Frontdoor.Server.Run,
			Close: peer.Frontdoor.Server.Close,
		})
	}

	if options.Workers {
		selected := map[string]bool{}
		for _, name := range options.WorkerStages {
			selected[name] = true
		}
		for _, s := range peer.Pipeline.Stages() {
			if len(selected) > 0 && !selected[s.Name] {
				continue
			}
			worker := stage.NewWorker(log.Named("worker:"+s.Name),
				peer.Bus, peer.Runtime, s.Name, config.Worker)
			peer.Workers = append(peer.Workers, worker)
			peer.Services.Add(lifecycle.Item{
				Name:  "worker:" + s.Name,
				Run:   worker.Run,
				Close: worker.Close,
			})
		}
	}

	if options.Publisher {
		peer.Publisher = outbox.NewPublisher(log.Named("outbox:publisher"),
			db.Stores().Outbox, peer.Bus, bus.Routes{}, config.Publisher)
		peer.Services.Add(lifecycle.Item{
			Name:  "outbox:publisher",
			Run:   peer.Publisher.Run,
			Close: peer.Publisher.Close,
		})
	}

	return peer, nil
}

// Run starts every subsystem and blocks until the context is canceled or
// one of them fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	group, ctx := errgroup.WithContext(ctx)

	peer.Servers.Run(ctx, group)
	peer.Services.Run(ctx, group)

	return group.Wait()
}

// Close shuts the subsystems down in reverse order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.Services != nil {
		errlist.Add(peer.Services.Close())
	}
	if peer.Servers != nil {
		errlist.Add(peer.Servers.Close())
	}
	if peer.Frontdoor.Idempotency != nil {
		errlist.Add(peer.Frontdoor.Idempotency.Close())
	}
	return errlist.Err()
}

// Addr returns the address the submission API listens on, when running.
func (peer *Peer) Addr() string {
	if peer.Frontdoor.Server == nil {
		return ""
	}
	return peer.Frontdoor.Server.Addr()
}
