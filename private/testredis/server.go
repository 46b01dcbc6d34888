// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package testredis implements a lightweight redis server for tests.
package testredis

import (
	"context"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/zeebo/errs"
)

// Server is an in-process redis server.
type Server struct {
	mini *miniredis.Miniredis
}

// Start starts an in-process redis-compatible server.
func Start(ctx context.Context) (*Server, error) {
	mini, err := miniredis.Run()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &Server{mini: mini}, nil
}

// Addr returns the address the server listens on.
func (server *Server) Addr() string { return server.mini.Addr() }

// FastForward advances the server clock, expiring keys with a TTL.
func (server *Server) FastForward(d time.Duration) { server.mini.FastForward(d) }

// Close shuts the server down.
func (server *Server) Close() error {
	server.mini.Close()
	return nil
}
