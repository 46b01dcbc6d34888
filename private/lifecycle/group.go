// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling group of items.
package lifecycle

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group implements a collection of items that have a
// concurrent start and a sequential shutdown.
type Group struct {
	log   *zap.Logger
	items []Item
}

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items concurrently under errgroup.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() error {
			group.log.Debug("starting", zap.String("item", item.Name))
			err := item.Run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			if err != nil {
				group.log.Error("unexpected shutdown of a runner",
					zap.String("item", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return errlist.Err()
}
