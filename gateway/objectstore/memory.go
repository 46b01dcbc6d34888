// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package objectstore

import (
	"context"
	"sync"
)

// Memory is an in-memory Store used in tests and local development.
type Memory struct {
	mu      sync.RWMutex
	objects map[memoryKey][]byte
}

type memoryKey struct {
	bucket string
	key    string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: map[memoryKey][]byte{}}
}

// Put implements Store.
func (store *Memory) Put(ctx context.Context, bucket, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	copied := make([]byte, len(data))
	copy(copied, data)
	store.objects[memoryKey{bucket, key}] = copied
	return nil
}

// Get implements Store.
func (store *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store.mu.RLock()
	defer store.mu.RUnlock()

	data, ok := store.objects[memoryKey{bucket, key}]
	if !ok {
		return nil, ErrNotFound.New("%s/%s", bucket, key)
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

// PutParsed implements Store.
func (store *Memory) PutParsed(ctx context.Context, bucket, tenant, submissionID string, data []byte) (string, error) {
	key := ParsedDataKey(tenant, submissionID)
	return key, store.Put(ctx, bucket, key, data)
}

// Len returns the number of stored objects.
func (store *Memory) Len() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.objects)
}
