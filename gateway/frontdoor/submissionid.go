// Copyright (C) 2025 Clearpath Health, Inc.
// See LICENSE for copying information.

package frontdoor

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Generator produces sortable submission ids of the form
// PA-{YYYYMMDD}-{sequence}-{random}. The date and sequence make ids sortable
// within a process; the random suffix keeps concurrent processes from
// colliding.
type Generator struct {
	mu  sync.Mutex
	day string
	seq int64
}

// Next returns a fresh submission id for the given time.
func (g *Generator) Next(now time.Time) string {
	day := now.UTC().Format("20060102")

	g.mu.Lock()
	if g.day != day {
		g.day = day
		g.seq = 0
	}
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	var suffix [2]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("PA-%s-%06d-%s", day, seq, hex.EncodeToString(suffix[:]))
}
