// File: pool/connpool.go
// Package pool implements a fixed free-list of Connection slots. Unlike a
// concurrent sync.Pool or a lock-free queue built for multi-goroutine
// buffer reuse, this pool is driven exclusively by the single reactor
// goroutine, so a plain slice free-list suffices — no atomics, no
// lock-free queue.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package pool

import (
	"golang.org/x/time/rate"

	"github.com/momentics/ewss/conn"
	"github.com/momentics/ewss/stats"
)

// ConnPool hands out *conn.Connection values, reusing one from its
// free-list when available instead of allocating. Capacity is advisory:
// Acquire always succeeds (falling back to a fresh allocation when the
// free-list is empty); the admission limit that actually bounds concurrent
// connections lives in the reactor, not here.
type ConnPool struct {
	free  []*conn.Connection
	stats *stats.Stats
}

// New preallocates a free-list able to hold up to capacity idle
// connections without further growth.
func New(capacity int, st *stats.Stats) *ConnPool {
	return &ConnPool{free: make([]*conn.Connection, 0, capacity), stats: st}
}

// Acquire returns a Connection wired to fd, either reused from the
// free-list (Reset in place, no allocation) or newly constructed.
func (p *ConnPool) Acquire(id uint64, fd int, cb conn.Callbacks, limiter *rate.Limiter) *conn.Connection {
	if p.stats != nil {
		p.stats.PoolAcquisitions.Add(1)
	}
	n := len(p.free)
	if n == 0 {
		return conn.New(id, fd, cb, p.stats, limiter)
	}
	c := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	c.Reset(id, fd, cb, p.stats, limiter)
	return c
}

// Release returns c to the free-list for reuse by a future Acquire. The
// caller must not touch c again after calling Release.
func (p *ConnPool) Release(c *conn.Connection) {
	if p.stats != nil {
		p.stats.PoolReleases.Add(1)
	}
	if len(p.free) == cap(p.free) {
		return
	}
	p.free = append(p.free, c)
}
