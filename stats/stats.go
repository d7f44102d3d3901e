// File: stats/stats.go
// Package stats implements the atomic performance counters observed by
// operators, updated in-line by the reactor and by each Connection.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package stats

import "sync/atomic"

// Stats is a flat record of monotonically increasing counters. All fields
// are updated with atomic fetch-add/store at relaxed ordering; readers may
// observe any consistent snapshot via Snapshot.
//
// pool_acquisitions/pool_releases/rate_limited are carried even though
// this module's connection pool and rate limiter are optional, so a
// snapshot always has a stable field set for dashboards built against it.
type Stats struct {
	MessagesIn          atomic.Uint64
	MessagesOut         atomic.Uint64
	BytesIn             atomic.Uint64
	BytesOut            atomic.Uint64
	TotalConnections    atomic.Uint64
	ActiveConnections   atomic.Int64
	RejectedConnections atomic.Uint64
	HandshakeErrors     atomic.Uint64
	SocketErrors        atomic.Uint64
	BufferOverflows     atomic.Uint64
	LastPollLatencyUs   atomic.Uint64
	MaxPollLatencyUs    atomic.Uint64
	PoolAcquisitions    atomic.Uint64
	PoolReleases        atomic.Uint64
	RateLimited         atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy suitable for logging,
// JSON encoding, or a debug endpoint.
type Snapshot struct {
	MessagesIn          uint64
	MessagesOut         uint64
	BytesIn             uint64
	BytesOut            uint64
	TotalConnections    uint64
	ActiveConnections   int64
	RejectedConnections uint64
	HandshakeErrors     uint64
	SocketErrors        uint64
	BufferOverflows     uint64
	LastPollLatencyUs   uint64
	MaxPollLatencyUs    uint64
	PoolAcquisitions    uint64
	PoolReleases        uint64
	RateLimited         uint64
}

// Snapshot returns a consistent-enough point-in-time copy of the counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		MessagesIn:          s.MessagesIn.Load(),
		MessagesOut:         s.MessagesOut.Load(),
		BytesIn:             s.BytesIn.Load(),
		BytesOut:            s.BytesOut.Load(),
		TotalConnections:    s.TotalConnections.Load(),
		ActiveConnections:   s.ActiveConnections.Load(),
		RejectedConnections: s.RejectedConnections.Load(),
		HandshakeErrors:     s.HandshakeErrors.Load(),
		SocketErrors:        s.SocketErrors.Load(),
		BufferOverflows:     s.BufferOverflows.Load(),
		LastPollLatencyUs:   s.LastPollLatencyUs.Load(),
		MaxPollLatencyUs:    s.MaxPollLatencyUs.Load(),
		PoolAcquisitions:    s.PoolAcquisitions.Load(),
		PoolReleases:        s.PoolReleases.Load(),
		RateLimited:         s.RateLimited.Load(),
	}
}

// Reset zeroes every counter. Intended for test harnesses; production
// servers normally run with ever-increasing counters.
func (s *Stats) Reset() {
	*s = Stats{}
}

// RecordPollLatency stores the latest poll latency and keeps the running
// maximum, mirroring the monotonic max tracked by the reactor's run loop.
func (s *Stats) RecordPollLatency(us uint64) {
	s.LastPollLatencyUs.Store(us)
	for {
		cur := s.MaxPollLatencyUs.Load()
		if us <= cur {
			return
		}
		if s.MaxPollLatencyUs.CompareAndSwap(cur, us) {
			return
		}
	}
}

// IsOverloaded implements the admission overload predicate: active
// connections have crossed 90% of the pool's capacity.
func (s *Stats) IsOverloaded(capacity int) bool {
	active := s.ActiveConnections.Load()
	return active > int64(capacity)*9/10
}
