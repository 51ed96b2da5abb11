// SPDX-License-Identifier: ice License 1.0

// Package ratelimit implements the per-IP admission control described for
// the gateway: connection caps and leaky-bucket write/read token buckets,
// shared by reference across every hosted instance.
package ratelimit

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	DefaultWritesPerMinute  = 20
	DefaultReadsPerMinute   = 60
	DefaultMaxConnections   = 5
	idleEvictAfter          = 10 * time.Minute
)

// bucket is a leaky bucket with fractional refill computed lazily on
// access, so no background goroutine is needed to keep it topped up.
type bucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

func newBucket(perMinute int) bucket {
	rate := float64(perMinute) / 60.0

	return bucket{capacity: float64(perMinute), refillRate: rate, tokens: float64(perMinute), lastRefill: time.Now()}
}

func (b *bucket) tryConsume(now time.Time) bool {
	if b.capacity <= 0 {
		return true // a negative limit means "unlimited" (withDefaults turns zero into the default).
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--

		return true
	}

	return false
}

type ipState struct {
	connections atomic.Int32
	writeMu     sync.Mutex
	write       bucket
	readMu      sync.Mutex
	read        bucket
	lastActive  atomic.Int64 // unix nanos
}

// Limits configures per-instance overrides of the shared limiter's
// defaults.
type Limits struct {
	WritesPerMinute int
	ReadsPerMinute  int
	MaxConnections  int
}

func (l Limits) withDefaults() Limits {
	if l.WritesPerMinute == 0 {
		l.WritesPerMinute = DefaultWritesPerMinute
	}
	if l.ReadsPerMinute == 0 {
		l.ReadsPerMinute = DefaultReadsPerMinute
	}
	if l.MaxConnections == 0 {
		l.MaxConnections = DefaultMaxConnections
	}

	return l
}

// Limiter is the process-wide, read-mostly rate limiter singleton: one
// lock-free map keyed by source IP, per §4.C.
type Limiter struct {
	states *xsync.MapOf[string, *ipState]
}

func New() *Limiter {
	return &Limiter{states: xsync.NewMapOf[string, *ipState]()}
}

func normalizeIP(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}

	return ip
}

func (l *Limiter) stateFor(ip string, limits Limits) *ipState {
	s, _ := l.states.LoadOrCompute(ip, func() *ipState {
		st := &ipState{
			write: newBucket(limits.WritesPerMinute),
			read:  newBucket(limits.ReadsPerMinute),
		}
		st.lastActive.Store(time.Now().UnixNano())

		return st
	})
	st := s
	st.lastActive.Store(time.Now().UnixNano())

	return st
}

// TryConnect reserves one connection slot for ip, returning false if the
// per-IP connection cap is already reached.
func (l *Limiter) TryConnect(rawIP string, limits Limits) bool {
	limits = limits.withDefaults()
	ip := normalizeIP(rawIP)
	st := l.stateFor(ip, limits)

	if limits.MaxConnections <= 0 {
		st.connections.Add(1)

		return true
	}

	for {
		cur := st.connections.Load()
		if cur >= int32(limits.MaxConnections) {
			return false
		}
		if st.connections.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Disconnect frees a connection slot reserved by TryConnect. Cancellation
// of a blocked request drops the reservation the same way — the caller
// simply never claimed it.
func (l *Limiter) Disconnect(rawIP string) {
	ip := normalizeIP(rawIP)
	if st, ok := l.states.Load(ip); ok {
		if st.connections.Add(-1) < 0 {
			st.connections.Store(0)
		}
	}
}

// CheckWrite consumes one write token for ip, returning false when the
// bucket is exhausted.
func (l *Limiter) CheckWrite(rawIP string, limits Limits) bool {
	limits = limits.withDefaults()
	ip := normalizeIP(rawIP)
	st := l.stateFor(ip, limits)
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	return st.write.tryConsume(time.Now())
}

// CheckRead consumes one read token for ip.
func (l *Limiter) CheckRead(rawIP string, limits Limits) bool {
	limits = limits.withDefaults()
	ip := normalizeIP(rawIP)
	st := l.stateFor(ip, limits)
	st.readMu.Lock()
	defer st.readMu.Unlock()

	return st.read.tryConsume(time.Now())
}

// Cleanup evicts entries with zero connections that have been idle for
// more than 10 minutes.
func (l *Limiter) Cleanup() {
	now := time.Now()
	l.states.Range(func(ip string, st *ipState) bool {
		if st.connections.Load() == 0 && now.Sub(time.Unix(0, st.lastActive.Load())) > idleEvictAfter {
			l.states.Delete(ip)
		}

		return true
	})
}
