// Package pool implements the per-address SocketConnectionPool and the
// ClusterConnectionPool that maps Address -> per-address pool, plus a
// background janitor that reclaims idle connections.
//
// The bounded-capacity blocking handoff is grounded on the teacher's
// RingBuffer (internal/agent/ringbuffer.go): same mutex + "wait for a
// condition, then mutate under the same lock" shape, adapted to a
// channel-based semaphore so Acquire's blocking wait can honor a
// timeout via select/time.After — sync.Cond has no timeout primitive,
// which is the one place this package diverges from the teacher's
// exact synchronization primitive rather than its design.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/driverrors"
)

// Dialer opens a new initialized Connection to address. Supplied by
// the caller so SocketConnectionPool doesn't hard-code the handshake
// or auth token.
type Dialer func(ctx context.Context, address string) (*bolt.Connection, error)

// SocketConnectionPool is the bounded pool of initialized Connections
// for a single address (spec §4.5). Acquire blocks up to the
// configured timeout once at capacity; Release returns a healthy
// connection to idle and destroys an unhealthy one; Dispose tears
// down every pooled connection and fails all future acquires.
type SocketConnectionPool struct {
	address string
	dial    Dialer
	max     int

	acquisitionTimeout time.Duration
	dialLimiter        *rate.Limiter

	mu       sync.Mutex
	idle     []*bolt.Connection
	inUse    map[*bolt.Connection]bool
	disposed bool

	// sem has one token per slot not held by any connection, idle or
	// in use; a new
	// socket is only dialed once a token is available, bounding
	// |idle|+|inUse| <= max without holding mu across the dial.
	sem chan struct{}

	logger *slog.Logger
}

// Config bundles per-address pool tuning, sourced from DriverConfig.
type Config struct {
	Max                int
	AcquisitionTimeout time.Duration
	DialsPerSecond     float64 // 0 disables the limiter
}

func NewSocketConnectionPool(addr string, dial Dialer, cfg Config, logger *slog.Logger) *SocketConnectionPool {
	max := cfg.Max
	if max <= 0 {
		max = 500
	}
	sem := make(chan struct{}, max)
	for i := 0; i < max; i++ {
		sem <- struct{}{}
	}

	var limiter *rate.Limiter
	if cfg.DialsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), 1)
	}

	return &SocketConnectionPool{
		address:            addr,
		dial:               dial,
		max:                max,
		acquisitionTimeout: cfg.AcquisitionTimeout,
		dialLimiter:        limiter,
		inUse:              make(map[*bolt.Connection]bool),
		sem:                sem,
		logger:             logger,
	}
}

// Acquire returns an idle connection if one is available, otherwise
// dials a new one (bounded by the dial rate limiter), up to max
// concurrently outstanding. At capacity it blocks until a slot frees
// or the configured acquisition timeout elapses.
func (p *SocketConnectionPool) Acquire(ctx context.Context) (*bolt.Connection, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, driverrors.ServiceUnavailablef("pool for %s has been disposed", p.address)
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse[conn] = true
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	waitCtx := ctx
	var cancel context.CancelFunc
	if p.acquisitionTimeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.acquisitionTimeout)
		defer cancel()
	}

	select {
	case <-p.sem:
	case <-waitCtx.Done():
		return nil, driverrors.Clientf("acquiring connection to %s: %v", p.address, waitCtx.Err())
	}

	if p.dialLimiter != nil {
		if err := p.dialLimiter.Wait(ctx); err != nil {
			p.sem <- struct{}{}
			return nil, driverrors.Clientf("rate-limited dial to %s: %v", p.address, err)
		}
	}

	conn, err := p.dial(ctx, p.address)
	if err != nil {
		p.sem <- struct{}{}
		return nil, driverrors.WrapSessionExpired(err, "dialing %s", p.address)
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		conn.Close()
		p.sem <- struct{}{}
		return nil, driverrors.ServiceUnavailablef("pool for %s has been disposed", p.address)
	}
	p.inUse[conn] = true
	p.mu.Unlock()
	return conn, nil
}

// Release returns a healthy connection to idle; an unhealthy one is
// closed and its slot freed. Health is "not in an error state and
// initialized" (spec §4.5).
func (p *SocketConnectionPool) Release(conn *bolt.Connection) {
	p.mu.Lock()
	if !p.inUse[conn] {
		p.mu.Unlock()
		return
	}
	delete(p.inUse, conn)

	if p.disposed || !conn.Healthy() {
		p.mu.Unlock()
		conn.Close()
		p.sem <- struct{}{}
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Dispose destroys every pooled connection (idle and in-use) and
// marks the pool so further Acquire calls fail.
func (p *SocketConnectionPool) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	idle := p.idle
	p.idle = nil
	inUse := make([]*bolt.Connection, 0, len(p.inUse))
	for c := range p.inUse {
		inUse = append(inUse, c)
	}
	p.inUse = make(map[*bolt.Connection]bool)
	p.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	for _, c := range inUse {
		c.Close()
	}
}

// Disposed reports whether Dispose has already run.
func (p *SocketConnectionPool) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// EvictIdleOlderThan closes and drops idle connections whose liveness
// check fails — the pool janitor's per-address sweep (spec-supplement
// §4.13). Connections don't carry a last-used timestamp in this
// minimal Connection type, so the liveness probe (a RESET round-trip)
// is the only signal used; maxAge is not consulted and no connection
// is evicted for its idle time.
func (p *SocketConnectionPool) EvictIdleOlderThan(ctx context.Context, maxAge time.Duration) int {
	p.mu.Lock()
	candidates := p.idle
	p.idle = nil
	p.mu.Unlock()

	var kept []*bolt.Connection
	evicted := 0
	for _, c := range candidates {
		if err := c.Reset(ctx); err != nil {
			c.Close()
			p.sem <- struct{}{}
			evicted++
			continue
		}
		kept = append(kept, c)
	}

	p.mu.Lock()
	if !p.disposed {
		p.idle = append(p.idle, kept...)
	} else {
		p.mu.Unlock()
		for _, c := range kept {
			c.Close()
		}
		return evicted + len(kept)
	}
	p.mu.Unlock()
	return evicted
}
