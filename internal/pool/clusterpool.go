package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/driverrors"
)

// ClusterConnectionPool fans SocketConnectionPool out across every
// address known to the cluster (spec §4.6), plus a cron-scheduled
// janitor that evicts stale idle connections. It satisfies
// internal/routing's ConnectionBorrower so the RoutingTableManager can
// acquire a connection to any known router without this package
// importing routing.
type ClusterConnectionPool struct {
	dial Dialer
	cfg  Config

	logger *slog.Logger

	mu       sync.Mutex
	pools    map[string]*SocketConnectionPool
	disposed bool

	janitor    *cron.Cron
	janitorAge time.Duration
}

func NewClusterConnectionPool(dial Dialer, cfg Config, logger *slog.Logger) *ClusterConnectionPool {
	return &ClusterConnectionPool{
		dial:   dial,
		cfg:    cfg,
		logger: logger,
		pools:  make(map[string]*SocketConnectionPool),
	}
}

// StartJanitor schedules a periodic sweep (spec-supplement §4.13) that
// evicts idle connections failing a liveness probe (a RESET round-trip).
// maxIdleAge is handed to EvictIdleOlderThan, which does not use it, so
// idle connections are not evicted by age. The sweep uses the same
// cron.Cron the teacher schedules its
// maintenance jobs with (internal/agent — scheduled compaction/report
// jobs) rather than a hand-rolled ticker goroutine.
func (cp *ClusterConnectionPool) StartJanitor(spec string, maxIdleAge time.Duration) error {
	cp.janitorAge = maxIdleAge
	cp.janitor = cron.New()
	_, err := cp.janitor.AddFunc(spec, cp.sweep)
	if err != nil {
		return driverrors.Clientf("scheduling pool janitor: %v", err)
	}
	cp.janitor.Start()
	return nil
}

// StopJanitor stops the background sweep, if running.
func (cp *ClusterConnectionPool) StopJanitor() {
	if cp.janitor != nil {
		cp.janitor.Stop()
	}
}

func (cp *ClusterConnectionPool) sweep() {
	cp.mu.Lock()
	pools := make([]*SocketConnectionPool, 0, len(cp.pools))
	for _, p := range cp.pools {
		pools = append(pools, p)
	}
	cp.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range pools {
		n := p.EvictIdleOlderThan(ctx, cp.janitorAge)
		if n > 0 && cp.logger != nil {
			cp.logger.Debug("pool janitor evicted idle connections", "address", p.address, "count", n)
		}
	}
}

// Register ensures a per-address pool exists for addr without
// acquiring from it — used when the routing table introduces a new
// address via PrependRouters.
func (cp *ClusterConnectionPool) Register(addr address.Address) {
	cp.poolFor(addr)
}

func (cp *ClusterConnectionPool) poolFor(addr address.Address) *SocketConnectionPool {
	key := addr.Key()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if p, ok := cp.pools[key]; ok {
		return p
	}
	p := NewSocketConnectionPool(addr.String(), cp.dial, cp.cfg, cp.logger)
	if cp.disposed {
		p.Dispose()
		return p
	}
	cp.pools[key] = p
	return p
}

// Borrow acquires a connection to addr, creating its per-address pool
// on first use.
func (cp *ClusterConnectionPool) Borrow(ctx context.Context, addr address.Address) (*bolt.Connection, error) {
	cp.mu.Lock()
	if cp.disposed {
		cp.mu.Unlock()
		return nil, driverrors.ServiceUnavailablef("cluster connection pool has been disposed")
	}
	cp.mu.Unlock()
	return cp.poolFor(addr).Acquire(ctx)
}

// Release returns conn to addr's pool.
func (cp *ClusterConnectionPool) Release(addr address.Address, conn *bolt.Connection) {
	cp.poolFor(addr).Release(conn)
}

// Purge disposes and drops the pool for a single address (spec §4.6,
// called by the cluster error handler on a connection-level fault).
func (cp *ClusterConnectionPool) Purge(addr address.Address) {
	key := addr.Key()
	cp.mu.Lock()
	p, ok := cp.pools[key]
	if ok {
		delete(cp.pools, key)
	}
	cp.mu.Unlock()
	if ok {
		p.Dispose()
	}
}

// Update reconciles the pool set with a freshly fetched set of known
// addresses: pools for addresses no longer present are disposed and
// dropped. Update itself creates no pools and reports no error, also
// after Dispose. Both Update and Dispose take cp.mu for their metadata
// mutation; a pool that poolFor creates after Dispose has set
// cp.disposed is disposed at once and not stored, and Borrow's
// disposed check above rejects any acquire that arrives after.
func (cp *ClusterConnectionPool) Update(known []address.Address) {
	keep := make(map[string]bool, len(known))
	for _, a := range known {
		keep[a.Key()] = true
	}

	cp.mu.Lock()
	var stale []*SocketConnectionPool
	for key, p := range cp.pools {
		if !keep[key] {
			stale = append(stale, p)
			delete(cp.pools, key)
		}
	}
	cp.mu.Unlock()

	for _, p := range stale {
		p.Dispose()
	}
}

// Dispose tears down every per-address pool and stops the janitor.
func (cp *ClusterConnectionPool) Dispose() {
	cp.mu.Lock()
	if cp.disposed {
		cp.mu.Unlock()
		return
	}
	cp.disposed = true
	pools := make([]*SocketConnectionPool, 0, len(cp.pools))
	for _, p := range cp.pools {
		pools = append(pools, p)
	}
	cp.pools = make(map[string]*SocketConnectionPool)
	cp.mu.Unlock()

	cp.StopJanitor()
	for _, p := range pools {
		p.Dispose()
	}
}
