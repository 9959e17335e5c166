// Package cluster implements the fault classifier and load balancer
// sitting on top of internal/pool and internal/routing: the piece that
// decides, when a connection to a cluster member fails or reports a
// cluster-topology error, whether to purge the connection's pool,
// remove the address from the routing table, and/or re-raise the
// failure as SessionExpired so the caller retries against a
// (possibly) different member.
package cluster

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/driverrors"
	"github.com/graphbolt/godriver/internal/routing"
)

// Cluster-specific server error codes that signal a topology problem
// rather than an ordinary client/statement error (spec §4.9/§4.10).
const (
	codeNotALeader                  = "Neo.ClientError.Cluster.NotALeader"
	codeForbiddenOnReadOnlyDatabase  = "Neo.ClientError.Cluster.ForbiddenOnReadOnlyDatabase"
	codeGeneralForbiddenOnReadOnlyDB = "Neo.ClientError.General.ForbiddenOnReadOnlyDatabase"
)

// PoolPurger is the subset of ClusterConnectionPool the error handler
// needs, kept narrow so this package doesn't import internal/pool.
type PoolPurger interface {
	Purge(addr address.Address)
}

// ErrorHandler classifies faults observed while using a connection to
// a specific cluster address into pool and routing-table mutations,
// then returns the error the caller should see (spec §4.9).
//
// Grounded on internal/server's status-byte switch (reads a reported
// code, mutates connection/session state, returns a narrowed error)
// generalized from a single protocol's status bytes to Bolt's string
// failure codes.
//
// table is fetched from manager on every call rather than captured
// once at construction: Manager.Refresh swaps in a brand-new
// RoutingTable on every successful refresh, so a table pointer snapshot
// would silently stop being the one the manager actually hands out.
type ErrorHandler struct {
	pool    PoolPurger
	manager RoutingManager
	logger  *slog.Logger
}

func NewErrorHandler(pool PoolPurger, manager RoutingManager, logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{pool: pool, manager: manager, logger: logger}
}

// OnConnectionError handles a transport-level fault (dial failure,
// read/write error, handshake failure) observed against addr: the
// connection's pool is purged and the address removed from every
// ring, and the fault is re-raised as SessionExpired so the caller
// retries elsewhere.
func (h *ErrorHandler) OnConnectionError(addr address.Address, cause error) error {
	if h.logger != nil {
		h.logger.Warn("connection error, purging pool and removing address", "address", addr.String(), "error", cause)
	}
	h.pool.Purge(addr)
	if h.manager != nil {
		if table := h.manager.Table(); table != nil {
			table.Remove(addr)
		}
	}
	return driverrors.WrapSessionExpired(cause, "connection to %s failed", addr.String())
}

// OnWriteError handles a write-time fault specifically: the address is
// removed only from the writers ring (it may still be a valid reader)
// and the fault is re-raised as SessionExpired.
func (h *ErrorHandler) OnWriteError(addr address.Address, cause error) error {
	if h.logger != nil {
		h.logger.Warn("write error, removing writer", "address", addr.String(), "error", cause)
	}
	if h.manager != nil {
		if table := h.manager.Table(); table != nil {
			table.RemoveWriter(addr)
		}
	}
	return driverrors.WrapSessionExpired(cause, "write to %s failed", addr.String())
}

// OnServerFailure classifies a Bolt FAILURE message received from addr
// on a connection acquired for mode. Cluster-topology codes (not a
// leader, or attempted a write against a read-only member) mean
// different things depending on which access mode the connection was
// acquired for: on Write, the address really did lose its writer role
// and is handled like OnWriteError; on Read, the server is reporting
// that the statement itself tried to write on a read-only connection,
// which is a client mistake, not a topology change, so no routing
// state is mutated. Every other code passes through as a ClientError
// carrying the server's own message.
func (h *ErrorHandler) OnServerFailure(addr address.Address, mode routing.AccessMode, code, message string) error {
	switch code {
	case codeNotALeader, codeForbiddenOnReadOnlyDatabase, codeGeneralForbiddenOnReadOnlyDB:
		if mode == routing.Read {
			return driverrors.Clientf("Write queries cannot be performed in READ access mode")
		}
		return h.OnWriteError(addr, driverrors.Clientf("%s: %s", code, message))
	default:
		return driverrors.Clientf("%s: %s", code, message)
	}
}

// ConnectionAcquirer is the subset of ClusterConnectionPool the load
// balancer borrows connections through.
type ConnectionAcquirer interface {
	Borrow(ctx context.Context, addr address.Address) (*bolt.Connection, error)
	Release(addr address.Address, conn *bolt.Connection)
}

// RoutingManager is the subset of routing.Manager the load balancer
// needs, kept as an interface so tests can substitute a fake without
// driving a real routing-table refresh over the network.
type RoutingManager interface {
	Table() *routing.RoutingTable
	Refresh(ctx context.Context, seeds []address.Address, now time.Time) (*routing.RoutingTable, error)
	// ReadingInAbsenceOfWriter reports whether the current table was
	// accepted from a router that named no writer, the condition
	// Acquire checks to distinguish "this topology has no writer at
	// all" from "the writer this table named just became unreachable".
	ReadingInAbsenceOfWriter() bool
}

// LoadBalancer hands out a Connection for a given AccessMode, routing
// to the right ring and refreshing the routing table through the
// Manager's single-flight Refresh when it's stale, then retrying a
// bounded number of times with exponential backoff on a transport
// fault — grounded on internal/agent/dispatcher.go's
// startSenderWithRetry (retry count cap, baseBackoff doubling capped
// at maxBackoff, give up with a wrapped error past the cap).
type LoadBalancer struct {
	manager RoutingManager
	pool    ConnectionAcquirer
	seeds   []address.Address
	logger  *slog.Logger

	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

func NewLoadBalancer(manager RoutingManager, pool ConnectionAcquirer, seeds []address.Address, logger *slog.Logger) *LoadBalancer {
	return &LoadBalancer{
		manager:     manager,
		pool:        pool,
		seeds:       seeds,
		logger:      logger,
		maxRetries:  5,
		baseBackoff: 1 * time.Second,
		maxBackoff:  30 * time.Second,
	}
}

// Acquire returns a Connection appropriate for mode, refreshing the
// routing table first if it's stale or exhausted for that mode, and
// retrying against successive ring entries on a borrow failure.
func (lb *LoadBalancer) Acquire(ctx context.Context, mode routing.AccessMode) (*bolt.Connection, address.Address, error) {
	var lastErr error
	for attempt := 0; attempt <= lb.maxRetries; attempt++ {
		table, err := lb.ensureFreshTable(ctx, mode)
		if err != nil {
			return nil, address.Address{}, err
		}

		addr, ok := table.TryNext(mode)
		if !ok {
			if mode == routing.Write && lb.manager.ReadingInAbsenceOfWriter() {
				return nil, address.Address{}, driverrors.Clientf("Writes not supported in current topology")
			}
			return nil, address.Address{}, driverrors.WrapSessionExpired(lastErr, "no %s servers available", mode)
		}

		conn, err := lb.pool.Borrow(ctx, addr)
		if err == nil {
			return conn, addr, nil
		}

		lastErr = err
		if lb.logger != nil {
			lb.logger.Warn("borrow failed, retrying", "address", addr.String(), "mode", mode.String(), "attempt", attempt, "error", err)
		}
		table.Remove(addr)

		if attempt == lb.maxRetries {
			break
		}
		backoff := time.Duration(math.Min(
			float64(lb.baseBackoff)*math.Pow(2, float64(attempt)),
			float64(lb.maxBackoff),
		))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, address.Address{}, ctx.Err()
		}
	}
	return nil, address.Address{}, driverrors.WrapSessionExpired(lastErr, "exhausted %d retries acquiring a %s connection", lb.maxRetries, mode)
}

// Release returns conn to its pool.
func (lb *LoadBalancer) Release(addr address.Address, conn *bolt.Connection) {
	lb.pool.Release(addr, conn)
}

func (lb *LoadBalancer) ensureFreshTable(ctx context.Context, mode routing.AccessMode) (*routing.RoutingTable, error) {
	table := lb.manager.Table()
	if table != nil && !table.IsStale(mode, timeNow()) {
		return table, nil
	}
	return lb.manager.Refresh(ctx, lb.seeds, timeNow())
}

// timeNow is a seam so Acquire's staleness check uses the same clock
// source the manager's own Refresh/IsStale calls do.
func timeNow() time.Time {
	return time.Now()
}
