// Package godriver wires the core's pieces — wire-level connections,
// the cluster connection pool, the routing-table manager, and the
// load balancer/error classifier — into the single public surface an
// embedding application drives: Driver, a ConnectionProvider.
//
// Session and transaction semantics, result materialization, and the
// full DriverConfig surface beyond what this core needs to dial and
// route are left to the layer above this one.
package godriver

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"time"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/cluster"
	"github.com/graphbolt/godriver/internal/config"
	"github.com/graphbolt/godriver/internal/driverrors"
	"github.com/graphbolt/godriver/internal/logging"
	"github.com/graphbolt/godriver/internal/pki"
	"github.com/graphbolt/godriver/internal/pool"
	"github.com/graphbolt/godriver/internal/routing"
)

// ResponseHandler receives the decoded body of a Bolt response,
// re-exported from internal/bolt so callers outside internal/ never
// need to import it directly.
type ResponseHandler = bolt.ResponseHandler

// AccessMode selects whether Acquire returns a reader or a writer.
type AccessMode = routing.AccessMode

const (
	Read  = routing.Read
	Write = routing.Write
)

// clientName identifies this driver to the server during INIT.
const clientName = "godriver/1.0"

// Connection is one cluster member's wire-level session: RUN/PULL_ALL/
// DISCARD_ALL pipelined against a FIFO of handlers, flushed by Sync.
type Connection interface {
	Run(ctx context.Context, statement string, params map[string]any, handler ResponseHandler) error
	PullAll(ctx context.Context, handler ResponseHandler) error
	DiscardAll(ctx context.Context, handler ResponseHandler) error
	Sync(ctx context.Context) error
	Reset(ctx context.Context) error
	Close() error
}

// ConnectionProvider is the driver's one public entry point: hand back
// a Connection suitable for the requested AccessMode, having refreshed
// the routing table and retried across cluster members as needed.
type ConnectionProvider interface {
	Acquire(ctx context.Context, mode AccessMode) (Connection, error)
}

// Driver is the default ConnectionProvider: a cluster connection pool
// fronted by a routing-table manager and a load balancer, wired from a
// single DriverConfig the way the teacher's daemon wires its socket
// pool, control channel, and TLS config from one loaded config struct.
type Driver struct {
	logger *slog.Logger
	closer io.Closer

	connPool *pool.ClusterConnectionPool
	manager  *routing.Manager
	lb       *cluster.LoadBalancer
	errs     *cluster.ErrorHandler

	seeds []address.Address
}

// NewDriver builds a Driver from cfg and the initial set of seed URIs
// (spec §4.8's "initial routers"). The auth token INIT presents to
// every cluster member comes from cfg.Routing.AuthToken. cfg.Validate
// is always run, whether or not the caller already ran it through
// LoadDriverConfig — it's idempotent (defaults are only filled in when
// still zero) and cheap enough that requiring callers to remember to
// call it themselves isn't worth the footgun.
func NewDriver(cfg *config.DriverConfig, seedURIs []string) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, driverrors.Clientf("validating driver config: %v", err)
	}

	logger, closer := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	seeds := make([]address.Address, 0, len(seedURIs))
	for _, uri := range seedURIs {
		a, err := address.Parse(uri)
		if err != nil {
			closer.Close()
			return nil, driverrors.Clientf("parsing seed URI %q: %v", uri, err)
		}
		seeds = append(seeds, a)
	}

	dial, err := newDialer(cfg, logger)
	if err != nil {
		closer.Close()
		return nil, err
	}

	poolCfg := pool.Config{
		Max:                cfg.Pool.MaxConnectionPoolSize,
		AcquisitionTimeout: cfg.Pool.ConnectionAcquisitionTimeout,
		DialsPerSecond:     cfg.Pool.DialBackoffPerSecond,
	}
	connPool := pool.NewClusterConnectionPool(dial, poolCfg, logger)
	for _, s := range seeds {
		connPool.Register(s)
	}

	manager := routing.NewManager(connPool, nil, cfg.Routing.RoutingTableTTLFloor)
	errs := cluster.NewErrorHandler(connPool, manager, logger)
	lb := cluster.NewLoadBalancer(manager, connPool, seeds, logger)

	return &Driver{
		logger:   logger,
		closer:   closer,
		connPool: connPool,
		manager:  manager,
		lb:       lb,
		errs:     errs,
		seeds:    seeds,
	}, nil
}

// newDialer builds the pool.Dialer the ClusterConnectionPool calls to
// open a fresh, initialized Connection. The TLS config is resolved
// once from cfg (internal/pki.NewTLSConfig) and captured by the
// closure, matching the teacher's pattern of building its TLS config
// once at startup and reusing it for every dial rather than
// re-resolving it per connection.
func newDialer(cfg *config.DriverConfig, logger *slog.Logger) (pool.Dialer, error) {
	authToken := cfg.Routing.AuthToken
	var tlsConfig *tls.Config
	if cfg.EncryptionLevel() != config.EncryptionNone {
		built, err := pki.NewTLSConfig(cfg.TrustStrategy(), cfg.Security.CustomCACert)
		switch {
		case err == nil:
			tlsConfig = built
		case cfg.EncryptionLevel() == config.EncryptionRequired:
			return nil, driverrors.Securityf("building TLS config: %v", err)
		default:
			if logger != nil {
				logger.Warn("optional encryption: failed to build TLS config, falling back to plaintext", "error", err)
			}
		}
	}

	return func(ctx context.Context, addr string) (*bolt.Connection, error) {
		conn, err := bolt.DialTLS(ctx, addr, tlsConfig, logger)
		if err != nil {
			return nil, err
		}
		if err := conn.Init(ctx, clientName, authToken); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}, nil
}

// Acquire implements ConnectionProvider: it hands back a Connection
// bound to the routing table's current choice for mode, refreshing and
// retrying through the LoadBalancer per spec §4.8/§4.10.
func (d *Driver) Acquire(ctx context.Context, mode AccessMode) (Connection, error) {
	conn, addr, err := d.lb.Acquire(ctx, mode)
	if err != nil {
		return nil, err
	}
	return &boundConnection{conn: conn, addr: addr, mode: mode, errs: d.errs, lb: d.lb}, nil
}

// StartJanitor schedules the pool's periodic idle-connection sweep
// (spec-supplement §4.13). spec follows cron.v3 syntax, e.g. "@every 1m".
func (d *Driver) StartJanitor(spec string, maxIdleAge time.Duration) error {
	return d.connPool.StartJanitor(spec, maxIdleAge)
}

// Close tears down every pooled connection, stops the janitor, and
// releases the driver's logger.
func (d *Driver) Close() error {
	d.connPool.Dispose()
	return d.closer.Close()
}

// boundConnection wraps a *bolt.Connection with the address it was
// acquired against, routing transport-level Sync failures and
// server-reported FAILUREs through the cluster ErrorHandler before
// they reach the caller, so routing-table and pool mutation (spec
// §4.9) happens regardless of which Connection method observes the
// fault. Close returns the connection to its pool rather than
// tearing down the socket.
type boundConnection struct {
	conn *bolt.Connection
	addr address.Address
	mode AccessMode
	errs *cluster.ErrorHandler
	lb   *cluster.LoadBalancer
}

func (b *boundConnection) Run(ctx context.Context, statement string, params map[string]any, handler ResponseHandler) error {
	return b.conn.Run(ctx, statement, params, b.wrap(handler))
}

func (b *boundConnection) PullAll(ctx context.Context, handler ResponseHandler) error {
	return b.conn.PullAll(ctx, b.wrap(handler))
}

func (b *boundConnection) DiscardAll(ctx context.Context, handler ResponseHandler) error {
	return b.conn.DiscardAll(ctx, b.wrap(handler))
}

func (b *boundConnection) Sync(ctx context.Context) error {
	if err := b.conn.Sync(ctx); err != nil {
		return b.errs.OnConnectionError(b.addr, err)
	}
	return nil
}

func (b *boundConnection) Reset(ctx context.Context) error {
	return b.conn.Reset(ctx)
}

func (b *boundConnection) Close() error {
	b.lb.Release(b.addr, b.conn)
	return nil
}

func (b *boundConnection) wrap(inner ResponseHandler) ResponseHandler {
	return &classifyingHandler{inner: inner, errs: b.errs, addr: b.addr, mode: b.mode}
}

// classifyingHandler forwards every callback to inner unchanged, but
// first runs a FAILURE through the ErrorHandler so cluster-topology
// codes (not a leader, forbidden on a read-only member) remove the
// address from the relevant ring before the caller even sees the
// failure. mode carries the AccessMode the connection was acquired
// for, since the same failure code means something different on a
// Read connection (a client mistake) than on a Write connection (a
// genuine topology change). The ErrorHandler's own return value — a
// re-raised SessionExpired or ClientError — is discarded here; it
// exists for callers that invoke OnServerFailure directly, not for
// this pass-through.
type classifyingHandler struct {
	inner ResponseHandler
	errs  *cluster.ErrorHandler
	addr  address.Address
	mode  AccessMode
}

func (h *classifyingHandler) OnSuccess(metadata map[string]any) error { return h.inner.OnSuccess(metadata) }
func (h *classifyingHandler) OnRecord(fields []any) error             { return h.inner.OnRecord(fields) }
func (h *classifyingHandler) OnIgnored() error                        { return h.inner.OnIgnored() }

func (h *classifyingHandler) OnFailure(code, message string) error {
	h.errs.OnServerFailure(h.addr, h.mode, code, message)
	return h.inner.OnFailure(code, message)
}
