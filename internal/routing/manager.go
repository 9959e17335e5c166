package routing

import (
	"context"
	"sync"
	"time"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/driverrors"
)

// ConnectionBorrower is how RoutingTableManager reaches a router to
// run the routing procedure, kept as a narrow interface so this
// package doesn't need to import internal/pool directly — the
// ClusterConnectionPool satisfies it.
type ConnectionBorrower interface {
	Borrow(ctx context.Context, addr address.Address) (*bolt.Connection, error)
	Release(addr address.Address, conn *bolt.Connection)
	// Register ensures a per-address pool exists for addr, used when
	// PrependRouters introduces an address the pool has never seen.
	Register(addr address.Address)
}

// Manager holds the current RoutingTable plus the
// readingInAbsenceOfWriter flag and coalesces concurrent refreshes
// into a single in-flight call — the pack's hand-rolled singleflight
// shape (mutex-guarded in-flight marker, a done channel later callers
// block on) rather than golang.org/x/sync/singleflight, which no pack
// repo imports directly.
type Manager struct {
	mu                       sync.Mutex
	table                    *RoutingTable
	readingInAbsenceOfWriter bool

	borrower       ConnectionBorrower
	routingContext map[string]any
	ttlFloor       time.Duration

	refreshMu   sync.Mutex
	refreshing  bool
	refreshDone chan struct{}
	refreshErr  error
}

func NewManager(borrower ConnectionBorrower, routingContext map[string]any, ttlFloor time.Duration) *Manager {
	return &Manager{borrower: borrower, routingContext: routingContext, ttlFloor: ttlFloor}
}

// Table returns the manager's current RoutingTable. Callers must treat
// it as read-only; all mutation goes through the manager.
func (m *Manager) Table() *RoutingTable {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// ReadingInAbsenceOfWriter reports the manager's current flag value.
func (m *Manager) ReadingInAbsenceOfWriter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readingInAbsenceOfWriter
}

// UpdateRoutingTable implements spec §4.8's core update protocol:
// iterate the current routers ring, borrowing a connection from each
// in turn, until one yields an acceptable table or the ring is
// exhausted.
func (m *Manager) UpdateRoutingTable(ctx context.Context, now time.Time) (*RoutingTable, error) {
	m.mu.Lock()
	var routers []address.Address
	if m.table != nil {
		routers = m.table.Routers()
	}
	m.mu.Unlock()

	for _, router := range routers {
		conn, err := m.borrower.Borrow(ctx, router)
		if err != nil || conn == nil {
			m.removeRouter(router)
			continue
		}

		fetched, err := fetchRoutingTable(ctx, conn, m.routingContext, m.ttlFloor, now)
		m.borrower.Release(router, conn)

		if err != nil {
			switch {
			case driverrors.Is(err, driverrors.ServiceUnavailable),
				driverrors.Is(err, driverrors.Protocol),
				driverrors.Is(err, driverrors.Authentication):
				return nil, err
			case driverrors.Is(err, driverrors.SessionExpired):
				m.removeRouter(router)
				continue
			default:
				m.removeRouter(router)
				continue
			}
		}

		if !fetched.HasReaders() {
			continue
		}

		m.mu.Lock()
		m.table = fetched
		m.readingInAbsenceOfWriter = !fetched.HasWriters()
		result := m.table
		m.mu.Unlock()
		return result, nil
	}

	return nil, nil
}

func (m *Manager) removeRouter(addr address.Address) {
	m.mu.Lock()
	if m.table != nil {
		m.table.Remove(addr)
	}
	m.mu.Unlock()
}

// UpdateRoutingTableWithInitialUriFallback implements spec §4.8's seed
// fallback: when already reading in the absence of a writer it always
// consults seeds first; otherwise it tries the current routers, then
// falls back to the untried subset of seeds, and finally gives up with
// ServiceUnavailable.
func (m *Manager) UpdateRoutingTableWithInitialUriFallback(ctx context.Context, seeds []address.Address, tried map[string]bool, now time.Time) (*RoutingTable, error) {
	if tried == nil {
		tried = map[string]bool{}
	}

	if m.ReadingInAbsenceOfWriter() {
		m.prependAndRegister(seeds)
		table, err := m.UpdateRoutingTable(ctx, now)
		if err != nil {
			return nil, err
		}
		if table != nil {
			return table, nil
		}
	} else {
		table, err := m.UpdateRoutingTable(ctx, now)
		if err != nil {
			return nil, err
		}
		if table != nil {
			return table, nil
		}
	}

	var untried []address.Address
	for _, s := range seeds {
		if !tried[s.Key()] {
			untried = append(untried, s)
		}
	}
	for _, s := range seeds {
		tried[s.Key()] = true
	}
	if len(untried) == 0 {
		return nil, driverrors.ServiceUnavailablef("failed to connect to any routing server")
	}

	m.prependAndRegister(untried)
	table, err := m.UpdateRoutingTable(ctx, now)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, driverrors.ServiceUnavailablef("failed to connect to any routing server")
	}
	return table, nil
}

func (m *Manager) prependAndRegister(addrs []address.Address) {
	if len(addrs) == 0 {
		return
	}
	m.mu.Lock()
	if m.table == nil {
		m.table = New(nil, nil, nil, 0, time.Now())
	}
	m.table.PrependRouters(addrs)
	m.mu.Unlock()
	for _, a := range addrs {
		m.borrower.Register(a)
	}
}

// Refresh runs UpdateRoutingTableWithInitialUriFallback under the
// manager's single-flight lock: the first caller performs the fetch,
// concurrent callers block on refreshDone and share its result.
func (m *Manager) Refresh(ctx context.Context, seeds []address.Address, now time.Time) (*RoutingTable, error) {
	m.refreshMu.Lock()
	if m.refreshing {
		done := m.refreshDone
		m.refreshMu.Unlock()
		<-done
		m.refreshMu.Lock()
		err := m.refreshErr
		m.refreshMu.Unlock()
		if err != nil {
			return nil, err
		}
		return m.Table(), nil
	}

	m.refreshing = true
	m.refreshDone = make(chan struct{})
	m.refreshMu.Unlock()

	table, err := m.UpdateRoutingTableWithInitialUriFallback(ctx, seeds, nil, now)

	m.refreshMu.Lock()
	m.refreshErr = err
	m.refreshing = false
	close(m.refreshDone)
	m.refreshMu.Unlock()

	return table, err
}
