package pool

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/chunking"
	"github.com/graphbolt/godriver/internal/driverrors"
	"github.com/graphbolt/godriver/internal/packstream"
)

func mustParse(t *testing.T, s string) address.Address {
	t.Helper()
	a, err := address.Parse(s)
	if err != nil {
		t.Fatalf("address.Parse(%q): %v", s, err)
	}
	return a
}

// startFakeBoltServer accepts up to n connections on an ephemeral
// localhost port, performs the handshake on each, then answers every
// INIT with SUCCESS and every RESET with SUCCESS, for as long as the
// connection stays open. Returns the listener address and a cleanup.
func startFakeBoltServer(t *testing.T, n int) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	for i := 0; i < n; i++ {
		go func() {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			serveFakeBolt(conn)
		}()
	}
	return ln.Addr().String(), func() { ln.Close() }
}

func serveFakeBolt(conn net.Conn) {
	defer conn.Close()
	preamble := make([]byte, 4)
	if _, err := io.ReadFull(conn, preamble); err != nil {
		return
	}
	proposal := make([]byte, 16)
	if _, err := io.ReadFull(conn, proposal); err != nil {
		return
	}
	reply := make([]byte, 4)
	binary.BigEndian.PutUint32(reply, 1)
	if _, err := conn.Write(reply); err != nil {
		return
	}

	out := chunking.NewChunkedOutput(conn, 8192)
	in := chunking.NewChunkedInput(conn)

	for {
		u := packstream.NewUnpacker(in)
		size, _, err := u.UnpackStructHeader()
		if err != nil {
			return
		}
		for i := 0; i < size; i++ {
			if _, err := u.UnpackValue(); err != nil {
				return
			}
		}
		if err := in.ReadMessageTail(); err != nil {
			return
		}

		p := packstream.NewPacker(out)
		p.PackStructHeader(1, 0x70)
		p.Pack(packstream.NewMap())
		if err := p.Err(); err != nil {
			return
		}
		if err := out.WriteMessageTail(); err != nil {
			return
		}
	}
}

func testDialer(t *testing.T) Dialer {
	return func(ctx context.Context, address string) (*bolt.Connection, error) {
		conn, err := bolt.Dial(ctx, address, nil)
		if err != nil {
			return nil, err
		}
		if err := conn.Init(ctx, "pool-test/1.0", nil); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

func TestAcquireRelease(t *testing.T) {
	addr, cleanup := startFakeBoltServer(t, 2)
	defer cleanup()

	p := NewSocketConnectionPool(addr, testDialer(t), Config{Max: 2}, nil)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !c1.Healthy() {
		t.Fatal("acquired connection should be healthy")
	}
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c2 != c1 {
		t.Error("expected the released connection to be reused from idle")
	}
	p.Release(c2)
}

func TestAcquireBlocksAtCapacityThenTimesOut(t *testing.T) {
	addr, cleanup := startFakeBoltServer(t, 1)
	defer cleanup()

	p := NewSocketConnectionPool(addr, testDialer(t), Config{
		Max:                1,
		AcquisitionTimeout: 50 * time.Millisecond,
	}, nil)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c1)

	start := time.Now()
	_, err = p.Acquire(ctx)
	if err == nil {
		t.Fatal("expected second Acquire to time out at capacity")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Acquire returned too early: %v", elapsed)
	}
}

func TestDisposeRejectsFurtherAcquires(t *testing.T) {
	addr, cleanup := startFakeBoltServer(t, 1)
	defer cleanup()

	p := NewSocketConnectionPool(addr, testDialer(t), Config{Max: 1}, nil)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)

	p.Dispose()
	if !p.Disposed() {
		t.Fatal("expected pool to report disposed")
	}

	_, err = p.Acquire(ctx)
	if !driverrors.Is(err, driverrors.ServiceUnavailable) {
		t.Fatalf("Acquire after Dispose: got %v, want ServiceUnavailable", err)
	}
}

func TestClusterPoolBorrowReleasePurge(t *testing.T) {
	addr, cleanup := startFakeBoltServer(t, 2)
	defer cleanup()

	cp := NewClusterConnectionPool(testDialer(t), Config{Max: 2}, nil)
	a := mustParse(t, addr)
	ctx := context.Background()

	conn, err := cp.Borrow(ctx, a)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	cp.Release(a, conn)

	cp.Purge(a)

	conn2, err := cp.Borrow(ctx, a)
	if err != nil {
		t.Fatalf("Borrow after Purge should dial a fresh pool: %v", err)
	}
	cp.Release(a, conn2)
}

func TestClusterPoolUpdateDisposesStaleAddresses(t *testing.T) {
	addrA, cleanupA := startFakeBoltServer(t, 2)
	defer cleanupA()
	addrB, cleanupB := startFakeBoltServer(t, 1)
	defer cleanupB()

	cp := NewClusterConnectionPool(testDialer(t), Config{Max: 1}, nil)
	a := mustParse(t, addrA)
	b := mustParse(t, addrB)
	ctx := context.Background()

	connA, err := cp.Borrow(ctx, a)
	if err != nil {
		t.Fatalf("Borrow a: %v", err)
	}
	cp.Release(a, connA)

	cp.Update([]address.Address{b})

	if connA.Healthy() {
		t.Error("a's idle connection should have been closed when Update disposed its pool")
	}
	if _, err := cp.Borrow(ctx, a); err != nil {
		t.Fatalf("Borrow a after Update should recreate its pool: %v", err)
	}
}

func TestClusterPoolDisposeStopsBorrow(t *testing.T) {
	addr, cleanup := startFakeBoltServer(t, 1)
	defer cleanup()

	cp := NewClusterConnectionPool(testDialer(t), Config{Max: 1}, nil)
	a := mustParse(t, addr)
	ctx := context.Background()

	cp.Dispose()
	if _, err := cp.Borrow(ctx, a); !driverrors.Is(err, driverrors.ServiceUnavailable) {
		t.Fatalf("Borrow after Dispose: got %v, want ServiceUnavailable", err)
	}
}
