// Package bolt implements the wire-level Connection: handshake,
// version negotiation, INIT, and the FIFO send/receive discipline of
// spec §4.4, built on internal/chunking and internal/packstream.
//
// The handshake shape (fixed magic preamble, then a version proposal
// written as raw big-endian bytes over a freshly dialed net.Conn) is
// grounded on the teacher's ControlChannel.connect, which writes its
// own magic + negotiated-parameter preamble the same way before
// switching to framed messages.
package bolt

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/chunking"
	"github.com/graphbolt/godriver/internal/driverrors"
	"github.com/graphbolt/godriver/internal/logging"
)

// preamble is the four magic bytes every Bolt connection begins with.
var preamble = [4]byte{0x60, 0x60, 0xB0, 0x17}

// proposedVersions is the set of protocol versions this driver offers
// during negotiation, most preferred first, padded with zeros to the
// fixed slot count the handshake always sends.
var proposedVersions = [4]uint32{1, 0, 0, 0}

// ChunkSize is the default chunk payload length used for outbound
// messages (spec §4.1's default of 8192).
const ChunkSize = 8192

// Connection is one socket and one session: a TCP connection, its two
// framed streams, the negotiated protocol version, and the
// initialized/alive flags. It is not safe for concurrent use — at
// most one outstanding Run/PullAll/.../Sync cycle at a time, enforced
// by mu.
type Connection struct {
	ID      string
	Address string

	conn            net.Conn
	format          *MessageFormat
	protocolVersion uint32
	initialized     bool
	alive           bool
	needsAckFailure bool

	logger *slog.Logger

	mu      sync.Mutex
	pending []ResponseHandler
}

// Dial opens a plaintext TCP connection to address, performs the
// handshake and version negotiation, and returns a Connection ready
// for Init. Equivalent to DialTLS with a nil tls.Config.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Connection, error) {
	return DialTLS(ctx, addr, nil, logger)
}

// DialTLS is Dial with transport encryption: when tlsConfig is
// non-nil, the TCP connection is wrapped in a TLS client connection
// (internal/pki.NewTLSConfig builds tlsConfig from the configured
// TrustStrategy) before the handshake and version negotiation run
// over it exactly as they do in the plaintext case. A nil tlsConfig
// dials in the clear, matching EncryptionLevel none.
func DialTLS(ctx context.Context, addr string, tlsConfig *tls.Config, logger *slog.Logger) (*Connection, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, driverrors.WrapSessionExpired(err, "dialing %s", addr)
	}

	var conn net.Conn = rawConn
	if tlsConfig != nil {
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, driverrors.Securityf("TLS handshake with %s: %v", addr, err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	version, err := negotiateVersion(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	id := uuid.New().String()
	log := logger
	if log != nil {
		if parsed, err := address.Parse(addr); err == nil {
			log = logging.WithConnection(logger, id, parsed)
		} else {
			log = logger.With(slog.String("connection_id", id), slog.String("address", addr))
		}
	}

	allowBytes := version >= 2
	out := chunking.NewChunkedOutput(conn, ChunkSize)
	in := chunking.NewChunkedInput(conn)

	c := &Connection{
		ID:              id,
		Address:         addr,
		conn:            conn,
		format:          NewMessageFormat(out, in, allowBytes),
		protocolVersion: version,
		alive:           true,
		logger:          log,
	}
	return c, nil
}

func negotiateVersion(conn net.Conn) (uint32, error) {
	if _, err := conn.Write(preamble[:]); err != nil {
		return 0, driverrors.Securityf("writing handshake preamble: %v", err)
	}
	buf := make([]byte, 16)
	for i, v := range proposedVersions {
		binary.BigEndian.PutUint32(buf[i*4:i*4+4], v)
	}
	if _, err := conn.Write(buf); err != nil {
		return 0, driverrors.Securityf("writing version proposal: %v", err)
	}

	resp := make([]byte, 4)
	if _, err := fullRead(conn, resp); err != nil {
		return 0, driverrors.Securityf("reading negotiated version: %v", err)
	}
	version := binary.BigEndian.Uint32(resp)
	if version == 0 {
		return 0, driverrors.Securityf("server rejected all proposed versions")
	}
	return version, nil
}

func fullRead(r net.Conn, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Init sends INIT and blocks until exactly one response arrives.
// SUCCESS marks the connection initialized; FAILURE is classified as
// AuthenticationError when the reported code names an auth problem,
// otherwise ClientError.
func (c *Connection) Init(ctx context.Context, clientName string, authToken map[string]any) error {
	h := &singleResultHandler{}
	if err := c.enqueue(initMessage{ClientName: clientName, AuthToken: authToken}, h); err != nil {
		return err
	}
	if err := c.Sync(ctx); err != nil {
		return err
	}
	if h.failureCode != "" {
		if isAuthFailureCode(h.failureCode) {
			return driverrors.Authenticationf("%s: %s", h.failureCode, h.failureMessage)
		}
		return driverrors.Clientf("%s: %s", h.failureCode, h.failureMessage)
	}
	c.initialized = true
	return nil
}

func isAuthFailureCode(code string) bool {
	return code == "Neo.ClientError.Security.Unauthorized" || code == "Neo.ClientError.Security.AuthenticationRateLimit"
}

// Run enqueues a RUN message paired with handler.
func (c *Connection) Run(ctx context.Context, statement string, params map[string]any, handler ResponseHandler) error {
	return c.enqueue(runMessage{Statement: statement, Parameters: params}, handler)
}

// PullAll enqueues a PULL_ALL message paired with handler.
func (c *Connection) PullAll(ctx context.Context, handler ResponseHandler) error {
	return c.enqueue(pullAllMessage{}, handler)
}

// DiscardAll enqueues a DISCARD_ALL message paired with handler.
func (c *Connection) DiscardAll(ctx context.Context, handler ResponseHandler) error {
	return c.enqueue(discardAllMessage{}, handler)
}

func (c *Connection) enqueue(msg clientMessage, handler ResponseHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return driverrors.ServiceUnavailablef("connection %s is closed", c.ID)
	}
	if err := c.format.Write(msg); err != nil {
		c.alive = false
		return driverrors.WrapSessionExpired(err, "writing %T", msg)
	}
	c.pending = append(c.pending, handler)
	return nil
}

// Sync flushes outbound buffers and reads responses until the pending
// queue is empty. A FAILURE marks the connection as needing
// ACK_FAILURE before its next request cycle; subsequent responses for
// already-queued requests naturally arrive as IGNORED and are popped
// without waiting for that ACK.
func (c *Connection) Sync(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncLocked(ctx)
}

func (c *Connection) syncLocked(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.format.out.Flush(); err != nil {
		c.alive = false
		return driverrors.WrapSessionExpired(err, "flushing connection %s", c.ID)
	}

	for len(c.pending) > 0 {
		head := c.pending[0]
		terminal, err := c.dispatchOne(head)
		if err != nil {
			c.alive = false
			return driverrors.WrapSessionExpired(err, "reading response on connection %s", c.ID)
		}
		if terminal {
			c.pending = c.pending[1:]
		}
	}
	return nil
}

// dispatchOne reads exactly one server message and forwards it to
// head, reporting whether that message was terminal (ends head's
// turn in the FIFO) or not (RECORD, mid-stream).
func (c *Connection) dispatchOne(head ResponseHandler) (terminal bool, err error) {
	w := &terminalTrackingHandler{inner: head}
	if err := c.format.Read(w); err != nil {
		return false, err
	}
	if w.failed {
		c.needsAckFailure = true
	}
	return w.terminal, nil
}

// terminalTrackingHandler wraps a caller's ResponseHandler so Sync can
// tell RECORD (non-terminal) apart from SUCCESS/IGNORED/FAILURE
// (terminal) without every caller implementing that bookkeeping.
type terminalTrackingHandler struct {
	inner    ResponseHandler
	terminal bool
	failed   bool
}

func (h *terminalTrackingHandler) OnSuccess(meta map[string]any) error {
	h.terminal = true
	return h.inner.OnSuccess(meta)
}

func (h *terminalTrackingHandler) OnRecord(fields []any) error {
	return h.inner.OnRecord(fields)
}

func (h *terminalTrackingHandler) OnIgnored() error {
	h.terminal = true
	return h.inner.OnIgnored()
}

func (h *terminalTrackingHandler) OnFailure(code, message string) error {
	h.terminal = true
	h.failed = true
	return h.inner.OnFailure(code, message)
}

// singleResultHandler captures a terminal SUCCESS/FAILURE for
// synchronous calls like Init that need the outcome inline rather
// than via a caller-supplied handler.
type singleResultHandler struct {
	metadata       map[string]any
	failureCode    string
	failureMessage string
}

func (h *singleResultHandler) OnSuccess(metadata map[string]any) error {
	h.metadata = metadata
	return nil
}
func (h *singleResultHandler) OnRecord(fields []any) error { return nil }
func (h *singleResultHandler) OnIgnored() error            { return nil }
func (h *singleResultHandler) OnFailure(code, message string) error {
	h.failureCode = code
	h.failureMessage = message
	return nil
}

// AckFailure sends ACK_FAILURE and waits for its SUCCESS, clearing the
// connection's failure-pending state. Required after any FAILURE
// before the next RUN/PULL_ALL/DISCARD_ALL cycle.
func (c *Connection) AckFailure(ctx context.Context) error {
	h := &singleResultHandler{}
	if err := c.enqueue(ackFailureMessage{}, h); err != nil {
		return err
	}
	if err := c.Sync(ctx); err != nil {
		return err
	}
	if h.failureCode != "" {
		return driverrors.Clientf("ACK_FAILURE itself failed: %s: %s", h.failureCode, h.failureMessage)
	}
	c.mu.Lock()
	c.needsAckFailure = false
	c.mu.Unlock()
	return nil
}

// Reset pipelines RESET, discarding whatever is outstanding on the
// connection once it succeeds.
func (c *Connection) Reset(ctx context.Context) error {
	h := &singleResultHandler{}
	if err := c.enqueue(resetMessage{}, h); err != nil {
		return err
	}
	if err := c.Sync(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.needsAckFailure = false
	c.pending = nil
	c.mu.Unlock()
	if h.failureCode != "" {
		return driverrors.Clientf("RESET failed: %s: %s", h.failureCode, h.failureMessage)
	}
	return nil
}

// NeedsAckFailure reports whether the connection is waiting on an
// ACK_FAILURE before it can start a new request cycle.
func (c *Connection) NeedsAckFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.needsAckFailure
}

// Healthy mirrors the per-address pool's health definition: not in an
// error state and initialized.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && c.initialized
}

// Close tears down the underlying socket. Safe to call more than
// once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return nil
	}
	c.alive = false
	return c.conn.Close()
}
