package logging

import (
	"log/slog"

	"github.com/graphbolt/godriver/internal/address"
)

// WithConnection returns a logger carrying the connection's id and
// remote address as structured attributes, the driver's analogue of
// the teacher's per-session logger: instead of fanning records out to
// a dedicated session file, it simply attaches the attributes every
// subsequent record on the returned logger will carry.
func WithConnection(l *slog.Logger, id string, addr address.Address) *slog.Logger {
	return l.With(slog.String("connection_id", id), slog.String("address", addr.String()))
}
