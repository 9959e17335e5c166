package packstream

import "github.com/graphbolt/godriver/internal/driverrors"

func protocolErrorf(format string, args ...any) error {
	return driverrors.Protocolf(format, args...)
}
