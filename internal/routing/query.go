package routing

import (
	"context"
	"time"

	"github.com/graphbolt/godriver/internal/address"
	"github.com/graphbolt/godriver/internal/bolt"
	"github.com/graphbolt/godriver/internal/driverrors"
)

// routingQueryHandler collects the single record the routing
// procedure returns: fields ttl (seconds) and servers (list of
// {role, addresses}).
type routingQueryHandler struct {
	record    []any
	gotRecord bool
	failCode  string
	failMsg   string
}

func (h *routingQueryHandler) OnSuccess(metadata map[string]any) error { return nil }

func (h *routingQueryHandler) OnRecord(fields []any) error {
	h.record = fields
	h.gotRecord = true
	return nil
}

func (h *routingQueryHandler) OnIgnored() error { return nil }

func (h *routingQueryHandler) OnFailure(code, message string) error {
	h.failCode = code
	h.failMsg = message
	return nil
}

// fetchRoutingTable issues CALL dbms.cluster.routing.getRoutingTable
// against conn and decodes the single returned record into a
// RoutingTable, clamping the server-supplied TTL to ttlFloor.
func fetchRoutingTable(ctx context.Context, conn *bolt.Connection, routingContext map[string]any, ttlFloor time.Duration, now time.Time) (*RoutingTable, error) {
	h := &routingQueryHandler{}
	stmt := "CALL dbms.cluster.routing.getRoutingTable({context})"
	params := map[string]any{"context": routingContext}
	if err := conn.Run(ctx, stmt, params, h); err != nil {
		return nil, err
	}
	if err := conn.PullAll(ctx, h); err != nil {
		return nil, err
	}
	if err := conn.Sync(ctx); err != nil {
		return nil, err
	}
	if h.failCode != "" {
		return nil, classifyRoutingFailure(h.failCode, h.failMsg)
	}
	if !h.gotRecord || len(h.record) != 2 {
		return nil, driverrors.Protocolf("routing table record: expected 2 fields, got %d", len(h.record))
	}

	ttlSeconds, ok := h.record[0].(int64)
	if !ok {
		return nil, driverrors.Protocolf("routing table record: ttl field is %T, not Integer", h.record[0])
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttl < ttlFloor {
		ttl = ttlFloor
	}

	servers, ok := h.record[1].([]any)
	if !ok {
		return nil, driverrors.Protocolf("routing table record: servers field is %T, not List", h.record[1])
	}

	var routers, readers, writers []address.Address
	for _, sv := range servers {
		entry, ok := sv.(map[string]any)
		if !ok {
			return nil, driverrors.Protocolf("routing table server entry is %T, not Map", sv)
		}
		role, _ := entry["role"].(string)
		addrsVal, ok := entry["addresses"].([]any)
		if !ok {
			return nil, driverrors.Protocolf("routing table server entry %q: addresses field is not a List", role)
		}
		var addrs []address.Address
		for _, av := range addrsVal {
			s, ok := av.(string)
			if !ok {
				return nil, driverrors.Protocolf("routing table address entry is %T, not String", av)
			}
			a, err := address.Parse(s)
			if err != nil {
				return nil, driverrors.WrapProtocol(err, "parsing routing table address %q", s)
			}
			addrs = append(addrs, a)
		}
		switch role {
		case "ROUTE":
			routers = append(routers, addrs...)
		case "READ":
			readers = append(readers, addrs...)
		case "WRITE":
			writers = append(writers, addrs...)
		}
	}

	return New(routers, readers, writers, ttl, now), nil
}

// classifyRoutingFailure maps a server FAILURE on the routing
// procedure call into the appropriate driverrors.Kind, per spec §4.8's
// propagate-vs-remove-router distinction.
func classifyRoutingFailure(code, message string) error {
	switch {
	case code == "Neo.ClientError.Procedure.ProcedureNotFound" || code == "Neo.ClientError.Statement.ParameterMissing":
		return driverrors.ServiceUnavailablef("%s: %s", code, message)
	case code == "Neo.ClientError.Security.Unauthorized":
		return driverrors.Authenticationf("%s: %s", code, message)
	default:
		return driverrors.WrapSessionExpired(nil, "%s: %s", code, message)
	}
}
