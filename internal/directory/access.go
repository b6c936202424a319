package directory

import (
	"context"
	"fmt"
	"strings"
)

// AccessRow is one row of the gateway/client/service association query.
// Rows are ordered by gateway SDP id then client SDP id, which the fan-out
// grouping pass depends on.
type AccessRow struct {
	GatewaySDPID uint32
	ClientSDPID  uint32
	ServiceID    uint32
	ProtocolPort string // legacy detail, "tcp/22" form; empty in modern shape
	NATIP        string // legacy detail
	NATPort      uint16 // legacy detail
	EncryptKey   string
	HMACKey      string
}

// ServiceRow is one service/port mapping for a gateway.
type ServiceRow struct {
	ServiceID uint32
	Proto     string
	Port      uint16
	NATIP     string
	NATPort   uint16
}

// The access association query has two shapes selected by the legacy
// flag: the modern shape carries service ids only, the legacy shape adds
// per-service protocol/port and NAT detail for gateways that predate
// service-id based configuration. Both include direct member-to-service
// grants and group-derived grants.
const accessSelectModern = `
SELECT g.sdp_id AS gateway_sdp_id, m.sdp_id AS client_sdp_id,
	sg.service_id, '' AS protocol_port, '' AS nat_ip, 0 AS nat_port,
	m.encrypt_key, m.hmac_key`

const accessSelectLegacy = `
SELECT g.sdp_id AS gateway_sdp_id, m.sdp_id AS client_sdp_id,
	sg.service_id, sg.protocol || '/' || sg.port AS protocol_port,
	s.nat_ip, s.nat_port,
	m.encrypt_key, m.hmac_key`

const accessFromDirect = `
FROM gateways g
	JOIN service_gateways sg ON sg.gateway_id = g.id
	JOIN services s ON s.id = sg.service_id
	JOIN member_services ms ON ms.service_id = sg.service_id
	JOIN members m ON m.sdp_id = ms.member_sdp_id`

const accessFromGroups = `
FROM gateways g
	JOIN service_gateways sg ON sg.gateway_id = g.id
	JOIN services s ON s.id = sg.service_id
	JOIN group_services gs ON gs.service_id = sg.service_id
	JOIN groups grp ON grp.id = gs.group_id AND grp.valid = 1
	JOIN group_members gm ON gm.group_id = gs.group_id
	JOIN members m ON m.sdp_id = gm.member_sdp_id`

// AccessRowsForGateways lists client access grants for the given set of
// connected gateways, direct and group-derived, ordered by gateway then
// client. A non-nil clientSDPID restricts the result to one client's rows
// (used after that client's credential rotation).
func (s *Store) AccessRowsForGateways(ctx context.Context, gatewayIDs []uint32, clientSDPID *uint32, legacyDetail bool) ([]AccessRow, error) {
	if len(gatewayIDs) == 0 {
		return nil, nil
	}

	sel := accessSelectModern
	if legacyDetail {
		sel = accessSelectLegacy
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(gatewayIDs)), ",")
	where := fmt.Sprintf(" WHERE g.sdp_id IN (%s) AND m.valid = 1 AND m.role = 'client'", placeholders)

	args := make([]any, 0, 2*len(gatewayIDs)+2)
	for _, id := range gatewayIDs {
		args = append(args, id)
	}
	if clientSDPID != nil {
		where += " AND m.sdp_id = ?"
		args = append(args, *clientSDPID)
	}

	// Same WHERE clause and arguments on both halves of the union.
	query := sel + accessFromDirect + where +
		" UNION " + sel + accessFromGroups + where +
		" ORDER BY gateway_sdp_id, client_sdp_id, service_id"
	args = append(args, args...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query access rows: %w", err)
	}
	defer rows.Close()

	var out []AccessRow
	for rows.Next() {
		var r AccessRow
		if err := rows.Scan(&r.GatewaySDPID, &r.ClientSDPID, &r.ServiceID,
			&r.ProtocolPort, &r.NATIP, &r.NATPort,
			&r.EncryptKey, &r.HMACKey); err != nil {
			return nil, fmt.Errorf("scan access row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access rows: %w", err)
	}
	return out, nil
}

// ServiceRowsForGateway lists the service/port mappings one gateway
// enforces, ordered by service id.
func (s *Store) ServiceRowsForGateway(ctx context.Context, gatewaySDPID uint32) ([]ServiceRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sg.service_id, sg.protocol, sg.port, s.nat_ip, s.nat_port
		FROM gateways g
			JOIN service_gateways sg ON sg.gateway_id = g.id
			JOIN services s ON s.id = sg.service_id
		WHERE g.sdp_id = ?
		ORDER BY sg.service_id`, gatewaySDPID)
	if err != nil {
		return nil, fmt.Errorf("query service rows for gateway %d: %w", gatewaySDPID, err)
	}
	defer rows.Close()

	var out []ServiceRow
	for rows.Next() {
		var r ServiceRow
		if err := rows.Scan(&r.ServiceID, &r.Proto, &r.Port, &r.NATIP, &r.NATPort); err != nil {
			return nil, fmt.Errorf("scan service row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate service rows: %w", err)
	}
	return out, nil
}
