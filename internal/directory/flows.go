package directory

import (
	"context"
	"fmt"

	"github.com/openperimeter/sdpc/internal/wire"
)

// FlowKey identifies one open flow record. A closing report from a gateway
// matches the open row on exactly these fields.
type FlowKey struct {
	ConnID         uint64
	ClientSDPID    uint32
	StartTimestamp int64
	SourcePort     uint16
}

// InsertOpenFlow records a still-open flow reported by a gateway. Reports
// are idempotent: a row for the same key is left untouched.
func (s *Store) InsertOpenFlow(ctx context.Context, connID uint64, gatewaySDPID uint32, rec *wire.FlowRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO open_flows
			(conn_id, gateway_sdp_id, client_sdp_id, service_id, protocol,
			 src_ip, src_port, dst_ip, dst_port, nat_dst_ip, nat_dst_port,
			 start_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		connID, gatewaySDPID, rec.SDPID, rec.ServiceID, rec.Protocol,
		rec.SourceIP, rec.SourcePort, rec.DestinationIP, rec.DestinationPort,
		rec.NATDestinationIP, rec.NATDestinationPort, rec.StartTimestamp)
	if err != nil {
		return fmt.Errorf("insert open flow: %w", err)
	}
	return nil
}

// InsertClosedFlow records a completed flow and deletes the matching open
// row if one is still present. Closing a key whose open row is already
// gone only appends the closed record.
func (s *Store) InsertClosedFlow(ctx context.Context, connID uint64, gatewaySDPID uint32, rec *wire.FlowRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close flow: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO closed_flows
			(conn_id, gateway_sdp_id, client_sdp_id, service_id, protocol,
			 src_ip, src_port, dst_ip, dst_port, nat_dst_ip, nat_dst_port,
			 start_timestamp, end_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		connID, gatewaySDPID, rec.SDPID, rec.ServiceID, rec.Protocol,
		rec.SourceIP, rec.SourcePort, rec.DestinationIP, rec.DestinationPort,
		rec.NATDestinationIP, rec.NATDestinationPort, rec.StartTimestamp,
		rec.EndTimestamp)
	if err != nil {
		return fmt.Errorf("insert closed flow: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM open_flows
		WHERE conn_id = ? AND client_sdp_id = ? AND start_timestamp = ? AND src_port = ?`,
		connID, rec.SDPID, rec.StartTimestamp, rec.SourcePort)
	if err != nil {
		return fmt.Errorf("reconcile open flow: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit close flow: %w", err)
	}
	return nil
}

// CloseFlowsForConn converts every open flow owned by one transport
// connection into a closed record with the given end timestamp. Used when
// a gateway disconnects and can no longer report true end times. Returns
// the number of flows closed.
func (s *Store) CloseFlowsForConn(ctx context.Context, connID uint64, endTimestamp int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin close flows: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO closed_flows
			(conn_id, gateway_sdp_id, client_sdp_id, service_id, protocol,
			 src_ip, src_port, dst_ip, dst_port, nat_dst_ip, nat_dst_port,
			 start_timestamp, end_timestamp)
		SELECT conn_id, gateway_sdp_id, client_sdp_id, service_id, protocol,
			 src_ip, src_port, dst_ip, dst_port, nat_dst_ip, nat_dst_port,
			 start_timestamp, ?
		FROM open_flows WHERE conn_id = ?`,
		endTimestamp, connID)
	if err != nil {
		return 0, fmt.Errorf("close flows for conn %d: %w", connID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("close flows for conn %d: %w", connID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM open_flows WHERE conn_id = ?", connID); err != nil {
		return 0, fmt.Errorf("delete open flows for conn %d: %w", connID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit close flows: %w", err)
	}
	return int(n), nil
}

// OpenFlowCount returns the number of open flow rows for one connection.
func (s *Store) OpenFlowCount(ctx context.Context, connID uint64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM open_flows WHERE conn_id = ?", connID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open flows: %w", err)
	}
	return n, nil
}
