// Package fanout distributes access and service data to connected
// gateways, grouping ordered directory rows into one message per gateway.
package fanout

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/metrics"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/wire"
)

// Source value for access entries; client source filtering is not
// configured per entry.
const sourceAny = "ANY"

// Directory is the subset of store queries the fan-out path reads.
type Directory interface {
	AccessRowsForGateways(ctx context.Context, gatewayIDs []uint32, clientSDPID *uint32, legacyDetail bool) ([]directory.AccessRow, error)
	ServiceRowsForGateway(ctx context.Context, gatewaySDPID uint32) ([]directory.ServiceRow, error)
}

// Sender fans access and service data out to registered gateways.
type Sender struct {
	registry     *registry.Registry
	store        Directory
	legacyDetail bool
	logger       *zap.Logger
}

// NewSender returns a Sender resolving gateway handles through reg and
// reading associations from store.
func NewSender(reg *registry.Registry, store Directory, legacyDetail bool, logger *zap.Logger) *Sender {
	return &Sender{registry: reg, store: store, legacyDetail: legacyDetail, logger: logger}
}

// AccessRefreshAll sends a full access_refresh to every connected gateway
// with at least one matching association row.
func (s *Sender) AccessRefreshAll(ctx context.Context) error {
	ids := s.registry.ListSDPIDs(registry.RoleGateway)
	rows, err := s.store.AccessRowsForGateways(ctx, ids, nil, s.legacyDetail)
	if err != nil {
		return fmt.Errorf("access refresh fan-out: %w", err)
	}
	s.distribute(wire.ActionAccessRefresh, rows)
	return nil
}

// AccessUpdateForClient sends an access_update carrying one client's
// current grant to every gateway serving that client. Called after the
// client's credential rotation has been persisted.
func (s *Sender) AccessUpdateForClient(ctx context.Context, clientSDPID uint32) error {
	ids := s.registry.ListSDPIDs(registry.RoleGateway)
	rows, err := s.store.AccessRowsForGateways(ctx, ids, &clientSDPID, s.legacyDetail)
	if err != nil {
		return fmt.Errorf("access update fan-out for client %d: %w", clientSDPID, err)
	}
	if len(rows) == 0 {
		s.logger.Info("no gateways to notify of credential update", logging.SDPID(clientSDPID))
		return nil
	}
	s.distribute(wire.ActionAccessUpdate, rows)
	return nil
}

// ServiceRefreshAll sends each connected gateway its current service/port
// mappings.
func (s *Sender) ServiceRefreshAll(ctx context.Context) error {
	for _, gatewayID := range s.registry.ListSDPIDs(registry.RoleGateway) {
		rows, err := s.store.ServiceRowsForGateway(ctx, gatewayID)
		if err != nil {
			return fmt.Errorf("service refresh fan-out: %w", err)
		}
		conn, ok := s.registry.Find(registry.RoleGateway, gatewayID)
		if !ok {
			// Disconnected between the id listing and now.
			continue
		}
		msg, err := wire.NewMessage(wire.ActionServiceRefresh, ServiceEntries(rows))
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(msg); err != nil {
			s.logger.Warn("service refresh write failed", logging.GatewayID(gatewayID), zap.Error(err))
			continue
		}
		metrics.FanoutMessagesTotal.WithLabelValues(wire.ActionServiceRefresh).Inc()
		s.logger.Info("sent service_refresh", logging.GatewayID(gatewayID), zap.Int("services", len(rows)))
	}
	return nil
}

// distribute walks the ordered rows once, accumulating entries per
// gateway and writing each gateway's message as soon as its rows end.
// Rows for gateways without a live connection are skipped in place. The
// pass relies on the store ordering rows by gateway id then client id.
func (s *Sender) distribute(action string, rows []directory.AccessRow) {
	i := 0
	for i < len(rows) {
		gatewayID := rows[i].GatewaySDPID

		conn, ok := s.registry.Find(registry.RoleGateway, gatewayID)
		if !ok {
			for i < len(rows) && rows[i].GatewaySDPID == gatewayID {
				i++
			}
			s.logger.Debug("gateway not connected, skipping rows", logging.GatewayID(gatewayID))
			continue
		}

		var entries []wire.AccessEntry
		for i < len(rows) && rows[i].GatewaySDPID == gatewayID {
			row := rows[i]
			if n := len(entries); n > 0 && entries[n-1].SDPID == row.ClientSDPID {
				appendRow(&entries[n-1], row)
			} else {
				entries = append(entries, newEntry(row))
			}
			i++
		}

		msg, err := wire.NewMessage(action, entries)
		if err != nil {
			s.logger.Error("encode fan-out message", logging.Action(action), zap.Error(err))
			continue
		}
		if err := conn.WriteMessage(msg); err != nil {
			s.logger.Warn("fan-out write failed", logging.GatewayID(gatewayID), logging.Action(action), zap.Error(err))
			continue
		}
		metrics.FanoutMessagesTotal.WithLabelValues(action).Inc()
		s.logger.Info("sent fan-out message",
			logging.GatewayID(gatewayID), logging.Action(action), zap.Int("clients", len(entries)))
	}
}

func newEntry(row directory.AccessRow) wire.AccessEntry {
	return wire.AccessEntry{
		SDPID:                  row.ClientSDPID,
		Source:                 sourceAny,
		ServiceList:            strconv.FormatUint(uint64(row.ServiceID), 10),
		OpenPorts:              row.ProtocolPort,
		SPAEncryptionKeyBase64: row.EncryptKey,
		SPAHMACKeyBase64:       row.HMACKey,
	}
}

// appendRow folds an additional service row into the client's entry,
// concatenating the service and port fields.
func appendRow(entry *wire.AccessEntry, row directory.AccessRow) {
	entry.ServiceList += ", " + strconv.FormatUint(uint64(row.ServiceID), 10)
	if row.ProtocolPort != "" {
		if entry.OpenPorts != "" {
			entry.OpenPorts += ", " + row.ProtocolPort
		} else {
			entry.OpenPorts = row.ProtocolPort
		}
	}
}

// ServiceEntries converts store rows to the wire payload form.
func ServiceEntries(rows []directory.ServiceRow) []wire.ServiceEntry {
	entries := make([]wire.ServiceEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, wire.ServiceEntry{
			ServiceID: r.ServiceID,
			Proto:     r.Proto,
			Port:      r.Port,
			NATIP:     r.NATIP,
			NATPort:   r.NATPort,
		})
	}
	return entries
}

// AccessEntries groups rows for a single gateway into payload entries
// without resolving connections. Used by a session answering its own
// access_refresh_request.
func AccessEntries(rows []directory.AccessRow) []wire.AccessEntry {
	var entries []wire.AccessEntry
	for _, row := range rows {
		if n := len(entries); n > 0 && entries[n-1].SDPID == row.ClientSDPID {
			appendRow(&entries[n-1], row)
		} else {
			entries = append(entries, newEntry(row))
		}
	}
	return entries
}
