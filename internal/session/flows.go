package session

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/metrics"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/wire"
)

// handleConnectionUpdate ingests a gateway's flow-record batch. Records
// are validated individually; a malformed record is dropped without
// failing the rest of the batch. Open and closed records are persisted
// separately, a closed record reconciling any matching open row.
func (s *Session) handleConnectionUpdate(ctx context.Context, msg *wire.Message, raw []byte) {
	if s.role != registry.RoleGateway {
		s.logger.Error("connection_update from non-gateway", logging.SDPID(s.member.SDPID))
		s.handleBadMessage(raw)
		return
	}

	var records []wire.FlowRecord
	if err := json.Unmarshal(msg.Data, &records); err != nil {
		s.logger.Error("failed to parse flow records", zap.Error(err))
		s.handleBadMessage(raw)
		return
	}

	s.state = StateAwaitingFlowAck

	var open, closed, dropped int
	for i := range records {
		rec := &records[i]
		if reason := validateFlowRecord(rec); reason != "" {
			dropped++
			s.logger.Error("dropping malformed flow record",
				logging.GatewayID(s.member.SDPID), zap.String("reason", reason))
			continue
		}

		if rec.Open() {
			err := s.withDBRetry(ctx, func() error {
				return s.store.InsertOpenFlow(ctx, s.connID, s.member.SDPID, rec)
			})
			if err != nil {
				s.logger.Error("dropping open flow record, directory write failed",
					logging.GatewayID(s.member.SDPID), zap.Error(err))
				continue
			}
			open++
			metrics.FlowRecordsTotal.WithLabelValues("open").Inc()
		} else {
			err := s.withDBRetry(ctx, func() error {
				return s.store.InsertClosedFlow(ctx, s.connID, s.member.SDPID, rec)
			})
			if err != nil {
				s.logger.Error("dropping closed flow record, directory write failed",
					logging.GatewayID(s.member.SDPID), zap.Error(err))
				continue
			}
			closed++
			metrics.FlowRecordsTotal.WithLabelValues("closed").Inc()
		}
	}

	s.logger.Info("flow record batch processed",
		logging.GatewayID(s.member.SDPID),
		zap.Int("open", open), zap.Int("closed", closed), zap.Int("dropped", dropped))
	s.state = StateIdle
}

// validateFlowRecord checks the required field set and returns an empty
// string when the record is acceptable.
func validateFlowRecord(rec *wire.FlowRecord) string {
	switch {
	case rec.SDPID == 0:
		return "missing client sdp_id"
	case rec.ServiceID == 0:
		return "missing service_id"
	case rec.Protocol == "":
		return "missing protocol"
	case rec.SourceIP == "" || rec.DestinationIP == "":
		return "incomplete address tuple"
	case rec.SourcePort == 0 || rec.DestinationPort == 0:
		return "incomplete port tuple"
	case rec.StartTimestamp == 0:
		return "missing start timestamp"
	case rec.EndTimestamp != 0 && rec.EndTimestamp < rec.StartTimestamp:
		return "end timestamp precedes start"
	default:
		return ""
	}
}
