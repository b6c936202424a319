package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/fanout"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/wire"
)

// handleAccessRefresh answers a gateway's request for its full access
// data, bounded by the transmit-attempt ceiling.
func (s *Session) handleAccessRefresh(ctx context.Context) {
	if s.dataTransmitTries >= s.cfg.MaxDataTransmitTries {
		s.logger.Error("access data transmission failed too many times, disconnecting",
			logging.SDPID(s.member.SDPID), logging.Attempt(s.dataTransmitTries))
		s.state = StateClosed
		return
	}

	rows, err := s.store.AccessRowsForGateways(ctx,
		[]uint32{s.member.SDPID}, nil, s.cfg.LegacyAccessDetail)
	if err != nil {
		s.logger.Error("access data query failed", logging.SDPID(s.member.SDPID), zap.Error(err))
		s.notifyAndClose(wire.ActionDatabaseError)
		return
	}

	entries := fanout.AccessEntries(rows)
	if entries == nil {
		entries = []wire.AccessEntry{}
	}

	s.dataTransmitTries++
	s.state = StateAccessRefreshPending
	s.logger.Info("sending access_refresh",
		logging.SDPID(s.member.SDPID), logging.Attempt(s.dataTransmitTries),
		zap.Int("clients", len(entries)))

	msg, err := wire.NewMessage(wire.ActionAccessRefresh, entries)
	if err != nil {
		s.logger.Error("encode access_refresh", zap.Error(err))
		s.state = StateClosed
		return
	}
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.Error("access_refresh write failed", zap.Error(err))
		s.state = StateClosed
	}
}

func (s *Session) handleAccessAck() {
	s.logger.Info("access data acknowledged", logging.SDPID(s.member.SDPID))
	s.clearState()
}

// handleServiceRefresh answers a gateway's request for its service/port
// mappings, bounded by the transmit-attempt ceiling.
func (s *Session) handleServiceRefresh(ctx context.Context) {
	if s.dataTransmitTries >= s.cfg.MaxDataTransmitTries {
		s.logger.Error("service data transmission failed too many times, disconnecting",
			logging.SDPID(s.member.SDPID), logging.Attempt(s.dataTransmitTries))
		s.state = StateClosed
		return
	}

	rows, err := s.store.ServiceRowsForGateway(ctx, s.member.SDPID)
	if err != nil {
		s.logger.Error("service data query failed", logging.SDPID(s.member.SDPID), zap.Error(err))
		s.notifyAndClose(wire.ActionDatabaseError)
		return
	}

	s.dataTransmitTries++
	s.state = StateServiceRefreshPending
	s.logger.Info("sending service_refresh",
		logging.SDPID(s.member.SDPID), logging.Attempt(s.dataTransmitTries),
		zap.Int("services", len(rows)))

	msg, err := wire.NewMessage(wire.ActionServiceRefresh, fanout.ServiceEntries(rows))
	if err != nil {
		s.logger.Error("encode service_refresh", zap.Error(err))
		s.state = StateClosed
		return
	}
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.Error("service_refresh write failed", zap.Error(err))
		s.state = StateClosed
	}
}

func (s *Session) handleServiceAck() {
	s.logger.Info("service data acknowledged", logging.SDPID(s.member.SDPID))
	s.clearState()
}
