// Package session implements the per-connection protocol state machine:
// identification, credential rotation, access and service refresh, flow
// record ingestion, and malformed-input handling.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/credentials"
	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/metrics"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/wire"
)

// State names the protocol states of one connection.
type State int

const (
	StateAwaitingIdentity State = iota
	StateIdentified
	StateIdle
	StateRotationPending
	StateServiceRefreshPending
	StateAccessRefreshPending
	StateAwaitingFlowAck
	StateClosed
)

// Directory is the subset of store operations a session performs.
type Directory interface {
	MemberBySDPID(ctx context.Context, sdpID uint32) (*directory.Member, error)
	UpdateMemberKeys(ctx context.Context, sdpID uint32, encryptKey, hmacKey string, updated, due time.Time) error
	AccessRowsForGateways(ctx context.Context, gatewayIDs []uint32, clientSDPID *uint32, legacyDetail bool) ([]directory.AccessRow, error)
	ServiceRowsForGateway(ctx context.Context, gatewaySDPID uint32) ([]directory.ServiceRow, error)
	InsertOpenFlow(ctx context.Context, connID uint64, gatewaySDPID uint32, rec *wire.FlowRecord) error
	InsertClosedFlow(ctx context.Context, connID uint64, gatewaySDPID uint32, rec *wire.FlowRecord) error
	CloseFlowsForConn(ctx context.Context, connID uint64, endTimestamp int64) (int, error)
}

// Rotator produces new credentials for a member.
type Rotator interface {
	Rotate(ctx context.Context, subject credentials.Subject) (*credentials.Credentials, error)
}

// Fanout notifies gateways after a client's credential update.
type Fanout interface {
	AccessUpdateForClient(ctx context.Context, clientSDPID uint32) error
}

// Config holds the per-connection behavior knobs.
type Config struct {
	SocketTimeout           time.Duration
	KeepClientsConnected    bool
	LegacyAccessDetail      bool
	MaxDataTransmitTries    int
	MaxCredentialMakerTries int
	MaxBadMessages          int
	DatabaseRetryInterval   time.Duration
	DatabaseMaxRetries      int
	TestManyMessages        int
}

// Session owns one accepted connection from identification to close.
type Session struct {
	connID    uint64
	claimedCN string
	conn      net.Conn
	framer    *wire.Framer
	writer    *wire.MessageWriter

	cfg      Config
	store    Directory
	rotator  Rotator
	fanout   Fanout
	registry *registry.Registry
	logger   *zap.Logger

	state  State
	member *directory.Member
	role   registry.Role

	dataTransmitTries    int
	credentialMakerTries int
	badMessagesReceived  int
	pendingKeys          *credentials.Credentials
}

// New builds a Session for an accepted connection. claimedCN is the peer
// certificate's subject common name, asserted as the member's SDP id.
func New(connID uint64, conn net.Conn, claimedCN string, cfg Config,
	store Directory, rotator Rotator, fan Fanout, reg *registry.Registry, logger *zap.Logger) *Session {
	return &Session{
		connID:    connID,
		claimedCN: claimedCN,
		conn:      conn,
		framer:    wire.NewFramer(conn),
		writer:    wire.NewMessageWriter(conn),
		cfg:       cfg,
		store:     store,
		rotator:   rotator,
		fanout:    fan,
		registry:  reg,
		logger:    logger.With(logging.ConnID(connID)),
		state:     StateAwaitingIdentity,
	}
}

// handle is the registry-facing view of this connection.
type handle struct {
	writer *wire.MessageWriter
	conn   net.Conn
}

func (h *handle) WriteMessage(msg *wire.Message) error { return h.writer.WriteMessage(msg) }
func (h *handle) Close() error                         { return h.conn.Close() }

// Run drives the session until the connection closes. It blocks; callers
// run one goroutine per session. Cancelling ctx closes the transport,
// which unblocks any pending read.
func (s *Session) Run(ctx context.Context) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	defer s.teardown()

	if !s.identify(ctx) {
		return
	}

	for s.state != StateClosed {
		if s.cfg.SocketTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.SocketTimeout))
		}

		msg, raw, err := s.framer.ReadMessage()
		if err != nil {
			if raw != nil {
				// Complete frame, undecodable payload.
				s.logger.Error("failed to parse received message", zap.Error(err))
				if !s.handleBadMessage(raw) {
					return
				}
				continue
			}
			s.logReadError(err)
			return
		}

		s.dispatch(ctx, msg, raw)
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		s.logger.Info("connection closed by peer", logging.SDPID(s.sdpID()))
	case errors.Is(err, os.ErrDeadlineExceeded):
		s.logger.Error("connection timed out, disconnecting", logging.SDPID(s.sdpID()))
	case errors.Is(err, wire.ErrFrameTooLarge):
		s.logger.Error("oversized frame, disconnecting", logging.SDPID(s.sdpID()), zap.Error(err))
	default:
		s.logger.Error("connection error", logging.SDPID(s.sdpID()), zap.Error(err))
	}
}

func (s *Session) sdpID() uint32 {
	if s.member == nil {
		return 0
	}
	return s.member.SDPID
}

// identify resolves the claimed SDP id against the directory and, on
// success, registers the connection and evaluates rotation due.
func (s *Session) identify(ctx context.Context) bool {
	id64, err := strconv.ParseUint(s.claimedCN, 10, 32)
	if err != nil {
		s.logger.Error("peer certificate CN is not an SDP id", zap.String("cn", s.claimedCN))
		s.notifyAndClose(wire.ActionUnknownSDPID)
		return false
	}
	sdpID := uint32(id64)
	logger := s.logger.With(logging.SDPID(sdpID))
	logger.Info("connection identified itself", logging.RemoteAddr(s.conn.RemoteAddr().String()))

	member, err := s.store.MemberBySDPID(ctx, sdpID)
	switch {
	case errors.Is(err, directory.ErrMemberNotFound):
		logger.Error("SDP id not found, notifying and disconnecting")
		s.notifyAndClose(wire.ActionUnknownSDPID)
		return false
	case errors.Is(err, directory.ErrDuplicateMember):
		logger.Error("directory invariant violated: multiple rows for SDP id")
		s.notifyAndClose(wire.ActionDatabaseError)
		return false
	case err != nil:
		logger.Error("directory lookup failed", zap.Error(err))
		s.notifyAndClose(wire.ActionDatabaseError)
		return false
	}

	if !member.Valid {
		logger.Error("SDP id not authorized, notifying and disconnecting")
		s.notifyAndClose(wire.ActionSDPIDUnauthorized)
		return false
	}

	s.member = member
	s.role = registry.RoleClient
	if member.Role == directory.RoleGateway {
		s.role = registry.RoleGateway
	}
	s.logger = logger.With(logging.Role(string(s.role)))

	evicted := s.registry.Register(s.role, member.SDPID, s.connID, &handle{writer: s.writer, conn: s.conn})
	if evicted != nil {
		s.logger.Info("evicting stale connection for same SDP id")
		_ = evicted.WriteMessage(&wire.Message{Action: wire.ActionDuplicateConnection})
		_ = evicted.Close()
	}
	metrics.ActiveConnections.WithLabelValues(string(s.role)).Inc()
	s.state = StateIdentified

	if time.Now().After(member.CredUpdateDue) {
		s.logger.Info("credential rotation due on connect")
		s.startRotation(ctx)
		return s.state != StateClosed
	}

	if err := s.writer.WriteAction(wire.ActionCredentialsGood); err != nil {
		s.logger.Error("failed to send credentials_good", zap.Error(err))
		s.state = StateClosed
		return false
	}
	s.state = StateIdle
	return true
}

// dispatch routes one inbound message by its action tag.
func (s *Session) dispatch(ctx context.Context, msg *wire.Message, raw []byte) {
	s.logger.Debug("message received", logging.Action(msg.Action))

	switch msg.Action {
	case wire.ActionKeepAlive:
		s.handleKeepAlive()
	case wire.ActionCredentialUpdateRequest:
		s.startRotation(ctx)
	case wire.ActionCredentialUpdateAck:
		s.handleCredentialUpdateAck(ctx)
	case wire.ActionAccessRefreshRequest:
		s.handleAccessRefresh(ctx)
	case wire.ActionAccessAck:
		s.handleAccessAck()
	case wire.ActionServiceRefreshRequest:
		s.handleServiceRefresh(ctx)
	case wire.ActionServiceAck:
		s.handleServiceAck()
	case wire.ActionConnectionUpdate:
		s.handleConnectionUpdate(ctx, msg, raw)
	default:
		s.logger.Error("unrecognized action", logging.Action(msg.Action))
		s.handleBadMessage(raw)
	}
}

// handleKeepAlive echoes the keep-alive. The test knob sends extra copies
// first so peers can prove their message-boundary handling.
func (s *Session) handleKeepAlive() {
	msg := &wire.Message{Action: wire.ActionKeepAlive}
	if s.cfg.TestManyMessages > 0 {
		s.logger.Info("sending extra keep_alive replies for boundary testing",
			zap.Int("count", s.cfg.TestManyMessages))
		for i := 0; i < s.cfg.TestManyMessages; i++ {
			if err := s.writer.WriteMessage(msg); err != nil {
				s.logger.Error("keep_alive write failed", zap.Error(err))
				s.state = StateClosed
				return
			}
		}
	}
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.Error("keep_alive write failed", zap.Error(err))
		s.state = StateClosed
	}
}

// handleBadMessage counts a malformed or unrecognized message and echoes
// it back, unless the ceiling is reached, in which case the connection is
// closed without a reply. Returns false when the session is now closed.
func (s *Session) handleBadMessage(raw []byte) bool {
	s.badMessagesReceived++
	metrics.BadMessagesTotal.Inc()

	if s.badMessagesReceived >= s.cfg.MaxBadMessages {
		s.logger.Error("bad message ceiling reached, disconnecting",
			logging.SDPID(s.sdpID()), zap.Int("received", s.badMessagesReceived))
		s.state = StateClosed
		return false
	}

	msg, err := wire.NewMessage(wire.ActionBadMessage, string(raw))
	if err != nil {
		s.logger.Error("encode bad_message reply", zap.Error(err))
		return true
	}
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.Error("bad_message write failed", zap.Error(err))
		s.state = StateClosed
		return false
	}
	return true
}

// clearState resets the per-exchange counters after a completed cycle.
func (s *Session) clearState() {
	s.dataTransmitTries = 0
	s.credentialMakerTries = 0
	s.badMessagesReceived = 0
	s.state = StateIdle
}

// notifyAndClose best-effort sends a terminal notice, then closes.
func (s *Session) notifyAndClose(action string) {
	_ = s.writer.WriteAction(action)
	s.state = StateClosed
}

// teardown runs exactly once as Run returns: gateway flow reconciliation,
// registry removal, transport close. It uses its own context so final
// reconciliation still runs when the server context is already cancelled.
func (s *Session) teardown() {
	s.state = StateClosed
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.member != nil {
		if s.role == registry.RoleGateway {
			// The gateway can no longer report true end times, so every
			// open flow it owns is closed at the current time.
			n, err := s.store.CloseFlowsForConn(ctx, s.connID, time.Now().Unix())
			if err != nil {
				s.logger.Error("failed to close open flows on gateway disconnect",
					logging.GatewayID(s.member.SDPID), zap.Error(err))
			} else if n > 0 {
				s.logger.Info("closed open flows on gateway disconnect",
					logging.GatewayID(s.member.SDPID), zap.Int("flows", n))
			}
		}
		s.registry.Remove(s.role, s.connID)
		metrics.ActiveConnections.WithLabelValues(string(s.role)).Dec()
		s.logger.Info("connection closed", logging.SDPID(s.member.SDPID))
	}

	s.conn.Close()
}

// withDBRetry runs op, retrying at the configured fixed interval up to
// the configured ceiling. After the ceiling the error is returned and the
// caller drops the data unit.
func (s *Session) withDBRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= s.cfg.DatabaseMaxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		s.logger.Error("directory operation failed", logging.Attempt(attempt), zap.Error(err))
		if attempt == s.cfg.DatabaseMaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.DatabaseRetryInterval):
		}
	}
	return err
}
