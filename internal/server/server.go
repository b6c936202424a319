// Package server accepts mutually-authenticated member connections and
// runs one session per connection.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/config"
	"github.com/openperimeter/sdpc/internal/fanout"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/metrics"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/session"
)

// maxConnID is the ceiling for connection identifiers; the counter wraps
// back to 1 so ids stay within the integer range every peer
// implementation can represent exactly.
const maxConnID = 1<<53 - 1

const handshakeTimeout = 30 * time.Second

// Server is the member-facing mTLS listener.
type Server struct {
	cfg      *config.Config
	store    session.Directory
	rotator  session.Rotator
	fan      *fanout.Sender
	registry *registry.Registry
	logger   *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup
	connID   atomic.Uint64
	active   atomic.Int64
}

// New returns a Server wiring sessions to the given collaborators.
func New(cfg *config.Config, store session.Directory, rotator session.Rotator,
	fan *fanout.Sender, reg *registry.Registry, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		rotator:  rotator,
		fan:      fan,
		registry: reg,
		logger:   logger,
	}
}

// tlsConfig builds the listener configuration: the server's keypair, and
// mandatory verification of peer certificates against the member CA.
func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.ServerCert, s.cfg.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(s.cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("CA certificate: no certificates found")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ListenAndServe accepts connections until ctx is cancelled or the
// listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return err
	}

	listener, err := tls.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ServerPort), tlsCfg)
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.cfg.ServerPort, err)
	}
	s.listener = listener
	s.logger.Info("controller listening", logging.Port(s.cfg.ServerPort))

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		if s.active.Load() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection cap reached, rejecting",
				logging.RemoteAddr(conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.active.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn completes the handshake, extracts the peer's claimed SDP id
// from its certificate subject, and runs the session.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err := tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		s.logger.Warn("tls handshake failed",
			logging.RemoteAddr(conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	peerCerts := tlsConn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		s.logger.Warn("no peer certificate after handshake",
			logging.RemoteAddr(conn.RemoteAddr().String()))
		conn.Close()
		return
	}
	claimedCN := peerCerts[0].Subject.CommonName

	connID := s.nextConnID()
	sess := session.New(connID, tlsConn, claimedCN, session.Config{
		SocketTimeout:           s.cfg.SocketTimeout,
		KeepClientsConnected:    s.cfg.KeepClientsConnected,
		LegacyAccessDetail:      s.cfg.LegacyAccessDetail,
		MaxDataTransmitTries:    s.cfg.MaxDataTransmitTries,
		MaxCredentialMakerTries: s.cfg.MaxCredentialMakerTries,
		MaxBadMessages:          s.cfg.MaxBadMessages,
		DatabaseRetryInterval:   s.cfg.DatabaseRetryInterval,
		DatabaseMaxRetries:      s.cfg.DatabaseMaxRetries,
		TestManyMessages:        s.cfg.TestManyMessages,
	}, s.store, s.rotator, s.fan, s.registry, s.logger)

	sess.Run(ctx)
}

// nextConnID increments the shared counter, wrapping back to 1 at the
// ceiling.
func (s *Server) nextConnID() uint64 {
	for {
		cur := s.connID.Load()
		next := cur + 1
		if next > maxConnID {
			next = 1
		}
		if s.connID.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// Wait blocks until all session goroutines have finished.
func (s *Server) Wait() { s.wg.Wait() }
