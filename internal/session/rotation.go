package session

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/openperimeter/sdpc/internal/credentials"
	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/metrics"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/wire"
)

func subjectFor(m *directory.Member) credentials.Subject {
	return credentials.Subject{
		CommonName: strconv.FormatUint(uint64(m.SDPID), 10),
		Country:    m.Subject.Country,
		State:      m.Subject.State,
		Locality:   m.Subject.Locality,
		Org:        m.Subject.Org,
		OrgUnit:    m.Subject.OrgUnit,
		Email:      m.Subject.Email,
		Serial:     m.Subject.Serial,
	}
}

// startRotation generates new credentials and transmits them. Generation
// failures below the ceiling are reported to the peer and leave the
// session awaiting a re-request; transmit failures and ceilings close the
// connection.
func (s *Session) startRotation(ctx context.Context) {
	if s.dataTransmitTries >= s.cfg.MaxDataTransmitTries {
		s.logger.Error("credential transmission failed too many times, disconnecting",
			logging.SDPID(s.member.SDPID), logging.Attempt(s.dataTransmitTries))
		s.state = StateClosed
		return
	}
	s.state = StateRotationPending

	creds, err := s.rotator.Rotate(ctx, subjectFor(s.member))
	if err != nil {
		s.credentialMakerTries++
		metrics.RotationsTotal.WithLabelValues("generate_error").Inc()

		if s.credentialMakerTries >= s.cfg.MaxCredentialMakerTries {
			s.logger.Error("credential generation failed too many times, disconnecting",
				logging.SDPID(s.member.SDPID),
				zap.Int("failures", s.credentialMakerTries), zap.Error(err))
			msg, _ := wire.NewMessage(wire.ActionCredentialUpdateError,
				"Failed to generate credentials "+strconv.Itoa(s.credentialMakerTries)+" times. Disconnecting.")
			_ = s.writer.WriteMessage(msg)
			s.state = StateClosed
			return
		}

		s.logger.Error("credential generation failed, notifying peer",
			logging.SDPID(s.member.SDPID),
			logging.Attempt(s.credentialMakerTries), zap.Error(err))
		msg, _ := wire.NewMessage(wire.ActionCredentialUpdateError, "Could not generate new credentials")
		if werr := s.writer.WriteMessage(msg); werr != nil {
			s.logger.Error("credential_update_error write failed", zap.Error(werr))
			s.state = StateClosed
		}
		return
	}

	s.pendingKeys = creds
	s.dataTransmitTries++
	s.logger.Info("sending credential_update",
		logging.SDPID(s.member.SDPID), logging.Attempt(s.dataTransmitTries))

	msg, err := wire.NewMessage(wire.ActionCredentialUpdate, wire.CredentialData{
		SPAEncryptionKeyBase64: creds.EncryptionKeyBase64,
		SPAHMACKeyBase64:       creds.HMACKeyBase64,
		TLSKey:                 creds.TLSKey,
		TLSCert:                creds.TLSCert,
	})
	if err != nil {
		s.logger.Error("encode credential_update", zap.Error(err))
		s.state = StateClosed
		return
	}
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.Error("credential_update write failed", zap.Error(err))
		s.state = StateClosed
	}
}

// handleCredentialUpdateAck persists the pending keys, then for clients
// fans the update out to their gateways.
func (s *Session) handleCredentialUpdateAck(ctx context.Context) {
	if s.pendingKeys == nil {
		s.logger.Warn("credential_update_ack without pending keys", logging.SDPID(s.member.SDPID))
		return
	}
	s.logger.Info("credential update acknowledged", logging.SDPID(s.member.SDPID))

	creds := s.pendingKeys
	err := s.withDBRetry(ctx, func() error {
		return s.store.UpdateMemberKeys(ctx, s.member.SDPID,
			creds.EncryptionKeyBase64, creds.HMACKeyBase64, creds.Updated, creds.Expires)
	})
	s.pendingKeys = nil
	if err != nil {
		// Ceiling reached; the rotation result is dropped. The member
		// keeps its previous keys and remains due for rotation.
		metrics.RotationsTotal.WithLabelValues("persist_error").Inc()
		s.logger.Error("dropping rotated credentials, directory write failed",
			logging.SDPID(s.member.SDPID), zap.Error(err))
		s.clearState()
		return
	}

	metrics.RotationsTotal.WithLabelValues("ok").Inc()
	s.member.EncryptKey = creds.EncryptionKeyBase64
	s.member.HMACKey = creds.HMACKeyBase64
	s.member.LastCredUpdate = creds.Updated
	s.member.CredUpdateDue = creds.Expires
	s.logger.Info("stored new keys", logging.SDPID(s.member.SDPID))
	s.clearState()

	if s.role == registry.RoleClient {
		if err := s.fanout.AccessUpdateForClient(ctx, s.member.SDPID); err != nil {
			s.logger.Error("gateway notification failed after credential update",
				logging.SDPID(s.member.SDPID), zap.Error(err))
		}
		if !s.cfg.KeepClientsConnected {
			s.logger.Info("disconnecting client after credential update", logging.SDPID(s.member.SDPID))
			s.state = StateClosed
		}
	}
}
