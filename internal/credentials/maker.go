package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Credentials is one rotation result: new symmetric keys, certificate
// material, and the computed rotation timestamps. It exists only until
// persisted or abandoned.
type Credentials struct {
	EncryptionKeyBase64 string
	HMACKeyBase64       string
	TLSCert             string
	TLSKey              string
	Updated             time.Time
	Expires             time.Time
}

// Maker joins the three authority operations into one rotation.
type Maker struct {
	authority        Authority
	encryptionKeyLen int
	hmacKeyLen       int
	daysToExpiration int
	logger           *zap.Logger
}

// NewMaker returns a Maker using the given authority and key-length and
// validity configuration.
func NewMaker(authority Authority, encryptionKeyLen, hmacKeyLen, daysToExpiration int, logger *zap.Logger) *Maker {
	return &Maker{
		authority:        authority,
		encryptionKeyLen: encryptionKeyLen,
		hmacKeyLen:       hmacKeyLen,
		daysToExpiration: daysToExpiration,
		logger:           logger,
	}
}

// Rotate issues a new encryption key, HMAC key, and signed certificate
// for the member. The three operations run concurrently and all must
// succeed; any failure discards the partial results.
func (m *Maker) Rotate(ctx context.Context, subject Subject) (*Credentials, error) {
	var (
		encryptionKey string
		hmacKey       string
		certPEM       []byte
		keyPEM        []byte
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		key, err := m.newKey(gctx, m.encryptionKeyLen)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		encryptionKey = key
		return nil
	})

	g.Go(func() error {
		key, err := m.newKey(gctx, m.hmacKeyLen)
		if err != nil {
			return fmt.Errorf("hmac key: %w", err)
		}
		hmacKey = key
		return nil
	})

	g.Go(func() error {
		cert, key, err := m.authority.IssueCertificate(gctx, subject, m.daysToExpiration)
		if err != nil {
			return fmt.Errorf("certificate: %w", err)
		}
		certPEM, keyPEM = cert, key
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("rotate credentials for %s: %w", subject.CommonName, err)
	}

	updated := time.Now()
	expires := midnight(updated.AddDate(0, 0, m.daysToExpiration))

	m.logger.Info("new credentials created", zap.String("common_name", subject.CommonName))

	return &Credentials{
		EncryptionKeyBase64: encryptionKey,
		HMACKeyBase64:       hmacKey,
		TLSCert:             string(certPEM),
		TLSKey:              string(keyPEM),
		Updated:             updated,
		Expires:             expires,
	}, nil
}

// newKey requests key material from the authority and encodes the final
// key. The authority's native output may be longer than the requested
// length; the key is taken from the tail of the material since the head
// of structured output tends to look alike across generations.
func (m *Maker) newKey(ctx context.Context, byteLen int) (string, error) {
	material, err := m.authority.GenerateKeyMaterial(ctx, byteLen)
	if err != nil {
		return "", err
	}
	if len(material) < byteLen {
		return "", fmt.Errorf("authority returned %d bytes, need %d", len(material), byteLen)
	}
	return base64.StdEncoding.EncodeToString(material[len(material)-byteLen:]), nil
}

// midnight truncates t to the start of its day.
func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
