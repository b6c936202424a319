// Package credentials implements credential rotation: symmetric key
// generation and leaf certificate issuance against an authority
// capability, joined into a single all-or-nothing result.
package credentials

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// Subject carries the certificate subject attributes for one member.
type Subject struct {
	CommonName string
	Country    string
	State      string
	Locality   string
	Org        string
	OrgUnit    string
	Email      string
	Serial     string
}

// Authority is the credential authority capability. GenerateKeyMaterial
// may return more bytes than requested; callers take what they need from
// the tail. Returning fewer bytes than requested is an error on the
// caller's side.
type Authority interface {
	GenerateKeyMaterial(ctx context.Context, byteLen int) ([]byte, error)
	IssueCertificate(ctx context.Context, subject Subject, days int) (certPEM, keyPEM []byte, err error)
}

// keyMaterialBlock is the native output size of the local authority's key
// generator. It exceeds the largest configurable key length (128 bytes)
// so the tail-taking contract always holds.
const keyMaterialBlock = 256

const leafKeyBits = 2048

// LocalCA signs member certificates with a CA certificate and key loaded
// from disk.
type LocalCA struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
}

// NewLocalCA loads the CA certificate and private key from PEM files.
func NewLocalCA(certPath, keyPath string) (*LocalCA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("CA certificate: no PEM certificate block")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}
	caKey, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	return &LocalCA{caCert: caCert, caKey: caKey}, nil
}

func parsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("PKCS8 key does not implement crypto.Signer")
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key format")
}

// GenerateKeyMaterial returns a fixed-size block of random key material.
func (ca *LocalCA) GenerateKeyMaterial(ctx context.Context, byteLen int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if byteLen > keyMaterialBlock {
		return nil, fmt.Errorf("requested key length %d exceeds native block %d", byteLen, keyMaterialBlock)
	}
	material := make([]byte, keyMaterialBlock)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate key material: %w", err)
	}
	return material, nil
}

// IssueCertificate creates a new keypair and signs a leaf certificate for
// the member's subject attributes, valid for the given number of days.
func (ca *LocalCA) IssueCertificate(ctx context.Context, subject Subject, days int) ([]byte, []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, ok := new(big.Int).SetString(subject.Serial, 10)
	if !ok || serial.Sign() <= 0 {
		serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			return nil, nil, fmt.Errorf("generate serial: %w", err)
		}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         subject.CommonName,
			Country:            nonEmpty(subject.Country),
			Province:           nonEmpty(subject.State),
			Locality:           nonEmpty(subject.Locality),
			Organization:       nonEmpty(subject.Org),
			OrganizationalUnit: nonEmpty(subject.OrgUnit),
		},
		EmailAddresses: nonEmpty(subject.Email),
		NotBefore:      now,
		NotAfter:       now.AddDate(0, 0, days),
		KeyUsage:       x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:    []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, &key.PublicKey, ca.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign leaf certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
