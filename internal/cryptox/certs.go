package cryptox

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const certValidity = 10 * 365 * 24 * time.Hour

// DeviceCert is a device's self-signed identity certificate and its key.
type DeviceCert struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
	DER  []byte
}

// GenerateDeviceCert creates a P-256 self-signed certificate whose common
// name is the device id.
func GenerateDeviceCert(deviceID string, now time.Time) (*DeviceCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: deviceID, Organization: []string{"classbook"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyAgreement | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{deviceID},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &DeviceCert{Cert: cert, Key: key, DER: der}, nil
}

// Fingerprint returns the lower-case hex SHA-256 of the certificate DER.
func (c *DeviceCert) Fingerprint() string {
	return Fingerprint(c.DER)
}

// DeviceID returns the certificate common name.
func (c *DeviceCert) DeviceID() string {
	return c.Cert.Subject.CommonName
}

// TLS returns the certificate in the form crypto/tls expects.
func (c *DeviceCert) TLS() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{c.DER},
		PrivateKey:  c.Key,
		Leaf:        c.Cert,
	}
}

// Fingerprint hashes a DER-encoded certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lower-cases fp and strips ':' separators and spaces,
// so fingerprints copied from other tools compare equal.
func NormalizeFingerprint(fp string) string {
	r := strings.NewReplacer(":", "", " ", "")
	return strings.ToLower(r.Replace(strings.TrimSpace(fp)))
}

// EncodePEM serializes the certificate and private key as PEM blocks.
func (c *DeviceCert) EncodePEM() (certPEM, keyPEM []byte, err error) {
	keyDER, err := x509.MarshalECPrivateKey(c.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// DecodePEM is the inverse of EncodePEM.
func DecodePEM(certPEM, keyPEM []byte) (*DeviceCert, error) {
	cb, _ := pem.Decode(certPEM)
	if cb == nil || cb.Type != "CERTIFICATE" {
		return nil, errors.New("decode pem: no certificate block")
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil || kb.Type != "EC PRIVATE KEY" {
		return nil, errors.New("decode pem: no private key block")
	}
	cert, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decode pem: %w", err)
	}
	key, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, fmt.Errorf("decode pem: %w", err)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, errors.New("decode pem: key does not match certificate")
	}
	return &DeviceCert{Cert: cert, Key: key, DER: cb.Bytes}, nil
}

// ParseCertificate parses a peer certificate from DER.
func ParseCertificate(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse peer certificate: %w", err)
	}
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); !ok {
		return nil, errors.New("parse peer certificate: not an ECDSA key")
	}
	return cert, nil
}

// ParseCertificatePEM parses a peer certificate stored as PEM.
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	b, _ := pem.Decode(certPEM)
	if b == nil || b.Type != "CERTIFICATE" {
		return nil, errors.New("parse peer certificate: no certificate block")
	}
	return ParseCertificate(b.Bytes)
}

// EncodeCertificatePEM renders a DER certificate as PEM.
func EncodeCertificatePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
