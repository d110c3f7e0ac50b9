// Package tlsutil provides the certificate bootstrap used by handler and
// exit nodes that don't front a real CA-issued certificate (dev/staging
// deployments, or exit nodes behind mTLS where SPIFFE issues the identity
// and the outer TLS layer just needs to exist for browser-mimicry).
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// GenerateSelfSigned produces an in-memory TLS certificate for hosts,
// valid for validFor. It never touches disk — callers that need
// persistence are responsible for that themselves.
func GenerateSelfSigned(hosts []string, validFor time.Duration) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.Crypto, "generate tls key", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.Crypto, "generate serial", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"tunnelmesh"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		template.DNSNames = append(template.DNSNames, h)
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.Crypto, "create certificate", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, errs.Wrap(errs.Crypto, "marshal private key", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	_ = keyDER // retained in Certificate.PrivateKey, not re-parsed
	return cert, nil
}

// ServerConfig wraps a self-signed certificate into a *tls.Config suitable
// for net/http or gorilla/websocket servers.
func ServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
