// Package tlsconf builds a client tls.Config from Java-style trust and key
// stores (JKS, PKCS#12) or PEM files.
package tlsconf

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"go.uber.org/zap"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/hamed0406/brokerprobe/internal/config"
)

// Load returns nil when no TLS material is configured; the transport then
// uses system roots for secure schemes.
func Load(m config.TLS, logger *zap.Logger) (*tls.Config, error) {
	if !m.Enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	roots, err := LoadTrustStore(m.TrustStore, m.TrustStorePassword, m.TrustStoreType)
	if err != nil {
		return nil, fmt.Errorf("trust store %s: %w", m.TrustStore, err)
	}
	cert, err := LoadKeyStore(m.KeyStore, m.KeyStorePassword, m.KeyStoreType)
	if err != nil {
		return nil, fmt.Errorf("key store %s: %w", m.KeyStore, err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      roots,
		Certificates: []tls.Certificate{cert},
	}
	if m.Debug {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			subjects := make([]string, 0, len(cs.PeerCertificates))
			for _, c := range cs.PeerCertificates {
				subjects = append(subjects, c.Subject.String())
			}
			logger.Info("tls_handshake",
				zap.String("version", tls.VersionName(cs.Version)),
				zap.String("cipher_suite", tls.CipherSuiteName(cs.CipherSuite)),
				zap.String("server_name", cs.ServerName),
				zap.Strings("peer_certificates", subjects),
			)
			return nil
		}
	}
	return cfg, nil
}

func LoadTrustStore(path, password, storeType string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	switch normalize(storeType) {
	case "pem":
		if !pool.AppendCertsFromPEM(data) {
			return nil, errors.New("no PEM certificates found")
		}
	case "pkcs12":
		certs, err := pkcs12.DecodeTrustStore(data, password)
		if err != nil {
			return nil, err
		}
		for _, c := range certs {
			pool.AddCert(c)
		}
	case "jks":
		ks := keystore.New()
		if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
			return nil, err
		}
		n := 0
		for _, alias := range ks.Aliases() {
			if !ks.IsTrustedCertificateEntry(alias) {
				continue
			}
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return nil, fmt.Errorf("alias %q: %w", alias, err)
			}
			c, err := x509.ParseCertificate(entry.Certificate.Content)
			if err != nil {
				return nil, fmt.Errorf("alias %q: %w", alias, err)
			}
			pool.AddCert(c)
			n++
		}
		if n == 0 {
			return nil, errors.New("no trusted certificate entries")
		}
	default:
		return nil, fmt.Errorf("unsupported store type %q", storeType)
	}
	return pool, nil
}

// LoadKeyStore returns the first private key entry with its chain.
func LoadKeyStore(path, password, storeType string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	switch normalize(storeType) {
	case "pem":
		// one file holding both the certificate chain and the key
		return tls.X509KeyPair(data, data)
	case "pkcs12":
		key, leaf, cas, err := pkcs12.DecodeChain(data, password)
		if err != nil {
			return tls.Certificate{}, err
		}
		cert := tls.Certificate{Certificate: [][]byte{leaf.Raw}, PrivateKey: key, Leaf: leaf}
		for _, ca := range cas {
			cert.Certificate = append(cert.Certificate, ca.Raw)
		}
		return cert, nil
	case "jks":
		ks := keystore.New()
		if err := ks.Load(bytes.NewReader(data), []byte(password)); err != nil {
			return tls.Certificate{}, err
		}
		for _, alias := range ks.Aliases() {
			if !ks.IsPrivateKeyEntry(alias) {
				continue
			}
			entry, err := ks.GetPrivateKeyEntry(alias, []byte(password))
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("alias %q: %w", alias, err)
			}
			key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("alias %q: %w", alias, err)
			}
			cert := tls.Certificate{PrivateKey: key}
			for _, c := range entry.CertificateChain {
				cert.Certificate = append(cert.Certificate, c.Content)
			}
			if len(cert.Certificate) == 0 {
				return tls.Certificate{}, fmt.Errorf("alias %q has no certificate chain", alias)
			}
			return cert, nil
		}
		return tls.Certificate{}, errors.New("no private key entries")
	default:
		return tls.Certificate{}, fmt.Errorf("unsupported store type %q", storeType)
	}
}

func normalize(storeType string) string {
	switch t := strings.ToLower(strings.TrimSpace(storeType)); t {
	case "p12", "pfx":
		return "pkcs12"
	case "":
		return "jks"
	default:
		return t
	}
}
