// Package tlsutil builds TLS configurations for driver connections and
// generates throwaway certificates for loopback testing.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ClientOptions describes how a connection should authenticate the server
// and, optionally, itself.
type ClientOptions struct {
	// ServerName is the expected name on the server certificate. Required
	// unless InsecureSkipVerify is set.
	ServerName string

	// CAFile is a PEM bundle of roots to trust instead of the system pool.
	CAFile string

	// CertFile and KeyFile supply a client certificate. Both or neither.
	CertFile string
	KeyFile  string

	// InsecureSkipVerify disables server certificate verification. Test
	// environments only.
	InsecureSkipVerify bool
}

// ClientConfig builds a tls.Config from opts. TLS 1.2 is pinned at both
// ends of the version range: the encapsulated handshake is exercised
// against servers that negotiate nothing newer.
func ClientConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
	}
	if !opts.InsecureSkipVerify && opts.ServerName == "" {
		return nil, fmt.Errorf("tlsutil: server name required when verification is enabled")
	}

	if opts.CAFile != "" {
		pemBytes, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("tlsutil: no certificates found in %s", opts.CAFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, fmt.Errorf("tlsutil: client cert and key must both be set")
	}

	return cfg, nil
}

func newSelfSignedDER() (certDER []byte, key *ecdsa.PrivateKey, err error) {
	key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"tdswire test"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:              []string{"localhost"},
	}

	certDER, err = x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}
	return certDER, key, nil
}

// GenerateSelfSignedCert generates a self-signed localhost certificate and
// returns a server-side tls.Config for it. Used by loopback test servers.
func GenerateSelfSignedCert() (*tls.Config, error) {
	certDER, key, err := newSelfSignedDER()
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS12,
	}, nil
}

// GenerateAndSaveCert generates a self-signed localhost certificate and
// writes server.crt and server.key under dir, returning their paths.
func GenerateAndSaveCert(dir string) (certFile, keyFile string, err error) {
	certDER, key, err := newSelfSignedDER()
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", "", fmt.Errorf("creating directory: %w", err)
	}

	certFile = filepath.Join(dir, "server.crt")
	certOut, err := os.Create(certFile)
	if err != nil {
		return "", "", fmt.Errorf("creating cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return "", "", fmt.Errorf("writing cert: %w", err)
	}

	keyFile = filepath.Join(dir, "server.key")
	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", "", fmt.Errorf("creating key file: %w", err)
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshaling private key: %w", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return "", "", fmt.Errorf("writing key: %w", err)
	}

	return certFile, keyFile, nil
}
