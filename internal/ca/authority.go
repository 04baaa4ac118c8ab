// Package ca issues per-host leaf certificates signed by a local root CA.
package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"

	"github.com/RowanDark/egressguard/internal/observability/metrics"
)

const (
	// DefaultCertName is the root certificate file name used when no path is configured.
	DefaultCertName = "egressguard_ca.pem"
	// DefaultKeyName is the root key file name used when no path is configured.
	DefaultKeyName = "egressguard_ca.key"

	defaultCacheSize    = 1024
	defaultLeafLifetime = 365 * 24 * time.Hour
	renewBefore         = time.Minute
)

// DefaultPaths returns the root certificate and key locations under dir.
func DefaultPaths(dir string) (string, string) {
	return filepath.Join(dir, DefaultCertName), filepath.Join(dir, DefaultKeyName)
}

// CAError reports a failure to load the root or to issue a leaf.
type CAError struct {
	Op   string
	Host string
	Err  error
}

func (e *CAError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("ca %s %s: %v", e.Op, e.Host, e.Err)
	}
	return fmt.Sprintf("ca %s: %v", e.Op, e.Err)
}

func (e *CAError) Unwrap() error {
	return e.Err
}

// Option customises an Authority.
type Option func(*Authority)

// WithLogger sets the logger used for issuance events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authority) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithCacheSize bounds the number of cached leaf certificates.
func WithCacheSize(n int) Option {
	return func(a *Authority) {
		if n > 0 {
			a.cacheSize = n
		}
	}
}

// WithLeafLifetime sets the validity period of issued leaves.
func WithLeafLifetime(d time.Duration) Option {
	return func(a *Authority) {
		if d > 0 {
			a.leafLifetime = d
		}
	}
}

// Authority issues and caches leaf certificates. It is safe for concurrent use.
type Authority struct {
	root    *x509.Certificate
	key     crypto.Signer
	certPEM []byte

	logger       *slog.Logger
	cacheSize    int
	leafLifetime time.Duration

	cache  *lru[*tls.Certificate]
	group  singleflight.Group
	issued atomic.Uint64
}

// New loads the root CA from certPath and keyPath. When neither file exists a
// new root is generated and persisted. Exactly one of the two files existing
// is an error.
func New(certPath, keyPath string, opts ...Option) (*Authority, error) {
	if strings.TrimSpace(certPath) == "" || strings.TrimSpace(keyPath) == "" {
		return nil, &CAError{Op: "load root", Err: errors.New("certificate and key paths are required")}
	}
	a := &Authority{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		cacheSize:    defaultCacheSize,
		leafLifetime: defaultLeafLifetime,
	}
	for _, opt := range opts {
		opt(a)
	}

	certPEM, keyPEM, created, err := loadOrCreate(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if created {
		a.logger.Info("generated root certificate authority", "cert", certPath, "key", keyPath)
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, &CAError{Op: "load root", Err: err}
	}
	root, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, &CAError{Op: "load root", Err: err}
	}
	if !root.IsCA {
		return nil, &CAError{Op: "load root", Err: errors.New("certificate is not a CA")}
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, &CAError{Op: "load root", Err: errors.New("private key cannot sign")}
	}

	a.root = root
	a.key = signer
	a.certPEM = certPEM
	a.cache = newLRU[*tls.Certificate](a.cacheSize)
	return a, nil
}

// CertificatePEM returns the PEM encoded root certificate.
func (a *Authority) CertificatePEM() []byte {
	return append([]byte(nil), a.certPEM...)
}

// Root returns the parsed root certificate.
func (a *Authority) Root() *x509.Certificate {
	return a.root
}

// Issued reports how many leaves have been generated.
func (a *Authority) Issued() uint64 {
	return a.issued.Load()
}

// IssueFor returns the leaf certificate for hostname, generating it when it is
// not cached or about to expire. Concurrent calls for the same host share a
// single generation.
func (a *Authority) IssueFor(hostname string) (*tls.Certificate, error) {
	host, err := NormalizeHost(hostname)
	if err != nil {
		return nil, &CAError{Op: "issue", Host: hostname, Err: err}
	}

	if cert, ok := a.cached(host); ok {
		return cert, nil
	}

	v, err, _ := a.group.Do(host, func() (any, error) {
		if cert, ok := a.cached(host); ok {
			return cert, nil
		}
		cert, err := a.issue(host)
		if err != nil {
			a.logger.Warn("could not issue certificate", "host", host, "error", err)
			return nil, &CAError{Op: "issue", Host: host, Err: err}
		}
		a.cache.add(host, cert)
		a.issued.Add(1)
		metrics.RecordCertificateIssued()
		a.logger.Debug("issued certificate", "host", host, "expires", cert.Leaf.NotAfter)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (a *Authority) cached(host string) (*tls.Certificate, bool) {
	cert, ok := a.cache.get(host)
	if !ok {
		return nil, false
	}
	if !cert.Leaf.NotAfter.After(time.Now().Add(renewBefore)) {
		return nil, false
	}
	return cert, true
}

func (a *Authority) issue(host string) (*tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	now := time.Now()
	notAfter := now.Add(a.leafLifetime)
	if notAfter.After(a.root.NotAfter) {
		notAfter = a.root.NotAfter
	}
	tpl := &x509.Certificate{
		SerialNumber:          newSerialNumber(),
		Subject:               pkix.Name{CommonName: host, Organization: []string{"egressguard"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if ip := net.ParseIP(host); ip != nil {
		tpl.IPAddresses = []net.IP{ip}
	} else {
		tpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, a.root, &priv.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("create host certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse host certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// NormalizeHost strips any port, brackets and trailing dot, lower-cases the
// name and converts internationalised names to their ASCII form.
func NormalizeHost(hostname string) (string, error) {
	host := strings.TrimSpace(hostname)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if host == "" {
		return "", errors.New("host must not be empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		if !isASCII(host) {
			return "", fmt.Errorf("invalid host name %q: %w", host, err)
		}
		ascii = host
	}
	return strings.ToLower(ascii), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 || s[i] <= 0x20 {
			return false
		}
	}
	return true
}

func loadOrCreate(certPath, keyPath string) ([]byte, []byte, bool, error) {
	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return certPEM, keyPEM, false, nil
	case errors.Is(certErr, os.ErrNotExist) && errors.Is(keyErr, os.ErrNotExist):
	case certErr != nil && !errors.Is(certErr, os.ErrNotExist):
		return nil, nil, false, &CAError{Op: "read certificate", Err: certErr}
	case keyErr != nil && !errors.Is(keyErr, os.ErrNotExist):
		return nil, nil, false, &CAError{Op: "read key", Err: keyErr}
	default:
		return nil, nil, false, &CAError{Op: "load root", Err: errors.New("certificate and key must both exist or both be absent")}
	}

	certPEM, keyPEM, err := generateRoot()
	if err != nil {
		return nil, nil, false, &CAError{Op: "generate root", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return nil, nil, false, &CAError{Op: "persist root", Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, nil, false, &CAError{Op: "persist root", Err: err}
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, nil, false, &CAError{Op: "persist root", Err: err}
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, nil, false, &CAError{Op: "persist root", Err: err}
	}
	return certPEM, keyPEM, true, nil
}

func generateRoot() ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	tpl := &x509.Certificate{
		SerialNumber:          newSerialNumber(),
		Subject:               pkix.Name{CommonName: "egressguard Root CA", Organization: []string{"egressguard"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	return certPEM, keyPEM, nil
}

func newSerialNumber() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return serial
}
