// Package ca holds the local root certificate authority and issues leaf
// certificates for the names clients ask for during the TLS handshake.
package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // nolint:gosec // key identifiers, RFC 5280 4.2.1.2
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/hostlist"
	"github.com/codefionn/vhostrelay/vhostrelay-srv/logger"
)

const (
	keyBits      = 2048
	rootValidity = 30 * 365 * 24 * time.Hour
	leafValidity = 180 * 24 * time.Hour
	clockSkew    = time.Hour
)

var (
	ErrNoSNI          = errors.New("no SNI server name presented")
	ErrDomainExcluded = errors.New("domain excluded from certificate issuance")
)

// Options configure Bootstrap.
type Options struct {
	CertFile    string
	KeyFile     string
	KeyPassword string
	RootName    string
	// Excluded domains never get a leaf certificate.
	Excluded *hostlist.List
	// OnIssued is called after a leaf was generated and cached.
	OnIssued func(domain string, elapsed time.Duration)
	// OnCacheHit is called when a cached leaf is served.
	OnCacheHit func(domain string)
}

// CertificateAuthority is the root key pair plus the leaf cache. The root is
// read-only after Bootstrap; cache entries are immutable once inserted.
type CertificateAuthority struct {
	cert    *x509.Certificate
	certPEM []byte
	key     crypto.Signer

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
	group singleflight.Group

	excluded   *hostlist.List
	onIssued   func(string, time.Duration)
	onCacheHit func(string)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Bootstrap loads the root pair from disk, or generates and persists a new
// one when neither file exists.
func Bootstrap(opts Options) (*CertificateAuthority, error) {
	if opts.CertFile == "" || opts.KeyFile == "" {
		return nil, errors.New("CA certificate and key file paths are required")
	}
	certExists, keyExists := fileExists(opts.CertFile), fileExists(opts.KeyFile)

	var ca *CertificateAuthority
	var err error
	switch {
	case certExists && keyExists:
		ca, err = load(opts)
	case !certExists && !keyExists:
		ca, err = generate(opts)
	case certExists:
		return nil, fmt.Errorf("CA certificate %s exists but key %s is missing", opts.CertFile, opts.KeyFile)
	default:
		return nil, fmt.Errorf("CA key %s exists but certificate %s is missing", opts.KeyFile, opts.CertFile)
	}
	if err != nil {
		return nil, err
	}

	ca.cache = make(map[string]*tls.Certificate)
	ca.excluded = opts.Excluded
	ca.onIssued = opts.OnIssued
	ca.onCacheHit = opts.OnCacheHit
	return ca, nil
}

func load(opts Options) (*CertificateAuthority, error) {
	certPEM, err := os.ReadFile(opts.CertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode CA cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("certificate %s is not a CA certificate", opts.CertFile)
	}

	key, err := parsePrivateKey(keyPEM, opts.KeyPassword)
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return nil, errors.New("CA key does not match CA certificate")
	}

	logger.Info("Loaded CA %q (valid until %s)", cert.Subject.CommonName, cert.NotAfter.Format(time.RFC3339))
	return &CertificateAuthority{cert: cert, certPEM: pem.EncodeToMemory(block), key: key}, nil
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub)) // nolint:gosec
	return sum[:]
}

func generate(opts Options) (*CertificateAuthority, error) {
	rootName := opts.RootName
	if rootName == "" {
		rootName = "vhostrelay Root CA"
	}
	logger.Info("Generating new CA %q at %s", rootName, opts.CertFile)

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   rootName,
			Organization: []string{"vhostrelay"},
		},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          keyID(&key.PublicKey),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA cert: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM, err := encodePrivateKey(key, opts.KeyPassword)
	if err != nil {
		return nil, err
	}
	if err := writeFile(opts.CertFile, certPEM, 0o644); err != nil {
		return nil, err
	}
	if err := writeFile(opts.KeyFile, keyPEM, 0o600); err != nil {
		return nil, err
	}
	return &CertificateAuthority{cert: cert, certPEM: certPEM, key: key}, nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func normalizeDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// IssueLeaf returns the leaf certificate for domain, generating it on first
// use. Concurrent first requests for one domain share a single generation.
// Failures are not cached.
func (ca *CertificateAuthority) IssueLeaf(domain string) (*tls.Certificate, error) {
	domain = normalizeDomain(domain)
	if domain == "" {
		return nil, ErrNoSNI
	}
	if ca.excluded.Match(domain) {
		return nil, fmt.Errorf("%w: %s", ErrDomainExcluded, domain)
	}

	if cert := ca.cached(domain); cert != nil {
		if ca.onCacheHit != nil {
			ca.onCacheHit(domain)
		}
		return cert, nil
	}

	v, err, _ := ca.group.Do(domain, func() (any, error) {
		if cert := ca.cached(domain); cert != nil {
			return cert, nil
		}
		start := time.Now()
		cert, err := ca.newLeaf(domain)
		if err != nil {
			return nil, err
		}
		ca.mu.Lock()
		ca.cache[domain] = cert
		ca.mu.Unlock()

		elapsed := time.Since(start)
		logger.Debug("Issued certificate for %s in %s", domain, elapsed)
		if ca.onIssued != nil {
			ca.onIssued(domain, elapsed)
		}
		return cert, nil
	})
	if err != nil {
		logger.Error("Certificate issuance for %s failed: %v", domain, err)
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

func (ca *CertificateAuthority) cached(domain string) *tls.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.cache[domain]
}

func (ca *CertificateAuthority) newLeaf(domain string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: domain},
		NotBefore:             now.Add(-clockSkew),
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          keyID(&key.PublicKey),
		AuthorityKeyId:        ca.cert.SubjectKeyId,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if ip := net.ParseIP(domain); ip != nil {
		if !ip.IsLoopback() {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	} else {
		tmpl.DNSNames = []string{domain}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issued certificate: %w", err)
	}
	if err := leaf.CheckSignatureFrom(ca.cert); err != nil {
		return nil, fmt.Errorf("issued certificate does not verify against root: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.cert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// GetCertificate is the TLS server certificate selection callback. A
// ClientHello without SNI fails the handshake.
func (ca *CertificateAuthority) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if hello.ServerName == "" {
		return nil, ErrNoSNI
	}
	return ca.IssueLeaf(hello.ServerName)
}

// TLSConfig returns a TLS 1.3 only server configuration backed by this CA.
func (ca *CertificateAuthority) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: ca.GetCertificate,
		NextProtos:     []string{"http/1.1"},
	}
}

// Root returns the parsed root certificate.
func (ca *CertificateAuthority) Root() *x509.Certificate {
	return ca.cert
}

// RootPEM returns the PEM encoded root certificate.
func (ca *CertificateAuthority) RootPEM() []byte {
	return append([]byte(nil), ca.certPEM...)
}

// CertPool returns a pool containing only the root.
func (ca *CertificateAuthority) CertPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)
	return pool
}

// Domains returns the cached domains in sorted order.
func (ca *CertificateAuthority) Domains() []string {
	ca.mu.RLock()
	out := make([]string, 0, len(ca.cache))
	for d := range ca.cache {
		out = append(out, d)
	}
	ca.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Len returns the number of cached leaves.
func (ca *CertificateAuthority) Len() int {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return len(ca.cache)
}
