package ca

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/vhostrelay/vhostrelay-srv/hostlist"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	return Options{
		CertFile: filepath.Join(dir, "ca", "root.crt"),
		KeyFile:  filepath.Join(dir, "ca", "root.key"),
		RootName: "Test Root",
	}
}

func TestBootstrapGeneratesAndReloads(t *testing.T) {
	opts := testOptions(t)

	first, err := Bootstrap(opts)
	require.NoError(t, err)
	root := first.Root()
	assert.True(t, root.IsCA)
	assert.Equal(t, "Test Root", root.Subject.CommonName)
	assert.NotZero(t, root.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, root.KeyUsage&x509.KeyUsageDigitalSignature)
	assert.WithinDuration(t, time.Now().Add(rootValidity), root.NotAfter, 2*time.Hour)

	info, err := os.Stat(opts.KeyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	keyPEM, err := os.ReadFile(opts.KeyFile)
	require.NoError(t, err)
	assert.Contains(t, string(keyPEM), "BEGIN PRIVATE KEY")

	second, err := Bootstrap(opts)
	require.NoError(t, err)
	assert.Equal(t, root.Raw, second.Root().Raw)
	assert.Equal(t, first.RootPEM(), second.RootPEM())
}

func TestBootstrapEncryptedKey(t *testing.T) {
	opts := testOptions(t)
	opts.KeyPassword = "hunter2"

	first, err := Bootstrap(opts)
	require.NoError(t, err)

	keyPEM, err := os.ReadFile(opts.KeyFile)
	require.NoError(t, err)
	assert.Contains(t, string(keyPEM), "BEGIN ENCRYPTED PRIVATE KEY")

	second, err := Bootstrap(opts)
	require.NoError(t, err)
	assert.Equal(t, first.Root().Raw, second.Root().Raw)

	opts.KeyPassword = ""
	_, err = Bootstrap(opts)
	assert.ErrorIs(t, err, ErrKeyPasswordRequired)

	opts.KeyPassword = "wrong"
	_, err = Bootstrap(opts)
	assert.Error(t, err)
}

func TestBootstrapHalfPresent(t *testing.T) {
	opts := testOptions(t)
	_, err := Bootstrap(opts)
	require.NoError(t, err)
	require.NoError(t, os.Remove(opts.KeyFile))

	_, err = Bootstrap(opts)
	assert.ErrorContains(t, err, "is missing")
}

func TestIssueLeafIdempotent(t *testing.T) {
	ca, err := Bootstrap(testOptions(t))
	require.NoError(t, err)

	first, err := ca.IssueLeaf("foo.example.com")
	require.NoError(t, err)
	second, err := ca.IssueLeaf("FOO.example.com.")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, ca.Len())

	leaf := first.Leaf
	require.NoError(t, leaf.CheckSignatureFrom(ca.Root()))
	assert.Equal(t, []string{"foo.example.com"}, leaf.DNSNames)
	assert.False(t, leaf.IsCA)
	assert.Equal(t, ca.Root().SubjectKeyId, leaf.AuthorityKeyId)
	assert.NotEmpty(t, leaf.SubjectKeyId)
	assert.WithinDuration(t, time.Now().Add(leafValidity), leaf.NotAfter, 2*time.Hour)
	require.Len(t, first.Certificate, 2)
	assert.Equal(t, ca.Root().Raw, first.Certificate[1])

	_, err = leaf.Verify(x509.VerifyOptions{
		DNSName: "foo.example.com",
		Roots:   ca.CertPool(),
	})
	require.NoError(t, err)

	var hasLoopback bool
	for _, ip := range leaf.IPAddresses {
		if ip.Equal(net.ParseIP("127.0.0.1")) {
			hasLoopback = true
		}
	}
	assert.True(t, hasLoopback)
}

func TestIssueLeafSurvivesReload(t *testing.T) {
	opts := testOptions(t)
	first, err := Bootstrap(opts)
	require.NoError(t, err)
	reloaded, err := Bootstrap(opts)
	require.NoError(t, err)

	cert, err := reloaded.IssueLeaf("foo.example.com")
	require.NoError(t, err)
	assert.NoError(t, cert.Leaf.CheckSignatureFrom(first.Root()))
}

func TestIssueLeafIPAddress(t *testing.T) {
	ca, err := Bootstrap(testOptions(t))
	require.NoError(t, err)

	cert, err := ca.IssueLeaf("10.1.2.3")
	require.NoError(t, err)
	assert.Empty(t, cert.Leaf.DNSNames)
	assert.NoError(t, cert.Leaf.VerifyHostname("10.1.2.3"))
}

func TestIssueLeafConcurrentSingleIssuance(t *testing.T) {
	var issued atomic.Int32
	opts := testOptions(t)
	opts.OnIssued = func(string, time.Duration) { issued.Add(1) }
	ca, err := Bootstrap(opts)
	require.NoError(t, err)

	const workers = 8
	certs := make([]*tls.Certificate, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cert, err := ca.IssueLeaf("race.example.com")
			assert.NoError(t, err)
			certs[i] = cert
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), issued.Load())
	for _, c := range certs {
		assert.Same(t, certs[0], c)
	}
}

func TestIssueLeafExcluded(t *testing.T) {
	opts := testOptions(t)
	opts.Excluded = hostlist.New([]string{"bank.example"})
	ca, err := Bootstrap(opts)
	require.NoError(t, err)

	_, err = ca.IssueLeaf("www.bank.example")
	assert.ErrorIs(t, err, ErrDomainExcluded)
	assert.Zero(t, ca.Len())
}

func TestGetCertificateRequiresSNI(t *testing.T) {
	ca, err := Bootstrap(testOptions(t))
	require.NoError(t, err)

	_, err = ca.GetCertificate(&tls.ClientHelloInfo{})
	assert.ErrorIs(t, err, ErrNoSNI)
}

func TestTLSHandshake(t *testing.T) {
	var hits atomic.Int32
	opts := testOptions(t)
	opts.OnCacheHit = func(string) { hits.Add(1) }
	ca, err := Bootstrap(opts)
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", ca.TLSConfig())
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = conn.(*tls.Conn).Handshake()
				_, _ = conn.Read(make([]byte, 1))
			}()
		}
	}()

	handshake := func(serverName string) (*tls.ConnectionState, error) {
		conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
			ServerName: serverName,
			RootCAs:    ca.CertPool(),
			MinVersion: tls.VersionTLS13,
		})
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		state := conn.ConnectionState()
		return &state, nil
	}

	state, err := handshake("secure.test")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), state.Version)
	assert.Equal(t, "secure.test", state.PeerCertificates[0].Subject.CommonName)

	_, err = handshake("secure.test")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, []string{"secure.test"}, ca.Domains())

	// an IP literal address is never sent as SNI, so no certificate can be chosen
	_, err = tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // test client
		MinVersion:         tls.VersionTLS13,
	})
	assert.Error(t, err)
}
