package ca

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T, opts ...Option) (*Authority, string, string) {
	t.Helper()
	certPath, keyPath := DefaultPaths(t.TempDir())
	a, err := New(certPath, keyPath, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, certPath, keyPath
}

func TestIssueForCachesLeaf(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)

	first, err := a.IssueFor("example.com")
	if err != nil {
		t.Fatalf("first IssueFor: %v", err)
	}
	second, err := a.IssueFor("EXAMPLE.com:443")
	if err != nil {
		t.Fatalf("second IssueFor: %v", err)
	}
	if first != second {
		t.Fatal("expected cached certificate pointer, got different instances")
	}
	if a.Issued() != 1 {
		t.Fatalf("expected one issuance, got %d", a.Issued())
	}
}

func TestIssuedLeafChainsToRoot(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)

	for _, host := range []string{"storage.googleapis.com", "127.0.0.1", "[::1]:8443"} {
		cert, err := a.IssueFor(host)
		if err != nil {
			t.Fatalf("IssueFor(%s): %v", host, err)
		}
		if _, ok := cert.PrivateKey.(*ecdsa.PrivateKey); !ok {
			t.Fatalf("%s: expected ECDSA leaf key, got %T", host, cert.PrivateKey)
		}
		roots := x509.NewCertPool()
		roots.AddCert(a.Root())
		name, _ := NormalizeHost(host)
		if _, err := cert.Leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: roots}); err != nil {
			t.Fatalf("%s: leaf does not verify: %v", host, err)
		}
		if cert.Leaf.NotAfter.After(a.Root().NotAfter) {
			t.Fatalf("%s: leaf outlives root", host)
		}
	}
}

func TestIssueForConcurrentCallsShareGeneration(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan any, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cert, err := a.IssueFor("concurrent.test")
			if err != nil {
				results <- err
				return
			}
			results <- cert
		}()
	}
	wg.Wait()
	close(results)

	var first any
	for r := range results {
		if err, ok := r.(error); ok {
			t.Fatalf("IssueFor: %v", err)
		}
		if first == nil {
			first = r
		} else if r != first {
			t.Fatal("concurrent callers received different certificates")
		}
	}
	if a.Issued() != 1 {
		t.Fatalf("expected a single generation, got %d", a.Issued())
	}
}

func TestIssueForRegeneratesNearExpiry(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t, WithLeafLifetime(30*time.Second))

	first, err := a.IssueFor("short.test")
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}
	second, err := a.IssueFor("short.test")
	if err != nil {
		t.Fatalf("IssueFor: %v", err)
	}
	if first == second {
		t.Fatal("expected a fresh certificate inside the renewal window")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	a, _, _ := newTestAuthority(t, WithCacheSize(2))
	for _, host := range []string{"a.test", "b.test", "c.test"} {
		if _, err := a.IssueFor(host); err != nil {
			t.Fatalf("IssueFor(%s): %v", host, err)
		}
	}
	if n := a.cache.len(); n != 2 {
		t.Fatalf("expected cache bounded at 2, got %d", n)
	}
	if _, ok := a.cache.get("a.test"); ok {
		t.Fatal("expected oldest entry to be evicted")
	}
}

func TestNewPersistsAndReloadsRoot(t *testing.T) {
	t.Parallel()

	a, certPath, keyPath := newTestAuthority(t)

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected key mode 0600, got %o", perm)
	}
	if !a.Root().IsCA || !a.Root().MaxPathLenZero {
		t.Fatal("root must be a CA limited to path length zero")
	}

	reloaded, err := New(certPath, keyPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !bytes.Equal(a.CertificatePEM(), reloaded.CertificatePEM()) {
		t.Fatal("reloaded authority should reuse the persisted root")
	}
}

func TestNewRejectsPartialOrCorruptMaterial(t *testing.T) {
	t.Parallel()

	_, certPath, keyPath := newTestAuthority(t)

	dir := t.TempDir()
	onlyCert := filepath.Join(dir, "ca.pem")
	data, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	if err := os.WriteFile(onlyCert, data, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	_, err = New(onlyCert, filepath.Join(dir, "ca.key"))
	var caErr *CAError
	if !errors.As(err, &caErr) {
		t.Fatalf("expected CAError for missing key, got %v", err)
	}

	corrupt := filepath.Join(dir, "corrupt.key")
	if err := os.WriteFile(corrupt, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := New(certPath, corrupt); !errors.As(err, &caErr) {
		t.Fatalf("expected CAError for corrupt key, got %v", err)
	}
	if _, err := New(onlyCert, keyPath); err != nil {
		t.Fatalf("matching pair should load: %v", err)
	}
}

func TestNormalizeHost(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Example.COM":        "example.com",
		"example.com:443":    "example.com",
		"example.com.":       "example.com",
		"[2001:db8::1]:443":  "2001:db8::1",
		"bücher.example":     "xn--bcher-kva.example",
		"under_score.test":   "under_score.test",
	}
	for in, want := range cases {
		got, err := NormalizeHost(in)
		if err != nil {
			t.Fatalf("NormalizeHost(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := NormalizeHost(" "); err == nil {
		t.Fatal("expected error for empty host")
	}
	var caErr *CAError
	a, _, _ := newTestAuthority(t)
	if _, err := a.IssueFor(""); !errors.As(err, &caErr) {
		t.Fatalf("expected CAError for empty host, got %v", err)
	}
}
