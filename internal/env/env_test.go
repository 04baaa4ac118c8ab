package env

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestLookup(t *testing.T) {
	want := "/var/lib/egressguard"
	t.Setenv("EGRESSGUARD_OUT", want)

	got, ok := Lookup("EGRESSGUARD_OUT")
	if !ok {
		t.Fatalf("expected lookup to succeed")
	}
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestLookupIgnoresBlankValues(t *testing.T) {
	t.Setenv("EGRESSGUARD_LISTEN", "   ")

	if _, ok := Lookup("EGRESSGUARD_LISTEN"); ok {
		t.Fatal("blank value should be treated as unset")
	}
}

func TestLookupFallsBackToLegacyKeyAndWarnsOnce(t *testing.T) {
	ResetWarningsForTesting()
	var buf bytes.Buffer
	restore := SetWarnLoggerForTesting(slog.New(slog.NewTextHandler(&buf, nil)))
	defer restore()

	t.Setenv("ALLOW_BUCKET_NAME", "solutions-public-assets")

	for i := 0; i < 3; i++ {
		got, ok := Lookup("EGRESSGUARD_ALLOW_BUCKET", "ALLOW_BUCKET_NAME")
		if !ok || got != "solutions-public-assets" {
			t.Fatalf("unexpected legacy lookup result %q %v", got, ok)
		}
	}
	if n := strings.Count(buf.String(), "deprecated"); n != 1 {
		t.Fatalf("expected a single deprecation warning, got %d: %s", n, buf.String())
	}

	t.Setenv("EGRESSGUARD_ALLOW_BUCKET", "other")
	if got, _ := Lookup("EGRESSGUARD_ALLOW_BUCKET", "ALLOW_BUCKET_NAME"); got != "other" {
		t.Fatalf("new key should take precedence, got %q", got)
	}
}
