package policy

import (
	"bufio"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RowanDark/egressguard/internal/httpwire"
)

const bucketRule = `^https://storage\.googleapis\.com/solutions-public-assets/.*$`

func TestEvaluateBucketExample(t *testing.T) {
	t.Parallel()

	engine := MustCompile(bucketRule)

	cases := map[string]struct {
		action Action
		reason Reason
	}{
		"https://storage.googleapis.com/solutions-public-assets/readme.txt":    {Allow, ReasonAllowed},
		"https://STORAGE.googleapis.com:443/solutions-public-assets/a/b?x=1":   {Allow, ReasonAllowed},
		"https://evil.example.com/":                                           {Deny, ReasonNotAllowlisted},
		"https://storage.googleapis.com/other-bucket/readme.txt":              {Deny, ReasonNotAllowlisted},
		"http://storage.googleapis.com/solutions-public-assets/readme.txt":    {Deny, ReasonNotAllowlisted},
		"https://storage.googleapis.com:8443/solutions-public-assets/x":       {Deny, ReasonNotAllowlisted},
		"https://storage.googleapis.com.evil.test/solutions-public-assets/x":  {Deny, ReasonNotAllowlisted},
		"https://evil.test/?u=https://storage.googleapis.com/solutions-public-assets/": {Deny, ReasonNotAllowlisted},
		"":           {Deny, ReasonInvalidURL},
		"not a url":  {Deny, ReasonInvalidURL},
		"ftp://x/y":  {Deny, ReasonInvalidURL},
		"https://%zz": {Deny, ReasonInvalidURL},
	}
	for candidate, want := range cases {
		got := engine.EvaluateURL(candidate)
		if got.Action != want.action || got.Reason != want.reason {
			t.Errorf("%q: got %s/%s, want %s/%s", candidate, got.Action, got.Reason, want.action, want.reason)
		}
	}
}

func TestEvaluateIsAnchoredAtBothEnds(t *testing.T) {
	t.Parallel()

	engine := MustCompile(`https://a\.test/exact`)
	if !engine.EvaluateURL("https://a.test/exact").Allowed() {
		t.Fatal("exact match should be allowed")
	}
	if engine.EvaluateURL("https://a.test/exact/more").Allowed() {
		t.Fatal("pattern must be anchored at the end")
	}
	if engine.EvaluateURL("https://b.test/?https://a.test/exact").Allowed() {
		t.Fatal("pattern must be anchored at the start")
	}
}

func TestCanonicalKeepsDotSegments(t *testing.T) {
	t.Parallel()

	engine := MustCompile(bucketRule)
	candidate := "https://storage.googleapis.com/solutions-public-assets/../other-bucket/x"
	u, err := url.Parse(candidate)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got, ok := Canonical(u); !ok || got != candidate {
		t.Fatalf("Canonical(%q) = %q, %v", candidate, got, ok)
	}
	if !engine.EvaluateURL(candidate).Allowed() {
		t.Fatal("rules match the literal path, dot segments included")
	}
	if engine.EvaluateURL("https://storage.googleapis.com/other-bucket/x").Allowed() {
		t.Fatal("the resolved path is a different bucket and must be denied")
	}
}

func TestFirstMatchWins(t *testing.T) {
	t.Parallel()

	broad := `https://a\.test/.*`
	narrow := `https://a\.test/x/.*`
	candidate := "https://a.test/x/file"

	first := MustCompile(broad, narrow).EvaluateURL(candidate)
	if first.Rule == nil || first.Rule.Index != 0 || first.Rule.Pattern != broad {
		t.Fatalf("expected broad rule to win, got %+v", first.Rule)
	}
	second := MustCompile(narrow, broad).EvaluateURL(candidate)
	if second.Rule == nil || second.Rule.Pattern != narrow {
		t.Fatalf("expected narrow rule to win after reordering, got %+v", second.Rule)
	}

	only := "https://a.test/y"
	a := MustCompile(broad, narrow).EvaluateURL(only)
	b := MustCompile(narrow, broad).EvaluateURL(only)
	if a.Action != b.Action {
		t.Fatalf("reordering must not change single-match outcome")
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	t.Parallel()

	engine := MustCompile(bucketRule, `https://example\.com/.*`)
	candidates := []string{
		"https://storage.googleapis.com/solutions-public-assets/readme.txt",
		"https://example.com/a",
		"https://evil.example.com/",
	}
	for _, c := range candidates {
		first := engine.EvaluateURL(c)
		for i := 0; i < 50; i++ {
			if got := engine.EvaluateURL(c); got.Action != first.Action || got.Rule != first.Rule {
				t.Fatalf("%q: non-deterministic decision", c)
			}
		}
	}
}

func TestEmptyEngineDeniesEverything(t *testing.T) {
	t.Parallel()

	engine, err := Compile(nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if d := engine.EvaluateURL("https://example.com/"); d.Allowed() || d.Reason != ReasonNotAllowlisted {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestCompileRejectsInvalidPatterns(t *testing.T) {
	t.Parallel()

	if _, err := Compile([]string{"("}); err == nil {
		t.Fatal("expected error for invalid regular expression")
	}
	if _, err := Compile([]string{"  "}); err == nil {
		t.Fatal("expected error for empty pattern")
	}
}

func TestEvaluateRequest(t *testing.T) {
	t.Parallel()

	raw := "GET /solutions-public-assets/readme.txt HTTP/1.1\r\nHost: storage.googleapis.com\r\n\r\n"
	req, err := httpwire.NewReader(bufio.NewReader(strings.NewReader(raw))).ReadRequest()
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	engine := MustCompile(bucketRule)

	if d := engine.Evaluate(req); d.Reason != ReasonInvalidURL {
		t.Fatalf("unresolved request should be denied as invalid, got %+v", d)
	}
	req.ResolveURL("https", "storage.googleapis.com:443")
	if d := engine.Evaluate(req); !d.Allowed() {
		t.Fatalf("resolved request should be allowed, got %+v", d)
	}
	if d := engine.Evaluate(nil); d.Allowed() {
		t.Fatal("nil request must be denied")
	}
}

func TestParseDocuments(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		"- a\n- b\n":                                 {"a", "b"},
		"allow:\n  - a\n  - ' '\nbuckets: [assets]\n": {"a", `https://storage\.googleapis\.com/assets/.*`},
		`{"allow": ["x"]}`:                             {"x"},
		"":                                             nil,
	}
	for doc, want := range cases {
		got, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("%q: Parse: %v", doc, err)
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("%q: got %v, want %v", doc, got, want)
		}
	}
	if _, err := Parse([]byte("allow:\n  nested: value\n")); err == nil {
		t.Fatal("expected error for a malformed allow mapping")
	}
}

func TestParseLinePerPattern(t *testing.T) {
	t.Parallel()

	cases := map[string][]string{
		bucketRule + "\n": {bucketRule},
		"# storage\n" + bucketRule + "\n\n  https://a\\.test/.*  \r\n": {bucketRule, `https://a\.test/.*`},
		"[a-z]+\\.example\\.com/.*\n": {`[a-z]+\.example\.com/.*`},
	}
	for doc, want := range cases {
		got, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("%q: Parse: %v", doc, err)
		}
		if strings.Join(got, "|") != strings.Join(want, "|") {
			t.Errorf("%q: got %q, want %q", doc, got, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yml")
	if err := os.WriteFile(path, []byte("allow:\n  - '"+bucketRule+"'\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	patterns, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	engine, err := Compile(patterns)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !engine.EvaluateURL("https://storage.googleapis.com/solutions-public-assets/readme.txt").Allowed() {
		t.Fatal("loaded policy should allow the bucket")
	}

	lines := filepath.Join(t.TempDir(), "policy.txt")
	body := "# bucket\n" + bucketRule + "\n" + `https://example\.com/.*` + "\n"
	if err := os.WriteFile(lines, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	patterns, err = LoadFile(lines)
	if err != nil {
		t.Fatalf("LoadFile line file: %v", err)
	}
	if len(patterns) != 2 || patterns[0] != bucketRule {
		t.Fatalf("unexpected line patterns %q", patterns)
	}
	if _, err := Compile(patterns); err != nil {
		t.Fatalf("Compile line patterns: %v", err)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestBucketPatternMatchesLegacyRule(t *testing.T) {
	t.Parallel()

	engine := MustCompile(BucketPattern("solutions-public-assets"))
	if !engine.EvaluateURL("https://storage.googleapis.com/solutions-public-assets/readme.txt").Allowed() {
		t.Fatal("bucket pattern should allow objects in the bucket")
	}
	if engine.EvaluateURL("https://storage.googleapis.com/solutions-public-assetsX/readme.txt").Allowed() {
		t.Fatal("bucket pattern must not match a prefix-sharing bucket")
	}
}
