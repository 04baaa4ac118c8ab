package policy

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/RowanDark/egressguard/internal/httpwire"
)

// Action is the outcome of evaluating a request.
type Action int

const (
	// Deny is the default action when no rule matches.
	Deny Action = iota
	// Allow forwards the request upstream.
	Allow
)

func (a Action) String() string {
	if a == Allow {
		return "allow"
	}
	return "deny"
}

// Reason explains a decision in logs and history. Clients never see it.
type Reason string

const (
	// ReasonAllowed indicates an allow rule matched.
	ReasonAllowed Reason = "allowed"
	// ReasonNotAllowlisted indicates no rule matched.
	ReasonNotAllowlisted Reason = "not_allowlisted"
	// ReasonInvalidURL indicates the request carried no usable absolute URL.
	ReasonInvalidURL Reason = "invalid_url"
)

// Rule is one compiled allow-list entry.
type Rule struct {
	Index   int
	Pattern string
	Action  Action

	expr *regexp.Regexp
}

// Decision describes the result of evaluating a candidate.
type Decision struct {
	Action Action
	Reason Reason
	Rule   *Rule
}

// Allowed reports whether the request may be forwarded.
func (d Decision) Allowed() bool {
	return d.Action == Allow
}

// Engine evaluates URLs against an ordered allow-list. It is immutable after
// Compile and safe for concurrent use.
type Engine struct {
	rules []*Rule
}

// Compile builds an Engine. Each pattern is a regular expression anchored at
// both ends; evaluation order is slice order.
func Compile(patterns []string) (*Engine, error) {
	e := &Engine{}
	for i, pattern := range patterns {
		trimmed := strings.TrimSpace(pattern)
		if trimmed == "" {
			return nil, fmt.Errorf("compile rule %d: empty pattern", i)
		}
		expr, err := regexp.Compile(anchor(trimmed))
		if err != nil {
			return nil, fmt.Errorf("compile rule %d %q: %w", i, trimmed, err)
		}
		e.rules = append(e.rules, &Rule{Index: i, Pattern: trimmed, Action: Allow, expr: expr})
	}
	return e, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(patterns ...string) *Engine {
	e, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return e
}

func anchor(pattern string) string {
	return `^(?:` + pattern + `)$`
}

// Patterns returns the configured patterns in evaluation order.
func (e *Engine) Patterns() []string {
	out := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Pattern)
	}
	return out
}

// Evaluate decides a parsed request. Requests without a resolvable URL are
// denied.
func (e *Engine) Evaluate(req *httpwire.Request) Decision {
	if req == nil || req.URL == nil {
		return Decision{Action: Deny, Reason: ReasonInvalidURL}
	}
	return e.evaluate(req.URL)
}

// EvaluateURL decides a raw absolute URL.
func (e *Engine) EvaluateURL(candidate string) Decision {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return Decision{Action: Deny, Reason: ReasonInvalidURL}
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return Decision{Action: Deny, Reason: ReasonInvalidURL}
	}
	return e.evaluate(parsed)
}

func (e *Engine) evaluate(u *url.URL) Decision {
	canonical, ok := Canonical(u)
	if !ok {
		return Decision{Action: Deny, Reason: ReasonInvalidURL}
	}
	for _, rule := range e.rules {
		if rule.expr.MatchString(canonical) {
			return Decision{Action: rule.Action, Reason: ReasonAllowed, Rule: rule}
		}
	}
	return Decision{Action: Deny, Reason: ReasonNotAllowlisted}
}

// Canonical renders u the way rules see it: lower-case scheme and host,
// default port dropped, escaped path, query kept, fragment and userinfo
// removed. Dot segments are left in the path exactly as the client sent them:
// the origin, not the proxy, decides what "/a/../b" names, so rules must be
// written against the literal path.
func Canonical(u *url.URL) (string, bool) {
	if u == nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPort(scheme) {
		host = net.JoinHostPort(strings.Trim(host, "[]"), port)
	}

	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteString("://")
	sb.WriteString(host)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	sb.WriteString(path)
	if u.RawQuery != "" || u.ForceQuery {
		sb.WriteByte('?')
		sb.WriteString(u.RawQuery)
	}
	return sb.String(), true
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}
