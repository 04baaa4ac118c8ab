// Package redact masks credentials before URLs and log fields are persisted.
package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

const redactedSecret = "[REDACTED_SECRET]"

var (
	kvSecretRe  = regexp.MustCompile(`(?i)((?:api|token|secret|key|password)[-_ ]*(?:id|key|token)?\s*[:=]\s*)(['\"]?)([A-Za-z0-9+/=_\-]{8,})(['\"]?)`)
	bearerRe    = regexp.MustCompile(`(?i)\b(bearer|basic|token)\s+([A-Za-z0-9._~+/\-]{10,}=*)`)
	longTokenRe = regexp.MustCompile(`\b[A-Za-z0-9]{32,}\b`)

	// Query parameters carrying signed-URL or OAuth credentials.
	sensitiveParams = []string{
		"access_token",
		"api_key",
		"apikey",
		"key",
		"password",
		"sig",
		"signature",
		"token",
		"x-amz-credential",
		"x-amz-security-token",
		"x-amz-signature",
		"x-goog-credential",
		"x-goog-signature",
	}
)

// String redacts common secret patterns from free text.
func String(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	masked := kvSecretRe.ReplaceAllString(in, `$1$2[REDACTED_SECRET]$4`)
	masked = bearerRe.ReplaceAllString(masked, `$1 [REDACTED_SECRET]`)
	masked = longTokenRe.ReplaceAllString(masked, redactedSecret)
	return masked
}

// URL masks userinfo and credential-bearing query parameters while keeping
// the rest of the URL readable. Unparsable input is run through String.
func URL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return String(raw)
	}
	if u.User != nil {
		u.User = url.User(redactedSecret)
	}
	if u.RawQuery != "" {
		u.RawQuery = query(u.RawQuery)
	}
	return u.String()
}

// query rewrites sensitive values in place so parameter order is preserved.
func query(raw string) string {
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		name, _, hasValue := strings.Cut(part, "=")
		if !hasValue {
			continue
		}
		decoded, err := url.QueryUnescape(name)
		if err != nil {
			decoded = name
		}
		if isSensitiveParam(decoded) {
			parts[i] = name + "=" + url.QueryEscape(redactedSecret)
		}
	}
	return strings.Join(parts, "&")
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, p := range sensitiveParams {
		if lower == p {
			return true
		}
	}
	return false
}

// Interface redacts recognised sensitive values within nested structures.
func Interface(value any) any {
	switch v := value.(type) {
	case string:
		return String(v)
	case fmt.Stringer:
		return String(v.String())
	case []string:
		return Slice(v)
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Interface(elem)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = String(s)
		}
		return out
	case map[string]any:
		return Map(v)
	default:
		return value
	}
}

// Map redacts sensitive values within a map of arbitrary values. Values under
// a "url" key are treated as URLs.
func Map(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok && strings.EqualFold(k, "url") {
			out[k] = URL(s)
			continue
		}
		out[k] = Interface(v)
	}
	return out
}

// Slice redacts sensitive values within a slice of strings.
func Slice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = String(v)
	}
	return out
}
