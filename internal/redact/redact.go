// Package redact masks credentials in log output.
package redact

import (
	"log/slog"
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

var sensitiveKeys = []string{
	"api_key", "token", "secret", "password", "credential",
	"access_key", "auth", "private_key", "certificate",
}

var (
	keyValuePattern = regexp.MustCompile(`(?i)(` + strings.Join(sensitiveKeys, "|") + `)(\s*[=:]\s*)("[^"]*"|'[^']*'|[^\s,&"']+)`)
	urlPattern      = regexp.MustCompile(`(?i)\b(?:https?|wss?)://[^\s"'<>]+`)
	queryPattern    = regexp.MustCompile(`([?&][^=&#\s]+=)[^&#\s]*`)
)

// String masks key=value / key: value pairs with a sensitive key and every
// query parameter value of URLs found in s.
func String(s string) string {
	s = keyValuePattern.ReplaceAllString(s, "${1}${2}"+Placeholder)
	return urlPattern.ReplaceAllStringFunc(s, func(u string) string {
		if !strings.Contains(u, "?") {
			return u
		}
		return queryPattern.ReplaceAllString(u, "${1}"+Placeholder)
	})
}

// SensitiveKey reports whether an attribute named key holds a credential.
func SensitiveKey(key string) bool {
	key = strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

// Attr is a slog.HandlerOptions.ReplaceAttr hook.
func Attr(_ []string, a slog.Attr) slog.Attr {
	if SensitiveKey(a.Key) {
		return slog.String(a.Key, Placeholder)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		if v := a.Value.String(); v != "" {
			a.Value = slog.StringValue(String(v))
		}
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok && err != nil {
			a.Value = slog.StringValue(String(err.Error()))
		}
	}
	return a
}
