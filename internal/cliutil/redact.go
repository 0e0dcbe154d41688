package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	secretKeyPattern   = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	urlPasswordPattern = regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+:)([^@\s]+)(@)`)
	bearerPattern      = regexp.MustCompile(`(?i)\b(bearer\s+)([A-Za-z0-9._~+/=-]+)`)
)

// secretKeys lists the assignments whose values never reach the terminal or
// the JSON stream. The model provider keys are read by the backend itself and
// show up in its startup errors.
func secretKeys() []string {
	keys := []string{
		"OPENAI_API_KEY",
		"GEMINI_API_KEY",
		"GOOGLE_API_KEY",
		"ANTHROPIC_API_KEY",
		"DATABASE_URL",
		"DB_URL",
		"SQLALCHEMY_DATABASE_URL",
		"DATABASE_PASSWORD",
		"DB_PASSWORD",
		"API_KEY",
		"ACCESS_TOKEN",
		"REFRESH_TOKEN",
		"CLIENT_SECRET",
		"SECRET_KEY",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// RedactSecrets masks secrets in backend output before it is displayed: known
// key assignments, passwords embedded in connection URLs and bearer tokens.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := secretKeyPattern.ReplaceAllString(message, "$1$2$3"+redactedPlaceholder+"$5")
	redacted = urlPasswordPattern.ReplaceAllString(redacted, "$1"+redactedPlaceholder+"$3")
	return bearerPattern.ReplaceAllString(redacted, "$1"+redactedPlaceholder)
}
