package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

const redacted = "[REDACTED]"

var (
	// bearer tokens and provider style keys (sk-..., sk-or-v1-...)
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]+`),
		regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
	}

	secretKeys = map[string]struct{}{
		"apikey":        {},
		"api_key":       {},
		"token":         {},
		"authorization": {},
		"secret":        {},
	}
)

// PayloadSecrets returns the string values of secret-looking top-level payload keys
func PayloadSecrets(payload string) []string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil
	}

	var secrets []string
	for key, value := range fields {
		if _, ok := secretKeys[strings.ToLower(key)]; !ok {
			continue
		}
		if s, ok := value.(string); ok && s != "" {
			secrets = append(secrets, s)
		}
	}
	return secrets
}

// SanitizeMessage removes secrets from an error message and bounds its length
func SanitizeMessage(message string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		message = strings.ReplaceAll(message, secret, redacted)
	}
	for _, pattern := range secretPatterns {
		message = pattern.ReplaceAllString(message, redacted)
	}

	message = strings.TrimSpace(message)
	if message == "" {
		message = "job execution failed"
	}
	if len(message) > MaxErrorMessageLen {
		message = truncateUTF8(message, MaxErrorMessageLen) + "..."
	}
	return message
}

// truncateUTF8 cuts s to at most n bytes without splitting a character
func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
