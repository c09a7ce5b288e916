package util

import (
	"html"
	"regexp"
	"strings"
)

const maxMachineIDLength = 50

var machineIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SanitizeMachineID trims and validates a kiosk machine identifier.
// Returns the cleaned value and whether it is acceptable.
func SanitizeMachineID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxMachineIDLength {
		return "", false
	}
	if !machineIDPattern.MatchString(s) {
		return "", false
	}
	return s, true
}

// SanitizeMetadata escapes HTML/script-like characters in audit metadata
// (user agent, free-form strings) before they are persisted.
func SanitizeMetadata(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 512 {
		s = s[:512]
	}
	return html.EscapeString(s)
}

// ContainsSuspicious reports obvious injection attempts in client input.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
