package protocol

import (
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}([0-9A-Fa-f]{2})$`)

// ValidMAC reports whether s is a 6-group hex address with ':' or '-'
// separators.
func ValidMAC(s string) bool {
	return macPattern.MatchString(s)
}

// NormalizeMAC canonicalizes a MAC address to upper-case hex pairs separated
// by colons. The input must already satisfy ValidMAC; the empty string is
// returned otherwise.
func NormalizeMAC(s string) string {
	if !ValidMAC(s) {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(s, "-", ":"))
}

// MACSuffix returns the last four hex digits of a normalized MAC, used by
// friendly-name templates.
func MACSuffix(mac string) string {
	clean := strings.ReplaceAll(mac, ":", "")
	if len(clean) < 4 {
		return clean
	}
	return clean[len(clean)-4:]
}
