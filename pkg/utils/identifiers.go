package utils

import (
	"regexp"
	"strings"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// SanitizeIdentifier makes an identifier safe for container names and
// filesystem paths. Container names must match [a-zA-Z0-9][a-zA-Z0-9_.-]*.
func SanitizeIdentifier(id string) string {
	sanitized := unsafeNameChars.ReplaceAllString(id, "-")
	sanitized = strings.TrimLeft(sanitized, "_.-")
	if sanitized == "" {
		return "x"
	}
	return sanitized
}

// SanitizeContainerName prefixes and sanitizes a workflow id for use as a
// sandbox container name.
func SanitizeContainerName(prefix, id string) string {
	return SanitizeIdentifier(prefix + "-" + id)
}
