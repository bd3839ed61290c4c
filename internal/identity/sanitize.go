package identity

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	invalidHandleChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedHyphens    = regexp.MustCompile(`-{2,}`)
)

// SanitizeHandle normalizes a wallet username into a storable handle:
// lowercased, invalid characters replaced with hyphens, runs of hyphens
// collapsed, leading and trailing hyphens trimmed.
func SanitizeHandle(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	h = invalidHandleChars.ReplaceAllString(h, "-")
	h = repeatedHyphens.ReplaceAllString(h, "-")
	return strings.Trim(h, "-")
}

// randomSuffix returns a short lowercase alphanumeric suffix for retrying a
// handle collision.
func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
