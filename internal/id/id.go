package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// NewPrefixed returns "<prefix>_<uuid without dashes>", e.g. "ses_3f2a...".
func NewPrefixed(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
