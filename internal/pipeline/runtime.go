package pipeline

import "slices"

const DefaultCacheMemBytes = 128 << 20

// RuntimeOptions tunes the native image runtime when one is compiled in.
type RuntimeOptions struct {
	CacheMemBytes int
	Concurrency   int
}

// RuntimeInfo describes the encoder backend this binary was built with.
type RuntimeInfo struct {
	Backend string
	Formats []string
}

// Writes reports whether the backend can encode format. Unknown formats are
// written as PNG, so they count as supported.
func (i RuntimeInfo) Writes(format string) bool {
	return slices.Contains(i.Formats, normalizeOutputFormat(format))
}
