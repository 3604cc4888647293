//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	runtimeMu  sync.Mutex
	vipsActive bool
)

// Startup brings libvips up once per process. Later calls only report the
// runtime; their options are ignored.
func Startup(opts RuntimeOptions) (RuntimeInfo, error) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	info := RuntimeInfo{Backend: "govips", Formats: []string{"png", "jpeg", "webp"}}
	if vipsActive {
		return info, nil
	}

	cacheMem := opts.CacheMemBytes
	if cacheMem <= 0 {
		cacheMem = DefaultCacheMemBytes
	}
	vips.Startup(&vips.Config{
		ConcurrencyLevel: opts.Concurrency,
		MaxCacheFiles:    0,
		MaxCacheMem:      cacheMem,
		MaxCacheSize:     100,
	})
	vipsActive = true
	return info, nil
}

func Shutdown() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	if vipsActive {
		vips.Shutdown()
		vipsActive = false
	}
}

func newEncoder() (Encoder, error) {
	return govipsEncoder{}, nil
}
