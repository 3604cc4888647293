//go:build !govips || !cgo

package pipeline

// Startup reports the pure Go runtime. WebP can be decoded but not written.
func Startup(RuntimeOptions) (RuntimeInfo, error) {
	return RuntimeInfo{Backend: "stdlib", Formats: []string{"png", "jpeg"}}, nil
}

func Shutdown() {}

func newEncoder() (Encoder, error) {
	return stdlibEncoder{}, nil
}
