package pipeline

import "testing"

func TestRuntimeInfoWrites(t *testing.T) {
	info, err := Startup(RuntimeOptions{})
	if err != nil {
		t.Fatalf("startup: %v", err)
	}
	defer Shutdown()

	if info.Backend == "" {
		t.Fatal("backend should be named")
	}
	for _, format := range []string{"png", "PNG", "jpg", "jpeg", "bmp"} {
		if !info.Writes(format) {
			t.Fatalf("%s/%q should be writable", info.Backend, format)
		}
	}
	if stdlib := (RuntimeInfo{Backend: "stdlib", Formats: []string{"png", "jpeg"}}); stdlib.Writes("webp") {
		t.Fatal("stdlib runtime cannot write webp")
	}
}
