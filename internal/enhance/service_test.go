package enhance

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/printarea"
)

func TestBuildRequestBoundsThumbnail(t *testing.T) {
	settings := domain.ToolSettings{
		FeatherPx:       25,
		CornerRadiusPct: 100,
		Frame:           &domain.FrameSpec{Color: domain.RGBA8{R: 0x12, G: 0x34, B: 0x56, A: 255}, WidthPx: 6, Double: true},
	}
	area := &printarea.Spec{WidthIn: 8.5, HeightIn: 3.5, DPI: 300}

	req, err := BuildRequest(solid(3000, 1500), settings, area, 1024)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(req.ThumbnailData)
	if err != nil {
		t.Fatalf("thumbnail is not base64: %v", err)
	}
	thumb, _, err := pipeline.DecodeImage(raw)
	if err != nil {
		t.Fatalf("thumbnail is not an image: %v", err)
	}
	if b := thumb.Bounds(); b.Dx() != 1024 || b.Dy() != 512 {
		t.Fatalf("expected 1024x512 thumbnail, got %v", b)
	}

	if !req.SoftCorners || !req.EdgeFeather || req.CornerRadiusPercent != 100 || req.FeatherEdgePercent != 50 {
		t.Fatalf("unexpected silhouette fields %+v", req)
	}
	if !req.FrameEnabled || req.FrameColor != "#123456" || req.FrameWidth != 6 || !req.DoubleFrame {
		t.Fatalf("unexpected frame fields %+v", req)
	}
	if req.AddWhiteBackground {
		t.Fatal("a transparent silhouette must not request a white background")
	}
	if req.PrintDPI != 300 || req.PrintAreaWidth == nil || *req.PrintAreaWidth != 8.5 || *req.PrintAreaHeight != 3.5 {
		t.Fatalf("unexpected print area fields %+v", req)
	}
}

func TestBuildRequestWithoutPrintArea(t *testing.T) {
	req, err := BuildRequest(solid(100, 100), domain.ToolSettings{}, nil, 0)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.PrintAreaWidth != nil || req.PrintAreaHeight != nil {
		t.Fatal("print area fields must be omitted when unknown")
	}
	if !req.AddWhiteBackground || req.FrameEnabled {
		t.Fatalf("unexpected defaults %+v", req)
	}

	body, _ := json.Marshal(req)
	var fields map[string]any
	_ = json.Unmarshal(body, &fields)
	if _, ok := fields["print_area_width"]; ok {
		t.Fatal("print_area_width should not be serialised")
	}
	for _, key := range []string{"thumbnail_data", "print_dpi", "soft_corners", "edge_feather", "frame_color", "double_frame", "add_white_background"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing %s in request body", key)
		}
	}
}

func TestHTTPServicePostsRequest(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := successResponse(t, 12, 8)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	svc, err := NewHTTPService(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	resp, err := svc.Enhance(context.Background(), Request{ThumbnailData: "abc", PrintDPI: 300, FrameColor: "#000000"})
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if got.ThumbnailData != "abc" || got.PrintDPI != 300 {
		t.Fatalf("server saw unexpected request %+v", got)
	}

	img, _, err := DecodeResult(resp)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 12 || b.Dy() != 8 {
		t.Fatalf("unexpected result size %v", b)
	}
}

func TestHTTPServiceDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	svc, _ := NewHTTPService(server.URL, time.Second)
	if _, err := svc.Enhance(context.Background(), Request{}); err == nil {
		t.Fatal("expected an error for a 502 response")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a single call, got %d", got)
	}
}

func TestHTTPServiceHonoursContext(t *testing.T) {
	unblock := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-unblock:
		}
	}))
	defer server.Close()
	defer close(unblock)

	svc, _ := NewHTTPService(server.URL, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := svc.Enhance(ctx, Request{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDecodeResultRejectsFailures(t *testing.T) {
	if _, _, err := DecodeResult(Response{Success: false, Error: "nope"}); err == nil || err.Error() != "nope" {
		t.Fatalf("expected service error message, got %v", err)
	}
	if _, _, err := DecodeResult(Response{Success: true}); err == nil {
		t.Fatal("success without screenshot must fail")
	}
	if _, _, err := DecodeResult(Response{Success: true, Screenshot: "%%%"}); err == nil {
		t.Fatal("invalid base64 must fail")
	}

	ok := successResponse(t, 3, 3)
	ok.Screenshot = "data:image/png;base64," + ok.Screenshot
	if _, _, err := DecodeResult(ok); err != nil {
		t.Fatalf("data URL screenshot should decode: %v", err)
	}
}
