package enhance

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/printarea"
	"github.com/go-resty/resty/v2"
)

// DefaultThumbnailEdge bounds the long edge of the image sent for
// enhancement.
const DefaultThumbnailEdge = 1024

// Request is the Enhancement Service request body.
type Request struct {
	ThumbnailData       string   `json:"thumbnail_data"`
	PrintDPI            uint32   `json:"print_dpi"`
	SoftCorners         bool     `json:"soft_corners"`
	EdgeFeather         bool     `json:"edge_feather"`
	CornerRadiusPercent uint32   `json:"corner_radius_percent"`
	FeatherEdgePercent  uint32   `json:"feather_edge_percent"`
	FrameEnabled        bool     `json:"frame_enabled"`
	FrameColor          string   `json:"frame_color"`
	FrameWidth          uint32   `json:"frame_width"`
	DoubleFrame         bool     `json:"double_frame"`
	AddWhiteBackground  bool     `json:"add_white_background"`
	PrintAreaWidth      *float64 `json:"print_area_width,omitempty"`
	PrintAreaHeight     *float64 `json:"print_area_height,omitempty"`
}

type Dimensions struct {
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

// Response is the Enhancement Service response body.
type Response struct {
	Success    bool        `json:"success"`
	Screenshot string      `json:"screenshot,omitempty"`
	Dimensions *Dimensions `json:"dimensions,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Service is one synchronous call to the Enhancement Service. It must not
// retry; retry and timeout policy belong to the Orchestrator.
type Service interface {
	Enhance(ctx context.Context, req Request) (Response, error)
}

// BuildRequest renders the request for img with the session's settings.
// The thumbnail is a PNG whose long edge is at most maxEdge.
func BuildRequest(img image.Image, settings domain.ToolSettings, area *printarea.Spec, maxEdge int) (Request, error) {
	if img == nil || img.Bounds().Empty() {
		return Request{}, domain.ErrInvalidImage
	}
	if maxEdge <= 0 {
		maxEdge = DefaultThumbnailEdge
	}

	thumb := img
	if b := img.Bounds(); b.Dx() > maxEdge || b.Dy() > maxEdge {
		thumb = imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	}
	encoded, err := pipeline.EncodePNG(thumb)
	if err != nil {
		return Request{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	req := Request{
		ThumbnailData:       base64.StdEncoding.EncodeToString(encoded),
		PrintDPI:            uint32(printarea.Fallback.DPI),
		SoftCorners:         settings.CornerRadiusPct > 0,
		EdgeFeather:         settings.FeatherPx > 0,
		CornerRadiusPercent: uint32(settings.CornerRadiusPct),
		FeatherEdgePercent:  uint32(settings.FeatherPx * 100 / domain.MaxFeatherPx),
		AddWhiteBackground:  settings.CornerRadiusPct == 0 && settings.FeatherPx == 0,
	}
	if settings.Frame != nil {
		req.FrameEnabled = true
		req.FrameColor = settings.Frame.Color.Hex()
		req.FrameWidth = uint32(settings.Frame.WidthPx)
		req.DoubleFrame = settings.Frame.Double
	}
	if area != nil && area.Valid() {
		req.PrintDPI = uint32(area.DPI)
		w, h := area.WidthIn, area.HeightIn
		req.PrintAreaWidth = &w
		req.PrintAreaHeight = &h
	}
	return req, nil
}

// DecodeResult turns a response into an image. success=true without a
// decodable screenshot is a failure.
func DecodeResult(resp Response) (image.Image, []byte, error) {
	if !resp.Success {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = "service reported failure"
		}
		return nil, nil, errors.New(msg)
	}
	if strings.TrimSpace(resp.Screenshot) == "" {
		return nil, nil, errors.New("success response without screenshot")
	}

	raw, err := base64.StdEncoding.DecodeString(stripDataURL(resp.Screenshot))
	if err != nil {
		return nil, nil, fmt.Errorf("decode screenshot base64: %w", err)
	}
	img, _, err := pipeline.DecodeImage(raw)
	if err != nil {
		return nil, nil, err
	}
	if img.Bounds().Empty() {
		return nil, nil, domain.ErrInvalidImage
	}
	return img, raw, nil
}

func stripDataURL(in string) string {
	if strings.HasPrefix(in, "data:") {
		if i := strings.Index(in, ","); i >= 0 {
			return in[i+1:]
		}
	}
	return in
}

// HTTPService calls the Enhancement Service over HTTP.
type HTTPService struct {
	client   *resty.Client
	endpoint string
}

// NewHTTPService builds a client with retries disabled. timeout is a
// transport backstop; the orchestrator's deadline is normally shorter.
func NewHTTPService(endpoint string, timeout time.Duration) (*HTTPService, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("enhancement endpoint is required")
	}

	client := resty.New().
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPService{client: client, endpoint: endpoint}, nil
}

func (s *HTTPService) Enhance(ctx context.Context, req Request) (Response, error) {
	var out Response
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		ForceContentType("application/json").
		Post(s.endpoint)
	if err != nil {
		return Response{}, fmt.Errorf("call enhancement service: %w", err)
	}
	if resp.IsError() {
		return Response{}, fmt.Errorf("enhancement service returned status %d", resp.StatusCode())
	}
	return out, nil
}
