package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/webp"
)

// Encoder serialises a composite in one of the supported output formats.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, format string, quality int) ([]byte, error)
}

func normalizeOutputFormat(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "jpg", "jpeg":
		return "jpeg"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}

// outputFormat keeps transparency: a composite with any non-opaque pixel is
// never written as JPEG.
func outputFormat(requested string, img image.Image) string {
	format := normalizeOutputFormat(requested)
	if format != "jpeg" {
		return format
	}
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return format
	}
	return "png"
}

// DecodeImage decodes PNG, JPEG or WebP bytes.
func DecodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode source image: %w", err)
	}
	return img, format, nil
}

func contentTypeForFormat(format string) string {
	switch normalizeOutputFormat(format) {
	case "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
