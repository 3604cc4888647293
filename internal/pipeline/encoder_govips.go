//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/davidbyttow/govips/v2/vips"
)

// govipsEncoder hands the composite to libvips as lossless PNG and exports
// from there, which adds WebP output.
type govipsEncoder struct{}

func (govipsEncoder) Encode(ctx context.Context, img image.Image, format string, quality int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lossless, err := EncodePNG(img)
	if err != nil {
		return nil, err
	}
	format = normalizeOutputFormat(format)
	if format == "png" && quality <= 0 {
		return lossless, nil
	}

	ref, err := vips.NewImageFromBuffer(lossless)
	if err != nil {
		return nil, fmt.Errorf("load composite into vips: %w", err)
	}
	defer ref.Close()

	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		} else {
			params.Lossless = true
		}
		data, _, err := ref.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	default:
		params := vips.NewPngExportParams()
		params.Quality = quality
		data, _, err := ref.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	}
}
