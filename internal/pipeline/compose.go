package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/printarea"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stage is one pure raster step. Apply must not modify its input.
type Stage struct {
	Name  string
	Apply func(img *image.NRGBA) (*image.NRGBA, error)
}

// Plan returns the enabled stages in their fixed order:
// crop, mask, feather, frame. Disabled stages are omitted.
func Plan(settings domain.ToolSettings, target *printarea.Spec) ([]Stage, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	stages := make([]Stage, 0, 4)

	aspect, crop, err := settings.Fit.TargetAspect(target)
	if err != nil {
		return nil, err
	}
	if crop {
		stages = append(stages, cropStage(aspect, settings.OffsetXPct, settings.OffsetYPct))
	}
	if settings.CornerRadiusPct > 0 {
		stages = append(stages, maskStage(settings.CornerRadiusPct))
	}
	if settings.FeatherPx > 0 {
		stages = append(stages, featherStage(settings.Circle(), settings.FeatherPx))
	}
	if settings.Frame != nil {
		stages = append(stages, frameStage(settings.CornerRadiusPct, *settings.Frame))
	}
	return stages, nil
}

// Composer runs the composition pipeline. It holds no per-call state and is
// safe for concurrent use.
type Composer struct {
	tracer trace.Tracer
}

func NewComposer() *Composer {
	return &Composer{tracer: otel.Tracer("printforge/pipeline")}
}

// Compose crops, masks, feathers and frames source according to settings.
// The same inputs always produce byte-identical output. source is never
// modified; on any error source itself is returned along with the error so
// callers keep a usable image and never see a partial composite.
func (c *Composer) Compose(ctx context.Context, source image.Image, target *printarea.Spec, settings domain.ToolSettings) (image.Image, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.compose")
	defer span.End()

	out, err := c.compose(ctx, source, target, settings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compose failed")
		return source, err
	}
	span.SetAttributes(
		attribute.Int("image.width", out.Bounds().Dx()),
		attribute.Int("image.height", out.Bounds().Dy()),
	)
	return out, nil
}

func (c *Composer) compose(ctx context.Context, source image.Image, target *printarea.Spec, settings domain.ToolSettings) (*image.NRGBA, error) {
	if source == nil || source.Bounds().Empty() {
		return nil, domain.ErrInvalidImage
	}

	stages, err := Plan(settings, target)
	if err != nil {
		return nil, err
	}

	working := imaging.Clone(source)
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		_, span := c.tracer.Start(ctx, "pipeline.stage."+stage.Name)
		next, err := stage.Apply(working)
		span.End()
		if err != nil {
			return nil, fmt.Errorf("%s stage: %w", stage.Name, err)
		}
		working = next
	}
	return working, nil
}

func cloneNRGBA(img *image.NRGBA) *image.NRGBA {
	out := &image.NRGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(out.Pix, img.Pix)
	return out
}

func invalidAspect(aspect float64) error {
	return fmt.Errorf("%w: target aspect %v must be > 0", domain.ErrInvalidInput, aspect)
}
