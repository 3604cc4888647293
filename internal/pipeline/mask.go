package pipeline

import (
	"fmt"
	"image"
	"math"

	"github.com/dunamismax/printforge/internal/domain"
)

// Shape is a silhouette on a w×h canvas. For a circle Radius is the circle
// radius; otherwise it is the corner radius of a rounded rectangle, in
// pixels.
type Shape struct {
	Circle bool
	Radius float64
	Width  int
	Height int
}

// ShapeFor derives the silhouette for radiusPct. At 100 and above the shape
// is a dedicated circle centred on the canvas rather than a rounded
// rectangle with an extreme radius. Below that radiusPct is taken as a
// pixel corner radius, capped at half the shorter side.
func ShapeFor(w, h, radiusPct int) Shape {
	half := float64(min(w, h)) / 2
	if radiusPct >= domain.CircleRadiusPct {
		return Shape{Circle: true, Radius: half, Width: w, Height: h}
	}
	r := math.Max(0, float64(radiusPct))
	return Shape{Radius: math.Min(r, half), Width: w, Height: h}
}

// sdf is the signed distance from (px, py) to the shape boundary after
// insetting it by inset pixels. Negative is inside.
func (s Shape) sdf(px, py, inset float64) float64 {
	cx, cy := float64(s.Width)/2, float64(s.Height)/2
	if s.Circle {
		return math.Hypot(px-cx, py-cy) - (s.Radius - inset)
	}
	r := math.Max(0, s.Radius-inset)
	hx := cx - inset
	hy := cy - inset
	qx := math.Abs(px-cx) - (hx - r)
	qy := math.Abs(py-cy) - (hy - r)
	outside := math.Hypot(math.Max(qx, 0), math.Max(qy, 0))
	inside := math.Min(math.Max(qx, qy), 0)
	return outside + inside - r
}

// coverage is the anti-aliased fraction of pixel (x, y) inside the shape.
func (s Shape) coverage(x, y int) float64 {
	d := s.sdf(float64(x)+0.5, float64(y)+0.5, 0)
	return clampFloat(0.5-d, 0, 1)
}

// Mask is an alpha silhouette the size of the canvas.
type Mask struct {
	Shape Shape
	Alpha *image.Alpha
}

// GenerateMask builds the silhouette mask for a canvas. radiusPct 0 yields
// an all-opaque mask.
func GenerateMask(w, h, radiusPct int) (*Mask, error) {
	if w <= 0 || h <= 0 {
		return nil, domain.ErrInvalidImage
	}
	if radiusPct < 0 {
		return nil, fmt.Errorf("%w: corner radius %d must not be negative", domain.ErrInvalidInput, radiusPct)
	}

	shape := ShapeFor(w, h, radiusPct)
	alpha := image.NewAlpha(image.Rect(0, 0, w, h))
	if !shape.Circle && shape.Radius == 0 {
		for i := range alpha.Pix {
			alpha.Pix[i] = 0xff
		}
		return &Mask{Shape: shape, Alpha: alpha}, nil
	}

	for y := 0; y < h; y++ {
		row := alpha.Pix[y*alpha.Stride : y*alpha.Stride+w]
		for x := range row {
			row[x] = uint8(math.Round(shape.coverage(x, y) * 255))
		}
	}
	return &Mask{Shape: shape, Alpha: alpha}, nil
}

// Apply multiplies the image alpha by the mask. Colour channels are left
// intact so later stages still see a fully defined colour buffer.
func (m *Mask) Apply(img *image.NRGBA) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() != m.Alpha.Rect.Dx() || b.Dy() != m.Alpha.Rect.Dy() {
		return nil, fmt.Errorf("mask %v does not match image %v", m.Alpha.Rect.Size(), b.Size())
	}

	out := cloneNRGBA(img)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			i := out.PixOffset(b.Min.X+x, b.Min.Y+y) + 3
			out.Pix[i] = mulAlpha(out.Pix[i], m.Alpha.Pix[y*m.Alpha.Stride+x])
		}
	}
	return out, nil
}

func maskStage(radiusPct int) Stage {
	return Stage{
		Name: "mask",
		Apply: func(img *image.NRGBA) (*image.NRGBA, error) {
			b := img.Bounds()
			mask, err := GenerateMask(b.Dx(), b.Dy(), radiusPct)
			if err != nil {
				return nil, err
			}
			return mask.Apply(img)
		},
	}
}

// mulAlpha returns round(a*m/255).
func mulAlpha(a, m uint8) uint8 {
	return uint8((uint32(a)*uint32(m) + 127) / 255)
}
