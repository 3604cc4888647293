package pipeline

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/printforge/internal/domain"
)

// CropRect is the source sub-rectangle in fractional pixels.
type CropRect struct {
	X float64
	Y float64
	W float64
	H float64
}

// PlanCrop returns the largest rectangle of targetAspect that fits the
// image, centred and then shifted by the offsets. An offset of ±100 moves
// the window flush against one side. Positive offsetYPct moves the window
// down, revealing more of the bottom of the source.
func PlanCrop(imageW, imageH int, targetAspect float64, offsetXPct, offsetYPct int) (CropRect, error) {
	if imageW <= 0 || imageH <= 0 {
		return CropRect{}, domain.ErrInvalidImage
	}
	if !(targetAspect > 0) || math.IsInf(targetAspect, 0) {
		return CropRect{}, invalidAspect(targetAspect)
	}

	w, h := float64(imageW), float64(imageH)
	imageAspect := w / h

	switch {
	case imageAspect > targetAspect:
		cropW := h * targetAspect
		maxShift := w - cropW
		x := maxShift/2 + float64(offsetXPct)/100*(maxShift/2)
		return CropRect{X: clampFloat(x, 0, maxShift), Y: 0, W: cropW, H: h}, nil
	case imageAspect < targetAspect:
		cropH := w / targetAspect
		maxShift := h - cropH
		y := maxShift/2 + float64(offsetYPct)/100*(maxShift/2)
		return CropRect{X: 0, Y: clampFloat(y, 0, maxShift), W: w, H: cropH}, nil
	default:
		return CropRect{W: w, H: h}, nil
	}
}

// Pixels rounds the rectangle to whole pixels that stay inside the image.
func (c CropRect) Pixels(imageW, imageH int) image.Rectangle {
	w := clampInt(int(math.Round(c.W)), 1, imageW)
	h := clampInt(int(math.Round(c.H)), 1, imageH)
	x := clampInt(int(math.Round(c.X)), 0, imageW-w)
	y := clampInt(int(math.Round(c.Y)), 0, imageH-h)
	return image.Rect(x, y, x+w, y+h)
}

func cropStage(targetAspect float64, offsetXPct, offsetYPct int) Stage {
	return Stage{
		Name: "crop",
		Apply: func(img *image.NRGBA) (*image.NRGBA, error) {
			b := img.Bounds()
			plan, err := PlanCrop(b.Dx(), b.Dy(), targetAspect, offsetXPct, offsetYPct)
			if err != nil {
				return nil, err
			}
			rect := plan.Pixels(b.Dx(), b.Dy()).Add(b.Min)
			if rect == b {
				return imaging.Clone(img), nil
			}
			return imaging.Crop(img, rect), nil
		},
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
