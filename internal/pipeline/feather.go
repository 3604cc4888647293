package pipeline

import (
	"image"
	"math"
)

// FeatherCap limits the falloff to a quarter of the shorter canvas side so
// it can never consume the whole image.
func FeatherCap(w, h, featherPx int) int {
	return max(0, min(featherPx, min(w, h)/4))
}

// Feather fades the alpha channel toward the silhouette boundary. A circle
// gets a radial falloff ending at the inscribed circle; anything else gets
// four linear edge falloffs combined by taking the minimum. The dispatch is
// by the circle flag only, never by inspecting pixels.
func Feather(img *image.NRGBA, circle bool, featherPx int) *image.NRGBA {
	out := cloneNRGBA(img)
	b := out.Bounds()
	w, h := b.Dx(), b.Dy()
	eff := FeatherCap(w, h, featherPx)
	if eff == 0 {
		return out
	}

	factor := edgeFalloff(w, h, float64(eff))
	if circle {
		factor = radialFalloff(w, h, float64(eff))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			f := factor(float64(x)+0.5, float64(y)+0.5)
			if f >= 1 {
				continue
			}
			i := out.PixOffset(b.Min.X+x, b.Min.Y+y) + 3
			out.Pix[i] = uint8(math.Round(float64(out.Pix[i]) * f))
		}
	}
	return out
}

func radialFalloff(w, h int, eff float64) func(px, py float64) float64 {
	cx, cy := float64(w)/2, float64(h)/2
	outer := float64(min(w, h)) / 2
	inner := math.Max(0, outer-eff)
	return func(px, py float64) float64 {
		d := math.Hypot(px-cx, py-cy)
		switch {
		case d <= inner:
			return 1
		case d >= outer:
			return 0
		default:
			return (outer - d) / (outer - inner)
		}
	}
}

func edgeFalloff(w, h int, eff float64) func(px, py float64) float64 {
	fw, fh := float64(w), float64(h)
	return func(px, py float64) float64 {
		f := math.Min(
			math.Min(px/eff, (fw-px)/eff),
			math.Min(py/eff, (fh-py)/eff),
		)
		return clampFloat(f, 0, 1)
	}
}

func featherStage(circle bool, featherPx int) Stage {
	return Stage{
		Name: "feather",
		Apply: func(img *image.NRGBA) (*image.NRGBA, error) {
			return Feather(img, circle, featherPx), nil
		},
	}
}
