package pipeline

import (
	"image"
	"image/color"
	"math"

	"github.com/dunamismax/printforge/internal/domain"
)

const (
	doubleFrameWidthRatio = 0.7
	doubleFrameInsetRatio = 1.5
)

// DrawFrame strokes the silhouette boundary. The stroke path is the
// boundary inset by half the stroke width, so a width-w stroke covers the
// outermost w pixels of the silhouette. A double frame adds a 0.7×w stroke
// whose path sits a further 1.5×w inside the first one.
func DrawFrame(img *image.NRGBA, shape Shape, frame domain.FrameSpec) *image.NRGBA {
	out := cloneNRGBA(img)
	width := float64(frame.WidthPx)
	if width <= 0 {
		return out
	}

	c := frame.Color.NRGBA()
	strokeShape(out, shape, width/2, width, c)
	if frame.Double {
		strokeShape(out, shape, width/2+doubleFrameInsetRatio*width, doubleFrameWidthRatio*width, c)
	}
	return out
}

// strokeShape paints a band of the given width centred on the shape
// boundary inset by pathInset.
func strokeShape(img *image.NRGBA, shape Shape, pathInset, width float64, c color.NRGBA) {
	b := img.Bounds()
	half := width / 2
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			d := math.Abs(shape.sdf(float64(x)+0.5, float64(y)+0.5, pathInset))
			cov := clampFloat(half-d+0.5, 0, 1)
			if cov == 0 {
				continue
			}
			blendOver(img, img.PixOffset(b.Min.X+x, b.Min.Y+y), c, cov)
		}
	}
}

// blendOver composites c with coverage cov over the straight-alpha pixel
// at offset i.
func blendOver(img *image.NRGBA, i int, c color.NRGBA, cov float64) {
	fa := cov * float64(c.A) / 255
	if fa <= 0 {
		return
	}
	px := img.Pix[i : i+4 : i+4]
	da := float64(px[3]) / 255
	oa := fa + da*(1-fa)
	if oa <= 0 {
		return
	}
	src := [3]uint8{c.R, c.G, c.B}
	for ch := 0; ch < 3; ch++ {
		v := (float64(src[ch])*fa + float64(px[ch])*da*(1-fa)) / oa
		px[ch] = uint8(math.Round(clampFloat(v, 0, 255)))
	}
	px[3] = uint8(math.Round(oa * 255))
}

func frameStage(radiusPct int, frame domain.FrameSpec) Stage {
	return Stage{
		Name: "frame",
		Apply: func(img *image.NRGBA) (*image.NRGBA, error) {
			b := img.Bounds()
			return DrawFrame(img, ShapeFor(b.Dx(), b.Dy(), radiusPct), frame), nil
		},
	}
}
