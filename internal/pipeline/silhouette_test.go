package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/dunamismax/printforge/internal/domain"
)

func TestGenerateMaskCircleUsesHalfShorterSide(t *testing.T) {
	mask, err := GenerateMask(200, 300, 100)
	if err != nil {
		t.Fatalf("generate mask: %v", err)
	}
	if !mask.Shape.Circle {
		t.Fatal("expected a circle shape for radius 100")
	}
	if mask.Shape.Radius != 100 {
		t.Fatalf("expected circle radius 100, got %v", mask.Shape.Radius)
	}

	// Centre is (100, 150); the circle spans y 50..250 on the centre column.
	if a := mask.Alpha.AlphaAt(100, 45).A; a != 0 {
		t.Fatalf("expected transparent above the circle, got %d", a)
	}
	if a := mask.Alpha.AlphaAt(100, 55).A; a != 255 {
		t.Fatalf("expected opaque just inside the circle, got %d", a)
	}
	if a := mask.Alpha.AlphaAt(100, 255).A; a != 0 {
		t.Fatalf("expected transparent below the circle, got %d", a)
	}
}

func TestGenerateMaskZeroRadiusIsOpaque(t *testing.T) {
	mask, err := GenerateMask(64, 32, 0)
	if err != nil {
		t.Fatalf("generate mask: %v", err)
	}
	for i, a := range mask.Alpha.Pix {
		if a != 255 {
			t.Fatalf("pixel %d: expected opaque, got %d", i, a)
		}
	}
}

func TestGenerateMaskRoundedCorners(t *testing.T) {
	mask, err := GenerateMask(100, 100, 20)
	if err != nil {
		t.Fatalf("generate mask: %v", err)
	}
	if mask.Shape.Circle || mask.Shape.Radius != 20 {
		t.Fatalf("expected rounded rect radius 20, got %+v", mask.Shape)
	}
	if a := mask.Alpha.AlphaAt(0, 0).A; a != 0 {
		t.Fatalf("expected clipped corner, got %d", a)
	}
	if a := mask.Alpha.AlphaAt(50, 0).A; a != 255 {
		t.Fatalf("expected opaque top edge centre, got %d", a)
	}
	if a := mask.Alpha.AlphaAt(0, 50).A; a != 255 {
		t.Fatalf("expected opaque left edge centre, got %d", a)
	}
}

func TestMaskApplyKeepsColour(t *testing.T) {
	img := solidNRGBA(10, 10, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
	mask, _ := GenerateMask(10, 10, 100)

	out, err := mask.Apply(img)
	if err != nil {
		t.Fatalf("apply mask: %v", err)
	}
	corner := out.NRGBAAt(0, 0)
	if corner.A != 0 {
		t.Fatalf("expected transparent corner, got alpha %d", corner.A)
	}
	if corner.R != 10 || corner.G != 200 || corner.B != 30 {
		t.Fatalf("mask must not discard colour, got %+v", corner)
	}
	if img.NRGBAAt(0, 0).A != 255 {
		t.Fatal("mask must not modify its input")
	}
}

func TestFeatherCapIsQuarterOfShorterSide(t *testing.T) {
	if got := FeatherCap(100, 100, 1000); got != 25 {
		t.Fatalf("expected cap 25, got %d", got)
	}

	img := solidNRGBA(100, 100, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	for _, circle := range []bool{false, true} {
		capped := Feather(img, circle, 1000)
		exact := Feather(img, circle, 25)
		if !bytes.Equal(capped.Pix, exact.Pix) {
			t.Fatalf("circle=%v: feather 1000 should equal feather 25", circle)
		}
	}
}

func TestFeatherZeroIsNoop(t *testing.T) {
	img := solidNRGBA(20, 20, color.NRGBA{R: 1, G: 2, B: 3, A: 200})
	out := Feather(img, false, 0)
	if !bytes.Equal(out.Pix, img.Pix) {
		t.Fatal("feather 0 must not change pixels")
	}
	if &out.Pix[0] == &img.Pix[0] {
		t.Fatal("feather must return a new buffer")
	}
}

func TestFeatherRectangleEdges(t *testing.T) {
	img := solidNRGBA(100, 60, color.NRGBA{A: 255})
	out := Feather(img, false, 10)

	// Left falloff: pixel centre x+0.5 over 10px.
	if a := out.NRGBAAt(0, 30).A; a != uint8(math.Round(255*0.05)) {
		t.Fatalf("unexpected alpha at left edge: %d", a)
	}
	if a := out.NRGBAAt(10, 30).A; a != 255 {
		t.Fatalf("expected opaque past the falloff, got %d", a)
	}
	// Corners take the minimum of two falloffs rather than their product.
	if a := out.NRGBAAt(4, 4).A; a != uint8(math.Round(255*0.45)) {
		t.Fatalf("unexpected corner alpha: %d", a)
	}
	for x := 1; x < 10; x++ {
		if out.NRGBAAt(x, 30).A <= out.NRGBAAt(x-1, 30).A {
			t.Fatalf("left falloff must increase inward at x=%d", x)
		}
	}
}

func TestDrawFrameCentredOnBoundary(t *testing.T) {
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	red := domain.RGBA8{R: 255, A: 255}
	img := solidNRGBA(200, 200, white)

	out := DrawFrame(img, ShapeFor(200, 200, 0), domain.FrameSpec{Color: red, WidthPx: 10})

	for _, x := range []int{0, 5, 9, 190, 199} {
		if c := out.NRGBAAt(x, 100); c.G != 0 || c.R != 255 {
			t.Fatalf("x=%d should be inside the stroke, got %+v", x, c)
		}
	}
	for _, x := range []int{10, 100, 189} {
		if c := out.NRGBAAt(x, 100); c != white {
			t.Fatalf("x=%d should be untouched, got %+v", x, c)
		}
	}
	for _, y := range []int{0, 9, 190, 199} {
		if c := out.NRGBAAt(100, y); c.G != 0 {
			t.Fatalf("y=%d should be inside the stroke, got %+v", y, c)
		}
	}
	if c := img.NRGBAAt(0, 0); c != white {
		t.Fatal("frame must not modify its input")
	}
}

func TestDrawFrameDouble(t *testing.T) {
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	img := solidNRGBA(200, 200, white)

	out := DrawFrame(img, ShapeFor(200, 200, 0), domain.FrameSpec{Color: domain.RGBA8{A: 255}, WidthPx: 10, Double: true})

	// Outer stroke covers 0..10, inner 7px stroke is centred 20px in.
	if c := out.NRGBAAt(13, 100); c != white {
		t.Fatalf("gap between strokes should be untouched, got %+v", c)
	}
	for _, x := range []int{17, 20, 22} {
		if c := out.NRGBAAt(x, 100); c.R != 0 {
			t.Fatalf("x=%d should be inside the inner stroke, got %+v", x, c)
		}
	}
	if c := out.NRGBAAt(25, 100); c != white {
		t.Fatalf("inside the inner stroke should be untouched, got %+v", c)
	}
}

func TestDrawFrameCircle(t *testing.T) {
	img := solidNRGBA(100, 100, color.NRGBA{A: 0})
	out := DrawFrame(img, ShapeFor(100, 100, 100), domain.FrameSpec{Color: domain.RGBA8{B: 255, A: 255}, WidthPx: 4})

	if c := out.NRGBAAt(1, 50); c.A != 255 || c.B != 255 {
		t.Fatalf("expected stroke on the circle at the left edge, got %+v", c)
	}
	if c := out.NRGBAAt(0, 0); c.A != 0 {
		t.Fatalf("corner outside the circle must stay clear, got %+v", c)
	}
	if c := out.NRGBAAt(50, 50); c.A != 0 {
		t.Fatalf("centre must stay clear, got %+v", c)
	}
}

func solidNRGBA(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}
