package domain

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"strings"

	"github.com/dunamismax/printforge/internal/printarea"
)

const (
	MaxFeatherPx       = 50
	MaxCornerRadiusPct = 100
	MinFrameWidthPx    = 1
	MaxFrameWidthPx    = 50
	MaxOffsetPct       = 100

	// CircleRadiusPct switches the silhouette from rounded rectangle to circle.
	CircleRadiusPct = 100
)

type FitMode string

const (
	FitNone       FitMode = "none"
	FitHorizontal FitMode = "horizontal"
	FitSquare     FitMode = "square"
	FitVertical   FitMode = "vertical"
	FitProduct    FitMode = "product"
)

// Fit selects the crop target. PrintArea is only read for FitProduct.
type Fit struct {
	Mode      FitMode         `json:"mode"`
	PrintArea *printarea.Spec `json:"print_area,omitempty"`
}

// TargetAspect returns the width/height ratio to crop to. ok is false when
// no crop applies. For FitProduct the embedded print area wins over target.
func (f Fit) TargetAspect(target *printarea.Spec) (aspect float64, ok bool, err error) {
	switch f.Mode {
	case "", FitNone:
		return 0, false, nil
	case FitHorizontal:
		return 3.0 / 2.0, true, nil
	case FitSquare:
		return 1, true, nil
	case FitVertical:
		return 2.0 / 3.0, true, nil
	case FitProduct:
		spec := f.PrintArea
		if spec == nil {
			spec = target
		}
		if spec == nil || !spec.Valid() {
			return 0, false, invalidf("fit=product requires a valid print area")
		}
		return spec.AspectRatio(), true, nil
	default:
		return 0, false, invalidf("unsupported fit mode %q", f.Mode)
	}
}

// RGBA8 is a straight-alpha colour that serialises as "#rrggbb" or
// "#rrggbbaa".
type RGBA8 struct {
	R, G, B, A uint8
}

func ParseHexColor(in string) (RGBA8, error) {
	s := strings.TrimPrefix(strings.TrimSpace(in), "#")
	if len(s) != 6 && len(s) != 8 {
		return RGBA8{}, invalidf("color %q must be #rrggbb or #rrggbbaa", in)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return RGBA8{}, invalidf("color %q: %v", in, err)
	}
	c := RGBA8{R: raw[0], G: raw[1], B: raw[2], A: 0xff}
	if len(raw) == 4 {
		c.A = raw[3]
	}
	return c, nil
}

// Hex returns "#rrggbb", adding the alpha byte only when it is not opaque.
func (c RGBA8) Hex() string {
	if c.A == 0xff {
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

func (c RGBA8) NRGBA() color.NRGBA {
	return color.NRGBA{R: c.R, G: c.G, B: c.B, A: c.A}
}

func (c RGBA8) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hex())
}

func (c *RGBA8) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("color must be a hex string: %w", err)
	}
	parsed, err := ParseHexColor(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

type FrameSpec struct {
	Color   RGBA8 `json:"color"`
	WidthPx int   `json:"width_px"`
	Double  bool  `json:"double"`
}

// ToolSettings is the full parameter set for one compositing run.
type ToolSettings struct {
	FeatherPx       int        `json:"feather_px"`
	CornerRadiusPct int        `json:"corner_radius_pct"`
	Frame           *FrameSpec `json:"frame,omitempty"`
	Fit             Fit        `json:"fit"`
	OffsetXPct      int        `json:"offset_x_pct"`
	OffsetYPct      int        `json:"offset_y_pct"`
}

// Circle reports whether the silhouette is a circle rather than a rounded
// rectangle.
func (s ToolSettings) Circle() bool {
	return s.CornerRadiusPct >= CircleRadiusPct
}

// Validate rejects any value outside its declared range.
func (s ToolSettings) Validate() error {
	var errs []error
	if s.FeatherPx < 0 || s.FeatherPx > MaxFeatherPx {
		errs = append(errs, invalidf("feather_px %d outside 0..%d", s.FeatherPx, MaxFeatherPx))
	}
	if s.CornerRadiusPct < 0 || s.CornerRadiusPct > MaxCornerRadiusPct {
		errs = append(errs, invalidf("corner_radius_pct %d outside 0..%d", s.CornerRadiusPct, MaxCornerRadiusPct))
	}
	if s.OffsetXPct < -MaxOffsetPct || s.OffsetXPct > MaxOffsetPct {
		errs = append(errs, invalidf("offset_x_pct %d outside -%d..%d", s.OffsetXPct, MaxOffsetPct, MaxOffsetPct))
	}
	if s.OffsetYPct < -MaxOffsetPct || s.OffsetYPct > MaxOffsetPct {
		errs = append(errs, invalidf("offset_y_pct %d outside -%d..%d", s.OffsetYPct, MaxOffsetPct, MaxOffsetPct))
	}
	if s.Frame != nil && (s.Frame.WidthPx < MinFrameWidthPx || s.Frame.WidthPx > MaxFrameWidthPx) {
		errs = append(errs, invalidf("frame.width_px %d outside %d..%d", s.Frame.WidthPx, MinFrameWidthPx, MaxFrameWidthPx))
	}
	switch s.Fit.Mode {
	case "", FitNone, FitHorizontal, FitSquare, FitVertical:
	case FitProduct:
		if s.Fit.PrintArea != nil && !s.Fit.PrintArea.Valid() {
			errs = append(errs, invalidf("fit.print_area must have positive width, height and dpi"))
		}
	default:
		errs = append(errs, invalidf("unsupported fit mode %q", s.Fit.Mode))
	}
	return errors.Join(errs...)
}

// Adjustment reports one value Clamp changed.
type Adjustment struct {
	Field string `json:"field"`
	From  int    `json:"from"`
	To    int    `json:"to"`
}

// Clamp returns a copy with every numeric field forced into range, plus a
// report of each change. Fit mode problems are left for Validate.
func (s ToolSettings) Clamp() (ToolSettings, []Adjustment) {
	var report []Adjustment
	clampField := func(field string, v *int, lo, hi int) {
		orig := *v
		switch {
		case orig < lo:
			*v = lo
		case orig > hi:
			*v = hi
		default:
			return
		}
		report = append(report, Adjustment{Field: field, From: orig, To: *v})
	}

	out := s
	clampField("feather_px", &out.FeatherPx, 0, MaxFeatherPx)
	clampField("corner_radius_pct", &out.CornerRadiusPct, 0, MaxCornerRadiusPct)
	clampField("offset_x_pct", &out.OffsetXPct, -MaxOffsetPct, MaxOffsetPct)
	clampField("offset_y_pct", &out.OffsetYPct, -MaxOffsetPct, MaxOffsetPct)
	if s.Frame != nil {
		frame := *s.Frame
		clampField("frame.width_px", &frame.WidthPx, MinFrameWidthPx, MaxFrameWidthPx)
		out.Frame = &frame
	}
	return out, report
}
