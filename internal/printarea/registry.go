// Package printarea resolves a product, size group and placement to the
// physical print area (inches) and DPI an image must be prepared for.
//
// The table is static for the lifetime of the process. Lookups never fail:
// unknown products resolve to Fallback and are logged as a warning.
package printarea

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Placement string

const (
	PlacementFront Placement = "front"
	PlacementBack  Placement = "back"
)

// ParsePlacement normalises a placement label. Empty input means front.
func ParsePlacement(in string) (Placement, error) {
	switch strings.ToLower(strings.TrimSpace(in)) {
	case "", "front":
		return PlacementFront, nil
	case "back":
		return PlacementBack, nil
	default:
		return "", fmt.Errorf("unsupported placement: %q", in)
	}
}

// Spec is a physical print area.
type Spec struct {
	WidthIn     float64 `json:"width_in"`
	HeightIn    float64 `json:"height_in"`
	DPI         int     `json:"dpi"`
	Description string  `json:"description,omitempty"`
}

// Fallback is returned for products the registry does not know.
var Fallback = Spec{WidthIn: 12, HeightIn: 16, DPI: 300, Description: "generic 12x16 in print area"}

func (s Spec) Valid() bool {
	return s.WidthIn > 0 && s.HeightIn > 0 && s.DPI > 0
}

func (s Spec) AspectRatio() float64 {
	return s.WidthIn / s.HeightIn
}

// PixelTarget is the pixel size needed to print the area at its DPI.
// math.Round rounds half away from zero.
func (s Spec) PixelTarget() (width, height int) {
	return int(math.Round(s.WidthIn * float64(s.DPI))), int(math.Round(s.HeightIn * float64(s.DPI)))
}

// Key identifies one print area lookup. An empty Size means no size group.
type Key struct {
	Product   string
	Size      string
	Placement Placement
}

//go:embed print_areas.json
var defaultTable []byte

type dims struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (d dims) valid() bool {
	return d.Width > 0 && d.Height > 0
}

// placementEntry is either flat ({width, height}) or sized
// ({sizes: {range: dims}, default: dims}).
type placementEntry struct {
	Width   float64         `json:"width,omitempty"`
	Height  float64         `json:"height,omitempty"`
	Sizes   map[string]dims `json:"sizes,omitempty"`
	Default *dims           `json:"default,omitempty"`
}

type productEntry struct {
	Description string          `json:"description,omitempty"`
	DPI         int             `json:"dpi,omitempty"`
	Front       *placementEntry `json:"front,omitempty"`
	Back        *placementEntry `json:"back,omitempty"`
}

// Table is the on-disk shape of the print area configuration.
type Table struct {
	Version    string                  `json:"version"`
	DefaultDPI int                     `json:"default_dpi"`
	Products   map[string]productEntry `json:"products"`
}

type sizeRange struct {
	label string
	lo    int
	hi    int
	ok    bool
	dims  dims
}

type placementAreas struct {
	flat     *dims
	ranges   []sizeRange
	fallback *dims
}

type product struct {
	name        string
	description string
	dpi         int
	placements  map[Placement]placementAreas
}

type Registry struct {
	version  string
	products map[string]product
	logger   zerolog.Logger
}

// New builds a registry from a decoded table.
func New(table Table, logger zerolog.Logger) (*Registry, error) {
	defaultDPI := table.DefaultDPI
	if defaultDPI <= 0 {
		defaultDPI = Fallback.DPI
	}

	r := &Registry{
		version:  table.Version,
		products: make(map[string]product, len(table.Products)),
		logger:   logger.With().Str("component", "printarea").Logger(),
	}

	for name, entry := range table.Products {
		key := normalize(name)
		if key == "" {
			return nil, errors.New("print area table has a product with an empty name")
		}

		dpi := entry.DPI
		if dpi <= 0 {
			dpi = defaultDPI
		}
		p := product{
			name:        name,
			description: entry.Description,
			dpi:         dpi,
			placements:  make(map[Placement]placementAreas, 2),
		}

		for placement, raw := range map[Placement]*placementEntry{PlacementFront: entry.Front, PlacementBack: entry.Back} {
			if raw == nil {
				continue
			}
			areas, err := buildPlacement(*raw)
			if err != nil {
				return nil, fmt.Errorf("product %q placement %s: %w", name, placement, err)
			}
			for _, rng := range areas.ranges {
				if !rng.ok {
					r.logger.Warn().Str("product", name).Str("range", rng.label).Msg("skipping malformed size range")
				}
			}
			p.placements[placement] = areas
		}
		r.products[key] = p
	}

	return r, nil
}

func buildPlacement(raw placementEntry) (placementAreas, error) {
	if len(raw.Sizes) == 0 && raw.Default == nil {
		flat := dims{Width: raw.Width, Height: raw.Height}
		if !flat.valid() {
			return placementAreas{}, errors.New("flat entry requires width and height > 0")
		}
		return placementAreas{flat: &flat}, nil
	}

	labels := make([]string, 0, len(raw.Sizes))
	for label := range raw.Sizes {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	areas := placementAreas{ranges: make([]sizeRange, 0, len(labels))}
	for _, label := range labels {
		d := raw.Sizes[label]
		lo, hi, ok := parseRange(label)
		if !d.valid() {
			ok = false
		}
		areas.ranges = append(areas.ranges, sizeRange{label: label, lo: lo, hi: hi, ok: ok, dims: d})
	}
	if raw.Default != nil {
		if !raw.Default.valid() {
			return placementAreas{}, errors.New("default entry requires width and height > 0")
		}
		def := *raw.Default
		areas.fallback = &def
	}
	return areas, nil
}

// Load reads a table from a JSON file.
func Load(path string, logger zerolog.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read print area table %s: %w", path, err)
	}
	return Parse(data, logger)
}

func Parse(data []byte, logger zerolog.Logger) (*Registry, error) {
	var table Table
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode print area table: %w", err)
	}
	return New(table, logger)
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the registry built from the embedded table.
func Default() *Registry {
	defaultOnce.Do(func() {
		reg, err := Parse(defaultTable, log.Logger)
		if err != nil {
			panic(fmt.Sprintf("embedded print area table is invalid: %v", err))
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

func (r *Registry) Version() string {
	return r.version
}

// Products lists the known product names in sorted order.
func (r *Registry) Products() []string {
	names := make([]string, 0, len(r.products))
	for _, p := range r.products {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves key to a print area. Exact size-range match wins, then
// the placement default, then Fallback.
func (r *Registry) Lookup(key Key) Spec {
	p, ok := r.products[normalize(key.Product)]
	if !ok {
		r.logger.Warn().Str("product", key.Product).Msg("print area registry miss, using fallback")
		return Fallback
	}

	placement := key.Placement
	if placement == "" {
		placement = PlacementFront
	}
	areas, ok := p.placements[placement]
	if !ok {
		r.logger.Warn().Str("product", key.Product).Str("placement", string(placement)).Msg("product has no print area for placement, using fallback")
		return Fallback
	}

	if areas.flat != nil {
		return p.spec(*areas.flat, placement)
	}

	if idx, ok := sizeIndex(key.Size); ok {
		for _, rng := range areas.ranges {
			if rng.ok && idx >= rng.lo && idx <= rng.hi {
				return p.spec(rng.dims, placement)
			}
		}
	}

	if areas.fallback != nil {
		return p.spec(*areas.fallback, placement)
	}

	r.logger.Warn().Str("product", key.Product).Str("size", key.Size).Msg("no size range or default matched, using fallback")
	return Fallback
}

func (p product) spec(d dims, placement Placement) Spec {
	desc := p.name + " " + string(placement)
	if p.description != "" {
		desc = p.description + " (" + string(placement) + ")"
	}
	return Spec{WidthIn: d.Width, HeightIn: d.Height, DPI: p.dpi, Description: desc}
}

// categoryAreas are generic print areas used when the caller knows only the
// kind of product.
var categoryAreas = map[string]Spec{
	"apparel": {WidthIn: 12, HeightIn: 16, DPI: 300, Description: "generic apparel print area"},
	"mug":     {WidthIn: 8.5, HeightIn: 3.5, DPI: 300, Description: "generic mug wrap"},
	"sticker": {WidthIn: 4, HeightIn: 4, DPI: 300, Description: "generic sticker"},
	"poster":  {WidthIn: 18, HeightIn: 24, DPI: 150, Description: "generic poster"},
}

// CategoryFallback returns a generic print area for a product category.
func CategoryFallback(category string) Spec {
	if spec, ok := categoryAreas[normalize(category)]; ok {
		return spec
	}
	return Fallback
}

func normalize(in string) string {
	return strings.ToLower(strings.TrimSpace(in))
}
