package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/enhance"
	"github.com/dunamismax/printforge/internal/logging"
	"github.com/dunamismax/printforge/internal/pipeline"
	"github.com/dunamismax/printforge/internal/printarea"
	"github.com/dunamismax/printforge/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// cliOptions holds the flag values for one command tree.
type cliOptions struct {
	logLevel   string
	pretty     bool
	printAreas string

	// compose and enhance
	input       string
	output      string
	fit         string
	feather     int
	radius      int
	offsetX     int
	offsetY     int
	frameColor  string
	frameWidth  int
	doubleFrame bool
	format      string
	quality     int

	// product selection
	product   string
	size      string
	placement string
	category  string

	endpoint string
	timeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "printforge",
		Short: "Compose print-ready product images from the command line",
		Long: `printforge runs the compositing pipeline locally: crop to a product aspect,
mask to a rounded rectangle or circle, feather the edge and draw a frame.

Examples:
  printforge compose -i photo.jpg -o mug.png --category mug --fit product --radius 100 --feather 20
  printforge lookup --product "Unisex Staple T-Shirt" --size 2XL --placement back
  printforge enhance -i small.png -o large.png --endpoint http://localhost:8000/enhance`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitWriter(cmd.ErrOrStderr(), opts.logLevel, opts.pretty, "printforge-cli")
		},
	}

	composeCmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose a local image into a print-ready file",
		RunE:  opts.runCompose,
	}
	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Print the print area for a product, size and placement",
		RunE:  opts.runLookup,
	}
	enhanceCmd := &cobra.Command{
		Use:   "enhance",
		Short: "Upscale a local image through the Enhancement Service",
		RunE:  opts.runEnhance,
	}

	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", true, "Human readable log output")
	rootCmd.PersistentFlags().StringVar(&opts.printAreas, "print-areas", "", "Print area table JSON (defaults to the embedded table)")

	for _, cmd := range []*cobra.Command{composeCmd, lookupCmd, enhanceCmd} {
		cmd.Flags().StringVar(&opts.product, "product", "", "Product name")
		cmd.Flags().StringVar(&opts.size, "size", "", "Product size label, e.g. M or 2XL")
		cmd.Flags().StringVar(&opts.placement, "placement", "front", "Print placement (front or back)")
		cmd.Flags().StringVar(&opts.category, "category", "", "Product category when the exact product is unknown")
	}

	for _, cmd := range []*cobra.Command{composeCmd, enhanceCmd} {
		cmd.Flags().StringVarP(&opts.input, "input", "i", "", "Input image path")
		cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output image path")
		cmd.Flags().IntVar(&opts.feather, "feather", 0, "Edge feather in pixels (0-50)")
		cmd.Flags().IntVar(&opts.radius, "radius", 0, "Corner radius (0-100, 100 is a circle)")
		cmd.Flags().StringVar(&opts.frameColor, "frame-color", "", "Frame color as #RRGGBB; empty disables the frame")
		cmd.Flags().IntVar(&opts.frameWidth, "frame-width", 4, "Frame width in pixels")
		cmd.Flags().BoolVar(&opts.doubleFrame, "double-frame", false, "Draw a second inner frame line")
		_ = cmd.MarkFlagRequired("input")
		_ = cmd.MarkFlagRequired("output")
	}

	composeCmd.Flags().StringVar(&opts.fit, "fit", "none", "Crop target: none, horizontal, square, vertical or product")
	composeCmd.Flags().IntVar(&opts.offsetX, "offset-x", 0, "Horizontal crop offset percent (-100..100)")
	composeCmd.Flags().IntVar(&opts.offsetY, "offset-y", 0, "Vertical crop offset percent (-100..100)")
	composeCmd.Flags().StringVar(&opts.format, "format", "", "Output format; defaults to the output file extension")
	composeCmd.Flags().IntVar(&opts.quality, "quality", 92, "JPEG/WebP quality")

	enhanceCmd.Flags().StringVar(&opts.endpoint, "endpoint", os.Getenv("ENHANCEMENT_ENDPOINT"), "Enhancement Service URL")
	enhanceCmd.Flags().DurationVar(&opts.timeout, "timeout", enhance.DefaultTimeout, "Request timeout")

	rootCmd.AddCommand(composeCmd, lookupCmd, enhanceCmd)
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (o *cliOptions) runCompose(cmd *cobra.Command, _ []string) error {
	settings, err := o.settings()
	if err != nil {
		return err
	}
	settings.Fit = domain.Fit{Mode: domain.FitMode(strings.ToLower(o.fit))}
	settings.OffsetXPct, settings.OffsetYPct = o.offsetX, o.offsetY

	area, err := o.resolveArea()
	if err != nil {
		return err
	}

	clamped, err := clampSettings(settings)
	if err != nil {
		return err
	}

	runtimeInfo, err := pipeline.Startup(pipeline.RuntimeOptions{})
	if err != nil {
		return fmt.Errorf("image runtime startup: %w", err)
	}
	defer pipeline.Shutdown()

	format := o.format
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(o.output), ".")
	}
	if !runtimeInfo.Writes(format) {
		return fmt.Errorf("%s output needs a govips build (this binary uses %s)", format, runtimeInfo.Backend)
	}

	emitter := &fileEmitter{path: o.output}
	processor, err := pipeline.NewProcessor(pipeline.LocalFileFetcher{}, emitter)
	if err != nil {
		return err
	}

	result, err := processor.Process(cmd.Context(), pipeline.Request{
		SessionID:  "cli",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  o.input,
		Settings:   clamped,
		PrintArea:  area,
		Format:     format,
		Quality:    o.quality,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("output", result.Output.Path).
		Str("format", result.Output.Format).
		Int("width", result.Output.Width).
		Int("height", result.Output.Height).
		Int("bytes", result.Output.Bytes).
		Msg("composite written")
	return nil
}

func (o *cliOptions) runLookup(cmd *cobra.Command, _ []string) error {
	if o.product == "" && o.category == "" {
		return fmt.Errorf("--product or --category is required")
	}
	area, err := o.resolveArea()
	if err != nil {
		return err
	}
	width, height := area.PixelTarget()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"print_area":   area,
		"pixel_width":  width,
		"pixel_height": height,
	})
}

func (o *cliOptions) runEnhance(cmd *cobra.Command, _ []string) error {
	if strings.TrimSpace(o.endpoint) == "" {
		return fmt.Errorf("--endpoint or ENHANCEMENT_ENDPOINT is required")
	}
	settings, err := o.settings()
	if err != nil {
		return err
	}
	area, err := o.resolveArea()
	if err != nil {
		return err
	}
	settings, err = clampSettings(settings)
	if err != nil {
		return err
	}

	img, err := pipeline.ReadLocalImage(o.input)
	if err != nil {
		return err
	}
	if !enhance.ShouldUpgrade(img) {
		log.Warn().Msg("image already meets print resolution, enhancing anyway")
	}

	service, err := enhance.NewHTTPService(o.endpoint, o.timeout)
	if err != nil {
		return err
	}
	orchestrator, err := enhance.New(service, enhance.Options{
		Timeout: o.timeout,
		Store:   store.NewMemoryResultStore(0),
		Logger:  log.Logger,
	})
	if err != nil {
		return err
	}

	ticket, err := orchestrator.Trigger(cmd.Context(), enhance.Job{
		Identity:  o.input,
		Image:     img,
		Settings:  settings,
		PrintArea: area,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout+5*time.Second)
	defer cancel()
	out, err := ticket.Wait(ctx)
	if err != nil {
		return err
	}
	if out.Err != nil {
		return out.Err
	}

	if err := os.WriteFile(o.output, out.PNG, 0o644); err != nil {
		return fmt.Errorf("write enhanced image: %w", err)
	}
	b := out.Image.Bounds()
	log.Info().Str("output", o.output).Int("width", b.Dx()).Int("height", b.Dy()).Msg("enhanced image written")
	return nil
}

func (o *cliOptions) settings() (domain.ToolSettings, error) {
	settings := domain.ToolSettings{
		FeatherPx:       o.feather,
		CornerRadiusPct: o.radius,
	}
	if o.frameColor != "" {
		color, err := domain.ParseHexColor(o.frameColor)
		if err != nil {
			return domain.ToolSettings{}, err
		}
		settings.Frame = &domain.FrameSpec{Color: color, WidthPx: o.frameWidth, Double: o.doubleFrame}
	}
	return settings, nil
}

// clampSettings forces flag values into range, warns once per changed field
// and validates what is left.
func clampSettings(settings domain.ToolSettings) (domain.ToolSettings, error) {
	clamped, adjustments := settings.Clamp()
	for _, adj := range adjustments {
		log.Warn().Str("field", adj.Field).Int("from", adj.From).Int("to", adj.To).Msg("setting clamped")
	}
	if err := clamped.Validate(); err != nil {
		return domain.ToolSettings{}, err
	}
	return clamped, nil
}

func (o *cliOptions) resolveArea() (*printarea.Spec, error) {
	if o.product == "" && o.category == "" {
		return nil, nil
	}

	reg := printarea.Default()
	if o.printAreas != "" {
		var err error
		if reg, err = printarea.Load(o.printAreas, log.Logger); err != nil {
			return nil, err
		}
	}
	return domain.ResolvePrintArea(reg, &domain.ProductSelection{
		Name:      o.product,
		Size:      o.size,
		Placement: o.placement,
		Category:  o.category,
	})
}

// fileEmitter writes the composite to an exact path instead of a session
// directory.
type fileEmitter struct {
	path string
}

func (e *fileEmitter) Emit(_ context.Context, req pipeline.Request, data []byte, format string, width, height int) (pipeline.Output, error) {
	path := e.path
	// The encoder may fall back to PNG for a transparent composite.
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext != "" && !sameFormat(ext, format) {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + "." + format
		log.Warn().Str("output", path).Msg("output format changed to keep transparency")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return pipeline.Output{}, fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return pipeline.Output{}, fmt.Errorf("write output file: %w", err)
	}
	return pipeline.Output{
		SessionID: req.SessionID,
		Format:    format,
		Path:      path,
		Bytes:     len(data),
		Width:     width,
		Height:    height,
		Success:   true,
	}, nil
}

func sameFormat(ext, format string) bool {
	ext, format = strings.ToLower(ext), strings.ToLower(format)
	if ext == "jpg" {
		ext = "jpeg"
	}
	if format == "jpg" {
		format = "jpeg"
	}
	return ext == format
}
