package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/printarea"
)

const SourceTypeLocalFile = domain.SourceTypeLocalFile

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

// Request describes one render: where the active image lives and how to
// compose it.
type Request struct {
	SessionID  string
	SourceType string
	ObjectKey  string
	Settings   domain.ToolSettings
	PrintArea  *printarea.Spec
	Format     string
	Quality    int
}

type Output struct {
	SessionID string `json:"session_id"`
	Format    string `json:"format"`
	Path      string `json:"path"`
	Bytes     int    `json:"bytes"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Success   bool   `json:"success"`
}

type Result struct {
	Output      Output
	SourceBytes int
	Source      []byte
	Encoded     []byte
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error)
}

// Processor runs fetch, compose, encode and emit for one request.
type Processor struct {
	fetcher  Fetcher
	composer *Composer
	encoder  Encoder
	emitter  Emitter
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	encoder, err := newEncoder()
	if err != nil {
		return nil, fmt.Errorf("build encoder: %w", err)
	}
	return &Processor{
		fetcher:  fetcher,
		composer: NewComposer(),
		encoder:  encoder,
		emitter:  emitter,
	}, nil
}

func NewLocalProcessor(outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

func NewObjectStoreProcessor(fetcher ObjectStoreFetcher, emitter ObjectStoreEmitter) (*Processor, error) {
	return NewProcessor(fetcher, emitter)
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return Result{}, errors.New("session_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	source, _, err := DecodeImage(sourceBytes)
	if err != nil {
		return Result{}, fmt.Errorf("decode stage: %w", err)
	}

	composed, err := p.composer.Compose(ctx, source, req.PrintArea, req.Settings)
	if err != nil {
		return Result{}, fmt.Errorf("compose stage: %w", err)
	}

	format := outputFormat(req.Format, composed)
	encoded, err := p.encoder.Encode(ctx, composed, format, req.Quality)
	if err != nil {
		return Result{}, fmt.Errorf("encode stage format=%s: %w", format, err)
	}

	bounds := composed.Bounds()
	written, err := p.emitter.Emit(ctx, req, encoded, format, bounds.Dx(), bounds.Dy())
	if err != nil {
		return Result{}, fmt.Errorf("emit stage: %w", err)
	}

	return Result{
		Output:      written,
		SourceBytes: len(sourceBytes),
		Source:      sourceBytes,
		Encoded:     encoded,
	}, nil
}

// Composer exposes the processor's composition pipeline for callers that
// already hold a decoded image.
func (p *Processor) Composer() *Composer {
	return p.composer
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	sessionDir := filepath.Join(e.OutputDir, sanitizePathToken(req.SessionID))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(sessionDir, "composite."+normalizeOutputFormat(format))
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return Output{
		SessionID: req.SessionID,
		Format:    normalizeOutputFormat(format),
		Path:      fullPath,
		Bytes:     len(data),
		Width:     width,
		Height:    height,
		Success:   true,
	}, nil
}

// ReadLocalImage decodes an image file from disk.
func ReadLocalImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	img, _, err := DecodeImage(data)
	return img, err
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
