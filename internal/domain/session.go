package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/printforge/internal/printarea"
)

const (
	SessionStatusCreated   = "created"
	SessionStatusQueued    = "queued"
	SessionStatusComposing = "composing"
	SessionStatusComposed  = "composed"
	SessionStatusFailed    = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeS3Presigned = "s3_presigned"
)

// ProductSelection names the physical product a session prints on.
type ProductSelection struct {
	Name      string `json:"name"`
	Size      string `json:"size,omitempty"`
	Placement string `json:"placement,omitempty"`
	Category  string `json:"category,omitempty"`
}

func (p ProductSelection) Key() (printarea.Key, error) {
	placement, err := printarea.ParsePlacement(p.Placement)
	if err != nil {
		return printarea.Key{}, invalidf("%v", err)
	}
	return printarea.Key{Product: p.Name, Size: p.Size, Placement: placement}, nil
}

// Session is the explicit per-image editing state. SourceKey is the upload;
// ActiveKey is the image compositing currently starts from, which moves to
// the enhanced copy once an enhancement succeeds.
type Session struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	SourceType string            `json:"source_type"`
	SourceKey  string            `json:"source_key"`
	ActiveKey  string            `json:"active_key"`
	OutputKey  string            `json:"output_key,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Product    *ProductSelection `json:"product,omitempty"`
	PrintArea  *printarea.Spec   `json:"print_area,omitempty"`
	Settings   ToolSettings      `json:"settings"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type CreateSessionRequest struct {
	SourceType string            `json:"source_type"`
	ObjectKey  string            `json:"object_key,omitempty"`
	WebhookURL string            `json:"webhook_url,omitempty"`
	Product    *ProductSelection `json:"product,omitempty"`
	Settings   ToolSettings      `json:"settings"`
}

func (r CreateSessionRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeS3Presigned {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if r.Product != nil {
		if strings.TrimSpace(r.Product.Name) == "" && strings.TrimSpace(r.Product.Category) == "" {
			return errors.New("product.name or product.category is required")
		}
		if _, err := printarea.ParsePlacement(r.Product.Placement); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePrintArea picks the print area for a product selection: a named
// product goes through the registry, a bare category through the generic
// category table.
func ResolvePrintArea(reg *printarea.Registry, p *ProductSelection) (*printarea.Spec, error) {
	if p == nil {
		return nil, nil
	}
	if strings.TrimSpace(p.Name) == "" {
		spec := printarea.CategoryFallback(p.Category)
		return &spec, nil
	}
	key, err := p.Key()
	if err != nil {
		return nil, err
	}
	spec := reg.Lookup(key)
	return &spec, nil
}
