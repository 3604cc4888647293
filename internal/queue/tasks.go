package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/printarea"
	"github.com/hibiken/asynq"
)

const TypeComposeImage = "image:compose"

// Reasons a compose was queued.
const (
	ReasonRequested = "requested"
	ReasonEnhanced  = "enhanced"
)

// ComposeImagePayload is a snapshot of the session taken at enqueue time, so
// later settings changes do not alter a render already queued.
type ComposeImagePayload struct {
	SessionID   string              `json:"session_id"`
	SourceType  string              `json:"source_type"`
	ObjectKey   string              `json:"object_key"`
	WebhookURL  string              `json:"webhook_url,omitempty"`
	Settings    domain.ToolSettings `json:"settings"`
	PrintArea   *printarea.Spec     `json:"print_area,omitempty"`
	Format      string              `json:"format,omitempty"`
	Quality     int                 `json:"quality,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	RequestedAt time.Time           `json:"requested_at"`
}

// PayloadFromSession snapshots session for rendering its active image.
func PayloadFromSession(session domain.Session, format string, quality int, reason string) ComposeImagePayload {
	return ComposeImagePayload{
		SessionID:   session.ID,
		SourceType:  session.SourceType,
		ObjectKey:   session.ActiveKey,
		WebhookURL:  session.WebhookURL,
		Settings:    session.Settings,
		PrintArea:   session.PrintArea,
		Format:      format,
		Quality:     quality,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	}
}

func NewComposeImageTask(payload ComposeImagePayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.SessionID) == "" {
		return nil, errors.New("compose payload requires session_id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal compose payload: %w", err)
	}
	return asynq.NewTask(TypeComposeImage, body), nil
}

func ParseComposeImagePayload(task *asynq.Task) (ComposeImagePayload, error) {
	var payload ComposeImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ComposeImagePayload{}, fmt.Errorf("unmarshal compose payload: %w", err)
	}
	return payload, nil
}
