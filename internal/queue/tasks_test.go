package queue

import (
	"testing"

	"github.com/dunamismax/printforge/internal/domain"
	"github.com/dunamismax/printforge/internal/printarea"
)

func TestComposeImageTaskRoundTrip(t *testing.T) {
	session := domain.Session{
		ID:         "ses-123",
		SourceType: domain.SourceTypeS3Presigned,
		SourceKey:  "uploads/ses-123/source",
		ActiveKey:  "enhanced/ses-123/a1.png",
		Settings: domain.ToolSettings{
			CornerRadiusPct: 100,
			Frame:           &domain.FrameSpec{Color: domain.RGBA8{R: 255, A: 255}, WidthPx: 4},
		},
		PrintArea: &printarea.Spec{WidthIn: 12, HeightIn: 16, DPI: 300},
	}

	task, err := NewComposeImageTask(PayloadFromSession(session, "png", 0, ReasonEnhanced))
	if err != nil {
		t.Fatalf("NewComposeImageTask returned error: %v", err)
	}
	if task.Type() != TypeComposeImage {
		t.Fatalf("unexpected task type %s", task.Type())
	}

	parsed, err := ParseComposeImagePayload(task)
	if err != nil {
		t.Fatalf("ParseComposeImagePayload returned error: %v", err)
	}

	if parsed.ObjectKey != session.ActiveKey {
		t.Fatalf("payload must render the active image, got %q", parsed.ObjectKey)
	}
	if parsed.Settings.Frame == nil || parsed.Settings.Frame.Color != session.Settings.Frame.Color {
		t.Fatalf("frame settings lost in transit: %+v", parsed.Settings.Frame)
	}
	if parsed.PrintArea == nil || parsed.PrintArea.AspectRatio() != 0.75 {
		t.Fatalf("print area lost in transit: %+v", parsed.PrintArea)
	}
	if parsed.Reason != ReasonEnhanced {
		t.Fatalf("expected reason %q, got %q", ReasonEnhanced, parsed.Reason)
	}
}

func TestComposeImageTaskRequiresSession(t *testing.T) {
	if _, err := NewComposeImageTask(ComposeImagePayload{}); err == nil {
		t.Fatal("expected error for empty session_id")
	}
}
