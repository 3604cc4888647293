package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ObjectStorage is the subset of the storage client the processor needs.
type ObjectStorage interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectStorage
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectStorage
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, data []byte, format string, width, height int) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := CompositeObjectKey(e.OutputPrefix, req.SessionID, format)
	if err := e.Storage.WriteObject(ctx, objectKey, data, contentTypeForFormat(format)); err != nil {
		return Output{}, err
	}

	return Output{
		SessionID: req.SessionID,
		Format:    normalizeOutputFormat(format),
		Path:      objectKey,
		Bytes:     len(data),
		Width:     width,
		Height:    height,
		Success:   true,
	}, nil
}

// CompositeObjectKey is where the latest composite of a session is stored.
func CompositeObjectKey(prefix, sessionID, format string) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(sessionID),
		"composite."+normalizeOutputFormat(format),
	)
}

// EnhancedObjectKey is where an enhanced source image is stored.
func EnhancedObjectKey(sessionID, attemptID string) string {
	return path.Join("enhanced", sanitizePathToken(sessionID), sanitizePathToken(attemptID)+".png")
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
