package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks a request that was rejected before any pipeline
// stage ran.
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidImage is returned for images with a zero width or height.
var ErrInvalidImage = fmt.Errorf("%w: image has zero width or height", ErrInvalidInput)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidInput}, args...)...)
}
