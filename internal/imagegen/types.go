package imagegen

import (
	"context"
	"errors"
	"fmt"

	"courtside-images/internal/imagecache"
)

// Request describes one generation call. Width and height must already
// be normalized to the provider's legal domain (see imagecache).
type Request struct {
	Prompt string
	Width  int
	Height int
	Style  string
}

func (r *Request) Validate() error {
	if r.Prompt == "" {
		return errors.New("prompt is required")
	}
	if r.Width < imagecache.MinDimension || r.Width > imagecache.MaxDimension ||
		r.Width%imagecache.DimensionStep != 0 {
		return fmt.Errorf("width %d is not a normalized dimension", r.Width)
	}
	if r.Height < imagecache.MinDimension || r.Height > imagecache.MaxDimension ||
		r.Height%imagecache.DimensionStep != 0 {
		return fmt.Errorf("height %d is not a normalized dimension", r.Height)
	}
	return nil
}

// Client is the adapter to the external text-to-image provider.
// Generate issues exactly one provider call and returns a fetchable
// result URL. There is no retry here: a failure propagates to the
// request handler, which decides fallback behavior.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// GenerationError is any failure to obtain an image URL from the
// provider: transport errors, non-2xx responses, or an empty result
// set.
type GenerationError struct {
	Status  int // 0 for transport failures
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("imagegen: provider returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("imagegen: %s", e.Message)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
