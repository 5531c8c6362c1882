// Package checkpoint persists continuation state between harvest steps so a
// run can be resumed after a crash, timeout or forced continuation.
package checkpoint

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no checkpoint exists for the run.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrInvalidCheckpoint indicates the stored checkpoint could not be decoded.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// Store saves and loads checkpoints keyed by run id. Values are encoded as
// JSON; Save replaces any previous checkpoint of the run.
type Store interface {
	Save(ctx context.Context, runID string, v any) error
	Load(ctx context.Context, runID string, v any) error
	Delete(ctx context.Context, runID string) error
}
