package arc

import (
	"errors"
	"strings"

	"github.com/meridian-games/arc/internal/arctype"
)

// Sentinel errors shared with the lower layers.
var (
	ErrFormat          = arctype.ErrFormat
	ErrVersionMismatch = arctype.ErrVersionMismatch
	ErrSignature       = arctype.ErrSignature
	ErrNotFound        = arctype.ErrNotFound
	ErrAlreadyStored   = arctype.ErrAlreadyStored
	ErrNotSupported    = arctype.ErrNotSupported
)

// Factory-level sentinel errors.
var (
	ErrInvalidPath         = errors.New("arc: invalid resource path")
	ErrUnknownResourceType = errors.New("arc: unknown resource type")
	ErrOutOfResources      = errors.New("arc: resource table full")
	ErrAlreadyRegistered   = errors.New("arc: resource type already registered")
	ErrNotLoaded           = errors.New("arc: resource not loaded")
	ErrResourceLoop        = errors.New("arc: resource load loop")
)

// LoopError reports a resource whose load transitively depends on itself.
// Chain holds the in-flight paths from the outermost Get to the repeat.
type LoopError struct {
	Chain []string
}

func (e *LoopError) Error() string {
	return "arc: resource load loop: " + strings.Join(e.Chain, " -> ")
}

// Unwrap lets callers match with errors.Is(err, ErrResourceLoop).
func (e *LoopError) Unwrap() error {
	return ErrResourceLoop
}
