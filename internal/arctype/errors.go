package arctype

import "errors"

// Sentinel errors shared across the module. Packages wrap these with
// fmt.Errorf("...: %w", err) to add context; callers match with errors.Is.
var (
	// ErrFormat is returned for malformed bytes at any layer: a header too
	// short, a checksum mismatch, or a bad magic number. A corrupted index
	// or manifest is never partially trusted.
	ErrFormat = errors.New("arc: format error")

	// ErrVersionMismatch is returned when an index or manifest declares a
	// format version this codec does not support.
	ErrVersionMismatch = errors.New("arc: version mismatch")

	// ErrSignature is returned when a manifest signature does not verify
	// against the supplied public key.
	ErrSignature = errors.New("arc: invalid signature")

	// ErrNotFound is returned when a digest is absent from an index or
	// manifest, or a resource misses every load source.
	ErrNotFound = errors.New("arc: not found")

	// ErrAlreadyStored is returned when inserting a digest that is already
	// present in the index. Callers must treat this as a replace.
	ErrAlreadyStored = errors.New("arc: entry already stored")

	// ErrNotSupported is returned when an operation is not implemented for
	// a given resource type.
	ErrNotSupported = errors.New("arc: not supported")

	// ErrUnknownAlgorithm is returned for hash or signature algorithm
	// identifiers this build does not implement.
	ErrUnknownAlgorithm = errors.New("arc: unknown algorithm")
)
