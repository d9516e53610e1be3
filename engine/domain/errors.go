package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retrieval pipeline.
var (
	ErrChunking          = errors.New("chunking failed")
	ErrStoreUnavailable  = errors.New("vector store unavailable")
	ErrBuildFailed       = errors.New("index build failed")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrCardNotFound      = errors.New("card not found")
	ErrEmbeddingTimeout  = errors.New("embedding timed out")
	ErrGenerationTimeout = errors.New("generation timed out")

	// ErrIndexAbsent is a cache miss: the collection does not exist or is empty.
	ErrIndexAbsent = errors.New("index absent")
)

// Sentinel errors for validation failures.
var (
	ErrInvalidQuestion  = errors.New("invalid question")
	ErrQuestionTooShort = errors.New("question too short")
	ErrQuestionTooLong  = errors.New("question too long")
	ErrQueryInjection   = errors.New("question contains suspicious content")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ChunkingError reports input that cannot be split.
type ChunkingError struct {
	SourceID string
	Offset   int
	Reason   string
}

func (e *ChunkingError) Error() string {
	return fmt.Sprintf("chunker: %s: %s at byte %d", e.SourceID, e.Reason, e.Offset)
}

func (e *ChunkingError) Unwrap() error { return ErrChunking }

// StoreError reports an unreadable or corrupt persisted index.
type StoreError struct {
	Backend string
	Path    string
	Op      string
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", e.Backend, e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// NewStoreError creates a StoreError.
func NewStoreError(backend, path, op string, err error) *StoreError {
	return &StoreError{Backend: backend, Path: path, Op: op, Err: err}
}

// BuildError reports a failed build. Nothing from the failed build is visible.
type BuildError struct {
	Collection string
	Stage      string
	Err        error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("index: build %s: %s: %v", e.Collection, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() []error { return []error{ErrBuildFailed, e.Err} }

// DimensionError reports a query vector that does not fit the index.
type DimensionError struct {
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: index has %d dims, query has %d", ErrDimensionMismatch, e.Expected, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// IsTimeout reports whether err is an embedding or generation timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrEmbeddingTimeout) || errors.Is(err, ErrGenerationTimeout)
}
