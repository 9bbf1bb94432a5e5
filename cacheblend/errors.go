package cacheblend

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports assembler offsets or tensor shapes that do not line up
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrFatalConfig reports an invalid ratio, suffix or geometry configuration
	ErrFatalConfig = errors.New("fatal config error")

	// ErrMissingSelection reports a BLEND layer reached before any CHECK layer
	ErrMissingSelection = errors.New("missing importance selection")

	// ErrKernel reports an attention kernel failure
	ErrKernel = errors.New("attention kernel error")

	// ErrNoFreeBlocks is returned when the block manager is out of blocks
	ErrNoFreeBlocks = errors.New("no free kv cache blocks")
)

// ShapeMismatchError carries the offending chunk or layer
type ShapeMismatchError struct {
	Chunk  int // -1 when not chunk specific
	Layer  int // -1 when not layer specific
	Want   int
	Got    int
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	msg := fmt.Sprintf("%v: %s (want %d, got %d)", ErrShapeMismatch, e.Reason, e.Want, e.Got)
	if e.Chunk >= 0 {
		msg += fmt.Sprintf(" chunk=%d", e.Chunk)
	}
	if e.Layer >= 0 {
		msg += fmt.Sprintf(" layer=%d", e.Layer)
	}
	return msg
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// ConfigError names the invalid configuration field
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrFatalConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrFatalConfig
}

// KernelError wraps an error returned by the external attention kernel.
// The original error stays reachable through errors.Is / errors.As.
type KernelError struct {
	Layer int
	Err   error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%v at layer %d: %v", ErrKernel, e.Layer, e.Err)
}

func (e *KernelError) Is(target error) bool {
	return target == ErrKernel
}

func (e *KernelError) Unwrap() error {
	return e.Err
}

func shapeErr(chunk, layer, want, got int, format string, args ...any) error {
	return &ShapeMismatchError{
		Chunk:  chunk,
		Layer:  layer,
		Want:   want,
		Got:    got,
		Reason: fmt.Sprintf(format, args...),
	}
}

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// errorKind classifies an error for metrics
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrFatalConfig):
		return "fatal_config"
	case errors.Is(err, ErrMissingSelection):
		return "missing_selection"
	case errors.Is(err, ErrKernel):
		return "kernel"
	case errors.Is(err, ErrNoFreeBlocks):
		return "no_free_blocks"
	default:
		return "other"
	}
}
