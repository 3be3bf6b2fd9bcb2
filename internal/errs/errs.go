// Package errs defines the error taxonomy shared by the sampling engine.
//
// Every fatal condition of a sampling run is one of three kinds:
//   - ConfigError: unknown or inconsistent options, raised before sampling starts
//   - InstabilityError: non-finite values produced by a solver or guidance step
//   - ShapeError: state, measurement or operator shapes disagree
//
// Callers match kinds with errors.Is against the sentinels or errors.As
// against the typed errors.
package errs

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors' Is methods.
var (
	ErrConfig      = errors.New("configuration error")
	ErrInstability = errors.New("numerical instability")
	ErrShape       = errors.New("shape mismatch")
)

// ConfigError reports an unknown or mutually inconsistent option.
type ConfigError struct {
	Field  string // Dotted option path, e.g. "solver.outer_solver"
	Value  string // Offending value, if any
	Reason string // Human readable details
}

// Config returns a ConfigError for field.
func Config(field, value, reason string) *ConfigError {
	return &ConfigError{Field: field, Value: value, Reason: reason}
}

// Configf returns a ConfigError with a formatted reason and no value.
func Configf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config: %s=%q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Stage names the part of an outer step that produced a value.
type Stage string

// Stages of an outer step.
const (
	StageInit      Stage = "init"
	StagePredictor Stage = "predictor"
	StageGuidance  Stage = "guidance"
	StageCorrector Stage = "corrector"
	StageDenoise   Stage = "denoise"
)

// InstabilityError reports non-finite values with enough context to
// reproduce the run given the same seed.
type InstabilityError struct {
	Step  int     // Outer step index (0-based)
	Time  float64 // Time at which the stage ran
	Stage Stage
	Row   int // First diverged batch row, -1 if unknown
}

// Error implements the error interface.
func (e *InstabilityError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("non-finite state after %s at step %d (t=%.6g), batch row %d", e.Stage, e.Step, e.Time, e.Row)
	}
	return fmt.Sprintf("non-finite state after %s at step %d (t=%.6g)", e.Stage, e.Step, e.Time)
}

// Is reports whether target is ErrInstability.
func (e *InstabilityError) Is(target error) bool { return target == ErrInstability }

// ShapeError reports disagreeing shapes.
type ShapeError struct {
	Op   string // Operation that detected the mismatch
	Want []int
	Got  []int
}

// Shape returns a ShapeError for op.
func Shape(op string, want, got []int) *ShapeError {
	return &ShapeError{Op: op, Want: append([]int(nil), want...), Got: append([]int(nil), got...)}
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: shape mismatch: want %v, got %v", e.Op, e.Want, e.Got)
}

// Is reports whether target is ErrShape.
func (e *ShapeError) Is(target error) bool { return target == ErrShape }
