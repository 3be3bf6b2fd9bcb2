// Package export writes sampling results as CBOR documents.
//
// A document carries the run metadata, the resolved configuration and a
// list of named tensors. Tensor payloads are little-endian float64, or
// IEEE half precision when packed with Half, and are covered by a SHA-256
// checksum that Decode verifies.
package export

import (
	"errors"
	"fmt"
	"time"
)

// Format constants.
const (
	Magic         = "born-diffusion"
	FormatVersion = 1
)

// Data types of tensor payloads.
const (
	DTypeFloat64 = "float64"
	DTypeFloat16 = "float16"
)

// Common errors.
var (
	ErrChecksumMismatch   = errors.New("checksum mismatch: document may be corrupted")
	ErrInvalidMagic       = errors.New("not a diffusion result document")
	ErrUnsupportedVersion = errors.New("unsupported format version")
	ErrTensorNotFound     = errors.New("tensor not found")
)

// Document is the encoded form of a run.
type Document struct {
	Magic     string    `cbor:"magic"`
	Version   int       `cbor:"version"`
	RunID     string    `cbor:"run_id"`
	Seed      uint64    `cbor:"seed"`
	Method    string    `cbor:"method"`
	CreatedAt time.Time `cbor:"created_at"`

	// Config is the YAML rendering of the configuration, when provided.
	Config string `cbor:"config,omitempty"`

	Stats    Stats     `cbor:"stats"`
	Times    []float64 `cbor:"times,omitempty"`
	Diverged []int     `cbor:"diverged,omitempty"`

	// LogWeights are the normalized particle log weights of an SMC run.
	LogWeights []float64 `cbor:"log_weights,omitempty"`

	// BestValue is the objective of the best particle of an optimization
	// run, stored as the "best" tensor.
	BestValue float64 `cbor:"best_value,omitempty"`

	Tensors  []Tensor `cbor:"tensors"`
	Checksum []byte   `cbor:"checksum"`
}

// Stats mirrors the sampler call counters.
type Stats struct {
	PredictorCalls int   `cbor:"predictor_calls"`
	CorrectorCalls int   `cbor:"corrector_calls"`
	GuidanceCalls  int64 `cbor:"guidance_calls"`
	ScoreEvals     int64 `cbor:"score_evals"`
	JVPs           int64 `cbor:"jvps"`
	DurationMillis int64 `cbor:"duration_ms"`
}

// Tensor is a named, packed tensor.
type Tensor struct {
	Name  string `cbor:"name"`
	DType string `cbor:"dtype"`
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

// Tensor returns the tensor with the given name.
func (d *Document) Tensor(name string) (*Tensor, error) {
	for i := range d.Tensors {
		if d.Tensors[i].Name == name {
			return &d.Tensors[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
}
