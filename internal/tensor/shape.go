package tensor

import "fmt"

// Shape represents the dimensions of a tensor.
// The first dimension is the batch dimension.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (at least one dimension, all > 0).
func (s Shape) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("invalid shape: missing batch dimension")
	}
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("invalid dimension at index %d: %d (must be > 0)", i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Batch returns the leading dimension.
func (s Shape) Batch() int {
	if len(s) == 0 {
		return 1
	}
	return s[0]
}

// RowSize returns the number of elements per batch row.
func (s Shape) RowSize() int {
	if len(s) <= 1 {
		return 1
	}
	return Shape(s[1:]).NumElements()
}

// WithBatch returns a copy of s with the leading dimension replaced by b.
func (s Shape) WithBatch(b int) Shape {
	out := s.Clone()
	if len(out) == 0 {
		return Shape{b}
	}
	out[0] = b
	return out
}
