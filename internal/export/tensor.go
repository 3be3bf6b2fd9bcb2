package export

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/born-ml/diffusion/internal/tensor"
)

// pack encodes t as little-endian float64, or float16 when half is set.
// Half precision rounds to nearest even and saturates to ±Inf beyond
// 65504.
func pack(name string, t *tensor.Tensor, half bool) Tensor {
	data := t.Data()
	out := Tensor{Name: name, Shape: []int(t.Shape().Clone())}
	if half {
		out.DType = DTypeFloat16
		out.Data = make([]byte, 2*len(data))
		for i, v := range data {
			binary.LittleEndian.PutUint16(out.Data[2*i:], float16.Fromfloat32(float32(v)).Bits())
		}
		return out
	}
	out.DType = DTypeFloat64
	out.Data = make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(out.Data[8*i:], math.Float64bits(v))
	}
	return out
}

// Values decodes the payload to float64.
func (t *Tensor) Values() ([]float64, error) {
	n := tensor.Shape(t.Shape).NumElements()
	switch t.DType {
	case DTypeFloat64:
		if len(t.Data) != 8*n {
			return nil, fmt.Errorf("tensor %q: %d bytes for %d float64 values", t.Name, len(t.Data), n)
		}
		v := make([]float64, n)
		for i := range v {
			v[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.Data[8*i:]))
		}
		return v, nil
	case DTypeFloat16:
		if len(t.Data) != 2*n {
			return nil, fmt.Errorf("tensor %q: %d bytes for %d float16 values", t.Name, len(t.Data), n)
		}
		v := make([]float64, n)
		for i := range v {
			v[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32())
		}
		return v, nil
	}
	return nil, fmt.Errorf("tensor %q: unknown dtype %q", t.Name, t.DType)
}

// ToTensor decodes the payload into a tensor.
func (t *Tensor) ToTensor() (*tensor.Tensor, error) {
	v, err := t.Values()
	if err != nil {
		return nil, err
	}
	return tensor.FromSlice(v, tensor.Shape(t.Shape))
}
