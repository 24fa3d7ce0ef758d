package tensorutil

import (
	"fmt"

	"golang.org/x/exp/constraints"
	"gorgonia.org/tensor"
)

// Number is any element type that can back an engine tensor.
type Number interface {
	constraints.Integer | constraints.Float
}

// New wraps data in a dense tensor of the given shape. The slice is not copied.
func New[T Number](data []T, shape ...int) *tensor.Dense {
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
}

// Convert returns a copy of in with every element converted to To.
func Convert[From, To Number](in []From) []To {
	out := make([]To, len(in))
	for i, v := range in {
		out[i] = To(v)
	}
	return out
}

// Float32s returns the backing data of t as float32, converting from other numeric types if needed.
func Float32s(t *tensor.Dense) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		return Convert[float64, float32](data), nil
	case []int64:
		return Convert[int64, float32](data), nil
	case []int32:
		return Convert[int32, float32](data), nil
	case []uint8:
		return Convert[uint8, float32](data), nil
	case []int8:
		return Convert[int8, float32](data), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", data)
	}
}

// Float64s is Float32s for float64 consumers.
func Float64s(t *tensor.Dense) ([]float64, error) {
	switch data := t.Data().(type) {
	case []float64:
		return data, nil
	case []float32:
		return Convert[float32, float64](data), nil
	case []int64:
		return Convert[int64, float64](data), nil
	case []int32:
		return Convert[int32, float64](data), nil
	case []uint8:
		return Convert[uint8, float64](data), nil
	case []int8:
		return Convert[int8, float64](data), nil
	default:
		return nil, fmt.Errorf("unsupported tensor data type %T", data)
	}
}

// Int64Shape converts a tensor shape to the int64 dims used by the engines.
func Int64Shape(shape tensor.Shape) []int64 {
	return Convert[int, int64](shape)
}

// IntShape converts engine dims back to a tensor shape.
func IntShape(dims []int64) tensor.Shape {
	return Convert[int64, int](dims)
}
