package imageutil

import (
	"fmt"
	"image"
	"reflect"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/tensorutil"
)

type imageKind int

const (
	kindPath imageKind = iota + 1
	kindArray
	kindTensor
	kindDecoded
)

// Image is a single pipeline input: a file path, a nested numeric array, a pre-shaped tensor
// or an already decoded image.
type Image struct {
	kind    imageKind
	path    string
	array   any
	tensor  *tensor.Dense
	decoded image.Image
}

func ImageFromPath(path string) Image {
	return Image{kind: kindPath, path: path}
}

// ImageFromArray wraps nested numeric slices in HWC, CHW, NHWC or NCHW layout. Values are
// expected in the 0-255 range.
func ImageFromArray(values any) Image {
	return Image{kind: kindArray, array: values}
}

func ImageFromTensor(t *tensor.Dense) Image {
	return Image{kind: kindTensor, tensor: t}
}

func ImageFromImage(img image.Image) Image {
	return Image{kind: kindDecoded, decoded: img}
}

func (img Image) String() string {
	switch img.kind {
	case kindPath:
		return img.path
	case kindArray:
		return "array"
	case kindTensor:
		return fmt.Sprintf("tensor%v", img.tensor.Shape())
	case kindDecoded:
		return fmt.Sprintf("image%v", img.decoded.Bounds().Size())
	default:
		return "empty"
	}
}

// UnmarshalJSON reads an image given either as a path string or as a nested numeric array.
func (img *Image) UnmarshalJSON(data []byte) error {
	var raw any
	if err := jsoniter.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		*img = ImageFromPath(v)
	case []any:
		*img = ImageFromArray(v)
	default:
		return fmt.Errorf("an image must be a path or a nested numeric array, got %T", raw)
	}
	return nil
}

// NormalizeOptions sets the target size of decoded images and the output element type.
type NormalizeOptions struct {
	Height    int
	Width     int
	Quantized bool
}

// NormalizeBatch converts images into one (N, 3, H, W) batch. Channels-last inputs are moved to
// channels-first. A single 4-dimensional input is used as the batch, anything else is stacked.
// Quantized batches are uint8 with unscaled values, otherwise float32 scaled to [0, 1].
// None of the inputs are modified.
func NormalizeBatch(images []Image, opts NormalizeOptions) (*tensor.Dense, error) {
	if len(images) == 0 {
		return nil, checks.NewInvalidInputError(-1, "images", "at least one image is required")
	}
	arrays := make([]*tensor.Dense, len(images))
	for i, img := range images {
		dense, err := img.toDense(opts)
		if err != nil {
			return nil, checks.NewInvalidInputError(i, "images", "%w", err)
		}
		if dims := dense.Dims(); dims != 3 && dims != 4 {
			return nil, checks.NewInvalidInputError(i, "images", "expected 3 or 4 dimensions, got shape %v", dense.Shape())
		}
		if err = channelsFirst(dense); err != nil {
			return nil, checks.NewInvalidInputError(i, "images", "moving channels first: %w", err)
		}
		arrays[i] = dense
	}

	batch, err := makeBatch(arrays)
	if err != nil {
		return nil, err
	}
	return castBatch(batch, opts.Quantized)
}

// toDense returns a float64 copy of the image.
func (img Image) toDense(opts NormalizeOptions) (*tensor.Dense, error) {
	switch img.kind {
	case kindPath:
		decoded, err := LoadImage(img.path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", img.path, err)
		}
		return decodedToDense(decoded, opts)
	case kindDecoded:
		return decodedToDense(img.decoded, opts)
	case kindArray:
		shape, values, err := flatten(img.array)
		if err != nil {
			return nil, err
		}
		return tensorutil.New(values, shape...), nil
	case kindTensor:
		if img.tensor == nil {
			return nil, fmt.Errorf("nil tensor")
		}
		values, err := tensorutil.Float64s(img.tensor)
		if err != nil {
			return nil, err
		}
		if _, ok := img.tensor.Data().([]float64); ok {
			values = append([]float64(nil), values...)
		}
		return tensorutil.New(values, img.tensor.Shape()...), nil
	default:
		return nil, fmt.Errorf("empty image")
	}
}

func decodedToDense(img image.Image, opts NormalizeOptions) (*tensor.Dense, error) {
	resized, err := ResizeStep(opts.Width, opts.Height).Apply(img)
	if err != nil {
		return nil, err
	}
	values, h, w := ImageToHWC(resized)
	return tensorutil.New(values, h, w, 3), nil
}

func channelsFirst(dense *tensor.Dense) error {
	shape := dense.Shape()
	if shape[len(shape)-1] != 3 {
		return nil
	}
	axes := []int{2, 0, 1}
	if len(shape) == 4 {
		axes = []int{0, 3, 1, 2}
	}
	if err := dense.T(axes...); err != nil {
		return err
	}
	return dense.Transpose()
}

func makeBatch(arrays []*tensor.Dense) (*tensor.Dense, error) {
	first := arrays[0]
	if len(arrays) == 1 && first.Dims() == 4 {
		return first, nil
	}
	for i, a := range arrays {
		if a.Dims() != 3 {
			return nil, checks.NewInvalidInputError(i, "images", "a 4-dimensional batch must be the only input, got shape %v", a.Shape())
		}
		if !a.Shape().Eq(first.Shape()) {
			return nil, checks.NewInvalidInputError(i, "images", "shape %v differs from shape %v of the first image", a.Shape(), first.Shape())
		}
	}
	if len(arrays) == 1 {
		if err := first.Reshape(append([]int{1}, first.Shape()...)...); err != nil {
			return nil, err
		}
		return first, nil
	}
	return first.Stack(0, arrays[1:]...)
}

func castBatch(batch *tensor.Dense, quantized bool) (*tensor.Dense, error) {
	values, err := tensorutil.Float64s(batch)
	if err != nil {
		return nil, err
	}
	shape := batch.Shape()
	if quantized {
		out := make([]uint8, len(values))
		for i, v := range values {
			out[i] = uint8(min(max(v, 0), 255))
		}
		return tensorutil.New(out, shape...), nil
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v / 255)
	}
	return tensorutil.New(out, shape...), nil
}

// flatten reads a rectangular nested slice of numbers into a shape and row-major values.
func flatten(nested any) ([]int, []float64, error) {
	root := reflect.ValueOf(nested)
	var shape []int
	for v := root; ; {
		v = indirect(v)
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			break
		}
		if v.Len() == 0 {
			return nil, nil, fmt.Errorf("array has an empty dimension at depth %d", len(shape))
		}
		shape = append(shape, v.Len())
		v = v.Index(0)
	}
	if len(shape) == 0 {
		return nil, nil, fmt.Errorf("expected a nested array, got %T", nested)
	}

	size := 1
	for _, d := range shape {
		size *= d
	}
	values := make([]float64, 0, size)
	var walk func(v reflect.Value, depth int) error
	walk = func(v reflect.Value, depth int) error {
		v = indirect(v)
		if depth == len(shape) {
			switch {
			case v.CanInt():
				values = append(values, float64(v.Int()))
			case v.CanUint():
				values = append(values, float64(v.Uint()))
			case v.CanFloat():
				values = append(values, v.Float())
			default:
				return fmt.Errorf("non numeric value of kind %s at depth %d", v.Kind(), depth)
			}
			return nil
		}
		if (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) || v.Len() != shape[depth] {
			return fmt.Errorf("array is not rectangular at depth %d, expected length %d", depth, shape[depth])
		}
		for i := range v.Len() {
			if err := walk(v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, 0); err != nil {
		return nil, nil, err
	}
	return shape, values, nil
}

func indirect(v reflect.Value) reflect.Value {
	for (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) && !v.IsNil() {
		v = v.Elem()
	}
	return v
}
