package imageutil

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/tensorutil"
)

func hwcImage() [][][]int {
	img := make([][][]int, 3)
	for h := range img {
		img[h] = make([][]int, 3)
		for w := range img[h] {
			img[h][w] = []int{(h*9 + w*3) * 9, (h*9 + w*3 + 1) * 9, (h*9 + w*3 + 2) * 9}
		}
	}
	return img
}

func TestNormalizeSingleHWCImage(t *testing.T) {
	batch, err := NormalizeBatch([]Image{ImageFromArray(hwcImage())}, NormalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 3, 3}, batch.Shape())
	assert.Equal(t, tensor.Float32, batch.Dtype())

	values := batch.Data().([]float32)
	for c := range 3 {
		for h := range 3 {
			for w := range 3 {
				expected := float32(float64((h*9+w*3+c)*9) / 255)
				assert.InDelta(t, expected, values[c*9+h*3+w], 1e-6, "c=%d h=%d w=%d", c, h, w)
			}
		}
	}
}

func TestNormalizeQuantized(t *testing.T) {
	batch, err := NormalizeBatch([]Image{ImageFromArray(hwcImage())}, NormalizeOptions{Quantized: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.Uint8, batch.Dtype())
	values := batch.Data().([]uint8)
	assert.Equal(t, uint8(0), values[0])
	assert.Equal(t, uint8(9*9), values[9*0+1*3+0], "channel 0 of pixel (1, 0)")
	assert.Equal(t, uint8(9), values[9], "channel 1 of pixel (0, 0)")
}

func TestNormalizeFourDimensionalBatch(t *testing.T) {
	data := make([]float32, 2*4*4*3)
	for i := range data {
		data[i] = float32(i % 256)
	}
	input := tensorutil.New(data, 2, 4, 4, 3)
	batch, err := NormalizeBatch([]Image{ImageFromTensor(input)}, NormalizeOptions{})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4, 4}, batch.Shape())
	assert.Equal(t, tensor.Shape{2, 4, 4, 3}, input.Shape(), "input must not be modified")

	values := batch.Data().([]float32)
	// image 1, channel 2, y 3, x 1
	assert.InDelta(t, float32(data[((1*4+3)*4+1)*3+2])/255, values[((1*3+2)*4+3)*4+1], 1e-6)
}

func TestNormalizeStacksChannelsFirstImages(t *testing.T) {
	first := tensorutil.New([]uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 3, 2, 2)
	second := tensorutil.New([]uint8{20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}, 3, 2, 2)
	batch, err := NormalizeBatch([]Image{ImageFromTensor(first), ImageFromTensor(second)}, NormalizeOptions{Quantized: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 2, 2}, batch.Shape())
	assert.Equal(t, []uint8{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}, batch.Data())
}

func TestNormalizeErrors(t *testing.T) {
	good := ImageFromArray(hwcImage())
	tests := []struct {
		name   string
		images []Image
		index  int
	}{
		{name: "empty batch", images: nil, index: -1},
		{name: "two dimensional image", images: []Image{good, ImageFromArray([][]float64{{1, 2}, {3, 4}})}, index: 1},
		{name: "ragged array", images: []Image{ImageFromArray([][][]int{{{1, 2, 3}}, {{1, 2}}})}, index: 0},
		{name: "non numeric array", images: []Image{ImageFromArray([][][]string{{{"a", "b", "c"}}})}, index: 0},
		{name: "shape mismatch", images: []Image{good, ImageFromTensor(tensorutil.New(make([]float32, 3*4*4), 3, 4, 4))}, index: 1},
		{name: "batch mixed with images", images: []Image{good, ImageFromTensor(tensorutil.New(make([]float32, 27), 1, 3, 3, 3))}, index: 1},
		{name: "missing file", images: []Image{good, good, ImageFromPath(filepath.Join(t.TempDir(), "missing.png"))}, index: 2},
		{name: "zero value", images: []Image{{}}, index: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeBatch(tt.images, NormalizeOptions{})
			var inputErr *checks.InvalidInputError
			require.True(t, errors.As(err, &inputErr), "got %v", err)
			assert.Equal(t, tt.index, inputErr.Index)
		})
	}
}

func TestNormalizeImagePathIsResized(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for y := range 6 {
		for x := range 8 {
			img.Set(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "red.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	batch, err := NormalizeBatch([]Image{ImageFromPath(path), ImageFromImage(img)}, NormalizeOptions{Height: 4, Width: 5})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3, 4, 5}, batch.Shape())
	values := batch.Data().([]float32)
	assert.InDelta(t, 1.0, values[0], 0.01, "red channel")
	assert.InDelta(t, 0.0, values[4*5], 0.01, "green channel")
}

func TestImageUnmarshalJSON(t *testing.T) {
	var images []Image
	require.NoError(t, jsoniter.Unmarshal([]byte(`["images/bus.jpg", [[[0, 127, 255]]]]`), &images))
	require.Len(t, images, 2)
	assert.Equal(t, "images/bus.jpg", images[0].String())
	assert.Equal(t, "array", images[1].String())

	batch, err := NormalizeBatch(images[1:], NormalizeOptions{Quantized: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 3, 1, 1}, batch.Shape())
	assert.Equal(t, []uint8{0, 127, 255}, batch.Data())

	var single Image
	assert.Error(t, jsoniter.Unmarshal([]byte(`42`), &single))
}
