package imageutil

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"github.com/dnth/deepsparse/util/fileutil"
)

// LoadImage reads and decodes a jpeg or png image from a local or s3 path.
func LoadImage(path string) (image.Image, error) {
	b, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// ResizePreprocessor stretches an image to an exact width and height.
type ResizePreprocessor struct {
	width  int
	height int
}

func ResizeStep(width, height int) *ResizePreprocessor {
	return &ResizePreprocessor{width: width, height: height}
}

func (s *ResizePreprocessor) Apply(img image.Image) (image.Image, error) {
	bounds := img.Bounds()
	if s.width <= 0 || s.height <= 0 || (bounds.Dx() == s.width && bounds.Dy() == s.height) {
		return img, nil
	}
	return imaging.Resize(img, s.width, s.height, imaging.Lanczos), nil
}

// ImageToHWC lays out the RGB values (0-255) of img as height x width x 3.
func ImageToHWC(img image.Image) ([]float64, int, int) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	values := make([]float64, 0, w*h*3)
	for y := range h {
		for x := range w {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			values = append(values, float64(r>>8), float64(g>>8), float64(b>>8))
		}
	}
	return values, h, w
}
