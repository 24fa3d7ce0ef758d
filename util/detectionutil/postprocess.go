package detectionutil

import (
	"fmt"

	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/fileutil"
	"github.com/dnth/deepsparse/util/tensorutil"
	"github.com/dnth/deepsparse/util/vectorutil"
)

// ModelConfig holds the detection head layout of a YOLO model exported without its box decoding.
// Anchors has one entry per detection layer, each a flat list of w, h pairs in pixels.
// Strides is optional; when empty each layer's stride is derived from its grid size.
type ModelConfig struct {
	Anchors [][]float64 `yaml:"anchors"`
	Strides []float64   `yaml:"strides"`
}

// DefaultModelConfig returns the P3-P5 anchors of the YOLOv5 family.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Anchors: [][]float64{
			{10, 13, 16, 30, 33, 23},
			{30, 61, 62, 45, 59, 119},
			{116, 90, 156, 198, 373, 326},
		},
	}
}

// LoadModelConfig reads a YOLO model yaml (local or s3). Keys other than anchors and strides are ignored.
func LoadModelConfig(path string) (ModelConfig, error) {
	var config ModelConfig
	content, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return config, checks.NewInvalidConfigurationError("model_config", "reading %s: %w", path, err)
	}
	if err = yaml.Unmarshal(content, &config); err != nil {
		return config, checks.NewInvalidConfigurationError("model_config", "parsing %s: %w", path, err)
	}
	if err = config.validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c ModelConfig) validate() error {
	if len(c.Anchors) == 0 {
		return checks.NewInvalidConfigurationError("anchors", "at least one detection layer is required")
	}
	for i, layer := range c.Anchors {
		if len(layer) == 0 || len(layer)%2 != 0 {
			return checks.NewInvalidConfigurationError("anchors", "layer %d must hold width, height pairs, got %d values", i, len(layer))
		}
	}
	if len(c.Strides) != 0 && len(c.Strides) != len(c.Anchors) {
		return checks.NewInvalidConfigurationError("strides", "expected %d strides, got %d", len(c.Anchors), len(c.Strides))
	}
	return nil
}

// Postprocessor decodes raw YOLO grid outputs into (N, num_boxes, num_attrs) rows ready for
// non-max suppression.
type Postprocessor struct {
	imageHeight int
	imageWidth  int
	config      ModelConfig
}

// NewPostprocessor creates a decoder for images of the given (height, width).
func NewPostprocessor(imageSize [2]int, config ModelConfig) (*Postprocessor, error) {
	if imageSize[0] <= 0 || imageSize[1] <= 0 {
		return nil, checks.NewInvalidConfigurationError("image_size", "image size must be positive, got %v", imageSize)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Postprocessor{imageHeight: imageSize[0], imageWidth: imageSize[1], config: config}, nil
}

// PreNMS decodes one output per detection layer, each shaped (N, anchors, grid_y, grid_x, attrs),
// and concatenates them along the box axis. Inputs are not modified.
func (p *Postprocessor) PreNMS(outputs []*tensor.Dense) (*tensor.Dense, error) {
	if len(outputs) != len(p.config.Anchors) {
		return nil, checks.NewEngineContractError(-1, "expected %d detection layers, got %d outputs", len(p.config.Anchors), len(outputs))
	}

	batchSize, numAttrs, totalBoxes := -1, -1, 0
	for i, output := range outputs {
		shape := output.Shape()
		if shape.Dims() != 5 {
			return nil, checks.NewEngineContractError(i, "expected rank 5 (batch, anchors, grid_y, grid_x, attributes), got shape %v", shape)
		}
		if numAnchors := len(p.config.Anchors[i]) / 2; shape[1] != numAnchors {
			return nil, checks.NewEngineContractError(i, "expected %d anchors, got %d", numAnchors, shape[1])
		}
		if shape[4] < MinAttributes {
			return nil, checks.NewEngineContractError(i, "expected at least %d attributes, got %d", MinAttributes, shape[4])
		}
		if batchSize == -1 {
			batchSize, numAttrs = shape[0], shape[4]
		} else if shape[0] != batchSize || shape[4] != numAttrs {
			return nil, checks.NewEngineContractError(i, "shape %v is inconsistent with batch size %d and %d attributes", shape, batchSize, numAttrs)
		}
		totalBoxes += shape[1] * shape[2] * shape[3]
	}

	decoded := make([]float32, batchSize*totalBoxes*numAttrs)
	boxOffset := 0
	for i, output := range outputs {
		data, err := tensorutil.Float32s(output)
		if err != nil {
			return nil, checks.NewEngineContractError(i, "%w", err)
		}
		shape := output.Shape()
		numAnchors, gridY, gridX := shape[1], shape[2], shape[3]
		stride := p.stride(i, gridY)
		anchors := p.config.Anchors[i]
		layerBoxes := numAnchors * gridY * gridX

		for b := range batchSize {
			for a := range numAnchors {
				anchorW, anchorH := anchors[2*a], anchors[2*a+1]
				for y := range gridY {
					for x := range gridX {
						cell := (((b*numAnchors+a)*gridY+y)*gridX + x) * numAttrs
						values := vectorutil.Sigmoid(data[cell : cell+numAttrs])
						box := boxOffset + (a*gridY+y)*gridX + x
						row := decoded[(b*totalBoxes+box)*numAttrs : (b*totalBoxes+box+1)*numAttrs]
						row[0] = float32((float64(values[0])*2 - 0.5 + float64(x)) * stride)
						row[1] = float32((float64(values[1])*2 - 0.5 + float64(y)) * stride)
						w, h := float64(values[2])*2, float64(values[3])*2
						row[2] = float32(w * w * anchorW)
						row[3] = float32(h * h * anchorH)
						copy(row[4:], values[4:])
					}
				}
			}
		}
		boxOffset += layerBoxes
	}
	return tensorutil.New(decoded, batchSize, totalBoxes, numAttrs), nil
}

func (p *Postprocessor) stride(layer int, gridY int) float64 {
	if len(p.config.Strides) > 0 {
		return p.config.Strides[layer]
	}
	return float64(p.imageHeight) / float64(gridY)
}

func (p *Postprocessor) String() string {
	return fmt.Sprintf("yolo postprocessor (%dx%d, %d layers)", p.imageHeight, p.imageWidth, len(p.config.Anchors))
}
