package pipelines

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/imageutil"
	"github.com/dnth/deepsparse/util/tensorutil"
)

func yoloModel(elementType backends.ElementType, outputs ...backends.Shape) *backends.Model {
	model := &backends.Model{
		ID: "yolo",
		InputsMeta: []backends.InputOutputInfo{
			{Name: "images", Dimensions: backends.NewShape(-1, 3, 32, 32), ElementType: elementType},
		},
		IDLabelMap: map[int]string{},
	}
	for i, shape := range outputs {
		model.OutputsMeta = append(model.OutputsMeta, backends.InputOutputInfo{
			Name:        "output" + string(rune('0'+i)),
			Dimensions:  shape,
			ElementType: backends.ElementTypeFloat32,
		})
	}
	return model
}

func newTestYOLOPipeline(t *testing.T, model *backends.Model, opts ...backends.PipelineOption[*YOLOPipeline]) *YOLOPipeline {
	t.Helper()
	config := backends.PipelineConfig[*YOLOPipeline]{Name: "testYolo", Options: opts}
	p, err := NewYOLOPipeline(config, options.Defaults(), model)
	require.NoError(t, err)
	return p
}

func TestModelHasPostprocessing(t *testing.T) {
	tests := []struct {
		name     string
		outputs  []backends.Shape
		expected bool
	}{
		{name: "single output", outputs: []backends.Shape{backends.NewShape(1, 25200, 85)}, expected: true},
		{name: "decoded and grid outputs", outputs: []backends.Shape{
			backends.NewShape(1, 25200, 85),
			backends.NewShape(1, 3, 80, 80, 85),
			backends.NewShape(1, 3, 40, 40, 85),
			backends.NewShape(1, 3, 20, 20, 85),
		}, expected: true},
		{name: "grid outputs only", outputs: []backends.Shape{
			backends.NewShape(1, 3, 80, 80, 85),
			backends.NewShape(1, 3, 40, 40, 85),
			backends.NewShape(1, 3, 20, 20, 85),
		}, expected: false},
		{name: "equal ranks", outputs: []backends.Shape{backends.NewShape(1, 10, 6), backends.NewShape(1, 10, 6)}, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			has, err := ModelHasPostprocessing(yoloModel(backends.ElementTypeFloat32, tt.outputs...).OutputsMeta)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, has)
		})
	}

	_, err := ModelHasPostprocessing(nil)
	var contractErr *checks.EngineContractError
	assert.True(t, errors.As(err, &contractErr))
}

func TestModelInputInspection(t *testing.T) {
	assert.True(t, ModelIsQuantized(yoloModel(backends.ElementTypeUint8).InputsMeta))
	assert.False(t, ModelIsQuantized(yoloModel(backends.ElementTypeFloat32).InputsMeta))
	assert.False(t, ModelIsQuantized(nil))

	h, w, ok := InferImageShape(yoloModel(backends.ElementTypeFloat32).InputsMeta)
	assert.True(t, ok)
	assert.Equal(t, 32, h)
	assert.Equal(t, 32, w)

	_, _, ok = InferImageShape([]backends.InputOutputInfo{{Name: "images", Dimensions: backends.NewShape(-1, 3, -1, -1)}})
	assert.False(t, ok)
}

func TestNewYOLOPipelineDefaults(t *testing.T) {
	p := newTestYOLOPipeline(t, yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85)))
	assert.True(t, p.HasPostprocessing)
	assert.False(t, p.IsQuantized)
	assert.Equal(t, 32, p.ImageHeight)
	assert.Equal(t, 32, p.ImageWidth)
	assert.Len(t, p.ClassNames, 80)
	assert.Len(t, p.GetMetadata().OutputsInfo, 1)
	assert.Equal(t, "Statistics for pipeline: testYolo", p.GetStats()[0])

	dynamic := yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85))
	dynamic.InputsMeta[0].Dimensions = backends.NewShape(-1, 3, -1, -1)
	p = newTestYOLOPipeline(t, dynamic)
	assert.Equal(t, defaultImageSize, p.ImageHeight)
	assert.Equal(t, defaultImageSize, p.ImageWidth)

	p = newTestYOLOPipeline(t, dynamic, WithImageSize(320, 480))
	assert.Equal(t, 320, p.ImageHeight)
	assert.Equal(t, 480, p.ImageWidth)
}

func TestNewYOLOPipelineConfigurationErrors(t *testing.T) {
	model := yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85))
	config := backends.PipelineConfig[*YOLOPipeline]{Name: "testYolo"}

	tests := []struct {
		name  string
		model *backends.Model
		opts  []backends.PipelineOption[*YOLOPipeline]
	}{
		{name: "unknown class names", model: model, opts: []backends.PipelineOption[*YOLOPipeline]{WithClassNames(BuiltinClassNames("voc"))}},
		{name: "negative image size", model: model, opts: []backends.PipelineOption[*YOLOPipeline]{WithImageSize(-1, 32)}},
		{name: "no workers", model: model, opts: []backends.PipelineOption[*YOLOPipeline]{WithPostprocessWorkers(0)}},
		{name: "missing model config", model: model, opts: []backends.PipelineOption[*YOLOPipeline]{WithModelConfig(filepath.Join(t.TempDir(), "missing.yaml"))}},
		{name: "layers do not match outputs", model: model, opts: []backends.PipelineOption[*YOLOPipeline]{WithPostprocessing(false)}},
		{name: "two inputs", model: func() *backends.Model {
			m := yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85))
			m.InputsMeta = append(m.InputsMeta, backends.InputOutputInfo{Name: "mask", Dimensions: backends.NewShape(-1, 32, 32)})
			return m
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config.Options = tt.opts
			_, err := NewYOLOPipeline(config, options.Defaults(), tt.model)
			var configErr *checks.InvalidConfigurationError
			assert.True(t, errors.As(err, &configErr), "got %v", err)
		})
	}
}

func TestYOLOProcessInputs(t *testing.T) {
	image := [][][]int{
		{{0, 51, 255}, {102, 153, 204}},
		{{255, 0, 51}, {10, 20, 30}},
	}

	p := newTestYOLOPipeline(t, yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85)))
	inputs, params, err := p.ProcessInputs(NewYOLOInput(imageutil.ImageFromArray(image)))
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, tensor.Shape{1, 3, 2, 2}, inputs[0].Shape())
	assert.Equal(t, tensor.Float32, inputs[0].Dtype())
	assert.Equal(t, PostprocessParams{IouThreshold: DefaultIouThreshold, ConfThreshold: DefaultConfThreshold, BatchSize: 1}, params)

	quantized := newTestYOLOPipeline(t, yoloModel(backends.ElementTypeUint8, backends.NewShape(-1, -1, 85)))
	inputs, _, err = quantized.ProcessInputs(NewYOLOInput(imageutil.ImageFromArray(image)))
	require.NoError(t, err)
	assert.Equal(t, tensor.Uint8, inputs[0].Dtype())
	assert.Equal(t, []uint8{0, 102, 255, 10}, inputs[0].Data().([]uint8)[:4])
}

func TestYOLOProcessInputsThresholds(t *testing.T) {
	p := newTestYOLOPipeline(t, yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85)))
	image := imageutil.ImageFromArray([][][]int{{{1, 2, 3}}})
	for _, input := range []YOLOInput{
		{Images: []imageutil.Image{image}, IouThreshold: 0, ConfThreshold: 0.5},
		{Images: []imageutil.Image{image}, IouThreshold: 0.5, ConfThreshold: 1.5},
		{Images: []imageutil.Image{image}, IouThreshold: -0.1, ConfThreshold: 0.5},
	} {
		_, _, err := p.ProcessInputs(input)
		var inputErr *checks.InvalidInputError
		assert.True(t, errors.As(err, &inputErr), "got %v", err)
	}

	_, _, err := p.ProcessInputs(NewYOLOInput())
	var inputErr *checks.InvalidInputError
	assert.True(t, errors.As(err, &inputErr))
}

// detectionRows holds two overlapping boxes of different classes and one distant box.
func detectionRows() *tensor.Dense {
	return tensorutil.New([]float32{
		5, 5, 10, 10, 0.9, 1.0, 0.2,
		6, 6, 10, 10, 0.8, 0.1, 1.0,
		105, 105, 10, 10, 0.7, 0.0, 1.0,
	}, 1, 3, 7)
}

func TestYOLOProcessEngineOutputs(t *testing.T) {
	model := yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 7))
	params := PostprocessParams{IouThreshold: 0.5, ConfThreshold: 0.45, BatchSize: 1}

	p := newTestYOLOPipeline(t, model, WithClassNames(ClassNameList([]string{"cat", "dog"})))
	out, err := p.ProcessEngineOutputs([]*tensor.Dense{detectionRows()}, params)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cat", "dog"}}, out.Labels)
	assert.Equal(t, [][][4]float32{{{0, 0, 10, 10}, {100, 100, 110, 110}}}, out.Boxes)
	assert.Equal(t, [][]float32{{0.9, 0.7}}, out.Scores)
	assert.Equal(t, [][][6]float32{{{0, 0, 10, 10, 0.9, 0}, {100, 100, 110, 110, 0.7, 1}}}, out.Predictions)

	output := out.GetOutput()
	require.Len(t, output, 1)
	assert.Equal(t, []string{"cat", "dog"}, output[0].(YOLODetections).Labels)

	classAware := newTestYOLOPipeline(t, model, WithClassNames(ClassNameList([]string{"cat", "dog"})), WithClassAwareNMS())
	out, err = classAware.ProcessEngineOutputs([]*tensor.Dense{detectionRows()}, params)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cat", "dog", "dog"}}, out.Labels)

	limited := newTestYOLOPipeline(t, model, WithClassNames(ClassNameList([]string{"cat", "dog"})), WithMaxDetections(1))
	out, err = limited.ProcessEngineOutputs([]*tensor.Dense{detectionRows()}, params)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"cat"}}, out.Labels)

	high := params
	high.ConfThreshold = 0.95
	out, err = p.ProcessEngineOutputs([]*tensor.Dense{detectionRows()}, high)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{}}, out.Labels)
}

func TestYOLOProcessEngineOutputsErrors(t *testing.T) {
	model := yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 7))
	params := PostprocessParams{IouThreshold: 0.5, ConfThreshold: 0.45, BatchSize: 1}

	p := newTestYOLOPipeline(t, model, WithClassNames(ClassNameList([]string{"cat"})))
	_, err := p.ProcessEngineOutputs([]*tensor.Dense{detectionRows()}, params)
	var configErr *checks.InvalidConfigurationError
	assert.True(t, errors.As(err, &configErr), "class id without a label")

	var contractErr *checks.EngineContractError
	_, err = p.ProcessEngineOutputs(nil, params)
	assert.True(t, errors.As(err, &contractErr))
	_, err = p.ProcessEngineOutputs([]*tensor.Dense{tensorutil.New([]float32{1, 2, 3, 4, 5}, 1, 5)}, params)
	assert.True(t, errors.As(err, &contractErr))
	_, err = p.ProcessEngineOutputs([]*tensor.Dense{detectionRows()}, PostprocessParams{IouThreshold: 0.5, ConfThreshold: 0.45, BatchSize: 2})
	assert.True(t, errors.As(err, &contractErr))
}

func TestYOLOProcessEngineOutputsDecodesGrid(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "yolo.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("nc: 1\nanchors:\n  - [10, 13]\n"), 0o600))

	model := yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, 1, 1, 1, 6))
	p := newTestYOLOPipeline(t, model,
		WithPostprocessing(false),
		WithModelConfig(configPath),
		WithClassNames(ClassNameList([]string{"object"})),
		WithPostprocessWorkers(2))
	assert.False(t, p.HasPostprocessing)

	// all zero logits decode to sigmoid 0.5 in a single 32 pixel cell
	raw := tensorutil.New(make([]float32, 6), 1, 1, 1, 1, 6)
	out, err := p.ProcessEngineOutputs([]*tensor.Dense{raw}, PostprocessParams{IouThreshold: 0.5, ConfThreshold: 0.2, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, [][][4]float32{{{11, 9.5, 21, 22.5}}}, out.Boxes)
	assert.Equal(t, [][]float32{{0.25}}, out.Scores)
	assert.Equal(t, [][]string{{"object"}}, out.Labels)
}

func TestYOLOInputUnmarshalJSON(t *testing.T) {
	var input YOLOInput
	require.NoError(t, jsoniter.Unmarshal([]byte(`{"images": ["a.jpg", [[[1, 2, 3]]]], "iou_thres": 0.5}`), &input))
	require.Len(t, input.Images, 2)
	assert.Equal(t, "a.jpg", input.Images[0].String())
	assert.Equal(t, 0.5, input.IouThreshold)
	assert.Equal(t, DefaultConfThreshold, input.ConfThreshold)
}

func TestYOLORunPipelineWithoutEngine(t *testing.T) {
	p := newTestYOLOPipeline(t, yoloModel(backends.ElementTypeFloat32, backends.NewShape(-1, -1, 85)))
	_, err := p.RunPipeline(NewYOLOInput(imageutil.ImageFromArray([][][]int{{{1, 2, 3}}})))
	assert.ErrorContains(t, err, "not recognized")

	_, err = p.Run([]string{filepath.Join(t.TempDir(), "missing.jpg")})
	var inputErr *checks.InvalidInputError
	assert.True(t, errors.As(err, &inputErr))
	assert.Equal(t, uint64(0), p.PipelineTimings.NumCalls)
}
