package pipelines

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/detectionutil"
	"github.com/dnth/deepsparse/util/imageutil"
	"github.com/dnth/deepsparse/util/safeconv"
)

const (
	DefaultIouThreshold  = 0.25
	DefaultConfThreshold = 0.45
	defaultImageSize     = 640
)

// YOLOPipeline runs YOLO object detection models. Models exported with their box decoding inside
// the graph are used as is, otherwise the raw grid outputs are decoded before non-max suppression.
type YOLOPipeline struct {
	*backends.BasePipeline
	ClassNames        ClassNameMap
	HasPostprocessing bool
	IsQuantized       bool
	ImageHeight       int
	ImageWidth        int
	ModelConfig       detectionutil.ModelConfig

	classNameSource ClassNameSource
	modelConfigPath string
	postprocessing  *bool
	imageSize       *[2]int
	classAware      bool
	maxDetections   int
	workers         int
	postprocessor   *detectionutil.Postprocessor
}

// YOLOInput is a batch of images with the thresholds to apply to their detections.
type YOLOInput struct {
	Images        []imageutil.Image `json:"images"`
	IouThreshold  float64           `json:"iou_thres"`
	ConfThreshold float64           `json:"conf_thres"`
}

// NewYOLOInput creates an input with the default thresholds.
func NewYOLOInput(images ...imageutil.Image) YOLOInput {
	return YOLOInput{Images: images, IouThreshold: DefaultIouThreshold, ConfThreshold: DefaultConfThreshold}
}

// UnmarshalJSON keeps the default thresholds for keys missing from data.
func (in *YOLOInput) UnmarshalJSON(data []byte) error {
	type yoloInput YOLOInput
	decoded := yoloInput(NewYOLOInput())
	if err := jsoniter.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*in = YOLOInput(decoded)
	return nil
}

func (in YOLOInput) validate() error {
	if !(in.IouThreshold > 0 && in.IouThreshold <= 1) {
		return checks.NewInvalidInputError(-1, "iou_thres", "threshold must be in (0, 1], got %v", in.IouThreshold)
	}
	if !(in.ConfThreshold > 0 && in.ConfThreshold <= 1) {
		return checks.NewInvalidInputError(-1, "conf_thres", "threshold must be in (0, 1], got %v", in.ConfThreshold)
	}
	return nil
}

// PostprocessParams carries the per request settings from ProcessInputs to ProcessEngineOutputs.
type PostprocessParams struct {
	IouThreshold  float64
	ConfThreshold float64
	BatchSize     int
}

// YOLODetections holds the detections kept for one image.
type YOLODetections struct {
	Predictions [][6]float32 `json:"predictions"`
	Boxes       [][4]float32 `json:"boxes"`
	Scores      []float32    `json:"scores"`
	Labels      []string     `json:"labels"`
}

// YOLOOutput holds per image lists. Predictions rows are x1, y1, x2, y2, score, class id and
// Boxes, Scores and Labels are derived from them in the same order.
type YOLOOutput struct {
	Predictions [][][6]float32 `json:"predictions"`
	Boxes       [][][4]float32 `json:"boxes"`
	Scores      [][]float32    `json:"scores"`
	Labels      [][]string     `json:"labels"`
}

func (o *YOLOOutput) GetOutput() []any {
	out := make([]any, len(o.Predictions))
	for i := range o.Predictions {
		out[i] = any(YOLODetections{
			Predictions: o.Predictions[i],
			Boxes:       o.Boxes[i],
			Scores:      o.Scores[i],
			Labels:      o.Labels[i],
		})
	}
	return out
}

// options

// WithClassNames sets the label source. The built-in COCO labels are used otherwise.
func WithClassNames(source ClassNameSource) backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		p.classNameSource = source
		return nil
	}
}

// WithModelConfig reads the anchors (and optionally strides) of a model exported without box decoding.
func WithModelConfig(path string) backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		p.modelConfigPath = path
		return nil
	}
}

// WithPostprocessing overrides the detection of in-graph box decoding from the model outputs.
func WithPostprocessing(hasPostprocessing bool) backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		p.postprocessing = &hasPostprocessing
		return nil
	}
}

func WithImageSize(height, width int) backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		if height <= 0 || width <= 0 {
			return checks.NewInvalidConfigurationError("image_size", "image size must be positive, got %dx%d", height, width)
		}
		p.imageSize = &[2]int{height, width}
		return nil
	}
}

// WithClassAwareNMS only lets boxes of the same class suppress each other.
func WithClassAwareNMS() backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		p.classAware = true
		return nil
	}
}

func WithMaxDetections(k int) backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		if k < 0 {
			return checks.NewInvalidConfigurationError("max_detections", "must not be negative, got %d", k)
		}
		p.maxDetections = k
		return nil
	}
}

// WithPostprocessWorkers suppresses the images of a batch on up to n goroutines.
func WithPostprocessWorkers(n int) backends.PipelineOption[*YOLOPipeline] {
	return func(p *YOLOPipeline) error {
		if n < 1 {
			return checks.NewInvalidConfigurationError("postprocess_workers", "at least one worker is required, got %d", n)
		}
		p.workers = n
		return nil
	}
}

// ModelHasPostprocessing reports whether the model decodes boxes in its graph: either it has a
// single output, or every further output has a higher rank than the first one (the decoded
// detections followed by the raw grid outputs).
func ModelHasPostprocessing(outputs []backends.InputOutputInfo) (bool, error) {
	if len(outputs) == 0 {
		return false, checks.NewEngineContractError(-1, "model declares no outputs")
	}
	if len(outputs) == 1 {
		return true, nil
	}
	firstRank := outputs[0].Dimensions.Rank()
	for _, output := range outputs[1:] {
		if output.Dimensions.Rank() <= firstRank {
			return false, nil
		}
	}
	return true, nil
}

// ModelIsQuantized reports whether the image input takes uint8 values.
func ModelIsQuantized(inputs []backends.InputOutputInfo) bool {
	return len(inputs) > 0 && inputs[0].ElementType == backends.ElementTypeUint8
}

// InferImageShape returns the static (height, width) of the NCHW image input, if it has one.
func InferImageShape(inputs []backends.InputOutputInfo) (int, int, bool) {
	if len(inputs) == 0 || inputs[0].Dimensions.Rank() != 4 {
		return 0, 0, false
	}
	dims := inputs[0].Dimensions
	if dims[2] <= 0 || dims[3] <= 0 {
		return 0, 0, false
	}
	return int(dims[2]), int(dims[3]), true
}

// NewYOLOPipeline initializes a YOLO object detection pipeline.
func NewYOLOPipeline(config backends.PipelineConfig[*YOLOPipeline], s *options.Options, model *backends.Model) (*YOLOPipeline, error) {
	base, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	p := &YOLOPipeline{
		BasePipeline:    base,
		classNameSource: BuiltinClassNames("coco"),
		workers:         1,
	}
	for _, o := range config.Options {
		if err = o(p); err != nil {
			return nil, err
		}
	}

	if p.ClassNames, err = p.classNameSource.Resolve(); err != nil {
		return nil, err
	}

	if p.postprocessing != nil {
		p.HasPostprocessing = *p.postprocessing
	} else if p.HasPostprocessing, err = ModelHasPostprocessing(model.OutputsMeta); err != nil {
		return nil, err
	}
	p.IsQuantized = ModelIsQuantized(model.InputsMeta)

	if p.imageSize != nil {
		p.ImageHeight, p.ImageWidth = p.imageSize[0], p.imageSize[1]
	} else if h, w, ok := InferImageShape(model.InputsMeta); ok {
		p.ImageHeight, p.ImageWidth = h, w
	} else {
		p.ImageHeight, p.ImageWidth = defaultImageSize, defaultImageSize
		log.Warn().Str("pipeline", p.PipelineName).Int("height", p.ImageHeight).Int("width", p.ImageWidth).
			Msg("model image input has dynamic spatial dimensions, using default image size")
	}

	p.ModelConfig = detectionutil.DefaultModelConfig()
	if p.modelConfigPath != "" {
		if p.ModelConfig, err = detectionutil.LoadModelConfig(p.modelConfigPath); err != nil {
			return nil, err
		}
	}
	if !p.HasPostprocessing {
		if p.postprocessor, err = detectionutil.NewPostprocessor([2]int{p.ImageHeight, p.ImageWidth}, p.ModelConfig); err != nil {
			return nil, err
		}
	}

	log.Debug().
		Str("pipeline", p.PipelineName).
		Bool("postprocessing", p.HasPostprocessing).
		Bool("quantized", p.IsQuantized).
		Int("height", p.ImageHeight).
		Int("width", p.ImageWidth).
		Int("classes", len(p.ClassNames)).
		Str("class_names", p.classNameSource.String()).
		Msg("yolo pipeline configured")

	if err = p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Interface implementations.

func (p *YOLOPipeline) GetModel() *backends.Model {
	return p.Model
}

func (p *YOLOPipeline) GetMetadata() backends.PipelineMetadata {
	outputs := make([]backends.OutputInfo, len(p.Model.OutputsMeta))
	for i, o := range p.Model.OutputsMeta {
		outputs[i] = backends.OutputInfo{Name: o.Name, Dimensions: o.Dimensions}
	}
	return backends.PipelineMetadata{OutputsInfo: outputs}
}

func (p *YOLOPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
	}
}

func (p *YOLOPipeline) Validate() error {
	var errs []error
	if len(p.Model.InputsMeta) != 1 {
		errs = append(errs, checks.NewInvalidConfigurationError("model", "yolo models take a single image input, model has %d inputs", len(p.Model.InputsMeta)))
	} else if rank := p.Model.InputsMeta[0].Dimensions.Rank(); rank != 4 {
		errs = append(errs, checks.NewInvalidConfigurationError("model", "image input %s must have rank 4 (batch, channels, height, width), got %d", p.Model.InputsMeta[0].Name, rank))
	}
	if len(p.Model.OutputsMeta) == 0 {
		errs = append(errs, checks.NewInvalidConfigurationError("model", "model declares no outputs"))
	}
	if !p.HasPostprocessing && len(p.Model.OutputsMeta) != len(p.ModelConfig.Anchors) {
		errs = append(errs, checks.NewInvalidConfigurationError("model_config", "model has %d outputs but the model config describes %d detection layers", len(p.Model.OutputsMeta), len(p.ModelConfig.Anchors)))
	}
	if len(p.ClassNames) == 0 {
		errs = append(errs, checks.NewInvalidConfigurationError("class_names", "at least one class name is required"))
	}
	return errors.Join(errs...)
}

// ProcessInputs normalizes the images into the single engine input of the model.
func (p *YOLOPipeline) ProcessInputs(input YOLOInput) ([]*tensor.Dense, PostprocessParams, error) {
	if err := input.validate(); err != nil {
		return nil, PostprocessParams{}, err
	}
	batch, err := imageutil.NormalizeBatch(input.Images, imageutil.NormalizeOptions{
		Height:    p.ImageHeight,
		Width:     p.ImageWidth,
		Quantized: p.IsQuantized,
	})
	if err != nil {
		return nil, PostprocessParams{}, err
	}
	params := PostprocessParams{
		IouThreshold:  input.IouThreshold,
		ConfThreshold: input.ConfThreshold,
		BatchSize:     batch.Shape()[0],
	}
	return []*tensor.Dense{batch}, params, nil
}

// ProcessEngineOutputs decodes the raw outputs if needed, applies non-max suppression per image
// and labels the kept detections.
func (p *YOLOPipeline) ProcessEngineOutputs(outputs []*tensor.Dense, params PostprocessParams) (*YOLOOutput, error) {
	if len(outputs) == 0 {
		return nil, checks.NewEngineContractError(-1, "engine returned no outputs")
	}
	raw := outputs[0]
	if !p.HasPostprocessing {
		var err error
		if raw, err = p.postprocessor.PreNMS(outputs); err != nil {
			return nil, err
		}
	}
	if params.BatchSize > 0 && raw.Shape().Dims() > 0 && raw.Shape()[0] != params.BatchSize {
		return nil, checks.NewEngineContractError(0, "expected a batch of %d images, got %d", params.BatchSize, raw.Shape()[0])
	}

	detections, err := detectionutil.BatchSuppress(raw, detectionutil.NMSOptions{
		IouThreshold:  params.IouThreshold,
		ConfThreshold: params.ConfThreshold,
		ClassAware:    p.classAware,
		MaxDetections: p.maxDetections,
	}, p.workers)
	if err != nil {
		return nil, err
	}

	out := &YOLOOutput{
		Predictions: make([][][6]float32, len(detections)),
		Boxes:       make([][][4]float32, len(detections)),
		Scores:      make([][]float32, len(detections)),
		Labels:      make([][]string, len(detections)),
	}
	for i, imageDetections := range detections {
		out.Predictions[i] = make([][6]float32, len(imageDetections))
		out.Boxes[i] = make([][4]float32, len(imageDetections))
		out.Scores[i] = make([]float32, len(imageDetections))
		out.Labels[i] = make([]string, len(imageDetections))
		for j, d := range imageDetections {
			label, labelErr := p.ClassNames.Label(d.Class)
			if labelErr != nil {
				return nil, labelErr
			}
			box := [4]float32{float32(d.Box[0]), float32(d.Box[1]), float32(d.Box[2]), float32(d.Box[3])}
			out.Predictions[i][j] = [6]float32{box[0], box[1], box[2], box[3], float32(d.Score), float32(d.Class)}
			out.Boxes[i][j] = box
			out.Scores[i][j] = float32(d.Score)
			out.Labels[i][j] = label
		}
	}
	return out, nil
}

// Forward runs the engine on the batch inputs.
func (p *YOLOPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Run runs the pipeline on image paths with the default thresholds.
func (p *YOLOPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	images := make([]imageutil.Image, len(inputs))
	for i, path := range inputs {
		images[i] = imageutil.ImageFromPath(path)
	}
	return p.RunPipeline(NewYOLOInput(images...))
}

func (p *YOLOPipeline) RunPipeline(input YOLOInput) (output *YOLOOutput, err error) {
	batch := backends.NewBatch(len(input.Images))
	defer func(batch *backends.PipelineBatch) {
		err = errors.Join(err, batch.Destroy())
	}(batch)

	engineInputs, params, err := p.ProcessInputs(input)
	if err != nil {
		return nil, err
	}
	batch.InputValues = engineInputs
	if err = p.Forward(batch); err != nil {
		return nil, err
	}
	return p.ProcessEngineOutputs(batch.OutputValues, params)
}
