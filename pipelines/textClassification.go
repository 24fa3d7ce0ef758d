package pipelines

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/safeconv"
	"github.com/dnth/deepsparse/util/tensorutil"
	"github.com/dnth/deepsparse/util/vectorutil"
)

// types

type TextClassificationPipeline struct {
	*TransformersPipeline
	IDLabelMap          map[int]string
	AggregationFunction func([]float32) []float32
	aggregationName     string
}

type ClassificationOutput struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

type TextClassificationOutput struct {
	ClassificationOutputs [][]ClassificationOutput
}

func (t *TextClassificationOutput) GetOutput() []any {
	out := make([]any, len(t.ClassificationOutputs))
	for i, classificationOutput := range t.ClassificationOutputs {
		out[i] = any(classificationOutput)
	}
	return out
}

// options

func WithSoftmax() backends.PipelineOption[*TextClassificationPipeline] {
	return func(pipeline *TextClassificationPipeline) error {
		pipeline.AggregationFunction = vectorutil.SoftMax
		pipeline.aggregationName = "SOFTMAX"
		return nil
	}
}

// WithSigmoid scores every label independently, for multi-label models.
func WithSigmoid() backends.PipelineOption[*TextClassificationPipeline] {
	return func(pipeline *TextClassificationPipeline) error {
		pipeline.AggregationFunction = vectorutil.Sigmoid
		pipeline.aggregationName = "SIGMOID"
		return nil
	}
}

// NewTextClassificationPipeline initializes a new text classification pipeline.
func NewTextClassificationPipeline(config backends.PipelineConfig[*TextClassificationPipeline], s *options.Options, model *backends.Model) (*TextClassificationPipeline, error) {
	base, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &TextClassificationPipeline{TransformersPipeline: newTransformersPipeline(base)}
	// softmax by default
	pipeline.AggregationFunction = vectorutil.SoftMax
	pipeline.aggregationName = "SOFTMAX"

	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}
	if err = pipeline.setup(s); err != nil {
		return nil, err
	}
	pipeline.IDLabelMap = model.IDLabelMap

	if err = pipeline.Validate(); err != nil {
		return nil, err
	}
	return pipeline, nil
}

// INTERFACE IMPLEMENTATION

func (p *TextClassificationPipeline) GetModel() *backends.Model {
	return p.Model
}

func (p *TextClassificationPipeline) GetMetadata() backends.PipelineMetadata {
	return backends.PipelineMetadata{
		OutputsInfo: []backends.OutputInfo{
			{
				Name:       p.Model.OutputsMeta[0].Name,
				Dimensions: p.Model.OutputsMeta[0].Dimensions,
			},
		},
	}
}

func (p *TextClassificationPipeline) GetStats() []string {
	return []string{
		fmt.Sprintf("Statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("Aggregation: %s, Sequence length: %d", p.aggregationName, p.SequenceLength),
		fmt.Sprintf("ONNX: Total time=%s, Execution count=%d, Average query time=%s",
			safeconv.U64ToDuration(p.PipelineTimings.TotalNS),
			p.PipelineTimings.NumCalls,
			time.Duration(float64(p.PipelineTimings.TotalNS)/math.Max(1, float64(p.PipelineTimings.NumCalls)))),
	}
}

func (p *TextClassificationPipeline) Validate() error {
	var validationErrors []error

	if p.Model.Tokenizer == nil {
		validationErrors = append(validationErrors, checks.NewInvalidConfigurationError("tokenizer", "text classification pipeline requires a tokenizer"))
	}
	if len(p.Model.OutputsMeta) != 1 {
		validationErrors = append(validationErrors, checks.NewInvalidConfigurationError("model", "only single label classification models with one output are supported, model has %d outputs", len(p.Model.OutputsMeta)))
	} else {
		outDims := p.Model.OutputsMeta[0].Dimensions
		if outDims.Rank() != 2 {
			validationErrors = append(validationErrors, checks.NewInvalidConfigurationError("model", "output of text classification must be rank 2 (batch, classes), got %s", outDims))
		} else if numClasses := int(outDims[1]); numClasses > 0 && len(p.IDLabelMap) != numClasses {
			validationErrors = append(validationErrors, checks.NewInvalidConfigurationError("id2label", "length of id2label map (%d) does not match model output dimension (%d)", len(p.IDLabelMap), numClasses))
		}
	}
	if len(p.IDLabelMap) < 1 {
		validationErrors = append(validationErrors, checks.NewInvalidConfigurationError("id2label", "length of id2label map must be greater than zero"))
	}
	return errors.Join(validationErrors...)
}

// Forward performs the forward inference of the pipeline.
func (p *TextClassificationPipeline) Forward(batch *backends.PipelineBatch) error {
	start := time.Now()
	if err := backends.RunSessionOnBatch(batch, p.BasePipeline); err != nil {
		return err
	}
	atomic.AddUint64(&p.PipelineTimings.NumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TotalNS, safeconv.DurationToU64(time.Since(start)))
	return nil
}

// Postprocess aggregates the logits of every input and returns its best label.
func (p *TextClassificationPipeline) Postprocess(batch *backends.PipelineBatch) (*TextClassificationOutput, error) {
	if len(batch.OutputValues) == 0 {
		return nil, checks.NewEngineContractError(-1, "engine returned no outputs")
	}
	logits := batch.OutputValues[0]
	shape := logits.Shape()
	if shape.Dims() != 2 || shape[0] != len(batch.Input) {
		return nil, checks.NewEngineContractError(0, "expected logits of shape (%d, classes), got %v", len(batch.Input), shape)
	}
	values, err := tensorutil.Float32s(logits)
	if err != nil {
		return nil, checks.NewEngineContractError(0, "%w", err)
	}

	numClasses := shape[1]
	batchClassificationOutputs := TextClassificationOutput{
		ClassificationOutputs: make([][]ClassificationOutput, len(batch.Input)),
	}
	for i := range batch.Input {
		scores := p.AggregationFunction(values[i*numClasses : (i+1)*numClasses])
		index, value, errArgMax := vectorutil.ArgMax(scores)
		if errArgMax != nil {
			return nil, checks.NewEngineContractError(0, "%w", errArgMax)
		}
		class, ok := p.IDLabelMap[index]
		if !ok {
			return nil, checks.NewInvalidConfigurationError("id2label", "class with index number %d not found in id label map", index)
		}
		// single label classification, there is one output per input
		batchClassificationOutputs.ClassificationOutputs[i] = []ClassificationOutput{{
			Label: class,
			Score: value,
		}}
	}
	return &batchClassificationOutputs, nil
}

// Run the pipeline on a string batch.
func (p *TextClassificationPipeline) Run(inputs []string) (backends.PipelineBatchOutput, error) {
	return p.RunPipeline(inputs)
}

func (p *TextClassificationPipeline) RunPipeline(inputs []string) (output *TextClassificationOutput, err error) {
	batch := backends.NewBatch(len(inputs))
	defer func(batch *backends.PipelineBatch) {
		err = errors.Join(err, batch.Destroy())
	}(batch)

	if err = p.Preprocess(batch, inputs); err != nil {
		return nil, err
	}
	if err = p.Forward(batch); err != nil {
		return nil, err
	}
	return p.Postprocess(batch)
}
