package backends

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/options"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model           *Model
	PipelineTimings *timings
	PipelineName    string
	Runtime         string
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. Dynamic dimensions are -1.
	Dimensions Shape
	// The element type declared by the model graph.
	ElementType ElementType
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

// Rank is the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// NewShape Returns a Shape, with the given dimensions.
func NewShape(dimensions ...int64) Shape {
	return dimensions
}

// FixedShapeInfo contains the fixed dimensions for models exported with static shapes.
// Models exported with static axes have positive dimension values, while dynamic models
// use -1 or 0 to indicate variable dimensions.
type FixedShapeInfo struct {
	BatchSize      int
	SequenceLength int
	HasFixedShape  bool
}

// GetFixedShapeFromInputs looks for the "input_ids" input and reports whether its sequence
// dimension is fixed. The batch dimension may stay dynamic.
func GetFixedShapeFromInputs(inputs []InputOutputInfo) FixedShapeInfo {
	for _, meta := range inputs {
		if meta.Name == "input_ids" && len(meta.Dimensions) >= 2 {
			batchDim := meta.Dimensions[0]
			seqDim := meta.Dimensions[1]
			if seqDim > 0 {
				return FixedShapeInfo{
					BatchSize:      max(int(batchDim), 0),
					SequenceLength: int(seqDim),
					HasFixedShape:  true,
				}
			}
		}
	}
	return FixedShapeInfo{HasFixedShape: false}
}

type OutputInfo struct {
	Name       string
	Dimensions []int64
}

type PipelineMetadata struct {
	OutputsInfo []OutputInfo
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStats() []string                        // Get the pipeline running stats
	Validate() error                           // Validate the pipeline for correctness
	GetMetadata() PipelineMetadata             // Return metadata information for the pipeline
	GetModel() *Model                          // Return the model used by the pipeline
	Run([]string) (PipelineBatchOutput, error) // Run the pipeline on an input
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []PipelineOption[T]
}

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// TokenizedInput holds the result of running tokenizer on an input.
type TokenizedInput struct {
	Raw               string
	Tokens            []string
	TokenIDs          []uint32
	TypeIDs           []uint32
	AttentionMask     []uint32
	SpecialTokensMask []uint32
	MaxAttentionIndex int
}

// PipelineBatch represents a batch of inputs that runs through the pipeline.
// InputValues are ordered like the model inputs, OutputValues like the model outputs.
type PipelineBatch struct {
	Input             []TokenizedInput
	InputValues       []*tensor.Dense
	OutputValues      []*tensor.Dense
	DestroyInputs     func() error
	Size              int
	MaxSequenceLength int
}

func (b *PipelineBatch) Destroy() error {
	return b.DestroyInputs()
}

// NewBatch initializes a new batch for inference.
func NewBatch(size int) *PipelineBatch {
	return &PipelineBatch{
		DestroyInputs: func() error {
			return nil
		},
		Size: size,
	}
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// RunSessionOnBatch runs the model of p on batch.InputValues and stores the outputs on the batch.
func RunSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	if len(batch.InputValues) != len(p.Model.InputsMeta) {
		return fmt.Errorf("model %s expects %d inputs, got %d", p.Model.ID, len(p.Model.InputsMeta), len(batch.InputValues))
	}
	switch p.Runtime {
	case "ORT":
		return runORTSessionOnBatch(batch, p)
	case "GO":
		return runGoSessionOnBatch(batch, p)
	}
	return fmt.Errorf("runtime %s not recognized", p.Runtime)
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	if model == nil {
		return nil, fmt.Errorf("pipeline %s has no model", config.Name)
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &timings{}
	return pipeline, nil
}

func CreateModelBackend(model *Model, s *options.Options) error {
	var err error
	switch s.Backend {
	case "ORT":
		err = createORTModelBackend(model, s)
	case "GO":
		err = createGoModelBackend(model, s)
	default:
		err = fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	return err
}
