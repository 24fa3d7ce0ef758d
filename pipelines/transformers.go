package pipelines

import (
	"slices"
	"strings"

	"github.com/phuslu/log"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/fileutil"
	"github.com/dnth/deepsparse/util/tensorutil"
)

const (
	DefaultSequenceLength   = 128
	DefaultTransformerModel = "bert-base-uncased"
)

// TransformersPipeline can be embedded by pipelines running transformer models. It owns the
// tokenizer resolution and turns tokenized text into engine inputs of a fixed sequence length.
type TransformersPipeline struct {
	*backends.BasePipeline
	SequenceLength   int
	DefaultModelName string
	// OnnxInputNames are the model input names in declared order.
	OnnxInputNames []string
	// HasFixedShape is set for models exported with a static sequence length.
	HasFixedShape bool
}

type transformersPipeline interface {
	backends.Pipeline
	transformers() *TransformersPipeline
}

func (p *TransformersPipeline) transformers() *TransformersPipeline {
	return p
}

// WithSequenceLength sets the number of tokens every input is padded or truncated to. Models with
// a static sequence length ignore it.
func WithSequenceLength[T transformersPipeline](sequenceLength int) backends.PipelineOption[T] {
	return func(p T) error {
		if sequenceLength <= 0 {
			return checks.NewInvalidConfigurationError("sequence_length", "must be positive, got %d", sequenceLength)
		}
		p.transformers().SequenceLength = sequenceLength
		return nil
	}
}

// WithDefaultModelName names the model whose tokenizer and config are used when the model
// directory does not provide them. The model is looked up in the models directory.
func WithDefaultModelName[T transformersPipeline](name string) backends.PipelineOption[T] {
	return func(p T) error {
		if name == "" {
			return checks.NewInvalidConfigurationError("default_model_name", "must not be empty")
		}
		p.transformers().DefaultModelName = name
		return nil
	}
}

func newTransformersPipeline(base *backends.BasePipeline) *TransformersPipeline {
	return &TransformersPipeline{
		BasePipeline:     base,
		SequenceLength:   DefaultSequenceLength,
		DefaultModelName: DefaultTransformerModel,
	}
}

// DefaultModelDir is where a downloaded copy of the default model lives under modelsDir.
func (p *TransformersPipeline) DefaultModelDir(modelsDir string) string {
	return fileutil.PathJoinSafe(modelsDir, strings.ReplaceAll(p.DefaultModelName, "/", "_"))
}

// setup resolves the tokenizer and config and fixes the sequence length. Run after options.
func (p *TransformersPipeline) setup(s *options.Options) error {
	model := p.Model
	if err := p.loadMissingFiles(s); err != nil {
		return err
	}

	if fixed := backends.GetFixedShapeFromInputs(model.InputsMeta); fixed.HasFixedShape {
		if fixed.SequenceLength != p.SequenceLength {
			log.Debug().Str("pipeline", p.PipelineName).Int("configured", p.SequenceLength).Int("model", fixed.SequenceLength).
				Msg("model has a static sequence length, ignoring the configured one")
		}
		p.SequenceLength = fixed.SequenceLength
		p.HasFixedShape = true
	}
	if model.MaxPositionEmbeddings > 0 && p.SequenceLength > model.MaxPositionEmbeddings {
		return checks.NewInvalidConfigurationError("sequence_length", "%d exceeds the %d positions supported by model %s", p.SequenceLength, model.MaxPositionEmbeddings, model.ID)
	}
	model.Tokenizer.MaxAllowedTokens = p.SequenceLength
	p.OnnxInputNames = backends.GetNames(model.InputsMeta)
	return nil
}

func (p *TransformersPipeline) loadMissingFiles(s *options.Options) error {
	model := p.Model
	defaultDir := p.DefaultModelDir(s.ModelsDir)

	if model.Tokenizer == nil {
		found, err := backends.LoadTokenizer(model, defaultDir, s)
		if err != nil {
			return err
		}
		if !found {
			return checks.NewInvalidConfigurationError("tokenizer", "no tokenizer.json found for model %s nor for default model %s at %s", model.ID, p.DefaultModelName, defaultDir)
		}
		log.Info().Str("pipeline", p.PipelineName).Str("path", defaultDir).Msg("using tokenizer of default model")
	}

	hasConfig := false
	if model.Path != "" {
		var err error
		if hasConfig, err = fileutil.FileExists(fileutil.PathJoinSafe(model.Path, "config.json")); err != nil {
			return err
		}
	}
	if !hasConfig {
		found, err := backends.LoadModelConfig(model, defaultDir)
		if err != nil {
			return checks.NewInvalidConfigurationError("config", "%w", err)
		}
		if found {
			log.Info().Str("pipeline", p.PipelineName).Str("path", defaultDir).Msg("using config of default model")
		}
	}
	return nil
}

// TokensToEngineInput orders the token tensors by the model's input names.
func (p *TransformersPipeline) TokensToEngineInput(tokens map[string]*tensor.Dense) ([]*tensor.Dense, error) {
	engineInputs := make([]*tensor.Dense, 0, len(p.OnnxInputNames))
	for _, name := range p.OnnxInputNames {
		t, ok := tokens[name]
		if !ok {
			received := make([]string, 0, len(tokens))
			for k := range tokens {
				received = append(received, k)
			}
			slices.Sort(received)
			return nil, checks.NewInvalidInputError(-1, name, "pipeline expected arrays with names %v, received inputs: %v", p.OnnxInputNames, received)
		}
		engineInputs = append(engineInputs, t)
	}
	return engineInputs, nil
}

// Preprocess tokenizes the inputs and sets the engine inputs of the batch.
func (p *TransformersPipeline) Preprocess(batch *backends.PipelineBatch, inputs []string) error {
	if err := backends.TokenizeInputs(batch, p.Model.Tokenizer, inputs); err != nil {
		return err
	}
	tokens := tokenTensors(batch.Input, p.SequenceLength, p.Model.PadToken)
	engineInputs, err := p.TokensToEngineInput(tokens)
	if err != nil {
		return err
	}
	batch.InputValues = engineInputs
	batch.MaxSequenceLength = p.SequenceLength
	return nil
}

// tokenTensors builds (batch, sequenceLength) int64 tensors, truncating longer inputs and padding
// shorter ones with padToken and a zero attention mask.
func tokenTensors(inputs []backends.TokenizedInput, sequenceLength int, padToken int64) map[string]*tensor.Dense {
	size := len(inputs) * sequenceLength
	ids := make([]int64, size)
	mask := make([]int64, size)
	typeIDs := make([]int64, size)
	for i, input := range inputs {
		row := i * sequenceLength
		for j := range sequenceLength {
			if j >= len(input.TokenIDs) {
				ids[row+j] = padToken
				continue
			}
			ids[row+j] = int64(input.TokenIDs[j])
			if j < len(input.AttentionMask) {
				mask[row+j] = int64(input.AttentionMask[j])
			} else {
				mask[row+j] = 1
			}
			if j < len(input.TypeIDs) {
				typeIDs[row+j] = int64(input.TypeIDs[j])
			}
		}
	}
	return map[string]*tensor.Dense{
		"input_ids":      tensorutil.New(ids, len(inputs), sequenceLength),
		"attention_mask": tensorutil.New(mask, len(inputs), sequenceLength),
		"token_type_ids": tensorutil.New(typeIDs, len(inputs), sequenceLength),
	}
}
