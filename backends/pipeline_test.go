package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/tensorutil"
)

func TestGetFixedShapeFromInputs(t *testing.T) {
	fixed := GetFixedShapeFromInputs([]InputOutputInfo{
		{Name: "attention_mask", Dimensions: NewShape(-1, 64)},
		{Name: "input_ids", Dimensions: NewShape(-1, 64)},
	})
	assert.True(t, fixed.HasFixedShape)
	assert.Equal(t, 64, fixed.SequenceLength)
	assert.Equal(t, 0, fixed.BatchSize)

	dynamic := GetFixedShapeFromInputs([]InputOutputInfo{{Name: "input_ids", Dimensions: NewShape(-1, -1)}})
	assert.False(t, dynamic.HasFixedShape)

	assert.False(t, GetFixedShapeFromInputs([]InputOutputInfo{{Name: "images", Dimensions: NewShape(1, 3, 640, 640)}}).HasFixedShape)
}

func TestShape(t *testing.T) {
	s := NewShape(1, 3, 640, 640)
	assert.Equal(t, 4, s.Rank())
	assert.Equal(t, []int{1, 3, 640, 640}, s.ValuesInt())
	assert.Equal(t, "[1 3 640 640]", s.String())
}

func TestRunSessionOnBatchValidatesInputs(t *testing.T) {
	model := &Model{ID: "test", InputsMeta: []InputOutputInfo{{Name: "images"}}}
	config := PipelineConfig[*fakePipeline]{Name: "fake"}
	s := options.Defaults()
	s.Backend = "XLA"
	base, err := NewBasePipeline(config, s, model)
	require.NoError(t, err)
	assert.Equal(t, "fake", base.PipelineName)

	batch := NewBatch(1)
	assert.Error(t, RunSessionOnBatch(batch, base), "missing input")

	batch.InputValues = []*tensor.Dense{tensorutil.New([]float32{1}, 1)}
	assert.ErrorContains(t, RunSessionOnBatch(batch, base), "runtime XLA not recognized")
	assert.NoError(t, batch.Destroy())
}

func TestNewBasePipelineRequiresModel(t *testing.T) {
	_, err := NewBasePipeline(PipelineConfig[*fakePipeline]{Name: "fake"}, options.Defaults(), nil)
	assert.Error(t, err)
}

func TestCreateModelBackendUnknownRuntime(t *testing.T) {
	s := options.Defaults()
	s.Backend = "TPU"
	assert.Error(t, CreateModelBackend(&Model{}, s))
}

func TestElementTypeString(t *testing.T) {
	assert.Equal(t, "uint8", ElementTypeUint8.String())
	assert.Equal(t, "float32", ElementTypeFloat32.String())
	assert.Equal(t, "undefined", ElementType(42).String())
}

type fakePipeline struct{}

func (f *fakePipeline) GetStats() []string                        { return nil }
func (f *fakePipeline) Validate() error                           { return nil }
func (f *fakePipeline) GetMetadata() PipelineMetadata             { return PipelineMetadata{} }
func (f *fakePipeline) GetModel() *Model                          { return nil }
func (f *fakePipeline) Run([]string) (PipelineBatchOutput, error) { return nil, nil }
