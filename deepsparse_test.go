package deepsparse

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/pipelines"
)

func detectionModel(path string, destroyed *int) *backends.Model {
	return &backends.Model{
		ID:   modelKey(path, ""),
		Path: path,
		InputsMeta: []backends.InputOutputInfo{
			{Name: "images", Dimensions: backends.NewShape(-1, 3, 640, 640), ElementType: backends.ElementTypeFloat32},
		},
		OutputsMeta: []backends.InputOutputInfo{
			{Name: "output0", Dimensions: backends.NewShape(-1, 25200, 85), ElementType: backends.ElementTypeFloat32},
		},
		Pipelines: map[string]backends.Pipeline{},
		Destroy: func() error {
			*destroyed++
			return nil
		},
	}
}

func TestSessionPipelineRegistry(t *testing.T) {
	session, err := newSession("GO")
	require.NoError(t, err)

	destroyed := 0
	model := detectionModel("models/yolov5s", &destroyed)
	session.models[model.ID] = model

	config := YOLOConfig{ModelPath: "models/yolov5s", Name: "detector"}
	p, err := NewPipeline(session, config)
	require.NoError(t, err)
	assert.Same(t, model, p.GetModel())

	second, err := NewPipeline(session, YOLOConfig{
		ModelPath: "models/yolov5s",
		Name:      "classAwareDetector",
		Options:   []YOLOOption{pipelines.WithClassAwareNMS()},
	})
	require.NoError(t, err)
	assert.Same(t, model, second.Model)
	assert.Len(t, model.Pipelines, 2)

	_, err = NewPipeline(session, config)
	assert.ErrorContains(t, err, "already been initialised")

	got, err := GetPipeline[*pipelines.YOLOPipeline](session, "detector")
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = GetPipeline[*pipelines.TextClassificationPipeline](session, "detector")
	var notFound *pipelineNotFoundError
	assert.True(t, errors.As(err, &notFound))

	assert.Len(t, session.GetStats(), 4)

	require.NoError(t, ClosePipeline[*pipelines.YOLOPipeline](session, "detector"))
	assert.Equal(t, 0, destroyed)
	require.NoError(t, ClosePipeline[*pipelines.YOLOPipeline](session, "classAwareDetector"))
	assert.Equal(t, 1, destroyed)
	assert.Empty(t, session.models)
	assert.NoError(t, ClosePipeline[*pipelines.YOLOPipeline](session, "missing"))

	assert.NoError(t, session.Destroy())
}

func TestSessionPipelineErrors(t *testing.T) {
	session, err := newSession("GO", options.WithModelsDir(t.TempDir()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, session.Destroy()) }()

	_, err = NewPipeline(session, YOLOConfig{ModelPath: "models/yolov5s"})
	assert.ErrorContains(t, err, "name for the pipeline is required")

	destroyed := 0
	model := detectionModel("models/yolov5s", &destroyed)
	session.models[model.ID] = model
	_, err = NewPipeline(session, YOLOConfig{
		ModelPath: "models/yolov5s",
		Name:      "detector",
		Options:   []YOLOOption{pipelines.WithClassNames(pipelines.BuiltinClassNames("voc"))},
	})
	assert.Error(t, err)
	assert.Empty(t, model.Pipelines)
	assert.Equal(t, 0, destroyed, "models loaded by earlier pipelines are kept")

	_, err = NewPipeline(session, TextClassificationConfig{ModelPath: t.TempDir(), Name: "classifier"})
	assert.Error(t, err, "directory without an onnx file")
}

func TestNewSessionOptionErrors(t *testing.T) {
	_, err := newSession("GO", options.WithTelemetry())
	assert.Error(t, err)
	_, err = newSession("GO", options.WithModelsDir(""))
	assert.Error(t, err)
}

func TestModelDirName(t *testing.T) {
	assert.Equal(t, "sentence-transformers_all-MiniLM-L6-v2", ModelDirName("sentence-transformers/all-MiniLM-L6-v2"))
	assert.Equal(t, "KnightsAnalytics_yolov5s", ModelDirName("KnightsAnalytics/yolov5s:onnx/*"))
}
