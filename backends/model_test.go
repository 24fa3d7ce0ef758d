package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOnnxModelPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.onnx"), []byte("onnx"), 0o600))

	model := &Model{Path: dir}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "model.onnx"), model.OnnxPath)
	assert.Equal(t, "model.onnx", model.OnnxFilename)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "model_quantized.onnx"), []byte("onnx"), 0o600))
	assert.Error(t, GetOnnxModelPath(&Model{Path: dir}), "ambiguous without a file name")

	model = &Model{Path: dir, OnnxFilename: "model_quantized.onnx"}
	require.NoError(t, GetOnnxModelPath(model))
	assert.Equal(t, filepath.Join(dir, "model_quantized.onnx"), model.OnnxPath)

	assert.Error(t, GetOnnxModelPath(&Model{Path: dir, OnnxFilename: "other.onnx"}))
	assert.Error(t, GetOnnxModelPath(&Model{Path: t.TempDir()}))
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	model := &Model{}
	found, err := LoadModelConfig(model, dir)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{
		"architectures": ["BertForSequenceClassification"],
		"max_position_embeddings": 512,
		"pad_token_id": 0,
		"id2label": {"0": "NEGATIVE", "1": "POSITIVE"}
	}`), 0o600))
	found, err = LoadModelConfig(model, dir)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 512, model.MaxPositionEmbeddings)
	assert.Equal(t, map[int]string{0: "NEGATIVE", 1: "POSITIVE"}, model.IDLabelMap)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{"id2label": {"first": "NEGATIVE"}}`), 0o600))
	_, err = LoadModelConfig(model, dir)
	assert.Error(t, err)
}
