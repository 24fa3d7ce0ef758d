package detectionutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/tensorutil"
)

func TestPreNMSDecodesGrid(t *testing.T) {
	p, err := NewPostprocessor([2]int{32, 64}, ModelConfig{Anchors: [][]float64{{10, 20}}})
	require.NoError(t, err)

	// one image, one anchor, 1x2 grid, 6 attributes, all logits zero so every sigmoid is 0.5
	raw := tensorutil.New(make([]float32, 12), 1, 1, 1, 2, 6)
	decoded, err := p.PreNMS([]*tensor.Dense{raw})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 6}, decoded.Shape())

	values, err := tensorutil.Float32s(decoded)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{16, 16, 10, 20, 0.5, 0.5, 48, 16, 10, 20, 0.5, 0.5}, values, 1e-5)
	assert.Equal(t, make([]float32, 12), raw.Data(), "input must not be modified")
}

func TestPreNMSConcatenatesLayers(t *testing.T) {
	p, err := NewPostprocessor([2]int{64, 64}, DefaultModelConfig())
	require.NoError(t, err)
	outputs := []*tensor.Dense{
		tensorutil.New(make([]float32, 2*3*8*8*7), 2, 3, 8, 8, 7),
		tensorutil.New(make([]float32, 2*3*4*4*7), 2, 3, 4, 4, 7),
		tensorutil.New(make([]float32, 2*3*2*2*7), 2, 3, 2, 2, 7),
	}
	decoded, err := p.PreNMS(outputs)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 3 * (64 + 16 + 4), 7}, decoded.Shape())

	values, err := tensorutil.Float32s(decoded)
	require.NoError(t, err)
	// first box of the last layer uses stride 32 and the 116x90 anchor
	row := values[(3*64+3*16)*7 : (3*64+3*16+1)*7]
	assert.InDelta(t, 16, row[0], 1e-4)
	assert.InDelta(t, 116, row[2], 1e-4)
	assert.InDelta(t, 90, row[3], 1e-4)
}

func TestPreNMSContract(t *testing.T) {
	p, err := NewPostprocessor([2]int{32, 32}, ModelConfig{Anchors: [][]float64{{10, 20}, {30, 40}}})
	require.NoError(t, err)
	var contractErr *checks.EngineContractError

	good := tensorutil.New(make([]float32, 6), 1, 1, 1, 1, 6)
	_, err = p.PreNMS([]*tensor.Dense{good})
	assert.True(t, errors.As(err, &contractErr), "wrong number of outputs")

	_, err = p.PreNMS([]*tensor.Dense{good, tensorutil.New(make([]float32, 6), 1, 1, 6)})
	require.True(t, errors.As(err, &contractErr), "wrong rank")
	assert.Equal(t, 1, contractErr.Output)

	_, err = p.PreNMS([]*tensor.Dense{good, tensorutil.New(make([]float32, 12), 2, 1, 1, 1, 6)})
	assert.True(t, errors.As(err, &contractErr), "ragged batch")

	_, err = p.PreNMS([]*tensor.Dense{good, tensorutil.New(make([]float32, 12), 1, 2, 1, 1, 6)})
	assert.True(t, errors.As(err, &contractErr), "anchor count mismatch")
}

func TestLoadModelConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yolov5s.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nc: 80
depth_multiple: 0.33
anchors:
  - [10,13, 16,30, 33,23]
  - [30,61, 62,45, 59,119]
`), 0o600))
	config, err := LoadModelConfig(path)
	require.NoError(t, err)
	assert.Len(t, config.Anchors, 2)
	assert.Equal(t, []float64{30, 61, 62, 45, 59, 119}, config.Anchors[1])

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("anchors:\n  - [10, 13, 16]\n"), 0o600))
	_, err = LoadModelConfig(bad)
	var configErr *checks.InvalidConfigurationError
	assert.True(t, errors.As(err, &configErr))

	_, err = LoadModelConfig(filepath.Join(dir, "missing.yaml"))
	assert.True(t, errors.As(err, &configErr))
}
