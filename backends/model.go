package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/fileutil"
)

type Model struct {
	ID                    string
	ORTModel              *ORTModel
	GoModel               *GoModel
	Tokenizer             *Tokenizer
	Destroy               func() error
	Pipelines             map[string]Pipeline
	IDLabelMap            map[int]string
	Path                  string
	OnnxFilename          string
	OnnxPath              string
	OnnxBytes             []byte
	InputsMeta            []InputOutputInfo
	OutputsMeta           []InputOutputInfo
	MaxPositionEmbeddings int
	PadToken              int64
}

// LoadModel loads the onnx model found at path, which is either a directory holding exactly one
// .onnx file (or onnxFilename), or the path of an .onnx file. config.json and tokenizer.json are
// picked up from the same directory when present.
func LoadModel(path string, onnxFilename string, options *options.Options) (*Model, error) {
	model := &Model{
		ID:           path + ":" + onnxFilename,
		Path:         path,
		OnnxFilename: onnxFilename,
		Pipelines:    map[string]Pipeline{},
	}

	if strings.HasSuffix(path, ".onnx") {
		model.Path, model.OnnxFilename = fileutil.SplitPath(path)
		model.OnnxPath = path
	} else if err := GetOnnxModelPath(model); err != nil {
		return nil, err
	}

	onnxBytes, err := fileutil.ReadFileBytes(model.OnnxPath)
	if err != nil {
		return nil, err
	}
	model.OnnxBytes = onnxBytes

	if _, err = LoadModelConfig(model, model.Path); err != nil {
		return nil, err
	}
	if err = CreateModelBackend(model, options); err != nil {
		return nil, err
	}
	if _, err = LoadTokenizer(model, model.Path, options); err != nil {
		return nil, errors.Join(err, destroyBackend(model, options.Backend))
	}

	model.Destroy = func() error {
		var destroyErr error
		if model.Tokenizer != nil {
			destroyErr = model.Tokenizer.Destroy()
		}
		return errors.Join(destroyErr, destroyBackend(model, options.Backend))
	}
	return model, nil
}

func destroyBackend(model *Model, backend string) error {
	var err error
	switch backend {
	case "ORT":
		if model.ORTModel != nil {
			err = model.ORTModel.Destroy()
			model.ORTModel = nil
		}
	case "GO":
		if model.GoModel != nil {
			err = model.GoModel.Destroy()
			model.GoModel = nil
		}
	}
	return err
}

func GetOnnxModelPath(model *Model) error {
	onnxFiles, err := getOnnxFiles(model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	model.OnnxFilename = onnxFiles[0][1]
	return nil
}

func getOnnxFiles(path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.WalkDir()(context.Background(), path, walker)
	return onnxFiles, err
}

type modelConfig struct {
	MaxPositionEmbeddings *int              `json:"max_position_embeddings"`
	PadTokenID            *int64            `json:"pad_token_id"`
	ID2Label              map[string]string `json:"id2label"`
}

// LoadModelConfig reads config.json from dir into model, if it exists. Fields already set on the
// model are overwritten. The boolean reports whether a config was found.
func LoadModelConfig(model *Model, dir string) (bool, error) {
	configPath := fileutil.PathJoinSafe(dir, "config.json")
	exists, err := fileutil.FileExists(configPath)
	if err != nil || !exists {
		return false, err
	}
	configBytes, err := fileutil.ReadFileBytes(configPath)
	if err != nil {
		return false, err
	}
	config := modelConfig{}
	if err = jsoniter.Unmarshal(configBytes, &config); err != nil {
		return false, fmt.Errorf("reading %s: %w", configPath, err)
	}
	if config.MaxPositionEmbeddings != nil {
		model.MaxPositionEmbeddings = *config.MaxPositionEmbeddings
	}
	if config.PadTokenID != nil {
		model.PadToken = *config.PadTokenID
	}
	if config.ID2Label != nil {
		id2label := make(map[int]string, len(config.ID2Label))
		for k, v := range config.ID2Label {
			id, convErr := strconv.Atoi(k)
			if convErr != nil {
				return false, fmt.Errorf("id2label key %q is not an integer: %w", k, convErr)
			}
			id2label[id] = v
		}
		model.IDLabelMap = id2label
	}
	return true, nil
}
