package deepsparse

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/phuslu/log"

	"github.com/dnth/deepsparse/backends"
	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipeline already created.
type Session struct {
	textClassificationPipelines pipelineMap[*pipelines.TextClassificationPipeline]
	yoloPipelines               pipelineMap[*pipelines.YOLOPipeline]
	models                      map[string]*backends.Model
	options                     *options.Options
	environmentDestroy          func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	session := &Session{
		textClassificationPipelines: map[string]*pipelines.TextClassificationPipeline{},
		yoloPipelines:               map[string]*pipelines.YOLOPipeline{},
		models:                      map[string]*backends.Model{},
		options:                     parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStats() []string {
	var stats []string
	for _, p := range m {
		stats = append(stats, p.GetStats()...)
	}
	return stats
}

// TextClassificationConfig is the configuration for a text classification pipeline.
type TextClassificationConfig = backends.PipelineConfig[*pipelines.TextClassificationPipeline]

// TextClassificationOption is an option for a text classification pipeline.
type TextClassificationOption = backends.PipelineOption[*pipelines.TextClassificationPipeline]

// YOLOConfig is the configuration for a YOLO object detection pipeline.
type YOLOConfig = backends.PipelineConfig[*pipelines.YOLOPipeline]

// YOLOOption is an option for a YOLO object detection pipeline.
type YOLOOption = backends.PipelineOption[*pipelines.YOLOPipeline]

// ModelDirName is the directory a model is downloaded to under the destination, e.g.
// "sentence-transformers/all-MiniLM-L6-v2" becomes "sentence-transformers_all-MiniLM-L6-v2".
func ModelDirName(modelName string) string {
	name, _, _ := strings.Cut(modelName, ":")
	return strings.ReplaceAll(name, "/", "_")
}

func modelKey(modelPath, onnxFilename string) string {
	return modelPath + ":" + onnxFilename
}

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once. Pipelines created from the same model path share the loaded model.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	key := modelKey(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename)
	model, ok := s.models[key]
	newModel := !ok
	var err error
	if newModel {
		model, err = backends.LoadModel(pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, s.options)
		if err != nil {
			return pipeline, err
		}
	}

	var name string
	pipeline, name, err = InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		if newModel {
			err = errors.Join(err, model.Destroy())
		}
		return pipeline, err
	}
	s.models[key] = model

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.TextClassificationPipeline:
		s.textClassificationPipelines[name] = typedPipeline
	case *pipelines.YOLOPipeline:
		s.yoloPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	log.Info().Str("pipeline", name).Str("model", key).Str("backend", s.options.Backend).Msg("pipeline created")
	return pipeline, nil
}

// InitializePipeline creates a pipeline of type T on an already loaded model, without registering it with a session.
func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.TextClassificationPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.TextClassificationPipeline])
		pipelineInitialised, err := pipelines.NewTextClassificationPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	case *pipelines.YOLOPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.YOLOPipeline])
		pipelineInitialised, err := pipelines.NewYOLOPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.TextClassificationPipeline:
		p, ok := s.textClassificationPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	case *pipelines.YOLOPipeline:
		p, ok := s.yoloPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the pipeline from the session. The model is destroyed with its last pipeline.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	var model *backends.Model
	switch any(pipeline).(type) {
	case *pipelines.TextClassificationPipeline:
		p, ok := s.textClassificationPipelines[name]
		if !ok {
			return nil
		}
		model = p.Model
		delete(s.textClassificationPipelines, name)
	case *pipelines.YOLOPipeline:
		p, ok := s.yoloPipelines[name]
		if !ok {
			return nil
		}
		model = p.Model
		delete(s.yoloPipelines, name)
	default:
		return errors.New("pipeline type not supported")
	}

	delete(model.Pipelines, name)
	if len(model.Pipelines) == 0 {
		delete(s.models, model.ID)
		return model.Destroy()
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStats returns runtime statistics for all initialized pipelines for profiling purposes. We currently record for each pipeline:
// the total runtime of the inference (i.e. onnxruntime) step
// the number of batch calls to the inference
// the average time per inference batch call.
func (s *Session) GetStats() []string {
	return slices.Concat(
		s.textClassificationPipelines.GetStats(),
		s.yoloPipelines.GetStats(),
	)
}

// Destroy deletes the session, its engine environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	log.Info().Msg("Destroying pipelines")
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.textClassificationPipelines = nil
	s.yoloPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	log.Info().Msg("Destroying engine environment")
	err = errors.Join(err, s.environmentDestroy())
	return err
}
