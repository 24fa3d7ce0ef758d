//go:build cgo && (ORT || ALL)

package backends

import (
	"errors"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/tensorutil"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, options *options.Options) error {
	sessionOptions, ok := options.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options are not initialised, create the session with NewORTSession")
	}

	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}

	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func runORTSessionOnBatch(batch *PipelineBatch, p *BasePipeline) (err error) {
	inputTensors := make([]ort.Value, 0, len(batch.InputValues))
	defer func() {
		for _, input := range inputTensors {
			err = errors.Join(err, input.Destroy())
		}
	}()
	for i, dense := range batch.InputValues {
		value, valueErr := denseToORT(dense)
		if valueErr != nil {
			return fmt.Errorf("input %s: %w", p.Model.InputsMeta[i].Name, valueErr)
		}
		inputTensors = append(inputTensors, value)
	}

	// nil outputs are allocated by onnxruntime, so dynamic output shapes need no guessing
	outputTensors := make([]ort.Value, len(p.Model.OutputsMeta))
	defer func() {
		for _, output := range outputTensors {
			if output != nil {
				err = errors.Join(err, output.Destroy())
			}
		}
	}()

	if errOnnx := p.Model.ORTModel.Session.Run(inputTensors, outputTensors); errOnnx != nil {
		return errOnnx
	}

	outputs := make([]*tensor.Dense, len(outputTensors))
	for i, output := range outputTensors {
		dense, convErr := ortToDense(output)
		if convErr != nil {
			return fmt.Errorf("output %s: %w", p.Model.OutputsMeta[i].Name, convErr)
		}
		outputs[i] = dense
	}
	batch.OutputValues = outputs
	return err
}

func newORTTensor[T ort.TensorData](dense *tensor.Dense, data []T) (ort.Value, error) {
	return ort.NewTensor(ort.NewShape(tensorutil.Int64Shape(dense.Shape())...), data)
}

func denseToORT(dense *tensor.Dense) (ort.Value, error) {
	switch data := dense.Data().(type) {
	case []float32:
		return newORTTensor(dense, data)
	case []float64:
		return newORTTensor(dense, data)
	case []uint8:
		return newORTTensor(dense, data)
	case []int8:
		return newORTTensor(dense, data)
	case []int32:
		return newORTTensor(dense, data)
	case []int64:
		return newORTTensor(dense, data)
	default:
		return nil, fmt.Errorf("tensor data of type %T is not supported", data)
	}
}

// ortToDense copies an onnxruntime output so it outlives the ort value.
func ortToDense(value ort.Value) (*tensor.Dense, error) {
	switch t := value.(type) {
	case *ort.Tensor[float32]:
		return tensorutil.New(slices.Clone(t.GetData()), tensorutil.IntShape(t.GetShape())...), nil
	case *ort.Tensor[float64]:
		return tensorutil.New(slices.Clone(t.GetData()), tensorutil.IntShape(t.GetShape())...), nil
	case *ort.Tensor[uint8]:
		return tensorutil.New(slices.Clone(t.GetData()), tensorutil.IntShape(t.GetShape())...), nil
	case *ort.Tensor[int8]:
		return tensorutil.New(slices.Clone(t.GetData()), tensorutil.IntShape(t.GetShape())...), nil
	case *ort.Tensor[int32]:
		return tensorutil.New(slices.Clone(t.GetData()), tensorutil.IntShape(t.GetShape())...), nil
	case *ort.Tensor[int64]:
		return tensorutil.New(slices.Clone(t.GetData()), tensorutil.IntShape(t.GetShape())...), nil
	default:
		return nil, fmt.Errorf("output value of type %T is not supported", value)
	}
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	inputOutputsStandardised := make([]InputOutputInfo, len(inputOutputs))
	for i, inputOutput := range inputOutputs {
		inputOutputsStandardised[i] = InputOutputInfo{
			Name:        inputOutput.Name,
			Dimensions:  Shape(inputOutput.Dimensions),
			ElementType: elementTypeFromORT(inputOutput.DataType),
		}
	}
	return inputOutputsStandardised
}

func elementTypeFromORT(dataType ort.TensorElementDataType) ElementType {
	switch dataType {
	case ort.TensorElementDataTypeFloat:
		return ElementTypeFloat32
	case ort.TensorElementDataTypeDouble:
		return ElementTypeFloat64
	case ort.TensorElementDataTypeUint8:
		return ElementTypeUint8
	case ort.TensorElementDataTypeInt8:
		return ElementTypeInt8
	case ort.TensorElementDataTypeInt32:
		return ElementTypeInt32
	case ort.TensorElementDataTypeInt64:
		return ElementTypeInt64
	default:
		return ElementTypeUndefined
	}
}
