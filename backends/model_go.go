//go:build GO || ALL

package backends

import (
	"fmt"
	"slices"

	"github.com/advancedclimatesystems/gonnx"
	"github.com/advancedclimatesystems/gonnx/onnx"
	"gorgonia.org/tensor"

	"github.com/dnth/deepsparse/options"
)

type GoModel struct {
	Model   *gonnx.Model
	Destroy func() error
}

func createGoModelBackend(model *Model, _ *options.Options) error {
	modelProto, err := gonnx.ModelProtoFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	goModel, err := gonnx.NewModel(modelProto)
	if err != nil {
		return err
	}

	inputs, outputs := loadInputOutputMetaGo(goModel, modelProto)
	model.GoModel = &GoModel{
		Model: goModel,
		Destroy: func() error {
			return nil
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model, modelProto *onnx.ModelProto) ([]InputOutputInfo, []InputOutputInfo) {
	elementTypes := map[string]int32{}
	graph := modelProto.GetGraph()
	for _, info := range slices.Concat(graph.GetInput(), graph.GetOutput()) {
		elementTypes[info.GetName()] = info.GetType().GetTensorType().GetElemType()
	}

	var inputs, outputs []InputOutputInfo
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		inputs = append(inputs, InputOutputInfo{
			Name:        name,
			Dimensions:  goDimensions(inputShapes[name]),
			ElementType: elementTypeFromONNX(elementTypes[name]),
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		outputs = append(outputs, InputOutputInfo{
			Name:        name,
			Dimensions:  goDimensions(outputShapes[name]),
			ElementType: elementTypeFromONNX(elementTypes[name]),
		})
	}
	return inputs, outputs
}

func goDimensions(shape onnx.Shape) Shape {
	dimensions := make(Shape, len(shape))
	for i, dim := range shape {
		if dim.Size > 0 {
			dimensions[i] = dim.Size
		} else {
			dimensions[i] = -1
		}
	}
	return dimensions
}

func elementTypeFromONNX(elemType int32) ElementType {
	switch onnx.TensorProto_DataType(elemType) {
	case onnx.TensorProto_FLOAT:
		return ElementTypeFloat32
	case onnx.TensorProto_DOUBLE:
		return ElementTypeFloat64
	case onnx.TensorProto_UINT8:
		return ElementTypeUint8
	case onnx.TensorProto_INT8:
		return ElementTypeInt8
	case onnx.TensorProto_INT32:
		return ElementTypeInt32
	case onnx.TensorProto_INT64:
		return ElementTypeInt64
	default:
		return ElementTypeUndefined
	}
}

func runGoSessionOnBatch(batch *PipelineBatch, p *BasePipeline) error {
	inputs := make(map[string]tensor.Tensor, len(batch.InputValues))
	for i, meta := range p.Model.InputsMeta {
		inputs[meta.Name] = batch.InputValues[i]
	}
	results, err := p.Model.GoModel.Model.Run(inputs)
	if err != nil {
		return err
	}

	outputs := make([]*tensor.Dense, len(p.Model.OutputsMeta))
	for i, meta := range p.Model.OutputsMeta {
		result, ok := results[meta.Name]
		if !ok {
			return fmt.Errorf("model produced no output %s", meta.Name)
		}
		dense, ok := result.(*tensor.Dense)
		if !ok {
			return fmt.Errorf("output %s has unsupported tensor type %T", meta.Name, result)
		}
		outputs[i] = dense
	}
	batch.OutputValues = outputs
	return nil
}
