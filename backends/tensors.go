package backends

// ElementType is the element type of a model input or output.
type ElementType int

const (
	ElementTypeUndefined ElementType = iota
	ElementTypeFloat32
	ElementTypeFloat64
	ElementTypeUint8
	ElementTypeInt8
	ElementTypeInt32
	ElementTypeInt64
)

func (e ElementType) String() string {
	switch e {
	case ElementTypeFloat32:
		return "float32"
	case ElementTypeFloat64:
		return "float64"
	case ElementTypeUint8:
		return "uint8"
	case ElementTypeInt8:
		return "int8"
	case ElementTypeInt32:
		return "int32"
	case ElementTypeInt64:
		return "int64"
	default:
		return "undefined"
	}
}
