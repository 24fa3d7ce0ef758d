package pipelines

import (
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/dnth/deepsparse/util/checks"
	"github.com/dnth/deepsparse/util/fileutil"
)

// CocoClasses are the 80 labels of the COCO detection benchmark in model output order.
var CocoClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

var builtinClassNames = map[string][]string{
	"coco": CocoClasses,
}

// ClassNameMap maps a string encoded class index to its label.
type ClassNameMap map[string]string

// Label returns the label of classID.
func (m ClassNameMap) Label(classID int) (string, error) {
	label, ok := m[strconv.Itoa(classID)]
	if !ok {
		return "", checks.NewInvalidConfigurationError("class_names", "no label for class id %d (%d labels configured)", classID, len(m))
	}
	return label, nil
}

func classNameMapFromList(labels []string) ClassNameMap {
	m := make(ClassNameMap, len(labels))
	for i, label := range labels {
		m[strconv.Itoa(i)] = label
	}
	return m
}

type classNameKind int

const (
	classNamesBuiltin classNameKind = iota + 1
	classNamesMapping
	classNamesList
	classNamesJSON
)

// ClassNameSource describes where the labels of a detection model come from.
type ClassNameSource struct {
	kind    classNameKind
	value   string
	mapping map[string]string
	labels  []string
}

// BuiltinClassNames selects a built-in label table by keyword. "coco" is the only one.
func BuiltinClassNames(keyword string) ClassNameSource {
	return ClassNameSource{kind: classNamesBuiltin, value: keyword}
}

func ClassNameMapping(mapping map[string]string) ClassNameSource {
	return ClassNameSource{kind: classNamesMapping, mapping: mapping}
}

// ClassNameList uses labels in class index order.
func ClassNameList(labels []string) ClassNameSource {
	return ClassNameSource{kind: classNamesList, labels: labels}
}

// ClassNamesFromJSON reads a JSON object of index to label, or a JSON array of labels.
func ClassNamesFromJSON(path string) ClassNameSource {
	return ClassNameSource{kind: classNamesJSON, value: path}
}

// ParseClassNameSource treats values ending in .json as a label file and anything else as a
// built-in keyword.
func ParseClassNameSource(value string) ClassNameSource {
	if strings.HasSuffix(strings.ToLower(value), ".json") {
		return ClassNamesFromJSON(value)
	}
	return BuiltinClassNames(value)
}

func (s ClassNameSource) String() string {
	switch s.kind {
	case classNamesBuiltin, classNamesJSON:
		return s.value
	case classNamesMapping:
		return fmt.Sprintf("mapping of %d labels", len(s.mapping))
	case classNamesList:
		return fmt.Sprintf("list of %d labels", len(s.labels))
	default:
		return "none"
	}
}

// Resolve builds the class name map. The returned map is a copy the caller owns.
func (s ClassNameSource) Resolve() (ClassNameMap, error) {
	switch s.kind {
	case classNamesBuiltin:
		labels, ok := builtinClassNames[strings.ToLower(s.value)]
		if !ok {
			return nil, checks.NewInvalidConfigurationError("class_names", "unknown class name keyword %q", s.value)
		}
		return classNameMapFromList(labels), nil
	case classNamesMapping:
		m := make(ClassNameMap, len(s.mapping))
		for k, v := range s.mapping {
			if _, err := strconv.Atoi(k); err != nil {
				return nil, checks.NewInvalidConfigurationError("class_names", "class index %q is not an integer", k)
			}
			m[k] = v
		}
		return m, nil
	case classNamesList:
		return classNameMapFromList(s.labels), nil
	case classNamesJSON:
		return readClassNamesJSON(s.value)
	default:
		return nil, checks.NewInvalidConfigurationError("class_names", "no class name source configured")
	}
}

func readClassNamesJSON(path string) (ClassNameMap, error) {
	content, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, checks.NewInvalidConfigurationError("class_names", "reading %s: %w", path, err)
	}
	var raw any
	if err = jsoniter.Unmarshal(content, &raw); err != nil {
		return nil, checks.NewInvalidConfigurationError("class_names", "parsing %s: %w", path, err)
	}
	switch v := raw.(type) {
	case map[string]any:
		m := make(map[string]string, len(v))
		for k, label := range v {
			s, ok := label.(string)
			if !ok {
				return nil, checks.NewInvalidConfigurationError("class_names", "label of class %s in %s is not a string", k, path)
			}
			m[k] = s
		}
		return ClassNameMapping(m).Resolve()
	case []any:
		labels := make([]string, len(v))
		for i, label := range v {
			s, ok := label.(string)
			if !ok {
				return nil, checks.NewInvalidConfigurationError("class_names", "label %d in %s is not a string", i, path)
			}
			labels[i] = s
		}
		return classNameMapFromList(labels), nil
	default:
		return nil, checks.NewInvalidConfigurationError("class_names", "%s must hold a JSON object or array, got %T", path, raw)
	}
}
