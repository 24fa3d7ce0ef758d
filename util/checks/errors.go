package checks

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/phuslu/log"
)

// Checks has its own package, to prevent dependency cycles

// InvalidConfigurationError is returned when a pipeline is constructed with a setting it cannot use,
// or when a model's metadata disagrees with its configuration (e.g. a class id without a label).
type InvalidConfigurationError struct {
	Field string
	Err   error
}

func (e *InvalidConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid configuration: %v", e.Err)
	}
	return fmt.Sprintf("invalid configuration for %s: %v", e.Field, e.Err)
}

func (e *InvalidConfigurationError) Unwrap() error {
	return e.Err
}

// NewInvalidConfigurationError builds an InvalidConfigurationError for field.
func NewInvalidConfigurationError(field string, format string, args ...any) error {
	return &InvalidConfigurationError{Field: field, Err: fmt.Errorf(format, args...)}
}

// InvalidInputError is returned when caller supplied data cannot be processed. Index is the position
// of the offending element in the input batch, or -1.
type InvalidInputError struct {
	Index int
	Field string
	Err   error
}

func (e *InvalidInputError) Error() string {
	var b strings.Builder
	b.WriteString("invalid input")
	if e.Field != "" {
		b.WriteString(" ")
		b.WriteString(e.Field)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, " at index %d", e.Index)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

func NewInvalidInputError(index int, field string, format string, args ...any) error {
	return &InvalidInputError{Index: index, Field: field, Err: fmt.Errorf(format, args...)}
}

// EngineContractError is returned when the inference engine produces outputs that do not have the
// shape or count the pipeline expects. Output is the offending output index, or -1.
type EngineContractError struct {
	Output int
	Err    error
}

func (e *EngineContractError) Error() string {
	if e.Output < 0 {
		return fmt.Sprintf("engine output contract violated: %v", e.Err)
	}
	return fmt.Sprintf("engine output %d contract violated: %v", e.Output, e.Err)
}

func (e *EngineContractError) Unwrap() error {
	return e.Err
}

func NewEngineContractError(output int, format string, args ...any) error {
	return &EngineContractError{Output: output, Err: fmt.Errorf(format, args...)}
}

func CheckWithMessage(err error, message string) {
	if err != nil {
		stack := strings.Join(strings.Split(string(debug.Stack()), "\n")[5:], "\n")
		log.Fatal().Stack().Err(err).Str("stack", stack).Msg(message)
	}
}
