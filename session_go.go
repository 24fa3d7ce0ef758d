//go:build GO || ALL

package deepsparse

import (
	"github.com/dnth/deepsparse/options"
)

// NewGoSession creates a session running models on the pure Go onnx interpreter.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}
