//go:build !GO && !ALL

package deepsparse

import (
	"errors"

	"github.com/dnth/deepsparse/options"
)

func NewGoSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable the Go backend, run `go build -tags GO` or `go build -tags ALL`")
}
