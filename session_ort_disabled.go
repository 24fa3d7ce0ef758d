//go:build !cgo || (!ORT && !ALL)

package deepsparse

import (
	"errors"

	"github.com/dnth/deepsparse/options"
)

func NewORTSession(_ ...options.WithOption) (*Session, error) {
	return nil, errors.New("to enable ORT, run `go build -tags ORT` or `go build -tags ALL` with cgo enabled")
}
