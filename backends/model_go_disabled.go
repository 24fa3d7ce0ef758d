//go:build !GO && !ALL

package backends

import (
	"errors"

	"github.com/dnth/deepsparse/options"
)

type GoModel struct {
	Destroy func() error
}

func createGoModelBackend(_ *Model, _ *options.Options) error {
	return errors.New("GO backend is not enabled, build with -tags GO or -tags ALL")
}

func runGoSessionOnBatch(_ *PipelineBatch, _ *BasePipeline) error {
	return errors.New("GO backend is not enabled, build with -tags GO or -tags ALL")
}
