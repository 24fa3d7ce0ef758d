//go:build !ORT && !ALL

package backends

import "errors"

type RustTokenizer struct{}

func loadRustTokenizer(_ []byte, _ *Model) error {
	return errors.New("rust Tokenizer is not enabled")
}

func tokenizeInputsRust(_ *PipelineBatch, _ *Tokenizer, _ []string) error {
	return errors.New("rust Tokenizer is not enabled")
}
