package backends

import (
	"fmt"

	"github.com/dnth/deepsparse/options"
	"github.com/dnth/deepsparse/util/fileutil"
)

type Tokenizer struct {
	RustTokenizer    *RustTokenizer
	GoTokenizer      *GoTokenizer
	TokenizerTimings *timings
	Destroy          func() error
	Runtime          string
	MaxAllowedTokens int
}

// LoadTokenizer loads dir/tokenizer.json into model if it exists. The rust tokenizer is used with
// the ORT backend and the pure Go one with the GO backend.
func LoadTokenizer(model *Model, dir string, s *options.Options) (bool, error) {
	tokenizerPath := fileutil.PathJoinSafe(dir, "tokenizer.json")
	exists, err := fileutil.FileExists(tokenizerPath)
	if err != nil {
		return false, fmt.Errorf("error checking for existence of tokenizer.json: %w", err)
	}
	if !exists {
		return false, nil
	}
	tokenizerBytes, err := fileutil.ReadFileBytes(tokenizerPath)
	if err != nil {
		return false, err
	}
	switch s.Backend {
	case "ORT":
		err = loadRustTokenizer(tokenizerBytes, model)
	case "GO":
		err = loadGoTokenizer(tokenizerBytes, model)
	default:
		err = fmt.Errorf("runtime %s not recognized", s.Backend)
	}
	return err == nil, err
}

func TokenizeInputs(batch *PipelineBatch, tk *Tokenizer, inputs []string) error {
	switch tk.Runtime {
	case "RUST":
		return tokenizeInputsRust(batch, tk, inputs)
	case "GO":
		return tokenizeInputsGo(batch, tk, inputs)
	}
	return fmt.Errorf("tokenizer runtime %s not recognized", tk.Runtime)
}

func newTokenizedInput(raw string, tokens []string, ids, typeIDs, attentionMask, specialTokensMask []uint32) TokenizedInput {
	maxAttentionIndex := 0
	for j, attentionMaskValue := range attentionMask {
		if attentionMaskValue != 0 {
			maxAttentionIndex = j
		}
	}
	return TokenizedInput{
		Raw:               raw,
		Tokens:            tokens,
		TokenIDs:          ids,
		TypeIDs:           typeIDs,
		AttentionMask:     attentionMask,
		SpecialTokensMask: specialTokensMask,
		MaxAttentionIndex: maxAttentionIndex,
	}
}

func truncate[T any](s []T, n int) []T {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func setBatchInputs(batch *PipelineBatch, outputs []TokenizedInput) {
	maxSequence := 0
	for _, output := range outputs {
		maxSequence = max(maxSequence, output.MaxAttentionIndex)
	}
	batch.Input = outputs
	batch.MaxSequenceLength = maxSequence + 1
}
