package backends

import (
	"bytes"
	"fmt"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/dnth/deepsparse/util/safeconv"
)

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
}

func loadGoTokenizer(tokenizerBytes []byte, model *Model) error {
	tk, tkErr := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if tkErr != nil {
		return tkErr
	}
	model.Tokenizer = &Tokenizer{Runtime: "GO", GoTokenizer: &GoTokenizer{Tokenizer: tk}, TokenizerTimings: &timings{}, MaxAllowedTokens: model.MaxPositionEmbeddings, Destroy: func() error {
		return nil
	}}
	return nil
}

func tokenizeInputsGo(batch *PipelineBatch, tk *Tokenizer, inputs []string) error {
	outputs := make([]TokenizedInput, len(inputs))
	goTK := tk.GoTokenizer.Tokenizer
	for i, input := range inputs {
		output, err := goTK.EncodeSingle(input, true)
		if err != nil {
			return fmt.Errorf("tokenizing input %d: %w", i, err)
		}
		n := tk.MaxAllowedTokens
		outputs[i] = newTokenizedInput(input,
			truncate(output.Tokens, n),
			safeconv.IntSliceToUint32Slice(truncate(output.Ids, n)),
			safeconv.IntSliceToUint32Slice(truncate(output.TypeIds, n)),
			safeconv.IntSliceToUint32Slice(truncate(output.AttentionMask, n)),
			safeconv.IntSliceToUint32Slice(truncate(output.SpecialTokenMask, n)),
		)
	}
	setBatchInputs(batch, outputs)
	return nil
}
