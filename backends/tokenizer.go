package backends

import (
	"bytes"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

type Tokenizer interface {
	// Encode tokenizes text, adding the special tokens the tokenizer is configured with.
	Encode(text string) ([]int, error)
	BOSTokenID() (int, bool)
}

type GoTokenizer struct {
	Tokenizer *tokenizer.Tokenizer
	bosID     int
	hasBOS    bool
}

func (t *GoTokenizer) Encode(text string) ([]int, error) {
	encoding, err := t.Tokenizer.EncodeSingle(text, true)
	if err != nil {
		return nil, err
	}
	return encoding.Ids, nil
}

func (t *GoTokenizer) BOSTokenID() (int, bool) {
	return t.bosID, t.hasBOS
}

// loadGoTokenizer reads a tokenizer.json and, when given, the tokenizer_config.json
// that names the BOS token.
func loadGoTokenizer(tokenizerBytes, tokenizerConfigBytes []byte) (*GoTokenizer, error) {
	tk, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}
	out := &GoTokenizer{Tokenizer: tk}
	if len(tokenizerConfigBytes) > 0 {
		bos, err := bosTokenFromConfig(tokenizerConfigBytes)
		if err != nil {
			return nil, err
		}
		if bos != "" {
			out.bosID, out.hasBOS = tk.TokenToId(bos)
		}
	}
	return out, nil
}

func bosTokenFromConfig(configBytes []byte) (string, error) {
	var config map[string]any
	if err := jsoniter.Unmarshal(configBytes, &config); err != nil {
		return "", fmt.Errorf("parsing tokenizer_config.json: %w", err)
	}
	switch bos := config["bos_token"].(type) {
	case string:
		return bos, nil
	case map[string]any:
		content, _ := bos["content"].(string)
		return content, nil
	}
	return "", nil
}

// TokenizeWithImageToken encodes prompt chunk by chunk around every image token and
// joins the chunks with imageTokenIndex. Each chunk is encoded with special tokens;
// a leading BOS is kept once at the very start.
func TokenizeWithImageToken(prompt string, tk Tokenizer, imageTokenIndex int) ([]int, error) {
	chunks := strings.Split(prompt, DefaultImageToken)
	encoded := make([][]int, len(chunks))
	for i, chunk := range chunks {
		ids, err := tk.Encode(chunk)
		if err != nil {
			return nil, fmt.Errorf("encoding prompt chunk %d: %w", i, err)
		}
		encoded[i] = ids
	}

	var ids []int
	offset := 0
	if bos, ok := tk.BOSTokenID(); ok && len(encoded[0]) > 0 && encoded[0][0] == bos {
		offset = 1
		ids = append(ids, bos)
	}
	for i, chunk := range encoded {
		if i > 0 {
			ids = append(ids, imageTokenIndex)
		}
		if len(chunk) > offset {
			ids = append(ids, chunk[offset:]...)
		}
	}
	return ids, nil
}
