package backends

import (
	"context"
	"errors"
	"image"
	"strings"

	"gorgonia.org/tensor"
)

type SequenceDelta struct {
	Token string
}

// GenerationRequest is everything a generator gets for one (image, prompt) pair.
// It is built fresh for every pair and not retained.
type GenerationRequest struct {
	Prompt string
	// InputIDs has a leading batch dimension of one. It is empty when the model
	// has no local tokenizer.
	InputIDs     [][]int
	Images       []*tensor.Dense
	ImageSizes   []image.Point
	ImageData    [][]byte
	ImageRefs    []string
	Temperature  float64
	MaxNewTokens int
	DoSample     bool
	StopString   string
}

// Generator runs generation for a request. Deltas are streamed on the first channel;
// at most one error is sent on the second. Both channels are closed when generation ends.
type Generator interface {
	Name() string
	Generate(ctx context.Context, request *GenerationRequest) (chan SequenceDelta, chan error, error)
	Destroy() error
}

// CollectResponse drains a generation stream, handing each token to onToken as it
// arrives, and returns the concatenated text.
func CollectResponse(tokenStream chan SequenceDelta, errorStream chan error, onToken func(string)) (string, error) {
	var sb strings.Builder
	for delta := range tokenStream {
		if onToken != nil {
			onToken(delta.Token)
		}
		sb.WriteString(delta.Token)
	}
	var finalErrors []error
	for err := range errorStream {
		finalErrors = append(finalErrors, err)
	}
	return sb.String(), errors.Join(finalErrors...)
}
