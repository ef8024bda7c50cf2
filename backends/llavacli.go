package backends

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knights-analytics/llavabatch/options"
	"github.com/knights-analytics/llavabatch/util/fileutil"
)

// bannerAnchor ends the image encoding report llava-cli prints before the answer.
const bannerAnchor = "per image patch)"

// LlavaCLIGenerator runs a llama.cpp llava-cli binary once per request. The rendered
// prompt keeps its <image> marker, which llava-cli uses to split system and user text.
type LlavaCLIGenerator struct {
	Binary        string
	ModelFile     string
	ProjectorFile string
	CPU           bool
}

// NewLlavaCLIGenerator picks the language model and projector gguf files from modelDir.
// The quantization selects between q8_0, q4 and f16 weights when several are present.
func NewLlavaCLIGenerator(ctx context.Context, binary, modelDir, quantization string, cpu bool) (*LlavaCLIGenerator, error) {
	names, err := fileutil.List(ctx, modelDir)
	if err != nil {
		return nil, fmt.Errorf("listing gguf files in %s: %w", modelDir, err)
	}
	modelFile, projectorFile, err := SelectGGUF(names, quantization)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modelDir, err)
	}
	return &LlavaCLIGenerator{
		Binary:        binary,
		ModelFile:     filepath.Join(modelDir, modelFile),
		ProjectorFile: filepath.Join(modelDir, projectorFile),
		CPU:           cpu,
	}, nil
}

// SelectGGUF picks the language model weights and the mmproj projector from a list
// of file names.
func SelectGGUF(names []string, quantization string) (string, string, error) {
	var projector string
	var weights []string
	for _, name := range names {
		lower := strings.ToLower(name)
		if filepath.Ext(lower) != ".gguf" {
			continue
		}
		if strings.Contains(lower, "mmproj") {
			if projector == "" {
				projector = name
			}
			continue
		}
		weights = append(weights, name)
	}
	var errs []error
	if projector == "" {
		errs = append(errs, errors.New("no mmproj gguf file found"))
	}
	if len(weights) == 0 {
		errs = append(errs, errors.New("no model gguf file found"))
	}
	if e := errors.Join(errs...); e != nil {
		return "", "", e
	}

	marker := "f16"
	switch quantization {
	case options.Quantization8Bit:
		marker = "q8_0"
	case options.Quantization4Bit:
		marker = "q4"
	}
	for _, w := range weights {
		if strings.Contains(strings.ToLower(w), marker) {
			return w, projector, nil
		}
	}
	return weights[0], projector, nil
}

func (g *LlavaCLIGenerator) Name() string {
	return "llava-cli"
}

func (g *LlavaCLIGenerator) Destroy() error {
	return nil
}

func (g *LlavaCLIGenerator) args(imagePath string, request *GenerationRequest) []string {
	temperature := request.Temperature
	if !request.DoSample {
		temperature = 0
	}
	args := []string{
		"-m", g.ModelFile,
		"--mmproj", g.ProjectorFile,
		"--image", imagePath,
		"-p", request.Prompt,
		"--temp", strconv.FormatFloat(temperature, 'f', -1, 64),
		"-n", strconv.Itoa(request.MaxNewTokens),
	}
	if g.CPU {
		args = append(args, "-ngl", "0")
	}
	return args
}

func (g *LlavaCLIGenerator) Generate(ctx context.Context, request *GenerationRequest) (chan SequenceDelta, chan error, error) {
	if len(request.ImageData) != 1 {
		return nil, nil, fmt.Errorf("llava-cli takes exactly one image, got %d", len(request.ImageData))
	}
	imageFile, err := os.CreateTemp("", "llavabatch-*.png")
	if err != nil {
		return nil, nil, err
	}
	imagePath := imageFile.Name()
	_, writeErr := imageFile.Write(request.ImageData[0])
	if err := errors.Join(writeErr, imageFile.Close()); err != nil {
		_ = os.Remove(imagePath)
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, g.Binary, g.args(imagePath, request)...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = os.Remove(imagePath)
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		_ = os.Remove(imagePath)
		return nil, nil, fmt.Errorf("starting %s: %w", g.Binary, err)
	}

	tokenStream := make(chan SequenceDelta, 10)
	errorStream := make(chan error, 1)

	go func() {
		defer close(tokenStream)
		defer close(errorStream)
		defer os.Remove(imagePath)

		readErr := streamAfterBanner(stdout, func(s string) {
			tokenStream <- SequenceDelta{Token: s}
		})
		waitErr := cmd.Wait()
		if waitErr != nil {
			waitErr = fmt.Errorf("%s: %w: %s", g.Binary, waitErr, lastLine(stderr.String()))
		}
		if err := errors.Join(readErr, waitErr); err != nil {
			errorStream <- err
		}
	}()
	return tokenStream, errorStream, nil
}

// streamAfterBanner forwards r to emit line by line, dropping everything up to and
// including the image patch banner. If the banner never shows up the whole output is
// forwarded.
func streamAfterBanner(r io.Reader, emit func(string)) error {
	reader := bufio.NewReader(r)
	var pending strings.Builder
	passthrough := false
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			switch {
			case passthrough:
				emit(line)
			case strings.Contains(line, bannerAnchor):
				passthrough = true
				if rest := line[strings.Index(line, bannerAnchor)+len(bannerAnchor):]; rest != "" {
					emit(rest)
				}
				pending.Reset()
			default:
				pending.WriteString(line)
			}
		}
		if err == io.EOF {
			if !passthrough && pending.Len() > 0 {
				emit(pending.String())
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}
