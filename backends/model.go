package backends

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/knights-analytics/llavabatch/options"
	"github.com/knights-analytics/llavabatch/util/fileutil"
	"github.com/knights-analytics/llavabatch/util/imageutil"
	"github.com/knights-analytics/llavabatch/util/logger"
)

// ModelConfig is the subset of config.json the driver needs.
type ModelConfig struct {
	MMUseImStartEnd       bool   `json:"mm_use_im_start_end"`
	ImageAspectRatio      string `json:"image_aspect_ratio"`
	MaxSequenceLength     int    `json:"max_sequence_length"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
}

// ProcessorConfig is the subset of preprocessor_config.json used to build the image processor.
type ProcessorConfig struct {
	CropWidth    int
	CropHeight   int
	ShortestEdge int
	ImageMean    [3]float32
	ImageStd     [3]float32
}

// DefaultProcessorConfig matches the CLIP ViT-L/14 336px vision tower.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		CropWidth:    336,
		CropHeight:   336,
		ShortestEdge: 336,
		ImageMean:    imageutil.CLIPMean,
		ImageStd:     imageutil.CLIPStd,
	}
}

type Model struct {
	Name            string
	Path            string
	Base            string
	Config          ModelConfig
	ProcessorConfig ProcessorConfig
	Tokenizer       Tokenizer
	ImageProcessor  *imageutil.Processor
	Generator       Generator
	ContextLength   int
}

func (m *Model) Destroy() error {
	if m.Generator == nil {
		return nil
	}
	return m.Generator.Destroy()
}

// LoadOptions carries what LoadModel needs beyond the run configuration: where the
// model metadata was found locally.
type LoadOptions struct {
	Config      options.RunConfig
	ModelName   string
	MetadataDir string
	BaseDir     string
}

// ModelNameFromPath derives the short model name used for template selection.
func ModelNameFromPath(modelPath string) string {
	parts := strings.Split(strings.Trim(modelPath, "/"), "/")
	last := parts[len(parts)-1]
	if strings.HasPrefix(last, "checkpoint-") && len(parts) > 1 {
		return parts[len(parts)-2] + "_" + last
	}
	return last
}

// LoadModel reads the model metadata (config, image processor, tokenizer) and wires the
// generation backend. Missing metadata files fall back to defaults.
func LoadModel(ctx context.Context, opts LoadOptions) (*Model, error) {
	cfg := opts.Config
	model := &Model{
		Name:            opts.ModelName,
		Path:            cfg.ModelPath,
		Base:            cfg.ModelBase,
		ProcessorConfig: DefaultProcessorConfig(),
		ContextLength:   DefaultContextLength,
	}

	dirs := nonEmpty(opts.MetadataDir, opts.BaseDir)
	var loadErrs []error

	if b, err := readFirst(ctx, "config.json", dirs); err != nil {
		loadErrs = append(loadErrs, err)
	} else if b != nil {
		if err := jsoniter.Unmarshal(b, &model.Config); err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("parsing config.json: %w", err))
		}
		switch {
		case model.Config.MaxSequenceLength > 0:
			model.ContextLength = model.Config.MaxSequenceLength
		case model.Config.MaxPositionEmbeddings > 0:
			model.ContextLength = model.Config.MaxPositionEmbeddings
		}
	}

	if b, err := readFirst(ctx, "preprocessor_config.json", dirs); err != nil {
		loadErrs = append(loadErrs, err)
	} else if b != nil {
		processorConfig, err := parseProcessorConfig(b)
		if err != nil {
			loadErrs = append(loadErrs, err)
		} else {
			model.ProcessorConfig = processorConfig
		}
	}

	if b, err := readFirst(ctx, "tokenizer.json", dirs); err != nil {
		loadErrs = append(loadErrs, err)
	} else if b != nil {
		configBytes, err := readFirst(ctx, "tokenizer_config.json", dirs)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		tk, err := loadGoTokenizer(b, configBytes)
		if err != nil {
			loadErrs = append(loadErrs, err)
		} else {
			model.Tokenizer = tk
		}
	} else {
		logger.Log.Debug("no tokenizer.json found, prompts are passed to the backend as text", "model", model.Name)
	}
	if e := errors.Join(loadErrs...); e != nil {
		return nil, e
	}

	model.ImageProcessor = NewImageProcessor(model.ProcessorConfig, model.Config.ImageAspectRatio)

	generator, err := newGenerator(ctx, cfg, model.Name, opts.MetadataDir)
	if err != nil {
		return nil, err
	}
	model.Generator = generator
	return model, nil
}

func newGenerator(ctx context.Context, cfg options.RunConfig, modelName, modelDir string) (Generator, error) {
	switch cfg.Backend {
	case options.BackendOllama:
		if q := cfg.Quantization(); q != options.QuantizationNone {
			logger.Log.Warn("quantization is fixed by the model served by ollama, ignoring flag", "quantization", q)
		}
		served := cfg.ServedModel
		if served == "" {
			served = modelName
		}
		return NewOllamaGenerator(cfg.Endpoint, served, cfg.IsCPU()), nil
	case options.BackendLlavaCLI:
		if modelDir == "" {
			modelDir = cfg.ModelPath
		}
		return NewLlavaCLIGenerator(ctx, cfg.LlavaCLIPath, modelDir, cfg.Quantization(), cfg.IsCPU())
	}
	return nil, fmt.Errorf("backend %s not implemented", cfg.Backend)
}

// NewImageProcessor builds the CLIP style preprocessing chain. Models trained with the
// "pad" aspect ratio get their images expanded to a square filled with the mean colour first.
func NewImageProcessor(config ProcessorConfig, aspectRatio string) *imageutil.Processor {
	var steps []imageutil.PreprocessStep
	if aspectRatio == "pad" {
		steps = append(steps, imageutil.ExpandToSquareStep(imageutil.MeanColor(config.ImageMean)))
	}
	steps = append(steps,
		imageutil.ResizeStep(config.ShortestEdge),
		imageutil.CenterCropStep(config.CropWidth, config.CropHeight),
	)
	return &imageutil.Processor{
		PreprocessSteps: steps,
		NormalizationSteps: []imageutil.NormalizationStep{
			imageutil.RescaleStep(),
			imageutil.PixelNormalizationStep(config.ImageMean, config.ImageStd),
		},
	}
}

type rawProcessorConfig struct {
	CropSize  jsoniter.RawMessage `json:"crop_size"`
	Size      jsoniter.RawMessage `json:"size"`
	ImageMean []float32           `json:"image_mean"`
	ImageStd  []float32           `json:"image_std"`
}

func parseProcessorConfig(b []byte) (ProcessorConfig, error) {
	out := DefaultProcessorConfig()
	var raw rawProcessorConfig
	if err := jsoniter.Unmarshal(b, &raw); err != nil {
		return out, fmt.Errorf("parsing preprocessor_config.json: %w", err)
	}
	if len(raw.CropSize) > 0 {
		var side int
		var hw struct {
			Height int `json:"height"`
			Width  int `json:"width"`
		}
		if jsoniter.Unmarshal(raw.CropSize, &side) == nil && side > 0 {
			out.CropWidth, out.CropHeight = side, side
		} else if jsoniter.Unmarshal(raw.CropSize, &hw) == nil && hw.Height > 0 && hw.Width > 0 {
			out.CropWidth, out.CropHeight = hw.Width, hw.Height
		}
	}
	if len(raw.Size) > 0 {
		var side int
		var edge struct {
			ShortestEdge int `json:"shortest_edge"`
		}
		if jsoniter.Unmarshal(raw.Size, &side) == nil && side > 0 {
			out.ShortestEdge = side
		} else if jsoniter.Unmarshal(raw.Size, &edge) == nil && edge.ShortestEdge > 0 {
			out.ShortestEdge = edge.ShortestEdge
		}
	}
	if len(raw.ImageMean) == 3 {
		copy(out.ImageMean[:], raw.ImageMean)
	}
	if len(raw.ImageStd) == 3 {
		copy(out.ImageStd[:], raw.ImageStd)
	}
	return out, nil
}

// readFirst returns the content of name from the first directory that has it, or nil.
func readFirst(ctx context.Context, name string, dirs []string) ([]byte, error) {
	for _, dir := range dirs {
		p := fileutil.PathJoinSafe(dir, name)
		exists, err := fileutil.FileExists(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("checking %s: %w", p, err)
		}
		if !exists {
			continue
		}
		b, err := fileutil.ReadFileBytes(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		return b, nil
	}
	return nil, nil
}

func nonEmpty(values ...string) []string {
	var out []string
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
