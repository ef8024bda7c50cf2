package options

import (
	"errors"
	"fmt"
	"strings"
)

const (
	BackendOllama   = "ollama"
	BackendLlavaCLI = "llava-cli"
)

// Quantization values handed to the generation backend.
const (
	QuantizationNone = ""
	Quantization8Bit = "8bit"
	Quantization4Bit = "4bit"
)

// RunConfig holds everything one batch run needs. It is built once by New and passed
// by value; nothing mutates it afterwards.
type RunConfig struct {
	ModelPath     string
	ModelBase     string
	ImageFileList string
	PromptFile    string
	Device        string
	ConvMode      string
	Temperature   float64
	MaxNewTokens  int
	Load8Bit      bool
	Load4Bit      bool
	Debug         bool

	OutputPath     string
	Backend        string
	Endpoint       string
	ServedModel    string
	LlavaCLIPath   string
	ModelsDir      string
	HFToken        string
	SkipBlankLines bool
	MetricsFile    string
}

func Defaults() RunConfig {
	return RunConfig{
		ModelPath:    "facebook/opt-350m",
		Device:       "cuda",
		Temperature:  0.2,
		MaxNewTokens: 512,
		OutputPath:   "output.csv",
		Backend:      BackendOllama,
		Endpoint:     "http://localhost:11434",
		LlavaCLIPath: "llava-cli",
	}
}

// WithOption is the interface for all option functions.
type WithOption func(o *RunConfig) error

// New applies opts on top of Defaults and validates the result.
func New(opts ...WithOption) (RunConfig, error) {
	cfg := Defaults()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return RunConfig{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// DoSample reports whether generation should sample rather than decode greedily.
func (c RunConfig) DoSample() bool {
	return c.Temperature > 0
}

// Quantization resolves the two loading switches. 8-bit is checked first.
func (c RunConfig) Quantization() string {
	switch {
	case c.Load8Bit:
		return Quantization8Bit
	case c.Load4Bit:
		return Quantization4Bit
	}
	return QuantizationNone
}

// IsCPU reports whether the device string asks for CPU only execution.
func (c RunConfig) IsCPU() bool {
	return strings.EqualFold(c.Device, "cpu")
}

func (c RunConfig) Validate() error {
	var errs []error
	if c.ModelPath == "" {
		errs = append(errs, errors.New("model path is required"))
	}
	if c.ImageFileList == "" {
		errs = append(errs, errors.New("image file list is required"))
	}
	if c.PromptFile == "" {
		errs = append(errs, errors.New("prompt file is required"))
	}
	if c.OutputPath == "" {
		errs = append(errs, errors.New("output path is required"))
	}
	if c.MaxNewTokens <= 0 {
		errs = append(errs, fmt.Errorf("max new tokens must be greater than zero, got %d", c.MaxNewTokens))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must not be negative, got %g", c.Temperature))
	}
	switch c.Backend {
	case BackendOllama:
		if c.Endpoint == "" {
			errs = append(errs, errors.New("the ollama backend needs an endpoint"))
		}
	case BackendLlavaCLI:
		if c.LlavaCLIPath == "" {
			errs = append(errs, errors.New("the llava-cli backend needs the path of the llava-cli binary"))
		}
	default:
		errs = append(errs, fmt.Errorf("backend %q not implemented, use %s or %s", c.Backend, BackendOllama, BackendLlavaCLI))
	}
	return errors.Join(errs...)
}

func WithModelPath(path string) WithOption {
	return func(o *RunConfig) error {
		o.ModelPath = path
		return nil
	}
}

func WithModelBase(base string) WithOption {
	return func(o *RunConfig) error {
		o.ModelBase = base
		return nil
	}
}

func WithImageFileList(path string) WithOption {
	return func(o *RunConfig) error {
		o.ImageFileList = path
		return nil
	}
}

func WithPromptFile(path string) WithOption {
	return func(o *RunConfig) error {
		o.PromptFile = path
		return nil
	}
}

func WithDevice(device string) WithOption {
	return func(o *RunConfig) error {
		o.Device = device
		return nil
	}
}

// WithConvMode forces a conversation mode instead of the one inferred from the model name.
func WithConvMode(mode string) WithOption {
	return func(o *RunConfig) error {
		o.ConvMode = mode
		return nil
	}
}

// WithTemperature sets the sampling temperature. Zero means greedy decoding.
func WithTemperature(temperature float64) WithOption {
	return func(o *RunConfig) error {
		o.Temperature = temperature
		return nil
	}
}

func WithMaxNewTokens(n int) WithOption {
	return func(o *RunConfig) error {
		o.MaxNewTokens = n
		return nil
	}
}

func WithLoad8Bit(enable bool) WithOption {
	return func(o *RunConfig) error {
		o.Load8Bit = enable
		return nil
	}
}

func WithLoad4Bit(enable bool) WithOption {
	return func(o *RunConfig) error {
		o.Load4Bit = enable
		return nil
	}
}

func WithDebug(enable bool) WithOption {
	return func(o *RunConfig) error {
		o.Debug = enable
		return nil
	}
}

func WithOutputPath(path string) WithOption {
	return func(o *RunConfig) error {
		o.OutputPath = path
		return nil
	}
}

// WithBackend selects the generation backend and, when endpoint is not empty, where it lives.
func WithBackend(backend, endpoint string) WithOption {
	return func(o *RunConfig) error {
		o.Backend = backend
		if endpoint != "" {
			o.Endpoint = endpoint
		}
		return nil
	}
}

// WithServedModel names the model at the generation backend when it differs from the model name.
func WithServedModel(name string) WithOption {
	return func(o *RunConfig) error {
		o.ServedModel = name
		return nil
	}
}

func WithLlavaCLIPath(path string) WithOption {
	return func(o *RunConfig) error {
		if path != "" {
			o.LlavaCLIPath = path
		}
		return nil
	}
}

func WithModelsDir(dir string) WithOption {
	return func(o *RunConfig) error {
		o.ModelsDir = dir
		return nil
	}
}

func WithHFToken(token string) WithOption {
	return func(o *RunConfig) error {
		o.HFToken = token
		return nil
	}
}

// WithSkipBlankLines drops empty lines from the image and prompt lists. By default they
// are kept and processed like any other line.
func WithSkipBlankLines(enable bool) WithOption {
	return func(o *RunConfig) error {
		o.SkipBlankLines = enable
		return nil
	}
}

func WithMetricsFile(path string) WithOption {
	return func(o *RunConfig) error {
		o.MetricsFile = path
		return nil
	}
}
