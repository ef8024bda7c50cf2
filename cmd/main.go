package main

import (
	"errors"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"

	"github.com/knights-analytics/llavabatch"
	"github.com/knights-analytics/llavabatch/options"
	"github.com/knights-analytics/llavabatch/util/fileutil"
	"github.com/knights-analytics/llavabatch/util/logger"
)

var modelPath string
var modelBase string
var imageFileList string
var promptFile string
var device string
var convMode string
var temperature float64
var maxNewTokens int
var load8Bit bool
var load4Bit bool
var debug bool
var outputPath string
var backend string
var endpoint string
var servedModel string
var llavaCLIPath string
var modelsDir string
var hfToken string
var skipBlankLines bool
var metricsFile string
var logLevel string
var logFormat string

var runFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "YAML file with default values for any of the other flags",
	},
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "model-path",
		Usage:       "Model name, huggingface repo id, local folder or served model tag",
		Destination: &modelPath,
		Value:       "facebook/opt-350m",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "model-base",
		Usage:       "Base model, for LoRA checkpoints",
		Destination: &modelBase,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "image-file-list",
		Usage:       "File with one image path or URL per line",
		Destination: &imageFileList,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "prompt-file",
		Usage:       "File with one prompt per line",
		Destination: &promptFile,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "device",
		Usage:       "cuda, mps or cpu",
		Destination: &device,
		Value:       "cuda",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "conv-mode",
		Usage:       "Conversation template, overrides the one inferred from the model name",
		Destination: &convMode,
	}),
	altsrc.NewFloat64Flag(&cli.Float64Flag{
		Name:        "temperature",
		Usage:       "Sampling temperature, 0 for greedy decoding",
		Destination: &temperature,
		Value:       0.2,
	}),
	altsrc.NewIntFlag(&cli.IntFlag{
		Name:        "max-new-tokens",
		Usage:       "Maximum number of generated tokens per prompt",
		Destination: &maxNewTokens,
		Value:       512,
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:        "load-8bit",
		Usage:       "Use 8-bit weights",
		Destination: &load8Bit,
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:        "load-4bit",
		Usage:       "Use 4-bit weights",
		Destination: &load4Bit,
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:        "debug",
		Usage:       "Print the rendered prompt and the output of every pair",
		Destination: &debug,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "output",
		Usage:       "CSV file the results are appended to",
		Aliases:     []string{"o"},
		Destination: &outputPath,
		Value:       "output.csv",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "backend",
		Usage:       "Generation backend: ollama or llava-cli",
		Destination: &backend,
		Value:       options.BackendOllama,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "endpoint",
		Usage:       "Address of the ollama server",
		EnvVars:     []string{"OLLAMA_HOST"},
		Destination: &endpoint,
		Value:       "http://localhost:11434",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "served-model",
		Usage:       "Model name at the backend, when it differs from the model name",
		Destination: &servedModel,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "llava-cli",
		Usage:       "Path to the llama.cpp llava-cli binary",
		Destination: &llavaCLIPath,
		Value:       "llava-cli",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "model-folder",
		Usage:       "Folder where to store downloaded model metadata. Falls back to $HOME/llavabatch/models if not specified",
		Aliases:     []string{"f"},
		Destination: &modelsDir,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "hf-token",
		Usage:       "Huggingface token for gated or private repositories",
		EnvVars:     []string{"HF_TOKEN"},
		Destination: &hfToken,
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:        "skip-blank-lines",
		Usage:       "Ignore blank lines in the image list and the prompt file",
		Destination: &skipBlankLines,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "metrics-file",
		Usage:       "Write run metrics in the prometheus text format to this file",
		Destination: &metricsFile,
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "log-level",
		Usage:       "debug, info, warn or error",
		Destination: &logLevel,
		Value:       "info",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:        "log-format",
		Usage:       "console or json",
		Destination: &logFormat,
		Value:       "console",
	}),
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a LLaVA model on every image and prompt pair",
	Description: `Run reads a list of images (local paths, s3:// or http(s) URLs, one per line) and a file of prompts (one per line).
				Every prompt is asked about every image and each answer is appended to the output CSV.
				`,
	ArgsUsage: `
				--model-path: model to use. The llavabatch cli looks for the model metadata with this chain: first use the provided path. If the path does not exist, look for
				a model with this name at $HOME/llavabatch/models. Finally, try to download the metadata from Huggingface. Served model tags such as llava:13b need no metadata.
				--image-file-list: file with the images to process.
				--prompt-file: file with the prompts to ask about each image.
				--backend: ollama (default) sends the rendered prompts to an ollama server, llava-cli runs a llama.cpp llava-cli binary on the gguf files of the model folder.
				`,
	Flags:  runFlags,
	Before: altsrc.InitInputSourceWithContext(runFlags, yamlSourceFromFlag("config")),
	Action: func(ctx *cli.Context) (err error) {
		logger.Setup(logLevel, logFormat)

		if modelsDir == "" {
			userDir, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			modelsDir = fileutil.PathJoinSafe(userDir, "llavabatch", "models")
		}

		config, err := options.New(
			options.WithModelPath(modelPath),
			options.WithModelBase(modelBase),
			options.WithImageFileList(imageFileList),
			options.WithPromptFile(promptFile),
			options.WithDevice(device),
			options.WithConvMode(convMode),
			options.WithTemperature(temperature),
			options.WithMaxNewTokens(maxNewTokens),
			options.WithLoad8Bit(load8Bit),
			options.WithLoad4Bit(load4Bit),
			options.WithDebug(debug),
			options.WithOutputPath(outputPath),
			options.WithBackend(backend, normalizeEndpoint(endpoint)),
			options.WithServedModel(servedModel),
			options.WithLlavaCLIPath(llavaCLIPath),
			options.WithModelsDir(modelsDir),
			options.WithHFToken(hfToken),
			options.WithSkipBlankLines(skipBlankLines),
			options.WithMetricsFile(metricsFile),
		)
		if err != nil {
			return err
		}

		driver, err := llavabatch.NewDriver(ctx.Context, config)
		if err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, driver.Destroy())
		}()

		_, err = driver.Run(ctx.Context)
		return err
	},
}

// numericSource lets float flags take YAML integers: `temperature: 0` decodes as an int.
type numericSource struct {
	altsrc.InputSourceContext
}

func (s numericSource) Float64(name string) (float64, error) {
	value, err := s.InputSourceContext.Float64(name)
	if err == nil {
		return value, nil
	}
	if intValue, intErr := s.InputSourceContext.Int(name); intErr == nil {
		return float64(intValue), nil
	}
	return 0, err
}

func yamlSourceFromFlag(flagName string) func(*cli.Context) (altsrc.InputSourceContext, error) {
	newSource := altsrc.NewYamlSourceFromFlagFunc(flagName)
	return func(cCtx *cli.Context) (altsrc.InputSourceContext, error) {
		source, err := newSource(cCtx)
		if err != nil {
			return nil, err
		}
		return numericSource{source}, nil
	}
}

// normalizeEndpoint accepts OLLAMA_HOST style values such as 127.0.0.1:11434.
func normalizeEndpoint(endpoint string) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	return "http://" + endpoint
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "llavabatch",
		Usage:    "Batch inference with LLaVA vision-language models",
		Commands: []*cli.Command{runCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logger.Log.Error("run failed", "error", err)
		os.Exit(1)
	}
}
