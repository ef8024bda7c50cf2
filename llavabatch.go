package llavabatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/llavabatch/backends"
	"github.com/knights-analytics/llavabatch/conversation"
	"github.com/knights-analytics/llavabatch/metrics"
	"github.com/knights-analytics/llavabatch/options"
	"github.com/knights-analytics/llavabatch/results"
	"github.com/knights-analytics/llavabatch/util/fileutil"
	"github.com/knights-analytics/llavabatch/util/imageutil"
	"github.com/knights-analytics/llavabatch/util/logger"
)

// Driver runs every prompt of the prompt file against every image of the image list and
// appends one result record per successful pair.
type Driver struct {
	Config  options.RunConfig
	Model   *backends.Model
	Mode    string
	Results *results.Log
	Metrics *metrics.Run
	// Stdout receives the streamed generations and the final answers.
	Stdout io.Writer
	RunID  string

	template *conversation.Conversation
	log      *logger.Logger
}

// Summary counts the pairs of a run.
type Summary struct {
	Images    int
	Prompts   int
	Succeeded int
	Failed    int
}

// NewDriver loads the model named by config and prepares the conversation template.
func NewDriver(ctx context.Context, config options.RunConfig) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	modelDir, err := ResolveModelDir(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("resolving model %s: %w", config.ModelPath, err)
	}
	baseDir, err := ResolveBaseDir(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("resolving model base %s: %w", config.ModelBase, err)
	}
	model, err := backends.LoadModel(ctx, backends.LoadOptions{
		Config:      config,
		ModelName:   backends.ModelNameFromPath(config.ModelPath),
		MetadataDir: modelDir,
		BaseDir:     baseDir,
	})
	if err != nil {
		return nil, fmt.Errorf("loading model %s: %w", config.ModelPath, err)
	}
	driver, err := NewDriverFromModel(config, model)
	if err != nil {
		return nil, errors.Join(err, model.Destroy())
	}
	return driver, nil
}

// NewDriverFromModel builds a driver around an already loaded model.
func NewDriverFromModel(config options.RunConfig, model *backends.Model) (*Driver, error) {
	runID := uuid.NewString()
	log := logger.Log.With("run_id", runID)

	inferred := conversation.InferMode(model.Name)
	mode, warning := conversation.ResolveMode(inferred, config.ConvMode)
	if warning != "" {
		log.Warn(warning)
	}
	template, err := conversation.Get(mode)
	if err != nil {
		return nil, err
	}
	log.Info("model loaded", "model", model.Name, "mode", mode, "generator", model.Generator.Name())

	return &Driver{
		Config:   config,
		Model:    model,
		Mode:     mode,
		Results:  results.NewLog(config.OutputPath),
		Metrics:  metrics.NewRun(),
		Stdout:   os.Stdout,
		RunID:    runID,
		template: template,
		log:      log,
	}, nil
}

func (d *Driver) Destroy() error {
	return d.Model.Destroy()
}

// Run processes the image list in order, and for each image the prompts in order.
// Failing to load an image stops the run. A pair that fails to generate or to be written
// is logged and skipped.
func (d *Driver) Run(ctx context.Context) (summary Summary, err error) {
	prompts, err := fileutil.ReadLines(ctx, d.Config.PromptFile, d.Config.SkipBlankLines)
	if err != nil {
		return summary, fmt.Errorf("reading prompt file: %w", err)
	}
	images, err := fileutil.ReadLines(ctx, d.Config.ImageFileList, d.Config.SkipBlankLines)
	if err != nil {
		return summary, fmt.Errorf("reading image file list: %w", err)
	}
	summary.Prompts = len(prompts)

	defer func() {
		if d.Config.MetricsFile != "" {
			err = errors.Join(err, d.Metrics.WriteTextfile(d.Config.MetricsFile))
		}
		d.log.Info("run finished", "images", summary.Images, "succeeded", summary.Succeeded, "failed", summary.Failed)
	}()

	for _, imageRef := range images {
		record, err := imageutil.LoadImage(ctx, imageRef)
		if err != nil {
			return summary, err
		}
		pixels, err := d.Model.ImageProcessor.Process(record.Image)
		if err != nil {
			return summary, fmt.Errorf("preprocessing image %s: %w", imageRef, err)
		}
		summary.Images++
		d.Metrics.ImagesTotal.Inc()

		for _, prompt := range prompts {
			start := time.Now()
			pairErr := d.processPair(ctx, record, pixels, prompt)
			d.Metrics.PairDone(pairErr, time.Since(start))
			if pairErr != nil {
				summary.Failed++
				d.log.Error(fmt.Sprintf("Error processing image %s with prompt '%s'", imageRef, prompt),
					"image", imageRef, "prompt", prompt, "error", pairErr)
				continue
			}
			summary.Succeeded++
		}
	}
	return summary, nil
}

// processPair generates the answer for one pair and appends it to the results log.
// A pair that fails at any step leaves no record.
func (d *Driver) processPair(ctx context.Context, record *imageutil.ImageRecord, pixels *tensor.Dense, prompt string) error {
	response, err := d.generate(ctx, record, pixels, prompt)
	if err != nil {
		return err
	}
	if err := d.Results.Append(results.Record{
		ModelPath: d.Config.ModelPath,
		ModelBase: d.Config.ModelBase,
		ImageRef:  record.Ref,
		Prompt:    prompt,
		Response:  response,
	}); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	return nil
}

// generate runs one (image, prompt) pair on a fresh copy of the conversation template.
func (d *Driver) generate(ctx context.Context, record *imageutil.ImageRecord, pixels *tensor.Dense, prompt string) (string, error) {
	conv := d.template.Copy()
	conv.AppendMessage(conv.Roles[0], backends.ImagePlaceholder(d.Model.Config.MMUseImStartEnd)+prompt)
	conv.AppendMessage(conv.Roles[1], "")
	promptText, err := conv.Prompt()
	if err != nil {
		return "", err
	}

	request, err := d.newRequest(record, pixels, promptText, conv.StopString())
	if err != nil {
		return "", err
	}

	tokenStream, errorStream, err := d.Model.Generator.Generate(ctx, request)
	if err != nil {
		return "", err
	}
	output, err := backends.CollectResponse(tokenStream, errorStream, func(token string) {
		d.Metrics.GeneratedDeltas.Inc()
		fmt.Fprint(d.Stdout, token)
	})
	fmt.Fprintln(d.Stdout)
	if err != nil {
		return "", err
	}
	output = strings.TrimSpace(output)
	conv.SetLastMessage(output)
	fmt.Fprintf(d.Stdout, "%s: %s\n", conv.Roles[1], output)

	if d.Config.Debug {
		dump, err := jsoniter.MarshalIndent(map[string]string{"prompt": promptText, "outputs": output}, "", "  ")
		if err != nil {
			return "", err
		}
		fmt.Fprintf(d.Stdout, "\n%s\n\n", dump)
	}
	return output, nil
}

func (d *Driver) newRequest(record *imageutil.ImageRecord, pixels *tensor.Dense, promptText, stop string) (*backends.GenerationRequest, error) {
	request := &backends.GenerationRequest{
		Prompt:       promptText,
		Images:       []*tensor.Dense{pixels},
		ImageSizes:   []image.Point{record.Size},
		ImageData:    [][]byte{record.Data},
		ImageRefs:    []string{record.Ref},
		Temperature:  d.Config.Temperature,
		MaxNewTokens: d.Config.MaxNewTokens,
		DoSample:     d.Config.DoSample(),
		StopString:   stop,
	}
	if d.Model.Tokenizer == nil {
		return request, nil
	}
	ids, err := backends.TokenizeWithImageToken(promptText, d.Model.Tokenizer, backends.ImageTokenIndex)
	if err != nil {
		return nil, err
	}
	d.Metrics.PromptTokens.Observe(float64(len(ids)))
	if len(ids) > d.Model.ContextLength {
		return nil, fmt.Errorf("prompt is %d tokens, longer than the context length %d", len(ids), d.Model.ContextLength)
	}
	request.InputIDs = [][]int{ids}
	return request, nil
}
