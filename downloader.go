package llavabatch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"

	"github.com/knights-analytics/llavabatch/backends"
	"github.com/knights-analytics/llavabatch/options"
	"github.com/knights-analytics/llavabatch/util/fileutil"
	"github.com/knights-analytics/llavabatch/util/logger"
)

// metadataFiles are fetched from a model repository when present. None is mandatory.
var metadataFiles = []string{
	"config.json",
	"preprocessor_config.json",
	"tokenizer.json",
	"tokenizer_config.json",
	"special_tokens_map.json",
}

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
	// IncludeGGUF also downloads the projector and the weights matching Quantization,
	// for the llava-cli backend.
	IncludeGGUF  bool
	Quantization string
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// DownloadModel downloads the metadata of a model (config, image processor and tokenizer
// files) from huggingface into destination/<org>_<name> and returns that folder.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	modelPath := path.Join(destination, localModelName(modelName))

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	var fileNames []string
	err := retry(ctx, options, "list repo", func() error {
		if err := repo.DownloadInfo(false); err != nil {
			return err
		}
		fileNames = fileNames[:0]
		for fileName, err := range repo.IterFileNames() {
			if err != nil {
				return err
			}
			fileNames = append(fileNames, fileName)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	downloadFiles, err := selectDownloadFiles(fileNames, options)
	if err != nil {
		return "", fmt.Errorf("%s: %w", modelName, err)
	}

	var downloadPaths []string
	err = retry(ctx, options, "download", func() error {
		var downloadErr error
		downloadPaths, downloadErr = repo.DownloadFiles(downloadFiles...)
		return downloadErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", modelName, err)
	}

	if err := fileutil.CreateDir(ctx, modelPath); err != nil {
		return "", err
	}
	for j, downloadPath := range downloadPaths {
		truePath, symErr := filepath.EvalSymlinks(downloadPath)
		if symErr != nil {
			return "", symErr
		}
		if err := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j]))); err != nil {
			return "", err
		}
	}
	logger.Log.Info("model metadata downloaded", "model", modelName, "path", modelPath, "files", len(downloadFiles))
	return modelPath, nil
}

func retry(ctx context.Context, options DownloadOptions, what string, f func() error) error {
	attempts := max(options.MaxRetries, 1)
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil {
			return nil
		}
		logger.Log.Warn(fmt.Sprintf("%s attempt %d / %d failed", what, i+1, attempts), "error", err)
		if i+1 == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(options.RetryInterval) * time.Second):
		}
	}
	return err
}

// selectDownloadFiles picks the metadata files, and optionally the gguf pair, from a
// repository listing.
func selectDownloadFiles(fileNames []string, options DownloadOptions) ([]string, error) {
	var toDownload []string
	var ggufs []string
	for _, fileName := range fileNames {
		baseFileName := filepath.Base(fileName)
		for _, wanted := range metadataFiles {
			if baseFileName == wanted && fileName == baseFileName {
				toDownload = append(toDownload, fileName)
			}
		}
		if strings.EqualFold(filepath.Ext(baseFileName), ".gguf") {
			ggufs = append(ggufs, fileName)
		}
	}

	var errs []error
	if options.IncludeGGUF {
		model, projector, err := backends.SelectGGUF(ggufs, options.Quantization)
		if err != nil {
			errs = append(errs, err)
		} else {
			toDownload = append(toDownload, model, projector)
		}
	}
	if len(toDownload) == 0 && len(errs) == 0 {
		errs = append(errs, errors.New("repository has none of the model metadata files"))
	}
	return toDownload, errors.Join(errs...)
}

// localModelName is the folder name a downloaded model is stored under.
func localModelName(modelName string) string {
	if i := strings.Index(modelName, ":"); i >= 0 {
		modelName = modelName[:i]
	}
	return strings.ReplaceAll(modelName, "/", "_")
}

// isModelTag reports names like llava:13b, which only exist at the generation backend.
func isModelTag(modelPath string) bool {
	return strings.Contains(modelPath, ":") && !strings.Contains(modelPath, "://")
}

func looksLikeRepoID(modelPath string) bool {
	parts := strings.Split(modelPath, "/")
	if len(parts) != 2 || strings.Contains(modelPath, ":") {
		return false
	}
	return parts[0] != "" && parts[1] != "" && parts[0] != "." && parts[0] != ".."
}

// ResolveModelDir finds the folder holding the model metadata. The chain is: the model
// path itself, a previous download under the models folder, a fresh huggingface download.
// An empty result means the model has no local metadata, e.g. an ollama model tag.
func ResolveModelDir(ctx context.Context, config options.RunConfig) (string, error) {
	return resolveModelDir(ctx, config.ModelPath, config, DownloadModel)
}

// ResolveBaseDir runs the same chain for --model-base.
func ResolveBaseDir(ctx context.Context, config options.RunConfig) (string, error) {
	if config.ModelBase == "" {
		return "", nil
	}
	return resolveModelDir(ctx, config.ModelBase, config, DownloadModel)
}

type downloadFunc func(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error)

func resolveModelDir(ctx context.Context, modelPath string, config options.RunConfig, download downloadFunc) (string, error) {
	if isModelTag(modelPath) {
		logger.Log.Debug("model path is a served model tag, no local metadata", "model", modelPath)
		return "", nil
	}
	ok, err := fileutil.FileExists(ctx, modelPath)
	if err != nil {
		return "", err
	}
	if ok {
		return modelPath, nil
	}

	if config.ModelsDir != "" {
		downloaded := fileutil.PathJoinSafe(config.ModelsDir, localModelName(modelPath))
		ok, err = fileutil.FileExists(ctx, downloaded)
		if err != nil {
			return "", err
		}
		if ok {
			return downloaded, nil
		}
	}

	if !looksLikeRepoID(modelPath) || config.ModelsDir == "" {
		logger.Log.Warn("no local metadata for model, using defaults", "model", modelPath)
		return "", nil
	}
	if err := fileutil.CreateDir(ctx, config.ModelsDir); err != nil {
		return "", err
	}
	downloadOptions := NewDownloadOptions()
	downloadOptions.AuthToken = config.HFToken
	downloadOptions.Verbose = config.Debug
	if config.Backend == options.BackendLlavaCLI {
		downloadOptions.IncludeGGUF = true
		downloadOptions.Quantization = config.Quantization()
	}
	return download(ctx, modelPath, config.ModelsDir, downloadOptions)
}
