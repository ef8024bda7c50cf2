package llavabatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knights-analytics/llavabatch/options"
)

func TestSelectDownloadFiles(t *testing.T) {
	listing := []string{
		".gitattributes",
		"README.md",
		"config.json",
		"generation_config.json",
		"preprocessor_config.json",
		"pytorch_model-00001-of-00002.bin",
		"special_tokens_map.json",
		"tokenizer.json",
		"tokenizer_config.json",
		"nested/config.json",
	}
	files, err := selectDownloadFiles(listing, NewDownloadOptions())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"config.json",
		"preprocessor_config.json",
		"special_tokens_map.json",
		"tokenizer.json",
		"tokenizer_config.json",
	}, files)

	_, err = selectDownloadFiles([]string{"README.md", "model.safetensors"}, NewDownloadOptions())
	assert.ErrorContains(t, err, "none of the model metadata files")
}

func TestSelectDownloadFilesGGUF(t *testing.T) {
	listing := []string{"README.md", "ggml-model-q4_k.gguf", "ggml-model-q5_k.gguf", "ggml-model-f16.gguf", "mmproj-model-f16.gguf"}
	downloadOptions := NewDownloadOptions()
	downloadOptions.IncludeGGUF = true
	downloadOptions.Quantization = options.Quantization4Bit

	files, err := selectDownloadFiles(listing, downloadOptions)
	require.NoError(t, err)
	assert.Equal(t, []string{"ggml-model-q4_k.gguf", "mmproj-model-f16.gguf"}, files)

	_, err = selectDownloadFiles([]string{"config.json", "ggml-model-f16.gguf"}, downloadOptions)
	assert.ErrorContains(t, err, "no mmproj gguf file found")
}

func TestModelNames(t *testing.T) {
	assert.Equal(t, "liuhaotian_llava-v1.5-7b", localModelName("liuhaotian/llava-v1.5-7b"))
	assert.Equal(t, "llava", localModelName("llava:13b"))

	assert.True(t, looksLikeRepoID("liuhaotian/llava-v1.5-7b"))
	assert.False(t, looksLikeRepoID("llava-v1.5-7b"))
	assert.False(t, looksLikeRepoID("./llava-v1.5-7b"))
	assert.False(t, looksLikeRepoID("/models/llava-v1.5-7b"))
	assert.False(t, looksLikeRepoID("models/llava/v1.5"))

	assert.True(t, isModelTag("llava:13b"))
	assert.False(t, isModelTag("s3://bucket/models/llava"))
	assert.False(t, isModelTag("liuhaotian/llava-v1.5-7b"))
}

type recordedDownload struct {
	calls       int
	modelName   string
	destination string
	options     DownloadOptions
	result      string
	err         error
}

func (r *recordedDownload) download(_ context.Context, modelName string, destination string, downloadOptions DownloadOptions) (string, error) {
	r.calls++
	r.modelName = modelName
	r.destination = destination
	r.options = downloadOptions
	return r.result, r.err
}

func resolveConfig(t *testing.T, opts ...options.WithOption) options.RunConfig {
	t.Helper()
	base := []options.WithOption{options.WithImageFileList("images.txt"), options.WithPromptFile("prompts.txt")}
	config, err := options.New(append(base, opts...)...)
	require.NoError(t, err)
	return config
}

func TestResolveModelDirLocalPath(t *testing.T) {
	dir := t.TempDir()
	d := &recordedDownload{}
	got, err := resolveModelDir(context.Background(), dir, resolveConfig(t, options.WithModelPath(dir)), d.download)
	require.NoError(t, err)
	assert.Equal(t, dir, got)
	assert.Zero(t, d.calls)
}

func TestResolveModelDirPreviousDownload(t *testing.T) {
	modelsDir := t.TempDir()
	downloaded := filepath.Join(modelsDir, "liuhaotian_llava-v1.5-7b")
	require.NoError(t, os.Mkdir(downloaded, 0o755))

	d := &recordedDownload{}
	config := resolveConfig(t, options.WithModelPath("liuhaotian/llava-v1.5-7b"), options.WithModelsDir(modelsDir))
	got, err := resolveModelDir(context.Background(), config.ModelPath, config, d.download)
	require.NoError(t, err)
	assert.Equal(t, downloaded, got)
	assert.Zero(t, d.calls)
}

func TestResolveModelDirDownloads(t *testing.T) {
	modelsDir := filepath.Join(t.TempDir(), "models")
	d := &recordedDownload{result: filepath.Join(modelsDir, "liuhaotian_llava-v1.5-7b")}
	config := resolveConfig(t,
		options.WithModelPath("liuhaotian/llava-v1.5-7b"),
		options.WithModelsDir(modelsDir),
		options.WithHFToken("hf_secret"),
		options.WithBackend(options.BackendLlavaCLI, ""),
		options.WithLoad8Bit(true),
	)
	got, err := resolveModelDir(context.Background(), config.ModelPath, config, d.download)
	require.NoError(t, err)
	assert.Equal(t, d.result, got)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, "liuhaotian/llava-v1.5-7b", d.modelName)
	assert.Equal(t, modelsDir, d.destination)
	assert.Equal(t, "hf_secret", d.options.AuthToken)
	assert.True(t, d.options.IncludeGGUF)
	assert.Equal(t, options.Quantization8Bit, d.options.Quantization)
	assert.DirExists(t, modelsDir)
}

func TestResolveModelDirDownloadError(t *testing.T) {
	d := &recordedDownload{err: errors.New("401 unauthorized")}
	config := resolveConfig(t, options.WithModelPath("org/private-model"), options.WithModelsDir(t.TempDir()))
	_, err := resolveModelDir(context.Background(), config.ModelPath, config, d.download)
	assert.ErrorContains(t, err, "401")
}

func TestResolveModelDirNoMetadata(t *testing.T) {
	d := &recordedDownload{}
	for _, modelPath := range []string{"llava:13b", "llava-v1.5-7b"} {
		config := resolveConfig(t, options.WithModelPath(modelPath), options.WithModelsDir(t.TempDir()))
		got, err := resolveModelDir(context.Background(), modelPath, config, d.download)
		require.NoError(t, err)
		assert.Empty(t, got)
	}
	assert.Zero(t, d.calls)
}
