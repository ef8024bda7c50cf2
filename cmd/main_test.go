package main

import (
	"encoding/csv"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type generateCall struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images"`
	Raw     bool           `json:"raw"`
	Options map[string]any `json:"options"`
}

type fakeOllama struct {
	*httptest.Server
	mu     sync.Mutex
	calls  []generateCall
	status int
}

func newFakeOllama(t *testing.T) *fakeOllama {
	t.Helper()
	f := &fakeOllama{status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var call generateCall
		if err := jsoniter.Unmarshal(body, &call); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		status := f.status
		f.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, `{"error":"model not loaded"}`, status)
			return
		}
		fmt.Fprintln(w, `{"model":"llava:7b","response":"A small","done":false}`)
		fmt.Fprintln(w, `{"model":"llava:7b","response":" gradient.","done":false}`)
		fmt.Fprintln(w, `{"model":"llava:7b","response":"","done":true}`)
	}))
	t.Cleanup(f.Close)
	return f
}

type testData struct {
	dir       string
	model     string
	imageList string
	prompts   string
	output    string
}

func writeTestData(t *testing.T, prompts ...string) testData {
	t.Helper()
	dir := t.TempDir()
	d := testData{
		dir:       dir,
		model:     filepath.Join(dir, "llava-v1.5-7b"),
		imageList: filepath.Join(dir, "images.txt"),
		prompts:   filepath.Join(dir, "prompts.txt"),
		output:    filepath.Join(dir, "output.csv"),
	}
	require.NoError(t, os.Mkdir(d.model, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(d.model, "config.json"),
		[]byte(`{"model_type": "llava_llama", "mm_use_im_start_end": false, "image_aspect_ratio": "pad"}`), os.ModePerm))

	img := image.NewRGBA(image.Rect(0, 0, 64, 40))
	for x := 0; x < 64; x++ {
		for y := 0; y < 40; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: 90, B: uint8(y * 5), A: 255})
		}
	}
	imagePath := filepath.Join(dir, "gradient.jpg")
	f, err := os.Create(imagePath)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, img, nil))
	require.NoError(t, f.Close())

	require.NoError(t, os.WriteFile(d.imageList, []byte(imagePath+"\n"), os.ModePerm))
	require.NoError(t, os.WriteFile(d.prompts, []byte(strings.Join(prompts, "\n")+"\n"), os.ModePerm))
	return d
}

func readOutput(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRunCli(t *testing.T) {
	server := newFakeOllama(t)
	data := writeTestData(t, "Describe this image.", "What colours do you see?")
	metricsPath := filepath.Join(data.dir, "run.prom")

	args := []string{os.Args[0], "run",
		fmt.Sprintf("--model-path=%s", data.model),
		fmt.Sprintf("--image-file-list=%s", data.imageList),
		fmt.Sprintf("--prompt-file=%s", data.prompts),
		fmt.Sprintf("--output=%s", data.output),
		fmt.Sprintf("--endpoint=%s", server.URL),
		"--served-model=llava:7b",
		fmt.Sprintf("--model-folder=%s", filepath.Join(data.dir, "models")),
		fmt.Sprintf("--metrics-file=%s", metricsPath),
		"--device=cpu",
	}
	require.NoError(t, newApp().Run(args))

	rows := readOutput(t, data.output)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Model Path", "Model Base", "Image File URL", "Prompt", "Response"}, rows[0])
	assert.Equal(t, data.model, rows[1][0])
	assert.Equal(t, "", rows[1][1])
	assert.Equal(t, "Describe this image.", rows[1][3])
	assert.Equal(t, "A small gradient.", rows[1][4])
	assert.Equal(t, "What colours do you see?", rows[2][3])

	require.Len(t, server.calls, 2)
	call := server.calls[0]
	assert.Equal(t, "llava:7b", call.Model)
	assert.True(t, call.Raw)
	assert.Len(t, call.Images, 1)
	assert.True(t, strings.HasSuffix(call.Prompt, "USER: [img-0]\nDescribe this image. ASSISTANT:"), call.Prompt)
	assert.InDelta(t, 0.2, call.Options["temperature"], 1e-9)
	assert.Equal(t, float64(512), call.Options["num_predict"])
	assert.Equal(t, float64(0), call.Options["num_gpu"])

	b, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), `llavabatch_pairs_total{status="ok"} 2`)
}

func TestRunCliConfigFile(t *testing.T) {
	server := newFakeOllama(t)
	data := writeTestData(t, "Describe this image.")

	configPath := filepath.Join(data.dir, "llavabatch.yaml")
	config := fmt.Sprintf(`model-path: %s
image-file-list: %s
prompt-file: %s
output: %s
endpoint: %s
temperature: 0
max-new-tokens: 64
conv-mode: llava_v0
`, data.model, data.imageList, data.prompts, data.output, server.URL)
	require.NoError(t, os.WriteFile(configPath, []byte(config), os.ModePerm))

	require.NoError(t, newApp().Run([]string{os.Args[0], "run", fmt.Sprintf("--config=%s", configPath), "--max-new-tokens=32"}))

	require.Len(t, server.calls, 1)
	call := server.calls[0]
	assert.Equal(t, "llava-v1.5-7b", call.Model)
	assert.Equal(t, float64(0), call.Options["temperature"])
	assert.Equal(t, float64(1), call.Options["top_k"])
	assert.Equal(t, float64(32), call.Options["num_predict"])
	assert.True(t, strings.HasSuffix(call.Prompt, "###Human: [img-0]\nDescribe this image.###Assistant:"), call.Prompt)
	assert.Len(t, readOutput(t, data.output), 2)
}

func TestRunCliConfigFileIntegerTemperature(t *testing.T) {
	for _, value := range []string{"0", "1", "0.7"} {
		t.Run(value, func(t *testing.T) {
			server := newFakeOllama(t)
			data := writeTestData(t, "Describe this image.")

			configPath := filepath.Join(data.dir, "llavabatch.yaml")
			config := fmt.Sprintf("model-path: %s\nimage-file-list: %s\nprompt-file: %s\noutput: %s\nendpoint: %s\ntemperature: %s\n",
				data.model, data.imageList, data.prompts, data.output, server.URL, value)
			require.NoError(t, os.WriteFile(configPath, []byte(config), os.ModePerm))

			require.NoError(t, newApp().Run([]string{os.Args[0], "run", fmt.Sprintf("--config=%s", configPath)}))
			require.Len(t, server.calls, 1)
			expected, err := strconv.ParseFloat(value, 64)
			require.NoError(t, err)
			assert.InDelta(t, expected, server.calls[0].Options["temperature"], 1e-9)
		})
	}
}

func TestRunCliBackendFailuresAreSkipped(t *testing.T) {
	server := newFakeOllama(t)
	server.status = http.StatusInternalServerError
	data := writeTestData(t, "one", "two")

	args := []string{os.Args[0], "run",
		fmt.Sprintf("--model-path=%s", data.model),
		fmt.Sprintf("--image-file-list=%s", data.imageList),
		fmt.Sprintf("--prompt-file=%s", data.prompts),
		fmt.Sprintf("--output=%s", data.output),
		fmt.Sprintf("--endpoint=%s", server.URL),
	}
	require.NoError(t, newApp().Run(args))
	assert.Len(t, server.calls, 2)
	assert.NoFileExists(t, data.output)
}

func TestRunCliMissingInputs(t *testing.T) {
	data := writeTestData(t, "one")
	err := newApp().Run([]string{os.Args[0], "run", fmt.Sprintf("--model-path=%s", data.model), fmt.Sprintf("--output=%s", data.output)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image file list is required")
	assert.Contains(t, err.Error(), "prompt file is required")
}

func TestRunCliMissingImageIsFatal(t *testing.T) {
	server := newFakeOllama(t)
	data := writeTestData(t, "one")
	require.NoError(t, os.WriteFile(data.imageList, []byte(filepath.Join(data.dir, "nope.jpg")+"\n"), os.ModePerm))

	err := newApp().Run([]string{os.Args[0], "run",
		fmt.Sprintf("--model-path=%s", data.model),
		fmt.Sprintf("--image-file-list=%s", data.imageList),
		fmt.Sprintf("--prompt-file=%s", data.prompts),
		fmt.Sprintf("--output=%s", data.output),
		fmt.Sprintf("--endpoint=%s", server.URL),
	})
	assert.Error(t, err)
	assert.Empty(t, server.calls)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:11434", normalizeEndpoint("127.0.0.1:11434"))
	assert.Equal(t, "https://ollama.internal", normalizeEndpoint("https://ollama.internal"))
	assert.Equal(t, "", normalizeEndpoint(""))
}
