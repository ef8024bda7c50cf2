package backends

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// OllamaGenerator talks to an Ollama compatible /api/generate endpoint. The prompt is
// sent raw, already rendered with the conversation template.
type OllamaGenerator struct {
	Endpoint string
	Model    string
	CPU      bool
	Client   *http.Client
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Images  []string      `json:"images,omitempty"`
	Raw     bool          `json:"raw"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	NumPredict  int      `json:"num_predict"`
	TopK        int      `json:"top_k,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	NumGPU      *int     `json:"num_gpu,omitempty"`
}

type ollamaResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

func NewOllamaGenerator(endpoint, model string, cpu bool) *OllamaGenerator {
	return &OllamaGenerator{
		Endpoint: strings.TrimSuffix(endpoint, "/"),
		Model:    model,
		CPU:      cpu,
		Client:   http.DefaultClient,
	}
}

func (g *OllamaGenerator) Name() string {
	return "ollama"
}

func (g *OllamaGenerator) Destroy() error {
	return nil
}

func (g *OllamaGenerator) buildRequest(request *GenerationRequest) ollamaRequest {
	prompt := request.Prompt
	for i := 0; strings.Contains(prompt, DefaultImageToken); i++ {
		prompt = strings.Replace(prompt, DefaultImageToken, fmt.Sprintf("[img-%d]", i), 1)
	}
	body := ollamaRequest{
		Model:  g.Model,
		Prompt: prompt,
		Raw:    true,
		Stream: true,
		Options: ollamaOptions{
			Temperature: request.Temperature,
			NumPredict:  request.MaxNewTokens,
		},
	}
	if !request.DoSample {
		body.Options.Temperature = 0
		body.Options.TopK = 1
	}
	if request.StopString != "" {
		body.Options.Stop = []string{request.StopString}
	}
	if g.CPU {
		zero := 0
		body.Options.NumGPU = &zero
	}
	for _, data := range request.ImageData {
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(data))
	}
	return body
}

func (g *OllamaGenerator) Generate(ctx context.Context, request *GenerationRequest) (chan SequenceDelta, chan error, error) {
	payload, err := jsoniter.Marshal(g.buildRequest(request))
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.Endpoint+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.Client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("calling ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, fmt.Errorf("ollama returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	tokenStream := make(chan SequenceDelta, 10)
	errorStream := make(chan error, 1)

	go func() {
		defer close(tokenStream)
		defer close(errorStream)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
				continue
			}
			var line ollamaResponse
			if err := jsoniter.Unmarshal(scanner.Bytes(), &line); err != nil {
				errorStream <- fmt.Errorf("decoding ollama stream: %w", err)
				return
			}
			if line.Error != "" {
				errorStream <- fmt.Errorf("ollama: %s", line.Error)
				return
			}
			if line.Response != "" {
				select {
				case <-ctx.Done():
					errorStream <- ctx.Err()
					return
				case tokenStream <- SequenceDelta{Token: line.Response}:
				}
			}
			if line.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errorStream <- fmt.Errorf("reading ollama stream: %w", err)
			return
		}
		errorStream <- errors.New("ollama stream ended before completion")
	}()
	return tokenStream, errorStream, nil
}
