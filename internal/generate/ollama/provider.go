// Package ollama streams generations from a local Ollama server via its
// NDJSON /api/generate endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/pkg/models"
)

// Provider implements models.Generator using Ollama.
type Provider struct {
	cfg  config.OllamaConfig
	http *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{
		cfg: cfg,
		// No overall timeout: streams are long-lived and bounded by ctx.
		http: &http.Client{Timeout: 0},
	}
}

func (p *Provider) Name() string { return "ollama" }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest) (<-chan models.GenerationChunk, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	opts := map[string]any{}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}

	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  req.Prompt,
		Stream:  true,
		Options: opts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	out := make(chan models.GenerationChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var gr generateResponse
			if err := json.Unmarshal(line, &gr); err != nil {
				emit(ctx, out, models.GenerationChunk{Done: true,
					Err: fmt.Errorf("decode ollama chunk: %w", err)})
				return
			}
			if gr.Error != "" {
				emit(ctx, out, models.GenerationChunk{Done: true,
					Err: fmt.Errorf("ollama: %s", gr.Error)})
				return
			}

			if gr.Done {
				emit(ctx, out, models.GenerationChunk{
					Done: true,
					Usage: &models.TokenUsage{
						PromptTokens:     gr.PromptEvalCount,
						CompletionTokens: gr.EvalCount,
						TotalTokens:      gr.PromptEvalCount + gr.EvalCount,
					},
				})
				return
			}

			ok := emit(ctx, out, models.GenerationChunk{
				Text:   gr.Response,
				Tokens: 1, // one NDJSON message per generated token
			})
			if !ok {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, models.GenerationChunk{Done: true,
				Err: fmt.Errorf("read ollama stream: %w", err)})
			return
		}
		emit(ctx, out, models.GenerationChunk{Done: true,
			Err: fmt.Errorf("ollama stream ended without done marker")})
	}()

	return out, nil
}

func emit(ctx context.Context, out chan<- models.GenerationChunk, c models.GenerationChunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Healthcheck probes the Ollama server.
func (p *Provider) Healthcheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama healthcheck returned status %d", resp.StatusCode)
	}
	return nil
}

var _ models.Generator = (*Provider)(nil)
