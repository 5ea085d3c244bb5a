// Package openai streams chat completions from the OpenAI API using
// server-sent events.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/pkg/models"
)

const apiURL = "https://api.openai.com/v1/chat/completions"

// Provider implements models.Generator using OpenAI.
type Provider struct {
	cfg  config.OpenAIConfig
	http *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return &Provider{
		cfg:  cfg,
		http: &http.Client{Timeout: 0},
	}
}

func (p *Provider) Name() string { return "openai" }

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Stream        bool          `json:"stream"`
	StreamOptions streamOptions `json:"stream_options"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest) (<-chan models.GenerationChunk, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body, err := json.Marshal(chatRequest{
		Model:         model,
		Messages:      []chatMessage{{Role: "user", Content: req.Prompt}},
		Stream:        true,
		StreamOptions: streamOptions{IncludeUsage: true},
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call openai: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("openai returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan models.GenerationChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		var usage *models.TokenUsage
		completionTokens := 0

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				if usage == nil {
					usage = &models.TokenUsage{
						CompletionTokens: completionTokens,
						TotalTokens:      completionTokens,
					}
				}
				emit(ctx, out, models.GenerationChunk{Done: true, Usage: usage})
				return
			}

			var cc chatChunk
			if err := json.Unmarshal([]byte(payload), &cc); err != nil {
				emit(ctx, out, models.GenerationChunk{Done: true,
					Err: fmt.Errorf("decode openai chunk: %w", err)})
				return
			}

			if cc.Usage != nil {
				usage = &models.TokenUsage{
					PromptTokens:     cc.Usage.PromptTokens,
					CompletionTokens: cc.Usage.CompletionTokens,
					TotalTokens:      cc.Usage.TotalTokens,
				}
			}

			if len(cc.Choices) == 0 || cc.Choices[0].Delta.Content == "" {
				continue
			}
			text := cc.Choices[0].Delta.Content
			tokens := models.EstimateTokens(text)
			completionTokens += tokens
			if !emit(ctx, out, models.GenerationChunk{Text: text, Tokens: tokens}) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, out, models.GenerationChunk{Done: true,
				Err: fmt.Errorf("read openai stream: %w", err)})
			return
		}
		emit(ctx, out, models.GenerationChunk{Done: true,
			Err: fmt.Errorf("openai stream ended without done marker")})
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

var _ models.Generator = (*Provider)(nil)
