// Package mock provides scripted models.Generator implementations for tests
// and local development.
package mock

import (
	"context"
	"time"

	"github.com/musegen/musegen/pkg/models"
)

// Provider satisfies models.Generator with a scripted chunk sequence.
type Provider struct {
	Name_        string
	Chunks       []models.GenerationChunk
	ChunkDelay   time.Duration
	GenerateFunc func(ctx context.Context, req models.GenerationRequest) (<-chan models.GenerationChunk, error)
}

func (p *Provider) Name() string { return p.Name_ }

func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest) (<-chan models.GenerationChunk, error) {
	if p.GenerateFunc != nil {
		return p.GenerateFunc(ctx, req)
	}

	out := make(chan models.GenerationChunk)
	go func() {
		defer close(out)
		for _, c := range p.Chunks {
			if p.ChunkDelay > 0 {
				select {
				case <-time.After(p.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if c.Done {
				return
			}
		}
	}()
	return out, nil
}

// NewProvider returns a Provider that emits a short scripted generation.
func NewProvider() *Provider {
	return &Provider{
		Name_: "mock",
		Chunks: []models.GenerationChunk{
			{Text: "Once upon a time, ", Tokens: 5},
			{Text: "a mock generator produced ", Tokens: 5},
			{Text: "perfectly deterministic output.", Tokens: 5},
			{Done: true, Usage: &models.TokenUsage{PromptTokens: 7, CompletionTokens: 15, TotalTokens: 22}},
		},
		ChunkDelay: 10 * time.Millisecond,
	}
}

// NewScripted returns a Provider emitting exactly the given chunks with no delay.
func NewScripted(chunks ...models.GenerationChunk) *Provider {
	return &Provider{Name_: "mock", Chunks: chunks}
}

// NewFailing returns a Provider whose stream terminates with err after
// emitting the given text chunks.
func NewFailing(err error, chunks ...models.GenerationChunk) *Provider {
	return &Provider{Name_: "mock-failing", Chunks: append(chunks, models.GenerationChunk{Done: true, Err: err})}
}

// NewBlocking returns a Provider that emits nothing until ctx is cancelled.
func NewBlocking() *Provider {
	return &Provider{
		Name_: "mock-blocking",
		GenerateFunc: func(ctx context.Context, _ models.GenerationRequest) (<-chan models.GenerationChunk, error) {
			out := make(chan models.GenerationChunk)
			go func() {
				defer close(out)
				<-ctx.Done()
			}()
			return out, nil
		},
	}
}

// Compile-time check that Provider implements Generator.
var _ models.Generator = (*Provider)(nil)
