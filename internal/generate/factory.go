package generate

import (
	"fmt"

	"github.com/musegen/musegen/internal/config"
	"github.com/musegen/musegen/internal/generate/mock"
	"github.com/musegen/musegen/internal/generate/ollama"
	"github.com/musegen/musegen/internal/generate/openai"
	"github.com/musegen/musegen/pkg/models"
)

// NewGenerator constructs the configured provider. Called once at startup.
func NewGenerator(cfg config.GeneratorConfig) (models.Generator, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "mock":
		return mock.NewProvider(), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q: must be one of ollama, openai, mock", cfg.Provider)
	}
}
