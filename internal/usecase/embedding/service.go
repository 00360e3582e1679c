// Package embedding issues single embedding calls against one configured
// provider. It is a direct pass-through: no caching, no batching, no retry.
package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
)

// Embedder vectorizes a single text string.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Service resolves the configured embedding provider per call and forwards
// the text unmodified.
type Service struct {
	provider  domain.Provider
	embedders map[domain.Provider]Embedder
	logger    *zap.Logger
}

// New creates an embedding service. The provider name is read once at
// construction; an unsupported name surfaces as domain.ErrUnknownProvider on
// the first call rather than at startup, so a misconfigured embedding backend
// does not take chat down with it.
func New(provider domain.Provider, embedders map[domain.Provider]Embedder, logger *zap.Logger) *Service {
	return &Service{provider: provider, embedders: embedders, logger: logger}
}

// EmbedText returns the raw embedding vector for text. Provider transport
// failures propagate unmodified; callers substitute their own degraded
// ordering when ranking.
func (s *Service) EmbedText(ctx context.Context, text string) ([]float64, error) {
	embedder, ok := s.embedders[s.provider]
	if !ok || !s.provider.Known() {
		return nil, fmt.Errorf("embedding provider %q: %w", s.provider, domain.ErrUnknownProvider)
	}

	vec, err := embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%s embed: %w", s.provider, err)
	}
	return vec, nil
}
