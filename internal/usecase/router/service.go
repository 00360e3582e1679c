// Package router selects a provider for a chat request and dispatches to the
// matching adapter, applying structured-output recovery to single-shot JSON
// results.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/usecase/extract"
)

// Model-family prefixes used for provider resolution.
const (
	openAIPrefix = "gpt-"
	geminiPrefix = "gemini-"
)

// Service routes chat requests between the configured provider adapters.
// It applies no retry policy: provider failures propagate to the caller,
// which owns backoff and partial-failure handling.
type Service struct {
	clients         map[domain.Provider]ChatClient
	defaultProvider domain.Provider
	defaultModel    string
	logger          *zap.Logger
}

// New creates a router over the given adapters. defaultProvider is the
// fallback for model ids matching neither family prefix; it may name an
// unsupported backend, in which case such requests fail with
// domain.ErrUnroutableModel.
func New(
	clients map[domain.Provider]ChatClient,
	defaultProvider domain.Provider,
	defaultModel string,
	logger *zap.Logger,
) *Service {
	return &Service{
		clients:         clients,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
		logger:          logger,
	}
}

// Resolve determines the provider for a model identifier. An explicit family
// prefix always wins; the configured default is only a tie-breaker for
// ambiguous or custom model ids.
func (s *Service) Resolve(model string) (domain.Provider, error) {
	switch {
	case strings.HasPrefix(model, openAIPrefix):
		return domain.ProviderOpenAI, nil
	case strings.HasPrefix(model, geminiPrefix):
		return domain.ProviderGemini, nil
	}
	if s.defaultProvider.Known() {
		return s.defaultProvider, nil
	}
	return "", fmt.Errorf("cannot route model %q via default provider %q: %w",
		model, s.defaultProvider, domain.ErrUnroutableModel)
}

// Chat executes a single-shot chat call. In JSON mode the response text goes
// through structured-output recovery; a parse failure substitutes the
// fallback shape and is never surfaced as an error. Routing failures
// (domain.ErrUnroutableModel) and provider failures (domain.ErrProvider)
// propagate.
func (s *Service) Chat(ctx context.Context, req domain.ChatRequest) (map[string]any, error) {
	client, err := s.dispatch(&req)
	if err != nil {
		return nil, err
	}

	text, err := client.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat %q: %w", req.Model, err)
	}

	if !req.JSONMode {
		return map[string]any{"response": text}, nil
	}

	parsed, err := extract.Parse(text)
	if err != nil {
		s.logger.Warn("structured output recovery failed, using fallback",
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return extract.FallbackResult(text), nil
	}
	return parsed, nil
}

// ChatStream executes a streaming chat call and returns a lazy, single-pass
// channel of non-empty text deltas. JSON mode does not apply to streaming;
// the flag is cleared before dispatch. Consumers abandoning the stream early
// must cancel ctx so the adapter can close the provider connection.
func (s *Service) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	req.JSONMode = false

	client, err := s.dispatch(&req)
	if err != nil {
		return nil, err
	}

	stream, err := client.ChatStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat stream %q: %w", req.Model, err)
	}
	return stream, nil
}

// dispatch fills in the default model, resolves the provider, and returns its
// adapter.
func (s *Service) dispatch(req *domain.ChatRequest) (ChatClient, error) {
	if req.Model == "" {
		req.Model = s.defaultModel
	}

	provider, err := s.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	client, ok := s.clients[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q: %w", provider, domain.ErrUnroutableModel)
	}
	return client, nil
}
