// Package openai adapts the OpenAI chat and embeddings APIs to the
// provider-neutral contracts used by the router and embedding services.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/metrics"
)

const chatTemperature = 0.7

// Config holds the OpenAI API settings.
type Config struct {
	APIKey  string
	BaseURL string
	Logger  *zap.Logger
}

func newAPIClient(cfg *Config) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

// Client is the OpenAI chat adapter.
type Client struct {
	client   *openai.Client
	provider string
	logger   *zap.Logger
}

// NewClient creates an OpenAI chat adapter.
func NewClient(cfg *Config) *Client {
	return &Client{
		client:   newAPIClient(cfg),
		provider: string(domain.ProviderOpenAI),
		logger:   cfg.Logger,
	}
}

// Chat performs a single-shot chat completion and returns the raw text.
// Web search is not supported by this adapter and is silently ignored.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: chatTemperature,
	}
	if req.JSONMode {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, apiReq)
	duration := time.Since(start)

	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return "", parseAPIError("chat", err)
	}
	if len(resp.Choices) == 0 {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return "", fmt.Errorf("empty chat response: %w", domain.ErrProvider)
	}

	metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "success").Inc()
	metrics.ChatRequestDuration.WithLabelValues(c.provider, req.Model).Observe(duration.Seconds())

	return resp.Choices[0].Message.Content, nil
}

// ChatStream starts a streaming completion and returns a channel of text
// deltas. The channel is closed when the stream ends; a transport failure
// mid-stream is delivered as a final chunk with Err set.
func (c *Client) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	apiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    buildMessages(req),
		Temperature: chatTemperature,
		Stream:      true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return nil, parseAPIError("chat stream", err)
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "success").Inc()
				return
			}
			if err != nil {
				// Cancellation surfaces as a Recv error; count it apart from
				// real transport failures.
				if ctx.Err() != nil {
					metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "cancelled").Inc()
					return
				}
				metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
				select {
				case out <- domain.StreamChunk{Err: parseAPIError("chat stream", err)}:
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			metrics.ChatStreamChunksTotal.WithLabelValues(c.provider, req.Model).Inc()

			select {
			case out <- domain.StreamChunk{Text: resp.Choices[0].Delta.Content}:
			case <-ctx.Done():
				metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "cancelled").Inc()
				return
			}
		}
	}()

	return out, nil
}

// buildMessages converts the provider-neutral request to OpenAI messages.
// The system message leads unconditionally, even when the prompt is empty.
// Attachments attach to the final user turn only; non-image attachments are
// skipped because the chat API only accepts image parts.
func buildMessages(req domain.ChatRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})

	for i, turn := range req.Turns {
		role := openai.ChatMessageRoleAssistant
		if turn.Role == domain.RoleUser {
			role = openai.ChatMessageRoleUser
		}

		if req.LastUserTurn(i) && len(req.Attachments) > 0 {
			parts := []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: turn.Content},
			}
			for _, att := range req.Attachments {
				if !att.IsImage() {
					continue
				}
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL: fmt.Sprintf("data:%s;base64,%s", att.MimeType, att.Data),
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessage{Role: role, MultiContent: parts})
			continue
		}

		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}

	return msgs
}

// parseAPIError extracts a human-readable error from the API response.
// All errors are wrapped with domain.ErrProvider for correct 502 mapping.
func parseAPIError(op string, err error) error {
	wrap := domain.ErrProvider

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail != "" {
			return fmt.Errorf("%s API error %d: %s: %w", op, reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("%s API error %d: %s: %w", op, reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s API error %d: %s: %w", op, apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("%s request failed: %v: %w", op, err, wrap)
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
