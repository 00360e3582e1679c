// Package gemini adapts the Gemini generateContent REST API to the
// provider-neutral contracts used by the router and embedding services.
// The API surface is small enough that requests are built by hand rather
// than through the vendor SDK.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/metrics"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// Models in the gemini-3 line accept an explicit thinking budget.
	thinkingBudgetTokens = 1024
)

// Config holds the Gemini API settings.
type Config struct {
	APIKey  string
	BaseURL string
	Logger  *zap.Logger
}

// Client is the Gemini chat adapter.
type Client struct {
	apiKey   string
	baseURL  string
	http     *http.Client
	provider string
	logger   *zap.Logger
}

// NewClient creates a Gemini chat adapter.
func NewClient(cfg *Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		http:     &http.Client{Timeout: 120 * time.Second},
		provider: string(domain.ProviderGemini),
		logger:   cfg.Logger,
	}
}

// Chat performs a single-shot generateContent call and returns the raw text.
func (c *Client) Chat(ctx context.Context, req domain.ChatRequest) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)

	start := time.Now()
	body, err := c.post(ctx, url, buildGenerateRequest(req))
	duration := time.Since(start)

	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return "", fmt.Errorf("decode chat response: %v: %w", err, domain.ErrProvider)
	}
	if len(resp.Candidates) == 0 {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return "", fmt.Errorf("no candidates in chat response: %w", domain.ErrProvider)
	}

	metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "success").Inc()
	metrics.ChatRequestDuration.WithLabelValues(c.provider, req.Model).Observe(duration.Seconds())

	// Empty text is a valid model answer, not a transport failure; callers in
	// JSON mode recover it into the fallback shape.
	return resp.text(), nil
}

// ChatStream starts a streaming generateContent call over SSE and returns a
// channel of text deltas. The channel is closed when the stream ends; a
// transport failure mid-stream is delivered as a final chunk with Err set.
func (c *Client) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, req.Model, c.apiKey)

	payload, err := json.Marshal(buildGenerateRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal stream request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return nil, fmt.Errorf("chat stream request failed: %v: %w", err, domain.ErrProvider)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
		return nil, apiError("chat stream", resp)
	}

	out := make(chan domain.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event generateResponse
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			text := event.text()
			if text == "" {
				continue
			}
			metrics.ChatStreamChunksTotal.WithLabelValues(c.provider, req.Model).Inc()

			select {
			case out <- domain.StreamChunk{Text: text}:
			case <-ctx.Done():
				metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "cancelled").Inc()
				return
			}
		}

		if err := scanner.Err(); err != nil {
			// Cancellation aborts the body read; count it apart from real
			// transport failures.
			if ctx.Err() != nil {
				metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "cancelled").Inc()
				return
			}
			metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "error").Inc()
			select {
			case out <- domain.StreamChunk{Err: fmt.Errorf("chat stream interrupted: %v: %w", err, domain.ErrProvider)}:
			case <-ctx.Done():
			}
			return
		}
		metrics.ChatRequestsTotal.WithLabelValues(c.provider, req.Model, "success").Inc()
	}()

	return out, nil
}

func (c *Client) post(ctx context.Context, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %v: %w", err, domain.ErrProvider)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, domain.ErrProvider)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorBody("chat", resp.StatusCode, body)
	}
	return body, nil
}

// apiError drains the body and formats the API error. All non-200 responses
// wrap domain.ErrProvider for correct 502 mapping.
func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return apiErrorBody(op, resp.StatusCode, body)
}

func apiErrorBody(op string, status int, body []byte) error {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		return fmt.Errorf("%s API error %d: %s: %w", op, status, parsed.Error.Message, domain.ErrProvider)
	}
	return fmt.Errorf("%s API error %d: %s: %w", op, status, string(body), domain.ErrProvider)
}
