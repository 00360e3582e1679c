package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/metrics"
)

// Embedder produces embedding vectors via the Gemini embedContent API.
type Embedder struct {
	client *Client
	model  string
}

// NewEmbedder creates a Gemini embedding provider. An empty model defaults
// to text-embedding-004.
func NewEmbedder(cfg *Config, model string) *Embedder {
	if model == "" {
		model = "text-embedding-004"
	}
	return &Embedder{client: NewClient(cfg), model: model}
}

type embedRequest struct {
	Content content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

// Embed returns the embedding vector for text, with transport-level metrics.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float64, error) {
	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", e.client.baseURL, e.model, e.client.apiKey)

	start := time.Now()
	body, err := e.client.post(ctx, url, embedRequest{
		Content: content{Parts: []part{{Text: text}}},
	})
	duration := time.Since(start)

	if err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(e.client.provider, e.model, "error").Inc()
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.EmbeddingRequestsTotal.WithLabelValues(e.client.provider, e.model, "error").Inc()
		return nil, fmt.Errorf("decode embedding response: %v: %w", err, domain.ErrProvider)
	}
	if len(resp.Embedding.Values) == 0 {
		metrics.EmbeddingRequestsTotal.WithLabelValues(e.client.provider, e.model, "error").Inc()
		return nil, fmt.Errorf("empty embedding response: %w", domain.ErrProvider)
	}

	metrics.EmbeddingRequestsTotal.WithLabelValues(e.client.provider, e.model, "success").Inc()
	metrics.EmbeddingRequestDuration.WithLabelValues(e.client.provider, e.model).Observe(duration.Seconds())

	return resp.Embedding.Values, nil
}
