// Package chi is the HTTP route layer: thin JSON handlers plus SSE framing
// for the streaming chat endpoint. All semantics live in the usecase packages.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chirouter "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/prompts"
	"github.com/loom-cloud/loomd/internal/usecase/sidebar"
	"github.com/loom-cloud/loomd/internal/usecase/similarity"
	"github.com/loom-cloud/loomd/internal/version"
)

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// ChatRouter is the router contract the HTTP layer depends on.
type ChatRouter interface {
	Chat(ctx context.Context, req domain.ChatRequest) (map[string]any, error)
	ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error)
}

// EmbeddingService produces embedding vectors.
type EmbeddingService interface {
	EmbedText(ctx context.Context, text string) ([]float64, error)
}

// SidebarService drives the sidebar pipelines.
type SidebarService interface {
	Refresh(ctx context.Context, in sidebar.RefreshInput) (sidebar.RefreshOutput, error)
	UpdateStatus(ctx context.Context, topicName string, currentStatus any, recentSummaries []string, model string) (map[string]any, error)
	Summarize(ctx context.Context, turns []domain.Turn, model string) (map[string]any, error)
	DetectTopics(ctx context.Context, chatSummaries []map[string]any, existingTopics []domain.TopicRef) (map[string]any, error)
}

// Server is the HTTP API server.
type Server struct {
	llm           ChatRouter
	embedder      EmbeddingService
	sidebar       SidebarService
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates an HTTP API server.
func NewServer(llm ChatRouter, embedder EmbeddingService, sb SidebarService, logger *zap.Logger) *Server {
	s := &Server{
		llm:      llm,
		embedder: embedder,
		sidebar:  sb,
		logger:   logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrUnroutableModel, http.StatusBadRequest, "unroutable_model"),
		sentinelHandler(domain.ErrUnknownProvider, http.StatusBadRequest, "unknown_provider"),
		sentinelHandler(domain.ErrProvider, http.StatusBadGateway, "provider_error"),
	}
	return s
}

// Routes registers all endpoints on a fresh router. Middleware is mounted by
// the caller.
func (s *Server) Routes() chirouter.Router {
	r := chirouter.NewRouter()
	r.Post("/api/chat", s.Chat)
	r.Post("/api/chat/stream", s.ChatStream)
	r.Post("/api/sidebar/refresh", s.SidebarRefresh)
	r.Post("/api/chat/summarize", s.Summarize)
	r.Post("/api/embed", s.Embed)
	r.Post("/api/rank", s.Rank)
	r.Post("/api/topic/status/update", s.UpdateTopicStatus)
	r.Post("/api/topic/detect", s.DetectTopics)
	r.Get("/health", s.Health)
	r.Get("/metrics", s.Metrics)
	return r
}

// Request DTOs. Field names follow the caller-facing JSON contract.

type messageItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ChatID         string              `json:"chatId"`
	Messages       []messageItem       `json:"messages"`
	ExistingTopics []domain.TopicRef   `json:"existingTopics"`
	Model          string              `json:"model"`
	Attachments    []domain.Attachment `json:"attachments"`
	UseSearch      bool                `json:"useSearch"`
}

type sidebarRefreshRequest struct {
	ChatID           string                 `json:"chatId"`
	Messages         []messageItem          `json:"messages"`
	TopicID          string                 `json:"topicId"`
	TopicName        string                 `json:"topicName"`
	TopicStatus      any                    `json:"topicStatus"`
	AllChatSummaries []similarity.Candidate `json:"allChatSummaries"`
	AllConcepts      []map[string]any       `json:"allConcepts"`
	Model            string                 `json:"model"`
}

type summarizeRequest struct {
	Messages []messageItem `json:"messages"`
	Model    string        `json:"model"`
}

type embedRequest struct {
	Text string `json:"text"`
}

type rankRequest struct {
	QueryEmbedding []float64              `json:"queryEmbedding"`
	Candidates     []similarity.Candidate `json:"candidates"`
}

type statusUpdateRequest struct {
	TopicName       string   `json:"topicName"`
	CurrentStatus   any      `json:"currentStatus"`
	RecentSummaries []string `json:"recentSummaries"`
	Model           string   `json:"model"`
}

type topicDetectRequest struct {
	ChatSummaries  []map[string]any  `json:"chatSummaries"`
	ExistingTopics []domain.TopicRef `json:"existingTopics"`
}

// Chat handles POST /api/chat: one model call returning the response together
// with topic classification and extracted concepts.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	topicsJSON, err := topicsAsJSON(req.ExistingTopics)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	result, err := s.llm.Chat(r.Context(), domain.ChatRequest{
		Turns:        turnsFromMessages(req.Messages),
		SystemPrompt: prompts.ChatResponse(topicsJSON),
		Model:        req.Model,
		JSONMode:     true,
		Attachments:  req.Attachments,
		UseSearch:    req.UseSearch,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ChatStream handles POST /api/chat/stream. The response is an SSE stream of
// chunk events followed by a terminal done event carrying the accumulated
// response plus classification from a second non-streaming call. A transport
// failure mid-stream emits an error event and ends the stream without done.
func (s *Server) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	turns := turnsFromMessages(req.Messages)
	stream, err := s.llm.ChatStream(r.Context(), domain.ChatRequest{
		Turns:        turns,
		SystemPrompt: prompts.StreamSystem,
		Model:        req.Model,
		Attachments:  req.Attachments,
		UseSearch:    req.UseSearch,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	var full []byte
	for chunk := range stream {
		if chunk.Err != nil {
			s.logger.Warn("chat stream failed", zap.Error(chunk.Err))
			writeEvent(w, flusher, map[string]any{"type": "error", "message": chunk.Err.Error()})
			return
		}
		full = append(full, chunk.Text...)
		writeEvent(w, flusher, map[string]any{"type": "chunk", "text": chunk.Text})
	}

	metadata := s.streamMetadata(r.Context(), req, turns, string(full))
	writeEvent(w, flusher, map[string]any{
		"type":     "done",
		"response": string(full),
		"topic":    metadata["topic"],
		"concepts": metadata["concepts"],
	})
}

// streamMetadata classifies a finished stream with a second model call. The
// stream already succeeded, so classification failure degrades to an empty
// result rather than surfacing an error.
func (s *Server) streamMetadata(
	ctx context.Context, req chatRequest, turns []domain.Turn, fullResponse string,
) map[string]any {
	fallback := map[string]any{
		"topic":    map[string]any{"name": "", "matchedExistingId": nil, "confidence": 0},
		"concepts": []any{},
	}

	topicsJSON, err := topicsAsJSON(req.ExistingTopics)
	if err != nil {
		return fallback
	}

	withReply := make([]domain.Turn, 0, len(turns)+1)
	withReply = append(withReply, turns...)
	withReply = append(withReply, domain.Turn{Role: domain.RoleAssistant, Content: fullResponse})

	metadata, err := s.llm.Chat(ctx, domain.ChatRequest{
		Turns:        withReply,
		SystemPrompt: prompts.ChatMetadata(topicsJSON),
		Model:        req.Model,
		JSONMode:     true,
	})
	if err != nil {
		s.logger.Warn("stream metadata extraction failed", zap.Error(err))
		return fallback
	}
	if _, ok := metadata["topic"]; !ok {
		metadata["topic"] = fallback["topic"]
	}
	if _, ok := metadata["concepts"]; !ok {
		metadata["concepts"] = fallback["concepts"]
	}
	return metadata
}

// SidebarRefresh handles POST /api/sidebar/refresh.
func (s *Server) SidebarRefresh(w http.ResponseWriter, r *http.Request) {
	var req sidebarRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	out, err := s.sidebar.Refresh(r.Context(), sidebar.RefreshInput{
		Turns:         turnsFromMessages(req.Messages),
		TopicName:     req.TopicName,
		TopicStatus:   req.TopicStatus,
		ChatSummaries: req.AllChatSummaries,
		Concepts:      req.AllConcepts,
		Model:         req.Model,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	// Failed modules come back as zero values; serialize them as empty lists
	// so callers never branch on null.
	if out.RelatedCards == nil {
		out.RelatedCards = []any{}
	}
	if out.NewDirections == nil {
		out.NewDirections = []any{}
	}
	writeJSON(w, http.StatusOK, out)
}

// Summarize handles POST /api/chat/summarize.
func (s *Server) Summarize(w http.ResponseWriter, r *http.Request) {
	var req summarizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	result, err := s.sidebar.Summarize(r.Context(), turnsFromMessages(req.Messages), req.Model)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Embed handles POST /api/embed.
func (s *Server) Embed(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	vec, err := s.embedder.EmbedText(r.Context(), req.Text)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"embedding": vec})
}

// Rank handles POST /api/rank. Pure math, no model call.
func (s *Server) Rank(w http.ResponseWriter, r *http.Request) {
	var req rankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	ranked := similarity.Rank(req.QueryEmbedding, req.Candidates)
	items := make([]map[string]any, len(ranked))
	for i, c := range ranked {
		items[i] = map[string]any{"id": c["id"], "score": c[similarity.ScoreField]}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranked": items})
}

// UpdateTopicStatus handles POST /api/topic/status/update.
func (s *Server) UpdateTopicStatus(w http.ResponseWriter, r *http.Request) {
	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	result, err := s.sidebar.UpdateStatus(r.Context(), req.TopicName, req.CurrentStatus, req.RecentSummaries, req.Model)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DetectTopics handles POST /api/topic/detect.
func (s *Server) DetectTopics(w http.ResponseWriter, r *http.Request) {
	var req topicDetectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	result, err := s.sidebar.DetectTopics(r.Context(), req.ChatSummaries, req.ExistingTopics)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health handles GET /health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Version,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func turnsFromMessages(messages []messageItem) []domain.Turn {
	turns := make([]domain.Turn, len(messages))
	for i, m := range messages {
		turns[i] = domain.Turn{Role: domain.Role(m.Role), Content: m.Content}
	}
	return turns
}

func topicsAsJSON(topics []domain.TopicRef) (string, error) {
	if topics == nil {
		topics = []domain.TopicRef{}
	}
	data, err := json.MarshalIndent(topics, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal topics: %w", err)
	}
	return string(data), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

// writeEvent frames one SSE data event and flushes it.
func writeEvent(w http.ResponseWriter, flusher http.Flusher, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrUnroutableModel,
		domain.ErrUnknownProvider,
		domain.ErrProvider,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}
