// Package sidebar orchestrates the knowledge-sidebar pipelines: ranking past
// conversations by embedding similarity and fanning out the bridge-question,
// new-direction, and status-update model calls as a concurrent group with
// per-task failure capture.
package sidebar

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/prompts"
	"github.com/loom-cloud/loomd/internal/usecase/similarity"
)

// Chatter is the single-shot router contract the sidebar depends on.
type Chatter interface {
	Chat(ctx context.Context, req domain.ChatRequest) (map[string]any, error)
}

// Embedder produces a query vector for ranking.
type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float64, error)
}

// Context and truncation policy for the refresh prompts.
const (
	recentTurnWindow   = 6
	queryTurnWindow    = 3
	rankedKeep         = 8
	degradedKeep       = 5
	promptedSummaries  = 5
	promptedConcepts   = 3
	contextSummaryRune = 500
)

// RefreshInput carries one sidebar refresh request. All state is supplied by
// the caller; nothing is persisted here.
type RefreshInput struct {
	Turns         []domain.Turn
	TopicName     string
	TopicStatus   any // legacy plain string or structured {overview, specifics}
	ChatSummaries []similarity.Candidate
	Concepts      []map[string]any
	Model         string
}

// RefreshOutput aggregates the three sidebar modules. A failed module yields
// its zero value; sibling modules are unaffected.
type RefreshOutput struct {
	RelatedCards  []any `json:"relatedCards"`
	NewDirections []any `json:"newDirections"`
	StatusUpdate  any   `json:"statusUpdate"`
}

// Service builds and dispatches the sidebar model calls.
type Service struct {
	chats  Chatter
	embed  Embedder
	logger *zap.Logger
}

// New creates a sidebar service.
func New(chats Chatter, embed Embedder, logger *zap.Logger) *Service {
	return &Service{chats: chats, embed: embed, logger: logger}
}

// Refresh generates all three sidebar modules concurrently. Individual model
// failures are captured per task and logged; Refresh itself only fails on a
// cancelled context surfacing through every task at once — partial results
// are the normal outcome.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (RefreshOutput, error) {
	recent := lastTurns(in.Turns, recentTurnWindow)
	currentMessages := renderTurns(recent)
	queryText := joinContents(lastTurns(recent, queryTurnWindow))

	ranked := s.rankSummaries(ctx, queryText, in.ChatSummaries)

	combined := make([]map[string]any, 0, promptedSummaries+promptedConcepts)
	for _, item := range truncateCandidates(ranked, promptedSummaries) {
		combined = append(combined, stripEmbedding(item))
	}
	for _, concept := range truncateMaps(in.Concepts, promptedConcepts) {
		combined = append(combined, map[string]any{
			"type":    "concept",
			"id":      stringField(concept, "id"),
			"title":   stringField(concept, "title"),
			"preview": stringField(concept, "preview"),
		})
	}
	if len(combined) > promptedSummaries {
		combined = combined[:promptedSummaries]
	}
	rankedJSON, err := json.MarshalIndent(combined, "", "  ")
	if err != nil {
		return RefreshOutput{}, fmt.Errorf("marshal ranked items: %w", err)
	}

	status := RenderStatus(in.TopicStatus)

	bridgePrompt := prompts.BridgeQuestions(
		currentMessages,
		in.TopicName,
		orDefault(status, "No status yet."),
		string(rankedJSON),
	)
	directionsPrompt := prompts.NewDirections(
		in.TopicName,
		orDefault(status, "No status yet."),
		orDefault(renderConcepts(in.Concepts), "None yet."),
		truncateRunes(currentMessages, contextSummaryRune),
	)
	statusPrompt := prompts.StatusUpdate(
		in.TopicName,
		orDefault(status, "(empty - create fresh)"),
		currentMessages,
		orDefault(renderSummaries(truncateCandidates(in.ChatSummaries, promptedSummaries)), "No past chats yet."),
	)

	results := s.gather(ctx, []domain.ChatRequest{
		{Turns: userTurn("Generate related cards."), SystemPrompt: bridgePrompt, JSONMode: true, Model: in.Model},
		{Turns: userTurn("Suggest new directions."), SystemPrompt: directionsPrompt, JSONMode: true, Model: in.Model},
		{Turns: userTurn("Update status summary."), SystemPrompt: statusPrompt, JSONMode: true, Model: in.Model},
	})

	var out RefreshOutput
	if results[0].err != nil {
		s.logger.Warn("bridge questions failed", zap.Error(results[0].err))
	} else if cards, ok := results[0].payload["relatedCards"].([]any); ok {
		out.RelatedCards = cards
	}

	if results[1].err != nil {
		s.logger.Warn("new directions failed", zap.Error(results[1].err))
	} else if dirs, ok := results[1].payload["newDirections"].([]any); ok {
		out.NewDirections = dirs
	}

	if results[2].err != nil {
		s.logger.Warn("status update failed", zap.Error(results[2].err))
	} else {
		out.StatusUpdate = statusUpdateOf(results[2].payload)
	}

	return out, nil
}

// UpdateStatus incrementally updates a topic status summary from recent chat
// summaries. Both legacy string and structured statuses are accepted.
func (s *Service) UpdateStatus(
	ctx context.Context, topicName string, currentStatus any, recentSummaries []string, model string,
) (map[string]any, error) {
	lines := make([]string, 0, len(recentSummaries))
	for _, summary := range recentSummaries {
		lines = append(lines, "- "+summary)
	}

	prompt := prompts.StatusUpdate(
		topicName,
		orDefault(RenderStatus(currentStatus), "(empty - create fresh)"),
		"",
		orDefault(strings.Join(lines, "\n"), "No chats yet."),
	)

	return s.chats.Chat(ctx, domain.ChatRequest{
		Turns:        userTurn("Update the status."),
		SystemPrompt: prompt,
		JSONMode:     true,
		Model:        model,
	})
}

// Summarize produces a short title and 1-2 sentence summary for a finished
// conversation.
func (s *Service) Summarize(ctx context.Context, turns []domain.Turn, model string) (map[string]any, error) {
	return s.chats.Chat(ctx, domain.ChatRequest{
		Turns:        userTurn("Summarize this conversation."),
		SystemPrompt: prompts.Summarize(renderTurns(turns)),
		JSONMode:     true,
		Model:        model,
	})
}

// DetectTopics clusters unassigned chat summaries into new topics, avoiding
// duplicates of the caller's existing topics.
func (s *Service) DetectTopics(
	ctx context.Context, chatSummaries []map[string]any, existingTopics []domain.TopicRef,
) (map[string]any, error) {
	summariesJSON, err := json.MarshalIndent(chatSummaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summaries: %w", err)
	}
	topicsJSON, err := json.MarshalIndent(existingTopics, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal topics: %w", err)
	}

	return s.chats.Chat(ctx, domain.ChatRequest{
		Turns:        userTurn("Detect topic clusters."),
		SystemPrompt: prompts.TopicAutoDetect(string(summariesJSON), string(topicsJSON)),
		JSONMode:     true,
	})
}

// taskResult captures one group member's outcome; err and payload are
// inspectable independently after the join.
type taskResult struct {
	payload map[string]any
	err     error
}

// gather launches all requests concurrently and joins them, capturing a
// per-task result. One failing task never aborts its siblings, and callers
// must not assume anything about completion order.
func (s *Service) gather(ctx context.Context, reqs []domain.ChatRequest) []taskResult {
	results := make([]taskResult, len(reqs))

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := s.chats.Chat(ctx, reqs[i])
			results[i] = taskResult{payload: payload, err: err}
		}(i)
	}
	wg.Wait()

	return results
}

// rankSummaries ranks candidates by similarity to the recent-turn query text,
// keeping the top 8. When no candidate carries an embedding, the query is
// blank, or the embedding call fails, it degrades to the first 5 summaries in
// caller order.
func (s *Service) rankSummaries(
	ctx context.Context, queryText string, summaries []similarity.Candidate,
) []similarity.Candidate {
	withEmbeddings := make([]similarity.Candidate, 0, len(summaries))
	for _, c := range summaries {
		if similarity.HasEmbedding(c) {
			withEmbeddings = append(withEmbeddings, c)
		}
	}

	if len(withEmbeddings) == 0 || strings.TrimSpace(queryText) == "" {
		return truncateCandidates(summaries, degradedKeep)
	}

	query, err := s.embed.EmbedText(ctx, queryText)
	if err != nil {
		s.logger.Warn("query embedding failed, using caller order", zap.Error(err))
		return truncateCandidates(summaries, degradedKeep)
	}

	return truncateCandidates(similarity.Rank(query, withEmbeddings), rankedKeep)
}

// statusUpdateOf accepts either the structured status shape or the legacy
// {"status": ...} wrapper. Both remain permanently valid model outputs.
func statusUpdateOf(payload map[string]any) any {
	if _, ok := payload["overview"]; ok {
		return payload
	}
	if legacy, ok := payload["status"]; ok {
		return legacy
	}
	return nil
}

func userTurn(content string) []domain.Turn {
	return []domain.Turn{{Role: domain.RoleUser, Content: content}}
}

func lastTurns(turns []domain.Turn, n int) []domain.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func renderTurns(turns []domain.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("%s: %s", t.Role, t.Content)
	}
	return strings.Join(lines, "\n")
}

func joinContents(turns []domain.Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = t.Content
	}
	return strings.Join(parts, " ")
}

func renderConcepts(concepts []map[string]any) string {
	lines := make([]string, 0, len(concepts))
	for _, c := range concepts {
		lines = append(lines, fmt.Sprintf("- %s: %s", stringField(c, "title"), stringField(c, "preview")))
	}
	return strings.Join(lines, "\n")
}

func renderSummaries(summaries []similarity.Candidate) string {
	lines := make([]string, 0, len(summaries))
	for _, c := range summaries {
		title := stringField(c, "title")
		if title == "" {
			title = "Untitled"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", title, stringField(c, "summary")))
	}
	return strings.Join(lines, "\n")
}

// stripEmbedding copies a candidate without its embedding vector; vectors are
// large and never belong in prompt context.
func stripEmbedding(c similarity.Candidate) map[string]any {
	out := make(map[string]any, len(c))
	for k, v := range c {
		if k == similarity.EmbeddingField {
			continue
		}
		out[k] = v
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func truncateCandidates(items []similarity.Candidate, n int) []similarity.Candidate {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func truncateMaps(items []map[string]any, n int) []map[string]any {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
