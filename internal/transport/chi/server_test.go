package chi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
	"github.com/loom-cloud/loomd/internal/usecase/sidebar"
)

// --- Mocks ---

type mockRouter struct {
	chatResult  map[string]any
	chatErr     error
	chunks      []domain.StreamChunk
	streamErr   error
	lastChat    domain.ChatRequest
	chatCalls   int
	metaResults []map[string]any // overrides chatResult per call when set
}

func (m *mockRouter) Chat(_ context.Context, req domain.ChatRequest) (map[string]any, error) {
	m.lastChat = req
	m.chatCalls++
	if m.chatErr != nil {
		return nil, m.chatErr
	}
	if len(m.metaResults) > 0 {
		result := m.metaResults[0]
		m.metaResults = m.metaResults[1:]
		return result, nil
	}
	return m.chatResult, nil
}

func (m *mockRouter) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	out := make(chan domain.StreamChunk, len(m.chunks))
	for _, c := range m.chunks {
		out <- c
	}
	close(out)
	return out, nil
}

type mockEmbedder struct {
	vec []float64
	err error
}

func (m *mockEmbedder) EmbedText(_ context.Context, _ string) ([]float64, error) {
	return m.vec, m.err
}

type mockSidebar struct {
	refreshOut sidebar.RefreshOutput
	refreshErr error
	result     map[string]any
	err        error
}

func (m *mockSidebar) Refresh(_ context.Context, _ sidebar.RefreshInput) (sidebar.RefreshOutput, error) {
	return m.refreshOut, m.refreshErr
}

func (m *mockSidebar) UpdateStatus(_ context.Context, _ string, _ any, _ []string, _ string) (map[string]any, error) {
	return m.result, m.err
}

func (m *mockSidebar) Summarize(_ context.Context, _ []domain.Turn, _ string) (map[string]any, error) {
	return m.result, m.err
}

func (m *mockSidebar) DetectTopics(_ context.Context, _ []map[string]any, _ []domain.TopicRef) (map[string]any, error) {
	return m.result, m.err
}

func newTestServer(llm *mockRouter, emb *mockEmbedder, sb *mockSidebar) *httptest.Server {
	if llm == nil {
		llm = &mockRouter{}
	}
	if emb == nil {
		emb = &mockEmbedder{}
	}
	if sb == nil {
		sb = &mockSidebar{}
	}
	srv := NewServer(llm, emb, sb, zap.NewNop())
	return httptest.NewServer(srv.Routes())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// --- /api/chat ---

func TestChat(t *testing.T) {
	llm := &mockRouter{chatResult: map[string]any{
		"response": "hi there",
		"topic":    map[string]any{"name": "Go", "matchedExistingId": "t1", "confidence": 0.9},
		"concepts": []any{},
	}}
	ts := newTestServer(llm, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat", map[string]any{
		"chatId":         "c1",
		"messages":       []map[string]string{{"role": "user", "content": "hello"}},
		"existingTopics": []map[string]string{{"id": "t1", "name": "Go"}},
		"useSearch":      true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if body["response"] != "hi there" {
		t.Errorf("unexpected response: %v", body["response"])
	}

	if !llm.lastChat.JSONMode {
		t.Error("chat endpoint must request JSON mode")
	}
	if !llm.lastChat.UseSearch {
		t.Error("useSearch flag not forwarded")
	}
	if !strings.Contains(llm.lastChat.SystemPrompt, `"id": "t1"`) {
		t.Error("existing topics missing from system prompt")
	}
}

func TestChat_UnroutableModel(t *testing.T) {
	llm := &mockRouter{chatErr: domain.ErrUnroutableModel}
	ts := newTestServer(llm, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"model":    "claude-3",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unroutable model, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["code"] != "unroutable_model" {
		t.Errorf("unexpected error code: %v", body["code"])
	}
}

func TestChat_ProviderError(t *testing.T) {
	llm := &mockRouter{chatErr: fmt.Errorf("chat API error 500: upstream exploded: %w", domain.ErrProvider)}
	ts := newTestServer(llm, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502 for provider error, got %d", resp.StatusCode)
	}
}

func TestChat_InvalidBody(t *testing.T) {
	ts := newTestServer(nil, nil, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid body, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// --- /api/chat/stream ---

func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var events []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("bad event: %v", err)
		}
		events = append(events, event)
	}
	return events
}

func TestChatStream(t *testing.T) {
	llm := &mockRouter{
		chunks: []domain.StreamChunk{{Text: "Hel"}, {Text: "lo"}},
		metaResults: []map[string]any{{
			"topic":    map[string]any{"name": "Greetings", "matchedExistingId": nil, "confidence": 0.8},
			"concepts": []any{map[string]any{"title": "Saying hello"}},
		}},
	}
	ts := newTestServer(llm, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat/stream", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	events := readEvents(t, resp)
	if len(events) != 3 {
		t.Fatalf("expected 2 chunks + done, got %d events", len(events))
	}
	if events[0]["type"] != "chunk" || events[0]["text"] != "Hel" {
		t.Errorf("unexpected first event: %v", events[0])
	}

	done := events[2]
	if done["type"] != "done" {
		t.Fatalf("expected terminal done event, got %v", done)
	}
	if done["response"] != "Hello" {
		t.Errorf("done must carry the accumulated response, got %v", done["response"])
	}
	topic := done["topic"].(map[string]any)
	if topic["name"] != "Greetings" {
		t.Errorf("metadata topic missing: %v", topic)
	}

	// The metadata call sees the assistant reply appended to the history.
	last := llm.lastChat.Turns[len(llm.lastChat.Turns)-1]
	if last.Role != domain.RoleAssistant || last.Content != "Hello" {
		t.Errorf("metadata call missing appended assistant turn: %+v", last)
	}
	if !llm.lastChat.JSONMode {
		t.Error("metadata call must use JSON mode")
	}
}

func TestChatStream_MetadataFailureDegrades(t *testing.T) {
	llm := &mockRouter{
		chunks:  []domain.StreamChunk{{Text: "answer"}},
		chatErr: domain.ErrProvider,
	}
	ts := newTestServer(llm, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat/stream", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	events := readEvents(t, resp)

	done := events[len(events)-1]
	if done["type"] != "done" {
		t.Fatalf("stream succeeded; metadata failure must not drop done: %v", done)
	}
	if done["response"] != "answer" {
		t.Errorf("accumulated response lost: %v", done["response"])
	}
	topic := done["topic"].(map[string]any)
	if topic["name"] != "" || topic["confidence"].(float64) != 0 {
		t.Errorf("expected default metadata, got %v", topic)
	}
}

func TestChatStream_MidStreamError(t *testing.T) {
	llm := &mockRouter{
		chunks: []domain.StreamChunk{{Text: "par"}, {Err: domain.ErrProvider}},
	}
	ts := newTestServer(llm, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat/stream", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	events := readEvents(t, resp)

	last := events[len(events)-1]
	if last["type"] != "error" {
		t.Fatalf("expected terminal error event, got %v", last)
	}
	for _, e := range events {
		if e["type"] == "done" {
			t.Error("done must not follow a mid-stream error")
		}
	}
}

// --- /api/sidebar/refresh ---

func TestSidebarRefresh(t *testing.T) {
	sb := &mockSidebar{refreshOut: sidebar.RefreshOutput{
		RelatedCards: []any{map[string]any{"sourceId": "c1"}},
		StatusUpdate: map[string]any{"overview": []any{"knows go"}},
	}}
	ts := newTestServer(nil, nil, sb)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/sidebar/refresh", map[string]any{
		"messages":  []map[string]string{{"role": "user", "content": "hi"}},
		"topicName": "Go",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body := decodeBody(t, resp)
	if len(body["relatedCards"].([]any)) != 1 {
		t.Errorf("related cards missing: %v", body["relatedCards"])
	}
	// Zero-value module serializes as [], not null.
	if _, ok := body["newDirections"].([]any); !ok {
		t.Errorf("expected empty list for failed module, got %v", body["newDirections"])
	}
}

// --- /api/embed, /api/rank ---

func TestEmbed(t *testing.T) {
	ts := newTestServer(nil, &mockEmbedder{vec: []float64{0.1, 0.2}}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/embed", map[string]any{"text": "hello"})
	body := decodeBody(t, resp)
	vec := body["embedding"].([]any)
	if len(vec) != 2 || vec[0].(float64) != 0.1 {
		t.Errorf("unexpected embedding: %v", vec)
	}
}

func TestEmbed_UnknownProvider(t *testing.T) {
	ts := newTestServer(nil, &mockEmbedder{err: domain.ErrUnknownProvider}, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/embed", map[string]any{"text": "hello"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown provider, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRank(t *testing.T) {
	ts := newTestServer(nil, nil, nil)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/rank", map[string]any{
		"queryEmbedding": []float64{1, 0},
		"candidates": []map[string]any{
			{"id": "a", "embedding": []float64{0, 1}},
			{"id": "b", "embedding": []float64{1, 0}},
			{"id": "c"},
		},
	})
	body := decodeBody(t, resp)

	ranked := body["ranked"].([]any)
	if len(ranked) != 2 {
		t.Fatalf("candidate without embedding must be dropped, got %d", len(ranked))
	}
	first := ranked[0].(map[string]any)
	if first["id"] != "b" {
		t.Errorf("expected best match first, got %v", first)
	}
	if first["score"].(float64) <= 0.99 {
		t.Errorf("unexpected score: %v", first["score"])
	}
}

// --- remaining routes ---

func TestSummarize(t *testing.T) {
	sb := &mockSidebar{result: map[string]any{"title": "Go chat", "summary": "talked about go"}}
	ts := newTestServer(nil, nil, sb)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/chat/summarize", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	body := decodeBody(t, resp)
	if body["title"] != "Go chat" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestUpdateTopicStatus(t *testing.T) {
	sb := &mockSidebar{result: map[string]any{"overview": []any{}, "specifics": []any{}}}
	ts := newTestServer(nil, nil, sb)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/topic/status/update", map[string]any{
		"topicName":     "Go",
		"currentStatus": map[string]any{"overview": []any{"knows go"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDetectTopics(t *testing.T) {
	sb := &mockSidebar{result: map[string]any{"newTopics": []any{}}}
	ts := newTestServer(nil, nil, sb)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/topic/detect", map[string]any{
		"chatSummaries": []map[string]any{{"id": "c1", "summary": "raft"}},
	})
	body := decodeBody(t, resp)
	if _, ok := body["newTopics"]; !ok {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(nil, nil, nil)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}
