package router

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/loom-cloud/loomd/internal/domain"
)

// --- Mocks ---

type mockClient struct {
	text      string
	err       error
	chunks    []string
	streamErr error
	lastReq   domain.ChatRequest
	called    bool
}

func (m *mockClient) Chat(_ context.Context, req domain.ChatRequest) (string, error) {
	m.called = true
	m.lastReq = req
	return m.text, m.err
}

func (m *mockClient) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, error) {
	m.called = true
	m.lastReq = req
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	out := make(chan domain.StreamChunk, len(m.chunks))
	for _, c := range m.chunks {
		out <- domain.StreamChunk{Text: c}
	}
	close(out)
	return out, nil
}

func newService(openai, gemini *mockClient, defaultProvider domain.Provider) *Service {
	clients := map[domain.Provider]ChatClient{}
	if openai != nil {
		clients[domain.ProviderOpenAI] = openai
	}
	if gemini != nil {
		clients[domain.ProviderGemini] = gemini
	}
	return New(clients, defaultProvider, "gemini-2.5-flash", zap.NewNop())
}

// --- Resolution ---

func TestResolve_PrefixBeatsDefault(t *testing.T) {
	tests := []struct {
		model      string
		defaultP   domain.Provider
		want       domain.Provider
	}{
		{"gpt-5-mini", domain.ProviderGemini, domain.ProviderOpenAI},
		{"gpt-4o", domain.ProviderOpenAI, domain.ProviderOpenAI},
		{"gemini-2.5-flash", domain.ProviderOpenAI, domain.ProviderGemini},
		{"gemini-3-pro", domain.ProviderGemini, domain.ProviderGemini},
		{"custom-model", domain.ProviderOpenAI, domain.ProviderOpenAI},
		{"custom-model", domain.ProviderGemini, domain.ProviderGemini},
	}

	for _, tc := range tests {
		svc := newService(&mockClient{}, &mockClient{}, tc.defaultP)
		got, err := svc.Resolve(tc.model)
		if err != nil {
			t.Errorf("Resolve(%q, default=%s): unexpected error %v", tc.model, tc.defaultP, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Resolve(%q, default=%s) = %s, want %s", tc.model, tc.defaultP, got, tc.want)
		}
	}
}

func TestResolve_UnroutableDefault(t *testing.T) {
	svc := newService(&mockClient{}, &mockClient{}, "anthropic")
	_, err := svc.Resolve("custom-model")
	if !errors.Is(err, domain.ErrUnroutableModel) {
		t.Errorf("expected ErrUnroutableModel, got %v", err)
	}
}

// --- Chat ---

func TestChat_JSONMode(t *testing.T) {
	gemini := &mockClient{text: `{"response": "hi", "concepts": []}`}
	svc := newService(nil, gemini, domain.ProviderGemini)

	out, err := svc.Chat(context.Background(), domain.ChatRequest{
		Turns:    []domain.Turn{{Role: domain.RoleUser, Content: "hello"}},
		JSONMode: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["response"] != "hi" {
		t.Errorf("expected parsed response, got %v", out)
	}
	if gemini.lastReq.Model != "gemini-2.5-flash" {
		t.Errorf("expected default model, got %q", gemini.lastReq.Model)
	}
}

func TestChat_JSONModeFallback(t *testing.T) {
	gemini := &mockClient{text: "definitely not json"}
	svc := newService(nil, gemini, domain.ProviderGemini)

	out, err := svc.Chat(context.Background(), domain.ChatRequest{JSONMode: true})
	if err != nil {
		t.Fatalf("parse failure must not propagate, got %v", err)
	}
	if out["response"] != "definitely not json" {
		t.Errorf("expected raw text fallback, got %v", out["response"])
	}
	topic := out["topic"].(map[string]any)
	if topic["confidence"].(float64) != 0 {
		t.Errorf("expected zero confidence, got %v", topic["confidence"])
	}
}

func TestChat_JSONModeEmptyTextFallsBack(t *testing.T) {
	gemini := &mockClient{text: ""}
	svc := newService(nil, gemini, domain.ProviderGemini)

	out, err := svc.Chat(context.Background(), domain.ChatRequest{JSONMode: true})
	if err != nil {
		t.Fatalf("empty answer must degrade to the fallback shape, got %v", err)
	}
	if out["response"] != "" {
		t.Errorf("expected empty response text, got %v", out["response"])
	}
	topic := out["topic"].(map[string]any)
	if topic["confidence"].(float64) != 0 {
		t.Errorf("expected zero confidence, got %v", topic["confidence"])
	}
	if topic["matchedExistingId"] != nil {
		t.Errorf("expected nil matchedExistingId, got %v", topic["matchedExistingId"])
	}
}

func TestChat_PlainTextMode(t *testing.T) {
	gemini := &mockClient{text: "plain answer"}
	svc := newService(nil, gemini, domain.ProviderGemini)

	out, err := svc.Chat(context.Background(), domain.ChatRequest{JSONMode: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["response"] != "plain answer" {
		t.Errorf("expected wrapped text, got %v", out)
	}
}

func TestChat_ProviderErrorPropagates(t *testing.T) {
	provErr := domain.ErrProvider
	gemini := &mockClient{err: provErr}
	svc := newService(nil, gemini, domain.ProviderGemini)

	_, err := svc.Chat(context.Background(), domain.ChatRequest{JSONMode: true})
	if !errors.Is(err, domain.ErrProvider) {
		t.Errorf("expected provider error to propagate, got %v", err)
	}
}

func TestChat_Unroutable(t *testing.T) {
	svc := newService(&mockClient{}, &mockClient{}, "someone-else")
	_, err := svc.Chat(context.Background(), domain.ChatRequest{Model: "mystery-1"})
	if !errors.Is(err, domain.ErrUnroutableModel) {
		t.Errorf("expected ErrUnroutableModel, got %v", err)
	}
}

func TestChat_ModelPrefixSelectsAdapter(t *testing.T) {
	openai := &mockClient{text: "from openai"}
	gemini := &mockClient{text: "from gemini"}
	svc := newService(openai, gemini, domain.ProviderGemini)

	out, err := svc.Chat(context.Background(), domain.ChatRequest{Model: "gpt-5-mini"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !openai.called || gemini.called {
		t.Error("expected the openai adapter to handle gpt- models")
	}
	if out["response"] != "from openai" {
		t.Errorf("unexpected response: %v", out)
	}
}

// --- Streaming ---

func TestChatStream_YieldsDeltas(t *testing.T) {
	gemini := &mockClient{chunks: []string{"a", "b", "c"}}
	svc := newService(nil, gemini, domain.ProviderGemini)

	stream, err := svc.ChatStream(context.Background(), domain.ChatRequest{JSONMode: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for chunk := range stream {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		got = append(got, chunk.Text)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("unexpected deltas: %v", got)
	}
	if gemini.lastReq.JSONMode {
		t.Error("JSON mode must be cleared for streaming")
	}
}

func TestChatStream_Unroutable(t *testing.T) {
	svc := newService(&mockClient{}, &mockClient{}, "nobody")
	_, err := svc.ChatStream(context.Background(), domain.ChatRequest{Model: "mystery-1"})
	if !errors.Is(err, domain.ErrUnroutableModel) {
		t.Errorf("expected ErrUnroutableModel, got %v", err)
	}
}
