package extract

import (
	"errors"
	"strings"
	"testing"

	"github.com/loom-cloud/loomd/internal/domain"
)

func TestParse_FencedJSON(t *testing.T) {
	out, err := Parse("```json\n{\"k\":\"v\"}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["k"] != "v" {
		t.Errorf("expected k=v, got %v", out)
	}
}

func TestParse_FencedWithoutLanguage(t *testing.T) {
	out, err := Parse("```\n{\"k\":\"v\"}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["k"] != "v" {
		t.Errorf("expected k=v, got %v", out)
	}
}

func TestParse_PlainJSON(t *testing.T) {
	out, err := Parse(`  {"a": 1, "b": [1, 2]}  `)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["a"].(float64) != 1 {
		t.Errorf("expected a=1, got %v", out["a"])
	}
}

func TestParse_EmbeddedObject(t *testing.T) {
	out, err := Parse("Result:\n{\"k\":\"v\"}\nDone.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["k"] != "v" {
		t.Errorf("expected k=v, got %v", out)
	}
}

func TestParse_EmbeddedObjectSpansNewlines(t *testing.T) {
	text := "Here you go:\n{\n  \"topic\": {\"name\": \"Go\"}\n}\nanything else?"
	out, err := Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	topic, ok := out["topic"].(map[string]any)
	if !ok || topic["name"] != "Go" {
		t.Errorf("expected topic.name=Go, got %v", out)
	}
}

func TestParse_Empty(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t  \n"} {
		if _, err := Parse(text); !errors.Is(err, domain.ErrEmptyResponse) {
			t.Errorf("Parse(%q): expected ErrEmptyResponse, got %v", text, err)
		}
	}
}

func TestParse_Unparseable(t *testing.T) {
	_, err := Parse("not json at all")
	if !errors.Is(err, domain.ErrUnparseable) {
		t.Fatalf("expected ErrUnparseable, got %v", err)
	}

	var ue *domain.UnparseableError
	if !errors.As(err, &ue) {
		t.Fatal("expected *UnparseableError")
	}
	if ue.Snippet != "not json at all" {
		t.Errorf("unexpected snippet: %q", ue.Snippet)
	}
}

func TestParse_SnippetBounded(t *testing.T) {
	long := strings.Repeat("x", 1000)
	_, err := Parse(long)

	var ue *domain.UnparseableError
	if !errors.As(err, &ue) {
		t.Fatal("expected *UnparseableError")
	}
	if len(ue.Snippet) != 200 {
		t.Errorf("expected 200-char snippet, got %d", len(ue.Snippet))
	}
}

func TestFallbackResult_ExtractsResponse(t *testing.T) {
	raw := `{"response": "line one\nline \"two\"", "topic": {broken`
	out := FallbackResult(raw)

	want := "line one\nline \"two\""
	if out["response"] != want {
		t.Errorf("response:\ngot:  %q\nwant: %q", out["response"], want)
	}
}

func TestFallbackResult_RawTextWhenNoMatch(t *testing.T) {
	out := FallbackResult("not json")
	if out["response"] != "not json" {
		t.Errorf("expected raw text, got %q", out["response"])
	}

	topic, ok := out["topic"].(map[string]any)
	if !ok {
		t.Fatal("expected topic map")
	}
	if topic["confidence"].(float64) != 0 {
		t.Errorf("expected zero confidence, got %v", topic["confidence"])
	}
	if topic["matchedExistingId"] != nil {
		t.Errorf("expected nil matchedExistingId, got %v", topic["matchedExistingId"])
	}
	if concepts := out["concepts"].([]any); len(concepts) != 0 {
		t.Errorf("expected empty concepts, got %v", concepts)
	}
}
