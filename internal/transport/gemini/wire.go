package gemini

import (
	"strings"

	"github.com/loom-cloud/loomd/internal/domain"
)

// Wire types for the generateContent API. Only the fields this adapter uses
// are declared.

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type tool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// text concatenates the text parts of the first candidate.
func (r *generateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// buildGenerateRequest converts the provider-neutral request to the Gemini
// wire format. Attachments attach to the final user turn only.
func buildGenerateRequest(req domain.ChatRequest) generateRequest {
	contents := make([]content, 0, len(req.Turns))
	for i, turn := range req.Turns {
		role := "model"
		if turn.Role == domain.RoleUser {
			role = "user"
		}

		parts := []part{{Text: turn.Content}}
		if req.LastUserTurn(i) {
			for _, att := range req.Attachments {
				mime := att.MimeType
				if mime == "" {
					mime = "image/jpeg"
				}
				parts = append(parts, part{InlineData: &inlineData{MimeType: mime, Data: att.Data}})
			}
		}
		contents = append(contents, content{Role: role, Parts: parts})
	}

	out := generateRequest{
		Contents: contents,
		// The system channel is always present, even with an empty prompt.
		SystemInstruction: &content{Parts: []part{{Text: req.SystemPrompt}}},
	}
	cfg := &generationConfig{}
	if req.JSONMode {
		cfg.ResponseMimeType = "application/json"
	}
	if strings.Contains(req.Model, "gemini-3") {
		cfg.ThinkingConfig = &thinkingConfig{ThinkingBudget: thinkingBudgetTokens}
	}
	if cfg.ResponseMimeType != "" || cfg.ThinkingConfig != nil {
		out.GenerationConfig = cfg
	}
	if req.UseSearch {
		out.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}
	return out
}
