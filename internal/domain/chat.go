package domain

import "strings"

// Role identifies the author of a conversation turn.
type Role string

// Conversation roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Turn is a single message of conversation history. Turns are ordered and
// replayed verbatim to the provider; they are never mutated after construction.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Attachment is a base64-encoded binary payload. Attachments bind only to the
// last user turn of a conversation when a provider request is built; providers
// charge heavily for repeated multimodal payloads in history.
type Attachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// IsImage reports whether the attachment carries an image MIME type.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// TopicRef is a caller-managed topic label passed in for classification.
// The core never stores topics.
type TopicRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatRequest is the provider-neutral chat request shared by both adapters.
type ChatRequest struct {
	Turns        []Turn
	SystemPrompt string
	Model        string
	JSONMode     bool
	Attachments  []Attachment
	UseSearch    bool
}

// StreamChunk is one incremental unit of a streaming chat response.
// Text is non-empty unless Err is set; a chunk with Err is terminal.
type StreamChunk struct {
	Text string
	Err  error
}

// LastUserTurn reports whether the turn at index i is the final turn of the
// conversation and authored by the user. Attachment placement keys off this.
func (r *ChatRequest) LastUserTurn(i int) bool {
	return i == len(r.Turns)-1 && r.Turns[i].Role == RoleUser
}
