package domain

// Role tags a message in a transcript.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape passed to the
// completion service.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// GenerationParams are the sampling parameters forwarded to the completion
// service on every call.
type GenerationParams struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

// CompletionRequest is one call to the completion service.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []ChatMessage
	Params   GenerationParams
}
