package domain

import "encoding/json"

// ChatMessage is the provider-agnostic chat message shape used by the
// text-generation integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is a single instruction for a text-generation service.
type Prompt struct {
	System string
	User   string
}

// Messages renders the prompt as a system/user chat pair.
func (p Prompt) Messages() []ChatMessage {
	msgs := make([]ChatMessage, 0, 2)
	if p.System != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: p.System})
	}
	return append(msgs, ChatMessage{Role: "user", Content: p.User})
}

// GenerateOptions bounds a single generation call.
type GenerateOptions struct {
	Model string
	// Temperature is nil when the provider default applies; zero is a
	// valid setting.
	Temperature *float64
	TopP        float64
	MaxTokens   int

	// SchemaName and Schema request structured output when the provider
	// supports it. Schema is a JSON Schema document.
	SchemaName string
	Schema     json.RawMessage
}
