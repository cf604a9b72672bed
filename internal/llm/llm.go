// Package llm is the model-call boundary: given a prompt, an optional inline
// document, and an expected response schema, a Caller returns text that may
// be malformed or rate-limited. Everything above this package treats the
// provider as opaque.
package llm

import "context"

// TokenUsage accumulates token counts across calls.
type TokenUsage struct {
	PromptTokens int `json:"promptTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

// Add folds another usage sample into the running total.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Schema is a provider-neutral response schema. Callers translate it to
// whatever structured-output mechanism their provider offers.
type Schema struct {
	Type       string             `json:"type"`
	Items      *Schema            `json:"items,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
}

const (
	TypeArray  = "array"
	TypeObject = "object"
	TypeString = "string"
	TypeNumber = "number"
)

// DocumentPart is a document attached inline to a request.
type DocumentPart struct {
	Data     []byte
	MIMEType string
	FileName string
}

// Request is one generation request.
type Request struct {
	Prompt         string
	Document       *DocumentPart
	ResponseSchema *Schema
	// ThinkingBudget caps provider-side reasoning tokens; zero disables it.
	ThinkingBudget int32
}

// Result is the raw outcome of one generation call.
type Result struct {
	Text  string
	Usage TokenUsage
}

// Caller executes a single generation request against a model provider.
type Caller interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}
