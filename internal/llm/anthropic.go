package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicSystemPrompt = "You are a clinical-trial data extraction agent. Respond with strict JSON only, no prose and no markdown fences."

// AnthropicCaller implements Caller for deployments without Gemini access.
// Claude has no responseSchema parameter, so the expected schema is appended
// to the prompt and conformance is enforced downstream by the deterministic
// validator.
type AnthropicCaller struct {
	messages AnthropicMessager
	model    anthropic.Model
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewAnthropicCallerFromEnv builds a caller using ANTHROPIC_API_KEY.
func NewAnthropicCallerFromEnv(model string) (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	m := anthropic.ModelClaudeSonnet4_20250514
	if model != "" {
		m = anthropic.Model(model)
	}
	return &AnthropicCaller{messages: &c.Messages, model: m}, nil
}

func (c *AnthropicCaller) Generate(ctx context.Context, req Request) (*Result, error) {
	prompt := req.Prompt
	if req.ResponseSchema != nil {
		blob, err := json.Marshal(req.ResponseSchema)
		if err != nil {
			return nil, err
		}
		prompt += "\n\nRespond with only a valid JSON value matching this schema:\n" + string(blob)
	}

	var blocks []anthropic.ContentBlockParamUnion
	if req.Document != nil {
		blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
			Data: base64.StdEncoding.EncodeToString(req.Document.Data),
		}))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	resp, err := c.messages.New(ctx, anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   8192,
		System:      []anthropic.TextBlockParam{{Text: anthropicSystemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return &Result{
		Text: sb.String(),
		Usage: TokenUsage{
			PromptTokens: int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}
