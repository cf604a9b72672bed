package llm

import (
	"context"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type fakeMessager struct {
	lastParams anthropic.MessageNewParams
	resp       *anthropic.Message
	err        error
}

func (f *fakeMessager) New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error) {
	f.lastParams = params
	return f.resp, f.err
}

func anthropicTextResponse(text string) *anthropic.Message {
	return &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   anthropic.Usage{InputTokens: 300, OutputTokens: 120},
	}
}

func TestAnthropicGenerateAppendsSchemaToPrompt(t *testing.T) {
	fake := &fakeMessager{resp: anthropicTextResponse(`[{"answer":"Cohort"}]`)}
	caller := &AnthropicCaller{messages: fake, model: anthropic.ModelClaudeSonnet4_20250514}

	res, err := caller.Generate(context.Background(), Request{
		Prompt:         "extract",
		Document:       &DocumentPart{Data: []byte("%PDF-1.4"), MIMEType: "application/pdf"},
		ResponseSchema: &Schema{Type: TypeArray, Items: &Schema{Type: TypeObject}},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != `[{"answer":"Cohort"}]` {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Usage.PromptTokens != 300 || res.Usage.TotalTokens != 420 {
		t.Fatalf("usage not mapped: %+v", res.Usage)
	}

	params := fake.lastParams
	if params.MaxTokens != 8192 {
		t.Fatalf("unexpected max tokens %d", params.MaxTokens)
	}
	if len(params.Messages) != 1 || len(params.Messages[0].Content) != 2 {
		t.Fatalf("expected document block plus text block")
	}
	text := params.Messages[0].Content[1].OfText
	if text == nil || !strings.Contains(text.Text, "matching this schema") {
		t.Fatalf("schema instruction missing from prompt")
	}
	if len(params.System) != 1 || !strings.Contains(params.System[0].Text, "strict JSON") {
		t.Fatalf("system prompt missing")
	}
}

func TestAnthropicGenerateFreeText(t *testing.T) {
	fake := &fakeMessager{resp: anthropicTextResponse("ISOLATION VERIFIED")}
	caller := &AnthropicCaller{messages: fake, model: anthropic.ModelClaudeSonnet4_20250514}

	res, err := caller.Generate(context.Background(), Request{Prompt: "verify"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "ISOLATION VERIFIED" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(fake.lastParams.Messages[0].Content) != 1 {
		t.Fatalf("no document, expected a single text block")
	}
	text := fake.lastParams.Messages[0].Content[0].OfText
	if text == nil || strings.Contains(text.Text, "matching this schema") {
		t.Fatalf("free-text prompt must not carry a schema instruction")
	}
}

func TestNewAnthropicCallerFromEnvRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropicCallerFromEnv(""); err == nil {
		t.Fatalf("expected error without api key")
	}
}
