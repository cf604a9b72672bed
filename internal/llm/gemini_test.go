package llm

import (
	"context"
	"testing"

	"google.golang.org/genai"
)

type fakeGeminiModels struct {
	lastModel    string
	lastContents []*genai.Content
	lastConfig   *genai.GenerateContentConfig
	resp         *genai.GenerateContentResponse
	err          error
}

func (f *fakeGeminiModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.lastModel = model
	f.lastContents = contents
	f.lastConfig = config
	return f.resp, f.err
}

func geminiTextResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}},
		},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     200,
			CandidatesTokenCount: 80,
			TotalTokenCount:      280,
		},
	}
}

func TestGeminiGenerateStructuredRequest(t *testing.T) {
	fake := &fakeGeminiModels{resp: geminiTextResponse(`[{"answer":"RCT"}]`)}
	caller := &GeminiCaller{models: fake, model: DefaultGeminiModel}

	res, err := caller.Generate(context.Background(), Request{
		Prompt:   "extract",
		Document: &DocumentPart{Data: []byte("%PDF-1.4"), MIMEType: "application/pdf", FileName: "t.pdf"},
		ResponseSchema: &Schema{
			Type:  TypeArray,
			Items: &Schema{Type: TypeObject, Properties: map[string]*Schema{"answer": {Type: TypeString}}, Required: []string{"answer"}},
		},
		ThinkingBudget: 4096,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != `[{"answer":"RCT"}]` {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Usage.TotalTokens != 280 || res.Usage.PromptTokens != 200 {
		t.Fatalf("usage not mapped: %+v", res.Usage)
	}

	if fake.lastModel != DefaultGeminiModel {
		t.Fatalf("model not forwarded, got %q", fake.lastModel)
	}
	if len(fake.lastContents) != 1 || len(fake.lastContents[0].Parts) != 2 {
		t.Fatalf("expected one content with document and prompt parts")
	}
	if fake.lastConfig.ResponseMIMEType != "application/json" {
		t.Fatalf("structured requests must force JSON mime type")
	}
	if fake.lastConfig.ResponseSchema == nil || fake.lastConfig.ResponseSchema.Type != genai.TypeArray {
		t.Fatalf("response schema not translated: %+v", fake.lastConfig.ResponseSchema)
	}
	if fake.lastConfig.ThinkingConfig == nil || *fake.lastConfig.ThinkingConfig.ThinkingBudget != 4096 {
		t.Fatalf("thinking budget not forwarded")
	}
}

func TestGeminiGenerateFreeText(t *testing.T) {
	fake := &fakeGeminiModels{resp: geminiTextResponse("ISOLATION VERIFIED")}
	caller := &GeminiCaller{models: fake, model: "custom-model"}

	res, err := caller.Generate(context.Background(), Request{Prompt: "verify"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Text != "ISOLATION VERIFIED" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if fake.lastModel != "custom-model" {
		t.Fatalf("custom model not used, got %q", fake.lastModel)
	}
	if fake.lastConfig.ResponseSchema != nil || fake.lastConfig.ResponseMIMEType != "" {
		t.Fatalf("free-text requests must not carry a response schema")
	}
	if fake.lastConfig.ThinkingConfig != nil {
		t.Fatalf("zero budget must not set a thinking config")
	}
	if len(fake.lastContents[0].Parts) != 1 {
		t.Fatalf("no document attached, expected prompt part only")
	}
}

func TestToGenaiSchemaTranslation(t *testing.T) {
	in := &Schema{
		Type: TypeArray,
		Items: &Schema{
			Type: TypeObject,
			Properties: map[string]*Schema{
				"block_id": {Type: TypeNumber},
				"status":   {Type: TypeString, Enum: []string{"VERIFIED", "CORRECTED"}},
			},
			Required: []string{"block_id", "status"},
		},
	}
	out := toGenaiSchema(in)
	if out.Type != genai.TypeArray || out.Items.Type != genai.TypeObject {
		t.Fatalf("container types mistranslated: %+v", out)
	}
	if out.Items.Properties["block_id"].Type != genai.TypeNumber {
		t.Fatalf("number type mistranslated")
	}
	if len(out.Items.Properties["status"].Enum) != 2 {
		t.Fatalf("enum lost in translation")
	}
	if len(out.Items.Required) != 2 {
		t.Fatalf("required list lost in translation")
	}
	if toGenaiSchema(nil) != nil {
		t.Fatalf("nil schema must stay nil")
	}
}

func TestNewGeminiCallerFromEnvRequiresKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	if _, err := NewGeminiCallerFromEnv(context.Background(), ""); err == nil {
		t.Fatalf("expected error without api key")
	}
}
