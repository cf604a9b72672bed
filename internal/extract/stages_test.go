package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/joelkehle/mediextract/internal/llm"
)

// fakeCaller records requests and replays scripted responses in order.
type fakeCaller struct {
	requests  []llm.Request
	responses []string
	err       error
}

func (f *fakeCaller) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.requests) - 1
	text := "[]"
	if idx < len(f.responses) {
		text = f.responses[idx]
	}
	return &llm.Result{Text: text, Usage: llm.TokenUsage{PromptTokens: 10, OutputTokens: 5, TotalTokens: 15}}, nil
}

func recordsJSON(t *testing.T, records []Record) string {
	t.Helper()
	blob, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	return string(blob)
}

func TestRunExtractionChunksPerBlock(t *testing.T) {
	s := testSchema(t)
	full := fullCandidates()
	caller := &fakeCaller{responses: []string{
		recordsJSON(t, full[:3]), // block 1
		recordsJSON(t, full[3:]), // block 2
	}}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 1)

	var progress []int
	records, usage, err := runner.RunExtraction(context.Background(), testDoc("trial.pdf"), func(stage Stage, current, total int) {
		if stage != StageExtraction {
			t.Fatalf("unexpected progress stage %s", stage)
		}
		if total != 2 {
			t.Fatalf("expected 2 chunks, got total %d", total)
		}
		progress = append(progress, current)
	})
	if err != nil {
		t.Fatalf("extraction: %v", err)
	}
	if len(records) != 7 {
		t.Fatalf("expected 7 records across chunks, got %d", len(records))
	}
	if usage.TotalTokens != 30 {
		t.Fatalf("expected usage summed across chunks, got %d", usage.TotalTokens)
	}
	if len(progress) != 2 || progress[0] != 1 || progress[1] != 2 {
		t.Fatalf("expected progress 1,2, got %v", progress)
	}

	if len(caller.requests) != 2 {
		t.Fatalf("expected one call per chunk, got %d", len(caller.requests))
	}
	first := caller.requests[0]
	if first.Document == nil || first.Document.FileName != "trial.pdf" {
		t.Fatalf("document must be attached to every call")
	}
	if first.ResponseSchema == nil || first.ResponseSchema.Type != llm.TypeArray {
		t.Fatalf("extraction must request an array response schema")
	}
	if first.ThinkingBudget != extractThinkingBudget {
		t.Fatalf("expected extraction thinking budget, got %d", first.ThinkingBudget)
	}
	if !strings.Contains(first.Prompt, "EXPERT MEDICAL EXTRACTOR") {
		t.Fatalf("unexpected extraction prompt: %s", first.Prompt)
	}
	// The first chunk prompt carries block 1 only.
	if !strings.Contains(first.Prompt, `"block_number": 1`) || strings.Contains(first.Prompt, `"block_number": 2`) {
		t.Fatalf("chunk 1 prompt must contain only block 1")
	}
}

func TestRunExtractionUnparseableChunkDegradesToEmpty(t *testing.T) {
	s := testSchema(t)
	caller := &fakeCaller{responses: []string{"I cannot answer that.", "{{{"}}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 1)

	records, _, err := runner.RunExtraction(context.Background(), testDoc("trial.pdf"), nil)
	if err != nil {
		t.Fatalf("unparseable output must not be an error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected zero records from garbage output, got %d", len(records))
	}
}

func TestRunExtractionPropagatesFatalError(t *testing.T) {
	s := testSchema(t)
	fatal := errors.New("401 unauthorized")
	caller := &fakeCaller{err: fatal}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 1)

	_, _, err := runner.RunExtraction(context.Background(), testDoc("trial.pdf"), nil)
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error passthrough, got %v", err)
	}
	if len(caller.requests) != 1 {
		t.Fatalf("fatal error must stop after the first chunk, got %d calls", len(caller.requests))
	}
}

func TestRunIsolationModes(t *testing.T) {
	s := testSchema(t)
	caller := &fakeCaller{responses: []string{"Context boundary declared for trial.pdf", "ISOLATION VERIFIED"}}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 1)

	pre, usage, err := runner.RunIsolation(context.Background(), testDoc("trial.pdf"), IsolationPre, nil)
	if err != nil {
		t.Fatalf("pre isolation: %v", err)
	}
	if !strings.Contains(pre, "boundary") || usage.TotalTokens != 15 {
		t.Fatalf("unexpected pre result %q usage %+v", pre, usage)
	}
	if caller.requests[0].ResponseSchema != nil {
		t.Fatalf("isolation is free text, no response schema expected")
	}
	if !strings.Contains(caller.requests[0].Prompt, "ISOLATION SUPERVISOR") {
		t.Fatalf("unexpected isolation prompt")
	}
	if strings.Contains(caller.requests[0].Prompt, "RESULTS TO VERIFY") {
		t.Fatalf("pre prompt must not carry results")
	}

	post, _, err := runner.RunIsolation(context.Background(), testDoc("trial.pdf"), IsolationPost, fullCandidates())
	if err != nil {
		t.Fatalf("post isolation: %v", err)
	}
	if post != "ISOLATION VERIFIED" {
		t.Fatalf("unexpected post result %q", post)
	}
	if !strings.Contains(caller.requests[1].Prompt, "RESULTS TO VERIFY") {
		t.Fatalf("post prompt must carry the records under review")
	}
}

func TestRunIsolationEmptyOutputPlaceholder(t *testing.T) {
	s := testSchema(t)
	caller := &fakeCaller{responses: []string{""}}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 1)

	text, _, err := runner.RunIsolation(context.Background(), testDoc("trial.pdf"), IsolationPre, nil)
	if err != nil {
		t.Fatalf("isolation: %v", err)
	}
	if text != "Isolation check returned no output" {
		t.Fatalf("expected placeholder for empty output, got %q", text)
	}
}

func TestAuditAndQACarryPriorRecords(t *testing.T) {
	s := testSchema(t)
	full := fullCandidates()
	caller := &fakeCaller{}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 2)

	if _, _, err := runner.RunAudit(context.Background(), testDoc("trial.pdf"), full, nil); err != nil {
		t.Fatalf("audit: %v", err)
	}
	auditReq := caller.requests[0]
	if !strings.Contains(auditReq.Prompt, "STRICT MEDICAL AUDITOR") {
		t.Fatalf("unexpected audit prompt")
	}
	if !strings.Contains(auditReq.Prompt, "Group 1 sample size") {
		t.Fatalf("audit prompt must include prior records")
	}
	if auditReq.ThinkingBudget != auditThinkingBudget {
		t.Fatalf("expected audit thinking budget, got %d", auditReq.ThinkingBudget)
	}
	// Audit schema requires status fields, QA fields stay absent.
	items := auditReq.ResponseSchema.Items
	if _, ok := items.Properties["status"]; !ok {
		t.Fatalf("audit schema must require status")
	}
	if _, ok := items.Properties["qa_status"]; ok {
		t.Fatalf("audit schema must not carry qa fields")
	}

	if _, _, err := runner.RunQA(context.Background(), testDoc("trial.pdf"), full, nil); err != nil {
		t.Fatalf("qa: %v", err)
	}
	qaReq := caller.requests[1]
	if !strings.Contains(qaReq.Prompt, "FINAL QA AUTHORITY") {
		t.Fatalf("unexpected qa prompt")
	}
	if _, ok := qaReq.ResponseSchema.Items.Properties["qa_status"]; !ok {
		t.Fatalf("qa schema must require qa_status")
	}
	if qaReq.ThinkingBudget != qaThinkingBudget {
		t.Fatalf("expected qa thinking budget, got %d", qaReq.ThinkingBudget)
	}
}

func TestExportValidationPromptListsIssues(t *testing.T) {
	s := testSchema(t)
	caller := &fakeCaller{}
	runner := NewLLMStageRunner(caller, s, zap.NewNop(), 2)

	issues := []Issue{{BlockID: 2, Question: "Group 1 sample size", Reason: "lacks trace evidence", Stage: StageQA}}
	if _, _, err := runner.RunExportValidation(context.Background(), testDoc("trial.pdf"), fullCandidates(), issues, nil); err != nil {
		t.Fatalf("export validation: %v", err)
	}
	prompt := caller.requests[0].Prompt
	if !strings.Contains(prompt, "EXPORT VALIDATOR") {
		t.Fatalf("unexpected export prompt")
	}
	if !strings.Contains(prompt, "lacks trace evidence") {
		t.Fatalf("export prompt must list outstanding issues")
	}
}

func TestRecordItemSchemaRequiresQuestionKey(t *testing.T) {
	for _, s := range []*llm.Schema{extractionSchema, auditSchema, qaSchema} {
		found := false
		for _, req := range s.Items.Required {
			if req == "question_key" {
				found = true
			}
		}
		if !found {
			t.Fatalf("every stage schema must require question_key")
		}
	}
}
