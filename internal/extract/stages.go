package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joelkehle/mediextract/internal/jsonrepair"
	"github.com/joelkehle/mediextract/internal/llm"
	"github.com/joelkehle/mediextract/internal/schema"
)

// Document is one input file handed to the pipeline.
type Document struct {
	FileName  string
	Data      []byte
	MIMEType  string
	Size      int64
	PageCount int
}

// IsolationMode selects the supervisor prompt variant.
type IsolationMode string

const (
	IsolationPre  IsolationMode = "PRE"
	IsolationPost IsolationMode = "POST"
)

// StageRunner executes the model-calling stages. The pipeline depends on
// this interface so stage behavior is mockable in tests.
type StageRunner interface {
	RunIsolation(ctx context.Context, doc Document, mode IsolationMode, records []Record) (string, llm.TokenUsage, error)
	RunExtraction(ctx context.Context, doc Document, progress ProgressFn) ([]Record, llm.TokenUsage, error)
	RunAudit(ctx context.Context, doc Document, records []Record, progress ProgressFn) ([]Record, llm.TokenUsage, error)
	RunQA(ctx context.Context, doc Document, records []Record, progress ProgressFn) ([]Record, llm.TokenUsage, error)
	RunExportValidation(ctx context.Context, doc Document, records []Record, issues []Issue, progress ProgressFn) ([]Record, llm.TokenUsage, error)
}

// Per-stage thinking budgets. Later stages reason over more context and get
// more room.
const (
	isolationThinkingBudget = 2048
	extractThinkingBudget   = 4096
	auditThinkingBudget     = 4096
	qaThinkingBudget        = 8192
)

func recordItemSchema(withAudit, withQA bool) *llm.Schema {
	props := map[string]*llm.Schema{
		"block_id":     {Type: llm.TypeNumber},
		"section_name": {Type: llm.TypeString},
		"question_key": {Type: llm.TypeString},
		"question":     {Type: llm.TypeString},
		"answer":       {Type: llm.TypeString},
		"page_number":  {Type: llm.TypeString},
		"reasoning":    {Type: llm.TypeString},
	}
	required := []string{"block_id", "section_name", "question_key", "question", "answer", "page_number", "reasoning"}
	if withAudit {
		props["status"] = &llm.Schema{Type: llm.TypeString, Enum: []string{string(StatusVerified), string(StatusCorrected)}}
		props["original_answer"] = &llm.Schema{Type: llm.TypeString}
		props["auditor_notes"] = &llm.Schema{Type: llm.TypeString}
		required = append(required, "status", "auditor_notes")
	}
	if withQA {
		props["qa_status"] = &llm.Schema{Type: llm.TypeString, Enum: []string{string(QAPassed), string(QAFixed)}}
		props["qa_notes"] = &llm.Schema{Type: llm.TypeString}
		required = append(required, "qa_status", "qa_notes")
	}
	return &llm.Schema{
		Type:  llm.TypeArray,
		Items: &llm.Schema{Type: llm.TypeObject, Properties: props, Required: required},
	}
}

var (
	extractionSchema = recordItemSchema(false, false)
	auditSchema      = recordItemSchema(true, false)
	qaSchema         = recordItemSchema(true, true)
)

// LLMStageRunner runs stages against a model provider, chunking the schema
// into fixed-size block groups to bound prompt and response size.
type LLMStageRunner struct {
	caller    llm.Caller
	schema    *schema.Schema
	logger    *zap.Logger
	chunkSize int
}

func NewLLMStageRunner(caller llm.Caller, s *schema.Schema, logger *zap.Logger, chunkSize int) *LLMStageRunner {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMStageRunner{caller: caller, schema: s, logger: logger, chunkSize: chunkSize}
}

func (r *LLMStageRunner) generate(ctx context.Context, label string, doc Document, prompt string, respSchema *llm.Schema, budget int32) (*llm.Result, error) {
	return llm.CallWithRetry(ctx, r.logger, label, func(ctx context.Context) (*llm.Result, error) {
		return r.caller.Generate(ctx, llm.Request{
			Prompt: prompt,
			Document: &llm.DocumentPart{
				Data:     doc.Data,
				MIMEType: doc.MIMEType,
				FileName: doc.FileName,
			},
			ResponseSchema: respSchema,
			ThinkingBudget: budget,
		})
	})
}

func (r *LLMStageRunner) RunIsolation(ctx context.Context, doc Document, mode IsolationMode, records []Record) (string, llm.TokenUsage, error) {
	prompt := buildIsolationPrompt(doc.FileName, mode, records)
	res, err := r.generate(ctx, fmt.Sprintf("isolation_%s", mode), doc, prompt, nil, isolationThinkingBudget)
	if err != nil {
		return "", llm.TokenUsage{}, err
	}
	text := res.Text
	if text == "" {
		text = "Isolation check returned no output"
	}
	return text, res.Usage, nil
}

// runChunked executes one model call per block chunk and concatenates the
// parsed records. A chunk whose output cannot be parsed degrades to an empty
// list for that chunk; the validator synthesizes defaults downstream.
func (r *LLMStageRunner) runChunked(
	ctx context.Context,
	stage Stage,
	doc Document,
	respSchema *llm.Schema,
	budget int32,
	progress ProgressFn,
	buildPrompt func(chunk []schema.Block) string,
) ([]Record, llm.TokenUsage, error) {
	chunks := r.schema.BlockChunks(r.chunkSize)
	var all []Record
	var usage llm.TokenUsage

	for i, chunk := range chunks {
		prompt := buildPrompt(chunk)
		res, err := r.generate(ctx, fmt.Sprintf("%s[%d/%d]", stage, i+1, len(chunks)), doc, prompt, respSchema, budget)
		if err != nil {
			return nil, usage, err
		}
		items := jsonrepair.ParseOrFallback[[]Record](r.logger, res.Text, nil)
		if len(items) == 0 {
			r.logger.Warn("stage chunk produced no parseable records",
				zap.String("stage", string(stage)),
				zap.String("file", doc.FileName),
				zap.Int("chunk", i+1))
		}
		all = append(all, items...)
		usage.Add(res.Usage)
		if progress != nil {
			progress(stage, i+1, len(chunks))
		}
	}
	return all, usage, nil
}

func (r *LLMStageRunner) RunExtraction(ctx context.Context, doc Document, progress ProgressFn) ([]Record, llm.TokenUsage, error) {
	return r.runChunked(ctx, StageExtraction, doc, extractionSchema, extractThinkingBudget, progress, func(chunk []schema.Block) string {
		return buildExtractionPrompt(doc.FileName, r.schema, chunk)
	})
}

func (r *LLMStageRunner) RunAudit(ctx context.Context, doc Document, records []Record, progress ProgressFn) ([]Record, llm.TokenUsage, error) {
	byBlock := groupByBlock(records)
	return r.runChunked(ctx, StageAudit, doc, auditSchema, auditThinkingBudget, progress, func(chunk []schema.Block) string {
		return buildAuditPrompt(doc.FileName, chunk, byBlock)
	})
}

func (r *LLMStageRunner) RunQA(ctx context.Context, doc Document, records []Record, progress ProgressFn) ([]Record, llm.TokenUsage, error) {
	byBlock := groupByBlock(records)
	return r.runChunked(ctx, StageQA, doc, qaSchema, qaThinkingBudget, progress, func(chunk []schema.Block) string {
		return buildQAPrompt(doc.FileName, chunk, byBlock)
	})
}

func (r *LLMStageRunner) RunExportValidation(ctx context.Context, doc Document, records []Record, issues []Issue, progress ProgressFn) ([]Record, llm.TokenUsage, error) {
	byBlock := groupByBlock(records)
	issuesByBlock := map[int][]Issue{}
	for _, issue := range issues {
		issuesByBlock[issue.BlockID] = append(issuesByBlock[issue.BlockID], issue)
	}
	return r.runChunked(ctx, StageExportValidation, doc, qaSchema, qaThinkingBudget, progress, func(chunk []schema.Block) string {
		return buildExportValidationPrompt(doc.FileName, chunk, byBlock, issuesByBlock)
	})
}

func groupByBlock(records []Record) map[int][]Record {
	out := map[int][]Record{}
	for _, rec := range records {
		out[rec.BlockID] = append(out[rec.BlockID], rec)
	}
	return out
}

// --- prompt builders ---
// Pure functions: schema plus prior-stage records in, prompt text out.

func buildIsolationPrompt(fileName string, mode IsolationMode, records []Record) string {
	if mode == IsolationPre {
		return fmt.Sprintf(`You are the ISOLATION SUPERVISOR.
A new clinical document is being processed: %q.
TASK: Analyze the first 2 pages of this document. Identify the UNIQUE STUDY ID, TITLE, or authors.
Declare a "Strict Context Boundary".
From this point on, you must reject any information that does not belong to THIS specific study.
OUTPUT: A short declaration of isolation for this document.`, fileName)
	}
	blob, _ := json.MarshalIndent(records, "", "  ")
	return fmt.Sprintf(`You are the ISOLATION SUPERVISOR.
Current Document: %q.
TASK: Review the final results generated by the pipeline.
Ensure that 100%% of the data in the results below corresponds ONLY to document %q.
If you detect any data from other files or hallucinations, flag it.
RESULTS TO VERIFY:
%s
OUTPUT: "ISOLATION VERIFIED" or a list of contamination errors.`, fileName, fileName, blob)
}

func buildExtractionPrompt(fileName string, s *schema.Schema, chunk []schema.Block) string {
	sub := schema.Schema{TableName: s.TableName, Language: s.Language, Blocks: chunk}
	blob, _ := json.MarshalIndent(sub, "", "  ")
	return fmt.Sprintf(`EXPERT MEDICAL EXTRACTOR. File: %s. Blocks: %s.
STRICT RULE: ONLY EXTRACT FROM THIS FILE. DO NOT USE PRIOR KNOWLEDGE.
For every question, echo its "key" as question_key and its "label" as question, and give a page_number and reasoning citing where in the document the answer was found.
For questions with an "options" list, the answer must be copied verbatim from the options. Multi-select answers join options with "; ".
OUTPUT FORMAT: Return a valid JSON array matching the response schema.
SCHEMA: %s`, fileName, blockNumbers(chunk), blob)
}

func buildAuditPrompt(fileName string, chunk []schema.Block, byBlock map[int][]Record) string {
	data := collectChunkRecords(chunk, byBlock)
	blob, _ := json.MarshalIndent(data, "", "  ")
	return fmt.Sprintf(`STRICT MEDICAL AUDITOR. File: %s. Verify extraction results for blocks %s against the PDF.
Reject any data not explicitly found in this file. For each item set status VERIFIED or CORRECTED; when correcting, keep the prior value in original_answer and explain in auditor_notes.
OUTPUT FORMAT: Return a valid JSON array matching the response schema.
DATA: %s`, fileName, blockNumbers(chunk), blob)
}

func buildQAPrompt(fileName string, chunk []schema.Block, byBlock map[int][]Record) string {
	schemaBlob, _ := json.MarshalIndent(chunk, "", "  ")
	data := collectChunkRecords(chunk, byBlock)
	dataBlob, _ := json.MarshalIndent(data, "", "  ")
	return fmt.Sprintf(`FINAL QA AUTHORITY. File: %s. Ensure order and accuracy for blocks %s.
Check for any logical inconsistencies. Set qa_status PASSED or FIXED per item and explain fixes in qa_notes.
OUTPUT FORMAT: Return a valid JSON array matching the response schema.
SCHEMA BLOCKS: %s
AUDITED DATA: %s`, fileName, blockNumbers(chunk), schemaBlob, dataBlob)
}

func buildExportValidationPrompt(fileName string, chunk []schema.Block, byBlock map[int][]Record, issuesByBlock map[int][]Issue) string {
	data := collectChunkRecords(chunk, byBlock)
	dataBlob, _ := json.MarshalIndent(data, "", "  ")
	var issues []Issue
	for _, block := range chunk {
		issues = append(issues, issuesByBlock[block.Number]...)
	}
	issueBlob, _ := json.MarshalIndent(issues, "", "  ")
	return fmt.Sprintf(`EXPORT VALIDATOR. File: %s. This is the last check before the data is exported to a spreadsheet.
Re-check blocks %s against the PDF, paying particular attention to the outstanding validation issues listed below. Do not invent data: if the document does not support an answer, set it to "N/A".
OUTSTANDING ISSUES: %s
OUTPUT FORMAT: Return a valid JSON array matching the response schema.
DATA: %s`, fileName, blockNumbers(chunk), issueBlob, dataBlob)
}

func collectChunkRecords(chunk []schema.Block, byBlock map[int][]Record) []Record {
	var out []Record
	for _, block := range chunk {
		out = append(out, byBlock[block.Number]...)
	}
	return out
}

func blockNumbers(chunk []schema.Block) string {
	nums := make([]string, len(chunk))
	for i, block := range chunk {
		nums[i] = fmt.Sprintf("%d (%s)", block.Number, block.Name)
	}
	return strings.Join(nums, ", ")
}
