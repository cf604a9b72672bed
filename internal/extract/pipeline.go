package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joelkehle/mediextract/internal/llm"
	"github.com/joelkehle/mediextract/internal/schema"
)

// StageError marks which pipeline stage a document failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// StageNameFromError extracts the failing stage, or "pipeline" when the
// error carries none.
func StageNameFromError(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return string(se.Stage)
	}
	return "pipeline"
}

// DefaultStageDelay spaces out stages so back-to-back documents do not burst
// the provider's rate limiter.
const DefaultStageDelay = 2 * time.Second

// Pipeline sequences the per-document agent stages and the deterministic
// validator between them. Documents are processed one at a time; stages
// within a document are strictly sequential because each consumes the
// previous stage's validated output.
type Pipeline struct {
	runner     StageRunner
	schema     *schema.Schema
	logger     *zap.Logger
	tracer     trace.Tracer
	stageDelay time.Duration
}

func NewPipeline(runner StageRunner, s *schema.Schema, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		runner:     runner,
		schema:     s,
		logger:     logger,
		tracer:     otel.Tracer("mediextract/pipeline"),
		stageDelay: DefaultStageDelay,
	}
}

// SetStageDelay overrides the inter-stage pause. Zero disables it (tests).
func (p *Pipeline) SetStageDelay(d time.Duration) { p.stageDelay = d }

// ProcessBatch runs every document through the pipeline in order. A failed
// document is marked error and the batch continues; onDocument is invoked
// with each terminal result as it commits.
func (p *Pipeline) ProcessBatch(ctx context.Context, docs []Document, progress ProgressFn, onDocument func(DocumentResult)) []DocumentResult {
	results := make([]DocumentResult, 0, len(docs))
	for _, doc := range docs {
		if ctx.Err() != nil {
			break
		}
		res := p.ProcessDocument(ctx, doc, progress)
		if onDocument != nil {
			onDocument(res)
		}
		results = append(results, res)
	}
	return results
}

// ProcessDocument runs the full stage sequence for one document and returns
// its terminal state: completed with a fully normalized record set, or error.
// The result is owned by the caller; the pipeline holds no shared batch
// state.
func (p *Pipeline) ProcessDocument(ctx context.Context, doc Document, progress ProgressFn) DocumentResult {
	ctx, span := p.tracer.Start(ctx, "pipeline.document",
		trace.WithAttributes(attribute.String("file.name", doc.FileName), attribute.Int64("file.size", doc.Size)))
	defer span.End()

	res := DocumentResult{
		ID:        uuid.NewString(),
		FileName:  doc.FileName,
		FileSize:  doc.Size,
		PageCount: doc.PageCount,
		Status:    DocProcessing,
		StartedAt: time.Now(),
	}
	res.Log(LogInfo, fmt.Sprintf("Starting isolated processing for: %s", doc.FileName))

	records, err := p.runStages(ctx, doc, &res, progress)
	if err != nil {
		stage := StageNameFromError(err)
		span.RecordError(err)
		p.logger.Error("document processing failed",
			zap.String("file", doc.FileName),
			zap.String("stage", stage),
			zap.Error(err))
		res.Log(LogError, fmt.Sprintf("Error in %s: %v", stage, err))
		res.Status = DocError
		res.Error = err.Error()
		res.CompletedAt = time.Now()
		return res
	}

	res.Records = records
	res.Status = DocCompleted
	res.CompletedAt = time.Now()
	res.Log(LogSuccess, fmt.Sprintf("Processing complete: %d records, %d tokens", len(records), res.Usage.TotalTokens))
	span.SetAttributes(attribute.Int("records", len(records)), attribute.Int("tokens.total", res.Usage.TotalTokens))
	return res
}

func (p *Pipeline) runStages(ctx context.Context, doc Document, res *DocumentResult, progress ProgressFn) ([]Record, error) {
	// Isolation pre-check: declare the context boundary before any
	// extraction happens.
	emit(progress, StageSupervisorPre, 0, 1)
	preCheck, usage, err := p.runIsolation(ctx, doc, IsolationPre, nil)
	if err != nil {
		return nil, &StageError{Stage: StageSupervisorPre, Err: err}
	}
	res.Usage.Add(usage)
	res.Log(LogSuccess, fmt.Sprintf("Supervisor: %s", preCheck))
	emit(progress, StageSupervisorPre, 1, 1)
	p.pause()

	records, usage, err := p.runRecordStage(ctx, StageExtraction, func(ctx context.Context) ([]Record, llm.TokenUsage, error) {
		return p.runner.RunExtraction(ctx, doc, progress)
	})
	if err != nil {
		return nil, &StageError{Stage: StageExtraction, Err: err}
	}
	res.Usage.Add(usage)
	res.Log(LogInfo, fmt.Sprintf("Extractor: %d raw records.", len(records)))
	extracted := p.validateStage(res, StageExtraction, records)
	p.pause()

	records, usage, err = p.runRecordStage(ctx, StageAudit, func(ctx context.Context) ([]Record, llm.TokenUsage, error) {
		return p.runner.RunAudit(ctx, doc, extracted.Normalized, progress)
	})
	if err != nil {
		return nil, &StageError{Stage: StageAudit, Err: err}
	}
	res.Usage.Add(usage)
	res.Log(LogInfo, "Auditor: audit complete.")
	audited := p.validateStage(res, StageAudit, records)
	p.pause()

	records, usage, err = p.runRecordStage(ctx, StageQA, func(ctx context.Context) ([]Record, llm.TokenUsage, error) {
		return p.runner.RunQA(ctx, doc, audited.Normalized, progress)
	})
	if err != nil {
		return nil, &StageError{Stage: StageQA, Err: err}
	}
	res.Usage.Add(usage)
	res.Log(LogInfo, "QA: mandatory QA protocol complete.")
	checked := p.validateStage(res, StageQA, records)
	p.pause()

	emit(progress, StageSupervisorPost, 0, 1)
	postCheck, usage, err := p.runIsolation(ctx, doc, IsolationPost, checked.Normalized)
	if err != nil {
		return nil, &StageError{Stage: StageSupervisorPost, Err: err}
	}
	res.Usage.Add(usage)
	res.IsolationCheck = postCheck
	res.Log(LogSuccess, fmt.Sprintf("Supervisor (final isolation check): %s", postCheck))
	emit(progress, StageSupervisorPost, 1, 1)
	p.pause()

	records, usage, err = p.runRecordStage(ctx, StageExportValidation, func(ctx context.Context) ([]Record, llm.TokenUsage, error) {
		return p.runner.RunExportValidation(ctx, doc, checked.Normalized, checked.Issues, progress)
	})
	if err != nil {
		return nil, &StageError{Stage: StageExportValidation, Err: err}
	}
	res.Usage.Add(usage)

	// Final normalization pass: overflow-group suppression is silent here,
	// and the output order is the export column order.
	final := Validate(p.schema, records, StageExportValidation)
	if final.CorrectionCount > 0 {
		res.Log(LogWarning, fmt.Sprintf("Export validation corrected %d record(s).", final.CorrectionCount))
	}
	if !final.Valid {
		res.Log(LogWarning, fmt.Sprintf("%d validation issue(s) remain; affected answers were reset to N/A.", len(final.Issues)))
	}
	res.Log(LogSuccess, "Export validation passed. Dataset secured.")
	return final.Normalized, nil
}

// validateStage runs the deterministic validator on a stage's output,
// logging corrections and issues to the document.
func (p *Pipeline) validateStage(res *DocumentResult, stage Stage, records []Record) ValidationResult {
	vr := Validate(p.schema, records, stage)
	if vr.CorrectionCount > 0 {
		res.Log(LogWarning, fmt.Sprintf("Validator corrected %d record(s) after %s.", vr.CorrectionCount, stage))
	}
	for _, issue := range vr.Issues {
		p.logger.Debug("validation issue",
			zap.String("stage", string(stage)),
			zap.Int("block", issue.BlockID),
			zap.String("question", issue.Question),
			zap.String("reason", issue.Reason))
	}
	return vr
}

func (p *Pipeline) runIsolation(ctx context.Context, doc Document, mode IsolationMode, records []Record) (string, llm.TokenUsage, error) {
	stage := StageSupervisorPre
	if mode == IsolationPost {
		stage = StageSupervisorPost
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()
	text, usage, err := p.runner.RunIsolation(ctx, doc, mode, records)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("tokens.total", usage.TotalTokens))
	return text, usage, err
}

func (p *Pipeline) runRecordStage(ctx context.Context, stage Stage, fn func(context.Context) ([]Record, llm.TokenUsage, error)) ([]Record, llm.TokenUsage, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("stage", string(stage))))
	defer span.End()
	records, usage, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("tokens.total", usage.TotalTokens), attribute.Int("records", len(records)))
	return records, usage, err
}

// pause is the inter-stage delay. A plain sleep: a document cannot be
// aborted mid-flight, only between documents.
func (p *Pipeline) pause() {
	if p.stageDelay > 0 {
		time.Sleep(p.stageDelay)
	}
}

func emit(progress ProgressFn, stage Stage, current, total int) {
	if progress != nil {
		progress(stage, current, total)
	}
}
