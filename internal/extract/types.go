package extract

import (
	"time"

	"github.com/joelkehle/mediextract/internal/llm"
)

// Stage identifies one step of the per-document pipeline.
type Stage string

const (
	StageSupervisorPre    Stage = "supervisor_pre"
	StageExtraction       Stage = "extracting"
	StageAudit            Stage = "auditing"
	StageQA               Stage = "qa"
	StageSupervisorPost   Stage = "supervisor_post"
	StageExportValidation Stage = "export_validation"
)

type RecordStatus string

const (
	StatusVerified  RecordStatus = "VERIFIED"
	StatusCorrected RecordStatus = "CORRECTED"
)

type QAStatus string

const (
	QAPassed QAStatus = "PASSED"
	QAFixed  QAStatus = "FIXED"
)

// Record is one answer instance produced by a pipeline stage for one schema
// question. QuestionKey is the stable identity; Question carries the display
// label for prompts and export headers.
type Record struct {
	BlockID        int          `json:"block_id"`
	SectionName    string       `json:"section_name"`
	QuestionKey    string       `json:"question_key,omitempty"`
	Question       string       `json:"question"`
	Answer         string       `json:"answer"`
	PageNumber     string       `json:"page_number"`
	Reasoning      string       `json:"reasoning"`
	Status         RecordStatus `json:"status,omitempty"`
	OriginalAnswer string       `json:"original_answer,omitempty"`
	AuditorNotes   string       `json:"auditor_notes,omitempty"`
	QAStatus       QAStatus     `json:"qa_status,omitempty"`
	QANotes        string       `json:"qa_notes,omitempty"`
}

// Issue is a structured complaint describing why the validator corrected a
// record. Issues are produced and consumed within one validation pass.
type Issue struct {
	BlockID     int    `json:"block_id"`
	QuestionKey string `json:"question_key,omitempty"`
	Question    string `json:"question,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Reason      string `json:"reason"`
	Stage       Stage  `json:"stage"`
}

type DocumentStatus string

const (
	DocPending    DocumentStatus = "pending"
	DocProcessing DocumentStatus = "processing"
	DocCompleted  DocumentStatus = "completed"
	DocError      DocumentStatus = "error"
)

type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Type      LogLevel  `json:"type"`
}

// DocumentResult is the per-document pipeline state. It is owned by the
// orchestrating call and returned as a value; nothing mutates it through a
// shared batch slice.
type DocumentResult struct {
	ID             string          `json:"id"`
	FileName       string          `json:"fileName"`
	FileSize       int64           `json:"fileSize"`
	PageCount      int             `json:"pageCount,omitempty"`
	Status         DocumentStatus  `json:"status"`
	Records        []Record        `json:"results"`
	Logs           []LogEntry      `json:"logs"`
	IsolationCheck string          `json:"supervisorIsolationCheck,omitempty"`
	Usage          llm.TokenUsage  `json:"tokenUsage"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    time.Time       `json:"completedAt,omitzero"`
}

// Log appends a timestamped entry to the document's log.
func (d *DocumentResult) Log(level LogLevel, message string) {
	d.Logs = append(d.Logs, LogEntry{Timestamp: time.Now(), Message: message, Type: level})
}

// ProgressFn reports fractional stage progress (chunks completed over chunks
// total) for one document.
type ProgressFn func(stage Stage, current, total int)
