package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/joelkehle/mediextract/internal/schema"
)

// minReasoningChars is the evidence threshold: a non-N/A answer whose
// reasoning is this short is indistinguishable from hallucination.
const minReasoningChars = 8

// groupCountLabel is the question whose answer declares how many comparative
// groups the source document describes.
const groupCountLabel = "number of comparative groups described"

// groupRefPattern finds "group N" references in question labels. The
// word-boundary match is a known-good-enough heuristic; changing it changes
// which fields get auto-suppressed, which is user-visible data.
var groupRefPattern = regexp.MustCompile(`(?i)\bgroup\s+(\d+)\b`)

var leadingIntPattern = regexp.MustCompile(`^\s*(\d+)`)

// ValidationResult is the outcome of one deterministic validation pass.
type ValidationResult struct {
	Normalized      []Record `json:"normalized"`
	Issues          []Issue  `json:"issues"`
	CorrectionCount int      `json:"correctionCount"`
	Valid           bool     `json:"valid"`
}

// Validate normalizes candidate records against the schema: every question
// answered exactly once, canonical order, option-conformant values, trace
// evidence on every non-N/A answer, and overflow group fields suppressed.
// It is a pure single forward pass with no I/O; re-running a pipeline stage
// on failure is the orchestrator's job, not this function's.
//
// Validate is idempotent: applying it to its own output yields zero
// corrections.
func Validate(s *schema.Schema, candidates []Record, stage Stage) ValidationResult {
	v := &validation{stage: stage}
	v.index(candidates)
	v.checkOrder(s, candidates)
	v.reconstruct(s)
	v.suppressOverflowGroups()
	return ValidationResult{
		Normalized:      v.out,
		Issues:          v.issues,
		CorrectionCount: v.corrections,
		Valid:           len(v.issues) == 0,
	}
}

type validation struct {
	stage       Stage
	byKey       map[string]Record
	byLabel     map[string]Record
	out         []Record
	outQuestion []schema.Question
	issues      []Issue
	corrections int
}

func (v *validation) addIssue(blockID int, q schema.Question, answer, reason string) {
	v.issues = append(v.issues, Issue{
		BlockID:     blockID,
		QuestionKey: q.Key,
		Question:    q.Label,
		Answer:      answer,
		Reason:      reason,
		Stage:       v.stage,
	})
}

// index builds the candidate lookups keyed by stable question key and by
// display label. Duplicate keys are reported once per affected block; they
// are not merged, and the first occurrence wins downstream.
func (v *validation) index(candidates []Record) {
	v.byKey = map[string]Record{}
	v.byLabel = map[string]Record{}
	dupBlocks := map[int]bool{}

	for _, rec := range candidates {
		if k := schema.NormalizeText(rec.QuestionKey); k != "" {
			key := schema.RecordKey(rec.BlockID, k)
			if _, dup := v.byKey[key]; dup {
				dupBlocks[rec.BlockID] = true
			} else {
				v.byKey[key] = rec
			}
		}
		key := schema.RecordKey(rec.BlockID, rec.Question)
		if _, dup := v.byLabel[key]; dup {
			dupBlocks[rec.BlockID] = true
		} else {
			v.byLabel[key] = rec
		}
	}

	for blockID := range dupBlocks {
		v.issues = append(v.issues, Issue{
			BlockID: blockID,
			Reason:  fmt.Sprintf("Duplicate answers for the same question in block %d; first occurrence wins", blockID),
			Stage:   v.stage,
		})
	}
}

// checkOrder walks the candidates in their given order and compares each
// against its canonical schema position. The first inversion produces a
// single misordering issue and stops the scan; one inversion is enough
// signal, enumerating the rest adds nothing.
func (v *validation) checkOrder(s *schema.Schema, candidates []Record) {
	expected := map[string]int{}
	for _, ref := range s.Walk() {
		expected[schema.RecordKey(ref.Block.Number, ref.Question.Key)] = ref.Index
		expected[schema.RecordKey(ref.Block.Number, ref.Question.Label)] = ref.Index
	}

	prev := -1
	for _, rec := range candidates {
		idx, ok := expected[schema.RecordKey(rec.BlockID, rec.QuestionKey)]
		if !ok {
			idx, ok = expected[schema.RecordKey(rec.BlockID, rec.Question)]
		}
		if !ok {
			continue
		}
		if idx < prev {
			v.issues = append(v.issues, Issue{
				BlockID:  rec.BlockID,
				Question: rec.Question,
				Reason:   fmt.Sprintf("Records are misordered: %q appears after a later question", rec.Question),
				Stage:    v.stage,
			})
			return
		}
		prev = idx
	}
}

// resolve finds the candidate for a question, stable key first, display
// label as fallback. The fallback exists because models sometimes echo the
// label where the key was requested, and vice versa.
func (v *validation) resolve(blockID int, q schema.Question) (Record, bool) {
	if rec, ok := v.byKey[schema.RecordKey(blockID, q.Key)]; ok {
		return rec, true
	}
	if rec, ok := v.byLabel[schema.RecordKey(blockID, q.Label)]; ok {
		return rec, true
	}
	// A model may also echo the key into the label position.
	if rec, ok := v.byLabel[schema.RecordKey(blockID, q.Key)]; ok {
		return rec, true
	}
	return Record{}, false
}

// reconstruct iterates the schema in canonical order and emits exactly one
// resolved-or-synthesized record per question. This guarantees column-stable
// export regardless of candidate order or coverage.
func (v *validation) reconstruct(s *schema.Schema) {
	for _, ref := range s.Walk() {
		block, section, q := ref.Block, ref.Section, ref.Question

		source, found := v.resolve(block.Number, q)
		rec := Record{
			BlockID:     block.Number,
			SectionName: section.Name,
			QuestionKey: q.Key,
			Question:    q.Label,
			Status:      StatusVerified,
		}
		if found {
			rec.Answer = schema.NormalizeText(source.Answer)
			rec.PageNumber = schema.NormalizeText(source.PageNumber)
			rec.Reasoning = schema.NormalizeText(source.Reasoning)
			if source.Status != "" {
				rec.Status = source.Status
			}
			rec.OriginalAnswer = source.OriginalAnswer
			rec.AuditorNotes = schema.NormalizeText(source.AuditorNotes)
			rec.QAStatus = source.QAStatus
			rec.QANotes = source.QANotes
		}

		if !found || isEmptyAnswer(rec.Answer) {
			v.addIssue(block.Number, q, rec.Answer, fmt.Sprintf("Required question %q is empty/undefined/null", q.Label))
			v.forceDefault(&rec, q, "no usable answer; filled with default")
			v.out = append(v.out, rec)
			v.outQuestion = append(v.outQuestion, q)
			continue
		}

		if len(q.Options) > 0 && !schema.IsNA(rec.Answer) {
			if schema.IsMultiSelect(q.Type) {
				if reason, ok := checkMultiSelect(rec.Answer, q.Options); !ok {
					v.addIssue(block.Number, q, rec.Answer, reason)
					v.forceNA(&rec, "answer rejected: "+reason)
					v.out = append(v.out, rec)
					v.outQuestion = append(v.outQuestion, q)
					continue
				}
			} else if !containsExact(q.Options, rec.Answer) {
				v.addIssue(block.Number, q, rec.Answer, fmt.Sprintf("Answer %q does not exactly match allowed options", rec.Answer))
				v.forceNA(&rec, "answer does not match any allowed option")
				v.out = append(v.out, rec)
				v.outQuestion = append(v.outQuestion, q)
				continue
			}
		}

		if requiresTrace(rec, q) && missingTrace(rec) {
			v.addIssue(block.Number, q, rec.Answer, fmt.Sprintf("Answer %q lacks trace evidence (page reference and reasoning)", rec.Answer))
			v.forceNA(&rec, "missing trace evidence")
		}

		v.out = append(v.out, rec)
		v.outQuestion = append(v.outQuestion, q)
	}
}

// suppressOverflowGroups forces to N/A every answer for a question whose
// label references a comparative group numbered beyond the declared count.
// At the export stage this is expected structural behavior and raises no
// issue; at earlier stages it raises one so a targeted re-check can run
// instead of silently discarding data the model may have failed to declare.
func (v *validation) suppressOverflowGroups() {
	count, ok := v.declaredGroupCount()
	if !ok {
		return
	}
	for i := range v.out {
		rec := &v.out[i]
		if schema.IsNA(rec.Answer) {
			continue
		}
		m := groupRefPattern.FindStringSubmatch(rec.Question)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= count {
			continue
		}
		if v.stage != StageExportValidation {
			v.addIssue(rec.BlockID, v.outQuestion[i], rec.Answer,
				fmt.Sprintf("Question references group %d but only %d group(s) are declared", n, count))
		}
		rec.OriginalAnswer = rec.Answer
		rec.Answer = schema.SentinelNA
		rec.Status = StatusCorrected
		rec.AuditorNotes = appendNote(rec.AuditorNotes, fmt.Sprintf("suppressed: group %d exceeds declared count %d", n, count))
		v.corrections++
	}
}

// declaredGroupCount extracts the leading integer of the group-count
// question's resolved answer.
func (v *validation) declaredGroupCount() (int, bool) {
	for _, rec := range v.out {
		if schema.NormalizeCompare(rec.Question) != groupCountLabel {
			continue
		}
		m := leadingIntPattern.FindStringSubmatch(rec.Answer)
		if m == nil {
			return 0, false
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func (v *validation) forceDefault(rec *Record, q schema.Question, note string) {
	rec.Answer = schema.DefaultAnswer(q)
	rec.PageNumber = schema.SentinelNA
	rec.Reasoning = schema.SentinelNA
	rec.Status = StatusCorrected
	rec.AuditorNotes = appendNote(rec.AuditorNotes, note)
	v.corrections++
}

func (v *validation) forceNA(rec *Record, note string) {
	if rec.OriginalAnswer == "" {
		rec.OriginalAnswer = rec.Answer
	}
	rec.Answer = schema.SentinelNA
	rec.PageNumber = schema.SentinelNA
	rec.Reasoning = schema.SentinelNA
	rec.Status = StatusCorrected
	rec.AuditorNotes = appendNote(rec.AuditorNotes, note)
	v.corrections++
}

func isEmptyAnswer(answer string) bool {
	switch schema.NormalizeCompare(answer) {
	case "", "null", "undefined":
		return true
	}
	return false
}

// checkMultiSelect verifies a semicolon-delimited multi-select answer: every
// part an allowed option, parts pairwise distinct, and the N/A sentinel
// exclusive when present.
func checkMultiSelect(answer string, options []string) (string, bool) {
	parts := strings.Split(answer, ";")
	seen := map[string]bool{}
	hasNA := false
	for i := range parts {
		part := schema.NormalizeText(parts[i])
		if part == "" {
			return "Multi-select answer has an empty selection", false
		}
		if !containsExact(options, part) {
			return fmt.Sprintf("Selection %q does not exactly match allowed options", part), false
		}
		if seen[part] {
			return fmt.Sprintf("Selection %q appears more than once", part), false
		}
		seen[part] = true
		if schema.IsNA(part) {
			hasNA = true
		}
	}
	if hasNA && len(seen) > 1 {
		return "N/A cannot be combined with other selections", false
	}
	return "", true
}

// requiresTrace reports whether an answer must carry supporting evidence.
// Sentinel answers carry none by definition, and a value matching the
// question's declared schema default is configuration, not extraction.
func requiresTrace(rec Record, q schema.Question) bool {
	if schema.IsNA(rec.Answer) || schema.IsNotDescribed(rec.Answer) {
		return false
	}
	if d := schema.NormalizeText(q.Default); d != "" && rec.Answer == d {
		return false
	}
	return true
}

// missingTrace reports whether a non-sentinel answer lacks supporting
// evidence: a locatable page reference and a reasoning string past the
// minimal length.
func missingTrace(rec Record) bool {
	page := schema.NormalizeText(rec.PageNumber)
	if page == "" || schema.IsNA(page) || schema.IsNotDescribed(page) {
		return true
	}
	return len(schema.NormalizeText(rec.Reasoning)) <= minReasoningChars
}

func containsExact(options []string, value string) bool {
	for _, opt := range options {
		if opt == value {
			return true
		}
	}
	return false
}

func appendNote(existing, note string) string {
	note = "[Validator] " + note
	if existing == "" {
		return note
	}
	return existing + " | " + note
}
