// Package schema holds the question-schema model: ordered blocks of ordered
// sections of ordered questions. The schema is versioned external data; all
// structure is derived from it at call time so schema edits never require
// code changes.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	TypeText         = "text"
	TypeSingleSelect = "single_select"
	TypeMultiSelect  = "multi_select"
)

// Sentinel option values. Their presence in an option set changes
// normalization behavior.
const (
	SentinelNA           = "N/A"
	SentinelNotDescribed = "Not described"
)

// MultiSelectSeparator joins and splits multi-select answer values.
const MultiSelectSeparator = "; "

type Question struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Type        string   `json:"type"`
	Options     []string `json:"options,omitempty"`
	Default     string   `json:"default,omitempty"`
	Locked      bool     `json:"locked,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
}

type Section struct {
	Name      string     `json:"section_name"`
	Questions []Question `json:"questions"`
}

type Block struct {
	Number      int       `json:"block_number"`
	Name        string    `json:"block_name"`
	Sections    []Section `json:"sections"`
	Description string    `json:"description,omitempty"`
	Notes       string    `json:"notes,omitempty"`
}

type Schema struct {
	TableName string  `json:"table_name,omitempty"`
	Language  string  `json:"language,omitempty"`
	Blocks    []Block `json:"blocks"`
}

// Load reads and verifies a schema from a JSON file.
func Load(path string) (*Schema, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(blob)
}

// Parse decodes a schema from JSON and verifies its structural invariants.
func Parse(blob []byte) (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	if len(s.Blocks) == 0 {
		return nil, fmt.Errorf("schema has no blocks")
	}
	if err := s.verify(); err != nil {
		return nil, err
	}
	return &s, nil
}

// verify enforces the invariants the validator depends on: unique keys per
// block, unique (block, label) pairs, no duplicate options.
func (s *Schema) verify() error {
	for _, block := range s.Blocks {
		keys := map[string]bool{}
		labels := map[string]bool{}
		for _, section := range block.Sections {
			for _, q := range section.Questions {
				if strings.TrimSpace(q.Key) == "" {
					return fmt.Errorf("block %d: question with empty key", block.Number)
				}
				if keys[q.Key] {
					return fmt.Errorf("block %d: duplicate question key %q", block.Number, q.Key)
				}
				keys[q.Key] = true
				label := NormalizeCompare(q.Label)
				if labels[label] {
					return fmt.Errorf("block %d: duplicate question label %q", block.Number, q.Label)
				}
				labels[label] = true
				seen := map[string]bool{}
				for _, opt := range q.Options {
					if seen[opt] {
						return fmt.Errorf("block %d question %q: duplicate option %q", block.Number, q.Key, opt)
					}
					seen[opt] = true
				}
			}
		}
	}
	return nil
}

// QuestionRef is one question in its canonical position.
type QuestionRef struct {
	Block    Block
	Section  Section
	Question Question
	// Index is the question's position in the canonical traversal.
	Index int
}

// Walk returns every question in canonical (block, section, question) order.
func (s *Schema) Walk() []QuestionRef {
	var refs []QuestionRef
	for _, block := range s.Blocks {
		for _, section := range block.Sections {
			for _, q := range section.Questions {
				refs = append(refs, QuestionRef{Block: block, Section: section, Question: q, Index: len(refs)})
			}
		}
	}
	return refs
}

// QuestionCount reports the total number of questions across all blocks.
func (s *Schema) QuestionCount() int {
	n := 0
	for _, block := range s.Blocks {
		for _, section := range block.Sections {
			n += len(section.Questions)
		}
	}
	return n
}

// BlockChunks splits the blocks into chunks of at most size blocks each.
// Model-calling stages process one chunk per call to bound prompt size.
func (s *Schema) BlockChunks(size int) [][]Block {
	if size <= 0 {
		size = 1
	}
	var chunks [][]Block
	for start := 0; start < len(s.Blocks); start += size {
		end := start + size
		if end > len(s.Blocks) {
			end = len(s.Blocks)
		}
		chunks = append(chunks, s.Blocks[start:end])
	}
	return chunks
}

// IsMultiSelect reports whether a question type is multi-select, accepting
// the "multiple_select" spelling some schema versions use.
func IsMultiSelect(questionType string) bool {
	t := NormalizeCompare(questionType)
	return t == TypeMultiSelect || t == "multiple_select"
}

// IsNA reports whether a value is the N/A sentinel.
func IsNA(value string) bool {
	return NormalizeCompare(value) == "n/a"
}

// IsNotDescribed reports whether a value is the "Not described" sentinel.
func IsNotDescribed(value string) bool {
	return NormalizeCompare(value) == "not described"
}

// NormalizeText trims surrounding whitespace.
func NormalizeText(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeCompare lowercases and trims a value for identity comparison.
func NormalizeCompare(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// RecordKey builds the lookup key used to match answer records to schema
// questions. The validator and the export layer must use this same key so
// their matching never diverges.
func RecordKey(blockID int, text string) string {
	return fmt.Sprintf("%d::%s", blockID, NormalizeCompare(text))
}

// DefaultAnswer returns the value a synthesized record carries when no
// candidate answered the question: the schema default when declared,
// otherwise the N/A sentinel (or "Not described" when the option set has
// that sentinel but not N/A).
func DefaultAnswer(q Question) string {
	if d := NormalizeText(q.Default); d != "" {
		return d
	}
	if len(q.Options) > 0 {
		for _, opt := range q.Options {
			if IsNA(opt) {
				return opt
			}
		}
		for _, opt := range q.Options {
			if IsNotDescribed(opt) {
				return opt
			}
		}
	}
	return SentinelNA
}
