// Package history persists completed document results. The store is
// append-only: entries are keyed by nothing stronger than file name plus
// completion time, and reads apply no dedup or integrity constraints.
package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/joelkehle/mediextract/internal/extract"
	"github.com/joelkehle/mediextract/internal/llm"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS document_results (
	id              TEXT NOT NULL,
	file_name       TEXT NOT NULL,
	file_size       INTEGER NOT NULL DEFAULT 0,
	page_count      INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	records         TEXT NOT NULL DEFAULT '[]',
	logs            TEXT NOT NULL DEFAULT '[]',
	isolation_check TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	prompt_tokens   INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	total_tokens    INTEGER NOT NULL DEFAULT 0,
	started_at      TEXT NOT NULL,
	completed_at    TEXT NOT NULL
);
`

// Store is a SQLite-backed history of pipeline runs.
type Store struct {
	db *sqlx.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append writes one terminal document result. Records and logs are stored
// as JSON blobs; the tabular view is rebuilt from them at export time.
func (s *Store) Append(res extract.DocumentResult) error {
	records, err := json.Marshal(res.Records)
	if err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}
	logs, err := json.Marshal(res.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO document_results
			(id, file_name, file_size, page_count, status, records, logs, isolation_check, error,
			 prompt_tokens, output_tokens, total_tokens, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.FileName, res.FileSize, res.PageCount, string(res.Status),
		string(records), string(logs), res.IsolationCheck, res.Error,
		res.Usage.PromptTokens, res.Usage.OutputTokens, res.Usage.TotalTokens,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert document result: %w", err)
	}
	return nil
}

// List returns every stored result, most recently completed first.
func (s *Store) List() ([]extract.DocumentResult, error) {
	rows, err := s.db.Query(`
		SELECT id, file_name, file_size, page_count, status, records, logs, isolation_check, error,
		       prompt_tokens, output_tokens, total_tokens, started_at, completed_at
		FROM document_results
		ORDER BY completed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []extract.DocumentResult
	for rows.Next() {
		var (
			res                   extract.DocumentResult
			status                string
			records, logs         string
			startedAt, completed  string
			prompt, output, total int
		)
		if err := rows.Scan(&res.ID, &res.FileName, &res.FileSize, &res.PageCount, &status,
			&records, &logs, &res.IsolationCheck, &res.Error,
			&prompt, &output, &total, &startedAt, &completed); err != nil {
			return nil, err
		}
		res.Status = extract.DocumentStatus(status)
		res.Usage = llm.TokenUsage{PromptTokens: prompt, OutputTokens: output, TotalTokens: total}
		if err := json.Unmarshal([]byte(records), &res.Records); err != nil {
			return nil, fmt.Errorf("decode records for %s: %w", res.FileName, err)
		}
		if err := json.Unmarshal([]byte(logs), &res.Logs); err != nil {
			return nil, fmt.Errorf("decode logs for %s: %w", res.FileName, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			res.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, completed); err == nil {
			res.CompletedAt = t
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// FindByFileName returns stored results for one file, newest first.
func (s *Store) FindByFileName(fileName string) ([]extract.DocumentResult, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []extract.DocumentResult
	for _, res := range all {
		if res.FileName == fileName {
			out = append(out, res)
		}
	}
	return out, nil
}
