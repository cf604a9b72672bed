// Package export builds the wide tabular view of completed document results:
// one row per document, one column per schema question. Records are matched
// to questions through the same key-first lookup the validator uses, so
// export columns can never drift from validation identity.
package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/joelkehle/mediextract/internal/extract"
	"github.com/joelkehle/mediextract/internal/schema"
)

// Headers returns the column headers in canonical schema order, prefixed by
// the source file column.
func Headers(s *schema.Schema) []string {
	headers := []string{"Source File"}
	for _, ref := range s.Walk() {
		headers = append(headers, fmt.Sprintf("%s_%s", ref.Block.Name, ref.Question.Label))
	}
	return headers
}

// WideRow flattens one document result into a row aligned with Headers.
// Questions without a matching record yield "N/A".
func WideRow(s *schema.Schema, res extract.DocumentResult) []string {
	byKey := map[string]extract.Record{}
	byLabel := map[string]extract.Record{}
	for _, rec := range res.Records {
		if rec.QuestionKey != "" {
			key := schema.RecordKey(rec.BlockID, rec.QuestionKey)
			if _, ok := byKey[key]; !ok {
				byKey[key] = rec
			}
		}
		key := schema.RecordKey(rec.BlockID, rec.Question)
		if _, ok := byLabel[key]; !ok {
			byLabel[key] = rec
		}
	}

	row := []string{res.FileName}
	for _, ref := range s.Walk() {
		rec, ok := byKey[schema.RecordKey(ref.Block.Number, ref.Question.Key)]
		if !ok {
			rec, ok = byLabel[schema.RecordKey(ref.Block.Number, ref.Question.Label)]
		}
		if !ok {
			row = append(row, schema.SentinelNA)
			continue
		}
		row = append(row, rec.Answer)
	}
	return row
}

// WriteCSV writes the consolidated wide report for a set of results.
// Documents that did not complete are skipped; a partial or failed document
// never reaches the spreadsheet.
func WriteCSV(w io.Writer, s *schema.Schema, results []extract.DocumentResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Headers(s)); err != nil {
		return err
	}
	for _, res := range results {
		if res.Status != extract.DocCompleted {
			continue
		}
		if err := cw.Write(WideRow(s, res)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteDocumentCSV writes the single-document wide report.
func WriteDocumentCSV(w io.Writer, s *schema.Schema, res extract.DocumentResult) error {
	return WriteCSV(w, s, []extract.DocumentResult{res})
}
