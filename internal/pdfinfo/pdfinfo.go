// Package pdfinfo validates input PDFs and reads their page count
// before they are sent to the extraction pipeline.
package pdfinfo

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Info describes a validated PDF document.
type Info struct {
	PageCount int
	Size      int64
}

// Inspect validates the PDF bytes with relaxed parsing and returns the
// page count. Scanned uploads are frequently produced by flaky writers,
// so strict validation would reject documents that are still readable.
func Inspect(data []byte) (*Info, error) {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed

	if err := api.Validate(bytes.NewReader(data), cfg); err != nil {
		return nil, fmt.Errorf("validate pdf: %w", err)
	}
	count, err := api.PageCount(bytes.NewReader(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if count < 1 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	return &Info{PageCount: count, Size: int64(len(data))}, nil
}
