package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joelkehle/mediextract/internal/export"
	"github.com/joelkehle/mediextract/internal/extract"
	"github.com/joelkehle/mediextract/internal/history"
	"github.com/joelkehle/mediextract/internal/render"
	"github.com/joelkehle/mediextract/internal/schema"
)

func main() {
	dbPath := flag.String("db", "mediextract.db", "History database path")
	fileName := flag.String("file", "", "Rebuild reports for this source file only")
	schemaPath := flag.String("schema", "", "Schema JSON; enables CSV rebuild when set")
	outDir := flag.String("out", "out", "Output directory")
	pdf := flag.Bool("pdf", false, "Also render PDF reports via headless Chromium")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := history.Open(*dbPath)
	if err != nil {
		log.Fatalf("open history: %v", err)
	}
	defer store.Close()

	var results []extract.DocumentResult
	if *fileName != "" {
		results, err = store.FindByFileName(*fileName)
	} else {
		results, err = store.List()
	}
	if err != nil {
		log.Fatalf("load history: %v", err)
	}
	if len(results) == 0 {
		log.Fatal("no matching results in history")
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalf("create output dir: %v", err)
	}

	var renderer *render.ChromiumPDFRenderer
	if *pdf {
		renderer = render.NewChromiumPDFRenderer()
	}

	for _, res := range results {
		if err := rebuild(ctx, *outDir, renderer, res); err != nil {
			log.Fatalf("rebuild %s: %v", res.FileName, err)
		}
	}

	if *schemaPath != "" {
		s, err := schema.Load(*schemaPath)
		if err != nil {
			log.Fatalf("load schema: %v", err)
		}
		csvPath := filepath.Join(*outDir, "extraction.csv")
		f, err := os.Create(csvPath)
		if err != nil {
			log.Fatalf("create csv: %v", err)
		}
		defer f.Close()
		if err := export.WriteCSV(f, s, results); err != nil {
			log.Fatalf("write csv: %v", err)
		}
		fmt.Printf("wrote %s\n", csvPath)
	}
}

func rebuild(ctx context.Context, outDir string, renderer *render.ChromiumPDFRenderer, res extract.DocumentResult) error {
	base := strings.TrimSuffix(res.FileName, filepath.Ext(res.FileName)) + "." + res.ID[:8]
	report := extract.BuildMarkdownReport(res)

	mdPath := filepath.Join(outDir, base+".report.md")
	if err := os.WriteFile(mdPath, []byte(report), 0o644); err != nil {
		return fmt.Errorf("write markdown: %w", err)
	}
	fmt.Printf("wrote %s\n", mdPath)

	if renderer == nil {
		return nil
	}
	pdfBytes, err := renderer.Render(ctx, "Extraction Report: "+res.FileName, report)
	if err != nil {
		return fmt.Errorf("render pdf: %w", err)
	}
	pdfPath := filepath.Join(outDir, base+".report.pdf")
	if err := os.WriteFile(pdfPath, pdfBytes, 0o644); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	fmt.Printf("wrote %s\n", pdfPath)
	return nil
}
