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
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joelkehle/mediextract/internal/config"
	"github.com/joelkehle/mediextract/internal/export"
	"github.com/joelkehle/mediextract/internal/extract"
	"github.com/joelkehle/mediextract/internal/history"
	"github.com/joelkehle/mediextract/internal/llm"
	"github.com/joelkehle/mediextract/internal/pdfinfo"
	"github.com/joelkehle/mediextract/internal/render"
	"github.com/joelkehle/mediextract/internal/schema"
	"github.com/joelkehle/mediextract/internal/telemetry"
)

func main() {
	schemaPath := flag.String("schema", "", "Extraction schema JSON (overrides config)")
	outDir := flag.String("out", "", "Output directory (overrides config)")
	dbPath := flag.String("db", "", "History database path (overrides config)")
	noRender := flag.Bool("no-report", false, "Skip PDF report rendering")
	flag.Parse()

	if flag.NArg() == 0 {
		log.Fatal("usage: mediextract [flags] <document.pdf> [more.pdf ...]")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *schemaPath != "" {
		cfg.Pipeline.SchemaPath = *schemaPath
	}
	if *outDir != "" {
		cfg.Pipeline.OutputDir = *outDir
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *noRender {
		cfg.Pipeline.RenderReport = false
	}

	logger, err := buildLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, flag.Args()); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, paths []string) error {
	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdown(context.Background())

	s, err := schema.Load(cfg.Pipeline.SchemaPath)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	logger.Info("schema loaded",
		zap.String("path", cfg.Pipeline.SchemaPath),
		zap.Int("blocks", len(s.Blocks)),
		zap.Int("questions", s.QuestionCount()))

	caller, err := buildCaller(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	docs, err := loadDocuments(logger, paths)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no readable PDF documents among %d inputs", len(paths))
	}

	if err := os.MkdirAll(cfg.Pipeline.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	store, err := history.Open(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	runner := extract.NewLLMStageRunner(caller, s, logger, cfg.Pipeline.ChunkSize)
	pipeline := extract.NewPipeline(runner, s, logger)
	pipeline.SetStageDelay(time.Duration(cfg.Pipeline.StageDelay))

	var renderer *render.ChromiumPDFRenderer
	if cfg.Pipeline.RenderReport {
		renderer = render.NewChromiumPDFRenderer()
	}

	progress := func(stage extract.Stage, current, total int) {
		logger.Info("stage progress",
			zap.String("stage", string(stage)),
			zap.Int("current", current),
			zap.Int("total", total))
	}

	results := pipeline.ProcessBatch(ctx, docs, progress, func(res extract.DocumentResult) {
		if err := store.Append(res); err != nil {
			logger.Warn("history append failed", zap.String("file", res.FileName), zap.Error(err))
		}
		writeDocumentOutputs(ctx, logger, cfg.Pipeline.OutputDir, renderer, res)
	})

	csvPath := filepath.Join(cfg.Pipeline.OutputDir, "extraction.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer f.Close()
	if err := export.WriteCSV(f, s, results); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	completed := 0
	for _, res := range results {
		if res.Status == extract.DocCompleted {
			completed++
		}
	}
	logger.Info("batch finished",
		zap.Int("documents", len(results)),
		zap.Int("completed", completed),
		zap.String("csv", csvPath))
	if completed < len(results) {
		return fmt.Errorf("%d of %d documents failed", len(results)-completed, len(results))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func buildCaller(ctx context.Context, cfg config.LLMConfig) (llm.Caller, error) {
	switch cfg.Provider {
	case "gemini":
		return llm.NewGeminiCallerFromEnv(ctx, cfg.Model)
	case "anthropic":
		return llm.NewAnthropicCallerFromEnv(cfg.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// loadDocuments reads and validates each PDF. Unreadable files are logged
// and skipped so one bad upload does not sink the batch.
func loadDocuments(logger *zap.Logger, paths []string) ([]extract.Document, error) {
	docs := make([]extract.Document, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		info, err := pdfinfo.Inspect(data)
		if err != nil {
			logger.Warn("skipping invalid pdf", zap.String("file", p), zap.Error(err))
			continue
		}
		docs = append(docs, extract.Document{
			FileName:  filepath.Base(p),
			Data:      data,
			MIMEType:  "application/pdf",
			Size:      info.Size,
			PageCount: info.PageCount,
		})
	}
	return docs, nil
}

func writeDocumentOutputs(ctx context.Context, logger *zap.Logger, outDir string, renderer *render.ChromiumPDFRenderer, res extract.DocumentResult) {
	base := strings.TrimSuffix(res.FileName, filepath.Ext(res.FileName))
	report := extract.BuildMarkdownReport(res)

	mdPath := filepath.Join(outDir, base+".report.md")
	if err := os.WriteFile(mdPath, []byte(report), 0o644); err != nil {
		logger.Warn("write markdown report failed", zap.String("file", res.FileName), zap.Error(err))
	}

	if renderer == nil {
		return
	}
	pdf, err := renderer.Render(ctx, "Extraction Report: "+res.FileName, report)
	if err != nil {
		logger.Warn("render pdf report failed", zap.String("file", res.FileName), zap.Error(err))
		return
	}
	pdfPath := filepath.Join(outDir, base+".report.pdf")
	if err := os.WriteFile(pdfPath, pdf, 0o644); err != nil {
		logger.Warn("write pdf report failed", zap.String("file", res.FileName), zap.Error(err))
	}
}
