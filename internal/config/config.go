package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines extraction run configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	DB        DBConfig        `yaml:"db"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LLMConfig struct {
	Provider string `yaml:"provider"` // gemini or anthropic
	Model    string `yaml:"model"`
}

type PipelineConfig struct {
	SchemaPath   string   `yaml:"schema_path"`
	ChunkSize    int      `yaml:"chunk_size"`
	StageDelay   Duration `yaml:"stage_delay"`
	OutputDir    string   `yaml:"output_dir"`
	RenderReport bool     `yaml:"render_report"`
}

// Duration decodes YAML strings like "2s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Config{
		LLM: LLMConfig{
			Provider: "gemini",
		},
		Pipeline: PipelineConfig{
			SchemaPath:   "schema.json",
			ChunkSize:    2,
			StageDelay:   Duration(2 * time.Second),
			OutputDir:    "out",
			RenderReport: true,
		},
		DB: DBConfig{
			Path: "mediextract.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path := os.Getenv("MEDIEXTRACT_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if provider := os.Getenv("MEDIEXTRACT_LLM_PROVIDER"); provider != "" {
		cfg.LLM.Provider = provider
	}
	if model := os.Getenv("MEDIEXTRACT_LLM_MODEL"); model != "" {
		cfg.LLM.Model = model
	}
	if schemaPath := os.Getenv("MEDIEXTRACT_SCHEMA_PATH"); schemaPath != "" {
		cfg.Pipeline.SchemaPath = schemaPath
	}
	if chunkStr := os.Getenv("MEDIEXTRACT_CHUNK_SIZE"); chunkStr != "" {
		chunk, err := strconv.Atoi(chunkStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MEDIEXTRACT_CHUNK_SIZE: %w", err)
		}
		cfg.Pipeline.ChunkSize = chunk
	}
	if delayStr := os.Getenv("MEDIEXTRACT_STAGE_DELAY"); delayStr != "" {
		delay, err := time.ParseDuration(delayStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid MEDIEXTRACT_STAGE_DELAY: %w", err)
		}
		cfg.Pipeline.StageDelay = Duration(delay)
	}
	if outputDir := os.Getenv("MEDIEXTRACT_OUTPUT_DIR"); outputDir != "" {
		cfg.Pipeline.OutputDir = outputDir
	}
	if dbPath := os.Getenv("MEDIEXTRACT_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("MEDIEXTRACT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if endpoint := os.Getenv("MEDIEXTRACT_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Telemetry.OTLPEndpoint = endpoint
	}

	if cfg.LLM.Provider != "gemini" && cfg.LLM.Provider != "anthropic" {
		return Config{}, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.Pipeline.ChunkSize < 1 {
		return Config{}, fmt.Errorf("chunk size must be at least 1, got %d", cfg.Pipeline.ChunkSize)
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
