// Package config assembles the pipeline's typed Config from defaults, an
// optional YAML overlay, and environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/docflow/idp-core/internal/resilience"
)

// ServerConfig controls the status query API (C11).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// TrackingStoreConfig controls the PostgREST-style data-API client that
// fronts the tracking store's Postgres instance, plus the schema-migration
// settings used at process startup.
type TrackingStoreConfig struct {
	BaseURL        string `json:"base_url" env:"TRACKING_STORE_URL"`
	ServiceRoleKey string `json:"service_role_key" env:"TRACKING_STORE_SERVICE_ROLE_KEY"`
	MigrationsDSN  string `json:"migrations_dsn" env:"TRACKING_STORE_MIGRATIONS_DSN"`
	MigrateOnStart bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"TRACKING_STORE_MIGRATE_ON_START"`
	MaxOpenConns   int    `json:"max_open_conns" env:"TRACKING_STORE_MAX_OPEN_CONNS"`
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`
	Format string `json:"format" env:"LOG_FORMAT"`
}

// BlobStoreConfig controls the C1 content-addressed blob gateway.
type BlobStoreConfig struct {
	Bucket          string `json:"bucket" env:"BLOB_BUCKET"`
	Region          string `json:"region" env:"BLOB_REGION"`
	Endpoint        string `json:"endpoint" env:"BLOB_ENDPOINT"`
	NotFoundRetryMs int    `json:"not_found_retry_ms" yaml:"not_found_retry_ms" env:"BLOB_NOT_FOUND_RETRY_MS"`
}

// QueueConfig controls the AMQP work queue used by intake/admission (C3).
type QueueConfig struct {
	URL              string `json:"url" env:"QUEUE_URL"`
	IngestQueue      string `json:"ingest_queue" yaml:"ingest_queue" env:"QUEUE_INGEST_NAME"`
	AdmissionQueue   string `json:"admission_queue" yaml:"admission_queue" env:"QUEUE_ADMISSION_NAME"`
	DeadLetterQueue  string `json:"dead_letter_queue" yaml:"dead_letter_queue" env:"QUEUE_DEAD_LETTER_NAME"`
	VisibilityTimeMs int    `json:"visibility_timeout_ms" yaml:"visibility_timeout_ms" env:"QUEUE_VISIBILITY_TIMEOUT_MS"`
}

// AdmissionConfig controls the global concurrency gate (C3).
type AdmissionConfig struct {
	RedisAddr          string `json:"redis_addr" yaml:"redis_addr" env:"ADMISSION_REDIS_ADDR"`
	MaxInFlight        int    `json:"max_in_flight" yaml:"max_in_flight" env:"ADMISSION_MAX_IN_FLIGHT"`
	QueueWatermarkHigh int    `json:"queue_watermark_high" yaml:"queue_watermark_high" env:"ADMISSION_QUEUE_WATERMARK_HIGH"`
}

// ReaperConfig controls the stale-run reaper's sweep schedule.
type ReaperConfig struct {
	Schedule     string `json:"schedule" yaml:"schedule" env:"REAPER_SCHEDULE"`
	StaleAfterMs int    `json:"stale_after_ms" yaml:"stale_after_ms" env:"REAPER_STALE_AFTER_MS"`
	BatchLimit   int    `json:"batch_limit" yaml:"batch_limit" env:"REAPER_BATCH_LIMIT"`
}

// RetryConfig controls the default stage retry discipline (§5).
type RetryConfig struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS"`
	BaseMs      int     `json:"base_ms" yaml:"base_ms" env:"RETRY_BASE_MS"`
	CapMs       int     `json:"cap_ms" yaml:"cap_ms" env:"RETRY_CAP_MS"`
	JitterFrac  float64 `json:"jitter_frac" yaml:"jitter_frac" env:"RETRY_JITTER_FRAC"`
}

// Resilience converts the §6 base/cap/jitter retry knobs into
// resilience.RetryConfig's backoff/v4-shaped fields, so every stage's
// Config can be built straight from one RetryConfig value without each
// cmd entrypoint repeating the field mapping.
func (c RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: time.Duration(c.BaseMs) * time.Millisecond,
		MaxDelay:     time.Duration(c.CapMs) * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       c.JitterFrac,
	}
}

// CompressionConfig controls the document-payload compression contract
// (C2).
type CompressionConfig struct {
	ThresholdBytes int `json:"threshold_bytes" yaml:"threshold_bytes" env:"COMPRESSION_THRESHOLD_BYTES"`
}

// ProviderConfig configures a single registered provider binding.
type ProviderConfig struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k" yaml:"top_k"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`
	RPS         float64 `json:"rps"`
	TimeoutMs   int     `json:"timeout_ms" yaml:"timeout_ms"`
}

// ProvidersConfig groups provider bindings per stage capability.
type ProvidersConfig struct {
	OCR          ProviderConfig `json:"ocr_page" yaml:"ocr_page"`
	Classify     ProviderConfig `json:"classify_pages" yaml:"classify_pages"`
	Extract      ProviderConfig `json:"extract_section" yaml:"extract_section"`
	Assess       ProviderConfig `json:"assess_section" yaml:"assess_section"`
	Evaluate     ProviderConfig `json:"evaluate_attribute" yaml:"evaluate_attribute"`
	Summarize    ProviderConfig `json:"summarize_section" yaml:"summarize_section"`
	RuleValidate ProviderConfig `json:"rule_validate" yaml:"rule_validate"`
}

// ClassificationConfig controls C6.
type ClassificationConfig struct {
	Method         string  `json:"method"`
	SplitThreshold float64 `json:"split_threshold" yaml:"split_threshold"`
}

// ExtractionConfig controls C7.
type ExtractionConfig struct {
	// ConcurrencyPerDocument <= 0 means unbounded (within admission limits).
	ConcurrencyPerDocument int `json:"concurrency_per_document" yaml:"concurrency_per_document"`
}

// AssessmentConfig controls the assessment stage's per-attribute alert
// threshold: an attribute whose assessed confidence falls below its
// threshold (or the default, if the attribute has none) is counted as
// an alert.
type AssessmentConfig struct {
	DefaultThreshold    float64            `json:"default_threshold" yaml:"default_threshold"`
	AttributeThresholds map[string]float64 `json:"attribute_thresholds" yaml:"attribute_thresholds"`
}

// RuleValidationConfig controls the rule-validation stage.
type RuleValidationConfig struct {
	RecommendationOptions []string `json:"recommendation_options" yaml:"recommendation_options"`
	ChunkOverlapFraction  float64  `json:"chunk_overlap_fraction" yaml:"chunk_overlap_fraction"`
}

// EvaluationConfig controls the evaluation stage's per-field comparator
// methods and thresholds.
type EvaluationConfig struct {
	Methods    map[string]string  `json:"methods"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// PipelineConfig controls orchestration-level behavior (C4).
type PipelineConfig struct {
	EnabledStages          []string `json:"enabled_stages" yaml:"enabled_stages"`
	ContinueOnSectionError bool     `json:"continue_on_section_error" yaml:"continue_on_section_error"`
	ContinueOnPageError    bool     `json:"continue_on_page_error" yaml:"continue_on_page_error"`
	StageTimeoutSeconds    int      `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`
	RequestTimeoutSeconds  int      `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
}

// Config is the top-level configuration structure for every process
// (intake worker, orchestrator worker, status API).
type Config struct {
	Server         ServerConfig         `json:"server"`
	TrackingStore  TrackingStoreConfig  `json:"tracking_store" yaml:"tracking_store"`
	Logging        LoggingConfig        `json:"logging"`
	BlobStore      BlobStoreConfig      `json:"blob_store" yaml:"blob_store"`
	Queue          QueueConfig          `json:"queue"`
	Pipeline       PipelineConfig       `json:"pipeline"`
	Admission      AdmissionConfig      `json:"admission"`
	Retry          RetryConfig          `json:"retry"`
	Compression    CompressionConfig    `json:"compression"`
	Providers      ProvidersConfig      `json:"providers"`
	Classification ClassificationConfig `json:"classification"`
	Extraction     ExtractionConfig     `json:"extraction"`
	Assessment     AssessmentConfig     `json:"assessment"`
	RuleValidation RuleValidationConfig `json:"rule_validation" yaml:"rule_validation"`
	Evaluation     EvaluationConfig     `json:"evaluation"`
	Reaper         ReaperConfig         `json:"reaper"`
}

// New returns a configuration populated with the defaults from spec §6.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		TrackingStore: TrackingStoreConfig{
			MigrateOnStart: true,
			MaxOpenConns:   10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		BlobStore: BlobStoreConfig{
			NotFoundRetryMs: 3000,
		},
		Queue: QueueConfig{
			IngestQueue:      "idp.ingest",
			AdmissionQueue:   "idp.admission",
			DeadLetterQueue:  "idp.admission.dead-letter",
			VisibilityTimeMs: 30_000,
		},
		Pipeline: PipelineConfig{
			EnabledStages:          []string{"assessment", "evaluation", "rule_validation", "summarization"},
			ContinueOnSectionError: true,
			ContinueOnPageError:    true,
			StageTimeoutSeconds:    600,
			RequestTimeoutSeconds:  60,
		},
		Admission: AdmissionConfig{
			RedisAddr:          "localhost:6379",
			MaxInFlight:        50,
			QueueWatermarkHigh: 500,
		},
		Reaper: ReaperConfig{
			Schedule:     "@every 1m",
			StaleAfterMs: 30 * 60_000,
			BatchLimit:   200,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseMs:      500,
			CapMs:       30_000,
			JitterFrac:  0.25,
		},
		Compression: CompressionConfig{
			ThresholdBytes: 200_000,
		},
		Classification: ClassificationConfig{
			Method:         "pageLevel",
			SplitThreshold: 0.5,
		},
		Extraction: ExtractionConfig{
			ConcurrencyPerDocument: 0,
		},
		Assessment: AssessmentConfig{
			DefaultThreshold:    0.7,
			AttributeThresholds: map[string]float64{},
		},
		RuleValidation: RuleValidationConfig{
			RecommendationOptions: []string{"pass", "flag_for_review", "fail"},
			ChunkOverlapFraction:  0.1,
		},
		Evaluation: EvaluationConfig{
			Methods:    map[string]string{},
			Thresholds: map[string]float64{},
		},
	}
}

// Load starts from New()'s defaults, overlays an optional YAML config
// file, then applies environment variable overrides. An optional .env
// file is loaded into the process environment first (variables already
// set are kept), so its values override the YAML file just as real
// environment variables do.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in
		// the environment; treat that as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, without consulting the
// environment. Used by tests and by one-off CLI tooling.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig reads a JSON config snippet. Used by tests exercising a fixed
// configuration without touching the filesystem-search/env-override path.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Compression.ThresholdBytes <= 0 {
		c.Compression.ThresholdBytes = 200_000
	}
	if len(c.Pipeline.EnabledStages) == 0 {
		c.Pipeline.EnabledStages = []string{"assessment", "evaluation", "rule_validation", "summarization"}
	}
}

// StageEnabled reports whether the named optional stage
// (assessment/evaluation/rule_validation/summarization) is enabled.
func (p PipelineConfig) StageEnabled(stage string) bool {
	for _, s := range p.EnabledStages {
		if s == stage {
			return true
		}
	}
	return false
}
