package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	cfg := New()

	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Compression.ThresholdBytes != 200_000 {
		t.Errorf("Compression.ThresholdBytes = %d, want 200000", cfg.Compression.ThresholdBytes)
	}
	if cfg.Classification.Method != "pageLevel" {
		t.Errorf("Classification.Method = %s, want pageLevel", cfg.Classification.Method)
	}
	if cfg.RuleValidation.ChunkOverlapFraction != 0.1 {
		t.Errorf("RuleValidation.ChunkOverlapFraction = %v, want 0.1", cfg.RuleValidation.ChunkOverlapFraction)
	}
	if !cfg.Pipeline.StageEnabled("summarization") {
		t.Error("expected summarization to be enabled by default")
	}
}

func TestStageEnabled(t *testing.T) {
	p := PipelineConfig{EnabledStages: []string{"assessment"}}

	if !p.StageEnabled("assessment") {
		t.Error("expected assessment to be enabled")
	}
	if p.StageEnabled("evaluation") {
		t.Error("expected evaluation to be disabled")
	}
}

func TestNormalize_RestoresZeroedDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5 after normalize", cfg.Retry.MaxAttempts)
	}
	if cfg.Compression.ThresholdBytes != 200_000 {
		t.Errorf("Compression.ThresholdBytes = %d, want 200000 after normalize", cfg.Compression.ThresholdBytes)
	}
	if len(cfg.Pipeline.EnabledStages) != 4 {
		t.Errorf("EnabledStages = %v, want 4 defaults restored", cfg.Pipeline.EnabledStages)
	}
}

func TestLoadConfig_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	overrides := map[string]interface{}{
		"admission": map[string]interface{}{"max_in_flight": 10},
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Admission.MaxInFlight != 10 {
		t.Errorf("Admission.MaxInFlight = %d, want 10", cfg.Admission.MaxInFlight)
	}
	// Defaults not present in the override file survive.
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
}

func TestLoadFile_MissingFileIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Admission.MaxInFlight != 50 {
		t.Errorf("Admission.MaxInFlight = %d, want default 50", cfg.Admission.MaxInFlight)
	}
}
