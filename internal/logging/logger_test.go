package logging

import (
	"context"
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		service string
		level   string
		format  string
	}{
		{"json logger", "test-service", "info", "json"},
		{"text logger", "test-service", "debug", "text"},
		{"invalid level", "test-service", "invalid", "json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.service, tt.level, tt.format)
			if logger == nil {
				t.Fatal("New() returned nil")
			}
			if logger.service != tt.service {
				t.Errorf("service = %v, want %v", logger.service, tt.service)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	logger := New("test", "info", "json")
	ctx := context.Background()
	ctx = WithDocumentID(ctx, "doc-123")
	ctx = WithRunID(ctx, "run-456")
	ctx = WithStage(ctx, "OCR")

	entry := logger.WithContext(ctx)
	if entry == nil {
		t.Fatal("WithContext() returned nil")
	}

	if entry.Data["service"] != "test" {
		t.Errorf("service field = %v, want test", entry.Data["service"])
	}
	if entry.Data["document_id"] != "doc-123" {
		t.Errorf("document_id field = %v, want doc-123", entry.Data["document_id"])
	}
	if entry.Data["run_id"] != "run-456" {
		t.Errorf("run_id field = %v, want run-456", entry.Data["run_id"])
	}
	if entry.Data["stage"] != "OCR" {
		t.Errorf("stage field = %v, want OCR", entry.Data["stage"])
	}
}

func TestLogger_WithDocument(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithDocument("doc-123")

	if entry.Data["document_id"] != "doc-123" {
		t.Errorf("document_id = %v, want doc-123", entry.Data["document_id"])
	}
	if entry.Data["service"] != "test" {
		t.Errorf("service = %v, want test", entry.Data["service"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithFields(map[string]interface{}{"page_count": 3})

	if entry.Data["page_count"] != 3 {
		t.Errorf("page_count = %v, want 3", entry.Data["page_count"])
	}
	if entry.Data["service"] != "test" {
		t.Errorf("service = %v, want test", entry.Data["service"])
	}
}

func TestLogger_WithError(t *testing.T) {
	logger := New("test", "info", "json")
	entry := logger.WithError(errors.New("boom"))

	if entry.Data["error"] != "boom" {
		t.Errorf("error = %v, want boom", entry.Data["error"])
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	ctx = WithDocumentID(ctx, "doc-1")
	if GetDocumentID(ctx) != "doc-1" {
		t.Errorf("GetDocumentID() = %v, want doc-1", GetDocumentID(ctx))
	}

	ctx = WithRunID(ctx, "run-1")
	if GetRunID(ctx) != "run-1" {
		t.Errorf("GetRunID() = %v, want run-1", GetRunID(ctx))
	}

	ctx = WithStage(ctx, "CLASSIFYING")
	if GetStage(ctx) != "CLASSIFYING" {
		t.Errorf("GetStage() = %v, want CLASSIFYING", GetStage(ctx))
	}

	ctx = WithService(ctx, "orchestrator-worker")
	if GetService(ctx) != "orchestrator-worker" {
		t.Errorf("GetService() = %v, want orchestrator-worker", GetService(ctx))
	}
}

func TestGetDocumentID_Unset(t *testing.T) {
	if GetDocumentID(context.Background()) != "" {
		t.Error("expected empty document id on bare context")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestNewRunID(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	if a == b {
		t.Error("expected distinct run IDs")
	}
}
