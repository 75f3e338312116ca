// Command orchestrator-worker admits queued documents and drives each
// one through the full Stage sequence (C4 through C10).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docflow/idp-core/internal/admission"
	"github.com/docflow/idp-core/internal/cache"
	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/metrics"
	"github.com/docflow/idp-core/internal/orchestrator"
	"github.com/docflow/idp-core/internal/providers"
	"github.com/docflow/idp-core/internal/ratelimit"
	"github.com/docflow/idp-core/internal/reaper"
	"github.com/docflow/idp-core/internal/stages/assessment"
	"github.com/docflow/idp-core/internal/stages/classification"
	"github.com/docflow/idp-core/internal/stages/evaluation"
	"github.com/docflow/idp-core/internal/stages/extraction"
	"github.com/docflow/idp-core/internal/stages/ocr"
	"github.com/docflow/idp-core/internal/stages/rulevalidation"
	"github.com/docflow/idp-core/internal/stages/summarization"
	"github.com/docflow/idp-core/pkg/blob"
)

// ocrProviderName is the binding name the OCR stage resolves. The
// Anthropic Messages API has no page-image-to-text capability in this
// codebase's provider surface (AnthropicProvider implements every other
// Capability but not OCRCapability), mirroring ocr.Renderer's own gap:
// page rasterization has no in-pack third-party library either. Until a
// real OCR-capable provider is wired in, this name resolves to a
// MockProvider stand-in so the stage boundary exists and is exercised
// end-to-end; swapping in a real provider only requires a different
// Register call here.
const ocrProviderName = "ocr-stand-in"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewFromEnv("orchestrator-worker")
	logging.InitDefault("orchestrator-worker", cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	if cfg.TrackingStore.MigrateOnStart {
		if err := document.Bootstrap(cfg.TrackingStore.MigrationsDSN, cfg.TrackingStore.MaxOpenConns); err != nil {
			log.Fatal(ctx, "run tracking store migrations", err)
		}
	}

	client := document.NewClient(document.ClientConfig{
		BaseURL:    cfg.TrackingStore.BaseURL,
		ServiceKey: cfg.TrackingStore.ServiceRoleKey,
	})
	store := document.NewStore(client)

	blobStore, err := buildBlobStore(ctx, cfg.BlobStore)
	if err != nil {
		log.Fatal(ctx, "build blob store", err)
	}

	registry := buildProviderRegistry(cfg)

	orch, err := buildOrchestrator(store, blobStore, registry, cfg, log)
	if err != nil {
		log.Fatal(ctx, "build orchestrator", err)
	}

	controller := admission.NewController(admission.Config{
		RedisAddr:          cfg.Admission.RedisAddr,
		MaxInFlight:        cfg.Admission.MaxInFlight,
		QueueWatermarkHigh: cfg.Admission.QueueWatermarkHigh,
	})
	defer controller.Close()

	queue, err := admission.NewQueue(admission.QueueConfig{
		URL:             cfg.Queue.URL,
		AdmissionQueue:  cfg.Queue.AdmissionQueue,
		DeadLetterQueue: cfg.Queue.DeadLetterQueue,
	}, admission.RealDialer{})
	if err != nil {
		log.Fatal(ctx, "dial admission queue", err)
	}
	defer queue.Close()

	m := metrics.Init("orchestrator-worker")

	poller := admission.NewPoller(queue, controller, store, admission.PollerConfig{
		ConsumerTag: "orchestrator-worker",
		OnAdmitted: func(d *document.Document) {
			runAndRelease(ctx, log, m, orch, controller, d)
		},
	})

	stopCh := make(chan struct{})
	go func() {
		if err := poller.Run(ctx, stopCh); err != nil {
			log.Fatal(ctx, "admission poller stopped", err)
		}
	}()

	sweeper := reaper.New(store, reaper.Config{
		Schedule:   cfg.Reaper.Schedule,
		StaleAfter: time.Duration(cfg.Reaper.StaleAfterMs) * time.Millisecond,
		BatchLimit: cfg.Reaper.BatchLimit,
	}, log)
	if err := sweeper.Start(ctx); err != nil {
		log.Fatal(ctx, "start stale-run reaper", err)
	}
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "orchestrator worker health server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "orchestrator worker shutting down", nil)
	close(stopCh)
	_ = httpServer.Close()
}

// runAndRelease drives d through the full Stage sequence and, once it
// reaches a terminal status, frees the admission slot and the intake
// input-location claim so a later event for the same object can start a
// fresh attempt.
func runAndRelease(ctx context.Context, log *logging.Logger, m *metrics.Metrics, orch *orchestrator.Orchestrator, controller *admission.Controller, d *document.Document) {
	if err := orch.Run(ctx, d); err != nil {
		log.Error(ctx, "orchestrator run failed", err, map[string]interface{}{"document_id": d.ID})
		m.RecordError("orchestrator-worker", "run", "orchestrator")
	}

	if err := controller.Release(ctx, d.ID); err != nil {
		log.Error(ctx, "release admission slot failed", err, map[string]interface{}{"document_id": d.ID})
	}
	if err := controller.ReleaseClaim(ctx, d.InputLocation); err != nil {
		log.Error(ctx, "release input-location claim failed", err, map[string]interface{}{"document_id": d.ID})
	}
}

func buildBlobStore(ctx context.Context, cfg config.BlobStoreConfig) (blob.Store, error) {
	if cfg.Bucket == "" {
		return blob.NewMemoryStore("idp-local"), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})

	return blob.NewS3Store(client, cfg.Bucket, cfg.Endpoint), nil
}

// buildProviderRegistry binds the Anthropic provider to every
// LLM-backed stage capability and a MockProvider stand-in to OCR (see
// ocrProviderName).
func buildProviderRegistry(cfg *config.Config) *providers.Registry {
	registry := providers.NewRegistry()

	bind := func(stage string, providerCfg config.ProviderConfig) {
		p := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
			Model:     providerCfg.Model,
			RateLimit: ratelimitConfig(providerCfg),
		})
		registry.Register(stage, providerCfg.Name, p)
	}

	bind("classification", cfg.Providers.Classify)
	bind("extraction", cfg.Providers.Extract)
	bind("assessment", cfg.Providers.Assess)
	bind("evaluation", cfg.Providers.Evaluate)
	bind("summarization", cfg.Providers.Summarize)
	bind("rule_validation", cfg.Providers.RuleValidate)

	registry.Register("ocr", ocrProviderName, &providers.MockProvider{
		Name: ocrProviderName,
		OCRFunc: func(ctx context.Context, imageURI string) (providers.OCRResult, error) {
			return providers.OCRResult{}, fmt.Errorf("ocr stand-in: no OCR-capable provider configured for %s", imageURI)
		},
	})

	return registry
}

func buildOrchestrator(store *document.Store, blobStore blob.Store, registry *providers.Registry, cfg *config.Config, log *logging.Logger) (*orchestrator.Orchestrator, error) {
	renderer := ocr.NewManifestRenderer(blobStore)
	ocrStage := ocr.New(blobStore, renderer, registry, ocr.Config{
		ProviderName:        ocrProviderName,
		Retry:               cfg.Retry.Resilience(),
		ContinueOnPageError: cfg.Pipeline.ContinueOnPageError,
	}, log)

	classifyStage := classification.New(blobStore, registry, classification.Config{
		ProviderName:   cfg.Providers.Classify.Name,
		Method:         cfg.Classification.Method,
		SplitThreshold: cfg.Classification.SplitThreshold,
		Retry:          cfg.Retry.Resilience(),
	}, log)

	schemas, err := loadOrDefaultSchemas("configs/schemas.yaml")
	if err != nil {
		return nil, err
	}
	fewShot, err := loadOrDefaultFewShot("configs/few_shot.yaml")
	if err != nil {
		return nil, err
	}
	imageCache := cache.NewExampleImageCache(cache.DefaultConfig())
	extractStage := extraction.New(blobStore, registry, schemas, fewShot, imageCache, extraction.Config{
		ProviderName: cfg.Providers.Extract.Name,
		Retry:        cfg.Retry.Resilience(),
	}, log)

	assessStage := assessment.New(blobStore, registry, assessment.Config{
		ProviderName: cfg.Providers.Assess.Name,
		Thresholds:   cfg.Assessment,
		Retry:        cfg.Retry.Resilience(),
	}, log)

	rules, err := loadOrDefaultRules("configs/rules.yaml")
	if err != nil {
		return nil, err
	}
	ruleStage := rulevalidation.New(blobStore, registry, rules, rulevalidation.Config{
		ProviderName: cfg.Providers.RuleValidate.Name,
		Options:      cfg.RuleValidation,
		Retry:        cfg.Retry.Resilience(),
	}, log)

	evalStage := evaluation.New(blobStore, registry, evaluation.Config{
		ProviderName: cfg.Providers.Evaluate.Name,
		Methods:      cfg.Evaluation,
		Retry:        cfg.Retry.Resilience(),
	}, log)

	summarizeStage := summarization.New(blobStore, registry, summarization.Config{
		ProviderName: cfg.Providers.Summarize.Name,
		Retry:        cfg.Retry.Resilience(),
	}, log)

	stages := orchestrator.Stages{
		OCR:            ocrStage,
		Classification: classifyStage,
		Extraction:     extractStage,
		Assessment:     assessStage,
		Evaluation:     evalStage,
		RuleValidation: ruleStage,
		Summarization:  summarizeStage,
	}
	stages.WithEvaluationFinalize(evalStage)
	stages.WithRuleValidationFinalize(ruleStage)
	stages.WithSummarizationFinalize(summarizeStage)

	return orchestrator.New(store, stages, cfg.Pipeline, cfg.Extraction.ConcurrencyPerDocument, log), nil
}

func ratelimitConfig(p config.ProviderConfig) ratelimit.RateLimitConfig {
	burst := int(p.RPS)
	if burst <= 0 {
		burst = 1
	}
	return ratelimit.RateLimitConfig{
		RequestsPerSecond: p.RPS,
		Burst:             burst,
		Window:            time.Second,
	}
}

// loadOrDefaultSchemas loads the extraction schema registry from path,
// falling back to an empty registry when the file doesn't exist yet
// (matching config.Load's own tolerance for a missing configs/*.yaml on
// a fresh checkout).
func loadOrDefaultSchemas(path string) (*extraction.SchemaRegistry, error) {
	if _, err := os.Stat(path); err != nil {
		return extraction.NewSchemaRegistry(), nil
	}
	return extraction.LoadSchemaRegistry(path)
}

func loadOrDefaultFewShot(path string) (*extraction.FewShotRegistry, error) {
	if _, err := os.Stat(path); err != nil {
		return extraction.NewFewShotRegistry(), nil
	}
	return extraction.LoadFewShotRegistry(path)
}

func loadOrDefaultRules(path string) (*rulevalidation.RuleRegistry, error) {
	if _, err := os.Stat(path); err != nil {
		return rulevalidation.NewRuleRegistry(), nil
	}
	return rulevalidation.LoadRuleRegistry(path)
}
