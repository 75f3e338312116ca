// Command intake-worker consumes object-creation events off the ingest
// queue and turns each into a QUEUED Document plus an admission request
// (C3).
package main

import (
	"context"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"

	"github.com/docflow/idp-core/internal/admission"
	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/metrics"
	"github.com/docflow/idp-core/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewFromEnv("intake-worker")
	logging.InitDefault("intake-worker", cfg.Logging.Level, cfg.Logging.Format)
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

	controller := admission.NewController(admission.Config{
		RedisAddr:          cfg.Admission.RedisAddr,
		MaxInFlight:        cfg.Admission.MaxInFlight,
		QueueWatermarkHigh: cfg.Admission.QueueWatermarkHigh,
	})
	defer controller.Close()

	admissionQueue, err := admission.NewQueue(admission.QueueConfig{
		URL:             cfg.Queue.URL,
		AdmissionQueue:  cfg.Queue.AdmissionQueue,
		DeadLetterQueue: cfg.Queue.DeadLetterQueue,
	}, admission.RealDialer{})
	if err != nil {
		log.Fatal(ctx, "dial admission queue", err)
	}
	defer admissionQueue.Close()

	intake := admission.NewIntake(store, controller, admissionQueue, cfg.BlobStore.Bucket)

	ingest, err := newIngestConsumer(cfg.Queue.URL, cfg.Queue.IngestQueue)
	if err != nil {
		log.Fatal(ctx, "dial ingest queue", err)
	}
	defer ingest.Close()

	deliveries, err := ingest.Consume("intake-worker")
	if err != nil {
		log.Fatal(ctx, "consume ingest queue", err)
	}

	m := metrics.Init("intake-worker")

	stopCh := make(chan struct{})
	go worker.ChannelLoop(ctx, stopCh, deliveries, func(ctx context.Context, d amqp.Delivery) {
		handleIngestDelivery(ctx, log, m, intake, d)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(ctx, "intake worker health server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(ctx, "intake worker shutting down", nil)
	close(stopCh)
	_ = httpServer.Close()
}

// handleIngestDelivery turns one raw object-creation event into a
// Document via Intake. A malformed event or a rejected admission claim
// (the object is already running a prior attempt) is acked away rather
// than requeued, since retrying the same malformed bytes or the same
// in-flight claim forever would never succeed.
func handleIngestDelivery(ctx context.Context, log *logging.Logger, m *metrics.Metrics, intake *admission.Intake, d amqp.Delivery) {
	var ev admission.ObjectEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		log.Error(ctx, "intake worker: malformed object event, dropping", err, nil)
		_ = d.Ack(false)
		return
	}

	if _, err := intake.HandleEvent(ctx, ev); err != nil {
		if goerrors.Is(err, admission.ErrAlreadyRunning) {
			log.Info(ctx, "intake worker: input location already running, dropping event", map[string]interface{}{
				"bucket": ev.Bucket, "key": ev.Key,
			})
			_ = d.Ack(false)
			return
		}
		log.Error(ctx, "intake worker: handle event failed, requeueing", err, map[string]interface{}{
			"bucket": ev.Bucket, "key": ev.Key,
		})
		m.RecordError("intake-worker", "handle_event", "intake")
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
}

// ingestConsumer is a minimal AMQP consumer over the raw ingest queue.
// Unlike admission's Queue, it has no dead-letter queue of its own: a
// bad event is dropped rather than retried indefinitely (see
// handleIngestDelivery), so there is nothing for a dead letter queue to
// hold that redelivery wouldn't just reproduce.
type ingestConsumer struct {
	conn    admission.Connection
	channel admission.Channel
	name    string
}

func newIngestConsumer(url, queueName string) (*ingestConsumer, error) {
	conn, err := admission.RealDialer{}.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("ingest consumer: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ingest consumer: channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ingest consumer: declare %s: %w", queueName, err)
	}
	return &ingestConsumer{conn: conn, channel: ch, name: queueName}, nil
}

func (c *ingestConsumer) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	return c.channel.Consume(c.name, consumerTag, false, false, false, false, nil)
}

func (c *ingestConsumer) Close() error {
	_ = c.channel.Close()
	return c.conn.Close()
}
