// Command statusapi runs the Status Query API (C11): a read-only HTTP
// surface over the tracking store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docflow/idp-core/internal/config"
	"github.com/docflow/idp-core/internal/document"
	"github.com/docflow/idp-core/internal/logging"
	"github.com/docflow/idp-core/internal/metrics"
	"github.com/docflow/idp-core/internal/statusapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.NewFromEnv("statusapi")
	logging.InitDefault("statusapi", cfg.Logging.Level, cfg.Logging.Format)

	if cfg.TrackingStore.MigrateOnStart {
		if err := document.Bootstrap(cfg.TrackingStore.MigrationsDSN, cfg.TrackingStore.MaxOpenConns); err != nil {
			log.Fatal(context.Background(), "run tracking store migrations", err)
		}
	}

	client := document.NewClient(document.ClientConfig{
		BaseURL:    cfg.TrackingStore.BaseURL,
		ServiceKey: cfg.TrackingStore.ServiceRoleKey,
	})
	store := document.NewStore(client)

	m := metrics.Init("statusapi")
	srv := statusapi.New(store, log).WithMetrics(m)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: srv.Router(),
	}

	go func() {
		log.Info(context.Background(), "status api listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(context.Background(), "status api serve failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info(context.Background(), "status api shutting down", nil)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatal(context.Background(), "status api shutdown failed", err)
	}
}
