package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/ILLUVRSE/model-release/internal/archive"
	"github.com/ILLUVRSE/model-release/internal/auth"
	"github.com/ILLUVRSE/model-release/internal/config"
	"github.com/ILLUVRSE/model-release/internal/httpserver"
	"github.com/ILLUVRSE/model-release/internal/notify"
	"github.com/ILLUVRSE/model-release/internal/orchestrator"
	"github.com/ILLUVRSE/model-release/internal/registry"
	"github.com/ILLUVRSE/model-release/internal/serving"
	"github.com/ILLUVRSE/model-release/internal/store"
	"github.com/ILLUVRSE/model-release/internal/validator"
)

func enforceProdGuardrails() {
	nodeEnv := os.Getenv("NODE_ENV")
	if nodeEnv != "production" {
		return
	}
	if strings.EqualFold(os.Getenv("RELEASE_ALLOW_DEBUG_TOKEN"), "true") {
		log.Fatalf("[startup] RELEASE_ALLOW_DEBUG_TOKEN=true is forbidden in production")
	}
	if os.Getenv("RELEASE_EXECUTION_ROLE_ARN") == "" {
		log.Fatalf("[startup] RELEASE_EXECUTION_ROLE_ARN is required in production")
	}
}

func main() {
	memoryStore := flag.Bool("memory-store", false, "use the in-memory store instead of Postgres")
	flag.Parse()

	enforceProdGuardrails()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	envs, err := config.LoadEnvironments(cfg.EnvironmentsFile)
	if err != nil {
		log.Fatalf("environments load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if *memoryStore || cfg.DatabaseURL == "" {
		log.Printf("using in-memory store")
		st = store.NewMemoryStore()
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.Ping(); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		st = store.NewPGStore(db)
	}

	var reg registry.Registry
	if cfg.RegistryURL != "" {
		httpReg, err := registry.NewHTTPRegistry(registry.HTTPClientConfig{
			BaseURL: cfg.RegistryURL,
			Timeout: 5 * time.Second,
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("registry client init: %v", err)
		}
		reg = httpReg
	} else {
		log.Printf("no registry configured, using in-memory registry")
		reg = registry.NewMemoryRegistry()
	}

	var manager serving.Manager
	switch cfg.ServingMode {
	case "fake":
		log.Printf("using fake serving manager")
		manager = serving.NewFakeManager()
	default:
		manager, err = serving.NewSageMakerManager(ctx, cfg.ExecutionRoleArn, nil)
		if err != nil {
			log.Fatalf("serving manager init: %v", err)
		}
	}

	suites := map[string]validator.Suite{}
	if cfg.SuitesFile != "" {
		suites, err = validator.LoadSuites(cfg.SuitesFile)
		if err != nil {
			log.Fatalf("suites load: %v", err)
		}
	}
	invoker, err := validator.NewHTTPInvoker(cfg.InvokeBaseURL, nil)
	if err != nil {
		log.Fatalf("invoker init: %v", err)
	}
	runner := validator.NewRunner(invoker, suites)

	sinks := notify.MultiSink{&notify.LogSink{}}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := notify.NewKafkaSink(notify.KafkaSinkConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka sink init: %v", err)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}

	var archiver archive.Archiver
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("archiver init: %v", err)
		}
		archiver = s3Archiver
	}

	orch := orchestrator.New(st, reg, manager, runner, sinks, archiver, envs, orchestrator.Config{})
	authMW := auth.NewMiddleware(cfg.AuthSecret, cfg.AllowDebugToken, cfg.DebugToken)
	server := httpserver.New(orch, st, authMW)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("model release orchestrator listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer, orch)
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, orch *orchestrator.Orchestrator) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	orch.Close()
}
