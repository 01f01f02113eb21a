package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/twmb/franz-go/pkg/kgo"

	"trustcheck/internal/dedup"
	"trustcheck/internal/domain"
	"trustcheck/internal/download"
	"trustcheck/internal/ledger"
	"trustcheck/internal/notify"
	"trustcheck/internal/orchestrator"
	"trustcheck/internal/platform/config"
	"trustcheck/internal/platform/httpserver"
	"trustcheck/internal/platform/logger"
	"trustcheck/internal/platform/metrics"
	platformredis "trustcheck/internal/platform/redis"
	"trustcheck/internal/scheduler"
	"trustcheck/internal/scraper"
	"trustcheck/internal/store"
	httpapi "trustcheck/internal/transport/http"
)

// main wires the pipeline together and keeps the server lifecycle small.
// Pipeline logic lives in internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	m := metrics.New()

	// Persistence: PostgreSQL when configured, in-memory otherwise.
	var repo store.Repository = store.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Error("could not open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			log.Error("could not reach database", "error", err)
			os.Exit(1)
		}
		if _, err := db.Exec(store.Schema); err != nil {
			log.Error("could not apply schema", "error", err)
			os.Exit(1)
		}
		repo = store.NewPostgresStore(db)
		log.Info("using postgres store")
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("could not connect to redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Notification channels. The log channel is always on.
	channels := []notify.Channel{notify.NewLogChannel(log)}
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.EmailAddr != "" && len(cfg.Notify.EmailTo) > 0 {
		channels = append(channels, notify.NewEmailChannel(cfg.Notify.EmailAddr, cfg.Notify.EmailFrom, cfg.Notify.EmailTo))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaClient, err := kgo.NewClient(kgo.SeedBrokers(cfg.Kafka.Brokers...))
		if err != nil {
			log.Error("could not connect to kafka", "error", err)
			os.Exit(1)
		}
		defer kafkaClient.Close()
		channels = append(channels, notify.NewKafkaChannel(kafkaClient, cfg.Kafka.Topic))
	}
	dispatcher := notify.NewDispatcher(channels, repo, cfg.Notify, log, m)

	// Source adapters.
	registry := scraper.NewRegistry()
	registry.Register(domain.SourceOFAC, scraper.NewOFACAdapter(log),
		scraper.Metadata{Tier: scraper.Tier1, Format: domain.FormatXML})
	registry.Register(domain.SourceUN, scraper.NewUNAdapter(log),
		scraper.Metadata{Tier: scraper.Tier2, Format: domain.FormatXML})

	var lock orchestrator.RunLock
	if redisClient != nil {
		lock = orchestrator.NewRedisLock(redisClient, cfg.Runs.MaxLifetime)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Registry:   registry,
		Downloader: download.NewManager(cfg.Download, log, m),
		Dedup:      dedup.New(repo, redisClient, log),
		Ledger:     ledger.New(repo, log),
		Repo:       repo,
		Dispatcher: dispatcher,
		Lock:       lock,
		Logger:     log,
		Metrics:    m,
	})

	router := httpapi.NewRouter(httpapi.NewHandler(orch, log))
	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(orch, registry, cfg.Scheduler, cfg.Runs, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	}

	go func() {
		log.Info("starting trustcheck server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	wg.Wait()
}
