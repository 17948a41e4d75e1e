package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/config"
	"github.com/ignite/warmup-engine/internal/content"
	"github.com/ignite/warmup-engine/internal/dispatch"
	"github.com/ignite/warmup-engine/internal/pkg/distlock"
	"github.com/ignite/warmup-engine/internal/quota"
	"github.com/ignite/warmup-engine/internal/queue"
	"github.com/ignite/warmup-engine/internal/tracking"
	"github.com/ignite/warmup-engine/internal/transport"
	"github.com/ignite/warmup-engine/internal/verifier"
)

func main() {
	log.Println("Starting Warmup Engine dispatch worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unavailable, continuing without it: %v", err)
			redisClient = nil
		} else {
			log.Println("Connected to Redis")
		}
	}

	loc := cfg.Warmup.Location()
	directory := account.NewPostgresDirectory(db)

	var store quota.CounterStore = quota.NoopStore{}
	if redisClient != nil {
		store = quota.NewRedisCounterStore(redisClient, loc)
	}
	ledger := quota.NewLedger(quota.Caps{
		GlobalDailyCap: cfg.Warmup.GlobalDailyCap,
		PoolDailyCap:   cfg.Warmup.PoolMaxPerDay,
	}, store)
	if err := ledger.Rebuild(context.Background()); err != nil {
		log.Printf("Ledger rebuild failed, starting from zero: %v", err)
	}

	resetLock := distlock.NewLock(redisClient, db, "warmup:lock:daily-reset", time.Minute)
	reset := quota.NewDailyReset(ledger, directory, resetLock, loc, cfg.Warmup.ResetCheckInterval())
	reset.Start()

	jobQueue := queue.NewPostgresQueue(db, cfg.Dispatch.MaxRetryCount, 10*time.Minute)
	tracker := tracking.NewTracker(db)

	router := transport.NewRouter(transport.NewGraphTransport(nil), transport.NewSMTPTransport())

	template := content.NewTemplateGenerator()
	var primary content.Generator
	if cfg.Content.BedrockEnabled {
		bedrock, err := content.NewBedrockGenerator(context.Background(), cfg.Content.AWSRegion, cfg.Content.BedrockModelID)
		if err != nil {
			log.Printf("Bedrock unavailable, using template content only: %v", err)
		} else {
			primary = bedrock
			log.Printf("Bedrock content generation enabled (model %s)", cfg.Content.BedrockModelID)
		}
	}
	generator := content.NewFallbackGenerator(primary, template)

	verifyWorker := verifier.NewWorker(db,
		verifier.NewVerifier(verifier.NewIMAPInspector()),
		tracker, directory, ledger,
		cfg.Verifier.PollInterval(), cfg.Verifier.Timeout())
	verifyWorker.Start()

	var dedupe dispatch.Deduper
	if redisClient != nil {
		dedupe = dispatch.NewRedisDeduper(redisClient)
	}
	dispatchWorker := dispatch.NewWorker(jobQueue, directory, ledger, generator, router, tracker, verifyWorker, dedupe, dispatch.Options{
		Workers:         cfg.Dispatch.Workers,
		ClaimInterval:   cfg.Dispatch.ClaimInterval(),
		InterPairDelay:  cfg.Dispatch.InterPairDelay(),
		MaxSendAttempts: cfg.Dispatch.MaxSendAttempts,
		SettleDelay:     cfg.Verifier.SettleDelay(),
	})
	dispatchWorker.Start()

	log.Println("Worker running...")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	dispatchWorker.Stop()
	verifyWorker.Stop()
	reset.Stop()
	log.Println("Shutdown complete")
}
