package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/warmup-engine/internal/account"
	"github.com/ignite/warmup-engine/internal/api"
	"github.com/ignite/warmup-engine/internal/config"
	"github.com/ignite/warmup-engine/internal/pkg/distlock"
	"github.com/ignite/warmup-engine/internal/quota"
	"github.com/ignite/warmup-engine/internal/queue"
	"github.com/ignite/warmup-engine/internal/scheduler"
	"github.com/ignite/warmup-engine/internal/tracking"
)

func main() {
	log.Println("Starting Warmup Engine API server...")

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

	schedLock := distlock.NewLock(redisClient, db, "warmup:lock:scheduler", cfg.Scheduler.LockTTL())
	sched := scheduler.New(directory, ledger, jobQueue, schedLock,
		cfg.Warmup.ReplyRateCap, cfg.Scheduler.BaseDelay(), cfg.Scheduler.Spacing(), cfg.Scheduler.Interval())
	sched.Start()

	tracker := tracking.NewTracker(db)

	handlers := api.NewHandlers(sched, ledger, directory, tracker)
	health := api.NewHealthChecker(db, redisClient)
	server := api.NewServer(handlers, health)

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	go func() {
		log.Printf("API server listening on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err.Error() != "http: Server closed" {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	sched.Stop()
	reset.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}
