package main

import (
	"context"
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/seopilot/engine/internal/api"
	"github.com/seopilot/engine/internal/classify"
	"github.com/seopilot/engine/internal/config"
	"github.com/seopilot/engine/internal/db"
	"github.com/seopilot/engine/internal/dispatch"
	"github.com/seopilot/engine/internal/ingest"
	"github.com/seopilot/engine/internal/lifecycle"
	"github.com/seopilot/engine/internal/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logg := logger.New(cfg.Env)

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	policy := classify.DefaultPolicy()
	if cfg.PolicyPath != "" {
		policy, err = classify.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("Failed to load scoring policy: %v", err)
		}
	}

	client, err := dispatch.NewClient(cfg.RedisURL, cfg.AsynqQueue)
	if err != nil {
		log.Fatalf("Failed to build dispatch client: %v", err)
	}
	defer client.Close()

	store := db.NewStore(pool)
	manager := lifecycle.NewManager(store, client, cfg.RetryBudget, logg)
	ingestSvc := ingest.NewService(store, policy, logg)

	var corsOrigins []string
	for _, o := range strings.Split(cfg.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			corsOrigins = append(corsOrigins, o)
		}
	}

	srv := api.NewServer(store, manager, ingestSvc, corsOrigins)
	log.Printf("Server starting on port %s...", cfg.Port)
	if err := srv.Start(cfg.Port); err != nil {
		log.Fatal(err)
	}
}
