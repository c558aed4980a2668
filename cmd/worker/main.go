package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/seopilot/engine/internal/config"
	"github.com/seopilot/engine/internal/db"
	"github.com/seopilot/engine/internal/dispatch"
	"github.com/seopilot/engine/internal/lifecycle"
	"github.com/seopilot/engine/internal/logger"
)

// The worker process drains the agent queue: it delivers dispatched runs to
// the agent gateway and reports delivery failures back into the lifecycle.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logg := logger.New(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	store := db.NewStore(pool)
	// Delivery failures route through the same manager as API callbacks, so
	// the retry budget is enforced in one place. The nil dispatcher is safe:
	// CompleteRun never dispatches.
	manager := lifecycle.NewManager(store, nil, cfg.RetryBudget, logg)

	worker, err := dispatch.NewWorker(cfg.RedisURL, cfg.AsynqQueue, cfg.AsynqConcurrency, cfg.AgentGatewayURL, manager, logg)
	if err != nil {
		log.Fatalf("Failed to build dispatch worker: %v", err)
	}

	log.Printf("Dispatch worker starting on queue %q...", cfg.AsynqQueue)
	worker.Run(ctx)
}
