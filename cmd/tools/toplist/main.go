package main

import (
	"context"
	"log"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/seopilot/engine/internal/config"
	"github.com/seopilot/engine/internal/db"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT opportunity_id, type, target_query, target_page, score, priority, status, potential_clicks
		FROM opportunities
		ORDER BY score DESC
		LIMIT 20
	`)
	if err != nil {
		log.Fatal(err)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Type", "Query", "Page", "Score", "Priority", "Status", "Potential"})

	for rows.Next() {
		var oppID, oppType, query, page, priority, status string
		var score float64
		var potential int64

		if err := rows.Scan(&oppID, &oppType, &query, &page, &score, &priority, &status, &potential); err != nil {
			log.Printf("Scan error: %v", err)
			continue
		}

		t.AppendRow(table.Row{oppID, oppType, query, page, score, priority, status, potential})
	}
	t.Render()
}
