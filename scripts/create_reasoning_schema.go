package main

// Script to create the reasoning_logs table used by the audit log.
// Safe to run repeatedly; the DDL is idempotent.
//
// Usage:
//   go run scripts/create_reasoning_schema.go
//
// Connection parameters come from the usual POSTGRES_* environment
// variables (see internal/adapters/config).

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"noesis/internal/adapters/config"
	"noesis/internal/adapters/postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS reasoning_logs (
    id              UUID PRIMARY KEY,
    session_id      TEXT NOT NULL,
    query           TEXT NOT NULL,
    state           TEXT NOT NULL,
    reasoning_steps JSONB NOT NULL DEFAULT '[]'::jsonb,
    final_answer    TEXT NOT NULL DEFAULT '',
    confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
    step_count      INTEGER NOT NULL DEFAULT 0,
    error_count     INTEGER NOT NULL DEFAULT 0,
    tokens_used     INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reasoning_logs_session_id
    ON reasoning_logs (session_id);

CREATE INDEX IF NOT EXISTS idx_reasoning_logs_created_at
    ON reasoning_logs (created_at DESC);
`

func main() {
	_ = godotenv.Load()

	var cfg config.PostgresConfig
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Printf("Error: failed to read postgres config: %v\n", err)
		os.Exit(1)
	}

	client, err := postgres.NewClient(cfg)
	if err != nil {
		fmt.Printf("Error: failed to connect to postgres: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if _, err := client.DB().Exec(schema); err != nil {
		fmt.Printf("Error: failed to apply schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("reasoning_logs schema applied")
}
