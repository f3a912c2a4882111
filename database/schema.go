package database

import (
	"context"
	"database/sql"
	"fmt"
)

func EnsurePostgresSchema(ctx context.Context, pool DBPool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS theses (
			id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			abstract TEXT NOT NULL,
			tags TEXT[] NOT NULL DEFAULT '{}',
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_theses_embedding ON theses USING hnsw (embedding vector_ip_ops)",
		"CREATE INDEX IF NOT EXISTS idx_theses_tags ON theses USING GIN (tags)",
		"CREATE INDEX IF NOT EXISTS idx_theses_created ON theses(created_at DESC)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}

func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS theses (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			abstract TEXT NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			embedding BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_theses_created ON theses(created_at)",
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
