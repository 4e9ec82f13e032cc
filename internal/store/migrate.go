package store

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

//go:embed seed.sql
var seedSQL string

// Migrate creates the service tables if they do not exist. When seed is true the demo
// accounts matching the fixture customer directory are inserted as well.
func Migrate(ctx context.Context, pool *pgxpool.Pool, seed bool) error {
	scripts := []string{schemaSQL}
	if seed {
		scripts = append(scripts, seedSQL)
	}
	for _, script := range scripts {
		for _, statement := range splitStatements(script) {
			if _, err := pool.Exec(ctx, statement); err != nil {
				return fmt.Errorf("migration statement failed: %w", err)
			}
		}
	}
	log.Printf("level=info component=store msg=\"schema migrated\" seed=%t", seed)
	return nil
}

// splitStatements splits a script on statement-terminating semicolons. The embedded
// scripts never put a semicolon inside a literal.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	statements := make([]string, 0, len(parts))
	for _, part := range parts {
		statement := strings.TrimSpace(part)
		if statement == "" {
			continue
		}
		statements = append(statements, statement)
	}
	return statements
}
