package archive

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schemaFS embed.FS

// InitSchema ensures the archive schema exists and verifies the tables the
// pipeline depends on.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	content, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	for i, stmt := range splitStatements(string(content)) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement %d: %w", i, err)
		}
	}

	if err := verifySchema(ctx, pool); err != nil {
		return fmt.Errorf("schema verification failed: %w", err)
	}

	log.Debug().Msg("archive schema initialized")
	return nil
}

// splitStatements splits SQL content on semicolons, string-literal aware.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false

	for _, ch := range sql {
		current.WriteRune(ch)
		switch ch {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				statements = append(statements, current.String())
				current.Reset()
			}
		}
	}
	if current.Len() > 0 {
		statements = append(statements, current.String())
	}
	return statements
}

func verifySchema(ctx context.Context, pool *pgxpool.Pool) error {
	tables := []string{
		"contacts", "threads", "messages",
		"thread_contacts", "thread_messages",
		"ingest_watermark", "ingest_runs",
	}

	for _, table := range tables {
		var exists bool
		err := pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = current_schema()
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}
