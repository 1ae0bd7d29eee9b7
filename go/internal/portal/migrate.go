package portal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

var (
	//go:embed schema.sql
	schemaSQL string

	//go:embed notify.sql
	notifySQL string
)

// NotifyChannel is the Postgres channel outbox inserts are announced on.
const NotifyChannel = "ctf_outbox_events"

// Migrate creates the portal tables if they do not exist. With withNotify the
// Postgres trigger announcing outbox inserts is installed as well.
func Migrate(ctx context.Context, database *sql.DB, withNotify bool) error {
	for _, stmt := range splitStatements(schemaSQL) {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	if withNotify {
		// plpgsql bodies contain semicolons, so the file goes in one exec
		if _, err := database.ExecContext(ctx, notifySQL); err != nil {
			return fmt.Errorf("failed to install outbox trigger: %w", err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			out = append(out, s)
		}
	}
	return out
}
