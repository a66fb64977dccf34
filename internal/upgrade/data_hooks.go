package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Some schema changes need Go code after the SQL lands, such as
// backfilling a column from values only the application can compute.
// Those run as data hooks: registered at init, keyed by the schema
// version they follow, recorded in data_migrations so re-running
// `clawgate migrate up` is a no-op.

// DataHookFunc transforms data after its schema version is applied.
type DataHookFunc func(ctx context.Context, db *sql.DB) error

type dataHook struct {
	version uint
	name    string
	fn      DataHookFunc
}

var dataHooks []dataHook

// RegisterDataHook attaches a hook to a schema version. Names must be
// unique; hooks run ordered by version, then registration order.
func RegisterDataHook(version uint, name string, fn DataHookFunc) {
	dataHooks = append(dataHooks, dataHook{version: version, name: name, fn: fn})
}

// PendingHooks lists registered hooks not yet recorded as applied.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, h := range orderedHooks() {
		if !applied[h.name] {
			pending = append(pending, h.name)
		}
	}
	return pending, nil
}

// RunPendingHooks executes every unapplied hook and records each one
// as it completes, so a failure partway resumes where it stopped.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := appliedHooks(ctx, db)
	if err != nil {
		return 0, err
	}

	ran := 0
	for _, h := range orderedHooks() {
		if applied[h.name] {
			continue
		}
		slog.Info("running data hook", "name", h.name, "schema_version", h.version)
		start := time.Now()

		if err := h.fn(ctx, db); err != nil {
			return ran, fmt.Errorf("data hook %q: %w", h.name, err)
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, NOW())",
			h.name, h.version); err != nil {
			return ran, fmt.Errorf("record data hook %q: %w", h.name, err)
		}

		slog.Info("data hook done", "name", h.name, "duration", time.Since(start))
		ran++
	}
	return ran, nil
}

func orderedHooks() []dataHook {
	out := make([]dataHook, len(dataHooks))
	copy(out, dataHooks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out
}

func appliedHooks(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensure data_migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
