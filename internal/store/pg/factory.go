package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// OpenDB opens a Postgres pool via the pgx stdlib driver and verifies
// connectivity.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewPGStores creates the full store set backed by Postgres. The
// schema is managed by `clawgate migrate up`, not here.
func NewPGStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	stores := &store.Stores{
		Sessions:     NewPGSessionStore(db),
		Transcripts:  NewPGTranscriptStore(db),
		MonitorState: NewPGMonitorStateStore(db),
		Cron:         NewPGCronStore(db),
	}
	return stores.WithCloser(db.Close), nil
}
