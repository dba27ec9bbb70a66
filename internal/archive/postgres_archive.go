package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/bcrosbie/activityhub/internal/domain"
)

const (
	defaultDBMaxOpenConns    = 4
	defaultDBMaxIdleConns    = 2
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
)

const createActivitiesTable = `
	CREATE TABLE IF NOT EXISTS activities (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		label            TEXT NOT NULL,
		status           TEXT NOT NULL,
		started_at       TIMESTAMPTZ NOT NULL,
		duration_seconds DOUBLE PRECISION,
		parent_id        TEXT,
		children         JSONB NOT NULL DEFAULT '[]'::jsonb,
		attributes       JSONB NOT NULL DEFAULT '{}'::jsonb,
		archived_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

// PostgresArchive inserts finished activities into an activities table,
// creating it on Load if it is missing.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, domain.InvalidArgument("archive dsn is required when archive driver is postgres")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.Internal("failed to open postgres connection", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	return &PostgresArchive{db: db}, nil
}

func (a *PostgresArchive) Load(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultDBPingTimeout)
	defer cancel()
	if err := a.db.PingContext(pingCtx); err != nil {
		return domain.Internal("failed to connect to postgres", err)
	}
	if _, err := a.db.ExecContext(ctx, createActivitiesTable); err != nil {
		return domain.Internal("failed to create activities table", err)
	}
	return a.verifySchemaReady(ctx)
}

func (a *PostgresArchive) verifySchemaReady(ctx context.Context) error {
	var exists bool
	if err := a.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public.activities").Scan(&exists); err != nil {
		return domain.Internal("failed to verify database schema", err)
	}
	if !exists {
		return domain.FailedPrecondition(`required table "activities" is missing`)
	}
	return nil
}

func (a *PostgresArchive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Archive is idempotent on id so a retried write never duplicates a row.
func (a *PostgresArchive) Archive(ctx context.Context, activity domain.Activity) error {
	args, err := insertArgs(activity)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO activities (
			id, kind, label, status, started_at, duration_seconds, parent_id, children, attributes
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, args...)
	if err != nil {
		return domain.Internal("failed to insert activity", err)
	}
	return nil
}

func insertArgs(activity domain.Activity) ([]any, error) {
	children := activity.Children
	if children == nil {
		children = []string{}
	}
	childrenJSON, err := json.Marshal(children)
	if err != nil {
		return nil, domain.Internal("failed to serialize activity children", err)
	}
	attributes := activity.Attributes
	if attributes == nil {
		attributes = domain.Attributes{}
	}
	attributesJSON, err := json.Marshal(attributes)
	if err != nil {
		return nil, domain.Internal("failed to serialize activity attributes", err)
	}

	var duration any
	if activity.Duration != nil {
		duration = activity.Duration.Seconds()
	}
	var parentID any
	if activity.ParentID != "" {
		parentID = activity.ParentID
	}

	return []any{
		activity.ID,
		string(activity.Kind),
		activity.Label,
		string(activity.Status),
		activity.StartedAt.UTC(),
		duration,
		parentID,
		string(childrenJSON),
		string(attributesJSON),
	}, nil
}
