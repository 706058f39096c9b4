package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS deployments (
	server_id       TEXT NOT NULL,
	deployment_id   TEXT NOT NULL,
	server_name     TEXT NOT NULL DEFAULT '',
	dir             TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	file_name       TEXT NOT NULL DEFAULT '',
	file_list       TEXT[] NOT NULL DEFAULT '{}',
	manifest        JSONB,
	dependencies    JSONB,
	external_config JSONB,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (server_id, deployment_id)
);

CREATE TABLE IF NOT EXISTS deployment_logs (
	server_id     TEXT NOT NULL,
	deployment_id TEXT NOT NULL,
	id            BIGINT NOT NULL,
	stream        TEXT NOT NULL,
	message       TEXT NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (server_id, deployment_id, id)
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, db queryable) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}
