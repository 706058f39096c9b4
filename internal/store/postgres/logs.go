package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/narvanalabs/botrunner/internal/models"
)

// LogStore implements store.LogStore using PostgreSQL.
type LogStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *LogStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append inserts lines, skipping IDs that are already stored.
func (s *LogStore) Append(ctx context.Context, key models.DeploymentKey, lines []models.LogLine) error {
	if len(lines) == 0 {
		return nil
	}

	query := `
		INSERT INTO deployment_logs (server_id, deployment_id, id, stream, message, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (server_id, deployment_id, id) DO NOTHING`

	insert := func(q queryable) error {
		for _, line := range lines {
			if _, err := q.ExecContext(ctx, query,
				key.ServerID,
				key.DeploymentID,
				line.ID,
				string(line.Stream),
				line.Message,
				line.Timestamp,
			); err != nil {
				return fmt.Errorf("inserting log line %d: %w", line.ID, err)
			}
		}
		return nil
	}

	if s.tx != nil {
		return insert(s.tx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := insert(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// List retrieves up to limit lines older than beforeID, oldest first.
func (s *LogStore) List(ctx context.Context, key models.DeploymentKey, beforeID int64, limit int) ([]models.LogLine, error) {
	query := `
		SELECT id, stream, message, timestamp FROM (
			SELECT id, stream, message, timestamp
			FROM deployment_logs
			WHERE server_id = $1 AND deployment_id = $2 AND ($3::bigint <= 0 OR id < $3::bigint)
			ORDER BY id DESC
			LIMIT $4
		) page
		ORDER BY id ASC`

	var lim any
	if limit > 0 {
		lim = limit
	}

	rows, err := s.conn().QueryContext(ctx, query, key.ServerID, key.DeploymentID, beforeID, lim)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var out []models.LogLine
	for rows.Next() {
		var (
			line   models.LogLine
			stream string
		)
		if err := rows.Scan(&line.ID, &stream, &line.Message, &line.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning log line: %w", err)
		}
		line.Stream = models.LogStream(stream)
		out = append(out, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating logs: %w", err)
	}
	return out, nil
}

// Clear removes every line of a deployment.
func (s *LogStore) Clear(ctx context.Context, key models.DeploymentKey) error {
	_, err := s.conn().ExecContext(ctx,
		`DELETE FROM deployment_logs WHERE server_id = $1 AND deployment_id = $2`,
		key.ServerID, key.DeploymentID)
	if err != nil {
		return fmt.Errorf("clearing logs: %w", err)
	}
	return nil
}
