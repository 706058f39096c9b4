package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/narvanalabs/botrunner/internal/models"
	"github.com/narvanalabs/botrunner/internal/secrets"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	sealer *secrets.Sealer
	logger *slog.Logger
	withTx func(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const deploymentColumns = `server_id, deployment_id, server_name, dir, stage, status, error,
	file_name, file_list, manifest, dependencies, external_config, created_at, updated_at`

// Save inserts or replaces a deployment record.
func (s *DeploymentStore) Save(ctx context.Context, rec *models.DeploymentRecord) error {
	dependenciesJSON, err := json.Marshal(rec.Details.Dependencies)
	if err != nil {
		return fmt.Errorf("marshaling dependencies: %w", err)
	}

	configJSON, err := s.marshalConfig(rec.ExternalConfig)
	if err != nil {
		return err
	}

	var manifest []byte
	if len(rec.Details.Manifest) > 0 {
		manifest = rec.Details.Manifest
	}

	query := `
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (server_id, deployment_id) DO UPDATE SET
			server_name = EXCLUDED.server_name,
			dir = EXCLUDED.dir,
			stage = EXCLUDED.stage,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			file_name = EXCLUDED.file_name,
			file_list = EXCLUDED.file_list,
			manifest = EXCLUDED.manifest,
			dependencies = EXCLUDED.dependencies,
			external_config = EXCLUDED.external_config,
			updated_at = EXCLUDED.updated_at`

	fileList := rec.Details.FileList
	if fileList == nil {
		fileList = []string{}
	}

	_, err = s.conn().ExecContext(ctx, query,
		rec.ServerID,
		rec.DeploymentID,
		rec.ServerName,
		rec.Dir,
		string(rec.Stage),
		rec.Status,
		rec.Error,
		rec.Details.FileName,
		pq.Array(fileList),
		nullJSON(manifest),
		nullJSON(dependenciesJSON),
		nullJSON(configJSON),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving deployment %s/%s: %w", rec.ServerID, rec.DeploymentID, err)
	}
	return nil
}

// Load retrieves a deployment record by key.
func (s *DeploymentStore) Load(ctx context.Context, key models.DeploymentKey) (*models.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE server_id = $1 AND deployment_id = $2`

	rec, err := s.scanDeployment(s.conn().QueryRowContext(ctx, query, key.ServerID, key.DeploymentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return rec, nil
}

// List retrieves every deployment ordered by created_at.
func (s *DeploymentStore) List(ctx context.Context) ([]*models.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY created_at ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.DeploymentRecord
	for rows.Next() {
		rec, err := s.scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	return out, nil
}

// Delete removes a deployment and its logs in one transaction.
func (s *DeploymentStore) Delete(ctx context.Context, key models.DeploymentKey) error {
	del := func(q queryable) error {
		if _, err := q.ExecContext(ctx,
			`DELETE FROM deployment_logs WHERE server_id = $1 AND deployment_id = $2`,
			key.ServerID, key.DeploymentID); err != nil {
			return fmt.Errorf("deleting logs: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM deployments WHERE server_id = $1 AND deployment_id = $2`,
			key.ServerID, key.DeploymentID); err != nil {
			return fmt.Errorf("deleting deployment: %w", err)
		}
		return nil
	}

	if s.tx != nil || s.withTx == nil {
		return del(s.conn())
	}
	return s.withTx(ctx, func(tx *sql.Tx) error { return del(tx) })
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *DeploymentStore) scanDeployment(row rowScanner) (*models.DeploymentRecord, error) {
	var (
		rec              models.DeploymentRecord
		stage            string
		manifest         []byte
		dependenciesJSON []byte
		configJSON       []byte
	)

	err := row.Scan(
		&rec.ServerID,
		&rec.DeploymentID,
		&rec.ServerName,
		&rec.Dir,
		&stage,
		&rec.Status,
		&rec.Error,
		&rec.Details.FileName,
		pq.Array(&rec.Details.FileList),
		&manifest,
		&dependenciesJSON,
		&configJSON,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Stage = models.Stage(stage)
	if len(manifest) > 0 {
		rec.Details.Manifest = json.RawMessage(manifest)
	}
	if len(dependenciesJSON) > 0 {
		if err := json.Unmarshal(dependenciesJSON, &rec.Details.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshaling dependencies: %w", err)
		}
	}
	if len(configJSON) > 0 {
		cfg, err := s.unmarshalConfig(configJSON)
		if err != nil {
			return nil, err
		}
		rec.ExternalConfig = cfg
	}
	return &rec, nil
}

// marshalConfig seals the connection string before encoding.
func (s *DeploymentStore) marshalConfig(cfg *models.ExternalConfig) ([]byte, error) {
	if cfg == nil {
		return nil, nil
	}
	out := *cfg
	sealed, err := s.sealer.Seal(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("sealing connection string: %w", err)
	}
	out.ConnectionString = sealed
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshaling external config: %w", err)
	}
	return data, nil
}

func (s *DeploymentStore) unmarshalConfig(data []byte) (*models.ExternalConfig, error) {
	var cfg models.ExternalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling external config: %w", err)
	}
	opened, err := s.sealer.Open(cfg.ConnectionString)
	if err != nil {
		// The record is still usable without its connection string.
		s.logger.Warn("failed to open sealed connection string", "error", err)
		opened = ""
	}
	cfg.ConnectionString = opened
	return &cfg, nil
}

// nullJSON maps empty or "null" encodings to SQL NULL.
func nullJSON(data []byte) any {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return string(data)
}
