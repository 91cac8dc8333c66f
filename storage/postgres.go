package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// schema is applied statement by statement by Migrate.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS approval_configs (
		document_type TEXT PRIMARY KEY,
		body          JSONB NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS approval_instances (
		document_id    TEXT PRIMARY KEY,
		id             BIGINT NOT NULL,
		document_type  TEXT NOT NULL,
		overall_status TEXT NOT NULL,
		version        BIGINT NOT NULL,
		body           JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS approval_instances_type_status_idx
		ON approval_instances (document_type, overall_status)`,
}

// PostgresOptions configures the connection pool of PostgresStorage.
type PostgresOptions struct {
	DSN      string
	MaxConns int32
}

// PostgresStorage is a PostgreSQL implementation of the Store interface.
// Configs and instances are kept as JSONB documents; the columns next to the
// body exist for filtering and the optimistic version check.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStorage)(nil)

// NewPostgresStorage opens a pool and verifies the connection.
func NewPostgresStorage(ctx context.Context, opts PostgresOptions) (*PostgresStorage, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresStorage{pool: pool}, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// SaveConfig upserts the config of a document type.
func (s *PostgresStorage) SaveConfig(ctx context.Context, cfg types.WorkflowConfig) error {
	return withContextError(ctx, func() error {
		body, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config %s: %w", cfg.DocumentType, err)
		}
		query := `
			INSERT INTO approval_configs (document_type, body, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (document_type)
			DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at
		`
		if _, err := s.pool.Exec(ctx, query, string(cfg.DocumentType), body); err != nil {
			return fmt.Errorf("failed to save config %s: %w", cfg.DocumentType, err)
		}
		return nil
	})
}

// GetConfig retrieves the config of a document type.
func (s *PostgresStorage) GetConfig(ctx context.Context, docType types.DocumentType) (types.WorkflowConfig, error) {
	return withContext(ctx, func() (types.WorkflowConfig, error) {
		var body []byte
		err := s.pool.QueryRow(ctx,
			`SELECT body FROM approval_configs WHERE document_type = $1`,
			string(docType),
		).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.WorkflowConfig{}, fmt.Errorf("%w: document_type=%s", ErrConfigNotFound, docType)
		} else if err != nil {
			return types.WorkflowConfig{}, fmt.Errorf("failed to get config %s: %w", docType, err)
		}

		var cfg types.WorkflowConfig
		if err := json.Unmarshal(body, &cfg); err != nil {
			return types.WorkflowConfig{}, fmt.Errorf("failed to unmarshal config %s: %w", docType, err)
		}
		return cfg, nil
	})
}

// CreateInstance inserts a new instance with version 1.
func (s *PostgresStorage) CreateInstance(ctx context.Context, inst *types.ApprovalInstance) error {
	return withContextError(ctx, func() error {
		stored := inst.Clone()
		stored.Version = 1
		body, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", inst.DocumentID, err)
		}

		query := `
			INSERT INTO approval_instances
			    (document_id, id, document_type, overall_status, version, body, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (document_id) DO NOTHING
		`
		tag, err := s.pool.Exec(ctx, query,
			stored.DocumentID,
			int64(stored.ID),
			string(stored.DocumentType),
			string(stored.OverallStatus),
			stored.Version,
			body,
			time.UnixMilli(stored.CreatedAt),
			time.UnixMilli(stored.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create instance %s: %w", inst.DocumentID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: document_id=%s", ErrAlreadyExists, inst.DocumentID)
		}
		inst.Version = 1
		return nil
	})
}

// GetInstance retrieves the instance of a document.
func (s *PostgresStorage) GetInstance(ctx context.Context, documentID string) (types.ApprovalInstance, error) {
	return withContext(ctx, func() (types.ApprovalInstance, error) {
		var body []byte
		err := s.pool.QueryRow(ctx,
			`SELECT body FROM approval_instances WHERE document_id = $1`,
			documentID,
		).Scan(&body)
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ApprovalInstance{}, fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, documentID)
		} else if err != nil {
			return types.ApprovalInstance{}, fmt.Errorf("failed to get instance %s: %w", documentID, err)
		}
		return decodeInstance(body)
	})
}

// UpdateInstance replaces the instance if the stored version is expectedVersion.
func (s *PostgresStorage) UpdateInstance(ctx context.Context, inst *types.ApprovalInstance, expectedVersion int64) error {
	return withContextError(ctx, func() error {
		next := inst.Clone()
		next.Version = expectedVersion + 1
		body, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %s: %w", inst.DocumentID, err)
		}

		query := `
			UPDATE approval_instances
			SET id = $2, document_type = $3, overall_status = $4, version = $5,
			    body = $6, created_at = $7, updated_at = $8
			WHERE document_id = $1 AND version = $9
		`
		tag, err := s.pool.Exec(ctx, query,
			next.DocumentID,
			int64(next.ID),
			string(next.DocumentType),
			string(next.OverallStatus),
			next.Version,
			body,
			time.UnixMilli(next.CreatedAt),
			time.UnixMilli(next.UpdatedAt),
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update instance %s: %w", inst.DocumentID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			err := s.pool.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM approval_instances WHERE document_id = $1)`,
				inst.DocumentID,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("failed to check instance %s: %w", inst.DocumentID, err)
			}
			if !exists {
				return fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, inst.DocumentID)
			}
			return fmt.Errorf("%w: document_id=%s expected=%d", ErrVersionConflict, inst.DocumentID, expectedVersion)
		}
		inst.Version = next.Version
		return nil
	})
}

// DeleteInstance removes the instance of a retired document.
func (s *PostgresStorage) DeleteInstance(ctx context.Context, documentID string) error {
	return withContextError(ctx, func() error {
		tag, err := s.pool.Exec(ctx, `DELETE FROM approval_instances WHERE document_id = $1`, documentID)
		if err != nil {
			return fmt.Errorf("failed to delete instance %s: %w", documentID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: document_id=%s", ErrInstanceNotFound, documentID)
		}
		return nil
	})
}

// ListInstances returns the instances matching filter, ordered by document ID.
func (s *PostgresStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.ApprovalInstance, error) {
	return withContext(ctx, func() ([]types.ApprovalInstance, error) {
		query := `
			SELECT body FROM approval_instances
			WHERE ($1::text = '' OR document_type = $1)
			  AND ($2::text = '' OR overall_status = $2)
			ORDER BY document_id
		`
		rows, err := s.pool.Query(ctx, query, string(filter.DocumentType), string(filter.Status))
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		defer rows.Close()

		var out []types.ApprovalInstance
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				return nil, fmt.Errorf("failed to scan instance: %w", err)
			}
			inst, err := decodeInstance(body)
			if err != nil {
				return nil, err
			}
			out = append(out, inst)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate instances: %w", err)
		}
		return out, nil
	})
}

// ClearTerminal removes decided instances last updated before the cutoff.
func (s *PostgresStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM approval_instances
			WHERE overall_status IN ($1, $2, $3) AND updated_at < $4
		`,
			string(types.StatusApproved),
			string(types.StatusRejected),
			string(types.StatusConfirmed),
			before,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to clear terminal instances: %w", err)
		}
		return int(tag.RowsAffected()), nil
	})
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() {
	s.pool.Close()
}

func decodeInstance(body []byte) (types.ApprovalInstance, error) {
	var inst types.ApprovalInstance
	if err := json.Unmarshal(body, &inst); err != nil {
		return types.ApprovalInstance{}, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return inst, nil
}
