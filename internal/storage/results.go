package storage

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/montecast-ai/montecast/internal/model"
)

// SaveResult stores the immutable result bundle for a finished job.
// Bundles are written exactly once; a second write for the same job is a
// state-machine violation and fails on the primary key.
func (db *DB) SaveResult(ctx context.Context, jobID uuid.UUID, bundle *model.ResultBundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("storage: encode result bundle: %w", err)
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO simulation_results (job_id, bundle) VALUES ($1, $2)`,
		jobID, raw,
	); err != nil {
		return fmt.Errorf("storage: save result: %w", err)
	}
	return nil
}

// GetResult loads the result bundle for a job. Returns ErrNotFound when
// the job has no stored result (not finished, failed, or purged).
func (db *DB) GetResult(ctx context.Context, jobID uuid.UUID) (*model.ResultBundle, error) {
	var raw []byte
	err := db.pool.QueryRow(ctx,
		`SELECT bundle FROM simulation_results WHERE job_id = $1`, jobID,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get result: %w", err)
	}

	var bundle model.ResultBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("storage: decode result bundle: %w", err)
	}
	return &bundle, nil
}
