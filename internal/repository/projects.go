package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluefermion/issuecapture/internal/model"
)

// FindProjectByKey returns the project owning key, or nil for an unknown key.
func (r *Repository) FindProjectByKey(ctx context.Context, key string) (*model.Project, error) {
	var (
		p       model.Project
		name    sql.NullString
		origins sql.NullString
	)
	err := r.db.QueryRowContext(ctx, r.rebind(`
	SELECT id, environment_id, project_key, name, enabled, allowed_origins
	FROM projects WHERE project_key = ?`), key).
		Scan(&p.ID, &p.EnvironmentID, &p.Key, &name, &p.Enabled, &origins)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find project: %w", err)
	}
	p.Name = name.String
	if origins.Valid && origins.String != "" {
		if err := json.Unmarshal([]byte(origins.String), &p.AllowedOrigins); err != nil {
			return nil, fmt.Errorf("failed to decode allowed origins of project %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// UpsertProject inserts p or updates the row with the same id.
//
// The statement is a select followed by an update or insert instead of a
// dialect-specific ON CONFLICT / ON DUPLICATE KEY clause, so the same SQL
// runs on all three backends.
func (r *Repository) UpsertProject(ctx context.Context, p *model.Project) error {
	origins, err := json.Marshal(p.AllowedOrigins)
	if err != nil {
		return fmt.Errorf("failed to encode allowed origins: %w", err)
	}
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	err = tx.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM projects WHERE id = ?`), p.ID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, r.rebind(`
		INSERT INTO projects (
			id, environment_id, project_key, name, enabled, allowed_origins, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, p.EnvironmentID, p.Key, p.Name, p.Enabled, string(origins), now, now)
	case err == nil:
		_, err = tx.ExecContext(ctx, r.rebind(`
		UPDATE projects
		SET environment_id = ?, project_key = ?, name = ?, enabled = ?, allowed_origins = ?, updated_at = ?
		WHERE id = ?`),
			p.EnvironmentID, p.Key, p.Name, p.Enabled, string(origins), now, p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert project %s: %w", p.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project %s: %w", p.ID, err)
	}
	return nil
}
