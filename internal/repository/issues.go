package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluefermion/issuecapture/internal/model"
)

// CreateIssue inserts the issue and, when non-nil, its screenshot in one
// transaction: both rows become visible together or not at all.
//
// No slow I/O happens while the transaction is open; the screenshot object
// was written before this call.
func (r *Repository) CreateIssue(ctx context.Context, issue *model.Issue, shot *model.Screenshot) error {
	metadata, err := json.Marshal(issue.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, r.rebind(`
	INSERT INTO issues (
		id, project_id, environment_id, title, description, severity, status,
		metadata, screenshot_status, screenshot_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		issue.ID, issue.ProjectID, issue.EnvironmentID, issue.Title, issue.Description,
		string(issue.Severity), string(issue.Status),
		string(metadata), string(issue.ScreenshotStatus), nullString(issue.ScreenshotError),
		issue.CreatedAt, issue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert issue: %w", err)
	}

	if shot != nil {
		if err := r.insertScreenshot(ctx, tx, shot); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit issue: %w", err)
	}
	return nil
}

func (r *Repository) insertScreenshot(ctx context.Context, tx *sql.Tx, shot *model.Screenshot) error {
	selector, err := json.Marshal(shot.ElementSelector)
	if err != nil {
		return fmt.Errorf("failed to encode element selector: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.rebind(`
	INSERT INTO screenshots (
		id, issue_id, storage_path, mime_type, file_size, width, height,
		element_selector, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		shot.ID, shot.IssueID, shot.StoragePath, shot.MimeType, shot.FileSize,
		shot.Width, shot.Height, string(selector), shot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert screenshot: %w", err)
	}
	return nil
}

const issueColumns = `
	id, project_id, environment_id, title, description, severity, status,
	metadata, screenshot_status, screenshot_error, created_at, updated_at, deleted_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*model.Issue, error) {
	var (
		issue     model.Issue
		severity  string
		status    string
		shotState string
		metadata  sql.NullString
		shotError sql.NullString
		deletedAt sql.NullTime
	)
	// Scan MUST match the column order of issueColumns.
	err := row.Scan(
		&issue.ID, &issue.ProjectID, &issue.EnvironmentID, &issue.Title, &issue.Description,
		&severity, &status, &metadata, &shotState, &shotError,
		&issue.CreatedAt, &issue.UpdatedAt, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	issue.Severity = model.Severity(severity)
	issue.Status = model.Status(status)
	issue.ScreenshotStatus = model.ScreenshotStatus(shotState)
	issue.ScreenshotError = shotError.String
	if deletedAt.Valid {
		t := deletedAt.Time
		issue.DeletedAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		// Metadata is diagnostic; an unreadable blob should not hide the issue.
		_ = json.Unmarshal([]byte(metadata.String), &issue.Metadata)
	}
	return &issue, nil
}

// GetIssue returns a live issue with its screenshots, or nil when there is
// none with that id.
func (r *Repository) GetIssue(ctx context.Context, id string) (*model.Issue, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT`+issueColumns+`
	FROM issues WHERE id = ? AND deleted_at IS NULL`), id)

	issue, err := scanIssue(row)
	// Handle the "record not found" case gracefully.
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get issue: %w", err)
	}

	shots, err := r.listScreenshots(ctx, id)
	if err != nil {
		return nil, err
	}
	issue.Screenshots = shots
	return issue, nil
}

// ListIssues returns a page of a project's live issues, newest first.
// Pagination keeps large projects from being loaded into memory at once.
func (r *Repository) ListIssues(ctx context.Context, projectID string, limit, offset int) ([]*model.Issue, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT`+issueColumns+`
	FROM issues
	WHERE project_id = ? AND deleted_at IS NULL
	ORDER BY created_at DESC, id DESC
	LIMIT ? OFFSET ?`), projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	// Always close rows to release the connection back to the pool.
	defer rows.Close()

	issues := []*model.Issue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

// IssueExists reports whether a row exists for id, soft-deleted or not. A
// soft-deleted issue still owns its screenshot objects.
func (r *Repository) IssueExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT 1 FROM issues WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check issue: %w", err)
	}
	return true, nil
}

const screenshotColumns = `
	id, issue_id, storage_path, mime_type, file_size, width, height,
	element_selector, created_at`

func scanScreenshot(row rowScanner) (*model.Screenshot, error) {
	var (
		shot     model.Screenshot
		selector sql.NullString
	)
	err := row.Scan(
		&shot.ID, &shot.IssueID, &shot.StoragePath, &shot.MimeType, &shot.FileSize,
		&shot.Width, &shot.Height, &selector, &shot.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if selector.Valid && selector.String != "" {
		_ = json.Unmarshal([]byte(selector.String), &shot.ElementSelector)
	}
	return &shot, nil
}

func (r *Repository) listScreenshots(ctx context.Context, issueID string) ([]model.Screenshot, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT`+screenshotColumns+`
	FROM screenshots WHERE issue_id = ? ORDER BY created_at, id`), issueID)
	if err != nil {
		return nil, fmt.Errorf("failed to list screenshots: %w", err)
	}
	defer rows.Close()

	var shots []model.Screenshot
	for rows.Next() {
		shot, err := scanScreenshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan screenshot: %w", err)
		}
		shots = append(shots, *shot)
	}
	return shots, rows.Err()
}

// GetScreenshot returns one screenshot of a live issue, or nil.
func (r *Repository) GetScreenshot(ctx context.Context, issueID, screenshotID string) (*model.Screenshot, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`
	SELECT s.id, s.issue_id, s.storage_path, s.mime_type, s.file_size, s.width, s.height,
		s.element_selector, s.created_at
	FROM screenshots s JOIN issues i ON i.id = s.issue_id
	WHERE s.id = ? AND s.issue_id = ? AND i.deleted_at IS NULL`), screenshotID, issueID)

	shot, err := scanScreenshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get screenshot: %w", err)
	}
	return shot, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
