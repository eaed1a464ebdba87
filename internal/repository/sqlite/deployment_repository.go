package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"bot-panel/internal/domain"
	"bot-panel/internal/repository"
)

const createDeploymentsTable = `
CREATE TABLE IF NOT EXISTS deployments (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	app_name TEXT NOT NULL UNIQUE,
	build_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deployments_account ON deployments(account_id);
CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
`

const deploymentColumns = `id, account_id, app_name, build_id, status, error_message, created_at, updated_at`

type DeploymentRepository struct {
	db *sql.DB
}

func NewDeploymentRepository(db *sql.DB) repository.DeploymentRepository {
	return &DeploymentRepository{db: db}
}

func (r *DeploymentRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createDeploymentsTable); err != nil {
		return fmt.Errorf("create deployments table: %w", err)
	}
	return nil
}

func (r *DeploymentRepository) Create(ctx context.Context, d *domain.Deployment) error {
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = domain.DeploymentStatusPending
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO deployments (`+deploymentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.AccountID,
		d.AppName,
		d.BuildID,
		string(d.Status),
		d.ErrorMessage,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("deployment %s: %w", d.AppName, repository.ErrAlreadyExists)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

func (r *DeploymentRepository) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

func (r *DeploymentRepository) FindByApp(ctx context.Context, appName string) (*domain.Deployment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE app_name = ?`, appName)
	return scanDeployment(row)
}

func (r *DeploymentRepository) ListByAccount(ctx context.Context, accountID string) ([]domain.Deployment, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+deploymentColumns+`
FROM deployments
WHERE account_id = ?
ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return collectDeployments(rows)
}

func (r *DeploymentRepository) ListByStatuses(ctx context.Context, statuses ...domain.DeploymentStatus) ([]domain.Deployment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT `+deploymentColumns+`
FROM deployments
WHERE status IN (`+strings.Join(placeholders, ",")+`)
ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments by status: %w", err)
	}
	return collectDeployments(rows)
}

func (r *DeploymentRepository) MarkBuilding(ctx context.Context, id, buildID string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE deployments
SET build_id = ?, status = ?, updated_at = ?
WHERE id = ?`,
		buildID,
		string(domain.DeploymentStatusBuilding),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark deployment building: %w", err)
	}
	return expectOneRow(res)
}

func (r *DeploymentRepository) UpdateStatus(ctx context.Context, id string, status domain.DeploymentStatus, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE deployments
SET status = ?, error_message = ?, updated_at = ?
WHERE id = ?`,
		string(status),
		errorMessage,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}
	return expectOneRow(res)
}

func collectDeployments(rows *sql.Rows) ([]domain.Deployment, error) {
	defer rows.Close()

	var out []domain.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

func scanDeployment(row interface {
	Scan(dest ...any) error
}) (*domain.Deployment, error) {
	var (
		d      domain.Deployment
		status string
	)
	if err := row.Scan(
		&d.ID,
		&d.AccountID,
		&d.AppName,
		&d.BuildID,
		&status,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	d.Status = domain.DeploymentStatus(status)
	return &d, nil
}

func expectOneRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
