package repository

import (
	"context"

	"bot-panel/internal/domain"
)

// DeploymentRepository tracks apps created through the ledger-gated deploy flow.
type DeploymentRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, deployment *domain.Deployment) error
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	FindByApp(ctx context.Context, appName string) (*domain.Deployment, error)
	ListByAccount(ctx context.Context, accountID string) ([]domain.Deployment, error)
	ListByStatuses(ctx context.Context, statuses ...domain.DeploymentStatus) ([]domain.Deployment, error)
	MarkBuilding(ctx context.Context, id, buildID string) error
	UpdateStatus(ctx context.Context, id string, status domain.DeploymentStatus, errorMessage string) error
}
