package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bot-panel/internal/domain"
	"bot-panel/internal/metrics"
	"bot-panel/internal/repository"
)

const (
	ClaimReward    int64 = 10
	RechargeReward int64 = 20
	DeployCost     int64 = 1
	Cooldown             = 24 * time.Hour
)

// LedgerService gates privileged actions behind the per-account token ledger.
type LedgerService interface {
	Open(ctx context.Context, accountID string) (*domain.Account, error)
	Get(ctx context.Context, accountID string) (*domain.Account, error)
	Claim(ctx context.Context, accountID string) (int64, error)
	Recharge(ctx context.Context, accountID, presentedKey string) (int64, error)
	Deploy(ctx context.Context, accountID string, params DeployParams) (*DeployResult, error)
	Grant(ctx context.Context, accountID string, amount int64) (int64, error)
}

// DeployParams are the caller-supplied settings for a new bot app.
type DeployParams struct {
	EnvVars []domain.EnvVar
}

type DeployResult struct {
	DeploymentID string
	AppName      string
	BuildID      string
}

type LedgerConfig struct {
	RechargeSecret string
	Now            func() time.Time
	Logger         logrus.FieldLogger
	Metrics        *metrics.Metrics
}

type ledgerService struct {
	accounts    repository.LedgerRepository
	deployments repository.DeploymentRepository
	provisioner Provisioner
	secret      string
	now         func() time.Time
	log         logrus.FieldLogger
	metrics     *metrics.Metrics
}

func NewLedgerService(accounts repository.LedgerRepository, deployments repository.DeploymentRepository, provisioner Provisioner, cfg LedgerConfig) LedgerService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &ledgerService{
		accounts:    accounts,
		deployments: deployments,
		provisioner: provisioner,
		secret:      strings.TrimSpace(cfg.RechargeSecret),
		now:         cfg.Now,
		log:         cfg.Logger.WithField("component", "ledger"),
		metrics:     cfg.Metrics,
	}
}

// Open creates the caller's account if needed. New accounts start empty with
// both cooldowns already elapsed.
func (s *ledgerService) Open(ctx context.Context, accountID string) (*domain.Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, missing("account id")
	}

	account := &domain.Account{ID: accountID}
	err := s.accounts.Create(ctx, account)
	if errors.Is(err, repository.ErrAlreadyExists) {
		return s.Get(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}
	s.log.WithField("account", accountID).Info("Opened account")
	return account, nil
}

func (s *ledgerService) Get(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	return account, err
}

func (s *ledgerService) Claim(ctx context.Context, accountID string) (int64, error) {
	return s.creditAfterCooldown(ctx, accountID, domain.LedgerActionClaim, ClaimReward)
}

func (s *ledgerService) Recharge(ctx context.Context, accountID, presentedKey string) (int64, error) {
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presentedKey)), []byte(s.secret)) != 1 {
		s.metrics.LedgerAction(string(domain.LedgerActionRecharge), "invalid_key")
		return 0, ErrInvalidKey
	}
	return s.creditAfterCooldown(ctx, accountID, domain.LedgerActionRecharge, RechargeReward)
}

func (s *ledgerService) creditAfterCooldown(ctx context.Context, accountID string, action domain.LedgerAction, reward int64) (int64, error) {
	now := s.now()
	account, err := s.accounts.CreditAfterCooldown(ctx, accountID, action, reward, now, Cooldown)
	switch {
	case err == nil:
		s.metrics.LedgerAction(string(action), "ok")
		s.log.WithFields(logrus.Fields{
			"account": accountID,
			"action":  action,
			"tokens":  account.Tokens,
		}).Info("Ledger credit applied")
		return account.Tokens, nil
	case errors.Is(err, repository.ErrNotFound):
		s.metrics.LedgerAction(string(action), "not_found")
		return 0, ErrAccountNotFound
	case errors.Is(err, repository.ErrConditionFailed):
		s.metrics.LedgerAction(string(action), "cooldown")
		return 0, s.cooldownError(ctx, accountID, action, now)
	default:
		return 0, err
	}
}

func (s *ledgerService) cooldownError(ctx context.Context, accountID string, action domain.LedgerAction, now time.Time) error {
	cerr := &CooldownError{Action: action}
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return cerr
	}
	last := account.LastClaim
	if action == domain.LedgerActionRecharge {
		last = account.LastRecharge
	}
	if remaining := time.UnixMilli(last).Add(Cooldown).Sub(now); remaining > 0 {
		cerr.Remaining = remaining
	}
	return cerr
}

// Deploy debits one token, then provisions a new app. If provisioning fails the
// token is refunded and the deployment record is marked refunded.
func (s *ledgerService) Deploy(ctx context.Context, accountID string, params DeployParams) (*DeployResult, error) {
	now := s.now()
	if _, err := s.accounts.Debit(ctx, accountID, DeployCost, now); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			s.metrics.LedgerAction(string(domain.LedgerActionDeploy), "not_found")
			return nil, ErrAccountNotFound
		case errors.Is(err, repository.ErrConditionFailed):
			s.metrics.LedgerAction(string(domain.LedgerActionDeploy), "insufficient")
			return nil, ErrInsufficientBalance
		default:
			return nil, err
		}
	}

	deployment := &domain.Deployment{
		ID:        uuid.NewString(),
		AccountID: accountID,
		AppName:   s.provisioner.NewAppName(),
		Status:    domain.DeploymentStatusPending,
	}
	log := s.log.WithFields(logrus.Fields{
		"account": accountID,
		"app":     deployment.AppName,
	})

	if err := s.deployments.Create(ctx, deployment); err != nil {
		s.refund(ctx, log, accountID)
		return nil, fmt.Errorf("record deployment: %w", err)
	}

	provisioned, err := s.provisioner.Provision(ctx, deployment.AppName, domain.EnvVarsToMap(params.EnvVars))
	if err != nil {
		s.refund(ctx, log, accountID)
		if uerr := s.deployments.UpdateStatus(ctx, deployment.ID, domain.DeploymentStatusRefunded, err.Error()); uerr != nil {
			log.WithError(uerr).Warn("Failed to mark deployment refunded")
		}
		s.metrics.LedgerAction(string(domain.LedgerActionDeploy), "refunded")
		s.metrics.DeploymentStatus(string(domain.DeploymentStatusRefunded))
		log.WithError(err).Warn("Deployment failed, token refunded")
		return nil, err
	}

	if err := s.deployments.MarkBuilding(ctx, deployment.ID, provisioned.BuildID); err != nil {
		log.WithError(err).Warn("Failed to mark deployment building")
	}
	s.metrics.LedgerAction(string(domain.LedgerActionDeploy), "ok")
	s.metrics.DeploymentStatus(string(domain.DeploymentStatusBuilding))
	log.WithField("build", provisioned.BuildID).Info("Deployment started")

	return &DeployResult{
		DeploymentID: deployment.ID,
		AppName:      deployment.AppName,
		BuildID:      provisioned.BuildID,
	}, nil
}

func (s *ledgerService) refund(ctx context.Context, log logrus.FieldLogger, accountID string) {
	// the request context may already be cancelled; the refund must still land
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.accounts.Credit(refundCtx, accountID, DeployCost, s.now()); err != nil {
		s.metrics.LedgerAction(string(domain.LedgerActionRefund), "error")
		log.WithError(err).Error("Failed to refund deploy token")
		return
	}
	s.metrics.LedgerAction(string(domain.LedgerActionRefund), "ok")
}

// Grant credits tokens outside the cooldown rules (operator tooling).
func (s *ledgerService) Grant(ctx context.Context, accountID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("grant amount must be positive")
	}
	account, err := s.accounts.Credit(ctx, accountID, amount, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	s.metrics.LedgerAction(string(domain.LedgerActionGrant), "ok")
	return account.Tokens, nil
}
