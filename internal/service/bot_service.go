package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"bot-panel/internal/domain"
	"bot-panel/internal/github"
	"bot-panel/internal/heroku"
	"bot-panel/internal/repository"
	"bot-panel/internal/storage"
)

const (
	workerProcess = "worker"
	logLines      = 100
)

// ControlRequest names the app to act on. With APIKey set the caller's own
// platform credentials are used and ownership is not checked.
type ControlRequest struct {
	AccountID string
	AppName   string
	APIKey    string
}

type UpdateRequest struct {
	ControlRequest
	EnvVars []domain.EnvVar
}

// BotService forwards control operations for deployed bots to the platform.
type BotService interface {
	Start(ctx context.Context, req ControlRequest) (json.RawMessage, error)
	Stop(ctx context.Context, req ControlRequest) (json.RawMessage, error)
	Update(ctx context.Context, req UpdateRequest) (json.RawMessage, error)
	Destroy(ctx context.Context, req ControlRequest) error
	Logs(ctx context.Context, req ControlRequest) (string, error)
	StreamLogs(ctx context.Context, req ControlRequest, fn func(line string) error) error
	Status(ctx context.Context, appName string) (heroku.BotStatus, error)
	RepoStatus(ctx context.Context) (*github.Commit, error)
	ArchiveLogs(ctx context.Context, req ControlRequest) (*storage.ArchivedLog, error)
	ListArchives(ctx context.Context, req ControlRequest) ([]storage.ArchivedLog, error)
	Deployments(ctx context.Context, accountID string) ([]domain.Deployment, error)
	// CheckAccess reports whether req may act on its app without calling the platform.
	CheckAccess(ctx context.Context, req ControlRequest) error
}

type RepoReader interface {
	LatestCommit(ctx context.Context) (*github.Commit, error)
}

type LogArchiver interface {
	Save(ctx context.Context, app, logs string, at time.Time) (*storage.ArchivedLog, error)
	List(ctx context.Context, app string) ([]storage.ArchivedLog, error)
	Purge(ctx context.Context, app string) error
}

// BuildCanceller stops following a deployment's build.
type BuildCanceller interface {
	Cancel(ctx context.Context, deploymentID string) error
}

type BotConfig struct {
	Repo    RepoReader
	Archive LogArchiver
	Builds  BuildCanceller
	Now     func() time.Time
	Logger  logrus.FieldLogger
}

type botService struct {
	platform    Platform
	forKey      PlatformForKey
	deployments repository.DeploymentRepository
	repo        RepoReader
	archive     LogArchiver
	builds      BuildCanceller
	now         func() time.Time
	log         logrus.FieldLogger
}

func NewBotService(platform Platform, forKey PlatformForKey, deployments repository.DeploymentRepository, cfg BotConfig) BotService {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &botService{
		platform:    platform,
		forKey:      forKey,
		deployments: deployments,
		repo:        cfg.Repo,
		archive:     cfg.Archive,
		builds:      cfg.Builds,
		now:         cfg.Now,
		log:         cfg.Logger.WithField("component", "bot"),
	}
}

func (s *botService) Start(ctx context.Context, req ControlRequest) (json.RawMessage, error) {
	return s.scale(ctx, req, 1)
}

func (s *botService) Stop(ctx context.Context, req ControlRequest) (json.RawMessage, error) {
	return s.scale(ctx, req, 0)
}

func (s *botService) scale(ctx context.Context, req ControlRequest, quantity int) (json.RawMessage, error) {
	platform, err := s.platformFor(ctx, req)
	if err != nil {
		return nil, err
	}
	raw, err := platform.ScaleFormation(ctx, req.AppName, workerProcess, quantity)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"app": req.AppName, "quantity": quantity}).Info("Scaled worker")
	return raw, nil
}

func (s *botService) Update(ctx context.Context, req UpdateRequest) (json.RawMessage, error) {
	platform, err := s.platformFor(ctx, req.ControlRequest)
	if err != nil {
		return nil, err
	}
	if len(req.EnvVars) == 0 {
		return nil, missing("envVars")
	}
	raw, err := platform.UpdateConfigVars(ctx, req.AppName, domain.EnvVarsToMap(req.EnvVars))
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"app": req.AppName, "vars": len(req.EnvVars)}).Info("Updated config vars")
	return raw, nil
}

// Destroy deletes the app. When the app is one of the caller's deployments its
// build watch is stopped, the record is marked deleted and archived logs are purged.
func (s *botService) Destroy(ctx context.Context, req ControlRequest) error {
	platform, err := s.platformFor(ctx, req)
	if err != nil {
		return err
	}
	log := s.log.WithField("app", req.AppName)

	deployment, err := s.deployments.FindByApp(ctx, req.AppName)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		deployment = nil
	case err != nil:
		return err
	case deployment.AccountID != req.AccountID || !deployment.Active():
		deployment = nil
	}

	if deployment != nil && s.builds != nil {
		if err := s.builds.Cancel(ctx, deployment.ID); err != nil {
			return fmt.Errorf("stop build watch: %w", err)
		}
	}
	if err := platform.DeleteApp(ctx, req.AppName); err != nil {
		return err
	}
	if deployment != nil {
		if err := s.deployments.UpdateStatus(ctx, deployment.ID, domain.DeploymentStatusDeleted, ""); err != nil {
			log.WithError(err).Warn("Failed to mark deployment deleted")
		}
	}
	if s.archive != nil {
		if err := s.archive.Purge(ctx, req.AppName); err != nil {
			log.WithError(err).Warn("Failed to purge archived logs")
		}
	}
	log.Info("Destroyed app")
	return nil
}

func (s *botService) Logs(ctx context.Context, req ControlRequest) (string, error) {
	platform, err := s.platformFor(ctx, req)
	if err != nil {
		return "", err
	}
	session, err := platform.CreateLogSession(ctx, req.AppName, heroku.LogSessionOptions{
		Dyno:  workerProcess,
		Lines: logLines,
	})
	if err != nil {
		return "", err
	}
	return platform.FetchLogs(ctx, session.LogplexURL)
}

// StreamLogs tails the worker's logs until ctx is cancelled or fn fails.
func (s *botService) StreamLogs(ctx context.Context, req ControlRequest, fn func(line string) error) error {
	platform, err := s.platformFor(ctx, req)
	if err != nil {
		return err
	}
	session, err := platform.CreateLogSession(ctx, req.AppName, heroku.LogSessionOptions{
		Dyno:  workerProcess,
		Lines: logLines,
		Tail:  true,
	})
	if err != nil {
		return err
	}
	body, err := platform.OpenLogStream(ctx, session.LogplexURL)
	if err != nil {
		return err
	}
	defer body.Close()

	err = heroku.ScanLogLines(body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *botService) Status(ctx context.Context, appName string) (heroku.BotStatus, error) {
	if err := checkAppName(appName); err != nil {
		return heroku.BotStatus{}, err
	}
	return s.platform.ProbeApp(ctx, appName)
}

func (s *botService) RepoStatus(ctx context.Context) (*github.Commit, error) {
	if s.repo == nil {
		return nil, errors.New("repository not configured")
	}
	return s.repo.LatestCommit(ctx)
}

// ArchiveLogs fetches the latest log lines and stores them as a snapshot.
func (s *botService) ArchiveLogs(ctx context.Context, req ControlRequest) (*storage.ArchivedLog, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	logs, err := s.Logs(ctx, req)
	if err != nil {
		return nil, err
	}
	saved, err := s.archive.Save(ctx, req.AppName, logs, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"app": req.AppName, "key": saved.Key}).Info("Archived logs")
	return saved, nil
}

func (s *botService) ListArchives(ctx context.Context, req ControlRequest) ([]storage.ArchivedLog, error) {
	if s.archive == nil {
		return nil, ErrArchiveDisabled
	}
	if _, err := s.platformFor(ctx, req); err != nil {
		return nil, err
	}
	return s.archive.List(ctx, req.AppName)
}

func (s *botService) Deployments(ctx context.Context, accountID string) ([]domain.Deployment, error) {
	return s.deployments.ListByAccount(ctx, accountID)
}

func (s *botService) CheckAccess(ctx context.Context, req ControlRequest) error {
	_, err := s.platformFor(ctx, req)
	return err
}

// platformFor picks the credentials for req. Without a caller key the app must
// be a live deployment of the caller's account.
func (s *botService) platformFor(ctx context.Context, req ControlRequest) (Platform, error) {
	if err := checkAppName(req.AppName); err != nil {
		return nil, err
	}
	if key := strings.TrimSpace(req.APIKey); key != "" {
		return s.forKey(key), nil
	}

	deployment, err := s.deployments.FindByApp(ctx, req.AppName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAppNotFound
	}
	if err != nil {
		return nil, err
	}
	if deployment.AccountID != req.AccountID || !deployment.Active() {
		return nil, ErrAppNotFound
	}
	return s.platform, nil
}
