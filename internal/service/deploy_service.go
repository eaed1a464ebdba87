package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"bot-panel/internal/heroku"
)

// Provisioner creates a fully configured app and starts its first build.
type Provisioner interface {
	NewAppName() string
	Provision(ctx context.Context, appName string, vars map[string]string) (*Provisioned, error)
}

type Provisioned struct {
	AppName string
	BuildID string
	Build   json.RawMessage
}

// DeployService provisions ledger-paid apps and rebuilds caller-owned apps.
type DeployService interface {
	Provisioner
	Redeploy(ctx context.Context, req RedeployRequest) (*RedeployResult, error)
}

// RedeployRequest rebuilds an existing app with the caller's own platform key.
type RedeployRequest struct {
	APIKey    string
	AppName   string
	SessionID string
	Prefix    string
}

type RedeployResult struct {
	Config json.RawMessage `json:"config"`
	Build  json.RawMessage `json:"build"`
}

// SourceResolver finds the bot's source tarball when none is configured.
type SourceResolver interface {
	ArchiveURL(ctx context.Context) (string, error)
}

type DeployConfig struct {
	AppPrefix        string
	SourceArchiveURL string
	SourceVersion    string
	Logger           logrus.FieldLogger
}

type deployService struct {
	platform Platform
	forKey   PlatformForKey
	source   SourceResolver
	cfg      DeployConfig
	log      logrus.FieldLogger
}

func NewDeployService(platform Platform, forKey PlatformForKey, source SourceResolver, cfg DeployConfig) DeployService {
	if cfg.AppPrefix == "" {
		cfg.AppPrefix = "subzero-"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &deployService{
		platform: platform,
		forKey:   forKey,
		source:   source,
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "deploy"),
	}
}

// NewAppName returns the prefix plus eight random lowercase hex characters.
func (s *deployService) NewAppName() string {
	return s.cfg.AppPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (s *deployService) Provision(ctx context.Context, appName string, vars map[string]string) (*Provisioned, error) {
	log := s.log.WithField("app", appName)

	if _, err := s.platform.CreateApp(ctx, appName); err != nil {
		return nil, err
	}

	_, build, raw, err := s.configureAndBuild(ctx, s.platform, appName, vars)
	if err != nil {
		s.cleanupApp(ctx, log, appName)
		return nil, err
	}

	log.WithField("build", build.ID).Info("Provisioned app")
	return &Provisioned{AppName: appName, BuildID: build.ID, Build: raw}, nil
}

// configureAndBuild sets the app's config vars and triggers a build from the bot source.
func (s *deployService) configureAndBuild(ctx context.Context, platform Platform, appName string, vars map[string]string) (json.RawMessage, *heroku.Build, json.RawMessage, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	config, err := platform.UpdateConfigVars(ctx, appName, vars)
	if err != nil {
		return nil, nil, nil, err
	}

	sourceURL, err := s.sourceURL(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	build, raw, err := platform.CreateBuild(ctx, appName, sourceURL, s.cfg.SourceVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	return config, build, raw, nil
}

// cleanupApp deletes a half-provisioned app so a refunded deploy leaves nothing behind.
func (s *deployService) cleanupApp(ctx context.Context, log logrus.FieldLogger, appName string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := s.platform.DeleteApp(cleanupCtx, appName); err != nil {
		log.WithError(err).Warn("Failed to delete partially provisioned app")
		return
	}
	log.Info("Deleted partially provisioned app")
}

func (s *deployService) sourceURL(ctx context.Context) (string, error) {
	if s.cfg.SourceArchiveURL != "" {
		return s.cfg.SourceArchiveURL, nil
	}
	if s.source == nil {
		return "", fmt.Errorf("no source archive configured")
	}
	return s.source.ArchiveURL(ctx)
}

func (s *deployService) Redeploy(ctx context.Context, req RedeployRequest) (*RedeployResult, error) {
	if strings.TrimSpace(req.APIKey) == "" || strings.TrimSpace(req.AppName) == "" {
		return nil, missing("herokuApiKey or herokuAppName")
	}
	if !heroku.ValidAppName(req.AppName) {
		return nil, ErrInvalidAppName
	}
	config, _, build, err := s.configureAndBuild(ctx, s.forKey(req.APIKey), req.AppName, map[string]string{
		"SESSION_ID": req.SessionID,
		"PREFIX":     req.Prefix,
	})
	if err != nil {
		return nil, err
	}

	s.log.WithField("app", req.AppName).Info("Redeploy triggered")
	return &RedeployResult{Config: config, Build: build}, nil
}
