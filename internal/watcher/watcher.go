package watcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bot-panel/internal/domain"
	"bot-panel/internal/heroku"
	"bot-panel/internal/metrics"
	"bot-panel/internal/repository"
)

// Watcher follows the first build of every deployed app until the platform
// reports a final state, and records that state on the deployment.
type Watcher interface {
	Start(ctx context.Context) error
	Shutdown()
	Watch(ctx context.Context, deploymentID string) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, deploymentID string) error
}

// BuildReader is satisfied by *heroku.Client.
type BuildReader interface {
	GetBuild(ctx context.Context, app, buildID string) (*heroku.Build, error)
}

type Config struct {
	MaxConcurrent int
	PollInterval  time.Duration
	// RescanInterval controls how often the store is checked for builds that
	// are not yet being watched (e.g. after a restart).
	RescanInterval time.Duration
	// Timeout bounds how long a build may stay pending before it is marked failed.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

type watcher struct {
	cfg         Config
	builds      BuildReader
	deployments repository.DeploymentRepository
	log         logrus.FieldLogger

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[string]*watchHandle
}

type watchHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, builds BuildReader, deployments repository.DeploymentRepository) Watcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &watcher{
		cfg:         cfg,
		builds:      builds,
		deployments: deployments,
		log:         cfg.Logger.WithField("component", "watcher"),
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		active:      make(map[string]*watchHandle),
	}
}

func (w *watcher) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	if err := w.Resume(w.ctx); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.RescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				if err := w.Resume(w.ctx); err != nil && w.ctx.Err() == nil {
					w.log.WithError(err).Warn("Rescan of building deployments failed")
				}
			}
		}
	}()

	w.log.WithFields(logrus.Fields{
		"workers":  w.cfg.MaxConcurrent,
		"interval": w.cfg.PollInterval,
	}).Info("Build watcher started")
	return nil
}

func (w *watcher) Shutdown() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info("Build watcher stopped")
}

func (w *watcher) Watch(ctx context.Context, deploymentID string) error {
	deployment, err := w.deployments.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	w.spawn(*deployment)
	return nil
}

// Resume starts watching every deployment still marked building.
func (w *watcher) Resume(ctx context.Context) error {
	deployments, err := w.deployments.ListByStatuses(ctx, domain.DeploymentStatusBuilding)
	if err != nil {
		return err
	}
	for i := range deployments {
		w.spawn(deployments[i])
	}
	return nil
}

func (w *watcher) spawn(deployment domain.Deployment) {
	if w.ctx == nil || deployment.Status != domain.DeploymentStatusBuilding || deployment.BuildID == "" {
		return
	}

	watchCtx, cancel := context.WithCancel(w.ctx)
	handle := &watchHandle{cancel: cancel, done: make(chan struct{})}
	if !w.register(deployment.ID, handle) {
		cancel()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			cancel()
			w.unregister(deployment.ID)
			close(handle.done)
		}()
		select {
		case <-watchCtx.Done():
			return
		case w.sem <- struct{}{}:
			defer func() { <-w.sem }()
			w.follow(watchCtx, deployment)
		}
	}()
}

func (w *watcher) register(id string, handle *watchHandle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.active[id]; ok {
		return false
	}
	w.active[id] = handle
	w.cfg.Metrics.SetWatchedBuilds(len(w.active))
	return true
}

func (w *watcher) unregister(id string) {
	w.mu.Lock()
	delete(w.active, id)
	w.cfg.Metrics.SetWatchedBuilds(len(w.active))
	w.mu.Unlock()
}

func (w *watcher) Cancel(ctx context.Context, deploymentID string) error {
	w.mu.Lock()
	handle, ok := w.active[deploymentID]
	w.mu.Unlock()
	if !ok {
		return nil
	}

	handle.cancel()
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *watcher) follow(ctx context.Context, deployment domain.Deployment) {
	log := w.log.WithFields(logrus.Fields{
		"deployment": deployment.ID,
		"app":        deployment.AppName,
		"build":      deployment.BuildID,
	})
	deadline := deployment.CreatedAt.Add(w.cfg.Timeout)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if done := w.poll(ctx, log, deployment, deadline); done {
			return
		}
		select {
		case <-ctx.Done():
			log.Debug("Stopped watching build")
			return
		case <-ticker.C:
		}
	}
}

// poll checks the build once and reports whether watching is finished.
func (w *watcher) poll(ctx context.Context, log logrus.FieldLogger, deployment domain.Deployment, deadline time.Time) bool {
	build, err := w.builds.GetBuild(ctx, deployment.AppName, deployment.BuildID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return true
		}
		var upstream *heroku.UpstreamError
		if errors.As(err, &upstream) && upstream.StatusCode == 404 {
			return w.finish(ctx, log, deployment, domain.DeploymentStatusFailed, "build not found")
		}
		log.WithError(err).Warn("Build status check failed")
	} else {
		switch build.Status {
		case "succeeded":
			return w.finish(ctx, log, deployment, domain.DeploymentStatusSucceeded, "")
		case "failed":
			return w.finish(ctx, log, deployment, domain.DeploymentStatusFailed, "build failed")
		}
	}

	if !deployment.CreatedAt.IsZero() && time.Now().After(deadline) {
		return w.finish(ctx, log, deployment, domain.DeploymentStatusFailed, "build did not finish in time")
	}
	return false
}

func (w *watcher) finish(ctx context.Context, log logrus.FieldLogger, deployment domain.Deployment, status domain.DeploymentStatus, msg string) bool {
	if err := w.deployments.UpdateStatus(ctx, deployment.ID, status, msg); err != nil {
		log.WithError(err).Error("Failed to record build result")
		return ctx.Err() != nil
	}
	w.cfg.Metrics.DeploymentStatus(string(status))
	log.WithField("status", status).Info("Build finished")
	return true
}
