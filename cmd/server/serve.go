package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bot-panel/internal/config"
	"bot-panel/internal/github"
	"bot-panel/internal/heroku"
	apphttp "bot-panel/internal/http"
	"bot-panel/internal/metrics"
	"bot-panel/internal/service"
	"bot-panel/internal/storage"
	"bot-panel/internal/watcher"
)

func newServeCmd(log *logrus.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), log)
		},
	}
}

func runServe(parent context.Context, log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()

	hk := heroku.NewClient(heroku.Config{
		BaseURL:        cfg.Heroku.BaseURL,
		APIKey:         cfg.Heroku.APIKey,
		AppURLTemplate: cfg.Heroku.AppURLTemplate,
		ProbeTimeout:   cfg.Heroku.ProbeTimeout,
		Logger:         log,
		Observer:       m.UpstreamObserver("heroku"),
	})
	if cfg.Heroku.APIKey == "" {
		log.Warn("No Heroku API key configured; ledger deploys and owned-app control will fail")
	}
	platform, forKey := service.HerokuPlatforms(hk)

	var (
		repo   service.RepoReader
		source service.SourceResolver
	)
	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		gh, err := github.NewClient(github.Config{
			Owner:   cfg.GitHub.Owner,
			Repo:    cfg.GitHub.Repo,
			Branch:  cfg.GitHub.Branch,
			Token:   cfg.GitHub.Token,
			BaseURL: cfg.GitHub.BaseURL,
			Logger:  log,
		})
		if err != nil {
			return fmt.Errorf("setup github client: %w", err)
		}
		repo, source = gh, gh
	}

	var archive service.LogArchiver
	if cfg.Storage.Bucket != "" {
		store, err := buildStorage(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("setup storage: %w", err)
		}
		archive = storage.NewLogArchive(store, cfg.Storage.Bucket, cfg.Storage.KeyPrefix, cfg.Storage.LinkTTL)
	}

	deploy := service.NewDeployService(platform, forKey, source, service.DeployConfig{
		AppPrefix:        cfg.Heroku.AppPrefix,
		SourceArchiveURL: cfg.Source.ArchiveURL,
		SourceVersion:    cfg.Source.Version,
		Logger:           log,
	})
	ledger := service.NewLedgerService(st.accounts, st.deployments, deploy, service.LedgerConfig{
		RechargeSecret: cfg.Ledger.RechargeSecret,
		Logger:         log,
		Metrics:        m,
	})

	builds := watcher.New(watcher.Config{
		MaxConcurrent:  cfg.Watcher.MaxConcurrent,
		PollInterval:   cfg.Watcher.Interval,
		RescanInterval: cfg.Watcher.Rescan,
		Timeout:        cfg.Watcher.Timeout,
		Logger:         log,
		Metrics:        m,
	}, hk, st.deployments)
	if err := builds.Start(ctx); err != nil {
		return fmt.Errorf("start build watcher: %w", err)
	}
	defer builds.Shutdown()

	bots := service.NewBotService(platform, forKey, st.deployments, service.BotConfig{
		Repo:    repo,
		Archive: archive,
		Builds:  builds,
		Logger:  log,
	})

	svc := apphttp.Services{
		Ledger:  ledger,
		Deploy:  deploy,
		Bots:    bots,
		Watcher: builds,
	}
	opts := apphttp.Options{
		Metrics:     m,
		Logger:      log,
		CORSOrigins: cfg.Server.CORSOrigins,
		StaticDir:   cfg.Server.StaticDir,
	}
	if cfg.Server.RateLimit > 0 {
		opts.RateLimiter = apphttp.NewIPRateLimiter(ctx, cfg.Server.RateLimit, cfg.Server.RateBurst)
	}

	switch cfg.Auth.Mode {
	case "oidc":
		auth, err := apphttp.NewOIDCAuthenticator(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.OIDCClientID)
		if err != nil {
			return err
		}
		opts.Auth = auth
	default:
		issuer := apphttp.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		opts.Auth, opts.Issuer = issuer, issuer
		svc.Users = service.NewUserService(st.users, ledger, cfg.Auth.RegisterSecret)
	}
	log.WithField("mode", cfg.Auth.Mode).Info("Authentication configured")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(svc, opts).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown")
	}
	return nil
}

func buildStorage(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (storage.Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	log.WithFields(logrus.Fields{
		"bucket": cfg.Storage.Bucket,
		"region": cfg.Storage.Region,
	}).Info("Archiving logs to S3")
	return storage.NewS3Service(client), nil
}
