package main

import (
	"context"
	"database/sql"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"bot-panel/internal/config"
	"bot-panel/internal/repository"
	redisrepo "bot-panel/internal/repository/redis"
	"bot-panel/internal/repository/sqlite"
)

type stores struct {
	db          *sql.DB
	redis       goredis.UniversalClient
	accounts    repository.LedgerRepository
	deployments repository.DeploymentRepository
	users       repository.UserRepository
}

// openStores opens the sqlite database and, when configured, the redis ledger,
// and creates any missing tables.
func openStores(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (*stores, error) {
	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &stores{
		db:          db,
		deployments: sqlite.NewDeploymentRepository(db),
		users:       sqlite.NewUserRepository(db),
	}

	switch cfg.Ledger.Store {
	case "redis":
		opts, err := goredis.ParseURL(cfg.Ledger.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse ledger.redis_url: %w", err)
		}
		s.redis = goredis.NewClient(opts)
		s.accounts = redisrepo.NewLedgerRepository(s.redis, cfg.Ledger.RedisPrefix)
		log.WithField("addr", opts.Addr).Info("Using redis ledger store")
	default:
		s.accounts = sqlite.NewLedgerRepository(db)
		log.WithField("path", cfg.Database.Path).Info("Using sqlite ledger store")
	}

	if err := sqlite.InitAll(ctx, s.accounts, s.deployments, s.users); err != nil {
		s.Close()
		return nil, fmt.Errorf("init stores: %w", err)
	}
	return s, nil
}

func (s *stores) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	_ = s.db.Close()
}
