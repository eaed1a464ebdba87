// Package redis stores the token ledger in Redis hashes, one hash per account.
// Mutations use WATCH/MULTI/EXEC so a guard and its write commit together.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"bot-panel/internal/domain"
	"bot-panel/internal/repository"
)

const maxTxRetries = 16

type LedgerRepository struct {
	client goredis.UniversalClient
	prefix string
}

func NewLedgerRepository(client goredis.UniversalClient, prefix string) repository.LedgerRepository {
	if prefix == "" {
		prefix = "ledger:account:"
	}
	return &LedgerRepository{client: client, prefix: prefix}
}

func (r *LedgerRepository) key(id string) string {
	return r.prefix + id
}

// Init verifies connectivity; hashes need no schema.
func (r *LedgerRepository) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Create(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	key := r.key(account.ID)
	txf := func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("account %s: %w", account.ID, repository.ErrAlreadyExists)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, accountFields(account))
			return nil
		})
		return err
	}
	return r.watch(ctx, key, txf)
}

func (r *LedgerRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	values, err := r.client.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return parseAccount(id, values)
}

func (r *LedgerRepository) CreditAfterCooldown(ctx context.Context, id string, action domain.LedgerAction, amount int64, now time.Time, cooldown time.Duration) (*domain.Account, error) {
	if action != domain.LedgerActionClaim && action != domain.LedgerActionRecharge {
		return nil, fmt.Errorf("unsupported cooldown action %q", action)
	}

	nowMs := now.UnixMilli()
	return r.mutate(ctx, id, now, func(acc *domain.Account) error {
		stamp := &acc.LastClaim
		if action == domain.LedgerActionRecharge {
			stamp = &acc.LastRecharge
		}
		if nowMs-*stamp < cooldown.Milliseconds() {
			return repository.ErrConditionFailed
		}
		acc.Tokens += amount
		*stamp = nowMs
		return nil
	})
}

func (r *LedgerRepository) Debit(ctx context.Context, id string, amount int64, now time.Time) (*domain.Account, error) {
	return r.mutate(ctx, id, now, func(acc *domain.Account) error {
		if acc.Tokens < amount {
			return repository.ErrConditionFailed
		}
		acc.Tokens -= amount
		return nil
	})
}

func (r *LedgerRepository) Credit(ctx context.Context, id string, amount int64, now time.Time) (*domain.Account, error) {
	return r.mutate(ctx, id, now, func(acc *domain.Account) error {
		acc.Tokens += amount
		return nil
	})
}

// mutate loads the account under WATCH, applies fn and writes the hash back in MULTI.
// A concurrent writer aborts the EXEC and the whole read-check-write is retried.
func (r *LedgerRepository) mutate(ctx context.Context, id string, now time.Time, fn func(*domain.Account) error) (*domain.Account, error) {
	key := r.key(id)
	var out *domain.Account

	txf := func(tx *goredis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("load account: %w", err)
		}
		acc, err := parseAccount(id, values)
		if err != nil {
			return err
		}
		if err := fn(acc); err != nil {
			return err
		}
		acc.UpdatedAt = now.UTC()

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, accountFields(acc))
			return nil
		})
		if err != nil {
			return err
		}
		out = acc
		return nil
	}

	if err := r.watch(ctx, key, txf); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *LedgerRepository) watch(ctx context.Context, key string, txf func(*goredis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too many concurrent writers", key)
}

func accountFields(acc *domain.Account) map[string]any {
	return map[string]any{
		"tokens":        acc.Tokens,
		"last_claim":    acc.LastClaim,
		"last_recharge": acc.LastRecharge,
		"created_at":    acc.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":    acc.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func parseAccount(id string, values map[string]string) (*domain.Account, error) {
	if len(values) == 0 {
		return nil, repository.ErrNotFound
	}

	acc := &domain.Account{ID: id}
	var err error
	if acc.Tokens, err = parseInt(values, "tokens"); err != nil {
		return nil, err
	}
	if acc.LastClaim, err = parseInt(values, "last_claim"); err != nil {
		return nil, err
	}
	if acc.LastRecharge, err = parseInt(values, "last_recharge"); err != nil {
		return nil, err
	}
	acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, values["created_at"])
	acc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, values["updated_at"])
	return acc, nil
}

func parseInt(values map[string]string, field string) (int64, error) {
	raw, ok := values[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse account %s: %w", field, err)
	}
	return v, nil
}
