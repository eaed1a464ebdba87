package repository

import (
	"context"
	"time"

	"bot-panel/internal/domain"
)

// LedgerRepository persists accounts. Every mutating method is a single conditional
// update: the guard and the write commit together or not at all.
type LedgerRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, account *domain.Account) error
	Get(ctx context.Context, id string) (*domain.Account, error)
	// CreditAfterCooldown adds amount and stamps the action's timestamp with now, but only
	// if at least cooldown has elapsed since the previous stamp. action must be
	// LedgerActionClaim or LedgerActionRecharge.
	CreditAfterCooldown(ctx context.Context, id string, action domain.LedgerAction, amount int64, now time.Time, cooldown time.Duration) (*domain.Account, error)
	// Debit subtracts amount only if the balance covers it.
	Debit(ctx context.Context, id string, amount int64, now time.Time) (*domain.Account, error)
	// Credit adds amount unconditionally (refunds, admin grants).
	Credit(ctx context.Context, id string, amount int64, now time.Time) (*domain.Account, error)
}
