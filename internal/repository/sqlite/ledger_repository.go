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

const createAccountsTable = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	tokens INTEGER NOT NULL DEFAULT 0 CHECK (tokens >= 0),
	last_claim INTEGER NOT NULL DEFAULT 0,
	last_recharge INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

const selectAccount = `
SELECT id, tokens, last_claim, last_recharge, created_at, updated_at
FROM accounts
WHERE id = ?`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) repository.LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createAccountsTable); err != nil {
		return fmt.Errorf("create accounts table: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Create(ctx context.Context, account *domain.Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO accounts (id, tokens, last_claim, last_recharge, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Tokens,
		account.LastClaim,
		account.LastRecharge,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", account.ID, repository.ErrAlreadyExists)
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *LedgerRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRowContext(ctx, selectAccount, id))
}

func (r *LedgerRepository) CreditAfterCooldown(ctx context.Context, id string, action domain.LedgerAction, amount int64, now time.Time, cooldown time.Duration) (*domain.Account, error) {
	var column string
	switch action {
	case domain.LedgerActionClaim:
		column = "last_claim"
	case domain.LedgerActionRecharge:
		column = "last_recharge"
	default:
		return nil, fmt.Errorf("unsupported cooldown action %q", action)
	}

	nowMs := now.UnixMilli()
	stmt := fmt.Sprintf(`
UPDATE accounts
SET tokens = tokens + ?, %[1]s = ?, updated_at = ?
WHERE id = ? AND %[1]s <= ?`, column)

	return r.conditionalUpdate(ctx, id, stmt,
		amount, nowMs, now.UTC(), id, nowMs-cooldown.Milliseconds(),
	)
}

func (r *LedgerRepository) Debit(ctx context.Context, id string, amount int64, now time.Time) (*domain.Account, error) {
	return r.conditionalUpdate(ctx, id, `
UPDATE accounts
SET tokens = tokens - ?, updated_at = ?
WHERE id = ? AND tokens >= ?`,
		amount, now.UTC(), id, amount,
	)
}

func (r *LedgerRepository) Credit(ctx context.Context, id string, amount int64, now time.Time) (*domain.Account, error) {
	return r.conditionalUpdate(ctx, id, `
UPDATE accounts
SET tokens = tokens + ?, updated_at = ?
WHERE id = ?`,
		amount, now.UTC(), id,
	)
}

// conditionalUpdate runs a guarded UPDATE and reads the row back in the same
// transaction. A zero row count is reported as ErrNotFound or ErrConditionFailed.
func (r *LedgerRepository) conditionalUpdate(ctx context.Context, id, stmt string, args ...any) (*domain.Account, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("account rows affected: %w", err)
	}

	account, err := scanAccount(tx.QueryRowContext(ctx, selectAccount, id))
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, repository.ErrConditionFailed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return account, nil
}

func scanAccount(row interface {
	Scan(dest ...any) error
}) (*domain.Account, error) {
	var account domain.Account
	if err := row.Scan(
		&account.ID,
		&account.Tokens,
		&account.LastClaim,
		&account.LastRecharge,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &account, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
