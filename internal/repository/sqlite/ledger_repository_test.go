package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bot-panel/internal/domain"
	"bot-panel/internal/repository"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newLedger(t *testing.T) repository.LedgerRepository {
	t.Helper()
	repo := NewLedgerRepository(openTestDB(t))
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestLedgerRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)

	require.NoError(t, repo.Create(ctx, &domain.Account{ID: "alice", Tokens: 3}))

	acc, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(3), acc.Tokens)
	require.Zero(t, acc.LastClaim)

	err = repo.Create(ctx, &domain.Account{ID: "alice"})
	require.ErrorIs(t, err, repository.ErrAlreadyExists)

	_, err = repo.Get(ctx, "bob")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedgerRepository_CreditAfterCooldown(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, repo.Create(ctx, &domain.Account{
		ID:        "alice",
		LastClaim: now.Add(-23 * time.Hour).UnixMilli(),
	}))

	_, err := repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionClaim, 10, now, 24*time.Hour)
	require.ErrorIs(t, err, repository.ErrConditionFailed)

	acc, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, acc.Tokens)

	later := now.Add(2 * time.Hour)
	acc, err = repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionClaim, 10, later, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(10), acc.Tokens)
	require.Equal(t, later.UnixMilli(), acc.LastClaim)
	require.Zero(t, acc.LastRecharge)

	acc, err = repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionRecharge, 20, later, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(30), acc.Tokens)
	require.Equal(t, later.UnixMilli(), acc.LastRecharge)

	_, err = repo.CreditAfterCooldown(ctx, "nobody", domain.LedgerActionClaim, 10, later, 24*time.Hour)
	require.ErrorIs(t, err, repository.ErrNotFound)

	_, err = repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionDeploy, 10, later, 24*time.Hour)
	require.Error(t, err)
}

func TestLedgerRepository_DebitNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &domain.Account{ID: "alice", Tokens: 1}))

	acc, err := repo.Debit(ctx, "alice", 1, now)
	require.NoError(t, err)
	require.Zero(t, acc.Tokens)

	_, err = repo.Debit(ctx, "alice", 1, now)
	require.ErrorIs(t, err, repository.ErrConditionFailed)

	acc, err = repo.Credit(ctx, "alice", 1, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), acc.Tokens)

	_, err = repo.Debit(ctx, "ghost", 1, now)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedgerRepository_ConcurrentClaimsGrantOnce(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &domain.Account{ID: "alice"}))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionClaim, 10, now, 24*time.Hour); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, successes)
	acc, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(10), acc.Tokens)
}
