package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"bot-panel/internal/domain"
	"bot-panel/internal/repository"
)

func newLedger(t *testing.T) repository.LedgerRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := NewLedgerRepository(client, "")
	require.NoError(t, repo.Init(context.Background()))
	return repo
}

func TestLedgerRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)

	require.NoError(t, repo.Create(ctx, &domain.Account{ID: "alice", Tokens: 2}))
	require.ErrorIs(t, repo.Create(ctx, &domain.Account{ID: "alice"}), repository.ErrAlreadyExists)

	acc, err := repo.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), acc.Tokens)
	require.False(t, acc.CreatedAt.IsZero())

	_, err = repo.Get(ctx, "bob")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedgerRepository_CooldownAndDebit(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, repo.Create(ctx, &domain.Account{ID: "alice", LastRecharge: now.Add(-25 * time.Hour).UnixMilli()}))

	acc, err := repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionRecharge, 20, now, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(20), acc.Tokens)
	require.Equal(t, now.UnixMilli(), acc.LastRecharge)

	_, err = repo.CreditAfterCooldown(ctx, "alice", domain.LedgerActionRecharge, 20, now.Add(time.Hour), 24*time.Hour)
	require.ErrorIs(t, err, repository.ErrConditionFailed)

	acc, err = repo.Debit(ctx, "alice", 20, now)
	require.NoError(t, err)
	require.Zero(t, acc.Tokens)

	_, err = repo.Debit(ctx, "alice", 1, now)
	require.ErrorIs(t, err, repository.ErrConditionFailed)

	_, err = repo.Credit(ctx, "ghost", 1, now)
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLedgerRepository_ConcurrentClaimsGrantOnce(t *testing.T) {
	ctx := context.Background()
	repo := newLedger(t)
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &domain.Account{ID: "alice"}))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 6; i++ {
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
