package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/fulfillment-engine/internal/model"
)

func TestMemoryRepository_AdjustBalance(t *testing.T) {
	repo := NewMemoryRepository()
	u := repo.SeedUser("+996700000001", 100)
	ctx := context.Background()

	err := repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		balance, err := tx.AdjustBalance(ctx, u.ID, -100)
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		_, err = tx.AdjustBalance(ctx, u.ID, -1)
		assert.ErrorIs(t, err, model.ErrInsufficientBalance)
		return nil
	})
	require.NoError(t, err)

	got, err := repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LoyaltyPoints)

	err = repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.AdjustBalance(ctx, 999, 1)
		return err
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryRepository_RollbackOnError(t *testing.T) {
	repo := NewMemoryRepository()
	u := repo.SeedUser("+996700000002", 100)
	ctx := context.Background()
	boom := errors.New("boom")

	err := repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.AdjustBalance(ctx, u.ID, -40); err != nil {
			return err
		}
		if _, err := tx.NextOrderSequence(ctx, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.LoyaltyPoints)

	err = repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		seq, err := tx.NextOrderSequence(ctx, time.Now())
		assert.Equal(t, int64(1), seq)
		return err
	})
	require.NoError(t, err)
}

func TestMemoryRepository_SequencePerDayIsUnique(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	day := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
				seq, err := tx.NextOrderSequence(ctx, day)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				assert.False(t, seen[seq], "duplicate sequence %d", seq)
				seen[seq] = true
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)

	err := repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		seq, err := tx.NextOrderSequence(ctx, day.AddDate(0, 0, 1))
		assert.Equal(t, int64(1), seq, "a new day starts a new sequence")
		return err
	})
	require.NoError(t, err)
}

func TestMemoryRepository_Settings(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	s, err := repo.GetPricingSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPricingSettings(), s)

	require.NoError(t, repo.SetSetting(context.Background(), model.SettingCashbackPercent, "10"))
	require.NoError(t, repo.SetSetting(context.Background(), model.SettingDeliveryFee, "150.50"))

	s, err = repo.GetPricingSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), s.CashbackPercent)
	assert.True(t, s.DeliveryFee.Equal(decimal.RequireFromString("150.50")))

	require.NoError(t, repo.SetSetting(context.Background(), model.SettingMaxPointsUsePercent, "abc"))
	_, err = repo.GetPricingSettings(ctx)
	assert.Error(t, err)

	require.NoError(t, repo.SetSetting(context.Background(), model.SettingMaxPointsUsePercent, "150"))
	_, err = repo.GetPricingSettings(ctx)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestMemoryRepository_Products(t *testing.T) {
	repo := NewMemoryRepository()
	require.NoError(t, repo.UpsertProduct(context.Background(), model.Product{ID: "p1", Price: decimal.NewFromInt(10), IsAvailable: true}))

	got, err := repo.GetProducts(context.Background(), []string{"p1", "missing"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "p1")
}
