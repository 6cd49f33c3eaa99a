package cashback

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/socialtag/cashback/pkg/db/postgres"
	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestDB connects to POSTGRES_TEST_URL or skips.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	t.Setenv("POSTGRES_URL", url)
	db, err := NewWithPoolConfig(context.Background(), zaptest.NewLogger(t), postgres.GetPoolConfigForComponent("cashback_api"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestStoreLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := "test-" + uuid.NewString()
	pool := "TEST-" + uuid.NewString()[:8]
	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

	_, err := db.GetUser(ctx, userID)
	require.ErrorIs(t, err, rewards.ErrUserNotFound)

	backfill := []rewards.LedgerEntry{{
		Key:          rewards.EntryKey{SourceTxID: "OLD"},
		Amount:       decimal.RequireFromString("4.57"),
		ObservedAt:   t0.Add(-time.Hour),
		Processed:    true,
		IsHistorical: true,
		CreatedAt:    t0,
	}}
	require.NoError(t, db.SaveRegistration(ctx, rewards.RegisteredUser{
		UserID: userID, SourceAddress: "SRC", RewardAddress: "RWD", LastProcessedAt: t0, RegisteredAt: t0,
	}, backfill))

	key := rewards.EntryKey{SourceTxID: "NEW", TransferIndex: 2}
	pending := rewards.LedgerEntry{
		Key:        key,
		Amount:     decimal.NewFromInt(1),
		ObservedAt: t0.Add(time.Minute),
		IsInner:    true,
		CreatedAt:  t0,
		RewardLineItems: []rewards.RewardLineItem{
			{Pool: pool, AssetID: 9, Amount: 500, IdempotencyKey: "k1"},
		},
	}
	require.NoError(t, db.AppendLedgerEntry(ctx, userID, pending))
	require.ErrorIs(t, db.AppendLedgerEntry(ctx, userID, pending), rewards.ErrAlreadyRecorded)

	ledger, err := db.GetLedger(ctx, userID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, "4.57", ledger[0].Amount.String())
	assert.False(t, ledger[1].Processed)
	require.Len(t, ledger[1].RewardLineItems, 1)
	assert.Equal(t, "k1", ledger[1].RewardLineItems[0].IdempotencyKey)

	items := []rewards.RewardLineItem{{Pool: pool, AssetID: 9, Amount: 500, IdempotencyKey: "k1", PayoutTxID: "PAY1"}}
	require.NoError(t, db.FinalizeLedgerEntry(ctx, userID, key, items))
	require.ErrorIs(t, db.FinalizeLedgerEntry(ctx, userID, key, items), rewards.ErrAlreadyRecorded)
	require.ErrorIs(t, db.FinalizeLedgerEntry(ctx, userID, rewards.EntryKey{SourceTxID: "MISSING"}, items), rewards.ErrEntryNotFound)

	stats, err := db.GetPoolStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), rewards.DistributedByPool(stats)[pool])

	require.NoError(t, db.AdvanceWatermark(ctx, userID, t0.Add(time.Minute)))
	require.NoError(t, db.AdvanceWatermark(ctx, userID, t0))
	u, err := db.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.True(t, u.LastProcessedAt.Equal(t0.Add(time.Minute)))

	users, err := db.ListRegisteredUsers(ctx)
	require.NoError(t, err)
	found := false
	for _, ru := range users {
		found = found || ru.UserID == userID
	}
	assert.True(t, found)

	require.NoError(t, db.ClearRegistration(ctx, userID))
	ledger, err = db.GetLedger(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, ledger)
	u, err = db.GetUser(ctx, userID)
	require.NoError(t, err)
	assert.False(t, u.Registered())
	assert.True(t, u.LastProcessedAt.IsZero())
}

func TestDiscardPendingEntry(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	userID := "test-" + uuid.NewString()
	t0 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.SaveRegistration(ctx, rewards.RegisteredUser{
		UserID: userID, SourceAddress: "SRC", RewardAddress: "RWD", LastProcessedAt: t0, RegisteredAt: t0,
	}, nil))

	done := rewards.LedgerEntry{Key: rewards.EntryKey{SourceTxID: "DONE"}, Amount: decimal.NewFromInt(1), ObservedAt: t0, Processed: true, CreatedAt: t0}
	pending := rewards.LedgerEntry{Key: rewards.EntryKey{SourceTxID: "PEND"}, Amount: decimal.NewFromInt(1), ObservedAt: t0, CreatedAt: t0,
		RewardLineItems: []rewards.RewardLineItem{{Pool: "P", AssetID: 1, Amount: 1, IdempotencyKey: "k"}}}
	require.NoError(t, db.AppendLedgerEntry(ctx, userID, done))
	require.NoError(t, db.AppendLedgerEntry(ctx, userID, pending))

	require.NoError(t, db.DiscardPendingEntry(ctx, userID, done.Key))
	require.NoError(t, db.DiscardPendingEntry(ctx, userID, pending.Key))

	ledger, err := db.GetLedger(ctx, userID)
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	assert.Equal(t, "DONE", ledger[0].Key.SourceTxID)
}
