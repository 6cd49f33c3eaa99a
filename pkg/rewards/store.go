package rewards

import (
	"context"
	"time"
)

// Store is the durable state of the cashback program. Implementations must make each method
// atomic on its own; FinalizeLedgerEntry in particular writes the payout ids, the processed
// flag and the pool totals together or not at all.
type Store interface {
	// ListRegisteredUsers returns users with both addresses set.
	ListRegisteredUsers(ctx context.Context) ([]RegisteredUser, error)
	// GetUser returns ErrUserNotFound when no row exists for userID.
	GetUser(ctx context.Context, userID string) (*RegisteredUser, error)
	// SaveRegistration upserts the user and inserts backfill entries, skipping keys already present.
	SaveRegistration(ctx context.Context, user RegisteredUser, backfill []LedgerEntry) error
	// ClearRegistration clears addresses and watermark and deletes every ledger entry of the user.
	ClearRegistration(ctx context.Context, userID string) error

	// GetLedger returns the user's entries ordered by ObservedAt, then key.
	GetLedger(ctx context.Context, userID string) ([]LedgerEntry, error)
	// AppendLedgerEntry returns ErrAlreadyRecorded when the key already exists.
	AppendLedgerEntry(ctx context.Context, userID string, entry LedgerEntry) error
	// DiscardPendingEntry removes an unprocessed entry whose payouts never landed.
	DiscardPendingEntry(ctx context.Context, userID string, key EntryKey) error
	// FinalizeLedgerEntry stores payout ids, marks the entry processed and adds the item
	// amounts to the pool statistics.
	FinalizeLedgerEntry(ctx context.Context, userID string, key EntryKey, items []RewardLineItem) error
	// AdvanceWatermark moves LastProcessedAt forward; it never moves it back.
	AdvanceWatermark(ctx context.Context, userID string, ts time.Time) error

	GetPoolStatistics(ctx context.Context) ([]PoolStatistics, error)
}

// DistributedByPool indexes pool statistics by pool token.
func DistributedByPool(stats []PoolStatistics) map[string]uint64 {
	out := make(map[string]uint64, len(stats))
	for _, s := range stats {
		out[s.Pool] = s.DistributedTotal
	}
	return out
}
