package cashback

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/socialtag/cashback/pkg/db/postgres"
	"github.com/socialtag/cashback/pkg/rewards"
)

func (db *DB) initLedger(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cashback_ledger (
			user_id TEXT NOT NULL REFERENCES cashback_users (user_id) ON DELETE CASCADE,
			source_tx_id TEXT NOT NULL,
			transfer_index INTEGER NOT NULL DEFAULT 0,
			amount NUMERIC(38, 12) NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			is_historical BOOLEAN NOT NULL DEFAULT FALSE,
			is_inner BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, source_tx_id, transfer_index)
		)
	`
	if err := db.Exec(ctx, query); err != nil {
		return err
	}
	return db.Exec(ctx, `CREATE INDEX IF NOT EXISTS cashback_ledger_pending_idx ON cashback_ledger (user_id) WHERE NOT processed`)
}

func (db *DB) initLedgerRewards(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cashback_ledger_rewards (
			user_id TEXT NOT NULL,
			source_tx_id TEXT NOT NULL,
			transfer_index INTEGER NOT NULL,
			position INTEGER NOT NULL,
			pool TEXT NOT NULL,
			asset_id BIGINT NOT NULL,
			amount NUMERIC(20, 0) NOT NULL,
			payout_tx_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, source_tx_id, transfer_index, pool),
			FOREIGN KEY (user_id, source_tx_id, transfer_index)
				REFERENCES cashback_ledger (user_id, source_tx_id, transfer_index) ON DELETE CASCADE
		)
	`
	return db.Exec(ctx, query)
}

const insertEntry = `
	INSERT INTO cashback_ledger (user_id, source_tx_id, transfer_index, amount, observed_at, processed, is_historical, is_inner, created_at)
	VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
`

func entryArgs(userID string, e rewards.LedgerEntry) []any {
	return []any{
		userID,
		e.Key.SourceTxID,
		e.Key.TransferIndex,
		e.Amount.String(),
		e.ObservedAt.UTC(),
		e.Processed,
		e.IsHistorical,
		e.IsInner,
		e.CreatedAt.UTC(),
	}
}

// GetLedger returns entries ordered by observed_at with their reward line items.
func (db *DB) GetLedger(ctx context.Context, userID string) ([]rewards.LedgerEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT source_tx_id, transfer_index, amount::text, observed_at, processed, is_historical, is_inner, created_at
		FROM cashback_ledger
		WHERE user_id = $1
		ORDER BY observed_at, source_tx_id, transfer_index
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query ledger of %s: %w", userID, err)
	}
	defer rows.Close()

	var (
		entries []rewards.LedgerEntry
		index   = map[rewards.EntryKey]int{}
	)
	for rows.Next() {
		var (
			e      rewards.LedgerEntry
			amount string
		)
		if err := rows.Scan(&e.Key.SourceTxID, &e.Key.TransferIndex, &amount, &e.ObservedAt, &e.Processed, &e.IsHistorical, &e.IsInner, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount of %s: %w", e.Key, err)
		}
		e.ObservedAt = e.ObservedAt.UTC()
		e.CreatedAt = e.CreatedAt.UTC()
		index[e.Key] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	items, err := db.Query(ctx, `
		SELECT source_tx_id, transfer_index, pool, asset_id, amount::text, payout_tx_id, idempotency_key
		FROM cashback_ledger_rewards
		WHERE user_id = $1
		ORDER BY source_tx_id, transfer_index, position
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query ledger rewards of %s: %w", userID, err)
	}
	defer items.Close()

	for items.Next() {
		var (
			key    rewards.EntryKey
			it     rewards.RewardLineItem
			asset  int64
			amount string
		)
		if err := items.Scan(&key.SourceTxID, &key.TransferIndex, &it.Pool, &asset, &amount, &it.PayoutTxID, &it.IdempotencyKey); err != nil {
			return nil, err
		}
		if it.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("parse reward amount of %s: %w", key, err)
		}
		it.AssetID = uint64(asset)
		if i, ok := index[key]; ok {
			entries[i].RewardLineItems = append(entries[i].RewardLineItems, it)
		}
	}
	return entries, items.Err()
}

// AppendLedgerEntry inserts the entry and its line items; an existing key yields
// rewards.ErrAlreadyRecorded.
func (db *DB) AppendLedgerEntry(ctx context.Context, userID string, entry rewards.LedgerEntry) error {
	return db.BeginFunc(ctx, func(ctx context.Context) error {
		tag, err := db.GetExecutor(ctx).Exec(ctx, insertEntry+` ON CONFLICT DO NOTHING`, entryArgs(userID, entry)...)
		if err != nil {
			return fmt.Errorf("insert ledger entry %s: %w", entry.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return rewards.ErrAlreadyRecorded
		}
		return db.writeItems(ctx, userID, entry.Key, entry.RewardLineItems)
	})
}

// DiscardPendingEntry deletes an unprocessed entry. Processed entries are left alone.
func (db *DB) DiscardPendingEntry(ctx context.Context, userID string, key rewards.EntryKey) error {
	err := db.Exec(ctx, `
		DELETE FROM cashback_ledger
		WHERE user_id = $1 AND source_tx_id = $2 AND transfer_index = $3 AND NOT processed
	`, userID, key.SourceTxID, key.TransferIndex)
	if err != nil {
		return fmt.Errorf("discard pending entry %s: %w", key, err)
	}
	return nil
}

// FinalizeLedgerEntry records payout ids, marks the entry processed and bumps pool totals,
// all in one transaction.
func (db *DB) FinalizeLedgerEntry(ctx context.Context, userID string, key rewards.EntryKey, items []rewards.RewardLineItem) error {
	return db.BeginFunc(ctx, func(ctx context.Context) error {
		var processed bool
		err := db.QueryRow(ctx, `
			SELECT processed FROM cashback_ledger
			WHERE user_id = $1 AND source_tx_id = $2 AND transfer_index = $3
			FOR UPDATE
		`, userID, key.SourceTxID, key.TransferIndex).Scan(&processed)
		if err != nil {
			if postgres.IsNoRows(err) {
				return fmt.Errorf("ledger entry %s of %s: %w: %w", key, userID, rewards.ErrEntryNotFound, pgx.ErrNoRows)
			}
			return fmt.Errorf("lock ledger entry %s: %w", key, err)
		}
		if processed {
			return rewards.ErrAlreadyRecorded
		}

		if err := db.writeItems(ctx, userID, key, items); err != nil {
			return err
		}
		err = db.Exec(ctx, `
			UPDATE cashback_ledger SET processed = TRUE
			WHERE user_id = $1 AND source_tx_id = $2 AND transfer_index = $3
		`, userID, key.SourceTxID, key.TransferIndex)
		if err != nil {
			return fmt.Errorf("mark %s processed: %w", key, err)
		}
		for _, it := range items {
			if err := db.incrementPool(ctx, it.Pool, it.Amount); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeItems replaces the line items of key.
func (db *DB) writeItems(ctx context.Context, userID string, key rewards.EntryKey, items []rewards.RewardLineItem) error {
	err := db.Exec(ctx, `
		DELETE FROM cashback_ledger_rewards
		WHERE user_id = $1 AND source_tx_id = $2 AND transfer_index = $3
	`, userID, key.SourceTxID, key.TransferIndex)
	if err != nil {
		return fmt.Errorf("clear line items of %s: %w", key, err)
	}
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, it := range items {
		batch.Queue(`
			INSERT INTO cashback_ledger_rewards
				(user_id, source_tx_id, transfer_index, position, pool, asset_id, amount, payout_tx_id, idempotency_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9)
		`, userID, key.SourceTxID, key.TransferIndex, i, it.Pool, int64(it.AssetID),
			strconv.FormatUint(it.Amount, 10), it.PayoutTxID, it.IdempotencyKey)
	}
	br := db.SendBatch(ctx, batch)
	for range items {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert line items of %s: %w", key, err)
		}
	}
	return br.Close()
}
