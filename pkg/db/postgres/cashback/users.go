package cashback

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/socialtag/cashback/pkg/db/postgres"
	"github.com/socialtag/cashback/pkg/rewards"
)

func (db *DB) initUsers(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cashback_users (
			user_id TEXT PRIMARY KEY,
			source_address TEXT NOT NULL DEFAULT '',
			reward_address TEXT NOT NULL DEFAULT '',
			last_processed_at TIMESTAMPTZ NULL,
			registered_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

const selectUser = `
	SELECT user_id, source_address, reward_address, last_processed_at, registered_at
	FROM cashback_users
`

func scanUser(row pgx.Row) (rewards.RegisteredUser, error) {
	var (
		u  rewards.RegisteredUser
		wm *time.Time
	)
	if err := row.Scan(&u.UserID, &u.SourceAddress, &u.RewardAddress, &wm, &u.RegisteredAt); err != nil {
		return u, err
	}
	if wm != nil {
		u.LastProcessedAt = wm.UTC()
	}
	u.RegisteredAt = u.RegisteredAt.UTC()
	return u, nil
}

// ListRegisteredUsers returns users with both addresses set, ordered by user id.
func (db *DB) ListRegisteredUsers(ctx context.Context) ([]rewards.RegisteredUser, error) {
	rows, err := db.Query(ctx, selectUser+`
		WHERE source_address <> '' AND reward_address <> ''
		ORDER BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list registered users: %w", err)
	}
	defer rows.Close()

	var users []rewards.RegisteredUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// GetUser returns the user or rewards.ErrUserNotFound
func (db *DB) GetUser(ctx context.Context, userID string) (*rewards.RegisteredUser, error) {
	u, err := scanUser(db.QueryRow(ctx, selectUser+`WHERE user_id = $1`, userID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, rewards.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &u, nil
}

// SaveRegistration upserts the user and batch-inserts the backfill in one transaction.
func (db *DB) SaveRegistration(ctx context.Context, user rewards.RegisteredUser, backfill []rewards.LedgerEntry) error {
	return db.BeginFunc(ctx, func(ctx context.Context) error {
		var wm *time.Time
		if !user.LastProcessedAt.IsZero() {
			t := user.LastProcessedAt.UTC()
			wm = &t
		}
		err := db.Exec(ctx, `
			INSERT INTO cashback_users (user_id, source_address, reward_address, last_processed_at, registered_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				source_address = EXCLUDED.source_address,
				reward_address = EXCLUDED.reward_address,
				last_processed_at = GREATEST(cashback_users.last_processed_at, EXCLUDED.last_processed_at),
				registered_at = EXCLUDED.registered_at,
				updated_at = NOW()
		`, user.UserID, user.SourceAddress, user.RewardAddress, wm, user.RegisteredAt.UTC())
		if err != nil {
			return fmt.Errorf("upsert user %s: %w", user.UserID, err)
		}

		if len(backfill) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, e := range backfill {
			batch.Queue(insertEntry+` ON CONFLICT DO NOTHING`, entryArgs(user.UserID, e)...)
		}
		br := db.SendBatch(ctx, batch)
		for range backfill {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert backfill for %s: %w", user.UserID, err)
			}
		}
		return br.Close()
	})
}

// ClearRegistration blanks the user's addresses and watermark and deletes their ledger.
func (db *DB) ClearRegistration(ctx context.Context, userID string) error {
	return db.BeginFunc(ctx, func(ctx context.Context) error {
		tag, err := db.GetExecutor(ctx).Exec(ctx, `
			UPDATE cashback_users
			SET source_address = '', reward_address = '', last_processed_at = NULL, updated_at = NOW()
			WHERE user_id = $1
		`, userID)
		if err != nil {
			return fmt.Errorf("clear user %s: %w", userID, err)
		}
		if tag.RowsAffected() == 0 {
			return rewards.ErrUserNotFound
		}
		if err := db.Exec(ctx, `DELETE FROM cashback_ledger WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete ledger of %s: %w", userID, err)
		}
		return nil
	})
}

// AdvanceWatermark moves last_processed_at forward with GREATEST so it never regresses.
func (db *DB) AdvanceWatermark(ctx context.Context, userID string, ts time.Time) error {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `
		UPDATE cashback_users
		SET last_processed_at = GREATEST(COALESCE(last_processed_at, $2), $2), updated_at = NOW()
		WHERE user_id = $1
	`, userID, ts.UTC())
	if err != nil {
		return fmt.Errorf("advance watermark of %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return rewards.ErrUserNotFound
	}
	return nil
}
