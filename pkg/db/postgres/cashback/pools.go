package cashback

import (
	"context"
	"fmt"
	"strconv"

	"github.com/socialtag/cashback/pkg/rewards"
)

func (db *DB) initPoolStats(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS cashback_pool_stats (
			pool TEXT PRIMARY KEY,
			distributed_total NUMERIC(30, 0) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	return db.Exec(ctx, query)
}

func (db *DB) incrementPool(ctx context.Context, pool string, amount uint64) error {
	err := db.Exec(ctx, `
		INSERT INTO cashback_pool_stats (pool, distributed_total, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (pool) DO UPDATE SET
			distributed_total = cashback_pool_stats.distributed_total + EXCLUDED.distributed_total,
			updated_at = NOW()
	`, pool, strconv.FormatUint(amount, 10))
	if err != nil {
		return fmt.Errorf("increment pool %s: %w", pool, err)
	}
	return nil
}

// GetPoolStatistics returns every pool's running total.
func (db *DB) GetPoolStatistics(ctx context.Context) ([]rewards.PoolStatistics, error) {
	rows, err := db.Query(ctx, `
		SELECT pool, distributed_total::text, updated_at
		FROM cashback_pool_stats
		ORDER BY pool
	`)
	if err != nil {
		return nil, fmt.Errorf("query pool statistics: %w", err)
	}
	defer rows.Close()

	var stats []rewards.PoolStatistics
	for rows.Next() {
		var (
			st    rewards.PoolStatistics
			total string
		)
		if err := rows.Scan(&st.Pool, &total, &st.UpdatedAt); err != nil {
			return nil, err
		}
		if st.DistributedTotal, err = strconv.ParseUint(total, 10, 64); err != nil {
			return nil, fmt.Errorf("parse total of pool %s: %w", st.Pool, err)
		}
		st.UpdatedAt = st.UpdatedAt.UTC()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
