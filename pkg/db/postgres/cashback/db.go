package cashback

import (
	"context"
	"fmt"

	"github.com/socialtag/cashback/pkg/db/postgres"
	"github.com/socialtag/cashback/pkg/rewards"
	"go.uber.org/zap"
)

var _ rewards.Store = (*DB)(nil)

// DB is the PostgreSQL rewards.Store.
type DB struct {
	postgres.Client
}

// NewWithPoolConfig connects and makes sure every table exists.
func NewWithPoolConfig(ctx context.Context, logger *zap.Logger, poolConfig *postgres.PoolConfig) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(zap.String("component", poolConfig.Component)), poolConfig)
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// InitializeDB ensures the required tables exist
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Initializing cashback database")

	steps := []struct {
		table string
		init  func(context.Context) error
	}{
		{"cashback_users", db.initUsers},
		{"cashback_ledger", db.initLedger},
		{"cashback_ledger_rewards", db.initLedgerRewards},
		{"cashback_pool_stats", db.initPoolStats},
	}
	for _, s := range steps {
		db.Logger.Debug("Initialize table", zap.String("table", s.table))
		if err := s.init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", s.table, err)
		}
	}
	return nil
}
