package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/socialtag/cashback/pkg/indexer"
	"github.com/socialtag/cashback/pkg/redis"
	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/socialtag/cashback/pkg/scheduler"
	"go.uber.org/zap"
)

// Store is the rewards store plus the health probe every backend offers.
type Store interface {
	rewards.Store
	Ping(ctx context.Context) error
}

// Pinger is anything readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Config rewards.Config

	// Store is postgres in production, memory for local runs.
	Store      Store
	closeStore func()

	Registrar *rewards.Registrar
	Pipeline  *rewards.Pipeline
	Scheduler *scheduler.Scheduler

	// OptIn is dropped from cache when a user changes their reward address.
	OptIn *indexer.OptInResolver

	// Chain is the algod node payouts go through; nil disables the readiness check.
	Chain Pinger

	// RedisClient backs the sweep lock and sweep history; optional.
	RedisClient *redis.Client

	// Cron triggers sweeps according to CronSpec. SweepTimeout bounds each run.
	Cron         *cron.Cron
	CronSpec     string
	SweepTimeout time.Duration

	Logger *zap.Logger
	Server *http.Server
}

// SetStoreCloser registers how Stop releases the store.
func (a *App) SetStoreCloser(fn func()) { a.closeStore = fn }

// Ready reports the first dependency that is not reachable.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if a.Store == nil {
		return errors.New("store not initialized")
	}
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if a.Chain != nil {
		if err := a.Chain.Ping(ctx); err != nil {
			return fmt.Errorf("algod: %w", err)
		}
	}
	if a.RedisClient != nil {
		if err := a.RedisClient.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// SweepNow runs one sweep bounded by SweepTimeout.
func (a *App) SweepNow(ctx context.Context) scheduler.SweepResult {
	if a.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.SweepTimeout)
		defer cancel()
	}
	return a.Scheduler.RunSweepOnce(ctx)
}

// SweepHistory returns the newest sweep summaries published to redis.
func (a *App) SweepHistory(ctx context.Context, count int64) ([]map[string]interface{}, error) {
	if a.RedisClient == nil {
		return nil, nil
	}
	msgs, err := a.RedisClient.XRevRange(ctx, scheduler.SweepStream, count)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(msgs))
	for _, m := range msgs {
		v := make(map[string]interface{}, len(m.Values)+1)
		for k, val := range m.Values {
			v[k] = val
		}
		v["id"] = m.ID
		out = append(out, v)
	}
	return out, nil
}

// Start serves HTTP until ctx is canceled, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Sweep cron started", zap.String("cronSpec", a.CronSpec))
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()
	a.Stop()
}

// StopCron waits for a running sweep to finish and stops the cron scheduler.
func (a *App) StopCron() {
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
}

// Stop releases every resource in reverse order of acquisition.
func (a *App) Stop() {
	a.Logger.Info("shutting down server")
	if a.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = a.Server.Shutdown(shutdownCtx)
		cancel()
	}

	a.StopCron()
	if a.Scheduler != nil {
		a.Scheduler.Close()
	}

	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if a.closeStore != nil {
		a.Logger.Info("closing store")
		a.closeStore()
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
