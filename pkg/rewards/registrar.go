package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
	"go.uber.org/zap"
)

// ValidateAddress checks that addr is a well formed account address with a valid checksum.
func ValidateAddress(addr string) error {
	if _, err := types.DecodeAddress(addr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidAddress, addr, err)
	}
	return nil
}

// Registrar enrolls and removes users. Registration snapshots the user's existing transfer
// history as already handled so only spends made after enrolling earn rewards.
type Registrar struct {
	Store     Store
	Transfers TransferSource
	Config    Config
	Logger    *zap.Logger

	// Now defaults to time.Now. ValidateAddress defaults to the package function.
	Now             func() time.Time
	ValidateAddress func(string) error
}

func (r *Registrar) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Registrar) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Registrar) validate(addr string) error {
	if r.ValidateAddress != nil {
		return r.ValidateAddress(addr)
	}
	return ValidateAddress(addr)
}

// Register enrolls userID and returns the number of historical transfers recorded as
// backfill. Registering again with the same source address only updates the reward address.
func (r *Registrar) Register(ctx context.Context, userID, sourceAddress, rewardAddress string) (int, error) {
	userID = strings.TrimSpace(userID)
	sourceAddress = strings.TrimSpace(sourceAddress)
	rewardAddress = strings.TrimSpace(rewardAddress)
	if userID == "" {
		return 0, ErrMissingUserID
	}
	if err := r.validate(sourceAddress); err != nil {
		return 0, fmt.Errorf("source address: %w", err)
	}
	if err := r.validate(rewardAddress); err != nil {
		return 0, fmt.Errorf("reward address: %w", err)
	}
	logger := r.logger().With(zap.String("user_id", userID))

	existing, err := r.Store.GetUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return 0, &PersistenceError{Op: "load user", Err: err}
	}
	if existing != nil && existing.SourceAddress != "" {
		if existing.SourceAddress != sourceAddress {
			return 0, ErrAlreadyRegistered
		}
		updated := *existing
		updated.RewardAddress = rewardAddress
		if err := r.Store.SaveRegistration(ctx, updated, nil); err != nil {
			return 0, &PersistenceError{Op: "update reward address", Err: err}
		}
		logger.Info("Updated reward address", zap.String("reward_address", rewardAddress))
		return 0, nil
	}

	// The watermark is taken before the history fetch so nothing made during it is skipped.
	now := r.now().UTC()
	timeout := r.Config.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	history, err := r.Transfers.FetchQualifyingTransfers(fctx, sourceAddress, time.Time{})
	cancel()
	if err != nil {
		if !IsTransient(err) {
			err = &TransientFetchError{Op: "fetch history", Address: sourceAddress, Err: err}
		}
		return 0, err
	}
	SortTransfers(history)

	seen := make(map[EntryKey]bool, len(history))
	backfill := make([]LedgerEntry, 0, len(history))
	for _, t := range history {
		// Spends that land while history is being fetched are above the watermark and
		// belong to the next sweep.
		if t.ChainTimestamp.After(now) {
			continue
		}
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		backfill = append(backfill, LedgerEntry{
			Key:          t.Key(),
			Amount:       r.Config.SourceAmount(t.Amount),
			ObservedAt:   t.ChainTimestamp.UTC(),
			Processed:    true,
			IsHistorical: true,
			IsInner:      t.IsInner,
			CreatedAt:    now,
		})
	}

	user := RegisteredUser{
		UserID:          userID,
		SourceAddress:   sourceAddress,
		RewardAddress:   rewardAddress,
		LastProcessedAt: now,
		RegisteredAt:    now,
	}
	if err := r.Store.SaveRegistration(ctx, user, backfill); err != nil {
		return 0, &PersistenceError{Op: "save registration", Err: err}
	}

	logger.Info("Registered user for cashback",
		zap.String("source_address", sourceAddress),
		zap.String("reward_address", rewardAddress),
		zap.Int("backfilled", len(backfill)))
	return len(backfill), nil
}

// Unregister clears the user's addresses and deletes their ledger.
func (r *Registrar) Unregister(ctx context.Context, userID string) error {
	user, err := r.Store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.Registered() {
		return ErrNotRegistered
	}
	if err := r.Store.ClearRegistration(ctx, userID); err != nil {
		return &PersistenceError{Op: "clear registration", Err: err}
	}
	r.logger().Info("Unregistered user from cashback", zap.String("user_id", userID))
	return nil
}

// GetLedger returns the user's ledger ordered by chain time.
func (r *Registrar) GetLedger(ctx context.Context, userID string) ([]LedgerEntry, error) {
	if _, err := r.Store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return r.Store.GetLedger(ctx, userID)
}

// GetUser returns the registration of userID.
func (r *Registrar) GetUser(ctx context.Context, userID string) (*RegisteredUser, error) {
	return r.Store.GetUser(ctx, userID)
}
