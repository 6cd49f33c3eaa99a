// Package memory is a process-local rewards.Store used by tests and by STORE=memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/socialtag/cashback/pkg/rewards"
)

var _ rewards.Store = (*Store)(nil)

// Store keeps users, ledgers and pool totals behind one lock so every method is atomic.
type Store struct {
	mu      sync.RWMutex
	users   map[string]rewards.RegisteredUser
	ledgers map[string][]rewards.LedgerEntry
	pools   map[string]rewards.PoolStatistics
	now     func() time.Time

	// Fail, when set, is consulted before each mutating call; a non-nil result is returned
	// without touching state.
	Fail func(op string) error
}

func New() *Store {
	return &Store{
		users:   map[string]rewards.RegisteredUser{},
		ledgers: map[string][]rewards.LedgerEntry{},
		pools:   map[string]rewards.PoolStatistics{},
		now:     time.Now,
	}
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *Store) ListRegisteredUsers(ctx context.Context) ([]rewards.RegisteredUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]rewards.RegisteredUser, 0, len(s.users))
	for _, u := range s.users {
		if u.Registered() {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (*rewards.RegisteredUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, rewards.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) SaveRegistration(ctx context.Context, user rewards.RegisteredUser, backfill []rewards.LedgerEntry) error {
	if err := s.fail("save_registration"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.users[user.UserID]; ok && prev.LastProcessedAt.After(user.LastProcessedAt) {
		user.LastProcessedAt = prev.LastProcessedAt
	}
	s.users[user.UserID] = user
	ledger := s.ledgers[user.UserID]
	for _, e := range backfill {
		if indexOf(ledger, e.Key) >= 0 {
			continue
		}
		ledger = append(ledger, cloneEntry(e))
	}
	s.ledgers[user.UserID] = ledger
	return nil
}

func (s *Store) ClearRegistration(ctx context.Context, userID string) error {
	if err := s.fail("clear_registration"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return rewards.ErrUserNotFound
	}
	u.SourceAddress = ""
	u.RewardAddress = ""
	u.LastProcessedAt = time.Time{}
	s.users[userID] = u
	delete(s.ledgers, userID)
	return nil
}

func (s *Store) GetLedger(ctx context.Context, userID string) ([]rewards.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ledger := s.ledgers[userID]
	out := make([]rewards.LedgerEntry, 0, len(ledger))
	for _, e := range ledger {
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ObservedAt.Equal(b.ObservedAt) {
			return a.ObservedAt.Before(b.ObservedAt)
		}
		if a.Key.SourceTxID != b.Key.SourceTxID {
			return a.Key.SourceTxID < b.Key.SourceTxID
		}
		return a.Key.TransferIndex < b.Key.TransferIndex
	})
	return out, nil
}

func (s *Store) AppendLedgerEntry(ctx context.Context, userID string, entry rewards.LedgerEntry) error {
	if err := s.fail("append_entry"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.ledgers[userID], entry.Key) >= 0 {
		return rewards.ErrAlreadyRecorded
	}
	s.ledgers[userID] = append(s.ledgers[userID], cloneEntry(entry))
	return nil
}

func (s *Store) DiscardPendingEntry(ctx context.Context, userID string, key rewards.EntryKey) error {
	if err := s.fail("discard_entry"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger := s.ledgers[userID]
	i := indexOf(ledger, key)
	if i < 0 || ledger[i].Processed {
		return nil
	}
	s.ledgers[userID] = append(ledger[:i], ledger[i+1:]...)
	return nil
}

func (s *Store) FinalizeLedgerEntry(ctx context.Context, userID string, key rewards.EntryKey, items []rewards.RewardLineItem) error {
	if err := s.fail("finalize_entry"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger := s.ledgers[userID]
	i := indexOf(ledger, key)
	if i < 0 {
		return fmt.Errorf("ledger entry %s of %s: %w", key, userID, rewards.ErrEntryNotFound)
	}
	if ledger[i].Processed {
		return rewards.ErrAlreadyRecorded
	}
	ledger[i].RewardLineItems = append([]rewards.RewardLineItem(nil), items...)
	ledger[i].Processed = true

	now := s.now().UTC()
	for _, it := range items {
		st := s.pools[it.Pool]
		st.Pool = it.Pool
		st.DistributedTotal += it.Amount
		st.UpdatedAt = now
		s.pools[it.Pool] = st
	}
	return nil
}

func (s *Store) AdvanceWatermark(ctx context.Context, userID string, ts time.Time) error {
	if err := s.fail("advance_watermark"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return rewards.ErrUserNotFound
	}
	if ts.After(u.LastProcessedAt) {
		u.LastProcessedAt = ts.UTC()
		s.users[userID] = u
	}
	return nil
}

func (s *Store) GetPoolStatistics(ctx context.Context) ([]rewards.PoolStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]rewards.PoolStatistics, 0, len(s.pools))
	for _, st := range s.pools {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pool < out[j].Pool })
	return out, nil
}

// SetPoolTotal seeds a pool's distributed total.
func (s *Store) SetPoolTotal(pool string, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[pool] = rewards.PoolStatistics{Pool: pool, DistributedTotal: total, UpdatedAt: s.now().UTC()}
}

// Ping satisfies the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func indexOf(ledger []rewards.LedgerEntry, key rewards.EntryKey) int {
	for i, e := range ledger {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func cloneEntry(e rewards.LedgerEntry) rewards.LedgerEntry {
	e.RewardLineItems = append([]rewards.RewardLineItem(nil), e.RewardLineItems...)
	return e
}
