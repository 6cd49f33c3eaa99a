package rewards_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/socialtag/cashback/pkg/db/memory"
	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var t0 = time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)

const usdc = 1_000_000

type fakeSource struct {
	mu        sync.Mutex
	transfers map[string][]rewards.RawTransfer
	errs      map[string]error
	calls     int
}

func (f *fakeSource) FetchQualifyingTransfers(_ context.Context, addr string, since time.Time) ([]rewards.RawTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[addr]; err != nil {
		return nil, err
	}
	var out []rewards.RawTransfer
	for _, t := range f.transfers[addr] {
		if t.ChainTimestamp.After(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSource) add(addr string, ts ...rewards.RawTransfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transfers == nil {
		f.transfers = map[string][]rewards.RawTransfer{}
	}
	f.transfers[addr] = append(f.transfers[addr], ts...)
}

type fakeOptIn struct {
	sets map[string]rewards.AssetSet
	errs map[string]error
}

func (f *fakeOptIn) GetOptedInAssets(_ context.Context, addr string) (rewards.AssetSet, error) {
	if err := f.errs[addr]; err != nil {
		return rewards.AssetSet{}, err
	}
	return f.sets[addr], nil
}

type distributeCall struct {
	receiver string
	items    []rewards.RewardLineItem
}

type fakeDistributor struct {
	mu    sync.Mutex
	calls []distributeCall
	fail  func(receiver string, items []rewards.RewardLineItem) error
}

func (f *fakeDistributor) Distribute(_ context.Context, receiver string, items []rewards.RewardLineItem) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, distributeCall{receiver: receiver, items: append([]rewards.RewardLineItem(nil), items...)})
	if f.fail != nil {
		if err := f.fail(receiver, items); err != nil {
			return nil, err
		}
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = "PAY-" + it.IdempotencyKey[:8]
	}
	return ids, nil
}

func (f *fakeDistributor) paid() []rewards.RewardLineItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rewards.RewardLineItem
	for _, c := range f.calls {
		out = append(out, c.items...)
	}
	return out
}

type fakeVerifier struct {
	landed map[string]string
	err    error
	calls  int
}

func (f *fakeVerifier) LandedPayouts(_ context.Context, items []rewards.RewardLineItem) (map[string]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]string{}
	for _, it := range items {
		if id, ok := f.landed[it.IdempotencyKey]; ok {
			out[it.IdempotencyKey] = id
		}
	}
	return out, nil
}

type harness struct {
	store    *memory.Store
	source   *fakeSource
	optIn    *fakeOptIn
	dist     *fakeDistributor
	verifier *fakeVerifier
	pipeline *rewards.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		source:   &fakeSource{},
		optIn:    &fakeOptIn{sets: map[string]rewards.AssetSet{}},
		dist:     &fakeDistributor{},
		verifier: &fakeVerifier{},
	}
	p, err := rewards.NewPipeline(h.store, h.source, h.optIn, h.dist, h.verifier, rewards.DefaultConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	p.Now = func() time.Time { return t0.Add(24 * time.Hour) }
	h.pipeline = p
	return h
}

// register stores a user with watermark wm whose reward address holds the SOCIALS asset
// when optedIn is set.
func (h *harness) register(t *testing.T, id string, wm time.Time, optedIn bool) rewards.RegisteredUser {
	t.Helper()
	u := rewards.RegisteredUser{
		UserID:          id,
		SourceAddress:   "SRC-" + id,
		RewardAddress:   "RWD-" + id,
		LastProcessedAt: wm,
		RegisteredAt:    wm,
	}
	require.NoError(t, h.store.SaveRegistration(context.Background(), u, nil))
	if optedIn {
		h.optIn.sets[u.RewardAddress] = rewards.NewAssetSet(rewards.SocialsAssetID)
	} else {
		h.optIn.sets[u.RewardAddress] = rewards.AssetSet{}
	}
	return u
}

func (h *harness) user(t *testing.T, id string) rewards.RegisteredUser {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), id)
	require.NoError(t, err)
	return *u
}

func (h *harness) process(t *testing.T, id string) (rewards.UserReport, error) {
	t.Helper()
	return h.pipeline.ProcessUser(context.Background(), h.user(t, id))
}

func (h *harness) ledger(t *testing.T, id string) []rewards.LedgerEntry {
	t.Helper()
	l, err := h.store.GetLedger(context.Background(), id)
	require.NoError(t, err)
	return l
}

func (h *harness) poolTotal(t *testing.T) uint64 {
	t.Helper()
	stats, err := h.store.GetPoolStatistics(context.Background())
	require.NoError(t, err)
	return rewards.DistributedByPool(stats)[rewards.SocialsPool]
}

func transfer(id string, index int, amount uint64, at time.Time) rewards.RawTransfer {
	return rewards.RawTransfer{TxID: id, TransferIndex: index, Amount: amount, ChainTimestamp: at, IsInner: index > 0}
}

var errChainDown = errors.New("algod unavailable")

func notBroadcast(string, []rewards.RewardLineItem) error {
	return &rewards.DistributionError{Err: errChainDown}
}

func broadcastThenFail(confirmed ...string) func(string, []rewards.RewardLineItem) error {
	return func(string, []rewards.RewardLineItem) error {
		return &rewards.DistributionError{Confirmed: confirmed, Broadcast: true, Err: fmt.Errorf("confirm: %w", context.DeadlineExceeded)}
	}
}
