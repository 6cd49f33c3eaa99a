package rewards_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessUser_PaysNewTransfer(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("X1", 0, 4_570_000, t0.Add(time.Hour)))

	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesRecorded)
	assert.Equal(t, 1, report.PayoutsSubmitted)
	assert.Equal(t, t0.Add(time.Hour), report.Watermark)

	require.Len(t, h.dist.calls, 1)
	call := h.dist.calls[0]
	assert.Equal(t, "RWD-alice", call.receiver)
	require.Len(t, call.items, 1)
	assert.Equal(t, uint64(4_570_000_000_000), call.items[0].Amount)
	assert.Equal(t, rewards.SocialsAssetID, call.items[0].AssetID)
	assert.Equal(t, rewards.IdempotencyKey("alice", rewards.EntryKey{SourceTxID: "X1"}, rewards.SocialsPool), call.items[0].IdempotencyKey)

	ledger := h.ledger(t, "alice")
	require.Len(t, ledger, 1)
	e := ledger[0]
	assert.True(t, e.Processed)
	assert.False(t, e.IsHistorical)
	assert.Equal(t, "4.57", e.Amount.String())
	require.Len(t, e.RewardLineItems, 1)
	assert.NotEmpty(t, e.RewardLineItems[0].PayoutTxID)

	assert.Equal(t, uint64(4_570_000_000_000), h.poolTotal(t))
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0.Add(time.Hour)))
}

func TestProcessUser_ResweepIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, 10*usdc, t0.Add(time.Minute)))

	_, err := h.process(t, "alice")
	require.NoError(t, err)
	report, err := h.process(t, "alice")
	require.NoError(t, err)

	assert.Zero(t, report.EntriesRecorded)
	require.Len(t, h.dist.paid(), 1)
	assert.Equal(t, uint64(10_000_000_000_000), h.dist.paid()[0].Amount)
	assert.Len(t, h.ledger(t, "alice"), 1)
	assert.Equal(t, uint64(10_000_000_000_000), h.poolTotal(t))
}

func TestProcessUser_DuplicateAfterLostWatermark(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, 10*usdc, t0.Add(time.Minute)))

	h.store.Fail = func(op string) error {
		if op == "advance_watermark" {
			return errors.New("connection reset")
		}
		return nil
	}
	_, err := h.process(t, "alice")
	var pe *rewards.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.False(t, pe.PayoutsLanded)
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0))

	h.store.Fail = nil
	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Duplicates)
	assert.Len(t, h.dist.paid(), 1)
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0.Add(time.Minute)))
}

func TestProcessUser_WatermarkIsMaxObserved(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice",
		transfer("LATE", 0, usdc, t0.Add(3*time.Hour)),
		transfer("EARLY", 0, usdc, t0.Add(time.Hour)),
		transfer("MID", 0, usdc, t0.Add(2*time.Hour)),
	)

	_, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0.Add(3*time.Hour)))

	var order []string
	for _, c := range h.dist.calls {
		order = append(order, c.items[0].IdempotencyKey)
	}
	assert.Equal(t, []string{
		rewards.IdempotencyKey("alice", rewards.EntryKey{SourceTxID: "EARLY"}, rewards.SocialsPool),
		rewards.IdempotencyKey("alice", rewards.EntryKey{SourceTxID: "MID"}, rewards.SocialsPool),
		rewards.IdempotencyKey("alice", rewards.EntryKey{SourceTxID: "LATE"}, rewards.SocialsPool),
	}, order)

	require.NoError(t, h.store.AdvanceWatermark(context.Background(), "alice", t0))
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0.Add(3*time.Hour)))
}

func TestProcessUser_NoOptInRecordsWithoutReward(t *testing.T) {
	h := newHarness(t)
	h.register(t, "bob", t0, false)
	h.source.add("SRC-bob", transfer("T1", 0, 25*usdc, t0.Add(time.Minute)))

	report, err := h.process(t, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesRecorded)
	assert.Empty(t, h.dist.calls)

	ledger := h.ledger(t, "bob")
	require.Len(t, ledger, 1)
	assert.True(t, ledger[0].Processed)
	assert.Empty(t, ledger[0].RewardLineItems)
	assert.Zero(t, h.poolTotal(t))
	assert.True(t, h.user(t, "bob").LastProcessedAt.Equal(t0.Add(time.Minute)))
}

func TestProcessUser_ZeroRewardsAreNotPaid(t *testing.T) {
	h := newHarness(t)
	h.register(t, "carol", t0, true)
	h.source.add("SRC-carol", transfer("ZERO", 0, 0, t0.Add(time.Minute)))

	_, err := h.process(t, "carol")
	require.NoError(t, err)
	assert.Empty(t, h.dist.calls)
	require.Len(t, h.ledger(t, "carol"), 1)
	assert.Empty(t, h.ledger(t, "carol")[0].RewardLineItems)
}

func TestProcessUser_InnerTransfersAreSeparateEntries(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	at := t0.Add(time.Minute)
	h.source.add("SRC-alice", transfer("GROUP", 1, usdc, at), transfer("GROUP", 3, 2*usdc, at))

	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, report.EntriesRecorded)

	ledger := h.ledger(t, "alice")
	require.Len(t, ledger, 2)
	assert.Equal(t, rewards.EntryKey{SourceTxID: "GROUP", TransferIndex: 1}, ledger[0].Key)
	assert.True(t, ledger[0].IsInner)
	assert.Equal(t, rewards.EntryKey{SourceTxID: "GROUP", TransferIndex: 3}, ledger[1].Key)
	assert.Equal(t, uint64(3_000_000_000_000), h.poolTotal(t))
}

func TestProcessUser_TransientFetchSkipsUser(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.errs = map[string]error{"SRC-alice": errors.New("indexer 503")}

	_, err := h.process(t, "alice")
	require.True(t, rewards.IsTransient(err))
	assert.Empty(t, h.ledger(t, "alice"))
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0))
}

func TestProcessUser_OptInFailureSkipsUser(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))
	h.optIn.errs = map[string]error{"RWD-alice": &rewards.TransientFetchError{Op: "resolve opt-ins", Err: errors.New("timeout")}}

	_, err := h.process(t, "alice")
	require.True(t, rewards.IsTransient(err))
	assert.Empty(t, h.ledger(t, "alice"))
	assert.Empty(t, h.dist.calls)
}

func TestProcessUser_FailureBeforeBroadcastLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice",
		transfer("T1", 0, usdc, t0.Add(time.Minute)),
		transfer("T2", 0, usdc, t0.Add(2*time.Minute)),
	)
	h.dist.fail = notBroadcast

	_, err := h.process(t, "alice")
	var de *rewards.DistributionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, rewards.EntryKey{SourceTxID: "T1"}, de.Key)
	assert.Equal(t, "RWD-alice", de.Receiver)

	assert.Empty(t, h.ledger(t, "alice"))
	assert.Len(t, h.dist.calls, 1)
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0))
	assert.Zero(t, h.poolTotal(t))

	h.dist.fail = nil
	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, report.EntriesRecorded)
	assert.Zero(t, report.Resumed)
	assert.Equal(t, uint64(2_000_000_000_000), h.poolTotal(t))
}

func TestProcessUser_ResumesPendingEntryWithoutDoublePaying(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))
	h.dist.fail = broadcastThenFail()

	_, err := h.process(t, "alice")
	require.Error(t, err)
	ledger := h.ledger(t, "alice")
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].Processed)
	key := ledger[0].RewardLineItems[0].IdempotencyKey
	require.NotEmpty(t, key)

	// The payout landed after all; the next sweep must find it instead of paying again.
	h.dist.fail = nil
	h.verifier.landed = map[string]string{key: "LANDED-1"}
	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Zero(t, report.PayoutsSubmitted)
	assert.Len(t, h.dist.calls, 1)

	ledger = h.ledger(t, "alice")
	assert.True(t, ledger[0].Processed)
	assert.Equal(t, "LANDED-1", ledger[0].RewardLineItems[0].PayoutTxID)
	assert.Equal(t, uint64(1_000_000_000_000), h.poolTotal(t))
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0.Add(time.Minute)))
}

func TestProcessUser_LostSendIsVerifiedBeforeRepaying(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))
	// The node accepted the transfer but the response never came back.
	h.dist.fail = func(string, []rewards.RewardLineItem) error {
		return &rewards.DistributionError{Broadcast: true, Err: context.DeadlineExceeded}
	}

	_, err := h.process(t, "alice")
	var de *rewards.DistributionError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Broadcast)

	ledger := h.ledger(t, "alice")
	require.Len(t, ledger, 1)
	assert.False(t, ledger[0].Processed)
	key := ledger[0].RewardLineItems[0].IdempotencyKey
	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0))

	h.dist.fail = nil
	h.verifier.landed = map[string]string{key: "LANDED-1"}
	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, h.verifier.calls)
	assert.Equal(t, 1, report.Resumed)
	assert.Zero(t, report.PayoutsSubmitted)
	assert.Len(t, h.dist.calls, 1)
	assert.Equal(t, "LANDED-1", h.ledger(t, "alice")[0].RewardLineItems[0].PayoutTxID)
	assert.Equal(t, uint64(1_000_000_000_000), h.poolTotal(t))
}

func TestProcessUser_ResumeRepaysWhenNothingLanded(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))
	h.dist.fail = broadcastThenFail()

	_, err := h.process(t, "alice")
	require.Error(t, err)

	h.dist.fail = nil
	report, err := h.process(t, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resumed)
	assert.Equal(t, 1, report.PayoutsSubmitted)
	assert.Equal(t, 1, h.verifier.calls)

	paid := h.dist.paid()
	require.Len(t, paid, 2)
	assert.Equal(t, paid[0].IdempotencyKey, paid[1].IdempotencyKey)
}

func TestProcessUser_VerifierFailureKeepsEntryPending(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))
	h.dist.fail = broadcastThenFail()
	_, err := h.process(t, "alice")
	require.Error(t, err)

	h.dist.fail = nil
	h.verifier.err = errors.New("indexer down")
	_, err = h.process(t, "alice")
	require.True(t, rewards.IsTransient(err))
	assert.Len(t, h.dist.calls, 1)
	assert.False(t, h.ledger(t, "alice")[0].Processed)
}

func TestProcessUser_FinalizeFailureIsFlagged(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))
	h.store.Fail = func(op string) error {
		if op == "finalize_entry" {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := h.process(t, "alice")
	var pe *rewards.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.PayoutsLanded)
	require.Len(t, pe.PayoutTxIDs, 1)
	assert.Equal(t, "finalize entry", pe.Op)
	assert.Equal(t, "failed", rewards.OutcomeLabel(err))

	assert.True(t, h.user(t, "alice").LastProcessedAt.Equal(t0))
	assert.False(t, h.ledger(t, "alice")[0].Processed)
	assert.Zero(t, h.poolTotal(t))
}

func TestProcessUser_PartialFailureIsContainedPerUser(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.register(t, id, t0, true)
		h.source.add("SRC-"+id, transfer("T-"+id, 0, usdc, t0.Add(time.Minute)))
	}
	h.dist.fail = func(receiver string, _ []rewards.RewardLineItem) error {
		if receiver == "RWD-b" {
			return notBroadcast(receiver, nil)
		}
		return nil
	}

	users, err := h.store.ListRegisteredUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 3)

	failed := map[string]bool{}
	for _, u := range users {
		if _, err := h.pipeline.ProcessUser(context.Background(), u); err != nil {
			failed[u.UserID] = true
		}
	}
	assert.Equal(t, map[string]bool{"b": true}, failed)

	assert.True(t, h.user(t, "a").LastProcessedAt.Equal(t0.Add(time.Minute)))
	assert.True(t, h.user(t, "b").LastProcessedAt.Equal(t0))
	assert.True(t, h.user(t, "c").LastProcessedAt.Equal(t0.Add(time.Minute)))
	assert.Len(t, h.ledger(t, "a"), 1)
	assert.Empty(t, h.ledger(t, "b"))
	assert.Len(t, h.ledger(t, "c"), 1)
	assert.Equal(t, uint64(2_000_000_000_000), h.poolTotal(t))
}

func TestProcessUser_PoolCapClampsAndExhausts(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice", t0, true)
	pool, _ := rewards.DefaultConfig().Pool(rewards.SocialsPool)
	h.store.SetPoolTotal(rewards.SocialsPool, pool.TotalCap-500)
	h.source.add("SRC-alice",
		transfer("T1", 0, usdc, t0.Add(time.Minute)),
		transfer("T2", 0, usdc, t0.Add(2*time.Minute)),
	)

	_, err := h.process(t, "alice")
	require.NoError(t, err)

	paid := h.dist.paid()
	require.Len(t, paid, 1)
	assert.Equal(t, uint64(500), paid[0].Amount)
	assert.Equal(t, pool.TotalCap, h.poolTotal(t))

	ledger := h.ledger(t, "alice")
	require.Len(t, ledger, 2)
	assert.True(t, ledger[1].Processed)
	assert.Empty(t, ledger[1].RewardLineItems)
}

func TestProcessUser_AdvisoryCap(t *testing.T) {
	h := newHarness(t)
	h.pipeline.Config.EnforcePoolCaps = false
	h.register(t, "alice", t0, true)
	pool, _ := rewards.DefaultConfig().Pool(rewards.SocialsPool)
	h.store.SetPoolTotal(rewards.SocialsPool, pool.TotalCap)
	h.source.add("SRC-alice", transfer("T1", 0, usdc, t0.Add(time.Minute)))

	_, err := h.process(t, "alice")
	require.NoError(t, err)
	require.Len(t, h.dist.paid(), 1)
	assert.Equal(t, uint64(1_000_000_000_000), h.dist.paid()[0].Amount)
}

func TestProcessUser_RejectsUnregistered(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.ProcessUser(context.Background(), rewards.RegisteredUser{UserID: "ghost"})
	require.ErrorIs(t, err, rewards.ErrNotRegistered)
}

func TestNewPipeline_RequiresCollaborators(t *testing.T) {
	h := newHarness(t)
	_, err := rewards.NewPipeline(h.store, h.source, h.optIn, h.dist, nil, rewards.DefaultConfig(), nil)
	require.Error(t, err)

	cfg := rewards.DefaultConfig()
	cfg.Pools = nil
	_, err = rewards.NewPipeline(h.store, h.source, h.optIn, h.dist, h.verifier, cfg, nil)
	var ce *rewards.ConfigError
	require.ErrorAs(t, err, &ce)
}
