package payout

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/socialtag/cashback/pkg/rewards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChain struct {
	paramsErr  error
	sendErrAt  int
	lostAt     int
	waitErrAt  int
	sent       [][]byte
	waitRounds []uint64
}

func (f *fakeChain) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	if f.paramsErr != nil {
		return types.SuggestedParams{}, f.paramsErr
	}
	return types.SuggestedParams{
		MinFee:          1000,
		GenesisID:       "testnet-v1.0",
		GenesisHash:     make([]byte, 32),
		FirstRoundValid: 1000,
		LastRoundValid:  2000,
	}, nil
}

func (f *fakeChain) SendRawTransaction(ctx context.Context, stx []byte) (string, error) {
	n := len(f.sent) + 1
	if f.sendErrAt == n {
		return "", errors.New("overspend")
	}
	f.sent = append(f.sent, stx)
	if f.lostAt == n {
		return "", context.DeadlineExceeded
	}
	return fmt.Sprintf("TX%d", n), nil
}

func (f *fakeChain) WaitForConfirmation(ctx context.Context, txID string, rounds uint64) (uint64, error) {
	f.waitRounds = append(f.waitRounds, rounds)
	if f.waitErrAt == len(f.waitRounds) {
		return 0, context.DeadlineExceeded
	}
	return 1001, nil
}

func items(t *testing.T) []rewards.RewardLineItem {
	t.Helper()
	out := []rewards.RewardLineItem{
		{Pool: "SOCIALS", AssetID: rewards.SocialsAssetID, Amount: 4_570_000_000_000},
		{Pool: "OTHER", AssetID: 42, Amount: 9},
	}
	rewards.AssignIdempotencyKeys("alice", rewards.EntryKey{SourceTxID: "X1"}, out)
	return out
}

func TestDistribute_SignsLeasedTransfersInOrder(t *testing.T) {
	wallet := crypto.GenerateAccount()
	receiver := crypto.GenerateAccount()
	chain := &fakeChain{}
	s := NewSubmitterWithAccount(chain, wallet, zaptest.NewLogger(t))

	its := items(t)
	ids, err := s.Distribute(context.Background(), receiver.Address.String(), its)
	require.NoError(t, err)
	require.Equal(t, []string{"TX1", "TX2"}, ids)
	require.Equal(t, []uint64{4, 4}, chain.waitRounds)

	for i, raw := range chain.sent {
		var stx types.SignedTxn
		require.NoError(t, msgpack.Decode(raw, &stx))
		txn := stx.Txn
		assert.Equal(t, types.AssetTransferTx, txn.Type)
		assert.Equal(t, wallet.Address, txn.Sender)
		assert.Equal(t, receiver.Address, txn.AssetReceiver)
		assert.Equal(t, its[i].Amount, txn.AssetAmount)
		assert.Equal(t, types.AssetIndex(its[i].AssetID), txn.XferAsset)
		assert.Equal(t, rewards.PayoutNote(its[i].IdempotencyKey), txn.Note)

		lease, err := rewards.Lease(its[i].IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, lease, txn.Lease)
	}
}

func TestDistribute_ValidRoundsNarrowsWindow(t *testing.T) {
	chain := &fakeChain{}
	s := NewSubmitterWithAccount(chain, crypto.GenerateAccount(), nil)
	s.ValidRounds = 10

	_, err := s.Distribute(context.Background(), crypto.GenerateAccount().Address.String(), items(t)[:1])
	require.NoError(t, err)

	var stx types.SignedTxn
	require.NoError(t, msgpack.Decode(chain.sent[0], &stx))
	assert.Equal(t, types.Round(1010), stx.Txn.LastValid)
}

func TestDistribute_FailureBeforeBroadcast(t *testing.T) {
	chain := &fakeChain{paramsErr: errors.New("node down")}
	s := NewSubmitterWithAccount(chain, crypto.GenerateAccount(), zaptest.NewLogger(t))

	ids, err := s.Distribute(context.Background(), crypto.GenerateAccount().Address.String(), items(t))
	require.Nil(t, ids)

	var de *rewards.DistributionError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Broadcast)
	assert.Empty(t, de.Confirmed)
	assert.Empty(t, chain.sent)
}

func TestDistribute_PartialFailureReportsConfirmed(t *testing.T) {
	chain := &fakeChain{waitErrAt: 2}
	s := NewSubmitterWithAccount(chain, crypto.GenerateAccount(), zaptest.NewLogger(t))

	ids, err := s.Distribute(context.Background(), crypto.GenerateAccount().Address.String(), items(t))
	require.Nil(t, ids)

	var de *rewards.DistributionError
	require.ErrorAs(t, err, &de)
	assert.True(t, de.Broadcast)
	assert.Equal(t, []string{"TX1"}, de.Confirmed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDistribute_FailedSendCountsAsBroadcast(t *testing.T) {
	tests := []struct {
		name     string
		chain    *fakeChain
		accepted int
	}{
		{name: "rejected", chain: &fakeChain{sendErrAt: 1}, accepted: 0},
		{name: "response lost after acceptance", chain: &fakeChain{lostAt: 1}, accepted: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSubmitterWithAccount(tt.chain, crypto.GenerateAccount(), zaptest.NewLogger(t))

			ids, err := s.Distribute(context.Background(), crypto.GenerateAccount().Address.String(), items(t))
			require.Nil(t, ids)

			var de *rewards.DistributionError
			require.ErrorAs(t, err, &de)
			assert.True(t, de.Broadcast)
			assert.Empty(t, de.Confirmed)
			assert.Len(t, tt.chain.sent, tt.accepted)
			assert.Empty(t, tt.chain.waitRounds)
		})
	}
}

func TestDistribute_InvalidReceiver(t *testing.T) {
	chain := &fakeChain{}
	s := NewSubmitterWithAccount(chain, crypto.GenerateAccount(), zaptest.NewLogger(t))

	_, err := s.Distribute(context.Background(), "not-an-address", items(t))
	var de *rewards.DistributionError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Broadcast)
	assert.Empty(t, chain.sent)
}

func TestNewSubmitter_FromMnemonic(t *testing.T) {
	account := crypto.GenerateAccount()
	phrase, err := mnemonic.FromPrivateKey(account.PrivateKey)
	require.NoError(t, err)

	s, err := NewSubmitter(&fakeChain{}, phrase, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, account.Address.String(), s.Address())

	_, err = NewSubmitter(&fakeChain{}, "", nil)
	var ce *rewards.ConfigError
	require.ErrorAs(t, err, &ce)

	_, err = NewSubmitter(&fakeChain{}, "not a mnemonic", nil)
	require.ErrorAs(t, err, &ce)
}
