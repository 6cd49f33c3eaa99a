package rewards

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RegisteredUser is a user enrolled in cashback. SourceAddress is monitored for card
// spends, RewardAddress receives payouts.
type RegisteredUser struct {
	UserID          string    `json:"userId"`
	SourceAddress   string    `json:"sourceAddress"`
	RewardAddress   string    `json:"rewardAddress"`
	LastProcessedAt time.Time `json:"lastProcessedAt"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

// Registered reports whether both addresses are set.
func (u RegisteredUser) Registered() bool {
	return u.SourceAddress != "" && u.RewardAddress != ""
}

// EntryKey identifies one source transfer. Inner transfers share their parent's tx id,
// so TransferIndex (0 for the outer transaction, 1.. for inner ones) keeps them apart.
type EntryKey struct {
	SourceTxID    string `json:"sourceTxId"`
	TransferIndex int    `json:"transferIndex"`
}

func (k EntryKey) String() string {
	return fmt.Sprintf("%s#%d", k.SourceTxID, k.TransferIndex)
}

// RawTransfer is a qualifying source-asset transfer as reported by the indexer.
// Amount is in base units of the source asset.
type RawTransfer struct {
	TxID           string
	TransferIndex  int
	Amount         uint64
	ChainTimestamp time.Time
	IsInner        bool
}

func (t RawTransfer) Key() EntryKey {
	return EntryKey{SourceTxID: t.TxID, TransferIndex: t.TransferIndex}
}

// SortTransfers orders transfers by chain time, then tx id, then position in the parent.
func SortTransfers(in []RawTransfer) {
	sort.SliceStable(in, func(i, j int) bool {
		a, b := in[i], in[j]
		if !a.ChainTimestamp.Equal(b.ChainTimestamp) {
			return a.ChainTimestamp.Before(b.ChainTimestamp)
		}
		if a.TxID != b.TxID {
			return a.TxID < b.TxID
		}
		return a.TransferIndex < b.TransferIndex
	})
}

// RewardLineItem is one payout owed for a ledger entry. PayoutTxID stays empty until the
// payout is confirmed on chain.
type RewardLineItem struct {
	Pool           string `json:"pool"`
	AssetID        uint64 `json:"assetId"`
	Amount         uint64 `json:"amount"`
	PayoutTxID     string `json:"payoutTxId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// LedgerEntry records one observed source transfer and what was paid for it.
type LedgerEntry struct {
	Key             EntryKey         `json:"key"`
	Amount          decimal.Decimal  `json:"amount"`
	ObservedAt      time.Time        `json:"observedAt"`
	RewardLineItems []RewardLineItem `json:"rewardLineItems"`
	Processed       bool             `json:"processed"`
	IsHistorical    bool             `json:"isHistorical"`
	IsInner         bool             `json:"isInner"`
	CreatedAt       time.Time        `json:"createdAt"`
}

// PoolStatistics accumulates what a pool has paid out across all users.
type PoolStatistics struct {
	Pool             string    `json:"pool"`
	DistributedTotal uint64    `json:"distributedTotal"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// AssetSet is the set of asset ids an address has opted into.
type AssetSet map[uint64]struct{}

func NewAssetSet(ids ...uint64) AssetSet {
	s := make(AssetSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s AssetSet) Has(id uint64) bool {
	_, ok := s[id]
	return ok
}
