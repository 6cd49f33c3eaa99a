package rewards

import (
	"github.com/shopspring/decimal"
)

// ComputeRewards returns one line item per configured pool whose asset the receiver has opted
// into: floor(amount * rate). Items that would pay nothing are dropped, so a zero amount or an
// empty opt-in set yields no items.
func ComputeRewards(amount decimal.Decimal, optedIn AssetSet, pools []PoolConfig) []RewardLineItem {
	if !amount.IsPositive() || len(optedIn) == 0 {
		return nil
	}

	var out []RewardLineItem
	for _, p := range pools {
		if !optedIn.Has(p.AssetID) {
			continue
		}
		reward := amount.Mul(p.RatePerSourceUnit).Floor()
		if !reward.IsPositive() {
			continue
		}
		bi := reward.BigInt()
		if !bi.IsUint64() {
			continue
		}
		out = append(out, RewardLineItem{
			Pool:    p.Token,
			AssetID: p.AssetID,
			Amount:  bi.Uint64(),
		})
	}
	return out
}

// CapAdjustment records a line item reduced because its pool is running dry.
type CapAdjustment struct {
	Pool      string
	Requested uint64
	Granted   uint64
}

// ApplyPoolCaps clamps items to the capacity left in each pool given what has already been
// distributed. Items whose pool is exhausted are removed.
func ApplyPoolCaps(items []RewardLineItem, distributed map[string]uint64, pools []PoolConfig) ([]RewardLineItem, []CapAdjustment) {
	caps := make(map[string]uint64, len(pools))
	for _, p := range pools {
		caps[p.Token] = p.TotalCap
	}

	used := make(map[string]uint64, len(distributed))
	for k, v := range distributed {
		used[k] = v
	}

	var (
		out         []RewardLineItem
		adjustments []CapAdjustment
	)
	for _, it := range items {
		limit, ok := caps[it.Pool]
		if !ok {
			out = append(out, it)
			continue
		}
		var remaining uint64
		if used[it.Pool] < limit {
			remaining = limit - used[it.Pool]
		}
		granted := it.Amount
		if granted > remaining {
			granted = remaining
		}
		if granted != it.Amount {
			adjustments = append(adjustments, CapAdjustment{Pool: it.Pool, Requested: it.Amount, Granted: granted})
		}
		if granted == 0 {
			continue
		}
		used[it.Pool] += granted
		it.Amount = granted
		out = append(out, it)
	}
	return out, adjustments
}
