package types

import (
	"time"

	"github.com/socialtag/cashback/pkg/rewards"
)

// User is an operator allowed to log into the admin API.
type User struct {
	Username string `json:"username"`
	Hash     []byte `json:"hash"`
	Role     string `json:"role"`
}

// LoginRequest contains credentials for admin authentication
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest enrolls a user. UserID is only honored for admin callers.
type RegisterRequest struct {
	UserID        string `json:"userId,omitempty"`
	SourceAddress string `json:"sourceAddress"`
	RewardAddress string `json:"rewardAddress"`
}

type RegisterResponse struct {
	UserID        string `json:"userId"`
	BackfillCount int    `json:"backfillCount"`
}

// RewardsResponse is a user's registration, ledger and what they earned per pool.
type RewardsResponse struct {
	UserID          string                `json:"userId"`
	Registered      bool                  `json:"registered"`
	SourceAddress   string                `json:"sourceAddress,omitempty"`
	RewardAddress   string                `json:"rewardAddress,omitempty"`
	LastProcessedAt *time.Time            `json:"lastProcessedAt,omitempty"`
	RegisteredAt    *time.Time            `json:"registeredAt,omitempty"`
	Totals          map[string]uint64     `json:"totals"`
	Pending         int                   `json:"pending"`
	Entries         []rewards.LedgerEntry `json:"entries"`
}

// PoolResponse is one pool's configuration and how much of it is spent.
type PoolResponse struct {
	Pool             string `json:"pool"`
	AssetID          uint64 `json:"assetId"`
	Rate             string `json:"rate"`
	TotalCap         uint64 `json:"totalCap"`
	DistributedTotal uint64 `json:"distributedTotal"`
	Remaining        uint64 `json:"remaining"`
	CapEnforced      bool   `json:"capEnforced"`
}
