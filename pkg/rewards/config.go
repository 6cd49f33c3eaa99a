package rewards

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/socialtag/cashback/pkg/utils"
)

const (
	// USDCAssetID is the source asset spent through the card program.
	USDCAssetID    uint64 = 31566704
	USDCDecimals   int32  = 6
	MasterContract        = "UAKUGWMTFQJLUWMY4DYLVVAC67NOLUGGW6MIVAIPUU2APLTAKWSCQAJIEM"

	SocialsPool           = "SOCIALS"
	SocialsAssetID uint64 = 2607097066
)

// PoolConfig describes one cashback program: every whole source unit spent earns
// RatePerSourceUnit base units of AssetID, until TotalCap has been paid out.
type PoolConfig struct {
	Token             string          `json:"token"`
	AssetID           uint64          `json:"assetId"`
	RatePerSourceUnit decimal.Decimal `json:"rate"`
	TotalCap          uint64          `json:"totalCap"`
}

// DefaultPools is the single SOCIALS pool.
func DefaultPools() []PoolConfig {
	return []PoolConfig{{
		Token:             SocialsPool,
		AssetID:           SocialsAssetID,
		RatePerSourceUnit: decimal.NewFromInt(1_000_000_000_000),
		TotalCap:          8_000_000_000_000_000,
	}}
}

// Config is the static reward configuration shared by the pipeline and registrar.
type Config struct {
	Pools          []PoolConfig
	SourceAssetID  uint64
	SourceDecimals int32
	MasterContract string

	// CallTimeout bounds every indexer, opt-in and chain call.
	CallTimeout time.Duration

	// EnforcePoolCaps clamps payouts to what is left in a pool.
	EnforcePoolCaps bool
}

func DefaultConfig() Config {
	return Config{
		Pools:           DefaultPools(),
		SourceAssetID:   USDCAssetID,
		SourceDecimals:  USDCDecimals,
		MasterContract:  MasterContract,
		CallTimeout:     30 * time.Second,
		EnforcePoolCaps: true,
	}
}

// LoadConfig reads the reward configuration from the environment.
// REWARD_POOLS may hold a JSON array of pools replacing the defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	cfg.SourceAssetID = utils.EnvUint64("SOURCE_ASSET_ID", cfg.SourceAssetID)
	cfg.MasterContract = utils.Env("MASTER_CONTRACT", cfg.MasterContract)
	cfg.CallTimeout = utils.EnvDuration("EXTERNAL_CALL_TIMEOUT", cfg.CallTimeout)
	cfg.EnforcePoolCaps = utils.EnvBool("POOL_CAP_ENFORCED", cfg.EnforcePoolCaps)

	if raw := utils.Env("REWARD_POOLS", ""); raw != "" {
		var pools []PoolConfig
		if err := json.Unmarshal([]byte(raw), &pools); err != nil {
			return Config{}, &ConfigError{Field: "REWARD_POOLS", Err: err}
		}
		cfg.Pools = pools
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if len(c.Pools) == 0 {
		return &ConfigError{Field: "pools", Err: errors.New("at least one reward pool is required")}
	}
	seenToken := map[string]bool{}
	seenAsset := map[uint64]bool{}
	for i, p := range c.Pools {
		field := fmt.Sprintf("pools[%d]", i)
		switch {
		case p.Token == "":
			return &ConfigError{Field: field, Err: errors.New("token is required")}
		case p.AssetID == 0:
			return &ConfigError{Field: field, Err: errors.New("assetId is required")}
		case !p.RatePerSourceUnit.IsPositive():
			return &ConfigError{Field: field, Err: fmt.Errorf("rate must be positive, got %s", p.RatePerSourceUnit)}
		case p.TotalCap == 0:
			return &ConfigError{Field: field, Err: errors.New("totalCap is required")}
		case seenToken[p.Token]:
			return &ConfigError{Field: field, Err: fmt.Errorf("duplicate token %q", p.Token)}
		case seenAsset[p.AssetID]:
			return &ConfigError{Field: field, Err: fmt.Errorf("duplicate assetId %d", p.AssetID)}
		}
		seenToken[p.Token] = true
		seenAsset[p.AssetID] = true
	}
	if c.SourceAssetID == 0 {
		return &ConfigError{Field: "sourceAssetId", Err: errors.New("source asset id is required")}
	}
	if c.SourceDecimals < 0 {
		return &ConfigError{Field: "sourceDecimals", Err: errors.New("must not be negative")}
	}
	if c.MasterContract == "" {
		return &ConfigError{Field: "masterContract", Err: errors.New("master contract address is required")}
	}
	if c.CallTimeout <= 0 {
		return &ConfigError{Field: "callTimeout", Err: errors.New("must be positive")}
	}
	return nil
}

// SourceAmount converts base units of the source asset into whole units (4_570_000 -> 4.57).
func (c Config) SourceAmount(baseUnits uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(baseUnits), -c.SourceDecimals)
}

// Pool returns the pool configured under token.
func (c Config) Pool(token string) (PoolConfig, bool) {
	for _, p := range c.Pools {
		if p.Token == token {
			return p, true
		}
	}
	return PoolConfig{}, false
}
