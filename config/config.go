package config

import (
	"context"

	"github.com/BurntSushi/toml"
	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/creditmesh/core/core"
	"github.com/creditmesh/core/utils"
)

// Config is the protocol's static configuration: engine parameters plus the
// supported assets and their money markets. Everything rate-like is kept in
// basis points, matching the on-ledger representation.
type Config struct {
	Engine EngineConfig  `toml:"engine"`
	Assets []AssetConfig `toml:"asset"`
	Pools  []PoolConfig  `toml:"pool"`
}

type EngineConfig struct {
	MaxLtvBps                 int64  `toml:"max_ltv_bps"`
	P2PLiquidationDiscountBps int64  `toml:"p2p_liquidation_discount_bps"`
	FeeRecipient              string `toml:"fee_recipient"`
}

type AssetConfig struct {
	Symbol                  string `toml:"symbol"`
	Name                    string `toml:"name"`
	Decimals                int32  `toml:"decimals"`
	LtvBps                  int64  `toml:"ltv_bps"`
	LiquidationThresholdBps int64  `toml:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64  `toml:"liquidation_bonus_bps"`
}

type PoolConfig struct {
	Asset                 string `toml:"asset"`
	BaseRateBps           int64  `toml:"base_rate_bps"`
	SlopeRateBps          int64  `toml:"slope_rate_bps"`
	SlopeExcessBps        int64  `toml:"slope_excess_bps"`
	OptimalUtilizationBps int64  `toml:"optimal_utilization_bps"`
	ReserveFactorBps      int64  `toml:"reserve_factor_bps"`

	// Caps are decimal strings in asset units; empty or "0" means uncapped.
	DepositCap string `toml:"deposit_cap"`
	BorrowCap  string `toml:"borrow_cap"`
}

// Load reads the TOML configuration from disk and validates it against the
// same rules the ledger enforces at runtime.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	if _, err := cfg.EngineParams(); err != nil {
		return err
	}
	if len(cfg.Assets) == 0 {
		return errors.Wrap(core.InvalidConfig, "no assets configured")
	}
	symbols := make(map[string]bool, len(cfg.Assets))
	for _, ac := range cfg.Assets {
		if ac.Symbol == "" {
			return errors.Wrap(core.InvalidConfig, "asset symbol required")
		}
		if symbols[ac.Symbol] {
			return errors.Wrapf(core.InvalidConfig, "duplicate asset %s", ac.Symbol)
		}
		symbols[ac.Symbol] = true
		if err := ac.Asset().RiskConfig.Validate(); err != nil {
			return errors.Wrapf(err, "asset %s", ac.Symbol)
		}
	}
	for _, pc := range cfg.Pools {
		if !symbols[pc.Asset] {
			return errors.Wrapf(core.InvalidConfig, "pool references unknown asset %s", pc.Asset)
		}
		rc := pc.RateConfig()
		if err := rc.Validate(); err != nil {
			return errors.Wrapf(err, "pool %s", pc.Asset)
		}
		if _, _, err := pc.Caps(); err != nil {
			return errors.Wrapf(err, "pool %s", pc.Asset)
		}
	}
	return nil
}

// EngineParams converts the engine section into runtime parameters. The fee
// recipient is a free-form identity string turned into a stable uuid.
func (cfg *Config) EngineParams() (core.EngineParams, error) {
	if cfg.Engine.FeeRecipient == "" {
		return core.EngineParams{}, errors.Wrap(core.InvalidConfig, "fee_recipient required")
	}
	params := core.EngineParams{
		MaxLtvBps:                 cfg.Engine.MaxLtvBps,
		P2PLiquidationDiscountBps: cfg.Engine.P2PLiquidationDiscountBps,
		FeeRecipient:              uuid.FromStringOrNil(utils.GenUuidFromStrings(cfg.Engine.FeeRecipient)),
	}
	if err := params.Validate(); err != nil {
		return core.EngineParams{}, err
	}
	return params, nil
}

// Bootstrap seeds the ledger store with the configured assets and their
// money markets. Existing pools are left alone so a restart never resets
// accrued state.
func (cfg *Config) Bootstrap(ctx context.Context, clk clock.Clock, store core.LedgerStore) error {
	for _, ac := range cfg.Assets {
		if err := store.UpsertAsset(ctx, ac.Asset()); err != nil {
			return err
		}
	}
	for _, pc := range cfg.Pools {
		if _, err := store.GetPool(ctx, pc.Asset); err == nil {
			continue
		}
		pool := core.NewAssetPool(clk, pc.Asset, pc.RateConfig())
		pool.DepositCap, pool.BorrowCap, _ = pc.Caps()
		if err := store.UpsertPool(ctx, pool); err != nil {
			return err
		}
	}
	return nil
}

func (ac AssetConfig) Asset() *core.Asset {
	return &core.Asset{
		Symbol:   ac.Symbol,
		Name:     ac.Name,
		Decimals: ac.Decimals,
		RiskConfig: core.AssetRiskConfig{
			LtvBps:                  ac.LtvBps,
			LiquidationThresholdBps: ac.LiquidationThresholdBps,
			LiquidationBonusBps:     ac.LiquidationBonusBps,
		},
	}
}

func (pc PoolConfig) RateConfig() core.RateConfig {
	return core.RateConfig{
		BaseRateBps:           pc.BaseRateBps,
		SlopeRateBps:          pc.SlopeRateBps,
		SlopeExcessBps:        pc.SlopeExcessBps,
		OptimalUtilizationBps: pc.OptimalUtilizationBps,
		ReserveFactorBps:      pc.ReserveFactorBps,
	}
}

// Caps parses the pool's deposit and borrow caps. Zero means uncapped.
func (pc PoolConfig) Caps() (depositCap, borrowCap decimal.Decimal, err error) {
	depositCap, err = parseCap(pc.DepositCap)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	borrowCap, err = parseCap(pc.BorrowCap)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return depositCap, borrowCap, nil
}

func parseCap(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil || value.IsNegative() {
		return decimal.Zero, core.InvalidConfig
	}
	return value, nil
}
