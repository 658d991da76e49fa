package core

import (
	"context"

	"github.com/shopspring/decimal"
)

type (
	AssetStore interface {
		GetAsset(ctx context.Context, symbol string) (*Asset, error)
		ListAssets(ctx context.Context) ([]*Asset, error)
		UpsertAsset(ctx context.Context, asset *Asset) error
	}

	Asset struct {
		Symbol   string `json:"symbol"`
		Name     string `json:"name"`
		Decimals int32  `json:"decimals"`

		RiskConfig AssetRiskConfig `json:"riskConfig"`
	}

	// AssetRiskConfig carries the per-asset risk knobs, all in basis points.
	AssetRiskConfig struct {
		LtvBps                  int64 `json:"ltvBps"`
		LiquidationThresholdBps int64 `json:"liquidationThresholdBps"`
		LiquidationBonusBps     int64 `json:"liquidationBonusBps"`
	}
)

func (c *AssetRiskConfig) Validate() error {
	if c.LtvBps <= 0 || c.LtvBps >= c.LiquidationThresholdBps {
		return ErrLtvThresholdOrder
	}
	if c.LiquidationThresholdBps > MAX_LIQUIDATION_THRESHOLD_BPS {
		return InvalidConfig
	}
	if c.LiquidationBonusBps < BPS_DENOMINATOR {
		return ErrBonusBelowPar
	}
	return nil
}

func (c *AssetRiskConfig) Ltv() decimal.Decimal {
	return bpsToDecimal(c.LtvBps)
}

func (c *AssetRiskConfig) LiquidationThreshold() decimal.Decimal {
	return bpsToDecimal(c.LiquidationThresholdBps)
}

func (c *AssetRiskConfig) LiquidationBonus() decimal.Decimal {
	return bpsToDecimal(c.LiquidationBonusBps)
}

func (a *Asset) Validate() error {
	if a.Symbol == "" {
		return InvalidConfig
	}
	return a.RiskConfig.Validate()
}
