package core

import (
	"github.com/shopspring/decimal"
)

const (
	SECONDS_PER_YEAR = 31_536_000

	BPS_DENOMINATOR = 10_000

	// Per-asset liquidation thresholds may not exceed 95%.
	MAX_LIQUIDATION_THRESHOLD_BPS = 9_500
)

var (
	ONE = decimal.NewFromInt(1)
	BPS = decimal.NewFromInt(BPS_DENOMINATOR)

	ZERO_AMOUNT_THRESHOLD   = decimal.Zero
	EMPTY_BALANCE_THRESHOLD = decimal.NewFromFloat(0.00000001)

	// Health factors are plain ratios: 1.0 is the liquidation boundary.
	MIN_HEALTH_FACTOR       = ONE
	HEALTH_FACTOR_THRESHOLD = ONE

	// Below this position health a loan may be closed out in full.
	FULL_CLOSE_HEALTH_FACTOR = decimal.NewFromFloat(0.5)

	// Fraction of a pool loan's debt that one liquidation call may repay.
	DEFAULT_CLOSE_FACTOR = decimal.NewFromFloat(0.5)

	// Stand-in for an infinite health factor when an account carries no debt.
	MAX_HEALTH_FACTOR = decimal.New(1, 18)
)

func bpsToDecimal(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(BPS)
}
