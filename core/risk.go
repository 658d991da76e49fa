package core

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// RiskEngine aggregates an account's collateral and debt, from both the pool
// and the P2P book, into a single health factor. Every valuation goes through
// the oracle; one stale price fails the whole read, there is no partial or
// fallback valuation.
type RiskEngine struct {
	store  LedgerStore
	oracle PriceOracleAdapter
}

func NewRiskEngine(store LedgerStore, oracle PriceOracleAdapter) *RiskEngine {
	return &RiskEngine{store: store, oracle: oracle}
}

// AccountCollateralValue sums the USD value of the account's free collateral
// across every asset.
func (r *RiskEngine) AccountCollateralValue(ctx context.Context, accountId uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	positions, err := r.store.ListPositionsByAccount(ctx, accountId)
	if err != nil {
		return decimal.Zero, err
	}
	for _, position := range positions {
		value, err := ValueOf(ctx, r.oracle, position.Asset, position.Collateral)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(value)
	}
	return total, nil
}

// weightedCollateralValue is AccountCollateralValue with each asset scaled by
// its liquidation threshold. The optional exclusion lowers one asset's free
// collateral first, which is how withdrawal simulation works.
func (r *RiskEngine) weightedCollateralValue(ctx context.Context, accountId uuid.UUID, excludeAsset string, excludeAmount decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	positions, err := r.store.ListPositionsByAccount(ctx, accountId)
	if err != nil {
		return decimal.Zero, err
	}
	for _, position := range positions {
		collateral := position.Collateral
		if position.Asset == excludeAsset {
			collateral = decimal.Max(collateral.Sub(excludeAmount), decimal.Zero)
		}
		if collateral.IsZero() {
			continue
		}
		asset, err := r.store.GetAsset(ctx, position.Asset)
		if err != nil {
			return decimal.Zero, AssetNotSupported
		}
		value, err := ValueOf(ctx, r.oracle, position.Asset, collateral)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(value.Mul(asset.RiskConfig.LiquidationThreshold()))
	}
	return total, nil
}

// AccountDebtValue sums pool debt (normalized units at the current index) and
// outstanding P2P repayment obligations, valued in USD.
func (r *RiskEngine) AccountDebtValue(ctx context.Context, accountId uuid.UUID) (decimal.Decimal, error) {
	total := decimal.Zero
	positions, err := r.store.ListPositionsByAccount(ctx, accountId)
	if err != nil {
		return decimal.Zero, err
	}
	for _, position := range positions {
		debt := position.P2PBorrowed
		if position.PoolDebtUnits.IsPositive() {
			pool, err := r.store.GetPool(ctx, position.Asset)
			if err != nil {
				return decimal.Zero, err
			}
			debt = debt.Add(pool.DebtAmount(position.PoolDebtUnits))
		}
		if debt.IsZero() {
			continue
		}
		value, err := ValueOf(ctx, r.oracle, position.Asset, debt)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(value)
	}
	return total, nil
}

// HealthFactor is the account-wide ratio of threshold-weighted collateral to
// debt, with pendingBorrowValue added to the debt side. Debt-free accounts
// report MAX_HEALTH_FACTOR.
func (r *RiskEngine) HealthFactor(ctx context.Context, accountId uuid.UUID, pendingBorrowValue decimal.Decimal) (decimal.Decimal, error) {
	return r.healthFactorSimulated(ctx, accountId, pendingBorrowValue, "", decimal.Zero)
}

func (r *RiskEngine) healthFactorSimulated(ctx context.Context, accountId uuid.UUID, pendingBorrowValue decimal.Decimal, excludeAsset string, excludeAmount decimal.Decimal) (decimal.Decimal, error) {
	debt, err := r.AccountDebtValue(ctx, accountId)
	if err != nil {
		return decimal.Zero, err
	}
	debt = debt.Add(pendingBorrowValue)
	if debt.IsZero() {
		return MAX_HEALTH_FACTOR, nil
	}

	weighted, err := r.weightedCollateralValue(ctx, accountId, excludeAsset, excludeAmount)
	if err != nil {
		return decimal.Zero, err
	}
	return weighted.Div(debt), nil
}

// CheckBorrowAllowed gates new debt: the post-borrow account health factor
// must stay at or above MIN_HEALTH_FACTOR.
func (r *RiskEngine) CheckBorrowAllowed(ctx context.Context, accountId uuid.UUID, pendingBorrowValue decimal.Decimal) error {
	health, err := r.HealthFactor(ctx, accountId, pendingBorrowValue)
	if err != nil {
		return err
	}
	if health.LessThan(MIN_HEALTH_FACTOR) {
		return InsufficientCollateral
	}
	return nil
}

// CheckWithdrawAllowed simulates removing free collateral. Accounts with no
// debt may always withdraw; otherwise the post-withdraw health factor must
// hold, since the remaining free collateral is what backs the account's
// loans.
func (r *RiskEngine) CheckWithdrawAllowed(ctx context.Context, accountId uuid.UUID, asset string, amount decimal.Decimal) error {
	health, err := r.healthFactorSimulated(ctx, accountId, decimal.Zero, asset, amount)
	if err != nil {
		return err
	}
	if health.LessThan(MIN_HEALTH_FACTOR) {
		return CollateralInUse
	}
	return nil
}

// PositionHealth is the per-position health factor: only the position's own
// locked collateral against its own debt. Liquidation eligibility for a
// specific loan or request checks this, not the account-wide factor.
func PositionHealth(ctx context.Context, oracle PriceOracleAdapter, assets AssetStore, collateralAssets []string, locked map[string]decimal.Decimal, debtValue decimal.Decimal) (decimal.Decimal, error) {
	if debtValue.IsZero() {
		return MAX_HEALTH_FACTOR, nil
	}
	weighted := decimal.Zero
	for _, symbol := range collateralAssets {
		amount := locked[symbol]
		if amount.IsZero() {
			continue
		}
		asset, err := assets.GetAsset(ctx, symbol)
		if err != nil {
			return decimal.Zero, AssetNotSupported
		}
		value, err := ValueOf(ctx, oracle, symbol, amount)
		if err != nil {
			return decimal.Zero, err
		}
		weighted = weighted.Add(value.Mul(asset.RiskConfig.LiquidationThreshold()))
	}
	return weighted.Div(debtValue), nil
}
