package core

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// DepositCollateral credits free collateral for the account.
func (e *Engine) DepositCollateral(ctx context.Context, accountId uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := e.begin(accountId); err != nil {
		return err
	}
	defer e.end(accountId)

	if !amount.IsPositive() {
		return InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return err
	}

	position, err := FindOrCreatePosition(ctx, e.clk, e.store, accountId, asset)
	if err != nil {
		return err
	}
	position = position.Clone()
	if err := position.ChangeCollateral(amount); err != nil {
		return err
	}
	position.LastUpdate = e.clk.Now().Unix()

	if err := e.store.UpsertPosition(ctx, position); err != nil {
		return err
	}
	return e.recordActivity(ctx, accountId, func(a *UserActivity) {
		a.RecordLending(e.clk, amount)
	})
}

// WithdrawCollateral releases free collateral back to the account, provided
// no active loan would be left under-backed.
func (e *Engine) WithdrawCollateral(ctx context.Context, accountId uuid.UUID, asset string, amount decimal.Decimal) error {
	if err := e.begin(accountId); err != nil {
		return err
	}
	defer e.end(accountId)

	if !amount.IsPositive() {
		return InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return err
	}

	position, err := FindOrCreatePosition(ctx, e.clk, e.store, accountId, asset)
	if err != nil {
		return err
	}
	position = position.Clone()
	if amount.GreaterThan(position.Collateral) {
		return InsufficientCollateral
	}

	if err := e.risk.CheckWithdrawAllowed(ctx, accountId, asset, amount); err != nil {
		return err
	}

	if err := position.ChangeCollateral(amount.Neg()); err != nil {
		return err
	}
	position.LastUpdate = e.clk.Now().Unix()

	return e.store.UpsertPosition(ctx, position)
}

// lockCollateralProRata moves targetValue worth of free collateral out of the
// account's positions into a lock set, pro-rated by each asset's USD share of
// the account's total free collateral. Per-asset amounts clamp at what the
// account actually holds. Returns the lock order and the locked amounts.
func (e *Engine) lockCollateralProRata(ctx context.Context, positions *positionSet, targetValue decimal.Decimal) ([]string, map[string]decimal.Decimal, error) {
	symbols := positions.assets()

	values := make(map[string]decimal.Decimal, len(symbols))
	totalValue := decimal.Zero
	for _, symbol := range symbols {
		position := positions.byAsset[symbol]
		if !position.Collateral.IsPositive() {
			continue
		}
		value, err := ValueOf(ctx, e.oracle, symbol, position.Collateral)
		if err != nil {
			return nil, nil, err
		}
		values[symbol] = value
		totalValue = totalValue.Add(value)
	}
	if totalValue.IsZero() {
		return nil, nil, InsufficientCollateral
	}

	order := make([]string, 0, len(values))
	locked := make(map[string]decimal.Decimal, len(values))
	for _, symbol := range symbols {
		value, ok := values[symbol]
		if !ok {
			continue
		}
		position := positions.byAsset[symbol]
		shareValue := targetValue.Mul(value).Div(totalValue)
		amount, err := AmountOf(ctx, e.oracle, symbol, shareValue)
		if err != nil {
			return nil, nil, err
		}
		amount = decimal.Min(amount, position.Collateral)
		if !amount.IsPositive() {
			continue
		}
		if err := position.ChangeCollateral(amount.Neg()); err != nil {
			return nil, nil, err
		}
		order = append(order, symbol)
		locked[symbol] = amount
	}
	if len(order) == 0 {
		return nil, nil, InsufficientCollateral
	}
	return order, locked, nil
}

// releaseLockedCollateral moves whatever remains in a lock set back into the
// owner's free collateral, asset by asset.
func releaseLockedCollateral(positions *positionSet, collateralAssets []string, locked map[string]decimal.Decimal) {
	for _, symbol := range collateralAssets {
		amount := locked[symbol]
		if !amount.IsPositive() {
			continue
		}
		position := positions.get(symbol)
		position.Collateral = position.Collateral.Add(amount)
		locked[symbol] = decimal.Zero
	}
}
