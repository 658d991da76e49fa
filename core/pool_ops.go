package core

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// DepositToPool supplies liquidity to the asset's money market and mints
// deposit shares at the current share value, so late depositors earn only
// interest accrued after their principal arrived.
func (e *Engine) DepositToPool(ctx context.Context, accountId uuid.UUID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := e.begin(accountId); err != nil {
		return decimal.Zero, err
	}
	defer e.end(accountId)

	if !amount.IsPositive() {
		return decimal.Zero, InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return decimal.Zero, err
	}

	pool, err := e.store.GetPool(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	pool = pool.Clone()
	now := e.clk.Now().Unix()
	if err := pool.Accrue(e.log, now); err != nil {
		return decimal.Zero, err
	}
	if err := pool.AssertOperationalMode(true); err != nil {
		return decimal.Zero, err
	}

	shares, err := pool.AddLiquidity(amount)
	if err != nil {
		return decimal.Zero, err
	}
	if err := pool.CheckConservation(); err != nil {
		return decimal.Zero, err
	}

	position, err := FindOrCreatePosition(ctx, e.clk, e.store, accountId, asset)
	if err != nil {
		return decimal.Zero, err
	}
	position = position.Clone()
	if err := position.ChangePoolShares(shares); err != nil {
		return decimal.Zero, err
	}
	position.LastUpdate = now

	if err := e.store.UpsertPool(ctx, pool); err != nil {
		return decimal.Zero, err
	}
	if err := e.store.UpsertPosition(ctx, position); err != nil {
		return decimal.Zero, err
	}
	if err := e.recordActivity(ctx, accountId, func(a *UserActivity) {
		a.RecordLending(e.clk, amount)
	}); err != nil {
		return decimal.Zero, err
	}

	e.log.Info().
		Str("account", accountId.String()).
		Str("asset", asset).
		Str("amount", amount.String()).
		Str("shares", shares.String()).
		Msg("pool deposit")

	return shares, nil
}

// WithdrawFromPool redeems a deposit amount worth of shares, bounded by the
// pool's cash on hand.
func (e *Engine) WithdrawFromPool(ctx context.Context, accountId uuid.UUID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := e.begin(accountId); err != nil {
		return decimal.Zero, err
	}
	defer e.end(accountId)

	if !amount.IsPositive() {
		return decimal.Zero, InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return decimal.Zero, err
	}

	pool, err := e.store.GetPool(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	pool = pool.Clone()
	now := e.clk.Now().Unix()
	if err := pool.Accrue(e.log, now); err != nil {
		return decimal.Zero, err
	}
	if err := pool.AssertOperationalMode(false); err != nil {
		return decimal.Zero, err
	}

	position, err := FindOrCreatePosition(ctx, e.clk, e.store, accountId, asset)
	if err != nil {
		return decimal.Zero, err
	}
	position = position.Clone()

	shares := pool.DepositShares(amount)
	if shares.GreaterThan(position.PoolShares) {
		return decimal.Zero, InsufficientBalance
	}

	paidOut, err := pool.RemoveLiquidity(shares)
	if err != nil {
		return decimal.Zero, err
	}
	if err := pool.CheckConservation(); err != nil {
		return decimal.Zero, err
	}
	if err := position.ChangePoolShares(shares.Neg()); err != nil {
		return decimal.Zero, err
	}
	position.LastUpdate = now

	if err := e.store.UpsertPool(ctx, pool); err != nil {
		return decimal.Zero, err
	}
	if err := e.store.UpsertPosition(ctx, position); err != nil {
		return decimal.Zero, err
	}
	return paidOut, nil
}

// BorrowFromPool opens a new pool loan. The borrow is risk-gated on the
// account health factor with the new debt included, then collateral worth
// loanValue / maxLTV is locked to the loan pro rata across the borrower's
// collateral set. The origination rate recorded on the loan is the pool rate
// at post-borrow utilization.
func (e *Engine) BorrowFromPool(ctx context.Context, accountId uuid.UUID, asset string, amount decimal.Decimal, dueTime int64) (*PoolLoan, error) {
	if err := e.begin(accountId); err != nil {
		return nil, err
	}
	defer e.end(accountId)

	if !amount.IsPositive() {
		return nil, InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return nil, err
	}

	pool, err := e.store.GetPool(ctx, asset)
	if err != nil {
		return nil, err
	}
	pool = pool.Clone()
	now := e.clk.Now().Unix()
	if err := pool.Accrue(e.log, now); err != nil {
		return nil, err
	}
	if err := pool.AssertOperationalMode(true); err != nil {
		return nil, err
	}

	borrowValue, err := ValueOf(ctx, e.oracle, asset, amount)
	if err != nil {
		return nil, err
	}
	if err := e.risk.CheckBorrowAllowed(ctx, accountId, borrowValue); err != nil {
		return nil, err
	}

	positions, err := e.loadPositions(ctx, accountId)
	if err != nil {
		return nil, err
	}
	lockTarget := borrowValue.Div(bpsToDecimal(e.params.MaxLtvBps))
	collateralAssets, locked, err := e.lockCollateralProRata(ctx, positions, lockTarget)
	if err != nil {
		return nil, err
	}

	units, err := pool.FundBorrow(amount)
	if err != nil {
		return nil, err
	}

	_, borrowRate := pool.RateConfig.Rates(pool.Utilization())
	loanId, err := e.store.NextLoanId(ctx)
	if err != nil {
		return nil, err
	}
	loan := &PoolLoan{
		Id:                 loanId,
		Borrower:           accountId,
		Asset:              asset,
		Principal:          amount,
		DebtUnits:          units,
		InterestRateBps:    borrowRate.Mul(BPS).Round(0).IntPart(),
		DueTime:            dueTime,
		Status:             LoanStatusActive,
		CollateralAssets:   collateralAssets,
		LockedCollateral:   locked,
		CreatedAt:          now,
		LastInterestUpdate: now,
	}

	borrowerPosition := positions.get(asset)
	if err := borrowerPosition.ChangePoolDebtUnits(units); err != nil {
		return nil, err
	}

	if err := e.store.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	if err := positions.commit(ctx, e.store, now); err != nil {
		return nil, err
	}
	if err := e.store.UpsertLoan(ctx, loan); err != nil {
		return nil, err
	}
	if err := e.recordActivity(ctx, accountId, func(a *UserActivity) {
		a.RecordBorrowing(e.clk, amount)
	}); err != nil {
		return nil, err
	}

	e.log.Info().
		Uint64("loanId", loan.Id).
		Str("account", accountId.String()).
		Str("asset", asset).
		Str("amount", amount.String()).
		Int64("rateBps", loan.InterestRateBps).
		Msg("pool borrow")

	return loan, nil
}

// RepayPoolLoan pays down a loan. Payment caps at the outstanding debt; any
// excess is returned to the caller. A fully repaid loan releases its locked
// collateral and closes.
func (e *Engine) RepayPoolLoan(ctx context.Context, accountId uuid.UUID, loanId uint64, amount decimal.Decimal) (paid, refund decimal.Decimal, err error) {
	if err := e.begin(accountId); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer e.end(accountId)

	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, InvalidAmount
	}

	loan, err := e.store.GetLoan(ctx, loanId)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	loan = loan.Clone()
	if loan.Status != LoanStatusActive {
		return decimal.Zero, decimal.Zero, LoanNotActive
	}
	if loan.Borrower != accountId {
		return decimal.Zero, decimal.Zero, Unauthorized
	}

	pool, err := e.store.GetPool(ctx, loan.Asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	pool = pool.Clone()
	now := e.clk.Now().Unix()
	if err := pool.Accrue(e.log, now); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	debt := loan.OutstandingDebt(pool)
	paid = decimal.Min(amount, debt)
	refund = amount.Sub(paid)

	units := pool.ApplyRepay(paid)
	loan.DebtUnits = decimal.Max(loan.DebtUnits.Sub(units), decimal.Zero)
	loan.LastInterestUpdate = now

	positions, err := e.loadPositions(ctx, accountId)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	borrowerPosition := positions.get(loan.Asset)
	if err := borrowerPosition.ChangePoolDebtUnits(units.Neg()); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	if loan.DebtUnits.LessThan(EMPTY_BALANCE_THRESHOLD) {
		loan.Status = LoanStatusRepaid
		releaseLockedCollateral(positions, loan.CollateralAssets, loan.LockedCollateral)
	}

	if err := e.store.UpsertPool(ctx, pool); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := positions.commit(ctx, e.store, now); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := e.store.UpsertLoan(ctx, loan); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	e.log.Info().
		Uint64("loanId", loan.Id).
		Str("paid", paid.String()).
		Str("status", loan.Status.String()).
		Msg("pool repay")

	return paid, refund, nil
}
