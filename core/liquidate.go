package core

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// SeizedCollateral is one asset's slice of a liquidation payout.
type SeizedCollateral struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// LiquidationResult reports what a liquidation actually moved: the debt
// repaid, the collateral paid out to the liquidator, the fee slice routed to
// the protocol, and any leftover locks returned to the borrower on close.
type LiquidationResult struct {
	Repaid   decimal.Decimal    `json:"repaid"`
	Refund   decimal.Decimal    `json:"refund"`
	Seized   []SeizedCollateral `json:"seized"`
	Fee      []SeizedCollateral `json:"fee,omitempty"`
	Returned []SeizedCollateral `json:"returned,omitempty"`
	Closed   bool               `json:"closed"`
}

// LiquidatePoolLoan repays part of an unhealthy or matured pool loan on the
// borrower's behalf and seizes locked collateral worth the repaid value times
// each asset's liquidation bonus, pro rata by USD share of the lock set.
// Repayment is capped at half the outstanding debt unless the loan has
// matured or its health has collapsed below the full-close floor.
func (e *Engine) LiquidatePoolLoan(ctx context.Context, liquidator uuid.UUID, loanId uint64, amount decimal.Decimal) (*LiquidationResult, error) {
	// The first read only names the accounts to lease; the loan is reloaded
	// once the lease is held, since it may have changed in between.
	loan, err := e.store.GetLoan(ctx, loanId)
	if err != nil {
		return nil, err
	}
	borrowerId := loan.Borrower

	if err := e.begin(liquidator, borrowerId); err != nil {
		return nil, err
	}
	defer e.end(liquidator, borrowerId)

	loan, err = e.store.GetLoan(ctx, loanId)
	if err != nil {
		return nil, err
	}
	loan = loan.Clone()

	if liquidator == loan.Borrower {
		return nil, Unauthorized
	}
	if !amount.IsPositive() {
		return nil, InvalidAmount
	}
	if loan.Status != LoanStatusActive {
		return nil, LoanNotActive
	}

	pool, err := e.store.GetPool(ctx, loan.Asset)
	if err != nil {
		return nil, err
	}
	pool = pool.Clone()
	now := e.clk.Now().Unix()
	if err := pool.Accrue(e.log, now); err != nil {
		return nil, err
	}

	debt := loan.OutstandingDebt(pool)
	debtValue, err := ValueOf(ctx, e.oracle, loan.Asset, debt)
	if err != nil {
		return nil, err
	}
	health, err := PositionHealth(ctx, e.oracle, e.store, loan.CollateralAssets, loan.LockedCollateral, debtValue)
	if err != nil {
		return nil, err
	}

	matured := loan.IsMatured(now)
	if !matured && health.GreaterThanOrEqual(HEALTH_FACTOR_THRESHOLD) {
		return nil, NotLiquidatable
	}

	maxClose := debt
	if !matured && health.GreaterThanOrEqual(FULL_CLOSE_HEALTH_FACTOR) {
		maxClose = debt.Mul(DEFAULT_CLOSE_FACTOR)
	}
	repaid := decimal.Min(amount, maxClose)
	refund := amount.Sub(repaid)

	units := pool.ApplyRepay(repaid)
	loan.DebtUnits = decimal.Max(loan.DebtUnits.Sub(units), decimal.Zero)
	loan.LastInterestUpdate = now
	if err := pool.CheckConservation(); err != nil {
		return nil, err
	}

	repaidValue, err := ValueOf(ctx, e.oracle, loan.Asset, repaid)
	if err != nil {
		return nil, err
	}
	seized, _, err := e.seizeFromLocks(ctx, loan.CollateralAssets, loan.LockedCollateral, repaidValue, true, 0)
	if err != nil {
		return nil, err
	}

	liquidatorPositions, err := e.loadPositions(ctx, liquidator)
	if err != nil {
		return nil, err
	}
	for _, s := range seized {
		position := liquidatorPositions.get(s.Asset)
		position.Collateral = position.Collateral.Add(s.Amount)
	}

	result := &LiquidationResult{
		Repaid: repaid,
		Refund: refund,
		Seized: seized,
	}

	borrowerPositions, err := e.loadPositions(ctx, loan.Borrower)
	if err != nil {
		return nil, err
	}
	borrowerPosition := borrowerPositions.get(loan.Asset)
	borrowerPosition.PoolDebtUnits = decimal.Max(borrowerPosition.PoolDebtUnits.Sub(units), decimal.Zero)

	if loan.DebtUnits.LessThan(EMPTY_BALANCE_THRESHOLD) {
		loan.Status = LoanStatusLiquidated
		result.Closed = true
		result.Returned = remainingLocks(loan.CollateralAssets, loan.LockedCollateral)
		releaseLockedCollateral(borrowerPositions, loan.CollateralAssets, loan.LockedCollateral)
	}

	if err := e.store.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	if err := e.store.UpsertLoan(ctx, loan); err != nil {
		return nil, err
	}
	if err := liquidatorPositions.commit(ctx, e.store, now); err != nil {
		return nil, err
	}
	if err := borrowerPositions.commit(ctx, e.store, now); err != nil {
		return nil, err
	}
	if err := e.recordActivity(ctx, loan.Borrower, func(a *UserActivity) {
		a.RecordLiquidation(e.clk, repaid)
	}); err != nil {
		return nil, err
	}
	if err := e.recordActivity(ctx, liquidator, func(a *UserActivity) {
		a.RecordLiquidation(e.clk, repaid)
	}); err != nil {
		return nil, err
	}

	e.log.Info().
		Uint64("loanId", loan.Id).
		Str("liquidator", liquidator.String()).
		Str("repaid", repaid.String()).
		Str("health", health.String()).
		Bool("closed", result.Closed).
		Msg("pool loan liquidated")

	return result, nil
}

// LiquidateRequest closes out a serviced P2P request that has matured or
// fallen unhealthy. P2P liquidations are whole-position only: collateral
// covering the full repayment obligation is seized at fair value, and the
// flat discount slice goes to the fee recipient instead of an asset bonus
// accruing to the liquidator.
func (e *Engine) LiquidateRequest(ctx context.Context, liquidator uuid.UUID, requestId uint64) (*LiquidationResult, error) {
	request, err := e.store.GetRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	author, lenderId := request.Author, request.Lender

	if err := e.begin(liquidator, author, lenderId); err != nil {
		return nil, err
	}
	defer e.end(liquidator, author, lenderId)

	request, err = e.store.GetRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	request = request.Clone()
	if request.Lender != lenderId {
		// Serviced between the reads: the lease does not cover the actual
		// lender, so the caller has to retry.
		return nil, OperationInProgress
	}

	if liquidator == request.Author {
		return nil, Unauthorized
	}
	if request.Status != RequestStatusServiced {
		return nil, RequestNotServiced
	}

	now := e.clk.Now().Unix()
	debt := request.TotalRepayment
	debtValue, err := ValueOf(ctx, e.oracle, request.Asset, debt)
	if err != nil {
		return nil, err
	}
	health, err := PositionHealth(ctx, e.oracle, e.store, request.CollateralAssets, request.LockedCollateral, debtValue)
	if err != nil {
		return nil, err
	}

	matured := now > request.ReturnTime
	if !matured && health.GreaterThanOrEqual(HEALTH_FACTOR_THRESHOLD) {
		return nil, NotLiquidatable
	}

	seized, fee, err := e.seizeFromLocks(ctx, request.CollateralAssets, request.LockedCollateral, debtValue, false, e.params.P2PLiquidationDiscountBps)
	if err != nil {
		return nil, err
	}

	liquidatorPositions, err := e.loadPositions(ctx, liquidator)
	if err != nil {
		return nil, err
	}
	for _, s := range seized {
		position := liquidatorPositions.get(s.Asset)
		position.Collateral = position.Collateral.Add(s.Amount)
	}
	for _, f := range fee {
		feePosition, err := FindOrCreatePosition(ctx, e.clk, e.store, e.params.FeeRecipient, f.Asset)
		if err != nil {
			return nil, err
		}
		feePosition = feePosition.Clone()
		feePosition.Collateral = feePosition.Collateral.Add(f.Amount)
		feePosition.LastUpdate = now
		if err := e.store.UpsertPosition(ctx, feePosition); err != nil {
			return nil, err
		}
	}

	borrowerPositions, err := e.loadPositions(ctx, request.Author)
	if err != nil {
		return nil, err
	}
	borrowerPosition := borrowerPositions.get(request.Asset)
	borrowerPosition.P2PBorrowed = decimal.Max(borrowerPosition.P2PBorrowed.Sub(debt), decimal.Zero)

	lenderPosition, err := FindOrCreatePosition(ctx, e.clk, e.store, request.Lender, request.Asset)
	if err != nil {
		return nil, err
	}
	lenderPosition = lenderPosition.Clone()
	lenderPosition.P2PLent = decimal.Max(lenderPosition.P2PLent.Sub(debt), decimal.Zero)
	lenderPosition.LastUpdate = now

	result := &LiquidationResult{
		Repaid:   debt,
		Seized:   seized,
		Fee:      fee,
		Returned: remainingLocks(request.CollateralAssets, request.LockedCollateral),
		Closed:   true,
	}
	releaseLockedCollateral(borrowerPositions, request.CollateralAssets, request.LockedCollateral)
	request.Status = RequestStatusLiquidated
	request.UpdatedAt = now

	if err := e.store.UpsertRequest(ctx, request); err != nil {
		return nil, err
	}
	if err := e.store.UpsertPosition(ctx, lenderPosition); err != nil {
		return nil, err
	}
	if err := liquidatorPositions.commit(ctx, e.store, now); err != nil {
		return nil, err
	}
	if err := borrowerPositions.commit(ctx, e.store, now); err != nil {
		return nil, err
	}
	if err := e.recordActivity(ctx, request.Author, func(a *UserActivity) {
		a.RecordLiquidation(e.clk, debt)
	}); err != nil {
		return nil, err
	}
	if err := e.recordActivity(ctx, liquidator, func(a *UserActivity) {
		a.RecordLiquidation(e.clk, debt)
	}); err != nil {
		return nil, err
	}

	e.log.Info().
		Uint64("requestId", request.Id).
		Str("liquidator", liquidator.String()).
		Str("repaid", debt.String()).
		Str("health", health.String()).
		Msg("p2p request liquidated")

	return result, nil
}

// seizeFromLocks takes repaidValue worth of collateral out of a lock set,
// spread pro rata by USD share. withBonus scales each asset's slice by its
// liquidation bonus; without it the seizure converts at fair value. Per-asset
// seizure clamps at what the lock actually holds. A non-zero discount splits
// each slice between the liquidator and the protocol fee. The lock map is
// reduced in place.
func (e *Engine) seizeFromLocks(ctx context.Context, collateralAssets []string, locked map[string]decimal.Decimal, repaidValue decimal.Decimal, withBonus bool, discountBps int64) (seized, fee []SeizedCollateral, err error) {
	values := make(map[string]decimal.Decimal, len(collateralAssets))
	totalValue := decimal.Zero
	for _, symbol := range collateralAssets {
		amount := locked[symbol]
		if !amount.IsPositive() {
			continue
		}
		value, err := ValueOf(ctx, e.oracle, symbol, amount)
		if err != nil {
			return nil, nil, err
		}
		values[symbol] = value
		totalValue = totalValue.Add(value)
	}
	if totalValue.IsZero() {
		return nil, nil, InsufficientCollateral
	}

	discount := bpsToDecimal(discountBps)
	for _, symbol := range collateralAssets {
		value, ok := values[symbol]
		if !ok {
			continue
		}
		shareValue := repaidValue.Mul(value).Div(totalValue)
		if withBonus {
			asset, err := e.requireAsset(ctx, symbol)
			if err != nil {
				return nil, nil, err
			}
			shareValue = shareValue.Mul(asset.RiskConfig.LiquidationBonus())
		}
		amount, err := AmountOf(ctx, e.oracle, symbol, shareValue)
		if err != nil {
			return nil, nil, err
		}
		amount = decimal.Min(amount, locked[symbol])
		if !amount.IsPositive() {
			continue
		}
		locked[symbol] = locked[symbol].Sub(amount)

		feeAmount := amount.Mul(discount)
		if feeAmount.IsPositive() {
			fee = append(fee, SeizedCollateral{Asset: symbol, Amount: feeAmount})
		}
		seized = append(seized, SeizedCollateral{Asset: symbol, Amount: amount.Sub(feeAmount)})
	}
	if len(seized) == 0 {
		return nil, nil, InsufficientCollateral
	}
	return seized, fee, nil
}

func remainingLocks(collateralAssets []string, locked map[string]decimal.Decimal) []SeizedCollateral {
	var remaining []SeizedCollateral
	for _, symbol := range collateralAssets {
		if amount := locked[symbol]; amount.IsPositive() {
			remaining = append(remaining, SeizedCollateral{Asset: symbol, Amount: amount})
		}
	}
	return remaining
}
