package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type (
	PoolStore interface {
		GetPool(ctx context.Context, asset string) (*AssetPool, error)
		UpsertPool(ctx context.Context, pool *AssetPool) error
		ListPools(ctx context.Context) ([]*AssetPool, error)
	}

	LoanStore interface {
		NextLoanId(ctx context.Context) (uint64, error)
		GetLoan(ctx context.Context, loanId uint64) (*PoolLoan, error)
		UpsertLoan(ctx context.Context, loan *PoolLoan) error
		ListLoansByAccount(ctx context.Context, accountId uuid.UUID) ([]*PoolLoan, error)
	}

	// AssetPool is the shared money-market state for one asset. Debt is kept
	// in normalized units: an individual borrower's real debt is
	// units * NormalizedDebtIndex, so interest accrues for every borrower in
	// one index update, without per-borrower iteration.
	AssetPool struct {
		Asset string `json:"asset"`

		TotalDeposits      decimal.Decimal `json:"totalDeposits"`
		TotalBorrows       decimal.Decimal `json:"totalBorrows"`
		PoolLiquidity      decimal.Decimal `json:"poolLiquidity"`
		TotalDepositShares decimal.Decimal `json:"totalDepositShares"`
		FeeVault           decimal.Decimal `json:"feeVault"`

		NormalizedDebtIndex decimal.Decimal `json:"normalizedDebtIndex"`

		RateConfig RateConfig `json:"rateConfig"`

		OperationalState PoolOperationalState `json:"operationalState"`

		// Zero caps mean uncapped.
		DepositCap decimal.Decimal `json:"depositCap"`
		BorrowCap  decimal.Decimal `json:"borrowCap"`

		CreatedAt  int64 `json:"createdAt"`
		LastUpdate int64 `json:"lastUpdate"`
	}

	// RateConfig is the two-segment utilization curve, all knobs in bps.
	RateConfig struct {
		BaseRateBps           int64 `json:"baseRateBps"`
		SlopeRateBps          int64 `json:"slopeRateBps"`
		SlopeExcessBps        int64 `json:"slopeExcessBps"`
		OptimalUtilizationBps int64 `json:"optimalUtilizationBps"`
		ReserveFactorBps      int64 `json:"reserveFactorBps"`
	}

	// PoolLoan is one borrow against the pool. Every loan carries its own
	// collateral lock set, so loans of the same account liquidate
	// independently.
	PoolLoan struct {
		Id       uint64    `json:"id"`
		Borrower uuid.UUID `json:"borrower"`
		Asset    string    `json:"asset"`

		Principal       decimal.Decimal `json:"principal"`
		DebtUnits       decimal.Decimal `json:"debtUnits"`
		InterestRateBps int64           `json:"interestRateBps"`
		DueTime         int64           `json:"dueTime"`

		Status LoanStatus `json:"status"`

		CollateralAssets []string                   `json:"collateralAssets"`
		LockedCollateral map[string]decimal.Decimal `json:"lockedCollateral"`

		CreatedAt          int64 `json:"createdAt"`
		LastInterestUpdate int64 `json:"lastInterestUpdate"`
	}
)

type LoanStatus uint8

const (
	LoanStatusActive LoanStatus = iota
	LoanStatusRepaid
	LoanStatusLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanStatusActive:
		return "Active"
	case LoanStatusRepaid:
		return "Repaid"
	case LoanStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

type PoolOperationalState uint8

const (
	PoolStateOperational PoolOperationalState = iota
	PoolStatePaused
	PoolStateReduceOnly
)

func (s PoolOperationalState) String() string {
	switch s {
	case PoolStateOperational:
		return "Operational"
	case PoolStatePaused:
		return "Paused"
	case PoolStateReduceOnly:
		return "Reduce Only"
	default:
		return "Unknown"
	}
}

func (rc *RateConfig) Validate() error {
	if rc.OptimalUtilizationBps <= 0 || rc.OptimalUtilizationBps >= BPS_DENOMINATOR {
		return ErrOptimalUr
	}
	if rc.BaseRateBps < 0 || rc.SlopeRateBps < 0 || rc.SlopeExcessBps < 0 {
		return ErrNegativeRate
	}
	if rc.ReserveFactorBps < 0 || rc.ReserveFactorBps >= BPS_DENOMINATOR {
		return InvalidConfig
	}
	return nil
}

// BorrowRate evaluates the kinked curve at utilization u (a plain ratio).
// Below the kink the rate climbs linearly from the base rate; above it the
// excess slope takes over from base+slope.
func (rc *RateConfig) BorrowRate(u decimal.Decimal) decimal.Decimal {
	base := bpsToDecimal(rc.BaseRateBps)
	slope := bpsToDecimal(rc.SlopeRateBps)
	optimal := bpsToDecimal(rc.OptimalUtilizationBps)

	if u.LessThanOrEqual(optimal) {
		return base.Add(u.Mul(slope).Div(optimal))
	}

	excessSlope := bpsToDecimal(rc.SlopeExcessBps)
	return base.Add(slope).
		Add(u.Sub(optimal).Mul(excessSlope).Div(ONE.Sub(optimal)))
}

// Rates returns (supplyRate, borrowRate) at utilization u. The supply rate is
// the borrow rate scaled by utilization net of the reserve factor.
func (rc *RateConfig) Rates(u decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	borrowRate := rc.BorrowRate(u)
	reserveFactor := bpsToDecimal(rc.ReserveFactorBps)
	supplyRate := borrowRate.Mul(u).Mul(ONE.Sub(reserveFactor))
	return supplyRate, borrowRate
}

func NewAssetPool(clk clock.Clock, asset string, rateConfig RateConfig) *AssetPool {
	return &AssetPool{
		Asset:               asset,
		TotalDeposits:       decimal.Zero,
		TotalBorrows:        decimal.Zero,
		PoolLiquidity:       decimal.Zero,
		TotalDepositShares:  decimal.Zero,
		FeeVault:            decimal.Zero,
		NormalizedDebtIndex: ONE,
		RateConfig:          rateConfig,
		OperationalState:    PoolStateOperational,
		DepositCap:          decimal.Zero,
		BorrowCap:           decimal.Zero,
		CreatedAt:           clk.Now().Unix(),
		LastUpdate:          clk.Now().Unix(),
	}
}

func (p *AssetPool) Clone() *AssetPool {
	clone := *p
	return &clone
}

func (p *AssetPool) Utilization() decimal.Decimal {
	if p.TotalDeposits.IsZero() {
		return decimal.Zero
	}
	return p.TotalBorrows.Div(p.TotalDeposits)
}

// ShareValue is the amount of the underlying one deposit share is worth.
func (p *AssetPool) ShareValue() decimal.Decimal {
	if p.TotalDepositShares.IsZero() {
		return ONE
	}
	return p.TotalDeposits.Div(p.TotalDepositShares)
}

func (p *AssetPool) DepositAmount(shares decimal.Decimal) decimal.Decimal {
	return shares.Mul(p.ShareValue())
}

func (p *AssetPool) DepositShares(amount decimal.Decimal) decimal.Decimal {
	return amount.Div(p.ShareValue())
}

func (p *AssetPool) DebtAmount(units decimal.Decimal) decimal.Decimal {
	return units.Mul(p.NormalizedDebtIndex)
}

func (p *AssetPool) DebtUnits(amount decimal.Decimal) decimal.Decimal {
	return amount.Div(p.NormalizedDebtIndex)
}

func (p *AssetPool) AssertOperationalMode(isFlowIncreasing bool) error {
	switch p.OperationalState {
	case PoolStatePaused:
		return PoolPaused
	case PoolStateReduceOnly:
		if isFlowIncreasing {
			return PoolReduceOnly
		}
	}
	return nil
}

// Accrue folds the interest owed since LastUpdate into the debt index. The
// whole borrow side grows through the index; the deposit side grows by the
// same interest net of the reserve cut, which lands in the fee vault.
// PoolLiquidity is cash and does not move here.
func (p *AssetPool) Accrue(log Log, currentTimestamp int64) error {
	timeDelta := currentTimestamp - p.LastUpdate
	if timeDelta <= 0 {
		return nil
	}
	p.LastUpdate = currentTimestamp

	if p.TotalBorrows.IsZero() || p.TotalDeposits.IsZero() {
		return nil
	}

	_, borrowRate := p.RateConfig.Rates(p.Utilization())
	growth := borrowRate.Mul(decimal.NewFromInt(timeDelta)).Div(decimal.NewFromInt(SECONDS_PER_YEAR))

	interest := p.TotalBorrows.Mul(growth)
	reserveCut := interest.Mul(bpsToDecimal(p.RateConfig.ReserveFactorBps))

	p.NormalizedDebtIndex = p.NormalizedDebtIndex.Mul(ONE.Add(growth))
	p.TotalBorrows = p.TotalBorrows.Add(interest)
	p.TotalDeposits = p.TotalDeposits.Add(interest.Sub(reserveCut))
	p.FeeVault = p.FeeVault.Add(reserveCut)

	log.Debug().
		Str("asset", p.Asset).
		Int64("timeDelta", timeDelta).
		Str("borrowRate", borrowRate.String()).
		Str("index", p.NormalizedDebtIndex.String()).
		Msg("pool interest accrued")

	return nil
}

func (p *AssetPool) CheckConservation() error {
	if p.TotalBorrows.GreaterThan(p.TotalDeposits) {
		return IllegalUtilizationRatio
	}
	return nil
}

// AddLiquidity mints deposit shares at the current share value.
func (p *AssetPool) AddLiquidity(amount decimal.Decimal) (decimal.Decimal, error) {
	if !p.DepositCap.IsZero() && p.TotalDeposits.Add(amount).GreaterThan(p.DepositCap) {
		return decimal.Zero, PoolDepositCapExceeded
	}
	shares := p.DepositShares(amount)
	p.TotalDeposits = p.TotalDeposits.Add(amount)
	p.PoolLiquidity = p.PoolLiquidity.Add(amount)
	p.TotalDepositShares = p.TotalDepositShares.Add(shares)
	return shares, nil
}

// RemoveLiquidity burns shares and pays out the underlying, bounded by the
// cash actually sitting in the pool.
func (p *AssetPool) RemoveLiquidity(shares decimal.Decimal) (decimal.Decimal, error) {
	amount := p.DepositAmount(shares)
	if amount.GreaterThan(p.PoolLiquidity) {
		return decimal.Zero, InsufficientLiquidity
	}
	p.TotalDeposits = p.TotalDeposits.Sub(amount)
	p.PoolLiquidity = p.PoolLiquidity.Sub(amount)
	p.TotalDepositShares = p.TotalDepositShares.Sub(shares)
	return amount, nil
}

// FundBorrow lends amount out of pool cash and returns the normalized debt
// units the borrower now owes.
func (p *AssetPool) FundBorrow(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.GreaterThan(p.PoolLiquidity) {
		return decimal.Zero, InsufficientLiquidity
	}
	if !p.BorrowCap.IsZero() && p.TotalBorrows.Add(amount).GreaterThan(p.BorrowCap) {
		return decimal.Zero, PoolBorrowCapExceeded
	}
	units := p.DebtUnits(amount)
	p.TotalBorrows = p.TotalBorrows.Add(amount)
	p.PoolLiquidity = p.PoolLiquidity.Sub(amount)
	return units, nil
}

// ApplyRepay returns cash to the pool and retires the matching debt units.
func (p *AssetPool) ApplyRepay(amount decimal.Decimal) decimal.Decimal {
	units := p.DebtUnits(amount)
	p.TotalBorrows = p.TotalBorrows.Sub(amount)
	if p.TotalBorrows.LessThan(decimal.Zero) {
		p.TotalBorrows = decimal.Zero
	}
	p.PoolLiquidity = p.PoolLiquidity.Add(amount)
	return units
}

func (l *PoolLoan) Clone() *PoolLoan {
	clone := *l
	clone.CollateralAssets = append([]string(nil), l.CollateralAssets...)
	clone.LockedCollateral = make(map[string]decimal.Decimal, len(l.LockedCollateral))
	for asset, amount := range l.LockedCollateral {
		clone.LockedCollateral[asset] = amount
	}
	return &clone
}

// OutstandingDebt is the loan's current debt at the given index.
func (l *PoolLoan) OutstandingDebt(pool *AssetPool) decimal.Decimal {
	return pool.DebtAmount(l.DebtUnits)
}

func (l *PoolLoan) IsMatured(now int64) bool {
	return l.DueTime > 0 && now > l.DueTime
}
