package core

import (
	"github.com/pkg/errors"
)

var (
	InvalidAmount          = errors.New("invalid amount")
	AssetNotSupported      = errors.New("asset not supported")
	InsufficientBalance    = errors.New("insufficient balance")
	InsufficientAllowance  = errors.New("insufficient allowance")
	InsufficientCollateral = errors.New("insufficient collateral")
	InsufficientLiquidity  = errors.New("insufficient pool liquidity")
	CollateralInUse        = errors.New("collateral in use")

	RequestNotOpen     = errors.New("loan request not open")
	RequestNotServiced = errors.New("loan request not serviced")
	RequestExpired     = errors.New("loan request expired")
	ListingNotOpen     = errors.New("loan listing not open")
	SelfMatchForbidden = errors.New("author cannot fund own request")
	LoanNotActive      = errors.New("pool loan not active")

	PriceStale      = errors.New("oracle price stale")
	NotLiquidatable = errors.New("position not liquidatable")
	TransferFailed  = errors.New("asset transfer failed")
	Unauthorized    = errors.New("caller lacks required role")

	OperationInProgress = errors.New("operation already in progress for account")

	PoolPaused              = errors.New("pool paused")
	PoolReduceOnly          = errors.New("pool is reduce-only")
	PoolDepositCapExceeded  = errors.New("pool deposit cap exceeded")
	PoolBorrowCapExceeded   = errors.New("pool borrow cap exceeded")
	IllegalUtilizationRatio = errors.New("total borrows exceed total deposits")

	InvalidConfig        = errors.New("invalid configuration")
	ErrOptimalUr         = errors.New("optimal utilization must be within (0, 10000)")
	ErrNegativeRate      = errors.New("interest rate must not be negative")
	ErrLtvThresholdOrder = errors.New("ltv must be below the liquidation threshold")
	ErrBonusBelowPar     = errors.New("liquidation bonus must be at least 10000 bps")
)
