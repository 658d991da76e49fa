package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditmesh/core/core"
)

const day = int64(86400)

func TestCreatePositionAutoMatch(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())

	listing, _, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 30*day, false)
	require.NoError(t, err)

	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)

	// The listing's 5% wins over the borrower's 6% ceiling and the flat fee
	// is fixed at funding: 800 * 1.05.
	assert.Equal(t, core.RequestStatusServiced, request.Status)
	assert.Equal(t, lender, request.Lender)
	assert.Equal(t, int64(500), request.InterestBps)
	assert.True(t, request.TotalRepayment.Equal(d(840)), "repayment %s", request.TotalRepayment)

	// 800 at 80% max LTV wants 1000 of collateral value: 100 BTC locked.
	assert.Equal(t, []string{"BTC"}, request.CollateralAssets)
	assert.True(t, request.LockedCollateral["BTC"].Equal(d(100)))
	assert.True(t, env.position(t, borrower, "BTC").Collateral.Equal(d(25)))

	assert.True(t, env.position(t, borrower, "USDC").P2PBorrowed.Equal(d(840)))
	assert.True(t, env.position(t, lender, "USDC").P2PLent.Equal(d(840)))

	remaining, err := env.mem.GetListing(env.ctx, listing.Id)
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusOpen, remaining.Status)
	assert.True(t, remaining.Amount.Equal(d(200)), "remaining %s", remaining.Amount)
}

func TestCreatePositionWithoutMatchStaysOpen(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())

	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusOpen, request.Status)
	assert.True(t, request.TotalRepayment.IsZero())
	assert.True(t, env.position(t, borrower, "BTC").Collateral.Equal(d(25)), "collateral locks at creation")
}

func TestCreatePositionValidation(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	_, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(0), 600, env.now()+20*day, env.now()+3600)
	assert.ErrorIs(t, err, core.InvalidAmount)

	_, err = env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()-1, env.now()+3600)
	assert.ErrorIs(t, err, core.InvalidAmount)

	_, err = env.engine.CreatePosition(env.ctx, borrower, "DOGE",
		d(800), 600, env.now()+20*day, env.now()+3600)
	assert.ErrorIs(t, err, core.AssetNotSupported)

	_, err = env.engine.CreatePosition(env.ctx, liquidator, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	assert.ErrorIs(t, err, core.InsufficientCollateral)

	// Expiry past the return time would leave the request serviceable after
	// its own maturity.
	_, err = env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+30*day)
	assert.ErrorIs(t, err, core.InvalidAmount)
}

func TestServiceRequest(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)

	_, err = env.engine.ServiceRequest(env.ctx, borrower, request.Id)
	assert.ErrorIs(t, err, core.SelfMatchForbidden)

	// Manual servicing funds at the borrower's own ceiling rate.
	serviced, err := env.engine.ServiceRequest(env.ctx, lender, request.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusServiced, serviced.Status)
	assert.Equal(t, int64(600), serviced.InterestBps)
	assert.True(t, serviced.TotalRepayment.Equal(d(848)), "repayment %s", serviced.TotalRepayment)

	_, err = env.engine.ServiceRequest(env.ctx, liquidator, request.Id)
	assert.ErrorIs(t, err, core.RequestNotOpen)
}

func TestServiceRequestExpired(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)

	env.clk.Add(2 * time.Hour)
	_, err = env.engine.ServiceRequest(env.ctx, lender, request.Id)
	assert.ErrorIs(t, err, core.RequestExpired)
}

func TestRepayRequest(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())

	_, _, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 30*day, false)
	require.NoError(t, err)
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)
	require.Equal(t, core.RequestStatusServiced, request.Status)

	_, _, err = env.engine.RepayRequest(env.ctx, lender, request.Id, d(100))
	assert.ErrorIs(t, err, core.Unauthorized)

	paid, refund, err := env.engine.RepayRequest(env.ctx, borrower, request.Id, d(300))
	require.NoError(t, err)
	assert.True(t, paid.Equal(d(300)))
	assert.True(t, refund.IsZero())

	partial, err := env.mem.GetRequest(env.ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusServiced, partial.Status)
	assert.True(t, partial.TotalRepayment.Equal(d(540)))
	assert.True(t, env.position(t, borrower, "USDC").P2PBorrowed.Equal(d(540)))
	assert.True(t, env.position(t, lender, "USDC").P2PLent.Equal(d(540)))

	paid, refund, err = env.engine.RepayRequest(env.ctx, borrower, request.Id, d(600))
	require.NoError(t, err)
	assert.True(t, paid.Equal(d(540)))
	assert.True(t, refund.Equal(d(60)))

	repaid, err := env.mem.GetRequest(env.ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusRepaid, repaid.Status)
	assert.True(t, env.position(t, borrower, "BTC").Collateral.Equal(d(125)), "collateral released on full repay")
	assert.True(t, env.position(t, borrower, "USDC").P2PBorrowed.IsZero())
	assert.True(t, env.position(t, lender, "USDC").P2PLent.IsZero())

	_, _, err = env.engine.RepayRequest(env.ctx, borrower, request.Id, d(1))
	assert.ErrorIs(t, err, core.RequestNotServiced)
}

func TestCancelRequest(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)

	err = env.engine.CancelRequest(env.ctx, lender, request.Id)
	assert.ErrorIs(t, err, core.Unauthorized)

	require.NoError(t, env.engine.CancelRequest(env.ctx, borrower, request.Id))
	assert.True(t, env.position(t, borrower, "BTC").Collateral.Equal(d(125)), "collateral released on cancel")

	cancelled, err := env.mem.GetRequest(env.ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusClosed, cancelled.Status)

	err = env.engine.CancelRequest(env.ctx, borrower, request.Id)
	assert.ErrorIs(t, err, core.RequestNotOpen)
}

func TestCreateLoanListingMatching(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)
	require.Equal(t, core.RequestStatusOpen, request.Status)

	listing, serviced, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 30*day, true)
	require.NoError(t, err)
	assert.Equal(t, []uint64{request.Id}, serviced)
	assert.True(t, listing.Amount.Equal(d(200)))
	assert.Equal(t, core.ListingStatusOpen, listing.Status)

	funded, err := env.mem.GetRequest(env.ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusServiced, funded.Status)
	assert.Equal(t, int64(500), funded.InterestBps)
	assert.True(t, funded.TotalRepayment.Equal(d(840)))
}

func TestCreateLoanListingSkipsStaleCollateral(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)

	// A request whose collateral cannot be valued is skipped, not fatal.
	env.oracle.MarkStale("BTC")
	listing, serviced, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 30*day, true)
	require.NoError(t, err)
	assert.Empty(t, serviced)
	assert.True(t, listing.Amount.Equal(d(1000)))

	unfunded, err := env.mem.GetRequest(env.ctx, request.Id)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusOpen, unfunded.Status)
}

func TestCreateLoanListingValidation(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())

	_, _, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(500), d(100), 500, 30*day, false)
	assert.ErrorIs(t, err, core.InvalidAmount)

	_, _, err = env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(100), d(100), d(1000), 500, 30*day, false)
	assert.ErrorIs(t, err, core.InvalidAmount)

	_, _, err = env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 0, false)
	assert.ErrorIs(t, err, core.InvalidAmount)

	_, _, err = env.engine.CreateLoanListing(env.ctx, lender, "DOGE",
		d(1000), d(100), d(1000), 500, 30*day, false)
	assert.ErrorIs(t, err, core.AssetNotSupported)
}

func TestCloseListing(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())

	listing, _, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 30*day, false)
	require.NoError(t, err)

	err = env.engine.CloseListing(env.ctx, borrower, listing.Id)
	assert.ErrorIs(t, err, core.Unauthorized)

	require.NoError(t, env.engine.CloseListing(env.ctx, lender, listing.Id))

	closed, err := env.mem.GetListing(env.ctx, listing.Id)
	require.NoError(t, err)
	assert.Equal(t, core.ListingStatusClosed, closed.Status)

	err = env.engine.CloseListing(env.ctx, lender, listing.Id)
	assert.ErrorIs(t, err, core.ListingNotOpen)

	// A closed listing no longer matches new requests.
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))
	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusOpen, request.Status)
}

// staleRequestReads serves a canned earlier snapshot for the first lookup of
// its request, then falls through to the backing store.
type staleRequestReads struct {
	core.RequestStore
	snapshot *core.LoanRequest
	used     bool
}

func (s *staleRequestReads) GetRequest(ctx context.Context, requestId uint64) (*core.LoanRequest, error) {
	if !s.used && s.snapshot != nil && s.snapshot.Id == requestId {
		s.used = true
		return s.snapshot.Clone(), nil
	}
	return s.RequestStore.GetRequest(ctx, requestId)
}

func TestServiceRequestFundsOnlyOnce(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	request, err := env.engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)

	open, err := env.mem.GetRequest(env.ctx, request.Id)
	require.NoError(t, err)

	_, err = env.engine.ServiceRequest(env.ctx, lender, request.Id)
	require.NoError(t, err)

	// A second lender whose first read raced the funding still sees the
	// serviced state once the account lease is held, so the open check
	// refuses the second funding.
	ledger := env.mem.Ledger()
	ledger.RequestStore = &staleRequestReads{RequestStore: ledger.RequestStore, snapshot: open}
	engine := env.engineWith(t, ledger, env.oracle)

	_, err = engine.ServiceRequest(env.ctx, liquidator, request.Id)
	assert.ErrorIs(t, err, core.RequestNotOpen)

	assert.True(t, env.position(t, borrower, "USDC").P2PBorrowed.Equal(d(848)))
	assert.True(t, env.position(t, liquidator, "USDC").P2PLent.IsZero())
}

func TestCreatePositionSkipsBusyLender(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())

	_, _, err := env.engine.CreateLoanListing(env.ctx, lender, "USDC",
		d(1000), d(100), d(1000), 500, 30*day, false)
	require.NoError(t, err)
	_, err = env.engine.DepositToPool(env.ctx, lender, "USDC", d(1000))
	require.NoError(t, err)
	require.NoError(t, env.engine.DepositCollateral(env.ctx, lender, "BTC", d(100)))
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	blocking := &blockingOracle{
		FixedPriceOracle: env.oracle,
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	engine := env.engineWith(t, env.mem.Ledger(), blocking)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.BorrowFromPool(env.ctx, lender, "USDC", d(100), env.now()+3600)
	}()
	<-blocking.entered

	// The lender's listing would match, but their account is mid-operation:
	// the request posts open instead of touching the busy lender.
	request, err := engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.NoError(t, err)
	assert.Equal(t, core.RequestStatusOpen, request.Status)
	assert.True(t, env.position(t, lender, "USDC").P2PLent.IsZero())

	close(blocking.release)
	<-done
}

// failNextUpsertRequest fails the next request write, then recovers.
type failNextUpsertRequest struct {
	core.RequestStore
	armed bool
}

func (s *failNextUpsertRequest) UpsertRequest(ctx context.Context, request *core.LoanRequest) error {
	if s.armed {
		s.armed = false
		return errors.New("request write rejected")
	}
	return s.RequestStore.UpsertRequest(ctx, request)
}

func TestCreatePositionRequestWriteFailure(t *testing.T) {
	env := newTestEnv(t, 8000, kinkedRates())
	require.NoError(t, env.engine.DepositCollateral(env.ctx, borrower, "BTC", d(125)))

	ledger := env.mem.Ledger()
	ledger.RequestStore = &failNextUpsertRequest{RequestStore: ledger.RequestStore, armed: true}
	engine := env.engineWith(t, ledger, env.oracle)

	_, err := engine.CreatePosition(env.ctx, borrower, "USDC",
		d(800), 600, env.now()+20*day, env.now()+3600)
	require.Error(t, err)

	// The request never reached the store and no collateral stayed locked
	// behind it.
	assert.True(t, env.position(t, borrower, "BTC").Collateral.Equal(d(125)))
}
