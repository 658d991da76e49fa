package core

import (
	"context"
	"sort"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// CreatePosition opens a P2P borrow. It first tries to match an open listing;
// on success the request is instantiated directly in the serviced state at
// the listing's rate. Otherwise the request is posted open at the borrower's
// ceiling rate. Either way the borrower's collateral is locked up front,
// pro-rated by USD share across the collateral set.
func (e *Engine) CreatePosition(ctx context.Context, borrower uuid.UUID, asset string, amount decimal.Decimal, maxInterestBps int64, returnTime, expirationTime int64) (*LoanRequest, error) {
	if err := e.begin(borrower); err != nil {
		return nil, err
	}
	defer e.end(borrower)

	now := e.clk.Now().Unix()
	if !amount.IsPositive() || maxInterestBps < 0 {
		return nil, InvalidAmount
	}
	if returnTime <= now || expirationTime <= now || expirationTime > returnTime {
		return nil, InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return nil, err
	}

	borrowValue, err := ValueOf(ctx, e.oracle, asset, amount)
	if err != nil {
		return nil, err
	}
	if err := e.risk.CheckBorrowAllowed(ctx, borrower, borrowValue); err != nil {
		return nil, err
	}

	positions, err := e.loadPositions(ctx, borrower)
	if err != nil {
		return nil, err
	}
	lockTarget := borrowValue.Div(bpsToDecimal(e.params.MaxLtvBps))
	collateralAssets, locked, err := e.lockCollateralProRata(ctx, positions, lockTarget)
	if err != nil {
		return nil, err
	}

	requestId, err := e.store.NextRequestId(ctx)
	if err != nil {
		return nil, err
	}
	request := newLoanRequest(e.clk, requestId, borrower, asset, amount, maxInterestBps, returnTime, expirationTime)
	request.CollateralAssets = collateralAssets
	request.LockedCollateral = locked

	listings, err := e.store.ListOpenListingsByAsset(ctx, asset)
	if err != nil {
		return nil, err
	}
	best := selectBestListing(listings, request, now)
	if best != nil {
		// Funding touches the lender's listing and position, so their
		// account has to be leased too. A busy lender does not block the
		// borrow: the request just posts open.
		lenderId := best.Author
		if err := e.begin(lenderId); err != nil {
			e.log.Warn().
				Uint64("listingId", best.Id).
				Err(err).
				Msg("matched lender busy, posting request open")
			best = nil
		} else {
			defer e.end(lenderId)
			fresh, err := e.store.GetListing(ctx, best.Id)
			if err != nil {
				return nil, err
			}
			best = fresh.Clone()
			if best.Status != ListingStatusOpen || !best.Matches(request, now) {
				best = nil
			}
		}
	}

	if best == nil {
		if err := e.store.UpsertRequest(ctx, request); err != nil {
			return nil, err
		}
		if err := positions.commit(ctx, e.store, now); err != nil {
			return nil, err
		}
		e.log.Info().
			Uint64("requestId", request.Id).
			Str("asset", asset).
			Str("amount", amount.String()).
			Msg("p2p request posted open")
		return request, nil
	}

	if err := e.fundRequest(ctx, best.Author, request, best.InterestBps, now, positions); err != nil {
		return nil, err
	}
	best.Amount = best.Amount.Sub(amount)
	best.UpdatedAt = now
	if best.Amount.LessThanOrEqual(ZERO_AMOUNT_THRESHOLD) {
		best.Status = ListingStatusClosed
	}
	if err := e.store.UpsertListing(ctx, best); err != nil {
		return nil, err
	}
	if err := positions.commit(ctx, e.store, now); err != nil {
		return nil, err
	}

	e.log.Info().
		Uint64("requestId", request.Id).
		Uint64("listingId", best.Id).
		Int64("rateBps", request.InterestBps).
		Msg("p2p request auto-matched")

	return request, nil
}

// fundRequest moves a request into the serviced state at the agreed rate and
// books both sides' P2P balances. The repayment obligation is a flat fee
// fixed here, once. When the caller holds the borrower's working position set
// it is passed in and committed by the caller after the request is durable;
// otherwise the borrower's position is read and written here.
func (e *Engine) fundRequest(ctx context.Context, lender uuid.UUID, request *LoanRequest, rateBps int64, now int64, borrowerPositions *positionSet) error {
	request.Lender = lender
	request.InterestBps = rateBps
	request.TotalRepayment = repaymentFor(request.Amount, rateBps)
	request.Status = RequestStatusServiced
	request.ServicedAt = now
	request.UpdatedAt = now

	lenderPosition, err := FindOrCreatePosition(ctx, e.clk, e.store, lender, request.Asset)
	if err != nil {
		return err
	}
	lenderPosition = lenderPosition.Clone()
	lenderPosition.P2PLent = lenderPosition.P2PLent.Add(request.TotalRepayment)
	lenderPosition.LastUpdate = now

	if err := e.store.UpsertRequest(ctx, request); err != nil {
		return err
	}
	if err := e.store.UpsertPosition(ctx, lenderPosition); err != nil {
		return err
	}
	if borrowerPositions != nil {
		position := borrowerPositions.get(request.Asset)
		position.P2PBorrowed = position.P2PBorrowed.Add(request.TotalRepayment)
	} else {
		borrowerPosition, err := FindOrCreatePosition(ctx, e.clk, e.store, request.Author, request.Asset)
		if err != nil {
			return err
		}
		borrowerPosition = borrowerPosition.Clone()
		borrowerPosition.P2PBorrowed = borrowerPosition.P2PBorrowed.Add(request.TotalRepayment)
		borrowerPosition.LastUpdate = now
		if err := e.store.UpsertPosition(ctx, borrowerPosition); err != nil {
			return err
		}
	}
	if err := e.recordActivity(ctx, request.Author, func(a *UserActivity) {
		a.RecordBorrowing(e.clk, request.Amount)
	}); err != nil {
		return err
	}
	return e.recordActivity(ctx, lender, func(a *UserActivity) {
		a.RecordLending(e.clk, request.Amount)
	})
}

// ServiceRequest manually funds an open, unexpired request at the request's
// own rate.
func (e *Engine) ServiceRequest(ctx context.Context, lender uuid.UUID, requestId uint64) (*LoanRequest, error) {
	// Reload the request once the lease is held; the pre-lease read only
	// names the accounts to lock and may be stale.
	request, err := e.store.GetRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	author := request.Author

	if err := e.begin(lender, author); err != nil {
		return nil, err
	}
	defer e.end(lender, author)

	request, err = e.store.GetRequest(ctx, requestId)
	if err != nil {
		return nil, err
	}
	request = request.Clone()

	now := e.clk.Now().Unix()
	if request.Status != RequestStatusOpen {
		return nil, RequestNotOpen
	}
	if request.IsExpired(now) {
		return nil, RequestExpired
	}
	if lender == request.Author {
		return nil, SelfMatchForbidden
	}

	if err := e.fundRequest(ctx, lender, request, request.InterestBps, now, nil); err != nil {
		return nil, err
	}
	return request, nil
}

// RepayRequest pays down a serviced request. Partial repayment reduces the
// repayment obligation directly; reaching zero releases all locked collateral
// and closes the request as repaid.
func (e *Engine) RepayRequest(ctx context.Context, borrower uuid.UUID, requestId uint64, amount decimal.Decimal) (paid, refund decimal.Decimal, err error) {
	request, err := e.store.GetRequest(ctx, requestId)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	lenderId := request.Lender

	if err := e.begin(borrower, lenderId); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	defer e.end(borrower, lenderId)

	request, err = e.store.GetRequest(ctx, requestId)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	request = request.Clone()
	if request.Lender != lenderId {
		// Serviced between the reads: the lease does not cover the actual
		// lender, so the caller has to retry.
		return decimal.Zero, decimal.Zero, OperationInProgress
	}

	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, InvalidAmount
	}
	if request.Status != RequestStatusServiced {
		return decimal.Zero, decimal.Zero, RequestNotServiced
	}
	if request.Author != borrower {
		return decimal.Zero, decimal.Zero, Unauthorized
	}

	now := e.clk.Now().Unix()
	paid = decimal.Min(amount, request.TotalRepayment)
	refund = amount.Sub(paid)
	request.TotalRepayment = request.TotalRepayment.Sub(paid)
	request.UpdatedAt = now

	positions, err := e.loadPositions(ctx, borrower)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	borrowerPosition := positions.get(request.Asset)
	borrowerPosition.P2PBorrowed = decimal.Max(borrowerPosition.P2PBorrowed.Sub(paid), decimal.Zero)

	lenderPosition, err := FindOrCreatePosition(ctx, e.clk, e.store, request.Lender, request.Asset)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	lenderPosition = lenderPosition.Clone()
	lenderPosition.P2PLent = decimal.Max(lenderPosition.P2PLent.Sub(paid), decimal.Zero)
	lenderPosition.LastUpdate = now

	if request.TotalRepayment.LessThan(EMPTY_BALANCE_THRESHOLD) {
		request.Status = RequestStatusRepaid
		releaseLockedCollateral(positions, request.CollateralAssets, request.LockedCollateral)
	}

	if err := positions.commit(ctx, e.store, now); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := e.store.UpsertPosition(ctx, lenderPosition); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if err := e.store.UpsertRequest(ctx, request); err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	e.log.Info().
		Uint64("requestId", request.Id).
		Str("paid", paid.String()).
		Str("status", request.Status.String()).
		Msg("p2p repay")

	return paid, refund, nil
}

// CancelRequest withdraws an open request before expiry and releases its
// locked collateral.
func (e *Engine) CancelRequest(ctx context.Context, caller uuid.UUID, requestId uint64) error {
	if err := e.begin(caller); err != nil {
		return err
	}
	defer e.end(caller)

	request, err := e.store.GetRequest(ctx, requestId)
	if err != nil {
		return err
	}
	request = request.Clone()
	if request.Author != caller {
		return Unauthorized
	}
	if request.Status != RequestStatusOpen {
		return RequestNotOpen
	}

	now := e.clk.Now().Unix()
	positions, err := e.loadPositions(ctx, caller)
	if err != nil {
		return err
	}
	releaseLockedCollateral(positions, request.CollateralAssets, request.LockedCollateral)
	request.Status = RequestStatusClosed
	request.UpdatedAt = now

	if err := positions.commit(ctx, e.store, now); err != nil {
		return err
	}
	return e.store.UpsertRequest(ctx, request)
}

// CreateLoanListing posts a lender's offer. With matching enabled, open
// requests for the asset are scanned in descending rate order and serviced
// greedily until the listing's funds run out; a candidate that fails its
// collateral check is skipped, never aborting the batch.
func (e *Engine) CreateLoanListing(ctx context.Context, author uuid.UUID, asset string, amount, minAmount, maxAmount decimal.Decimal, interestBps, returnDuration int64, withMatching bool) (*LoanListing, []uint64, error) {
	if err := e.begin(author); err != nil {
		return nil, nil, err
	}
	defer e.end(author)

	if !amount.IsPositive() || !minAmount.IsPositive() || minAmount.GreaterThan(maxAmount) || maxAmount.GreaterThan(amount) {
		return nil, nil, InvalidAmount
	}
	if interestBps < 0 || returnDuration <= 0 {
		return nil, nil, InvalidAmount
	}
	if _, err := e.requireAsset(ctx, asset); err != nil {
		return nil, nil, err
	}

	now := e.clk.Now().Unix()
	listingId, err := e.store.NextListingId(ctx)
	if err != nil {
		return nil, nil, err
	}
	listing := newLoanListing(e.clk, listingId, author, asset, amount, minAmount, maxAmount, interestBps, returnDuration)

	var serviced []uint64
	if withMatching {
		serviced, err = e.matchListing(ctx, listing, now)
		if err != nil {
			return nil, nil, err
		}
	}

	if err := e.store.UpsertListing(ctx, listing); err != nil {
		return nil, nil, err
	}
	return listing, serviced, nil
}

func (e *Engine) matchListing(ctx context.Context, listing *LoanListing, now int64) ([]uint64, error) {
	requests, err := e.store.ListOpenRequestsByAsset(ctx, listing.Asset)
	if err != nil {
		return nil, err
	}
	// Best yield for the lender first; older requests win ties.
	sort.Slice(requests, func(i, j int) bool {
		if requests[i].InterestBps != requests[j].InterestBps {
			return requests[i].InterestBps > requests[j].InterestBps
		}
		return requests[i].Id < requests[j].Id
	})

	var serviced []uint64
	for _, candidate := range requests {
		if listing.Status != ListingStatusOpen {
			break
		}
		// Funding mutates the candidate author's position, so their account
		// is leased for the duration of this one match. A busy author is
		// skipped like any other failing candidate.
		if err := e.begin(candidate.Author); err != nil {
			e.log.Warn().
				Uint64("requestId", candidate.Id).
				Err(err).
				Msg("skipping request during listing match")
			continue
		}
		fresh, err := e.store.GetRequest(ctx, candidate.Id)
		if err != nil {
			e.end(candidate.Author)
			return nil, err
		}
		candidate = fresh.Clone()
		if candidate.Status != RequestStatusOpen || candidate.IsExpired(now) || !listing.Matches(candidate, now) {
			e.end(candidate.Author)
			continue
		}
		if err := e.checkRequestCollateral(ctx, candidate, listing.InterestBps); err != nil {
			e.log.Warn().
				Uint64("requestId", candidate.Id).
				Err(err).
				Msg("skipping request during listing match")
			e.end(candidate.Author)
			continue
		}
		err = e.fundRequest(ctx, listing.Author, candidate, listing.InterestBps, now, nil)
		e.end(candidate.Author)
		if err != nil {
			e.log.Warn().
				Uint64("requestId", candidate.Id).
				Err(err).
				Msg("skipping request during listing match")
			continue
		}
		listing.Amount = listing.Amount.Sub(candidate.Amount)
		listing.UpdatedAt = now
		if listing.Amount.LessThanOrEqual(ZERO_AMOUNT_THRESHOLD) {
			listing.Status = ListingStatusClosed
		}
		serviced = append(serviced, candidate.Id)
	}
	return serviced, nil
}

// checkRequestCollateral verifies that the request's locked collateral still
// covers the would-be debt at current prices. A stale price fails the check.
func (e *Engine) checkRequestCollateral(ctx context.Context, request *LoanRequest, rateBps int64) error {
	debtValue, err := ValueOf(ctx, e.oracle, request.Asset, repaymentFor(request.Amount, rateBps))
	if err != nil {
		return err
	}
	health, err := PositionHealth(ctx, e.oracle, e.store, request.CollateralAssets, request.LockedCollateral, debtValue)
	if err != nil {
		return err
	}
	if health.LessThan(MIN_HEALTH_FACTOR) {
		return InsufficientCollateral
	}
	return nil
}

// CloseListing withdraws the remaining balance of an open listing.
func (e *Engine) CloseListing(ctx context.Context, caller uuid.UUID, listingId uint64) error {
	if err := e.begin(caller); err != nil {
		return err
	}
	defer e.end(caller)

	listing, err := e.store.GetListing(ctx, listingId)
	if err != nil {
		return err
	}
	listing = listing.Clone()
	if listing.Author != caller {
		return Unauthorized
	}
	if listing.Status != ListingStatusOpen {
		return ListingNotOpen
	}
	listing.Status = ListingStatusClosed
	listing.UpdatedAt = e.clk.Now().Unix()
	return e.store.UpsertListing(ctx, listing)
}
