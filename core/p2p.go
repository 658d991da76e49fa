package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

type (
	ListingStore interface {
		NextListingId(ctx context.Context) (uint64, error)
		GetListing(ctx context.Context, listingId uint64) (*LoanListing, error)
		UpsertListing(ctx context.Context, listing *LoanListing) error
		ListOpenListingsByAsset(ctx context.Context, asset string) ([]*LoanListing, error)
		ListListingsByAccount(ctx context.Context, accountId uuid.UUID) ([]*LoanListing, error)
	}

	RequestStore interface {
		NextRequestId(ctx context.Context) (uint64, error)
		GetRequest(ctx context.Context, requestId uint64) (*LoanRequest, error)
		UpsertRequest(ctx context.Context, request *LoanRequest) error
		ListOpenRequestsByAsset(ctx context.Context, asset string) ([]*LoanRequest, error)
		ListRequestsByAccount(ctx context.Context, accountId uuid.UUID) ([]*LoanRequest, error)
	}

	// LoanListing is a lender's standing offer. Amount is the remaining
	// fundable balance; it shrinks as requests match against it and the
	// listing closes at zero.
	LoanListing struct {
		Id     uint64    `json:"id"`
		Author uuid.UUID `json:"author"`
		Asset  string    `json:"asset"`

		Amount    decimal.Decimal `json:"amount"`
		MinAmount decimal.Decimal `json:"minAmount"`
		MaxAmount decimal.Decimal `json:"maxAmount"`

		InterestBps    int64 `json:"interestBps"`
		ReturnDuration int64 `json:"returnDuration"`

		Status ListingStatus `json:"status"`

		CreatedAt int64 `json:"createdAt"`
		UpdatedAt int64 `json:"updatedAt"`
	}

	// LoanRequest is a borrower's ask. InterestBps is the borrower's ceiling
	// while the request is open and becomes the agreed rate once serviced.
	LoanRequest struct {
		Id     uint64    `json:"id"`
		Author uuid.UUID `json:"author"`
		Lender uuid.UUID `json:"lender"`
		Asset  string    `json:"asset"`

		Amount         decimal.Decimal `json:"amount"`
		InterestBps    int64           `json:"interestBps"`
		ReturnTime     int64           `json:"returnTime"`
		ExpirationTime int64           `json:"expirationTime"`
		TotalRepayment decimal.Decimal `json:"totalRepayment"`

		Status RequestStatus `json:"status"`

		CollateralAssets []string                   `json:"collateralAssets"`
		LockedCollateral map[string]decimal.Decimal `json:"lockedCollateral"`

		CreatedAt  int64 `json:"createdAt"`
		UpdatedAt  int64 `json:"updatedAt"`
		ServicedAt int64 `json:"servicedAt"`
	}
)

type ListingStatus uint8

const (
	ListingStatusOpen ListingStatus = iota
	ListingStatusClosed
)

func (s ListingStatus) String() string {
	switch s {
	case ListingStatusOpen:
		return "Open"
	case ListingStatusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

type RequestStatus uint8

const (
	RequestStatusOpen RequestStatus = iota
	RequestStatusServiced
	RequestStatusRepaid
	RequestStatusClosed
	RequestStatusLiquidated
)

func (s RequestStatus) String() string {
	switch s {
	case RequestStatusOpen:
		return "Open"
	case RequestStatusServiced:
		return "Serviced"
	case RequestStatusRepaid:
		return "Repaid"
	case RequestStatusClosed:
		return "Closed"
	case RequestStatusLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

func (l *LoanListing) Clone() *LoanListing {
	clone := *l
	return &clone
}

func (r *LoanRequest) Clone() *LoanRequest {
	clone := *r
	clone.CollateralAssets = append([]string(nil), r.CollateralAssets...)
	clone.LockedCollateral = make(map[string]decimal.Decimal, len(r.LockedCollateral))
	for asset, amount := range r.LockedCollateral {
		clone.LockedCollateral[asset] = amount
	}
	return &clone
}

func (r *LoanRequest) IsExpired(now int64) bool {
	return now >= r.ExpirationTime
}

func (r *LoanRequest) RemainingDuration(now int64) int64 {
	return r.ReturnTime - now
}

// repaymentFor is the flat-fee repayment obligation: principal plus a
// one-time interest charge fixed at funding time. P2P interest never
// compounds through an index.
func repaymentFor(amount decimal.Decimal, interestBps int64) decimal.Decimal {
	return amount.Add(amount.Mul(bpsToDecimal(interestBps)))
}

// Matches reports whether the listing can fund the request: same asset, the
// listing's ask within the borrower's ceiling, enough remaining balance, the
// request amount inside the listing's bounds, the requested term inside the
// listing's window, and distinct authors.
func (l *LoanListing) Matches(r *LoanRequest, now int64) bool {
	if l.Status != ListingStatusOpen || l.Asset != r.Asset {
		return false
	}
	if l.Author == r.Author {
		return false
	}
	if l.InterestBps > r.InterestBps {
		return false
	}
	if l.Amount.LessThan(r.Amount) {
		return false
	}
	if r.Amount.LessThan(l.MinAmount) || r.Amount.GreaterThan(l.MaxAmount) {
		return false
	}
	remaining := r.RemainingDuration(now)
	if remaining <= 0 || remaining > l.ReturnDuration {
		return false
	}
	return true
}

// MatchScore ranks a listing against a request. The interest advantage
// dominates; duration fit and size act as tie-breakers.
func MatchScore(l *LoanListing, r *LoanRequest, now int64) decimal.Decimal {
	remaining := decimal.NewFromInt(r.RemainingDuration(now))
	interestEdge := decimal.NewFromInt(r.InterestBps - l.InterestBps).Mul(decimal.NewFromInt(1000))
	durationFit := decimal.NewFromInt(l.ReturnDuration).Mul(decimal.NewFromInt(100)).Div(remaining)
	sizeFit := l.Amount.Mul(decimal.NewFromInt(10)).Div(r.Amount)
	return interestEdge.Add(durationFit).Add(sizeFit)
}

// selectBestListing picks the single highest-scoring eligible listing, ties
// broken by lowest listing id.
func selectBestListing(listings []*LoanListing, r *LoanRequest, now int64) *LoanListing {
	var best *LoanListing
	var bestScore decimal.Decimal
	for _, listing := range listings {
		if !listing.Matches(r, now) {
			continue
		}
		score := MatchScore(listing, r, now)
		if best == nil || score.GreaterThan(bestScore) ||
			(score.Equal(bestScore) && listing.Id < best.Id) {
			best = listing
			bestScore = score
		}
	}
	return best
}

func newLoanRequest(clk clock.Clock, id uint64, author uuid.UUID, asset string, amount decimal.Decimal, interestBps int64, returnTime, expirationTime int64) *LoanRequest {
	now := clk.Now().Unix()
	return &LoanRequest{
		Id:               id,
		Author:           author,
		Asset:            asset,
		Amount:           amount,
		InterestBps:      interestBps,
		ReturnTime:       returnTime,
		ExpirationTime:   expirationTime,
		TotalRepayment:   decimal.Zero,
		Status:           RequestStatusOpen,
		CollateralAssets: nil,
		LockedCollateral: make(map[string]decimal.Decimal),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newLoanListing(clk clock.Clock, id uint64, author uuid.UUID, asset string, amount, minAmount, maxAmount decimal.Decimal, interestBps, returnDuration int64) *LoanListing {
	now := clk.Now().Unix()
	return &LoanListing{
		Id:             id,
		Author:         author,
		Asset:          asset,
		Amount:         amount,
		MinAmount:      minAmount,
		MaxAmount:      maxAmount,
		InterestBps:    interestBps,
		ReturnDuration: returnDuration,
		Status:         ListingStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
