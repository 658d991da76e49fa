package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type (
	PositionStore interface {
		FindPosition(ctx context.Context, accountId uuid.UUID, asset string) (*Position, error)
		UpsertPosition(ctx context.Context, position *Position) error
		ListPositionsByAccount(ctx context.Context, accountId uuid.UUID) ([]*Position, error)
	}

	// Position is the per (account, asset) ledger row. Collateral is free,
	// unlocked collateral only; amounts locked against a loan or request live
	// in that entity's lock set and are never double counted here.
	Position struct {
		AccountId uuid.UUID `json:"accountId"`
		Asset     string    `json:"asset"`

		Collateral    decimal.Decimal `json:"collateral"`
		PoolShares    decimal.Decimal `json:"poolShares"`
		PoolDebtUnits decimal.Decimal `json:"poolDebtUnits"`
		P2PLent       decimal.Decimal `json:"p2pLent"`
		P2PBorrowed   decimal.Decimal `json:"p2pBorrowed"`

		LastUpdate int64 `json:"lastUpdate"`
	}
)

func NewPosition(clk clock.Clock, accountId uuid.UUID, asset string) *Position {
	return &Position{
		AccountId:     accountId,
		Asset:         asset,
		Collateral:    decimal.Zero,
		PoolShares:    decimal.Zero,
		PoolDebtUnits: decimal.Zero,
		P2PLent:       decimal.Zero,
		P2PBorrowed:   decimal.Zero,
		LastUpdate:    clk.Now().Unix(),
	}
}

func FindOrCreatePosition(ctx context.Context, clk clock.Clock, store PositionStore, accountId uuid.UUID, asset string) (*Position, error) {
	position, err := store.FindPosition(ctx, accountId, asset)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return NewPosition(clk, accountId, asset), nil
		}
		return nil, err
	}
	return position, nil
}

func (p *Position) Clone() *Position {
	return &Position{
		AccountId:     p.AccountId,
		Asset:         p.Asset,
		Collateral:    p.Collateral,
		PoolShares:    p.PoolShares,
		PoolDebtUnits: p.PoolDebtUnits,
		P2PLent:       p.P2PLent,
		P2PBorrowed:   p.P2PBorrowed,
		LastUpdate:    p.LastUpdate,
	}
}

func (p *Position) ChangeCollateral(delta decimal.Decimal) error {
	next := p.Collateral.Add(delta)
	if next.LessThan(decimal.Zero) {
		return InsufficientCollateral
	}
	p.Collateral = next
	return nil
}

func (p *Position) ChangePoolShares(delta decimal.Decimal) error {
	next := p.PoolShares.Add(delta)
	if next.LessThan(decimal.Zero) {
		return InsufficientBalance
	}
	p.PoolShares = next
	return nil
}

func (p *Position) ChangePoolDebtUnits(delta decimal.Decimal) error {
	next := p.PoolDebtUnits.Add(delta)
	if next.LessThan(decimal.Zero) {
		next = decimal.Zero
	}
	p.PoolDebtUnits = next
	return nil
}

func (p *Position) IsEmpty() bool {
	return p.Collateral.LessThan(EMPTY_BALANCE_THRESHOLD) &&
		p.PoolShares.LessThan(EMPTY_BALANCE_THRESHOLD) &&
		p.PoolDebtUnits.LessThan(EMPTY_BALANCE_THRESHOLD) &&
		p.P2PLent.LessThan(EMPTY_BALANCE_THRESHOLD) &&
		p.P2PBorrowed.LessThan(EMPTY_BALANCE_THRESHOLD)
}
