package core

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PriceOracleAdapter is the engine's only view of asset prices. Prices are
// quoted in the unit of account (USD). A stale price must abort the calling
// operation; the engine never falls back to cached values.
type PriceOracleAdapter interface {
	GetPrice(ctx context.Context, asset string) (price decimal.Decimal, stale bool, err error)
}

func ValueOf(ctx context.Context, oracle PriceOracleAdapter, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.IsZero() {
		return decimal.Zero, nil
	}
	price, stale, err := oracle.GetPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if stale {
		return decimal.Zero, errors.Wrapf(PriceStale, "asset %s", asset)
	}
	return amount.Mul(price), nil
}

func AmountOf(ctx context.Context, oracle PriceOracleAdapter, asset string, value decimal.Decimal) (decimal.Decimal, error) {
	price, stale, err := oracle.GetPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if stale {
		return decimal.Zero, errors.Wrapf(PriceStale, "asset %s", asset)
	}
	if price.IsZero() {
		return decimal.Zero, errors.New("price is zero")
	}
	return value.Div(price), nil
}

// FixedPriceOracle serves prices from a static table. It is the reference
// adapter used in tests; production deployments plug in their own feed.
type FixedPriceOracle struct {
	prices map[string]decimal.Decimal
	stale  map[string]bool
}

func NewFixedPriceOracle() *FixedPriceOracle {
	return &FixedPriceOracle{
		prices: make(map[string]decimal.Decimal),
		stale:  make(map[string]bool),
	}
}

func (o *FixedPriceOracle) SetPrice(asset string, price decimal.Decimal) {
	o.prices[asset] = price
	o.stale[asset] = false
}

func (o *FixedPriceOracle) MarkStale(asset string) {
	o.stale[asset] = true
}

func (o *FixedPriceOracle) GetPrice(_ context.Context, asset string) (decimal.Decimal, bool, error) {
	price, ok := o.prices[asset]
	if !ok {
		return decimal.Zero, false, errors.Wrapf(AssetNotSupported, "no price for %s", asset)
	}
	return price, o.stale[asset], nil
}
