package core

import (
	"context"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type (
	ActivityStore interface {
		FindActivity(ctx context.Context, accountId uuid.UUID) (*UserActivity, error)
		UpsertActivity(ctx context.Context, activity *UserActivity) error
	}

	// UserActivity accumulates per-account volume counters. The reward
	// subsystem reads these; the engine only ever increments them.
	UserActivity struct {
		AccountId uuid.UUID `json:"accountId"`

		LendingAmount     decimal.Decimal `json:"lendingAmount"`
		BorrowingAmount   decimal.Decimal `json:"borrowingAmount"`
		LiquidationAmount decimal.Decimal `json:"liquidationAmount"`

		LastUpdate int64 `json:"lastUpdate"`
	}
)

func NewUserActivity(clk clock.Clock, accountId uuid.UUID) *UserActivity {
	return &UserActivity{
		AccountId:         accountId,
		LendingAmount:     decimal.Zero,
		BorrowingAmount:   decimal.Zero,
		LiquidationAmount: decimal.Zero,
		LastUpdate:        clk.Now().Unix(),
	}
}

func FindOrCreateActivity(ctx context.Context, clk clock.Clock, store ActivityStore, accountId uuid.UUID) (*UserActivity, error) {
	activity, err := store.FindActivity(ctx, accountId)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return NewUserActivity(clk, accountId), nil
		}
		return nil, err
	}
	return activity, nil
}

func (a *UserActivity) Clone() *UserActivity {
	return &UserActivity{
		AccountId:         a.AccountId,
		LendingAmount:     a.LendingAmount,
		BorrowingAmount:   a.BorrowingAmount,
		LiquidationAmount: a.LiquidationAmount,
		LastUpdate:        a.LastUpdate,
	}
}

func (a *UserActivity) RecordLending(clk clock.Clock, amount decimal.Decimal) {
	a.LendingAmount = a.LendingAmount.Add(amount)
	a.LastUpdate = clk.Now().Unix()
}

func (a *UserActivity) RecordBorrowing(clk clock.Clock, amount decimal.Decimal) {
	a.BorrowingAmount = a.BorrowingAmount.Add(amount)
	a.LastUpdate = clk.Now().Unix()
}

func (a *UserActivity) RecordLiquidation(clk clock.Clock, amount decimal.Decimal) {
	a.LiquidationAmount = a.LiquidationAmount.Add(amount)
	a.LastUpdate = clk.Now().Unix()
}
