package store_test

import (
	"context"
	"testing"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/creditmesh/core/core"
	"github.com/creditmesh/core/store"
)

var (
	accountA = uuid.FromStringOrNil("be8f2b60-05b0-4b5e-8f9e-111111111111")
	accountB = uuid.FromStringOrNil("be8f2b60-05b0-4b5e-8f9e-222222222222")
)

func TestNotFoundSentinel(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	_, err := mem.GetAsset(ctx, "USDC")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = mem.FindPosition(ctx, accountA, "USDC")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = mem.GetPool(ctx, "USDC")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = mem.GetLoan(ctx, 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = mem.GetListing(ctx, 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = mem.GetRequest(ctx, 1)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = mem.FindActivity(ctx, accountA)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestIdSequences(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	for want := uint64(1); want <= 3; want++ {
		id, err := mem.NextLoanId(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	id, err := mem.NextListingId(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "sequences are independent")
	id, err = mem.NextRequestId(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)
}

func TestCloneIsolation(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	mem := store.NewMemory()

	position := core.NewPosition(clk, accountA, "BTC")
	position.Collateral = decimal.NewFromInt(10)
	require.NoError(t, mem.UpsertPosition(ctx, position))

	// Mutating what was written must not leak into the store.
	position.Collateral = decimal.NewFromInt(999)

	stored, err := mem.FindPosition(ctx, accountA, "BTC")
	require.NoError(t, err)
	assert.True(t, stored.Collateral.Equal(decimal.NewFromInt(10)))

	// Neither must mutating what was read.
	stored.Collateral = decimal.Zero
	again, err := mem.FindPosition(ctx, accountA, "BTC")
	require.NoError(t, err)
	assert.True(t, again.Collateral.Equal(decimal.NewFromInt(10)))
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	mem := store.NewMemory()

	for _, asset := range []string{"BTC", "USDC"} {
		require.NoError(t, mem.UpsertPosition(ctx, core.NewPosition(clk, accountA, asset)))
	}
	require.NoError(t, mem.UpsertPosition(ctx, core.NewPosition(clk, accountB, "BTC")))

	positions, err := mem.ListPositionsByAccount(ctx, accountA)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "BTC", positions[0].Asset)
	assert.Equal(t, "USDC", positions[1].Asset)

	open := &core.LoanListing{Id: 1, Author: accountA, Asset: "USDC", Status: core.ListingStatusOpen}
	closed := &core.LoanListing{Id: 2, Author: accountA, Asset: "USDC", Status: core.ListingStatusClosed}
	require.NoError(t, mem.UpsertListing(ctx, open))
	require.NoError(t, mem.UpsertListing(ctx, closed))

	listings, err := mem.ListOpenListingsByAsset(ctx, "USDC")
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, uint64(1), listings[0].Id)

	byAccount, err := mem.ListListingsByAccount(ctx, accountA)
	require.NoError(t, err)
	assert.Len(t, byAccount, 2)

	serviced := &core.LoanRequest{Id: 1, Author: accountB, Asset: "USDC", Status: core.RequestStatusServiced}
	pending := &core.LoanRequest{Id: 2, Author: accountB, Asset: "USDC", Status: core.RequestStatusOpen}
	require.NoError(t, mem.UpsertRequest(ctx, serviced))
	require.NoError(t, mem.UpsertRequest(ctx, pending))

	requests, err := mem.ListOpenRequestsByAsset(ctx, "USDC")
	require.NoError(t, err)
	require.Len(t, requests, 1)
	assert.Equal(t, uint64(2), requests[0].Id)
}

func TestLedgerBundle(t *testing.T) {
	mem := store.NewMemory()
	ledger := mem.Ledger()

	assert.NotNil(t, ledger.AssetStore)
	assert.NotNil(t, ledger.PositionStore)
	assert.NotNil(t, ledger.PoolStore)
	assert.NotNil(t, ledger.LoanStore)
	assert.NotNil(t, ledger.ListingStore)
	assert.NotNil(t, ledger.RequestStore)
	assert.NotNil(t, ledger.ActivityStore)
}
