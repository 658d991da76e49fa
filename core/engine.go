package core

import (
	"context"
	"sort"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// LedgerStore groups the per-entity stores into the single keyed store the
// engine operates against.
type LedgerStore struct {
	AssetStore
	PositionStore
	PoolStore
	LoanStore
	ListingStore
	RequestStore
	ActivityStore
}

type EngineParams struct {
	// MaxLtvBps sets the lock target for new borrows: locked collateral value
	// is loanValue / (MaxLtvBps/10000), spread pro rata over the borrower's
	// collateral set.
	MaxLtvBps int64

	// P2PLiquidationDiscountBps is withheld from the liquidator's seizure on
	// P2P liquidations and routed to FeeRecipient.
	P2PLiquidationDiscountBps int64

	FeeRecipient uuid.UUID
}

func (p *EngineParams) Validate() error {
	if p.MaxLtvBps <= 0 || p.MaxLtvBps >= BPS_DENOMINATOR {
		return InvalidConfig
	}
	if p.P2PLiquidationDiscountBps < 0 || p.P2PLiquidationDiscountBps >= BPS_DENOMINATOR {
		return InvalidConfig
	}
	return nil
}

// Engine is the caller-facing facade over the shared ledger state. Operations
// are serialized and all-or-nothing: every check runs against cloned entities
// and mutations only reach the store once the whole operation has passed.
type Engine struct {
	clk    clock.Clock
	log    Log
	store  LedgerStore
	oracle PriceOracleAdapter
	params EngineParams
	risk   *RiskEngine

	guardMtx sync.Mutex
	inFlight map[uuid.UUID]bool
}

type EngineOption func(*Engine)

func WithClock(clk clock.Clock) EngineOption {
	return func(e *Engine) { e.clk = clk }
}

func WithLog(log Log) EngineOption {
	return func(e *Engine) { e.log = log }
}

func NewEngine(store LedgerStore, oracle PriceOracleAdapter, params EngineParams, opts ...EngineOption) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		clk:      clock.New(),
		log:      NopLog(),
		store:    store,
		oracle:   oracle,
		params:   params,
		inFlight: make(map[uuid.UUID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.risk = NewRiskEngine(store, oracle)
	return e, nil
}

func (e *Engine) Risk() *RiskEngine {
	return e.risk
}

// begin takes the short-lived operation lease on the given accounts. A nested
// invocation against an account already in flight fails structurally instead
// of observing half-updated ledger state.
func (e *Engine) begin(accounts ...uuid.UUID) error {
	e.guardMtx.Lock()
	defer e.guardMtx.Unlock()
	for _, account := range accounts {
		if e.inFlight[account] {
			return OperationInProgress
		}
	}
	for _, account := range accounts {
		e.inFlight[account] = true
	}
	return nil
}

func (e *Engine) end(accounts ...uuid.UUID) {
	e.guardMtx.Lock()
	defer e.guardMtx.Unlock()
	for _, account := range accounts {
		delete(e.inFlight, account)
	}
}

func (e *Engine) requireAsset(ctx context.Context, symbol string) (*Asset, error) {
	asset, err := e.store.GetAsset(ctx, symbol)
	if err != nil {
		return nil, AssetNotSupported
	}
	return asset, nil
}

// positionSet is an operation's working copy of one account's positions.
// Everything in it is a clone; commit writes the whole set back.
type positionSet struct {
	clk       clock.Clock
	accountId uuid.UUID
	byAsset   map[string]*Position
}

func (e *Engine) loadPositions(ctx context.Context, accountId uuid.UUID) (*positionSet, error) {
	positions, err := e.store.ListPositionsByAccount(ctx, accountId)
	if err != nil {
		return nil, err
	}
	set := &positionSet{
		clk:       e.clk,
		accountId: accountId,
		byAsset:   make(map[string]*Position, len(positions)),
	}
	for _, position := range positions {
		set.byAsset[position.Asset] = position.Clone()
	}
	return set, nil
}

func (s *positionSet) get(asset string) *Position {
	position, ok := s.byAsset[asset]
	if !ok {
		position = NewPosition(s.clk, s.accountId, asset)
		s.byAsset[asset] = position
	}
	return position
}

// assets returns the set's asset symbols in deterministic order.
func (s *positionSet) assets() []string {
	symbols := make([]string, 0, len(s.byAsset))
	for symbol := range s.byAsset {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

func (s *positionSet) commit(ctx context.Context, store PositionStore, now int64) error {
	for _, symbol := range s.assets() {
		position := s.byAsset[symbol]
		position.LastUpdate = now
		if err := store.UpsertPosition(ctx, position); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordActivity(ctx context.Context, accountId uuid.UUID, record func(*UserActivity)) error {
	activity, err := FindOrCreateActivity(ctx, e.clk, e.store, accountId)
	if err != nil {
		return err
	}
	activity = activity.Clone()
	record(activity)
	return e.store.UpsertActivity(ctx, activity)
}

// ------------ Share-vault wrapper boundary

// DepositFromVault supplies pool liquidity on behalf of a vault depositor.
func (e *Engine) DepositFromVault(ctx context.Context, asset string, amount decimal.Decimal, accountId uuid.UUID) (decimal.Decimal, error) {
	return e.DepositToPool(ctx, accountId, asset, amount)
}

// WithdrawFromVault redeems pool shares on behalf of a vault depositor.
func (e *Engine) WithdrawFromVault(ctx context.Context, asset string, amount decimal.Decimal, accountId uuid.UUID) (decimal.Decimal, error) {
	return e.WithdrawFromPool(ctx, accountId, asset, amount)
}

func (e *Engine) GetAvailableLiquidity(ctx context.Context, asset string) (decimal.Decimal, error) {
	pool, err := e.store.GetPool(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return pool.PoolLiquidity, nil
}

func (e *Engine) GetVaultTotalAssets(ctx context.Context, asset string) (decimal.Decimal, error) {
	pool, err := e.store.GetPool(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return pool.TotalDeposits, nil
}

func (e *Engine) IsPoolPaused(ctx context.Context, asset string) (bool, error) {
	pool, err := e.store.GetPool(ctx, asset)
	if err != nil {
		return false, err
	}
	return pool.OperationalState == PoolStatePaused, nil
}

// ------------ Reward-subsystem boundary

func (e *Engine) GetUserActivity(ctx context.Context, accountId uuid.UUID) (*UserActivity, error) {
	return FindOrCreateActivity(ctx, e.clk, e.store, accountId)
}
