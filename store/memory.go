package store

import (
	"context"
	"sort"
	"sync"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"github.com/creditmesh/core/core"
)

// Memory is a mutex-guarded in-memory ledger store. Reads and writes both go
// through clones so callers can never alias stored state; lookups that miss
// return gorm.ErrRecordNotFound, matching what a database-backed store would
// surface.
type Memory struct {
	mtx sync.RWMutex

	assets     map[string]*core.Asset
	positions  map[positionKey]*core.Position
	pools      map[string]*core.AssetPool
	loans      map[uint64]*core.PoolLoan
	listings   map[uint64]*core.LoanListing
	requests   map[uint64]*core.LoanRequest
	activities map[uuid.UUID]*core.UserActivity

	nextLoanId    uint64
	nextListingId uint64
	nextRequestId uint64
}

type positionKey struct {
	accountId uuid.UUID
	asset     string
}

func NewMemory() *Memory {
	return &Memory{
		assets:     make(map[string]*core.Asset),
		positions:  make(map[positionKey]*core.Position),
		pools:      make(map[string]*core.AssetPool),
		loans:      make(map[uint64]*core.PoolLoan),
		listings:   make(map[uint64]*core.LoanListing),
		requests:   make(map[uint64]*core.LoanRequest),
		activities: make(map[uuid.UUID]*core.UserActivity),
	}
}

// Ledger bundles the memory store into the engine-facing store set.
func (m *Memory) Ledger() core.LedgerStore {
	return core.LedgerStore{
		AssetStore:    m,
		PositionStore: m,
		PoolStore:     m,
		LoanStore:     m,
		ListingStore:  m,
		RequestStore:  m,
		ActivityStore: m,
	}
}

func (m *Memory) GetAsset(_ context.Context, symbol string) (*core.Asset, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	asset, ok := m.assets[symbol]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	clone := *asset
	return &clone, nil
}

func (m *Memory) ListAssets(_ context.Context) ([]*core.Asset, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	symbols := make([]string, 0, len(m.assets))
	for symbol := range m.assets {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	assets := make([]*core.Asset, 0, len(symbols))
	for _, symbol := range symbols {
		clone := *m.assets[symbol]
		assets = append(assets, &clone)
	}
	return assets, nil
}

func (m *Memory) UpsertAsset(_ context.Context, asset *core.Asset) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	clone := *asset
	m.assets[asset.Symbol] = &clone
	return nil
}

func (m *Memory) FindPosition(_ context.Context, accountId uuid.UUID, asset string) (*core.Position, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	position, ok := m.positions[positionKey{accountId, asset}]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return position.Clone(), nil
}

func (m *Memory) UpsertPosition(_ context.Context, position *core.Position) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.positions[positionKey{position.AccountId, position.Asset}] = position.Clone()
	return nil
}

func (m *Memory) ListPositionsByAccount(_ context.Context, accountId uuid.UUID) ([]*core.Position, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var positions []*core.Position
	for key, position := range m.positions {
		if key.accountId == accountId {
			positions = append(positions, position.Clone())
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Asset < positions[j].Asset })
	return positions, nil
}

func (m *Memory) GetPool(_ context.Context, asset string) (*core.AssetPool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	pool, ok := m.pools[asset]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return pool.Clone(), nil
}

func (m *Memory) UpsertPool(_ context.Context, pool *core.AssetPool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.pools[pool.Asset] = pool.Clone()
	return nil
}

func (m *Memory) ListPools(_ context.Context) ([]*core.AssetPool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	symbols := make([]string, 0, len(m.pools))
	for symbol := range m.pools {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	pools := make([]*core.AssetPool, 0, len(symbols))
	for _, symbol := range symbols {
		pools = append(pools, m.pools[symbol].Clone())
	}
	return pools, nil
}

func (m *Memory) NextLoanId(_ context.Context) (uint64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.nextLoanId++
	return m.nextLoanId, nil
}

func (m *Memory) GetLoan(_ context.Context, loanId uint64) (*core.PoolLoan, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	loan, ok := m.loans[loanId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return loan.Clone(), nil
}

func (m *Memory) UpsertLoan(_ context.Context, loan *core.PoolLoan) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.loans[loan.Id] = loan.Clone()
	return nil
}

func (m *Memory) ListLoansByAccount(_ context.Context, accountId uuid.UUID) ([]*core.PoolLoan, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var loans []*core.PoolLoan
	for _, loan := range m.loans {
		if loan.Borrower == accountId {
			loans = append(loans, loan.Clone())
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].Id < loans[j].Id })
	return loans, nil
}

func (m *Memory) NextListingId(_ context.Context) (uint64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.nextListingId++
	return m.nextListingId, nil
}

func (m *Memory) GetListing(_ context.Context, listingId uint64) (*core.LoanListing, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	listing, ok := m.listings[listingId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return listing.Clone(), nil
}

func (m *Memory) UpsertListing(_ context.Context, listing *core.LoanListing) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.listings[listing.Id] = listing.Clone()
	return nil
}

func (m *Memory) ListOpenListingsByAsset(_ context.Context, asset string) ([]*core.LoanListing, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var listings []*core.LoanListing
	for _, listing := range m.listings {
		if listing.Asset == asset && listing.Status == core.ListingStatusOpen {
			listings = append(listings, listing.Clone())
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Id < listings[j].Id })
	return listings, nil
}

func (m *Memory) ListListingsByAccount(_ context.Context, accountId uuid.UUID) ([]*core.LoanListing, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var listings []*core.LoanListing
	for _, listing := range m.listings {
		if listing.Author == accountId {
			listings = append(listings, listing.Clone())
		}
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].Id < listings[j].Id })
	return listings, nil
}

func (m *Memory) NextRequestId(_ context.Context) (uint64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.nextRequestId++
	return m.nextRequestId, nil
}

func (m *Memory) GetRequest(_ context.Context, requestId uint64) (*core.LoanRequest, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	request, ok := m.requests[requestId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return request.Clone(), nil
}

func (m *Memory) UpsertRequest(_ context.Context, request *core.LoanRequest) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.requests[request.Id] = request.Clone()
	return nil
}

func (m *Memory) ListOpenRequestsByAsset(_ context.Context, asset string) ([]*core.LoanRequest, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var requests []*core.LoanRequest
	for _, request := range m.requests {
		if request.Asset == asset && request.Status == core.RequestStatusOpen {
			requests = append(requests, request.Clone())
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].Id < requests[j].Id })
	return requests, nil
}

func (m *Memory) ListRequestsByAccount(_ context.Context, accountId uuid.UUID) ([]*core.LoanRequest, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	var requests []*core.LoanRequest
	for _, request := range m.requests {
		if request.Author == accountId {
			requests = append(requests, request.Clone())
		}
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].Id < requests[j].Id })
	return requests, nil
}

func (m *Memory) FindActivity(_ context.Context, accountId uuid.UUID) (*core.UserActivity, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	activity, ok := m.activities[accountId]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return activity.Clone(), nil
}

func (m *Memory) UpsertActivity(_ context.Context, activity *core.UserActivity) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.activities[activity.AccountId] = activity.Clone()
	return nil
}
