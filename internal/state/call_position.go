package state

import (
	stdmath "math"
	"math/big"

	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"

	"github.com/google/btree"
	"github.com/google/uuid"
)

const defaultTreeDegree = 2

var bigRatioDenom = big.NewInt(fpmath.CollateralRatioDenom)

// CallPosition is one collateralized debt position. The book owns it; the
// collateral-ratio index refers to it by key.
type CallPosition struct {
	ID              uint64         `json:"id"`
	Owner           uuid.UUID      `json:"owner"`
	DebtAsset       ledger.AssetID `json:"debt_asset"`
	CollateralAsset ledger.AssetID `json:"collateral_asset"`
	Debt            int64          `json:"debt"`
	Collateral      int64          `json:"collateral"`
	// TargetCollateralRatio is per-mille; nil means no cap on margin-call fills
	TargetCollateralRatio *int64 `json:"target_collateral_ratio,omitempty"`
}

// IsCallable reports whether the position's collateral ratio is at or below
// the feed's MCR: C * base * 1000 <= D * quote * MCR.
func (p *CallPosition) IsCallable(feed *PriceFeed) bool {
	price := feed.SettlementPrice
	return fpmath.CompareProducts3(
		p.Collateral, price.Base.Amount, fpmath.CollateralRatioDenom,
		p.Debt, price.Quote.Amount, feed.MaintenanceCollateralRatio,
	) <= 0
}

// IsUndercollateralized reports whether the collateral cannot repurchase the
// debt at price: C < D * price.
func (p *CallPosition) IsUndercollateralized(price ledger.Price) bool {
	return fpmath.CompareProducts(p.Collateral, price.Base.Amount, p.Debt, price.Quote.Amount) < 0
}

// CollateralRatio returns the per-mille collateral ratio at price, saturating
// at MaxInt64.
func (p *CallPosition) CollateralRatio(price ledger.Price) int64 {
	if p.Debt == 0 {
		return stdmath.MaxInt64
	}
	num := fpmath.MultiplyInt128(p.Collateral, price.Base.Amount)
	num.Mul(num, bigRatioDenom)
	den := fpmath.MultiplyInt128(p.Debt, price.Quote.Amount)
	ratio, err := fpmath.DivideInt128(num, den, fpmath.RoundDown)
	if err != nil {
		return stdmath.MaxInt64
	}
	return ratio
}

// targetRatio is the ratio a TCR-capped fill restores: max(TCR, MCR).
func (p *CallPosition) targetRatio(mcr int64) int64 {
	if p.TargetCollateralRatio == nil {
		return mcr
	}
	return max(*p.TargetCollateralRatio, mcr)
}

// callKey orders positions from least to most collateralized, then by id.
type callKey struct {
	collateral int64
	debt       int64
	id         uint64
}

func (a callKey) Less(b callKey) bool {
	if c := fpmath.CompareProducts(a.collateral, b.debt, b.collateral, a.debt); c != 0 {
		return c < 0
	}
	return a.id < b.id
}

func keyOf(p *CallPosition) callKey {
	return callKey{collateral: p.Collateral, debt: p.Debt, id: p.ID}
}

// CallBook holds the call positions of one market.
type CallBook struct {
	byRatio   *btree.BTreeG[callKey]
	positions map[uint64]*CallPosition
	byOwner   map[uuid.UUID]uint64
}

func NewCallBook() *CallBook {
	return &CallBook{
		byRatio:   btree.NewG(defaultTreeDegree, callKey.Less),
		positions: make(map[uint64]*CallPosition),
		byOwner:   make(map[uuid.UUID]uint64),
	}
}

func (cb *CallBook) Insert(p *CallPosition) {
	cb.positions[p.ID] = p
	cb.byOwner[p.Owner] = p.ID
	cb.byRatio.ReplaceOrInsert(keyOf(p))
}

func (cb *CallBook) Get(id uint64) (*CallPosition, bool) {
	p, ok := cb.positions[id]
	return p, ok
}

func (cb *CallBook) GetByOwner(owner uuid.UUID) (*CallPosition, bool) {
	id, ok := cb.byOwner[owner]
	if !ok {
		return nil, false
	}
	return cb.Get(id)
}

// Update sets new amounts and re-keys the index. A position whose debt
// reaches zero is removed.
func (cb *CallBook) Update(p *CallPosition, debt, collateral int64) {
	cb.byRatio.Delete(keyOf(p))
	p.Debt = debt
	p.Collateral = collateral
	if p.Debt == 0 {
		delete(cb.positions, p.ID)
		delete(cb.byOwner, p.Owner)
		return
	}
	cb.byRatio.ReplaceOrInsert(keyOf(p))
}

func (cb *CallBook) Remove(id uint64) {
	p, ok := cb.positions[id]
	if !ok {
		return
	}
	cb.byRatio.Delete(keyOf(p))
	delete(cb.positions, id)
	delete(cb.byOwner, p.Owner)
}

// Worst returns the least collateralized position.
func (cb *CallBook) Worst() (*CallPosition, bool) {
	k, ok := cb.byRatio.Min()
	if !ok {
		return nil, false
	}
	return cb.positions[k.id], true
}

// Ascend visits positions worst first. fn must not mutate the book.
func (cb *CallBook) Ascend(fn func(p *CallPosition) bool) {
	cb.byRatio.Ascend(func(k callKey) bool {
		return fn(cb.positions[k.id])
	})
}

// All returns positions worst first.
func (cb *CallBook) All() []*CallPosition {
	out := make([]*CallPosition, 0, cb.byRatio.Len())
	cb.Ascend(func(p *CallPosition) bool {
		out = append(out, p)
		return true
	})
	return out
}

func (cb *CallBook) Len() int {
	return cb.byRatio.Len()
}

func (cb *CallBook) TotalDebt() int64 {
	var total int64
	for _, p := range cb.positions {
		total += p.Debt
	}
	return total
}

func (cb *CallBook) TotalCollateral() int64 {
	var total int64
	for _, p := range cb.positions {
		total += p.Collateral
	}
	return total
}

func (cb *CallBook) Clear() {
	cb.byRatio.Clear(false)
	cb.positions = make(map[uint64]*CallPosition)
	cb.byOwner = make(map[uuid.UUID]uint64)
}
