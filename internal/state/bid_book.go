package state

import (
	fpmath "PegLedger/internal/math"

	"github.com/google/btree"
	"github.com/google/uuid"
)

// CollateralBid offers Collateral of the backing asset in exchange for taking
// over DebtCovered of a globally settled asset's debt.
type CollateralBid struct {
	ID          uint64    `json:"id"`
	Bidder      uuid.UUID `json:"bidder"`
	Collateral  int64     `json:"collateral"`
	DebtCovered int64     `json:"debt_covered"`
}

type bidKey struct {
	collateral int64
	debt       int64
	id         uint64
}

// Less puts the best bid first: more collateral per unit of debt, then id.
func (a bidKey) Less(b bidKey) bool {
	if c := fpmath.CompareProducts(a.collateral, b.debt, b.collateral, a.debt); c != 0 {
		return c > 0
	}
	return a.id < b.id
}

// BidBook holds the collateral bids of one market, at most one per bidder.
type BidBook struct {
	byPrice  *btree.BTreeG[bidKey]
	bids     map[uint64]*CollateralBid
	byBidder map[uuid.UUID]uint64
}

func NewBidBook() *BidBook {
	return &BidBook{
		byPrice:  btree.NewG(defaultTreeDegree, bidKey.Less),
		bids:     make(map[uint64]*CollateralBid),
		byBidder: make(map[uuid.UUID]uint64),
	}
}

func (bb *BidBook) Insert(b *CollateralBid) {
	bb.bids[b.ID] = b
	bb.byBidder[b.Bidder] = b.ID
	bb.byPrice.ReplaceOrInsert(bidKey{collateral: b.Collateral, debt: b.DebtCovered, id: b.ID})
}

func (bb *BidBook) GetByBidder(bidder uuid.UUID) (*CollateralBid, bool) {
	id, ok := bb.byBidder[bidder]
	if !ok {
		return nil, false
	}
	b, ok := bb.bids[id]
	return b, ok
}

func (bb *BidBook) Remove(id uint64) {
	b, ok := bb.bids[id]
	if !ok {
		return
	}
	bb.byPrice.Delete(bidKey{collateral: b.Collateral, debt: b.DebtCovered, id: id})
	delete(bb.bids, id)
	delete(bb.byBidder, b.Bidder)
}

// All returns bids best price first.
func (bb *BidBook) All() []*CollateralBid {
	out := make([]*CollateralBid, 0, bb.byPrice.Len())
	bb.byPrice.Ascend(func(k bidKey) bool {
		out = append(out, bb.bids[k.id])
		return true
	})
	return out
}

func (bb *BidBook) Len() int {
	return bb.byPrice.Len()
}

func (bb *BidBook) TotalCollateral() int64 {
	var total int64
	for _, b := range bb.bids {
		total += b.Collateral
	}
	return total
}
