package state

import (
	"github.com/google/btree"
	"github.com/google/uuid"
)

// ForceSettlement is a pending request to redeem Balance units of a pegged
// asset from the collateral pool. Partial fills keep SettlementDate.
type ForceSettlement struct {
	ID             uint64    `json:"id"`
	Owner          uuid.UUID `json:"owner"`
	Balance        int64     `json:"balance"`
	SettlementDate int64     `json:"settlement_date_us"`
}

type settlementKey struct {
	date int64
	id   uint64
}

func (a settlementKey) Less(b settlementKey) bool {
	if a.date != b.date {
		return a.date < b.date
	}
	return a.id < b.id
}

// SettlementQueue orders the pending settlements of one market FIFO by
// (settlement date, id).
type SettlementQueue struct {
	byDate  *btree.BTreeG[settlementKey]
	entries map[uint64]*ForceSettlement
}

func NewSettlementQueue() *SettlementQueue {
	return &SettlementQueue{
		byDate:  btree.NewG(defaultTreeDegree, settlementKey.Less),
		entries: make(map[uint64]*ForceSettlement),
	}
}

func (q *SettlementQueue) Insert(s *ForceSettlement) {
	q.entries[s.ID] = s
	q.byDate.ReplaceOrInsert(settlementKey{date: s.SettlementDate, id: s.ID})
}

func (q *SettlementQueue) Get(id uint64) (*ForceSettlement, bool) {
	s, ok := q.entries[id]
	return s, ok
}

func (q *SettlementQueue) Remove(id uint64) {
	s, ok := q.entries[id]
	if !ok {
		return
	}
	q.byDate.Delete(settlementKey{date: s.SettlementDate, id: id})
	delete(q.entries, id)
}

// All returns pending settlements in queue order.
func (q *SettlementQueue) All() []*ForceSettlement {
	out := make([]*ForceSettlement, 0, q.byDate.Len())
	q.byDate.Ascend(func(k settlementKey) bool {
		out = append(out, q.entries[k.id])
		return true
	})
	return out
}

// Due returns settlements whose date is at or before now, in queue order.
func (q *SettlementQueue) Due(now int64) []*ForceSettlement {
	var out []*ForceSettlement
	q.byDate.Ascend(func(k settlementKey) bool {
		if k.date > now {
			return false
		}
		out = append(out, q.entries[k.id])
		return true
	})
	return out
}

func (q *SettlementQueue) Len() int {
	return q.byDate.Len()
}

func (q *SettlementQueue) TotalBalance() int64 {
	var total int64
	for _, s := range q.entries {
		total += s.Balance
	}
	return total
}
