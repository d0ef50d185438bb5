package state

import (
	"fmt"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"

	"github.com/google/uuid"
)

// SettlementBreakdown is the fee pipeline of one settlement fill.
type SettlementBreakdown struct {
	Core            int64 // floor(debt * price)
	Offset          int64 // floor(core * offset), stays with the position
	Fee             int64 // floor((core - offset) * fee), to the fee pool
	SettlerReceives int64
}

// PositionPays is what leaves the position: core minus offset.
func (b SettlementBreakdown) PositionPays() int64 {
	return b.Core - b.Offset
}

// SettlementFill prices a fill of debt units at price.
func (m *Market) SettlementFill(debt int64, price ledger.Price) (SettlementBreakdown, error) {
	core, err := price.QuoteFor(debt, fpmath.RoundDown)
	if err != nil {
		return SettlementBreakdown{}, err
	}
	offset := fpmath.ApplyBasisPoints(core, m.Params.ForceSettlementOffsetPercent)
	net := core - offset
	fee := fpmath.ApplyBasisPoints(net, m.Params.ForceSettlementFeePercent)
	return SettlementBreakdown{Core: core, Offset: offset, Fee: fee, SettlerReceives: net - fee}, nil
}

func (m *Market) settlementCost(price ledger.Price) costFunc {
	return func(x int64) (int64, bool) {
		b, err := m.SettlementFill(x, price)
		if err != nil {
			return 0, false
		}
		return b.PositionPays(), true
	}
}

// volumeCap is the settleable amount per maintenance interval.
func (m *Market) volumeCap(balances Balances) (int64, error) {
	return fpmath.MulDiv(balances.GetSupply(m.AssetID), m.Params.MaximumForceSettlementVolume, fpmath.Percent100, fpmath.RoundDown)
}

// Settle requests force settlement of amount. While the asset is globally
// settled the request is served at once from the settlement fund and no
// queue entry is created (nil result).
func (m *Market) Settle(owner uuid.UUID, amount int64, now int64, balances Balances, fx *Effects) (*ForceSettlement, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("settle amount %d: %w", amount, ErrInvalidAmount)
	}
	have := balances.GetBalance(ledger.UserAvailable(owner, m.AssetID))
	if have < amount {
		return nil, fmt.Errorf("owner %s has %d %s, settle needs %d: %w", owner, have, m.Symbol, amount, ErrInsufficientBalance)
	}
	if m.IsGloballySettled() {
		return nil, m.redeem(owner, amount, fx)
	}
	if m.CurrentFeed == nil {
		return nil, fmt.Errorf("settle %s: %w", m.Symbol, ErrNoActiveFeed)
	}

	capacity, err := m.volumeCap(balances)
	if err != nil {
		return nil, fmt.Errorf("volume cap: %w", ErrInvalidAmount)
	}
	if m.ForceSettledVolume+amount > capacity {
		return nil, fmt.Errorf("settle %d with %d of %d already used: %w", amount, m.ForceSettledVolume, capacity, ErrVolumeCapExceeded)
	}
	date, err := fpmath.CheckedAdd(now, m.Params.ForceSettlementDelay)
	if err != nil {
		return nil, fmt.Errorf("settlement date: %w", ErrInvalidAmount)
	}

	fx.Batch.Transfer(m.settleEscrow(), ledger.UserAvailable(owner, m.AssetID), amount, ledger.JournalTypeSettleEscrow)
	m.ForceSettledVolume += amount

	s := &ForceSettlement{
		ID:             m.ids.settlement(),
		Owner:          owner,
		Balance:        amount,
		SettlementDate: date,
	}
	m.Settlements.Insert(s)
	fx.created(ObjectForceSettlement, s.ID)

	m.matchPendingSettlements(fx)
	m.syncTriggers(fx)
	return s, nil
}

// redeem serves a settle request from the fund of a globally settled asset:
// floor(amount * fund / settlement_debt), the last redeemer taking the remainder.
func (m *Market) redeem(owner uuid.UUID, amount int64, fx *Effects) error {
	if amount > m.SettlementDebt {
		return fmt.Errorf("redeem %d of %d outstanding: %w", amount, m.SettlementDebt, ErrAssetFrozen)
	}

	collateral := m.SettlementFund
	if amount < m.SettlementDebt {
		var err error
		collateral, err = fpmath.MulDiv(amount, m.SettlementFund, m.SettlementDebt, fpmath.RoundDown)
		if err != nil {
			return fmt.Errorf("redeem share: %w", ErrInvalidAmount)
		}
	}
	fee := fpmath.ApplyBasisPoints(collateral, m.Params.ForceSettlementFeePercent)

	fx.Batch.Burn(m.AssetID, ledger.UserAvailable(owner, m.AssetID), amount)
	fx.Batch.Transfer(ledger.UserAvailable(owner, m.BackingAsset), m.fundAccount(), collateral-fee, ledger.JournalTypeRedeem)
	fx.Batch.Transfer(m.feePool(), m.fundAccount(), fee, ledger.JournalTypeSettlementFee)

	m.SettlementFund -= collateral
	m.SettlementDebt -= amount
	m.AccumulatedCollateralFees += fee

	fx.Emit(&event.GlobalSettlementRedeem{
		Asset:      m.AssetID,
		Holder:     owner,
		Amount:     amount,
		Collateral: collateral - fee,
		Fee:        fee,
	})
	return nil
}

// CancelSettle refunds the unmatched remainder and releases its volume.
func (m *Market) CancelSettle(owner uuid.UUID, id uint64, fx *Effects) error {
	s, ok := m.Settlements.Get(id)
	if !ok {
		return fmt.Errorf("settlement %d: %w", id, ErrNotFound)
	}
	if s.Owner != owner {
		return fmt.Errorf("settlement %d owned by %s, cancel by %s: %w", id, s.Owner, owner, ErrUnauthorized)
	}
	m.ForceSettledVolume = max(0, m.ForceSettledVolume-s.Balance)
	m.cancelSettlement(s, "cancelled", fx)
	return nil
}

func (m *Market) cancelSettlement(s *ForceSettlement, reason string, fx *Effects) {
	fx.Batch.Transfer(ledger.UserAvailable(s.Owner, m.AssetID), m.settleEscrow(), s.Balance, ledger.JournalTypeSettleRefund)
	m.Settlements.Remove(s.ID)
	fx.removed(ObjectForceSettlement, s.ID)
	fx.Emit(&event.ForceSettlementCancelled{
		Asset:        m.AssetID,
		SettlementID: s.ID,
		Owner:        s.Owner,
		Refunded:     s.Balance,
		Reason:       reason,
	})
}

// ProcessDueSettlements force-matches settlements whose date is at or before
// now against the worst positions at the feed price.
func (m *Market) ProcessDueSettlements(now int64, fx *Effects) {
	if m.IsGloballySettled() || m.CurrentFeed == nil {
		return
	}
	price := m.CurrentFeed.SettlementPrice
	cost := m.settlementCost(price)

	for _, s := range m.Settlements.Due(now) {
		for s.Balance > 0 {
			if m.checkBlackSwan(fx) {
				return
			}
			p, ok := m.Calls.Worst()
			if !ok {
				break
			}
			x, affordable := fillSize(p, m.CurrentFeed, s.Balance, false, cost)
			if !affordable {
				m.globalSettle(price, fx)
				return
			}
			m.applySettlementFill(s, p, x, price, fx)
		}
	}
	if !m.checkBlackSwan(fx) {
		m.syncTriggers(fx)
	}
}

// matchPendingSettlements matches queued settlements, in queue order, against
// margin-callable positions with the TCR cap applied.
func (m *Market) matchPendingSettlements(fx *Effects) {
	if m.IsGloballySettled() || m.CurrentFeed == nil || m.Settlements.Len() == 0 {
		return
	}
	price := m.CurrentFeed.SettlementPrice
	cost := m.settlementCost(price)

	for _, s := range m.Settlements.All() {
		for _, p := range m.eligibleForMarginCall() {
			if s.Balance == 0 {
				break
			}
			if m.checkBlackSwan(fx) {
				return
			}
			x, affordable := fillSize(p, m.CurrentFeed, s.Balance, true, cost)
			if !affordable {
				m.globalSettle(price, fx)
				return
			}
			m.applySettlementFill(s, p, x, price, fx)
		}
	}
	m.checkBlackSwan(fx)
}

func (m *Market) applySettlementFill(s *ForceSettlement, p *CallPosition, x int64, price ledger.Price, fx *Effects) {
	b, err := m.SettlementFill(x, price)
	if err != nil {
		panic(fmt.Sprintf("FATAL: settlement fill overflow after affordability check: %v", err))
	}

	fx.Batch.Burn(m.AssetID, m.settleEscrow(), x)
	fx.Batch.Transfer(ledger.UserAvailable(s.Owner, m.BackingAsset), m.collateralPool(), b.SettlerReceives, ledger.JournalTypeSettlementPayout)
	fx.Batch.Transfer(m.feePool(), m.collateralPool(), b.Fee, ledger.JournalTypeSettlementFee)
	m.AccumulatedCollateralFees += b.Fee

	fill := &event.ForceSettlementFill{
		Asset:           m.AssetID,
		SettlementID:    s.ID,
		Settler:         s.Owner,
		PositionID:      p.ID,
		Owner:           p.Owner,
		Price:           price,
		DebtFilled:      x,
		Core:            b.Core,
		Offset:          b.Offset,
		Fee:             b.Fee,
		SettlerReceives: b.SettlerReceives,
	}
	fill.PositionClosed, fill.CollateralReturned = m.reducePosition(p, x, b.PositionPays(), fx)

	s.Balance -= x
	fill.Remaining = s.Balance
	if s.Balance == 0 {
		m.Settlements.Remove(s.ID)
		fx.removed(ObjectForceSettlement, s.ID)
	} else {
		fx.updated(ObjectForceSettlement, s.ID)
	}
	fx.Emit(fill)
}
