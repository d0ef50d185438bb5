package state

import (
	"fmt"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"

	"github.com/google/uuid"
)

// BidCollateral places or replaces the bidder's collateral bid. A bid with
// zero collateral withdraws the existing one.
func (m *Market) BidCollateral(bidder uuid.UUID, collateral, debtCovered int64, balances Balances, fx *Effects) (*CollateralBid, error) {
	if !m.IsGloballySettled() {
		return nil, fmt.Errorf("bid on %s: %w", m.Symbol, ErrNotGloballySettled)
	}
	if m.Params.DisableCollateralBidding {
		return nil, fmt.Errorf("bid on %s: %w", m.Symbol, ErrBiddingDisabled)
	}
	if collateral < 0 || debtCovered < 0 {
		return nil, fmt.Errorf("bid collateral=%d debt=%d: %w", collateral, debtCovered, ErrInvalidAmount)
	}

	prior, hasPrior := m.Bids.GetByBidder(bidder)
	if collateral == 0 {
		if !hasPrior {
			return nil, fmt.Errorf("bid of %s on %s: %w", bidder, m.Symbol, ErrNotFound)
		}
		m.cancelBid(prior, "withdrawn", fx)
		return nil, nil
	}

	if debtCovered <= 0 || debtCovered > m.SettlementDebt {
		return nil, fmt.Errorf("bid debt_covered %d, outstanding %d: %w", debtCovered, m.SettlementDebt, ErrInvalidAmount)
	}
	if !bidMeetsPrice(collateral, debtCovered, *m.GlobalSettlementPrice) {
		return nil, fmt.Errorf("bid %d/%d below %s: %w", collateral, debtCovered, m.GlobalSettlementPrice, ErrBidPriceBelowSettlement)
	}
	have := balances.GetBalance(ledger.UserAvailable(bidder, m.BackingAsset))
	if hasPrior {
		have += prior.Collateral
	}
	if have < collateral {
		return nil, fmt.Errorf("bidder %s has %d collateral, bid needs %d: %w", bidder, have, collateral, ErrInsufficientBalance)
	}

	if hasPrior {
		m.cancelBid(prior, "replaced", fx)
	}
	fx.Batch.Transfer(m.bidEscrow(), ledger.UserAvailable(bidder, m.BackingAsset), collateral, ledger.JournalTypeBidEscrow)
	bid := &CollateralBid{
		ID:          m.ids.bid(),
		Bidder:      bidder,
		Collateral:  collateral,
		DebtCovered: debtCovered,
	}
	m.Bids.Insert(bid)
	fx.created(ObjectCollateralBid, bid.ID)
	return bid, nil
}

// CancelBid withdraws the bidder's bid.
func (m *Market) CancelBid(bidder uuid.UUID, fx *Effects) error {
	bid, ok := m.Bids.GetByBidder(bidder)
	if !ok {
		return fmt.Errorf("bid of %s on %s: %w", bidder, m.Symbol, ErrNotFound)
	}
	m.cancelBid(bid, "withdrawn", fx)
	return nil
}

func (m *Market) cancelBid(bid *CollateralBid, reason string, fx *Effects) {
	fx.Batch.Transfer(ledger.UserAvailable(bid.Bidder, m.BackingAsset), m.bidEscrow(), bid.Collateral, ledger.JournalTypeBidRefund)
	m.Bids.Remove(bid.ID)
	fx.removed(ObjectCollateralBid, bid.ID)
	fx.Emit(&event.CollateralBidCancelled{
		Asset:       m.AssetID,
		BidID:       bid.ID,
		Bidder:      bid.Bidder,
		Collateral:  bid.Collateral,
		DebtCovered: bid.DebtCovered,
		Reason:      reason,
	})
}

// bidMeetsPrice: collateral/debt >= gsp.
func bidMeetsPrice(collateral, debt int64, gsp ledger.Price) bool {
	return fpmath.CompareProducts(collateral, gsp.Base.Amount, debt, gsp.Quote.Amount) >= 0
}

// fundShare is the part of the settlement fund that follows debt units of
// settlement debt into a revived position.
func (m *Market) fundShare(debt int64) int64 {
	share, err := fpmath.MulDiv(m.SettlementFund, debt, m.SettlementDebt, fpmath.RoundDown)
	if err != nil {
		panic(fmt.Sprintf("FATAL: fund share overflow: %v", err))
	}
	return share
}

// sweepBids cancels bids that would not produce a healthy position at the
// current feed. Every bid already meets the frozen settlement price.
func (m *Market) sweepBids(fx *Effects) {
	for _, bid := range m.Bids.All() {
		debt := min(bid.DebtCovered, m.SettlementDebt)
		collateral := bid.Collateral
		if debt < bid.DebtCovered {
			collateral = fpmath.MulDivFloor(bid.Collateral, debt, bid.DebtCovered)
		}
		revived := CallPosition{Debt: debt, Collateral: collateral + m.fundShare(debt)}
		if revived.IsCallable(m.CurrentFeed) {
			m.cancelBid(bid, "undercollateralized", fx)
		}
	}
}

// Revive runs the maintenance revival check. Bids are taken best price first
// until they cover the outstanding settlement debt; without full coverage
// nothing is consumed. It reports whether the market is Active afterwards.
func (m *Market) Revive(fx *Effects) bool {
	if !m.IsGloballySettled() {
		return true
	}
	if m.CurrentFeed == nil {
		return false
	}

	if m.SettlementDebt == 0 {
		for _, bid := range m.Bids.All() {
			m.cancelBid(bid, "revived", fx)
		}
		m.finishRevival(nil, fx)
		return true
	}

	m.sweepBids(fx)

	var covered int64
	var included []*CollateralBid
	for _, bid := range m.Bids.All() {
		if covered >= m.SettlementDebt {
			break
		}
		included = append(included, bid)
		covered += bid.DebtCovered
	}
	if covered < m.SettlementDebt {
		return false
	}

	remainingDebt := m.SettlementDebt
	remainingFund := m.SettlementFund
	revived := make([]event.RevivedPosition, 0, len(included))
	for i, bid := range included {
		take := min(bid.DebtCovered, remainingDebt)
		collateral := bid.Collateral
		if take < bid.DebtCovered {
			collateral = fpmath.MulDivFloor(bid.Collateral, take, bid.DebtCovered)
		}
		share := remainingFund
		if i < len(included)-1 {
			share = m.fundShare(take)
		}
		refund := bid.Collateral - collateral

		fx.Batch.Transfer(m.collateralPool(), m.bidEscrow(), collateral, ledger.JournalTypeRevival)
		fx.Batch.Transfer(m.collateralPool(), m.fundAccount(), share, ledger.JournalTypeRevival)
		fx.Batch.Transfer(ledger.UserAvailable(bid.Bidder, m.BackingAsset), m.bidEscrow(), refund, ledger.JournalTypeBidRefund)

		m.Bids.Remove(bid.ID)
		fx.removed(ObjectCollateralBid, bid.ID)

		p := &CallPosition{
			ID:              m.ids.call(),
			Owner:           bid.Bidder,
			DebtAsset:       m.AssetID,
			CollateralAsset: m.BackingAsset,
			Debt:            take,
			Collateral:      collateral + share,
		}
		m.Calls.Insert(p)
		fx.created(ObjectCallPosition, p.ID)

		revived = append(revived, event.RevivedPosition{
			PositionID:         p.ID,
			BidID:              bid.ID,
			Owner:              bid.Bidder,
			Debt:               take,
			BidCollateral:      collateral,
			FundShare:          share,
			CollateralReturned: refund,
		})
		remainingDebt -= take
		remainingFund -= share
	}

	for _, bid := range m.Bids.All() {
		m.cancelBid(bid, "revived", fx)
	}
	m.finishRevival(revived, fx)
	return true
}

func (m *Market) finishRevival(revived []event.RevivedPosition, fx *Effects) {
	m.SettlementFund = 0
	m.SettlementDebt = 0
	m.GlobalSettlementPrice = nil
	m.transition(MarketStatusActive)
	fx.Emit(&event.Revival{Asset: m.AssetID, Positions: revived})
	m.syncTriggers(fx)
}
