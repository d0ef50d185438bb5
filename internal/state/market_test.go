package state_test

import (
	"testing"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: Borrow / Cover
// ============================================================================

func TestBorrow_CreatesPositionAndIssues(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	owner := uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)

	p := h.borrow(owner, 100, 2_000, nil)
	require.Equal(uint64(1), p.ID)
	require.Equal(int64(100), h.available(owner, h.market.AssetID))
	require.Equal(int64(8_000), h.available(owner, h.core))
	require.Equal(int64(100), h.balances.GetSupply(h.market.AssetID))
}

func TestBorrow_Rejections(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	owner := uuid.New()
	h.deposit(owner, 10_000)

	borrow := func(debt, collateral int64) error {
		_, err := h.apply(func(fx *state.Effects) error {
			_, err := h.market.Borrow(state.BorrowRequest{Owner: owner, DebtAmount: debt, CollateralAmount: collateral}, h.balances, fx)
			return err
		})
		return err
	}

	require.ErrorIs(borrow(100, 2_000), state.ErrNoActiveFeed)
	h.publish(1, 10, 1750, 1100, 0)

	require.ErrorIs(borrow(0, 0), state.ErrInvalidAmount)
	require.ErrorIs(borrow(-1, 100), state.ErrInvalidAmount)
	require.ErrorIs(borrow(100, 20_000), state.ErrInsufficientBalance)
	// 1750 collateral for 100 debt at 1:10 is exactly MCR
	require.ErrorIs(borrow(100, 1_750), state.ErrInsufficientCollateralRatio)
	require.NoError(borrow(100, 1_751))
}

func TestCover_PartialAndFull(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	owner := uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)
	p := h.borrow(owner, 100, 3_000, nil)

	cover := func(debt, release int64) error {
		_, err := h.apply(func(fx *state.Effects) error {
			_, err := h.market.Cover(state.CoverRequest{Owner: owner, DebtAmount: debt, CollateralToRelease: release}, h.balances, fx)
			return err
		})
		return err
	}

	require.ErrorIs(cover(101, 0), state.ErrInvalidAmount)
	require.ErrorIs(cover(0, 3_001), state.ErrInvalidAmount)
	// 40 debt left with 500 collateral is below MCR
	require.ErrorIs(cover(60, 2_500), state.ErrInsufficientCollateralRatio)

	require.NoError(cover(60, 1_000))
	got, ok := h.market.Calls.Get(p.ID)
	require.True(ok)
	require.Equal(int64(40), got.Debt)
	require.Equal(int64(2_000), got.Collateral)

	require.NoError(cover(40, 0))
	_, ok = h.market.Calls.Get(p.ID)
	require.False(ok, "position with zero debt must be removed")
	require.Equal(int64(10_000), h.available(owner, h.core))
	require.Zero(h.balances.GetSupply(h.market.AssetID))
}

// ============================================================================
// Test: Margin calls
// ============================================================================

func TestMarginCall_TriggeredAndFilledWithFee(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.MarginCallFeeRatio = 100 // 1%
	h := newHarness(t, params)
	owner, seller := uuid.New(), uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)
	p := h.borrow(owner, 100, 2_000, nil)
	h.transferPegged(owner, seller, 50)

	fx := h.publish(1, 12, 1750, 1100, 1)
	triggered := factsOf[*event.MarginCallTriggered](fx)
	require.Len(triggered, 1)
	require.Equal(p.ID, triggered[0].PositionID)

	var outcome state.MatchOutcome
	fx = h.mustApply(func(fx *state.Effects) error {
		var err error
		outcome, err = h.market.MatchLimitOrder(state.LimitOrder{
			OrderID: "o-1",
			Seller:  seller,
			Amount:  50,
			Price:   ledger.NewPrice(50, h.market.AssetID, 600, h.core),
		}, h.balances, fx)
		return err
	})

	require.Equal(state.MatchMatched, outcome.Kind)
	require.Zero(outcome.Remaining)
	require.Len(outcome.Fills, 1)
	fill := outcome.Fills[0]
	require.Equal(int64(600), fill.CollateralPaid)
	require.Equal(int64(6), fill.Fee)
	require.Equal(int64(606), fill.CollateralConsumed)
	require.GreaterOrEqual(fill.CollateralConsumed, fill.CollateralPaid)

	require.Equal(int64(600), h.available(seller, h.core))
	require.Equal(int64(6), h.market.AccumulatedCollateralFees)
	got, _ := h.market.Calls.Get(p.ID)
	require.Equal(int64(50), got.Debt)
	require.Equal(int64(1_394), got.Collateral)

	cancelled := factsOf[*event.MarginCallCancelled](fx)
	require.Len(cancelled, 1)
	require.Equal("recovered", cancelled[0].Reason)
}

func TestMarginCall_OrderAboveMSSPDoesNotMatch(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	owner, seller := uuid.New(), uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)
	h.borrow(owner, 100, 2_000, nil)
	h.transferPegged(owner, seller, 50)
	h.publish(1, 12, 1750, 1100, 1)

	// MSSP = 12 * 1.1 = 13.2; asking 14 per unit is too expensive
	var outcome state.MatchOutcome
	h.mustApply(func(fx *state.Effects) error {
		var err error
		outcome, err = h.market.MatchLimitOrder(state.LimitOrder{
			Seller: seller,
			Amount: 50,
			Price:  ledger.NewPrice(1, h.market.AssetID, 14, h.core),
		}, h.balances, fx)
		return err
	})
	require.Equal(state.MatchExhausted, outcome.Kind)
	require.Equal(int64(50), outcome.Remaining)
	require.Empty(outcome.Fills)
}

func TestMarginCall_NoTCRFirstThenTCRCapped(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	a, b, seller := uuid.New(), uuid.New(), uuid.New()
	h.deposit(a, 10_000)
	h.deposit(b, 10_000)
	h.publish(1, 10, 1750, 1100, 0)

	pa := h.borrow(a, 100, 1_800, nil)
	pb := h.borrow(b, 100, 1_790, ratio(2_000))
	h.transferPegged(a, seller, 100)
	h.transferPegged(b, seller, 50)

	h.publish(1, 11, 1750, 1100, 1)
	require.True(pa.IsCallable(h.market.CurrentFeed))
	require.True(pb.IsCallable(h.market.CurrentFeed))

	var outcome state.MatchOutcome
	h.mustApply(func(fx *state.Effects) error {
		var err error
		outcome, err = h.market.MatchLimitOrder(state.LimitOrder{
			Seller: seller,
			Amount: 150,
			Price:  ledger.NewPrice(1, h.market.AssetID, 11, h.core),
		}, h.balances, fx)
		return err
	})

	require.Equal(state.MatchExhausted, outcome.Kind)
	require.Len(outcome.Fills, 2)
	// b is less collateralized but a has no TCR and is consumed first
	require.Equal(pa.ID, outcome.Fills[0].PositionID)
	require.True(outcome.Fills[0].PositionClosed)
	require.Equal(int64(700), outcome.Fills[0].CollateralReturned)

	// b is only closed until its ratio is above 200%: 38 of 100
	require.Equal(pb.ID, outcome.Fills[1].PositionID)
	require.Equal(int64(38), outcome.Fills[1].DebtFilled)
	require.Equal(int64(12), outcome.Remaining)

	got, _ := h.market.Calls.Get(pb.ID)
	require.Equal(int64(62), got.Debt)
	require.Equal(int64(1_372), got.Collateral)
	require.False(got.IsCallable(h.market.CurrentFeed))
}

// ============================================================================
// Test: Force settlement
// ============================================================================

func TestForceSettlement_FeePipeline(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.ForceSettlementOffsetPercent = 500
	params.ForceSettlementFeePercent = 300
	h := newHarness(t, params)
	owner, settler := uuid.New(), uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 20, 1750, 1100, 0)
	p := h.borrow(owner, 100, 4_000, nil)
	h.transferPegged(owner, settler, 100)

	var s *state.ForceSettlement
	h.mustApply(func(fx *state.Effects) error {
		var err error
		s, err = h.market.Settle(settler, 100, 10, h.balances, fx)
		return err
	})
	require.Equal(int64(1_010), s.SettlementDate)

	// not yet due
	fx := h.mustApply(func(fx *state.Effects) error {
		h.arena.ClearExpired(1_009, fx)
		return nil
	})
	require.Empty(factsOf[*event.ForceSettlementFill](fx))

	fx = h.mustApply(func(fx *state.Effects) error {
		h.arena.ClearExpired(1_010, fx)
		return nil
	})
	fills := factsOf[*event.ForceSettlementFill](fx)
	require.Len(fills, 1)
	fill := fills[0]
	require.Equal(int64(2_000), fill.Core)
	require.Equal(int64(100), fill.Offset)
	require.Equal(int64(57), fill.Fee)
	require.Equal(int64(1_843), fill.SettlerReceives)
	require.Zero(fill.Remaining)
	require.True(fill.PositionClosed)
	require.Equal(int64(2_100), fill.CollateralReturned)

	require.Equal(int64(1_843), h.available(settler, h.core))
	require.Equal(int64(57), h.market.AccumulatedCollateralFees)
	require.Zero(h.balances.GetSupply(h.market.AssetID))
	_, ok := h.market.Calls.Get(p.ID)
	require.False(ok)
	require.Zero(h.market.Settlements.Len())
}

func TestForceSettlement_PartialRemainderKeepsDateAndSpansPositions(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	a, b, c, settler := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	for _, owner := range []uuid.UUID{a, b, c} {
		h.deposit(owner, 10_000)
	}
	h.publish(1, 8, 1750, 1100, 0)
	pa := h.borrow(a, 100, 1_700, ratio(2_000))
	pb := h.borrow(b, 100, 3_000, nil)
	pc := h.borrow(c, 100, 2_500, nil)
	h.transferPegged(b, settler, 100)
	h.transferPegged(c, settler, 50)

	// only a is callable at 1:10
	h.publish(1, 10, 1750, 1100, 1)

	var s *state.ForceSettlement
	fx := h.mustApply(func(fx *state.Effects) error {
		var err error
		s, err = h.market.Settle(settler, 150, 10, h.balances, fx)
		return err
	})

	// a is filled only until its ratio is above 200%: 31 of 100
	fills := factsOf[*event.ForceSettlementFill](fx)
	require.Len(fills, 1)
	require.Equal(pa.ID, fills[0].PositionID)
	require.Equal(int64(31), fills[0].DebtFilled)
	require.Equal(int64(119), fills[0].Remaining)

	queued, ok := h.market.Settlements.Get(s.ID)
	require.True(ok)
	require.Equal(int64(119), queued.Balance)
	require.Equal(int64(1_010), queued.SettlementDate)

	fx = h.mustApply(func(fx *state.Effects) error {
		h.arena.ClearExpired(1_009, fx)
		return nil
	})
	require.Empty(factsOf[*event.ForceSettlementFill](fx))

	// due: worst position first, then the next worst
	fx = h.mustApply(func(fx *state.Effects) error {
		h.arena.ClearExpired(1_010, fx)
		return nil
	})
	fills = factsOf[*event.ForceSettlementFill](fx)
	require.Len(fills, 2)
	require.Equal(pa.ID, fills[0].PositionID)
	require.Equal(int64(69), fills[0].DebtFilled)
	require.True(fills[0].PositionClosed)
	require.Equal(int64(700), fills[0].CollateralReturned)
	require.Equal(int64(50), fills[0].Remaining)

	require.Equal(pc.ID, fills[1].PositionID)
	require.Equal(int64(50), fills[1].DebtFilled)
	require.False(fills[1].PositionClosed)
	require.Zero(fills[1].Remaining)

	require.Zero(h.market.Settlements.Len())
	require.Equal(int64(1_500), h.available(settler, h.core))
	got, _ := h.market.Calls.Get(pc.ID)
	require.Equal(int64(50), got.Debt)
	require.Equal(int64(2_000), got.Collateral)
	got, _ = h.market.Calls.Get(pb.ID)
	require.Equal(int64(100), got.Debt)
	require.Equal(int64(3_000), got.Collateral)
}

func TestForceSettlement_SettleThenCancelRestoresBalances(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	owner, settler := uuid.New(), uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)
	h.borrow(owner, 100, 3_000, nil)
	h.transferPegged(owner, settler, 40)

	supply := h.balances.GetSupply(h.market.AssetID)

	var s *state.ForceSettlement
	h.mustApply(func(fx *state.Effects) error {
		var err error
		s, err = h.market.Settle(settler, 40, 5, h.balances, fx)
		return err
	})
	require.Equal(int64(40), h.market.ForceSettledVolume)

	_, err := h.apply(func(fx *state.Effects) error {
		return h.market.CancelSettle(owner, s.ID, fx)
	})
	require.ErrorIs(err, state.ErrUnauthorized)

	h.mustApply(func(fx *state.Effects) error {
		return h.market.CancelSettle(settler, s.ID, fx)
	})

	require.Equal(int64(40), h.available(settler, h.market.AssetID))
	require.Zero(h.market.Settlements.Len())
	require.Equal(supply, h.balances.GetSupply(h.market.AssetID))
	require.Zero(h.market.ForceSettledVolume)

	_, err = h.apply(func(fx *state.Effects) error {
		return h.market.CancelSettle(settler, s.ID, fx)
	})
	require.ErrorIs(err, state.ErrNotFound)
}

func TestForceSettlement_Rejections(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.MaximumForceSettlementVolume = 1_000 // 10% of supply
	h := newHarness(t, params)
	owner := uuid.New()
	h.deposit(owner, 10_000)

	settle := func(amount int64) error {
		_, err := h.apply(func(fx *state.Effects) error {
			_, err := h.market.Settle(owner, amount, 1, h.balances, fx)
			return err
		})
		return err
	}

	require.ErrorIs(settle(0), state.ErrInvalidAmount)
	h.publish(1, 10, 1750, 1100, 0)
	h.borrow(owner, 100, 3_000, nil)

	require.ErrorIs(settle(11), state.ErrVolumeCapExceeded)
	require.NoError(settle(6))
	require.ErrorIs(settle(5), state.ErrVolumeCapExceeded)
	require.NoError(settle(4))

	// maintenance opens a new volume window
	h.mustApply(func(fx *state.Effects) error {
		h.arena.RunMaintenance(2, fx)
		return nil
	})
	require.NoError(settle(5))
}

// ============================================================================
// Test: Black swan
// ============================================================================

func TestBlackSwan_TriggersWhenCollateralBelowDebtValue(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.ForceSettlementFeePercent = 300
	h := newHarness(t, params)
	owner, holder := uuid.New(), uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 4, 1750, 1100, 0)
	p := h.borrow(owner, 100, 875, nil)
	h.transferPegged(owner, holder, 40)

	// 1:5 puts the position exactly at MCR: callable, not a black swan
	fx := h.publish(1, 5, 1750, 1100, 1)
	require.Len(factsOf[*event.MarginCallTriggered](fx), 1)
	require.False(h.market.IsGloballySettled())

	// 1:4 raises the collateral's value again
	h.publish(1, 4, 1750, 1100, 2)
	require.False(h.market.IsGloballySettled())

	// 875 < 100 * 9
	fx = h.publish(1, 9, 1750, 1100, 3)
	require.True(h.market.IsGloballySettled())
	gs := factsOf[*event.GlobalSettlement](fx)
	require.Len(gs, 1)
	require.Len(gs[0].Positions, 1)
	require.Equal(p.ID, gs[0].Positions[0].PositionID)

	require.Zero(h.market.Calls.Len())
	require.Equal(int64(875), h.market.SettlementFund)
	require.Equal(int64(100), h.market.SettlementDebt)
	require.NotNil(h.market.GlobalSettlementPrice)
	require.Equal(int64(9), h.market.GlobalSettlementPrice.Quote.Amount)
	require.Empty(h.market.Triggered())

	_, err := h.apply(func(fx *state.Effects) error {
		_, err := h.market.Borrow(state.BorrowRequest{Owner: owner, DebtAmount: 1, CollateralAmount: 100}, h.balances, fx)
		return err
	})
	require.ErrorIs(err, state.ErrAssetFrozen)

	// redemption: floor(40 * 875 / 100) = 350, 3% fee = 10
	fx = h.mustApply(func(fx *state.Effects) error {
		_, err := h.market.Settle(holder, 40, 4, h.balances, fx)
		return err
	})
	redeems := factsOf[*event.GlobalSettlementRedeem](fx)
	require.Len(redeems, 1)
	require.Equal(int64(340), redeems[0].Collateral)
	require.Equal(int64(10), redeems[0].Fee)
	require.Equal(int64(525), h.market.SettlementFund)
	require.Equal(int64(60), h.market.SettlementDebt)

	_, err = h.apply(func(fx *state.Effects) error {
		_, err := h.market.Settle(owner, 61, 5, h.balances, fx)
		return err
	})
	require.ErrorIs(err, state.ErrInsufficientBalance)

	// last redeemer takes the remainder of the fund
	h.mustApply(func(fx *state.Effects) error {
		_, err := h.market.Settle(owner, 60, 5, h.balances, fx)
		return err
	})
	require.Zero(h.market.SettlementFund)
	require.Zero(h.market.SettlementDebt)
}

func TestBlackSwan_UnaffordableMarginCallFreezesBeforeFilling(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.MarginCallFeeRatio = 500 // 5%
	h := newHarness(t, params)
	a, b, seller := uuid.New(), uuid.New(), uuid.New()
	h.deposit(a, 10_000)
	h.deposit(b, 10_000)
	h.publish(1, 10, 1750, 1500, 0)
	pa := h.borrow(a, 100, 1_800, nil)
	pb := h.borrow(b, 100, 1_760, nil)
	h.transferPegged(a, seller, 100)
	h.transferPegged(b, seller, 50)

	// 1:17 calls both; neither is below its debt value at the feed
	fx := h.publish(1, 17, 1750, 1500, 1)
	require.Len(factsOf[*event.MarginCallTriggered](fx), 2)
	require.False(h.market.IsGloballySettled())

	// MSSP = 25.5; closing b at 25 costs 2500 + 125 fee of its 1760
	var outcome state.MatchOutcome
	fx = h.mustApply(func(fx *state.Effects) error {
		var err error
		outcome, err = h.market.MatchLimitOrder(state.LimitOrder{
			OrderID: "o-swan",
			Seller:  seller,
			Amount:  150,
			Price:   ledger.NewPrice(1, h.market.AssetID, 25, h.core),
		}, h.balances, fx)
		return err
	})

	require.Equal(state.MatchTriggeredGlobalSettlement, outcome.Kind)
	require.Empty(outcome.Fills)
	require.Zero(outcome.Filled)
	require.Equal(int64(150), outcome.Remaining)
	require.Empty(factsOf[*event.MarginCallFill](fx))

	gs := factsOf[*event.GlobalSettlement](fx)
	require.Len(gs, 1)
	converted := make(map[uint64]event.ConvertedPosition)
	for _, p := range gs[0].Positions {
		converted[p.PositionID] = p
	}
	require.Len(converted, 2)
	require.Equal(int64(100), converted[pa.ID].Debt)
	require.Equal(int64(1_800), converted[pa.ID].Collateral)
	require.Equal(int64(100), converted[pb.ID].Debt)
	require.Equal(int64(1_760), converted[pb.ID].Collateral)

	require.True(h.market.IsGloballySettled())
	require.Equal(int64(3_560), h.market.SettlementFund)
	require.Equal(int64(200), h.market.SettlementDebt)
	require.Equal(int64(17), h.market.GlobalSettlementPrice.Quote.Amount)
	require.Zero(h.market.AccumulatedCollateralFees)

	// the seller keeps the whole order and receives nothing
	require.Equal(int64(150), h.available(seller, h.market.AssetID))
	require.Zero(h.available(seller, h.core))
}

func TestBlackSwan_PendingSettlementsRefunded(t *testing.T) {
	require := require.New(t)
	h := newHarness(t, defaultParams())
	owner, settler := uuid.New(), uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)
	h.borrow(owner, 100, 2_000, nil)
	h.transferPegged(owner, settler, 30)

	h.mustApply(func(fx *state.Effects) error {
		_, err := h.market.Settle(settler, 30, 1, h.balances, fx)
		return err
	})

	fx := h.publish(1, 25, 1750, 1100, 2)
	require.True(h.market.IsGloballySettled())
	cancelled := factsOf[*event.ForceSettlementCancelled](fx)
	require.Len(cancelled, 1)
	require.Equal("global_settlement", cancelled[0].Reason)
	require.Equal(int64(30), h.available(settler, h.market.AssetID))
	require.Zero(h.market.Settlements.Len())
}

func TestFeedExpiry_DoesNotTriggerBlackSwan(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.FeedLifetime = 100
	h := newHarness(t, params)
	owner := uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 10, 1750, 1100, 0)
	h.borrow(owner, 100, 1_800, nil)
	h.publish(1, 11, 1750, 1100, 50)
	require.Len(h.market.Triggered(), 1)

	fx := h.mustApply(func(fx *state.Effects) error {
		h.arena.ClearExpired(151, fx)
		return nil
	})
	require.Nil(h.market.CurrentFeed)
	require.Len(factsOf[*event.FeedExpired](fx), 1)
	cancelled := factsOf[*event.MarginCallCancelled](fx)
	require.Len(cancelled, 1)
	require.Equal("feed_expired", cancelled[0].Reason)
	require.False(h.market.IsGloballySettled())
	require.Empty(factsOf[*event.GlobalSettlement](fx))
}

// ============================================================================
// Test: Collateral bids and revival
// ============================================================================

// frozenMarket returns a market globally settled with 1000 debt and a 20000
// collateral fund at 1:25.
func frozenMarket(t *testing.T, params state.MarketParams) *harness {
	h := newHarness(t, params)
	owner := uuid.New()
	h.deposit(owner, 20_000)
	h.publish(1, 10, 1750, 1100, 0)
	h.borrow(owner, 1_000, 20_000, nil)
	h.publish(1, 25, 1750, 1100, 1)
	require.True(t, h.market.IsGloballySettled())
	return h
}

func (h *harness) bid(bidder uuid.UUID, collateral, debt int64) error {
	_, err := h.apply(func(fx *state.Effects) error {
		_, err := h.market.BidCollateral(bidder, collateral, debt, h.balances, fx)
		return err
	})
	return err
}

func TestCollateralBid_Validation(t *testing.T) {
	require := require.New(t)

	active := newHarness(t, defaultParams())
	require.ErrorIs(active.bid(uuid.New(), 100, 10), state.ErrNotGloballySettled)

	disabled := defaultParams()
	disabled.DisableCollateralBidding = true
	require.ErrorIs(frozenMarket(t, disabled).bid(uuid.New(), 100, 10), state.ErrBiddingDisabled)

	h := frozenMarket(t, defaultParams())
	bidder := uuid.New()
	h.deposit(bidder, 50_000)

	require.ErrorIs(h.bid(bidder, 17_499, 700), state.ErrBidPriceBelowSettlement)
	require.ErrorIs(h.bid(bidder, 30_000, 1_001), state.ErrInvalidAmount)
	require.ErrorIs(h.bid(bidder, 0, 0), state.ErrNotFound)

	require.NoError(h.bid(bidder, 17_500, 700))
	require.Equal(int64(32_500), h.available(bidder, h.core))

	// replacing refunds the prior bid
	require.NoError(h.bid(bidder, 20_000, 800))
	require.Equal(1, h.market.Bids.Len())
	require.Equal(int64(30_000), h.available(bidder, h.core))

	// zero collateral withdraws
	require.NoError(h.bid(bidder, 0, 0))
	require.Zero(h.market.Bids.Len())
	require.Equal(int64(50_000), h.available(bidder, h.core))
}

func TestRevival_PartiallyConsumesLastBid(t *testing.T) {
	require := require.New(t)
	h := frozenMarket(t, defaultParams())
	first, second := uuid.New(), uuid.New()
	h.deposit(first, 17_500)
	h.deposit(second, 10_000)

	// equal prices: the earlier bid is consumed first
	require.NoError(h.bid(first, 17_500, 700))
	require.NoError(h.bid(second, 10_000, 400))

	// collateral recovers before maintenance
	h.publish(1, 10, 1750, 1100, 2)

	fx := h.mustApply(func(fx *state.Effects) error {
		h.arena.RunMaintenance(3, fx)
		return nil
	})
	require.False(h.market.IsGloballySettled())
	require.Zero(h.market.SettlementFund)
	require.Zero(h.market.SettlementDebt)
	require.Nil(h.market.GlobalSettlementPrice)

	revivals := factsOf[*event.Revival](fx)
	require.Len(revivals, 1)
	positions := revivals[0].Positions
	require.Len(positions, 2)

	require.Equal(first, positions[0].Owner)
	require.Equal(int64(700), positions[0].Debt)
	require.Equal(int64(17_500), positions[0].BidCollateral)
	require.Equal(int64(14_000), positions[0].FundShare)
	require.Zero(positions[0].CollateralReturned)

	require.Equal(second, positions[1].Owner)
	require.Equal(int64(300), positions[1].Debt)
	require.Equal(int64(7_500), positions[1].BidCollateral)
	require.Equal(int64(6_000), positions[1].FundShare)
	require.Equal(int64(2_500), positions[1].CollateralReturned)
	require.Equal(int64(2_500), h.available(second, h.core))

	require.Equal(2, h.market.Calls.Len())
	require.Equal(int64(1_000), h.market.Calls.TotalDebt())
	require.Zero(h.market.Bids.Len())
}

func TestRevival_SweepCancelsOnlyUndercollateralizedBids(t *testing.T) {
	require := require.New(t)
	h := frozenMarket(t, defaultParams())
	rich, thin := uuid.New(), uuid.New()
	h.deposit(rich, 50_000)
	h.deposit(thin, 7_500)

	// both bids meet the frozen price of 25 per unit
	require.NoError(h.bid(rich, 50_000, 700))
	require.NoError(h.bid(thin, 7_500, 300))

	// at 1:40 the thin bid plus its fund share (7500 + 6000) is below MCR
	h.publish(1, 40, 1750, 1100, 2)
	fx := h.mustApply(func(fx *state.Effects) error {
		h.arena.RunMaintenance(3, fx)
		return nil
	})

	cancelled := factsOf[*event.CollateralBidCancelled](fx)
	require.Len(cancelled, 1)
	require.Equal(thin, cancelled[0].Bidder)
	require.Equal("undercollateralized", cancelled[0].Reason)
	require.Equal(int64(7_500), h.available(thin, h.core))

	// the remaining bid no longer covers the debt
	require.True(h.market.IsGloballySettled())
	require.Empty(factsOf[*event.Revival](fx))
	require.Equal(1, h.market.Bids.Len())
	_, ok := h.market.Bids.GetByBidder(rich)
	require.True(ok)
}

func TestRevival_InsufficientCoverageConsumesNothing(t *testing.T) {
	require := require.New(t)
	h := frozenMarket(t, defaultParams())
	bidder := uuid.New()
	h.deposit(bidder, 17_500)
	require.NoError(h.bid(bidder, 17_500, 700))
	h.publish(1, 10, 1750, 1100, 2)

	fx := h.mustApply(func(fx *state.Effects) error {
		h.arena.RunMaintenance(3, fx)
		return nil
	})
	require.True(h.market.IsGloballySettled())
	require.Empty(factsOf[*event.Revival](fx))
	require.Equal(1, h.market.Bids.Len())
	require.Equal(int64(20_000), h.market.SettlementFund)
}

func TestRunMaintenance_Idempotent(t *testing.T) {
	require := require.New(t)
	h := frozenMarket(t, defaultParams())
	bidder := uuid.New()
	h.deposit(bidder, 30_000)
	require.NoError(h.bid(bidder, 30_000, 1_000))
	h.publish(1, 10, 1750, 1100, 2)

	fx := h.mustApply(func(fx *state.Effects) error {
		require.True(h.arena.RunMaintenance(5, fx))
		return nil
	})
	require.NotEmpty(fx.Facts)
	snapshot := h.arena.Snapshot()
	balances := h.balances.Snapshot()

	fx = h.mustApply(func(fx *state.Effects) error {
		require.False(h.arena.RunMaintenance(5, fx))
		return nil
	})
	require.Empty(fx.Facts)
	require.Zero(fx.Batch.Len())
	require.Equal(snapshot, h.arena.Snapshot())
	require.Equal(balances, h.balances.Snapshot())
}

func TestClaimCollateralFees(t *testing.T) {
	require := require.New(t)
	params := defaultParams()
	params.ForceSettlementFeePercent = 300
	h := newHarness(t, params)
	owner := uuid.New()
	h.deposit(owner, 10_000)
	h.publish(1, 20, 1750, 1100, 0)
	h.borrow(owner, 100, 4_000, nil)
	h.mustApply(func(fx *state.Effects) error {
		_, err := h.market.Settle(owner, 100, 0, h.balances, fx)
		return err
	})
	h.mustApply(func(fx *state.Effects) error {
		h.arena.ClearExpired(1_000, fx)
		return nil
	})
	require.Equal(int64(60), h.market.AccumulatedCollateralFees)

	_, err := h.apply(func(fx *state.Effects) error {
		return h.market.ClaimCollateralFees(owner, 10, fx)
	})
	require.ErrorIs(err, state.ErrUnauthorized)

	_, err = h.apply(func(fx *state.Effects) error {
		return h.market.ClaimCollateralFees(h.issuer, 61, fx)
	})
	require.ErrorIs(err, state.ErrInsufficientBalance)

	h.mustApply(func(fx *state.Effects) error {
		return h.market.ClaimCollateralFees(h.issuer, 60, fx)
	})
	require.Equal(int64(60), h.available(h.issuer, h.core))
	require.Zero(h.market.AccumulatedCollateralFees)
}
