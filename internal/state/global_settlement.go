package state

import (
	"fmt"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
)

// checkBlackSwan freezes the market when the least collateralized position
// cannot repurchase its debt at the current settlement price. It reports
// whether the transition fired.
func (m *Market) checkBlackSwan(fx *Effects) bool {
	if m.IsGloballySettled() || m.CurrentFeed == nil {
		return false
	}
	worst, ok := m.Calls.Worst()
	if !ok || !worst.IsUndercollateralized(m.CurrentFeed.SettlementPrice) {
		return false
	}
	m.globalSettle(m.CurrentFeed.SettlementPrice, fx)
	return true
}

// globalSettle closes every position at once: all collateral moves to the
// settlement fund and all debt becomes settlement debt. No fee or offset
// applies. Pending settlements are refunded and triggers withdrawn.
func (m *Market) globalSettle(price ledger.Price, fx *Effects) {
	positions := m.Calls.All()
	converted := make([]event.ConvertedPosition, 0, len(positions))
	var totalDebt, totalCollateral int64
	for _, p := range positions {
		converted = append(converted, event.ConvertedPosition{
			PositionID: p.ID,
			Owner:      p.Owner,
			Debt:       p.Debt,
			Collateral: p.Collateral,
		})
		totalDebt += p.Debt
		totalCollateral += p.Collateral
		fx.removed(ObjectCallPosition, p.ID)
	}

	fx.Batch.Transfer(m.fundAccount(), m.collateralPool(), totalCollateral, ledger.JournalTypeGlobalSettlement)
	m.Calls.Clear()
	m.SettlementFund += totalCollateral
	m.SettlementDebt += totalDebt

	frozen := price
	m.GlobalSettlementPrice = &frozen
	m.transition(MarketStatusGloballySettled)

	for _, s := range m.Settlements.All() {
		m.cancelSettlement(s, "global_settlement", fx)
	}
	m.ForceSettledVolume = 0
	m.syncTriggers(fx)

	fx.Emit(&event.GlobalSettlement{
		Asset:           m.AssetID,
		SettlementPrice: frozen,
		Positions:       converted,
		SettlementFund:  m.SettlementFund,
		SettlementDebt:  m.SettlementDebt,
	})
}

// CheckInvariants verifies the market's bookkeeping against the ledger.
// Violations are programming errors.
func (m *Market) CheckInvariants(balances Balances) error {
	if m.SettlementFund > 0 && !m.IsGloballySettled() {
		return fmt.Errorf("market %s: settlement fund %d while active", m.Symbol, m.SettlementFund)
	}
	if m.IsGloballySettled() && m.Calls.Len() > 0 {
		return fmt.Errorf("market %s: %d positions while globally settled", m.Symbol, m.Calls.Len())
	}
	if m.SettlementFund < 0 || m.SettlementDebt < 0 {
		return fmt.Errorf("market %s: negative fund %d or settlement debt %d", m.Symbol, m.SettlementFund, m.SettlementDebt)
	}

	checks := []struct {
		name    string
		tracked int64
		ledger  int64
	}{
		{"call collateral", m.Calls.TotalCollateral(), balances.GetBalance(m.collateralPool())},
		{"settlement fund", m.SettlementFund, balances.GetBalance(m.fundAccount())},
		{"collateral fees", m.AccumulatedCollateralFees, balances.GetBalance(m.feePool())},
		{"settle escrow", m.Settlements.TotalBalance(), balances.GetBalance(m.settleEscrow())},
		{"bid escrow", m.Bids.TotalCollateral(), balances.GetBalance(m.bidEscrow())},
		{"supply", m.Calls.TotalDebt() + m.SettlementDebt, balances.GetSupply(m.AssetID)},
	}
	for _, c := range checks {
		if c.tracked != c.ledger {
			return fmt.Errorf("market %s: %s tracked %d, ledger %d", m.Symbol, c.name, c.tracked, c.ledger)
		}
	}
	return nil
}
