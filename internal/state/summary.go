package state

import (
	"github.com/google/uuid"
)

// MarketSummary is a read-only view of one market for projections and
// caches. Prices are display decimals of collateral per debt unit.
type MarketSummary struct {
	Symbol                     string    `json:"symbol"`
	AssetID                    uint16    `json:"asset_id"`
	Issuer                     uuid.UUID `json:"issuer"`
	BackingAsset               uint16    `json:"backing_asset"`
	Status                     string    `json:"status"`
	FeedPrice                  string    `json:"feed_price,omitempty"`
	MaintenanceCollateralRatio int64     `json:"maintenance_collateral_ratio,omitempty"`
	MaximumShortSqueezeRatio   int64     `json:"maximum_short_squeeze_ratio,omitempty"`
	Positions                  int       `json:"positions"`
	TotalDebt                  int64     `json:"total_debt"`
	TotalCollateral            int64     `json:"total_collateral"`
	PendingSettlements         int       `json:"pending_settlements"`
	PendingSettlementBalance   int64     `json:"pending_settlement_balance"`
	CollateralBids             int       `json:"collateral_bids"`
	SettlementFund             int64     `json:"settlement_fund"`
	SettlementDebt             int64     `json:"settlement_debt"`
	GlobalSettlementPrice      string    `json:"global_settlement_price,omitempty"`
	AccumulatedCollateralFees  int64     `json:"accumulated_collateral_fees"`
	ForceSettledVolume         int64     `json:"force_settled_volume"`
}

// Summary captures the market's current state.
func (m *Market) Summary() MarketSummary {
	s := MarketSummary{
		Symbol:                    m.Symbol,
		AssetID:                   uint16(m.AssetID),
		Issuer:                    m.Issuer,
		BackingAsset:              uint16(m.BackingAsset),
		Status:                    m.Status.String(),
		Positions:                 m.Calls.Len(),
		TotalDebt:                 m.Calls.TotalDebt(),
		TotalCollateral:           m.Calls.TotalCollateral(),
		PendingSettlements:        m.Settlements.Len(),
		PendingSettlementBalance:  m.Settlements.TotalBalance(),
		CollateralBids:            m.Bids.Len(),
		SettlementFund:            m.SettlementFund,
		SettlementDebt:            m.SettlementDebt,
		AccumulatedCollateralFees: m.AccumulatedCollateralFees,
		ForceSettledVolume:        m.ForceSettledVolume,
	}
	if m.CurrentFeed != nil {
		s.FeedPrice = m.CurrentFeed.SettlementPrice.Decimal().String()
		s.MaintenanceCollateralRatio = m.CurrentFeed.MaintenanceCollateralRatio
		s.MaximumShortSqueezeRatio = m.CurrentFeed.MaximumShortSqueezeRatio
	}
	if m.GlobalSettlementPrice != nil {
		s.GlobalSettlementPrice = m.GlobalSettlementPrice.Decimal().String()
	}
	return s
}

// OwnerHoldings lists one owner's open objects in a market.
type OwnerHoldings struct {
	Symbol      string            `json:"symbol"`
	Position    *CallPosition     `json:"position,omitempty"`
	Settlements []ForceSettlement `json:"settlements,omitempty"`
	Bid         *CollateralBid    `json:"bid,omitempty"`
}

// Holdings returns copies of owner's positions, pending settlements and bids,
// one entry per market where the owner has any, ordered by asset id.
func (a *Arena) Holdings(owner uuid.UUID) []OwnerHoldings {
	var out []OwnerHoldings
	for _, m := range a.Markets() {
		h := OwnerHoldings{Symbol: m.Symbol}
		if p, ok := m.Calls.GetByOwner(owner); ok {
			cp := *p
			h.Position = &cp
		}
		for _, s := range m.Settlements.All() {
			if s.Owner == owner {
				h.Settlements = append(h.Settlements, *s)
			}
		}
		if b, ok := m.Bids.GetByBidder(owner); ok {
			cb := *b
			h.Bid = &cb
		}
		if h.Position != nil || len(h.Settlements) > 0 || h.Bid != nil {
			out = append(out, h)
		}
	}
	return out
}
