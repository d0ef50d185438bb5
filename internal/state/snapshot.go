package state

import (
	"fmt"

	"PegLedger/internal/ledger"

	"github.com/google/uuid"
)

// MarketSnapshot is the persisted form of one market aggregate.
type MarketSnapshot struct {
	AssetID                   ledger.AssetID    `json:"asset_id"`
	BackingAsset              ledger.AssetID    `json:"backing_asset"`
	Params                    MarketParams      `json:"params"`
	Producers                 []uuid.UUID       `json:"producers"`
	Feeds                     []PublishedFeed   `json:"feeds"`
	CurrentFeed               *PriceFeed        `json:"current_feed,omitempty"`
	Positions                 []CallPosition    `json:"positions"`
	Settlements               []ForceSettlement `json:"settlements"`
	Bids                      []CollateralBid   `json:"bids"`
	Status                    MarketStatus      `json:"status"`
	SettlementFund            int64             `json:"settlement_fund"`
	SettlementDebt            int64             `json:"settlement_debt"`
	GlobalSettlementPrice     *ledger.Price     `json:"global_settlement_price,omitempty"`
	AccumulatedCollateralFees int64             `json:"accumulated_collateral_fees"`
	ForceSettledVolume        int64             `json:"force_settled_volume"`
	Triggered                 []uint64          `json:"triggered"`
}

// ArenaSnapshot is the persisted form of all asset state.
type ArenaSnapshot struct {
	Assets          []Asset          `json:"assets"`
	Markets         []MarketSnapshot `json:"markets"`
	IDs             ObjectIDs        `json:"ids"`
	LastMaintenance int64            `json:"last_maintenance"`
}

func (m *Market) Snapshot() MarketSnapshot {
	snap := MarketSnapshot{
		AssetID:                   m.AssetID,
		BackingAsset:              m.BackingAsset,
		Params:                    m.Params,
		Producers:                 m.Feeds.Producers(),
		Feeds:                     m.Feeds.Feeds(),
		CurrentFeed:               m.CurrentFeed,
		Status:                    m.Status,
		SettlementFund:            m.SettlementFund,
		SettlementDebt:            m.SettlementDebt,
		GlobalSettlementPrice:     m.GlobalSettlementPrice,
		AccumulatedCollateralFees: m.AccumulatedCollateralFees,
		ForceSettledVolume:        m.ForceSettledVolume,
		Triggered:                 m.Triggered(),
	}
	for _, p := range m.Calls.All() {
		snap.Positions = append(snap.Positions, *p)
	}
	for _, s := range m.Settlements.All() {
		snap.Settlements = append(snap.Settlements, *s)
	}
	for _, b := range m.Bids.All() {
		snap.Bids = append(snap.Bids, *b)
	}
	return snap
}

func (a *Arena) Snapshot() ArenaSnapshot {
	snap := ArenaSnapshot{IDs: a.ids, LastMaintenance: a.lastMaintenance}
	for _, asset := range a.Assets() {
		snap.Assets = append(snap.Assets, *asset)
	}
	for _, m := range a.Markets() {
		snap.Markets = append(snap.Markets, m.Snapshot())
	}
	return snap
}

// RestoreArena rebuilds the arena from a snapshot.
func RestoreArena(snap ArenaSnapshot) (*Arena, error) {
	a := NewArena()
	a.ids = snap.IDs
	a.lastMaintenance = snap.LastMaintenance

	for _, asset := range snap.Assets {
		id, err := a.register(asset.Symbol)
		if err != nil {
			return nil, err
		}
		if id != asset.ID {
			return nil, fmt.Errorf("asset %s restored as id %d, snapshot has %d", asset.Symbol, id, asset.ID)
		}
		restored := asset
		a.assets[id] = &restored
	}

	for _, ms := range snap.Markets {
		asset, ok := a.assets[ms.AssetID]
		if !ok || !asset.MarketPegged {
			return nil, fmt.Errorf("market %d has no pegged asset record", ms.AssetID)
		}
		m := NewMarket(ms.AssetID, asset.Symbol, asset.Issuer, ms.BackingAsset, ms.Params, ms.Producers, &a.ids)
		m.Feeds.Restore(ms.Feeds)
		m.CurrentFeed = ms.CurrentFeed
		m.Status = ms.Status
		m.SettlementFund = ms.SettlementFund
		m.SettlementDebt = ms.SettlementDebt
		m.GlobalSettlementPrice = ms.GlobalSettlementPrice
		m.AccumulatedCollateralFees = ms.AccumulatedCollateralFees
		m.ForceSettledVolume = ms.ForceSettledVolume
		for i := range ms.Positions {
			p := ms.Positions[i]
			m.Calls.Insert(&p)
		}
		for i := range ms.Settlements {
			s := ms.Settlements[i]
			m.Settlements.Insert(&s)
		}
		for i := range ms.Bids {
			b := ms.Bids[i]
			m.Bids.Insert(&b)
		}
		for _, id := range ms.Triggered {
			m.triggered[id] = struct{}{}
		}
		a.markets[ms.AssetID] = m
	}
	return a, nil
}
