package state

import (
	"fmt"

	"PegLedger/internal/ledger"

	"github.com/google/uuid"
)

// Asset is a registered asset. Market-pegged assets also have a Market.
type Asset struct {
	ID           ledger.AssetID `json:"id"`
	Symbol       string         `json:"symbol"`
	Issuer       uuid.UUID      `json:"issuer"`
	MarketPegged bool           `json:"market_pegged"`
}

// Arena owns every asset and market aggregate, indexed by asset id. Markets
// are visited in ascending id order.
type Arena struct {
	Registry        *ledger.AssetRegistry
	assets          map[ledger.AssetID]*Asset
	markets         map[ledger.AssetID]*Market
	order           []ledger.AssetID
	ids             ObjectIDs
	lastMaintenance int64
}

func NewArena() *Arena {
	return &Arena{
		Registry: ledger.NewAssetRegistry(),
		assets:   make(map[ledger.AssetID]*Asset),
		markets:  make(map[ledger.AssetID]*Market),
	}
}

// CreatePlainAsset registers an asset that is not backed by positions.
func (a *Arena) CreatePlainAsset(symbol string, issuer uuid.UUID) (*Asset, error) {
	id, err := a.register(symbol)
	if err != nil {
		return nil, err
	}
	asset := &Asset{ID: id, Symbol: symbol, Issuer: issuer}
	a.assets[id] = asset
	return asset, nil
}

// CreateMarket registers a market-pegged asset backed by backingSymbol.
func (a *Arena) CreateMarket(symbol string, issuer uuid.UUID, backingSymbol string, params MarketParams, producers []uuid.UUID) (*Market, error) {
	backing, ok := a.Registry.GetAssetID(backingSymbol)
	if !ok {
		return nil, fmt.Errorf("backing asset %q: %w", backingSymbol, ErrUnknownAsset)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	id, err := a.register(symbol)
	if err != nil {
		return nil, err
	}

	a.assets[id] = &Asset{ID: id, Symbol: symbol, Issuer: issuer, MarketPegged: true}
	m := NewMarket(id, symbol, issuer, backing, params, producers, &a.ids)
	a.markets[id] = m
	return m, nil
}

func (a *Arena) register(symbol string) (ledger.AssetID, error) {
	id, err := a.Registry.Register(symbol)
	if err != nil {
		return 0, fmt.Errorf("%v: %w", err, ErrInvalidParams)
	}
	a.order = append(a.order, id)
	return id, nil
}

func (a *Arena) Asset(symbol string) (*Asset, error) {
	id, ok := a.Registry.GetAssetID(symbol)
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", symbol, ErrUnknownAsset)
	}
	return a.assets[id], nil
}

func (a *Arena) AssetByID(id ledger.AssetID) (*Asset, bool) {
	asset, ok := a.assets[id]
	return asset, ok
}

// Market resolves a market-pegged asset by symbol.
func (a *Arena) Market(symbol string) (*Market, error) {
	id, ok := a.Registry.GetAssetID(symbol)
	if !ok {
		return nil, fmt.Errorf("asset %q: %w", symbol, ErrUnknownAsset)
	}
	m, ok := a.markets[id]
	if !ok {
		return nil, fmt.Errorf("asset %q is not market-pegged: %w", symbol, ErrUnknownAsset)
	}
	return m, nil
}

func (a *Arena) MarketByID(id ledger.AssetID) (*Market, bool) {
	m, ok := a.markets[id]
	return m, ok
}

// Markets returns every market in ascending asset id order.
func (a *Arena) Markets() []*Market {
	out := make([]*Market, 0, len(a.markets))
	for _, id := range a.order {
		if m, ok := a.markets[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Assets returns every asset in ascending id order.
func (a *Arena) Assets() []*Asset {
	out := make([]*Asset, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.assets[id])
	}
	return out
}

// MarketOfSettlement finds the market holding a pending settlement.
func (a *Arena) MarketOfSettlement(id uint64) (*Market, bool) {
	for _, m := range a.Markets() {
		if _, ok := m.Settlements.Get(id); ok {
			return m, true
		}
	}
	return nil, false
}

func (a *Arena) IDs() ObjectIDs {
	return a.ids
}

func (a *Arena) LastMaintenance() int64 {
	return a.lastMaintenance
}

// ClearExpired is the per-block hook: it re-aggregates every feed at now
// and executes force settlements that are due.
func (a *Arena) ClearExpired(now int64, fx *Effects) {
	for _, m := range a.Markets() {
		m.RefreshFeed(now, fx)
		m.ProcessDueSettlements(now, fx)
	}
}

// RunMaintenance clears expired state, resets the force settlement volume
// window and runs revival for every globally settled market. A pass at a
// time not after the previous one has no effect; it reports whether it ran.
func (a *Arena) RunMaintenance(now int64, fx *Effects) bool {
	if now <= a.lastMaintenance {
		return false
	}
	a.ClearExpired(now, fx)
	for _, m := range a.Markets() {
		m.ForceSettledVolume = 0
	}
	for _, m := range a.Markets() {
		m.Revive(fx)
	}
	a.lastMaintenance = now
	return true
}

// CheckInvariants runs every market's bookkeeping check.
func (a *Arena) CheckInvariants(balances Balances) error {
	for _, m := range a.Markets() {
		if err := m.CheckInvariants(balances); err != nil {
			return err
		}
	}
	return nil
}
