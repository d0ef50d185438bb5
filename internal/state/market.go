package state

import (
	"fmt"
	"slices"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"

	"github.com/google/uuid"
)

// MarketStatus is the black-swan state machine of one pegged asset.
type MarketStatus int32

const (
	MarketStatusActive MarketStatus = iota
	MarketStatusGloballySettled
)

func (s MarketStatus) String() string {
	switch s {
	case MarketStatusActive:
		return "Active"
	case MarketStatusGloballySettled:
		return "GloballySettled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s MarketStatus) CanTransitionTo(next MarketStatus) bool {
	switch s {
	case MarketStatusActive:
		return next == MarketStatusGloballySettled
	case MarketStatusGloballySettled:
		return next == MarketStatusActive
	default:
		return false
	}
}

// Balances is the read side of the ledger the market validates against.
type Balances interface {
	GetBalance(key ledger.AccountKey) int64
	GetSupply(market ledger.AssetID) int64
}

// ObjectIDs are the deterministic id counters shared by all markets.
type ObjectIDs struct {
	NextCallID       uint64 `json:"next_call_id"`
	NextSettlementID uint64 `json:"next_settlement_id"`
	NextBidID        uint64 `json:"next_bid_id"`
}

func (ids *ObjectIDs) call() uint64 {
	ids.NextCallID++
	return ids.NextCallID
}

func (ids *ObjectIDs) settlement() uint64 {
	ids.NextSettlementID++
	return ids.NextSettlementID
}

func (ids *ObjectIDs) bid() uint64 {
	ids.NextBidID++
	return ids.NextBidID
}

// Market is the aggregate of one market-pegged asset. It is only mutated by
// the operation currently being applied.
type Market struct {
	AssetID      ledger.AssetID
	Symbol       string
	Issuer       uuid.UUID
	BackingAsset ledger.AssetID
	Params       MarketParams

	Feeds       *FeedAggregator
	CurrentFeed *PriceFeed

	Calls       *CallBook
	Settlements *SettlementQueue
	Bids        *BidBook

	Status                    MarketStatus
	SettlementFund            int64
	SettlementDebt            int64 // debt extinguished by global settlement, still redeemable
	GlobalSettlementPrice     *ledger.Price
	AccumulatedCollateralFees int64
	ForceSettledVolume        int64

	// positions announced as callable and not yet withdrawn
	triggered map[uint64]struct{}
	ids       *ObjectIDs
}

func NewMarket(
	assetID ledger.AssetID,
	symbol string,
	issuer uuid.UUID,
	backing ledger.AssetID,
	params MarketParams,
	producers []uuid.UUID,
	ids *ObjectIDs,
) *Market {
	return &Market{
		AssetID:      assetID,
		Symbol:       symbol,
		Issuer:       issuer,
		BackingAsset: backing,
		Params:       params,
		Feeds:        NewFeedAggregator(producers, params.FeedLifetime, params.MinimumFeeds),
		Calls:        NewCallBook(),
		Settlements:  NewSettlementQueue(),
		Bids:         NewBidBook(),
		triggered:    make(map[uint64]struct{}),
		ids:          ids,
	}
}

func (m *Market) IsGloballySettled() bool {
	return m.Status == MarketStatusGloballySettled
}

func (m *Market) transition(next MarketStatus) {
	if !m.Status.CanTransitionTo(next) {
		panic(fmt.Sprintf("FATAL: market %s: invalid transition %s -> %s", m.Symbol, m.Status, next))
	}
	m.Status = next
}

// Pool accounts of the market.

func (m *Market) collateralPool() ledger.AccountKey {
	return ledger.NewMarketAccountKey(m.AssetID, ledger.SubTypeCallCollateral, m.BackingAsset)
}

func (m *Market) feePool() ledger.AccountKey {
	return ledger.NewMarketAccountKey(m.AssetID, ledger.SubTypeCollateralFees, m.BackingAsset)
}

func (m *Market) fundAccount() ledger.AccountKey {
	return ledger.NewMarketAccountKey(m.AssetID, ledger.SubTypeSettlementFund, m.BackingAsset)
}

func (m *Market) settleEscrow() ledger.AccountKey {
	return ledger.NewMarketAccountKey(m.AssetID, ledger.SubTypeSettleEscrow, m.AssetID)
}

func (m *Market) bidEscrow() ledger.AccountKey {
	return ledger.NewMarketAccountKey(m.AssetID, ledger.SubTypeBidEscrow, m.BackingAsset)
}

// ObjectKind names the objects an operation can create or remove.
type ObjectKind int32

const (
	ObjectCallPosition ObjectKind = iota
	ObjectForceSettlement
	ObjectCollateralBid
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectCallPosition:
		return "call_position"
	case ObjectForceSettlement:
		return "force_settlement"
	case ObjectCollateralBid:
		return "collateral_bid"
	default:
		return "unknown"
	}
}

type ObjectRef struct {
	Kind ObjectKind `json:"kind"`
	ID   uint64     `json:"id"`
}

// Effects collects the balance legs, facts and object changes of one operation.
type Effects struct {
	Batch   *ledger.BatchBuilder
	Facts   []event.Fact
	Created []ObjectRef
	Updated []ObjectRef
	Removed []ObjectRef
}

func NewEffects(batch *ledger.BatchBuilder) *Effects {
	return &Effects{Batch: batch}
}

func (fx *Effects) Emit(f event.Fact) {
	fx.Facts = append(fx.Facts, f)
}

func (fx *Effects) created(kind ObjectKind, id uint64) {
	fx.Created = append(fx.Created, ObjectRef{Kind: kind, ID: id})
}

func (fx *Effects) updated(kind ObjectKind, id uint64) {
	fx.Updated = append(fx.Updated, ObjectRef{Kind: kind, ID: id})
}

func (fx *Effects) removed(kind ObjectKind, id uint64) {
	fx.Removed = append(fx.Removed, ObjectRef{Kind: kind, ID: id})
}

// UpdateParams replaces the issuer-controlled parameters and re-aggregates
// the feed at now.
func (m *Market) UpdateParams(params MarketParams, now int64, fx *Effects) {
	m.Params = params
	m.Feeds.SetLifetime(params.FeedLifetime, params.MinimumFeeds)
	m.RefreshFeed(now, fx)
}

// UpdateProducers replaces the producer set and re-aggregates the feed.
func (m *Market) UpdateProducers(producers []uuid.UUID, now int64, fx *Effects) {
	m.Feeds.SetProducers(producers)
	m.RefreshFeed(now, fx)
}

// PublishFeed stores the producer's feed and runs the post-feed checks.
func (m *Market) PublishFeed(producer uuid.UUID, payload event.FeedPayload, now int64, fx *Effects) error {
	feed := NewPriceFeed(payload, m.AssetID, m.BackingAsset)
	if err := m.Feeds.Publish(producer, feed, now); err != nil {
		return err
	}
	m.RefreshFeed(now, fx)
	return nil
}

// RefreshFeed recomputes the median feed at now. A feed expiring to null
// withdraws margin-call triggers and does not run black-swan detection; any
// live feed runs the full post-feed checks.
func (m *Market) RefreshFeed(now int64, fx *Effects) {
	prev := m.CurrentFeed
	m.CurrentFeed = m.Feeds.Current(now)

	if m.CurrentFeed == nil {
		if prev != nil {
			fx.Emit(&event.FeedExpired{Asset: m.AssetID})
			m.syncTriggers(fx)
		}
		return
	}
	m.afterFeedUpdate(fx)
}

func (m *Market) afterFeedUpdate(fx *Effects) {
	if m.IsGloballySettled() {
		return
	}
	if m.checkBlackSwan(fx) {
		return
	}
	m.matchPendingSettlements(fx)
	m.syncTriggers(fx)
}

// callablePositions returns the margin-callable prefix of the book, worst first.
func (m *Market) callablePositions() []*CallPosition {
	var out []*CallPosition
	m.Calls.Ascend(func(p *CallPosition) bool {
		if !p.IsCallable(m.CurrentFeed) {
			return false
		}
		out = append(out, p)
		return true
	})
	return out
}

// syncTriggers announces newly callable positions and withdraws triggers for
// positions that recovered or no longer exist.
func (m *Market) syncTriggers(fx *Effects) {
	live := make(map[uint64]struct{})
	if m.CurrentFeed != nil && !m.IsGloballySettled() {
		mssp, err := m.CurrentFeed.MSSP()
		for _, p := range m.callablePositions() {
			live[p.ID] = struct{}{}
			if _, ok := m.triggered[p.ID]; ok || err != nil {
				continue
			}
			m.triggered[p.ID] = struct{}{}
			fx.Emit(&event.MarginCallTriggered{
				Asset:      m.AssetID,
				PositionID: p.ID,
				Owner:      p.Owner,
				Debt:       p.Debt,
				Collateral: p.Collateral,
				MaxPrice:   mssp,
			})
		}
	}

	stale := make([]uint64, 0)
	for id := range m.triggered {
		if _, ok := live[id]; !ok {
			stale = append(stale, id)
		}
	}
	slices.Sort(stale)
	for _, id := range stale {
		delete(m.triggered, id)
		fx.Emit(&event.MarginCallCancelled{Asset: m.AssetID, PositionID: id, Reason: m.triggerCancelReason(id)})
	}
}

func (m *Market) triggerCancelReason(id uint64) string {
	switch {
	case m.IsGloballySettled():
		return "global_settlement"
	case m.CurrentFeed == nil:
		return "feed_expired"
	}
	if _, ok := m.Calls.Get(id); !ok {
		return "closed"
	}
	return "recovered"
}

// Triggered returns the ids of positions currently announced as callable.
func (m *Market) Triggered() []uint64 {
	out := make([]uint64, 0, len(m.triggered))
	for id := range m.triggered {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// ClaimCollateralFees pays amount from the fee pool to the issuer.
func (m *Market) ClaimCollateralFees(issuer uuid.UUID, amount int64, fx *Effects) error {
	if issuer != m.Issuer {
		return fmt.Errorf("claim fees of %s by %s: %w", m.Symbol, issuer, ErrUnauthorized)
	}
	if amount <= 0 {
		return fmt.Errorf("claim amount %d: %w", amount, ErrInvalidAmount)
	}
	if amount > m.AccumulatedCollateralFees {
		return fmt.Errorf("claim %d, pool holds %d: %w", amount, m.AccumulatedCollateralFees, ErrInsufficientBalance)
	}

	fx.Batch.Transfer(ledger.UserAvailable(issuer, m.BackingAsset), m.feePool(), amount, ledger.JournalTypeFeeClaim)
	m.AccumulatedCollateralFees -= amount
	fx.Emit(&event.CollateralFeesClaimed{Asset: m.AssetID, Issuer: issuer, Amount: amount})
	return nil
}
