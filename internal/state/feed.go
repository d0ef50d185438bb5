package state

import (
	"bytes"
	"fmt"
	"slices"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"

	"github.com/google/uuid"
)

// PriceFeed is one producer's view of a market, or the aggregated median.
// Prices use the pegged asset as base and the backing collateral as quote.
type PriceFeed struct {
	SettlementPrice            ledger.Price `json:"settlement_price"`
	CoreExchangeRate           ledger.Price `json:"core_exchange_rate"`
	MaintenanceCollateralRatio int64        `json:"maintenance_collateral_ratio"`
	MaximumShortSqueezeRatio   int64        `json:"maximum_short_squeeze_ratio"`
}

// NewPriceFeed converts a wire feed for the debt/collateral pair.
func NewPriceFeed(p event.FeedPayload, debt, collateral ledger.AssetID) PriceFeed {
	return PriceFeed{
		SettlementPrice:            ledger.NewPrice(p.SettlementPrice.Base, debt, p.SettlementPrice.Quote, collateral),
		CoreExchangeRate:           ledger.NewPrice(p.CoreExchangeRate.Base, debt, p.CoreExchangeRate.Quote, collateral),
		MaintenanceCollateralRatio: p.MaintenanceCollateralRatio,
		MaximumShortSqueezeRatio:   p.MaximumShortSqueezeRatio,
	}
}

// Validate rejects malformed feeds before they are stored.
func (f PriceFeed) Validate() error {
	if !f.SettlementPrice.IsValid() {
		return fmt.Errorf("settlement_price %s: %w", f.SettlementPrice, ErrInvalidAmount)
	}
	if !f.CoreExchangeRate.IsValid() {
		return fmt.Errorf("core_exchange_rate %s: %w", f.CoreExchangeRate, ErrInvalidAmount)
	}
	if err := ValidateCollateralRatio("maintenance_collateral_ratio", f.MaintenanceCollateralRatio); err != nil {
		return err
	}
	return ValidateCollateralRatio("maximum_short_squeeze_ratio", f.MaximumShortSqueezeRatio)
}

// MSSP is the worst price, in collateral per debt, a margin call may fill at.
func (f PriceFeed) MSSP() (ledger.Price, error) {
	return f.SettlementPrice.Scale(f.MaximumShortSqueezeRatio, fpmath.CollateralRatioDenom)
}

// PublishedFeed is a stored producer feed.
type PublishedFeed struct {
	Producer    uuid.UUID `json:"producer"`
	Feed        PriceFeed `json:"feed"`
	PublishedAt int64     `json:"published_at_us"`
}

// FeedAggregator holds the authorized producers of one asset and their most
// recent feeds.
type FeedAggregator struct {
	producers    map[uuid.UUID]struct{}
	feeds        map[uuid.UUID]PublishedFeed
	lifetime     int64
	minimumFeeds int
}

func NewFeedAggregator(producers []uuid.UUID, lifetime int64, minimumFeeds int) *FeedAggregator {
	fa := &FeedAggregator{
		feeds:        make(map[uuid.UUID]PublishedFeed),
		lifetime:     lifetime,
		minimumFeeds: minimumFeeds,
	}
	fa.SetProducers(producers)
	return fa
}

// SetProducers replaces the authorized set. Feeds from removed producers are dropped.
func (fa *FeedAggregator) SetProducers(producers []uuid.UUID) {
	fa.producers = make(map[uuid.UUID]struct{}, len(producers))
	for _, p := range producers {
		fa.producers[p] = struct{}{}
	}
	for p := range fa.feeds {
		if _, ok := fa.producers[p]; !ok {
			delete(fa.feeds, p)
		}
	}
}

func (fa *FeedAggregator) SetLifetime(lifetime int64, minimumFeeds int) {
	fa.lifetime = lifetime
	fa.minimumFeeds = minimumFeeds
}

func (fa *FeedAggregator) IsProducer(producer uuid.UUID) bool {
	_, ok := fa.producers[producer]
	return ok
}

// Publish replaces the producer's feed.
func (fa *FeedAggregator) Publish(producer uuid.UUID, feed PriceFeed, now int64) error {
	if !fa.IsProducer(producer) {
		return fmt.Errorf("producer %s is not authorized: %w", producer, ErrUnauthorized)
	}
	if err := feed.Validate(); err != nil {
		return err
	}
	fa.feeds[producer] = PublishedFeed{Producer: producer, Feed: feed, PublishedAt: now}
	return nil
}

// Producers returns the authorized set in byte order.
func (fa *FeedAggregator) Producers() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(fa.producers))
	for p := range fa.producers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return out
}

// Feeds returns stored feeds ordered by producer.
func (fa *FeedAggregator) Feeds() []PublishedFeed {
	out := make([]PublishedFeed, 0, len(fa.feeds))
	for _, p := range fa.Producers() {
		if f, ok := fa.feeds[p]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Restore reinstates feeds from a snapshot.
func (fa *FeedAggregator) Restore(feeds []PublishedFeed) {
	for _, f := range feeds {
		fa.feeds[f.Producer] = f
	}
}

func (fa *FeedAggregator) isLive(f PublishedFeed, now int64) bool {
	return now-f.PublishedAt <= fa.lifetime
}

// Current returns the median feed at now, or nil when fewer than the
// required number of live feeds remain. Each component is the upper median
// taken independently.
func (fa *FeedAggregator) Current(now int64) *PriceFeed {
	var live []PublishedFeed
	for _, f := range fa.Feeds() {
		if fa.isLive(f, now) {
			live = append(live, f)
		}
	}
	required := max(fa.minimumFeeds, 1)
	if len(live) < required {
		return nil
	}

	mcrs := make([]int64, len(live))
	mssrs := make([]int64, len(live))
	settle := make([]ledger.Price, len(live))
	cer := make([]ledger.Price, len(live))
	for i, f := range live {
		mcrs[i] = f.Feed.MaintenanceCollateralRatio
		mssrs[i] = f.Feed.MaximumShortSqueezeRatio
		settle[i] = f.Feed.SettlementPrice
		cer[i] = f.Feed.CoreExchangeRate
	}

	mcr, _ := fpmath.Median(mcrs)
	mssr, _ := fpmath.Median(mssrs)
	return &PriceFeed{
		SettlementPrice:            medianPrice(settle),
		CoreExchangeRate:           medianPrice(cer),
		MaintenanceCollateralRatio: mcr,
		MaximumShortSqueezeRatio:   mssr,
	}
}

// medianPrice sorts stably so that equal ratios keep producer order.
func medianPrice(prices []ledger.Price) ledger.Price {
	slices.SortStableFunc(prices, func(a, b ledger.Price) int { return a.Cmp(b) })
	return prices[len(prices)/2]
}
