package state

import (
	"fmt"

	"PegLedger/internal/event"
	fpmath "PegLedger/internal/math"
)

const (
	// Collateral ratios (MCR, MSSR, TCR) are per-mille: 1750 = 175%.
	// MCR and MSSR must lie in (MinCollateralRatio, MaxCollateralRatio].
	MinCollateralRatio = fpmath.CollateralRatioDenom
	MaxCollateralRatio = 32_000

	// MaxTargetCollateralRatio bounds a position's TCR
	MaxTargetCollateralRatio = 65_535
)

// MarketParams are the issuer-controlled settings of one market-pegged asset.
// Fee and volume fields are basis points of fpmath.Percent100.
type MarketParams struct {
	MarginCallFeeRatio           int64
	ForceSettlementOffsetPercent int64
	ForceSettlementFeePercent    int64 // 0 = off
	MaximumForceSettlementVolume int64 // of current supply, per maintenance interval
	ForceSettlementDelay         int64 // microseconds
	FeedLifetime                 int64 // microseconds
	MinimumFeeds                 int
	DisableCollateralBidding     bool
}

// ParamsFromEvent converts wire params. Backing asset and producers are
// resolved by the caller.
func ParamsFromEvent(p event.MarketParams) MarketParams {
	return MarketParams{
		MarginCallFeeRatio:           p.MarginCallFeeRatio,
		ForceSettlementOffsetPercent: p.ForceSettlementOffsetPercent,
		ForceSettlementFeePercent:    p.ForceSettlementFeePercent,
		MaximumForceSettlementVolume: p.MaximumForceSettlementVolume,
		ForceSettlementDelay:         p.ForceSettlementDelay,
		FeedLifetime:                 p.FeedLifetime,
		MinimumFeeds:                 p.MinimumFeeds,
		DisableCollateralBidding:     p.DisableCollateralBidding,
	}
}

// Validate checks that parameters are within valid ranges.
func (p MarketParams) Validate() error {
	bps := []struct {
		name  string
		value int64
	}{
		{"margin_call_fee_ratio", p.MarginCallFeeRatio},
		{"force_settlement_offset_percent", p.ForceSettlementOffsetPercent},
		{"force_settlement_fee_percent", p.ForceSettlementFeePercent},
		{"maximum_force_settlement_volume", p.MaximumForceSettlementVolume},
	}
	for _, f := range bps {
		if f.value < 0 || f.value > fpmath.Percent100 {
			return fmt.Errorf("%s must be in [0, %d], got %d: %w", f.name, fpmath.Percent100, f.value, ErrInvalidParams)
		}
	}
	if p.ForceSettlementDelay <= 0 {
		return fmt.Errorf("force_settlement_delay must be > 0, got %d: %w", p.ForceSettlementDelay, ErrInvalidParams)
	}
	if p.FeedLifetime <= 0 {
		return fmt.Errorf("feed_lifetime must be > 0, got %d: %w", p.FeedLifetime, ErrInvalidParams)
	}
	if p.MinimumFeeds < 0 {
		return fmt.Errorf("minimum_feeds must be >= 0, got %d: %w", p.MinimumFeeds, ErrInvalidParams)
	}
	return nil
}

// ValidateCollateralRatio checks an MCR or MSSR value.
func ValidateCollateralRatio(name string, ratio int64) error {
	if ratio <= MinCollateralRatio || ratio > MaxCollateralRatio {
		return fmt.Errorf("%s must be in (%d, %d], got %d: %w",
			name, MinCollateralRatio, MaxCollateralRatio, ratio, ErrInvalidAmount)
	}
	return nil
}

// ValidateTargetCollateralRatio checks an optional TCR.
func ValidateTargetCollateralRatio(tcr *int64) error {
	if tcr == nil {
		return nil
	}
	if *tcr <= 0 || *tcr > MaxTargetCollateralRatio {
		return fmt.Errorf("target_collateral_ratio must be in [1, %d], got %d: %w",
			MaxTargetCollateralRatio, *tcr, ErrInvalidAmount)
	}
	return nil
}
