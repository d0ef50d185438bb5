package event

import (
	"PegLedger/internal/ledger"

	"github.com/google/uuid"
)

// FactType discriminator for emitted facts
type FactType int32

const (
	FactTypeUnknown FactType = iota
	FactTypeMarginCallFill
	FactTypeMarginCallTriggered
	FactTypeMarginCallCancelled
	FactTypeForceSettlementFill
	FactTypeForceSettlementCancelled
	FactTypeGlobalSettlement
	FactTypeGlobalSettlementRedeem
	FactTypeCollateralBidCancelled
	FactTypeRevival
	FactTypeFeedExpired
	FactTypeCollateralFeesClaimed
)

var factTypeNames = map[FactType]string{
	FactTypeMarginCallFill:           "margin_call_fill",
	FactTypeMarginCallTriggered:      "margin_call_triggered",
	FactTypeMarginCallCancelled:      "margin_call_cancelled",
	FactTypeForceSettlementFill:      "force_settlement_fill",
	FactTypeForceSettlementCancelled: "force_settlement_cancelled",
	FactTypeGlobalSettlement:         "global_settlement",
	FactTypeGlobalSettlementRedeem:   "global_settlement_redeem",
	FactTypeCollateralBidCancelled:   "collateral_bid_cancelled",
	FactTypeRevival:                  "revival",
	FactTypeFeedExpired:              "feed_expired",
	FactTypeCollateralFeesClaimed:    "collateral_fees_claimed",
}

func (ft FactType) String() string {
	if name, ok := factTypeNames[ft]; ok {
		return name
	}
	return "unknown"
}

// Fact is an observable outcome of applying an operation.
type Fact interface {
	FactType() FactType
	Market() ledger.AssetID
}

// FactRecord is a fact positioned within its operation. Together with the
// envelope's block ref it forms the replay key (block_height, op_index, index).
type FactRecord struct {
	Index int      `json:"index"`
	Type  FactType `json:"type"`
	Fact  Fact     `json:"fact"`
}

// NewFactRecords indexes facts in emission order.
func NewFactRecords(facts []Fact) []FactRecord {
	records := make([]FactRecord, len(facts))
	for i, f := range facts {
		records[i] = FactRecord{Index: i, Type: f.FactType(), Fact: f}
	}
	return records
}

// MarginCallFill: a call position was closed, fully or partially, against a
// counter-order.
type MarginCallFill struct {
	Asset          ledger.AssetID `json:"asset"`
	PositionID     uint64         `json:"position_id"`
	Owner          uuid.UUID      `json:"owner"`
	Counterparty   uuid.UUID      `json:"counterparty"`
	OrderID        string         `json:"order_id,omitempty"`
	MatchPrice     ledger.Price   `json:"match_price"`
	DebtFilled     int64          `json:"debt_filled"`
	CollateralPaid int64          `json:"collateral_paid"`
	Fee            int64          `json:"fee"`
	// CollateralConsumed = CollateralPaid + Fee, taken from the position
	CollateralConsumed int64 `json:"collateral_consumed"`
	PositionClosed     bool  `json:"position_closed"`
	// CollateralReturned is released to the owner when the position closes
	CollateralReturned int64 `json:"collateral_returned"`
}

func (f *MarginCallFill) FactType() FactType { return FactTypeMarginCallFill }
func (f *MarginCallFill) Market() ledger.AssetID { return f.Asset }

// MarginCallTriggered announces a position that became callable at the
// current feed, so the external order book can route counter-orders to it.
type MarginCallTriggered struct {
	Asset      ledger.AssetID `json:"asset"`
	PositionID uint64         `json:"position_id"`
	Owner      uuid.UUID      `json:"owner"`
	Debt       int64          `json:"debt"`
	Collateral int64          `json:"collateral"`
	MaxPrice   ledger.Price   `json:"max_price"` // MSSP
}

func (f *MarginCallTriggered) FactType() FactType { return FactTypeMarginCallTriggered }
func (f *MarginCallTriggered) Market() ledger.AssetID { return f.Asset }

// MarginCallCancelled withdraws a previous trigger.
type MarginCallCancelled struct {
	Asset      ledger.AssetID `json:"asset"`
	PositionID uint64         `json:"position_id"`
	Reason     string         `json:"reason"`
}

func (f *MarginCallCancelled) FactType() FactType { return FactTypeMarginCallCancelled }
func (f *MarginCallCancelled) Market() ledger.AssetID { return f.Asset }

// ForceSettlementFill: a force settlement was matched against a call position,
// or redeemed from the settlement fund while the asset is globally settled
// (PositionID == 0).
type ForceSettlementFill struct {
	Asset        ledger.AssetID `json:"asset"`
	SettlementID uint64         `json:"settlement_id"`
	Settler      uuid.UUID      `json:"settler"`
	PositionID   uint64         `json:"position_id,omitempty"`
	Owner        uuid.UUID      `json:"owner,omitempty"`
	Price        ledger.Price   `json:"price"`
	DebtFilled   int64          `json:"debt_filled"`
	// Core = floor(DebtFilled * Price)
	Core            int64 `json:"core"`
	Offset          int64 `json:"offset"`
	Fee             int64 `json:"fee"`
	SettlerReceives int64 `json:"settler_receives"`
	Remaining       int64 `json:"remaining"`
	PositionClosed  bool  `json:"position_closed"`
	// CollateralReturned is released to the position owner when it closes
	CollateralReturned int64 `json:"collateral_returned"`
}

func (f *ForceSettlementFill) FactType() FactType { return FactTypeForceSettlementFill }
func (f *ForceSettlementFill) Market() ledger.AssetID { return f.Asset }

// ForceSettlementCancelled: the remainder of a settlement was refunded.
type ForceSettlementCancelled struct {
	Asset        ledger.AssetID `json:"asset"`
	SettlementID uint64         `json:"settlement_id"`
	Owner        uuid.UUID      `json:"owner"`
	Refunded     int64          `json:"refunded"`
	Reason       string         `json:"reason"`
}

func (f *ForceSettlementCancelled) FactType() FactType { return FactTypeForceSettlementCancelled }
func (f *ForceSettlementCancelled) Market() ledger.AssetID { return f.Asset }

// ConvertedPosition is one call position folded into the settlement fund.
type ConvertedPosition struct {
	PositionID uint64    `json:"position_id"`
	Owner      uuid.UUID `json:"owner"`
	Debt       int64     `json:"debt"`
	Collateral int64     `json:"collateral"`
}

// GlobalSettlement: the asset was frozen (black swan).
type GlobalSettlement struct {
	Asset           ledger.AssetID      `json:"asset"`
	SettlementPrice ledger.Price        `json:"settlement_price"`
	Positions       []ConvertedPosition `json:"positions"`
	SettlementFund  int64               `json:"settlement_fund"`
	SettlementDebt  int64               `json:"settlement_debt"`
}

func (f *GlobalSettlement) FactType() FactType { return FactTypeGlobalSettlement }
func (f *GlobalSettlement) Market() ledger.AssetID { return f.Asset }

// GlobalSettlementRedeem: a holder redeemed from the settlement fund.
type GlobalSettlementRedeem struct {
	Asset      ledger.AssetID `json:"asset"`
	Holder     uuid.UUID      `json:"holder"`
	Amount     int64          `json:"amount"`
	Collateral int64          `json:"collateral"`
	Fee        int64          `json:"fee"`
}

func (f *GlobalSettlementRedeem) FactType() FactType { return FactTypeGlobalSettlementRedeem }
func (f *GlobalSettlementRedeem) Market() ledger.AssetID { return f.Asset }

// CollateralBidCancelled: a bid was withdrawn, replaced or swept.
type CollateralBidCancelled struct {
	Asset       ledger.AssetID `json:"asset"`
	BidID       uint64         `json:"bid_id"`
	Bidder      uuid.UUID      `json:"bidder"`
	Collateral  int64          `json:"collateral"`
	DebtCovered int64          `json:"debt_covered"`
	Reason      string         `json:"reason"`
}

func (f *CollateralBidCancelled) FactType() FactType { return FactTypeCollateralBidCancelled }
func (f *CollateralBidCancelled) Market() ledger.AssetID { return f.Asset }

// RevivedPosition is a call position created from a collateral bid.
type RevivedPosition struct {
	PositionID         uint64    `json:"position_id"`
	BidID              uint64    `json:"bid_id"`
	Owner              uuid.UUID `json:"owner"`
	Debt               int64     `json:"debt"`
	BidCollateral      int64     `json:"bid_collateral"`
	FundShare          int64     `json:"fund_share"`
	CollateralReturned int64     `json:"collateral_returned"`
}

// Revival: a globally settled asset was brought back to Active.
type Revival struct {
	Asset     ledger.AssetID    `json:"asset"`
	Positions []RevivedPosition `json:"positions"`
}

func (f *Revival) FactType() FactType { return FactTypeRevival }
func (f *Revival) Market() ledger.AssetID { return f.Asset }

// FeedExpired: the aggregated feed went null because valid feeds ran out.
type FeedExpired struct {
	Asset ledger.AssetID `json:"asset"`
}

func (f *FeedExpired) FactType() FactType { return FactTypeFeedExpired }
func (f *FeedExpired) Market() ledger.AssetID { return f.Asset }

// CollateralFeesClaimed: the issuer withdrew from the fee pool.
type CollateralFeesClaimed struct {
	Asset  ledger.AssetID `json:"asset"`
	Issuer uuid.UUID      `json:"issuer"`
	Amount int64          `json:"amount"`
}

func (f *CollateralFeesClaimed) FactType() FactType { return FactTypeCollateralFeesClaimed }
func (f *CollateralFeesClaimed) Market() ledger.AssetID { return f.Asset }
