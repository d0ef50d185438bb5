package event

import "github.com/google/uuid"

// MarketParams are the issuer-controlled parameters of a market-pegged asset.
// Ratios ending in Percent or Ratio are basis points of 10000; durations are
// microseconds.
type MarketParams struct {
	BackingAsset                 string      `json:"backing_asset"`
	MarginCallFeeRatio           int64       `json:"margin_call_fee_ratio"`
	ForceSettlementOffsetPercent int64       `json:"force_settlement_offset_percent"`
	ForceSettlementFeePercent    int64       `json:"force_settlement_fee_percent"`
	MaximumForceSettlementVolume int64       `json:"maximum_force_settlement_volume"`
	ForceSettlementDelay         int64       `json:"force_settlement_delay_us"`
	FeedLifetime                 int64       `json:"feed_lifetime_us"`
	MinimumFeeds                 int         `json:"minimum_feeds"`
	FeedProducers                []uuid.UUID `json:"feed_producers"`
	DisableCollateralBidding     bool        `json:"disable_collateral_bidding"`
}

// PriceRatio is a wire price: Base units of the pegged asset are worth Quote
// units of its backing asset.
type PriceRatio struct {
	Base  int64 `json:"base"`
	Quote int64 `json:"quote"`
}

// FeedPayload is the body of a producer's price feed.
type FeedPayload struct {
	SettlementPrice            PriceRatio `json:"settlement_price"`
	CoreExchangeRate           PriceRatio `json:"core_exchange_rate"`
	MaintenanceCollateralRatio int64      `json:"maintenance_collateral_ratio"`
	MaximumShortSqueezeRatio   int64      `json:"maximum_short_squeeze_ratio"`
}

// CreateAsset registers a plain asset, or a market-pegged asset when Market is set.
type CreateAsset struct {
	Header
	Symbol string        `json:"symbol"`
	Issuer uuid.UUID     `json:"issuer"`
	Market *MarketParams `json:"market,omitempty"`
}

func (o *CreateAsset) OpType() OpType { return OpTypeCreateAsset }
func (o *CreateAsset) AssetSymbol() *string { return &o.Symbol }

// UpdateAssetParams replaces a market's parameters. The backing asset and
// feed producer set are not changed by this operation.
type UpdateAssetParams struct {
	Header
	Symbol string       `json:"symbol"`
	Issuer uuid.UUID    `json:"issuer"`
	Params MarketParams `json:"params"`
}

func (o *UpdateAssetParams) OpType() OpType { return OpTypeUpdateAssetParams }
func (o *UpdateAssetParams) AssetSymbol() *string { return &o.Symbol }

// UpdateFeedProducers replaces the authorized producer set.
type UpdateFeedProducers struct {
	Header
	Symbol    string      `json:"symbol"`
	Issuer    uuid.UUID   `json:"issuer"`
	Producers []uuid.UUID `json:"producers"`
}

func (o *UpdateFeedProducers) OpType() OpType { return OpTypeUpdateFeedProducers }
func (o *UpdateFeedProducers) AssetSymbol() *string { return &o.Symbol }

// Deposit credits a plain asset from outside the ledger.
type Deposit struct {
	Header
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
}

func (o *Deposit) OpType() OpType { return OpTypeDeposit }
func (o *Deposit) AssetSymbol() *string { return nil }

// Transfer moves a balance between two accounts.
type Transfer struct {
	Header
	From   uuid.UUID `json:"from"`
	To     uuid.UUID `json:"to"`
	Asset  string    `json:"asset"`
	Amount int64     `json:"amount"`
}

func (o *Transfer) OpType() OpType { return OpTypeTransfer }
func (o *Transfer) AssetSymbol() *string { return nil }

// Borrow adds debt and collateral to the owner's call position, creating it
// if needed. TargetCollateralRatio replaces the position's TCR; nil clears it.
type Borrow struct {
	Header
	Owner                 uuid.UUID `json:"owner"`
	DebtAsset             string    `json:"debt_asset"`
	DebtAmount            int64     `json:"debt_amount"`
	CollateralAmount      int64     `json:"collateral_amount"`
	TargetCollateralRatio *int64    `json:"target_collateral_ratio,omitempty"`
}

func (o *Borrow) OpType() OpType { return OpTypeBorrow }
func (o *Borrow) AssetSymbol() *string { return &o.DebtAsset }

// Cover repays debt and optionally releases collateral.
type Cover struct {
	Header
	Owner               uuid.UUID `json:"owner"`
	DebtAsset           string    `json:"debt_asset"`
	DebtAmount          int64     `json:"debt_amount"`
	CollateralToRelease int64     `json:"collateral_to_release"`
}

func (o *Cover) OpType() OpType { return OpTypeCover }
func (o *Cover) AssetSymbol() *string { return &o.DebtAsset }

// PublishFeed replaces one producer's feed for an asset.
type PublishFeed struct {
	Header
	Asset    string      `json:"asset"`
	Producer uuid.UUID   `json:"producer"`
	Feed     FeedPayload `json:"feed"`
}

func (o *PublishFeed) OpType() OpType { return OpTypePublishFeed }
func (o *PublishFeed) AssetSymbol() *string { return &o.Asset }

// Settle requests force settlement of Amount units of a pegged asset.
type Settle struct {
	Header
	Owner  uuid.UUID `json:"owner"`
	Asset  string    `json:"asset"`
	Amount int64     `json:"amount"`
}

func (o *Settle) OpType() OpType { return OpTypeSettle }
func (o *Settle) AssetSymbol() *string { return &o.Asset }

// CancelSettle withdraws the unmatched remainder of a force settlement.
type CancelSettle struct {
	Header
	Owner        uuid.UUID `json:"owner"`
	SettlementID uint64    `json:"settlement_id"`
}

func (o *CancelSettle) OpType() OpType { return OpTypeCancelSettle }
func (o *CancelSettle) AssetSymbol() *string { return nil }

// BidCollateral places, replaces or (with zero collateral) withdraws a
// collateral bid on a globally settled asset.
type BidCollateral struct {
	Header
	Bidder      uuid.UUID `json:"bidder"`
	Asset       string    `json:"asset"`
	Collateral  int64     `json:"collateral"`
	DebtCovered int64     `json:"debt_covered"`
}

func (o *BidCollateral) OpType() OpType { return OpTypeBidCollateral }
func (o *BidCollateral) AssetSymbol() *string { return &o.Asset }

// CancelBid withdraws the bidder's collateral bid.
type CancelBid struct {
	Header
	Bidder uuid.UUID `json:"bidder"`
	Asset  string    `json:"asset"`
}

func (o *CancelBid) OpType() OpType { return OpTypeCancelBid }
func (o *CancelBid) AssetSymbol() *string { return &o.Asset }

// MatchLimitOrder routes a resting sell order for a pegged asset into the
// margin-call matcher. The seller offers AmountForSale of the asset and asks
// at least MinToReceive of its backing collateral in total.
type MatchLimitOrder struct {
	Header
	OrderID       string    `json:"order_id"`
	Seller        uuid.UUID `json:"seller"`
	Asset         string    `json:"asset"`
	AmountForSale int64     `json:"amount_for_sale"`
	MinToReceive  int64     `json:"min_to_receive"`
}

func (o *MatchLimitOrder) OpType() OpType { return OpTypeMatchLimitOrder }
func (o *MatchLimitOrder) AssetSymbol() *string { return &o.Asset }

// ClaimCollateralFees pays accumulated collateral fees to the issuer.
type ClaimCollateralFees struct {
	Header
	Asset  string    `json:"asset"`
	Issuer uuid.UUID `json:"issuer"`
	Amount int64     `json:"amount"`
}

func (o *ClaimCollateralFees) OpType() OpType { return OpTypeClaimCollateralFees }
func (o *ClaimCollateralFees) AssetSymbol() *string { return &o.Asset }

// ClearExpired is the per-block hook: it expires stale feeds and executes
// force settlements whose settlement date has passed.
type ClearExpired struct {
	Header
}

func (o *ClearExpired) OpType() OpType { return OpTypeClearExpired }
func (o *ClearExpired) AssetSymbol() *string { return nil }

// RunMaintenance is the periodic maintenance pass.
type RunMaintenance struct {
	Header
}

func (o *RunMaintenance) OpType() OpType { return OpTypeRunMaintenance }
func (o *RunMaintenance) AssetSymbol() *string { return nil }

// NewOperation returns an empty operation of type t for decoding.
func NewOperation(t OpType) (Operation, bool) {
	switch t {
	case OpTypeCreateAsset:
		return &CreateAsset{}, true
	case OpTypeUpdateAssetParams:
		return &UpdateAssetParams{}, true
	case OpTypeUpdateFeedProducers:
		return &UpdateFeedProducers{}, true
	case OpTypeDeposit:
		return &Deposit{}, true
	case OpTypeTransfer:
		return &Transfer{}, true
	case OpTypeBorrow:
		return &Borrow{}, true
	case OpTypeCover:
		return &Cover{}, true
	case OpTypePublishFeed:
		return &PublishFeed{}, true
	case OpTypeSettle:
		return &Settle{}, true
	case OpTypeCancelSettle:
		return &CancelSettle{}, true
	case OpTypeBidCollateral:
		return &BidCollateral{}, true
	case OpTypeCancelBid:
		return &CancelBid{}, true
	case OpTypeMatchLimitOrder:
		return &MatchLimitOrder{}, true
	case OpTypeClaimCollateralFees:
		return &ClaimCollateralFees{}, true
	case OpTypeClearExpired:
		return &ClearExpired{}, true
	case OpTypeRunMaintenance:
		return &RunMaintenance{}, true
	default:
		return nil, false
	}
}
