package event

import (
	"fmt"
	"time"
)

// OpType discriminator for operation payloads
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeCreateAsset
	OpTypeUpdateAssetParams
	OpTypeUpdateFeedProducers
	OpTypeDeposit
	OpTypeTransfer
	OpTypeBorrow
	OpTypeCover
	OpTypePublishFeed
	OpTypeSettle
	OpTypeCancelSettle
	OpTypeBidCollateral
	OpTypeCancelBid
	OpTypeMatchLimitOrder
	OpTypeClaimCollateralFees
	OpTypeClearExpired
	OpTypeRunMaintenance
)

var opTypeNames = map[OpType]string{
	OpTypeCreateAsset:         "CreateAsset",
	OpTypeUpdateAssetParams:   "UpdateAssetParams",
	OpTypeUpdateFeedProducers: "UpdateFeedProducers",
	OpTypeDeposit:             "Deposit",
	OpTypeTransfer:            "Transfer",
	OpTypeBorrow:              "Borrow",
	OpTypeCover:               "Cover",
	OpTypePublishFeed:         "PublishFeed",
	OpTypeSettle:              "Settle",
	OpTypeCancelSettle:        "CancelSettle",
	OpTypeBidCollateral:       "BidCollateral",
	OpTypeCancelBid:           "CancelBid",
	OpTypeMatchLimitOrder:     "MatchLimitOrder",
	OpTypeClaimCollateralFees: "ClaimCollateralFees",
	OpTypeClearExpired:        "ClearExpired",
	OpTypeRunMaintenance:      "RunMaintenance",
}

func (ot OpType) String() string {
	if name, ok := opTypeNames[ot]; ok {
		return name
	}
	return "Unknown"
}

// ParseOpType is the inverse of String.
func ParseOpType(s string) (OpType, bool) {
	for ot, name := range opTypeNames {
		if name == s {
			return ot, true
		}
	}
	return OpTypeUnknown, false
}

// BlockRef positions an operation in the block stream. Timestamp is the
// block time in epoch microseconds and is the only clock the core reads.
type BlockRef struct {
	Height    int64 `json:"block_height"`
	OpIndex   int32 `json:"op_index"`
	Timestamp int64 `json:"timestamp_us"`
}

// Before reports whether b precedes o in block order.
func (b BlockRef) Before(o BlockRef) bool {
	if b.Height != o.Height {
		return b.Height < o.Height
	}
	return b.OpIndex < o.OpIndex
}

// Time returns the block timestamp.
func (b BlockRef) Time() time.Time {
	return time.UnixMicro(b.Timestamp)
}

// Header is embedded by every operation.
type Header struct {
	OpID  string   `json:"op_id"`
	Block BlockRef `json:"block"`
}

// IdempotencyKey returns the upstream id, or the block position when none was given.
func (h *Header) IdempotencyKey() string {
	if h.OpID != "" {
		return h.OpID
	}
	return fmt.Sprintf("%d:%d", h.Block.Height, h.Block.OpIndex)
}

func (h *Header) BlockRef() BlockRef {
	return h.Block
}

// Operation is the closed set of inputs the core applies. Each concrete
// type lives in this package and is dispatched by a type switch.
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// OpType returns the discriminator
	OpType() OpType

	// AssetSymbol returns the market context (nil for global operations)
	AssetSymbol() *string

	// BlockRef returns the operation's block position
	BlockRef() BlockRef
}

// OperationEnvelope wraps every applied operation in the log
type OperationEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	OpType OpType

	// Market context (nullable for global operations)
	Asset *string

	Block BlockRef

	// JSON-encoded operation
	Payload []byte

	// Facts emitted while applying, in emission order
	Facts []FactRecord

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte
}
