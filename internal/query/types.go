package query

import (
	"encoding/json"

	"PegLedger/internal/state"

	"github.com/google/uuid"
)

// MarketResponse is a market summary with its freshness.
type MarketResponse struct {
	state.MarketSummary
	Source       string `json:"source"` // "cache" or "db"
	AsOfSequence int64  `json:"as_of_sequence"`
}

// FactEntry is one projected market fact.
type FactEntry struct {
	Sequence    int64           `json:"sequence"`
	Index       int             `json:"index"`
	Asset       string          `json:"asset"`
	FactType    string          `json:"fact_type"`
	BlockHeight int64           `json:"block_height"`
	OpIndex     int32           `json:"op_index"`
	Payload     json.RawMessage `json:"payload"`
}

// HoldingsResponse lists an owner's open positions, settlements and bids as
// read from the core between operations.
type HoldingsResponse struct {
	Owner        uuid.UUID             `json:"owner"`
	Markets      []state.OwnerHoldings `json:"markets"`
	AsOfSequence int64                 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	LastSequence     int64             `json:"last_sequence"`
	SequenceGaps     []int64           `json:"sequence_gaps,omitempty"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// EventLogInfo summarizes the event log for operators.
type EventLogInfo struct {
	LastSequence         int64 `json:"last_sequence"`
	EventCount           int64 `json:"event_count"`
	LastSnapshot         int64 `json:"last_snapshot"`
	LastVerifiedSnapshot int64 `json:"last_verified_snapshot"`
	ProjectionWatermark  int64 `json:"projection_watermark"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
