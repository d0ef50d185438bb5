package query

import (
	"PegLedger/internal/ledger"

	"github.com/google/uuid"
)

// BalanceResponse holds one owner's projected balances.
type BalanceResponse struct {
	Owner        uuid.UUID      `json:"owner"`
	Balances     []AssetBalance `json:"balances"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// AssetBalance is one account of the owner. Symbol is empty when the asset
// is not a market and so has no projected summary.
type AssetBalance struct {
	AccountPath string `json:"account_path"`
	AssetID     uint16 `json:"asset_id"`
	Symbol      string `json:"symbol,omitempty"`
	SubType     string `json:"sub_type"`
	Balance     int64  `json:"balance"`
}

// userPathPrefix is the LIKE pattern matching every account of owner.
func userPathPrefix(owner uuid.UUID) string {
	return "user:" + owner.String() + ":%"
}

// subTypeOf extracts the sub-type name from an account path.
func subTypeOf(path string) string {
	key, err := ledger.ParseAccountPath(path)
	if err != nil {
		return "unknown"
	}
	return key.SubTypeName()
}
