package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeAvailable AccountSubType = iota

	// Market sub-types. EntityID carries the market-pegged asset the
	// account belongs to; AssetID is the asset held in it.
	SubTypeSupply         // negative balance = outstanding supply of the pegged asset
	SubTypeCallCollateral // collateral locked in call positions
	SubTypeSettlementFund // collateral held after global settlement
	SubTypeSettleEscrow   // pegged asset escrowed by pending force settlements
	SubTypeBidEscrow      // collateral escrowed by collateral bids
	SubTypeCollateralFees // accumulated_collateral_fees, claimable by the issuer

	// External sub-types
	SubTypeExternalDeposits
)

var subTypeNames = map[AccountSubType]string{
	SubTypeAvailable:        "available",
	SubTypeSupply:           "supply",
	SubTypeCallCollateral:   "call_collateral",
	SubTypeSettlementFund:   "settlement_fund",
	SubTypeSettleEscrow:     "settle_escrow",
	SubTypeBidEscrow:        "bid_escrow",
	SubTypeCollateralFees:   "collateral_fees",
	SubTypeExternalDeposits: "deposits",
}

// AccountKey is the in-memory key for balance tracking (21 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID, or the market's asset id for market accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewMarketAccountKey creates a key for an account owned by a market-pegged
// asset's aggregate (supply, collateral pools, escrows).
func NewMarketAccountKey(market AssetID, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint16(entityID[:2], uint16(market))
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// Market returns the owning market of a market-scoped key.
func (k AccountKey) Market() AssetID {
	return AssetID(binary.BigEndian.Uint16(k.EntityID[:2]))
}

// UserID returns the owner of a user-scoped key.
func (k AccountKey) UserID() uuid.UUID {
	return uuid.UUID(k.EntityID)
}

// AccountPath returns the string representation for storage/logging.
// Assets are rendered by id so the path does not depend on the registry.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%d", k.UserID().String(), k.SubTypeName(), k.AssetID)
	case AccountScopeMarket:
		return fmt.Sprintf("market:%d:%s:%d", k.Market(), k.SubTypeName(), k.AssetID)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%d", k.SubTypeName(), k.AssetID)
	}
	return "unknown"
}

// SubTypeName is the path segment of the sub-type.
func (k AccountKey) SubTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

func parseSubType(name string) (AccountSubType, bool) {
	for st, n := range subTypeNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}

// ParseAccountPath is the inverse of AccountPath. Used when restoring balances
// from a snapshot.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path %q", path)
	}

	asset, err := strconv.ParseUint(parts[len(parts)-1], 10, 16)
	if err != nil {
		return AccountKey{}, fmt.Errorf("account path %q: asset: %w", path, err)
	}
	subType, ok := parseSubType(parts[len(parts)-2])
	if !ok {
		return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user account path %q", path)
		}
		userID, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		return NewUserAccountKey(userID, subType, AssetID(asset)), nil
	case "market":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed market account path %q", path)
		}
		market, err := strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: market: %w", path, err)
		}
		return NewMarketAccountKey(AssetID(market), subType, AssetID(asset)), nil
	case "external":
		if len(parts) != 3 {
			return AccountKey{}, fmt.Errorf("malformed external account path %q", path)
		}
		return NewExternalAccountKey(subType, AssetID(asset)), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: unknown scope", path)
}
