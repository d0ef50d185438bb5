package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"PegLedger/internal/event"

	"github.com/google/uuid"
)

// symbolPattern matches asset symbols: upper-case, starting with a letter.
var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,15}$`)

// ParseRawEvent decodes a JetStream message; the operation type is the last
// subject token.
func ParseRawEvent(raw RawEvent) (event.Operation, error) {
	opType, err := OpTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParseOperation(opType, raw.Data)
}

// ParseOperation decodes and shape-checks one operation. Unknown fields are
// rejected. Business rules (amounts, balances, authority) are left to the
// core, which rejects deterministically.
func ParseOperation(opType string, data []byte) (event.Operation, error) {
	t, ok := event.ParseOpType(opType)
	if !ok {
		return nil, fmt.Errorf("unknown operation type: %s", opType)
	}
	op, _ := event.NewOperation(t)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(op); err != nil {
		return nil, fmt.Errorf("parse %s: %w", opType, err)
	}
	if err := validateShape(op); err != nil {
		return nil, fmt.Errorf("parse %s: %w", opType, err)
	}
	return op, nil
}

func validateShape(op event.Operation) error {
	block := op.BlockRef()
	if block.Height < 0 || block.OpIndex < 0 {
		return fmt.Errorf("negative block position %d:%d", block.Height, block.OpIndex)
	}
	if block.Timestamp <= 0 {
		return fmt.Errorf("block timestamp_us must be positive")
	}

	switch o := op.(type) {
	case *event.CreateAsset:
		if err := requireSymbol("symbol", o.Symbol); err != nil {
			return err
		}
		if err := requireID("issuer", o.Issuer); err != nil {
			return err
		}
		if o.Market != nil {
			if err := requireSymbol("market.backing_asset", o.Market.BackingAsset); err != nil {
				return err
			}
			if o.Market.BackingAsset == o.Symbol {
				return fmt.Errorf("asset %s cannot back itself", o.Symbol)
			}
			return requireIDs("market.feed_producers", o.Market.FeedProducers)
		}
		return nil
	case *event.UpdateAssetParams:
		return firstErr(requireSymbol("symbol", o.Symbol), requireID("issuer", o.Issuer))
	case *event.UpdateFeedProducers:
		return firstErr(
			requireSymbol("symbol", o.Symbol),
			requireID("issuer", o.Issuer),
			requireIDs("producers", o.Producers),
		)
	case *event.Deposit:
		return firstErr(requireID("account", o.Account), requireSymbol("asset", o.Asset))
	case *event.Transfer:
		return firstErr(requireID("from", o.From), requireID("to", o.To), requireSymbol("asset", o.Asset))
	case *event.Borrow:
		return firstErr(requireID("owner", o.Owner), requireSymbol("debt_asset", o.DebtAsset))
	case *event.Cover:
		return firstErr(requireID("owner", o.Owner), requireSymbol("debt_asset", o.DebtAsset))
	case *event.PublishFeed:
		return firstErr(requireID("producer", o.Producer), requireSymbol("asset", o.Asset))
	case *event.Settle:
		return firstErr(requireID("owner", o.Owner), requireSymbol("asset", o.Asset))
	case *event.CancelSettle:
		if o.SettlementID == 0 {
			return fmt.Errorf("settlement_id is required")
		}
		return requireID("owner", o.Owner)
	case *event.BidCollateral:
		return firstErr(requireID("bidder", o.Bidder), requireSymbol("asset", o.Asset))
	case *event.CancelBid:
		return firstErr(requireID("bidder", o.Bidder), requireSymbol("asset", o.Asset))
	case *event.MatchLimitOrder:
		if o.OrderID == "" {
			return fmt.Errorf("order_id is required")
		}
		return firstErr(requireID("seller", o.Seller), requireSymbol("asset", o.Asset))
	case *event.ClaimCollateralFees:
		return firstErr(requireID("issuer", o.Issuer), requireSymbol("asset", o.Asset))
	}
	return nil
}

func requireSymbol(field, symbol string) error {
	if !symbolPattern.MatchString(symbol) {
		return fmt.Errorf("%s %q is not a valid asset symbol", field, symbol)
	}
	return nil
}

func requireID(field string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func requireIDs(field string, ids []uuid.UUID) error {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return fmt.Errorf("%s contains a nil id", field)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s lists %s twice", field, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
