package ingestion_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"PegLedger/internal/event"
	"PegLedger/internal/ingestion"
)

func rawFromJSON(t *testing.T, opType string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   ingestion.OpSubject(opType),
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
		TermFunc:  func() {},
	}
}

func block(height int64) map[string]interface{} {
	return map[string]interface{}{
		"block_height": height,
		"op_index":     0,
		"timestamp_us": int64(1700000000000000) + height,
	}
}

func TestParseBorrow(t *testing.T) {
	payload := map[string]interface{}{
		"op_id":                   "borrow-1",
		"block":                   block(42),
		"owner":                   "660e8400-e29b-41d4-a716-446655440001",
		"debt_asset":              "USDP",
		"debt_amount":             int64(1_000),
		"collateral_amount":       int64(20_000),
		"target_collateral_ratio": int64(2_000),
	}

	op, err := ingestion.ParseRawEvent(rawFromJSON(t, "Borrow", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	borrow, ok := op.(*event.Borrow)
	if !ok {
		t.Fatalf("expected *event.Borrow, got %T", op)
	}

	if borrow.IdempotencyKey() != "borrow-1" {
		t.Errorf("idempotency key: got %s, want borrow-1", borrow.IdempotencyKey())
	}
	if borrow.BlockRef().Height != 42 {
		t.Errorf("block height: got %d, want 42", borrow.BlockRef().Height)
	}
	if borrow.DebtAmount != 1_000 || borrow.CollateralAmount != 20_000 {
		t.Errorf("amounts: got %d/%d", borrow.DebtAmount, borrow.CollateralAmount)
	}
	if borrow.TargetCollateralRatio == nil || *borrow.TargetCollateralRatio != 2_000 {
		t.Errorf("tcr: got %v, want 2000", borrow.TargetCollateralRatio)
	}
}

func TestParsePublishFeed(t *testing.T) {
	payload := map[string]interface{}{
		"block":    block(7),
		"asset":    "USDP",
		"producer": "770e8400-e29b-41d4-a716-446655440002",
		"feed": map[string]interface{}{
			"settlement_price":             map[string]int64{"base": 1, "quote": 25},
			"core_exchange_rate":           map[string]int64{"base": 1, "quote": 24},
			"maintenance_collateral_ratio": 1750,
			"maximum_short_squeeze_ratio":  1100,
		},
	}

	op, err := ingestion.ParseRawEvent(rawFromJSON(t, "PublishFeed", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	pf := op.(*event.PublishFeed)
	if pf.Feed.SettlementPrice.Quote != 25 || pf.Feed.CoreExchangeRate.Quote != 24 {
		t.Errorf("feed prices: got %+v", pf.Feed)
	}
	if pf.Feed.MaintenanceCollateralRatio != 1750 {
		t.Errorf("mcr: got %d, want 1750", pf.Feed.MaintenanceCollateralRatio)
	}
	// no op_id: the block position is the key
	if pf.IdempotencyKey() != "7:0" {
		t.Errorf("idempotency key: got %s, want 7:0", pf.IdempotencyKey())
	}
}

func TestParseCreateMarketAsset(t *testing.T) {
	payload := map[string]interface{}{
		"block":  block(1),
		"symbol": "USDP",
		"issuer": "550e8400-e29b-41d4-a716-446655440000",
		"market": map[string]interface{}{
			"backing_asset":                   "CORE",
			"margin_call_fee_ratio":           50,
			"force_settlement_offset_percent": 100,
			"maximum_force_settlement_volume": 2000,
			"force_settlement_delay_us":       int64(86_400_000_000),
			"feed_lifetime_us":                int64(3_600_000_000),
			"minimum_feeds":                   1,
			"feed_producers":                  []string{"770e8400-e29b-41d4-a716-446655440002"},
		},
	}

	op, err := ingestion.ParseOperation("CreateAsset", mustJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ca := op.(*event.CreateAsset)
	if ca.Market == nil || ca.Market.BackingAsset != "CORE" || len(ca.Market.FeedProducers) != 1 {
		t.Fatalf("market params: got %+v", ca.Market)
	}
	if ca.Market.ForceSettlementDelay != 86_400_000_000 {
		t.Errorf("delay: got %d", ca.Market.ForceSettlementDelay)
	}
}

func TestParseClearExpired(t *testing.T) {
	op, err := ingestion.ParseOperation("ClearExpired", mustJSON(t, map[string]interface{}{"block": block(9)}))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if op.OpType() != event.OpTypeClearExpired {
		t.Errorf("op type: got %s", op.OpType())
	}
	if op.AssetSymbol() != nil {
		t.Error("ClearExpired has no asset")
	}
}

func TestParseRejects(t *testing.T) {
	owner := "660e8400-e29b-41d4-a716-446655440001"
	tests := []struct {
		name    string
		opType  string
		payload map[string]interface{}
		wantErr string
	}{
		{
			name:    "unknown field",
			opType:  "Settle",
			payload: map[string]interface{}{"block": block(1), "owner": owner, "asset": "USDP", "amount": 5, "ammount": 5},
			wantErr: "unknown field",
		},
		{
			name:    "missing owner",
			opType:  "Settle",
			payload: map[string]interface{}{"block": block(1), "asset": "USDP", "amount": 5},
			wantErr: "owner is required",
		},
		{
			name:    "bad symbol",
			opType:  "Deposit",
			payload: map[string]interface{}{"block": block(1), "account": owner, "asset": "usd p", "amount": 5},
			wantErr: "not a valid asset symbol",
		},
		{
			name:    "missing timestamp",
			opType:  "RunMaintenance",
			payload: map[string]interface{}{"block": map[string]interface{}{"block_height": 1}},
			wantErr: "timestamp_us",
		},
		{
			name:   "self-backed market",
			opType: "CreateAsset",
			payload: map[string]interface{}{
				"block": block(1), "symbol": "USDP", "issuer": owner,
				"market": map[string]interface{}{"backing_asset": "USDP"},
			},
			wantErr: "cannot back itself",
		},
		{
			name:    "duplicate producer",
			opType:  "UpdateFeedProducers",
			payload: map[string]interface{}{"block": block(1), "symbol": "USDP", "issuer": owner, "producers": []string{owner, owner}},
			wantErr: "twice",
		},
		{
			name:    "cancel without settlement id",
			opType:  "CancelSettle",
			payload: map[string]interface{}{"block": block(1), "owner": owner},
			wantErr: "settlement_id",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseOperation(tt.opType, mustJSON(t, tt.payload))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseUnknownOperation(t *testing.T) {
	_, err := ingestion.ParseOperation("Liquidate", []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for unknown operation type")
	}
}

func TestOpTypeFromSubject(t *testing.T) {
	if got, err := ingestion.OpTypeFromSubject("peg.ops.Borrow"); err != nil || got != "Borrow" {
		t.Errorf("got %q, %v", got, err)
	}
	for _, subject := range []string{"peg.facts.revival", "peg.ops.", "peg.ops.Borrow.USDP"} {
		if _, err := ingestion.OpTypeFromSubject(subject); err == nil {
			t.Errorf("subject %q: expected error", subject)
		}
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
