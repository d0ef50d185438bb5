package ledger_test

import (
	"strings"
	"testing"

	"PegLedger/internal/ledger"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeAvailable, 2)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:available:2"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_MarketPath(t *testing.T) {
	key := ledger.NewMarketAccountKey(3, ledger.SubTypeSettlementFund, 1)

	if path := key.AccountPath(); path != "market:3:settlement_fund:1" {
		t.Errorf("got %q, want %q", path, "market:3:settlement_fund:1")
	}
	if key.Market() != 3 {
		t.Errorf("market: got %d, want 3", key.Market())
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 1)

	if path := key.AccountPath(); path != "external:deposits:1" {
		t.Errorf("got %q, want %q", path, "external:deposits:1")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeAvailable, 7),
		ledger.NewMarketAccountKey(2, ledger.SubTypeSupply, 2),
		ledger.NewMarketAccountKey(2, ledger.SubTypeCallCollateral, 1),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, 1),
	}

	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("round trip mismatch for %s", key.AccountPath())
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, path := range []string{"", "user:x", "market:1:nope:1", "moon:deposits:1", "user:not-a-uuid:available:1"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: AssetRegistry
// ============================================================================

func TestAssetRegistry_AssignsSequentialIDs(t *testing.T) {
	r := ledger.NewAssetRegistry()

	core, err := r.Register("CORE")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	usd, _ := r.Register("USDP")

	if core != 1 || usd != 2 {
		t.Errorf("ids: got %d,%d want 1,2", core, usd)
	}
	if name, ok := r.GetAssetName(usd); !ok || name != "USDP" {
		t.Errorf("name: got %q,%v", name, ok)
	}
	if _, err := r.Register("CORE"); err == nil {
		t.Error("duplicate registration should fail")
	}
	if _, ok := r.GetAssetName(0); ok {
		t.Error("id 0 should never resolve")
	}
}

func TestAssetRegistry_Restore(t *testing.T) {
	r := ledger.NewAssetRegistry()
	r.Register("A")
	r.Register("B")

	restored := ledger.NewAssetRegistry()
	if err := restored.Restore(r.Symbols()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	id, ok := restored.GetAssetID("B")
	if !ok || id != 2 {
		t.Errorf("got %d,%v want 2,true", id, ok)
	}
}

// ============================================================================
// Test: BatchBuilder / BalanceTracker
// ============================================================================

func TestBatchBuilder_DeterministicIDs(t *testing.T) {
	user := uuid.New()

	build := func() *ledger.Batch {
		b := ledger.NewBatchBuilder("op-1", 42, 1000)
		b.Deposit(user, 1, 500)
		b.Deposit(user, 1, 200)
		return b.Build()
	}

	a, b := build(), build()
	if a.BatchID != b.BatchID {
		t.Error("batch ids differ for identical input")
	}
	for i := range a.Journals {
		if a.Journals[i].JournalID != b.Journals[i].JournalID {
			t.Errorf("journal %d ids differ", i)
		}
	}
	if a.Journals[0].JournalID == a.Journals[1].JournalID {
		t.Error("legs share a journal id")
	}
}

func TestBatchBuilder_SkipsZeroAmounts(t *testing.T) {
	b := ledger.NewBatchBuilder("op", 1, 0)
	b.Deposit(uuid.New(), 1, 0)
	if b.Len() != 0 {
		t.Errorf("expected zero legs, got %d", b.Len())
	}
}

func TestBatchBuilder_PanicsOnNegative(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic")
		} else if !strings.Contains(r.(string), "FATAL") {
			t.Errorf("unexpected panic: %v", r)
		}
	}()
	b := ledger.NewBatchBuilder("op", 1, 0)
	b.Deposit(uuid.New(), 1, -5)
}

func TestBalanceTracker_IssueAndBurn(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	user := uuid.New()
	const market ledger.AssetID = 2

	b := ledger.NewBatchBuilder("issue", 1, 0)
	b.Issue(market, user, 1000)
	if err := bt.ApplyBatch(b.Build()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetSupply(market); got != 1000 {
		t.Errorf("supply: got %d, want 1000", got)
	}
	if got := bt.GetAvailable(user, market); got != 1000 {
		t.Errorf("available: got %d, want 1000", got)
	}

	b = ledger.NewBatchBuilder("burn", 2, 0)
	b.Burn(market, ledger.UserAvailable(user, market), 400)
	if err := bt.ApplyBatch(b.Build()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetSupply(market); got != 600 {
		t.Errorf("supply after burn: got %d, want 600", got)
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

func TestBatch_RejectsCrossAssetJournal(t *testing.T) {
	user := uuid.New()
	b := ledger.NewBatchBuilder("bad", 1, 0)
	b.Transfer(ledger.UserAvailable(user, 1), ledger.UserAvailable(uuid.New(), 2), 10, ledger.JournalTypeTransfer)

	if err := b.Build().Validate(); err == nil {
		t.Error("expected cross-asset journal to be rejected")
	}
}

func TestInvariantValidator_TouchedNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	alice, bob := uuid.New(), uuid.New()

	b := ledger.NewBatchBuilder("overdraw", 1, 0)
	b.Transfer(ledger.UserAvailable(bob, 1), ledger.UserAvailable(alice, 1), 10, ledger.JournalTypeTransfer)
	batch := b.Build()
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := v.ValidateTouchedNonNegative(batch); err == nil {
		t.Error("expected negative balance to be reported")
	}
}
