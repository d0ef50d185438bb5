package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeTransfer
	JournalTypeIssue            // pegged asset minted against a call position
	JournalTypeBurn             // pegged asset retired (cover, fill, redemption)
	JournalTypeCollateralLock   // owner -> call collateral
	JournalTypeCollateralRelease
	JournalTypeMarginCallPayout // call collateral -> counterparty
	JournalTypeMarginCallFee
	JournalTypeSettleEscrow
	JournalTypeSettleRefund
	JournalTypeSettlementPayout
	JournalTypeSettlementFee
	JournalTypeGlobalSettlement // call collateral -> settlement fund
	JournalTypeRedeem           // settlement fund -> holder
	JournalTypeBidEscrow
	JournalTypeBidRefund
	JournalTypeRevival // bid escrow / settlement fund -> call collateral
	JournalTypeFeeClaim
)

var journalTypeNames = map[JournalType]string{
	JournalTypeDeposit:           "deposit",
	JournalTypeTransfer:          "transfer",
	JournalTypeIssue:             "issue",
	JournalTypeBurn:              "burn",
	JournalTypeCollateralLock:    "collateral_lock",
	JournalTypeCollateralRelease: "collateral_release",
	JournalTypeMarginCallPayout:  "margin_call_payout",
	JournalTypeMarginCallFee:     "margin_call_fee",
	JournalTypeSettleEscrow:      "settle_escrow",
	JournalTypeSettleRefund:      "settle_refund",
	JournalTypeSettlementPayout:  "settlement_payout",
	JournalTypeSettlementFee:     "settlement_fee",
	JournalTypeGlobalSettlement:  "global_settlement",
	JournalTypeRedeem:            "redeem",
	JournalTypeBidEscrow:         "bid_escrow",
	JournalTypeBidRefund:         "bid_refund",
	JournalTypeRevival:           "revival",
	JournalTypeFeeClaim:          "fee_claim",
}

func (jt JournalType) String() string {
	if name, ok := journalTypeNames[jt]; ok {
		return name
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from batch id and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source operation
	Sequence      int64       // Global operation sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // ALWAYS positive
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries. One operation produces
// exactly one batch, applied all-or-nothing.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal is a balanced
// transfer by construction, so Σ debits == Σ credits per asset holds
// whenever every entry is individually valid.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s moves asset %d between accounts of another asset", j.JournalID, j.AssetID)
		}
	}

	return nil
}
