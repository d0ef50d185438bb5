package ledger

import (
	"fmt"
	"sort"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateTouchedNonNegative verifies that every account the batch moved,
// other than supply and external boundary accounts, is still >= 0.
func (v *InvariantValidator) ValidateTouchedNonNegative(batch *Batch) error {
	for _, j := range batch.Journals {
		for _, key := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if key.Scope == AccountScopeExternal || key.SubType == SubTypeSupply {
				continue
			}
			if err := v.tracker.ValidateNonNegative(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	assets := make([]AssetID, 0, len(totals))
	for id := range totals {
		assets = append(assets, id)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i] < assets[j] })

	for _, id := range assets {
		if totals[id] != 0 {
			return fmt.Errorf("global balance for asset %d is non-zero: %d", id, totals[id])
		}
	}

	return nil
}
