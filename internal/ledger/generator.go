package ledger

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// batchNamespace seeds deterministic batch ids so that replicas and replays
// produce identical journals for identical operations.
var batchNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("PegLedger:batch:v1"))

// BatchBuilder accumulates the journal legs of one operation. Zero-amount legs
// are dropped; negative amounts are a programming error.
type BatchBuilder struct {
	batch *Batch
}

// NewBatchBuilder starts a batch for the operation identified by eventRef at
// the given core sequence.
func NewBatchBuilder(eventRef string, sequence int64, timestamp int64) *BatchBuilder {
	batchID := uuid.NewSHA1(batchNamespace, []byte(eventRef+":"+strconv.FormatInt(sequence, 10)))
	return &BatchBuilder{
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
			Journals:  make([]Journal, 0, 4),
		},
	}
}

// Transfer moves amount from credit to debit. Both keys must hold the same asset.
func (b *BatchBuilder) Transfer(debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	if amount < 0 {
		panic(fmt.Sprintf("FATAL: negative journal amount %d (%s -> %s)",
			amount, credit.AccountPath(), debit.AccountPath()))
	}

	leg := len(b.batch.Journals)
	b.batch.Journals = append(b.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.batch.BatchID, []byte(strconv.Itoa(leg))),
		BatchID:       b.batch.BatchID,
		EventRef:      b.batch.EventRef,
		Sequence:      b.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.batch.Timestamp,
	})
}

// Deposit credits a user from the external boundary.
func (b *BatchBuilder) Deposit(user uuid.UUID, asset AssetID, amount int64) {
	b.Transfer(
		NewUserAccountKey(user, SubTypeAvailable, asset),
		NewExternalAccountKey(SubTypeExternalDeposits, asset),
		amount, JournalTypeDeposit,
	)
}

// Issue mints amount of a market-pegged asset to a user.
func (b *BatchBuilder) Issue(market AssetID, user uuid.UUID, amount int64) {
	b.Transfer(
		NewUserAccountKey(user, SubTypeAvailable, market),
		NewMarketAccountKey(market, SubTypeSupply, market),
		amount, JournalTypeIssue,
	)
}

// Burn retires amount of a market-pegged asset held in from.
func (b *BatchBuilder) Burn(market AssetID, from AccountKey, amount int64) {
	b.Transfer(
		NewMarketAccountKey(market, SubTypeSupply, market),
		from,
		amount, JournalTypeBurn,
	)
}

// Len returns the number of legs accumulated so far.
func (b *BatchBuilder) Len() int {
	return len(b.batch.Journals)
}

// Build returns the accumulated batch. The builder must not be reused.
func (b *BatchBuilder) Build() *Batch {
	return b.batch
}

// UserAvailable is shorthand for a user's spendable account.
func UserAvailable(user uuid.UUID, asset AssetID) AccountKey {
	return NewUserAccountKey(user, SubTypeAvailable, asset)
}
