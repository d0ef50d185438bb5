package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/state"
)

const GenesisHashSeed = "PegLedger:genesis:v1"

// StateHasher maintains the hash chain over applied operations.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// stateDigest builds the canonical bytes hashed after each operation: every
// account the batch touched with its new balance, a summary of every market
// the operation concerned, and the facts it emitted.
type stateDigest struct {
	buf []byte
}

func (d *stateDigest) appendString(s string) {
	d.buf = binary.LittleEndian.AppendUint32(d.buf, uint32(len(s)))
	d.buf = append(d.buf, s...)
}

func (d *stateDigest) appendInt64(v int64) {
	d.buf = binary.LittleEndian.AppendUint64(d.buf, uint64(v))
}

func (d *stateDigest) appendAccounts(batch *ledger.Batch, balances *ledger.BalanceTracker) {
	touched := make(map[ledger.AccountKey]struct{})
	for _, j := range batch.Journals {
		touched[j.DebitAccount] = struct{}{}
		touched[j.CreditAccount] = struct{}{}
	}
	paths := make([]string, 0, len(touched))
	keys := make(map[string]ledger.AccountKey, len(touched))
	for key := range touched {
		path := key.AccountPath()
		paths = append(paths, path)
		keys[path] = key
	}
	sort.Strings(paths)
	for _, path := range paths {
		d.appendString(path)
		d.appendInt64(balances.GetBalance(keys[path]))
	}
}

func (d *stateDigest) appendMarket(m *state.Market) {
	d.appendInt64(int64(m.AssetID))
	d.appendInt64(int64(m.Status))
	d.appendInt64(int64(m.Calls.Len()))
	d.appendInt64(m.Calls.TotalDebt())
	d.appendInt64(m.Calls.TotalCollateral())
	d.appendInt64(int64(m.Settlements.Len()))
	d.appendInt64(m.Settlements.TotalBalance())
	d.appendInt64(int64(m.Bids.Len()))
	d.appendInt64(m.SettlementFund)
	d.appendInt64(m.SettlementDebt)
	d.appendInt64(m.AccumulatedCollateralFees)
	d.appendInt64(m.ForceSettledVolume)
	if m.CurrentFeed != nil {
		p := m.CurrentFeed.SettlementPrice
		d.appendInt64(p.Base.Amount)
		d.appendInt64(p.Quote.Amount)
		d.appendInt64(m.CurrentFeed.MaintenanceCollateralRatio)
		d.appendInt64(m.CurrentFeed.MaximumShortSqueezeRatio)
	} else {
		d.appendInt64(0)
	}
}

// appendFacts hashes the JSON form of each fact. Field order is fixed by the
// struct definitions, so the encoding is stable across replicas.
func (d *stateDigest) appendFacts(facts []event.FactRecord) error {
	for _, f := range facts {
		body, err := json.Marshal(f.Fact)
		if err != nil {
			return err
		}
		d.appendInt64(int64(f.Type))
		d.appendString(string(body))
	}
	return nil
}
