package projection

import (
	"sync"

	"PegLedger/internal/ingestion"
)

// FactHistory keeps the most recent committed facts per asset, so stream
// clients can backfill from a sequence without a database round trip.
type FactHistory struct {
	mu       sync.RWMutex
	perAsset int
	entries  map[string][]ingestion.PublishableFact
}

func NewFactHistory(perAsset int) *FactHistory {
	if perAsset <= 0 {
		perAsset = 256
	}
	return &FactHistory{
		perAsset: perAsset,
		entries:  make(map[string][]ingestion.PublishableFact),
	}
}

// Add appends facts in commit order, dropping the oldest beyond the bound.
func (h *FactHistory) Add(facts []ingestion.PublishableFact) {
	if len(facts) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, f := range facts {
		list := append(h.entries[f.Asset], f)
		if over := len(list) - h.perAsset; over > 0 {
			list = append(list[:0:0], list[over:]...)
		}
		h.entries[f.Asset] = list
	}
}

// Since returns facts for asset with sequence greater than afterSeq, oldest
// first. complete is false when older facts were already evicted, in which
// case the caller should read the gap from the database.
func (h *FactHistory) Since(asset string, afterSeq int64) (facts []ingestion.PublishableFact, complete bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.entries[asset]
	complete = len(list) < h.perAsset || (len(list) > 0 && list[0].Sequence <= afterSeq+1)
	for _, f := range list {
		if f.Sequence > afterSeq {
			facts = append(facts, f)
		}
	}
	return facts, complete
}

// Assets lists the assets with recorded facts.
func (h *FactHistory) Assets() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.entries))
	for a := range h.entries {
		out = append(out, a)
	}
	return out
}
