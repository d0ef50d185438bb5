package ledger

import "fmt"

// AssetID is the numeric handle of a registered asset. Zero is never assigned.
type AssetID uint16

// AssetRegistry maps asset symbols to ids in registration order, so every
// replica that applies the same create-asset operations assigns the same ids.
// Not thread-safe; owned by the deterministic core.
type AssetRegistry struct {
	bySymbol map[string]AssetID
	symbols  []string // index = id - 1
}

func NewAssetRegistry() *AssetRegistry {
	return &AssetRegistry{
		bySymbol: make(map[string]AssetID),
	}
}

// Register assigns the next id to symbol. Registering an existing symbol fails.
func (r *AssetRegistry) Register(symbol string) (AssetID, error) {
	if symbol == "" {
		return 0, fmt.Errorf("empty asset symbol")
	}
	if _, exists := r.bySymbol[symbol]; exists {
		return 0, fmt.Errorf("asset %s already registered", symbol)
	}
	if len(r.symbols) >= int(^uint16(0)) {
		return 0, fmt.Errorf("asset registry full")
	}
	r.symbols = append(r.symbols, symbol)
	id := AssetID(len(r.symbols))
	r.bySymbol[symbol] = id
	return id, nil
}

// GetAssetID resolves a symbol.
func (r *AssetRegistry) GetAssetID(symbol string) (AssetID, bool) {
	id, ok := r.bySymbol[symbol]
	return id, ok
}

// GetAssetName resolves an id.
func (r *AssetRegistry) GetAssetName(id AssetID) (string, bool) {
	if id == 0 || int(id) > len(r.symbols) {
		return "", false
	}
	return r.symbols[id-1], true
}

// Symbols returns all symbols ordered by id.
func (r *AssetRegistry) Symbols() []string {
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out
}

// Restore rebuilds the registry from an id-ordered symbol list.
func (r *AssetRegistry) Restore(symbols []string) error {
	r.bySymbol = make(map[string]AssetID, len(symbols))
	r.symbols = r.symbols[:0]
	for _, s := range symbols {
		if _, err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
