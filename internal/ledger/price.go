package ledger

import (
	"fmt"

	fpmath "PegLedger/internal/math"

	"github.com/shopspring/decimal"
)

// AssetAmount is an integer amount of one asset.
type AssetAmount struct {
	Amount  int64   `json:"amount"`
	AssetID AssetID `json:"asset_id"`
}

// Price is an exact ratio: Base.Amount units of the base asset are worth
// Quote.Amount units of the quote asset. Market prices in this ledger always
// use the pegged (debt) asset as base and the backing collateral as quote,
// so a larger price means collateral is worth less.
type Price struct {
	Base  AssetAmount `json:"base"`
	Quote AssetAmount `json:"quote"`
}

// NewPrice builds a debt/collateral price.
func NewPrice(base int64, baseAsset AssetID, quote int64, quoteAsset AssetID) Price {
	return Price{
		Base:  AssetAmount{Amount: base, AssetID: baseAsset},
		Quote: AssetAmount{Amount: quote, AssetID: quoteAsset},
	}
}

// IsValid reports whether both sides are positive and name distinct assets.
func (p Price) IsValid() bool {
	return p.Base.Amount > 0 && p.Quote.Amount > 0 && p.Base.AssetID != p.Quote.AssetID
}

// IsZero reports whether the price is unset.
func (p Price) IsZero() bool {
	return p.Base.Amount == 0 && p.Quote.Amount == 0
}

// Cmp compares quote-per-base of p and o: -1 if p is cheaper, +1 if dearer.
func (p Price) Cmp(o Price) int {
	return fpmath.CompareProducts(p.Quote.Amount, o.Base.Amount, o.Quote.Amount, p.Base.Amount)
}

// QuoteFor converts a base amount into quote units.
func (p Price) QuoteFor(base int64, mode fpmath.RoundingMode) (int64, error) {
	return fpmath.MulDiv(base, p.Quote.Amount, p.Base.Amount, mode)
}

// BaseFor converts a quote amount into base units.
func (p Price) BaseFor(quote int64, mode fpmath.RoundingMode) (int64, error) {
	return fpmath.MulDiv(quote, p.Base.Amount, p.Quote.Amount, mode)
}

// Scale multiplies the quote-per-base ratio by num/den, reducing the result
// so it fits in int64 where possible.
func (p Price) Scale(num, den int64) (Price, error) {
	q := fpmath.MultiplyInt128(p.Quote.Amount, num)
	b := fpmath.MultiplyInt128(p.Base.Amount, den)
	g := fpmath.GCD(q, b)
	if g.Sign() != 0 {
		q.Quo(q, g)
		b.Quo(b, g)
	}
	if !q.IsInt64() || !b.IsInt64() {
		return Price{}, fmt.Errorf("scale price %s by %d/%d: %w", p, num, den, fpmath.ErrOverflow)
	}
	return NewPrice(b.Int64(), p.Base.AssetID, q.Int64(), p.Quote.AssetID), nil
}

// Decimal renders quote-per-base for display. Never used in state transitions.
func (p Price) Decimal() decimal.Decimal {
	if p.Base.Amount == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.Quote.Amount).DivRound(decimal.NewFromInt(p.Base.Amount), 12)
}

func (p Price) String() string {
	return fmt.Sprintf("%d/%d:%d/%d", p.Base.Amount, p.Base.AssetID, p.Quote.Amount, p.Quote.AssetID)
}
