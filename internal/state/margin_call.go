package state

import (
	"fmt"
	"slices"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"

	"github.com/google/uuid"
)

// MatchKind is the terminal state of a matching pass.
type MatchKind int32

const (
	// MatchMatched: the counter-order was filled completely
	MatchMatched MatchKind = iota
	// MatchExhausted: no eligible position is left for the remainder
	MatchExhausted
	// MatchTriggeredGlobalSettlement: a black swan froze the market mid-match;
	// Remaining is the unfilled part of the counter-order
	MatchTriggeredGlobalSettlement
)

func (k MatchKind) String() string {
	switch k {
	case MatchMatched:
		return "Matched"
	case MatchExhausted:
		return "Exhausted"
	case MatchTriggeredGlobalSettlement:
		return "TriggeredGlobalSettlement"
	default:
		return "Unknown"
	}
}

// MatchOutcome reports what a counter-order achieved against margin calls.
type MatchOutcome struct {
	Kind      MatchKind
	Fills     []*event.MarginCallFill
	Filled    int64
	Remaining int64
}

// LimitOrder is a counter-order routed in by the external order book: the
// seller offers Amount of the pegged asset and asks Price (collateral per debt).
type LimitOrder struct {
	OrderID string
	Seller  uuid.UUID
	Amount  int64
	Price   ledger.Price
}

// costFunc returns the collateral a fill of x debt takes from a position, or
// false if it does not fit in int64.
type costFunc func(x int64) (int64, bool)

// restoresTarget reports whether filling x leaves the position strictly above
// target at the feed price, or closes it.
func restoresTarget(p *CallPosition, feed *PriceFeed, target, x int64, cost costFunc) bool {
	if x >= p.Debt {
		return true
	}
	c, ok := cost(x)
	if !ok || c > p.Collateral {
		return false
	}
	price := feed.SettlementPrice
	return fpmath.CompareProducts3(
		p.Collateral-c, price.Base.Amount, fpmath.CollateralRatioDenom,
		p.Debt-x, price.Quote.Amount, target,
	) > 0
}

// tcrFill is the smallest debt amount whose fill restores the position to
// max(TCR, MCR). Positions without TCR are not capped.
func tcrFill(p *CallPosition, feed *PriceFeed, cost costFunc) int64 {
	if p.TargetCollateralRatio == nil {
		return p.Debt
	}
	target := p.targetRatio(feed.MaintenanceCollateralRatio)
	lo, hi := int64(1), p.Debt
	for lo < hi {
		mid := lo + (hi-lo)/2
		if restoresTarget(p, feed, target, mid, cost) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// fillSize bounds a fill by the counter amount and, when capped, the TCR cap.
// ok is false when the position cannot pay for that fill.
func fillSize(p *CallPosition, feed *PriceFeed, counter int64, capped bool, cost costFunc) (x int64, ok bool) {
	x = min(counter, p.Debt)
	if capped {
		x = min(x, tcrFill(p, feed, cost))
	}
	c, ok := cost(x)
	return x, ok && c <= p.Collateral
}

// marginCallCost charges paid = ceil(x * price) to the counterparty and
// fee = floor(paid * MCFR) on top, both taken from the position.
func (m *Market) marginCallCost(price ledger.Price) costFunc {
	return func(x int64) (int64, bool) {
		paid, err := price.QuoteFor(x, fpmath.RoundUp)
		if err != nil {
			return 0, false
		}
		fee := fpmath.ApplyBasisPoints(paid, m.Params.MarginCallFeeRatio)
		total, err := fpmath.CheckedAdd(paid, fee)
		return total, err == nil
	}
}

// eligibleForMarginCall orders callable positions for one counter-order:
// positions without TCR first, then ascending TCR; collateral ratio and id
// order is kept within each class.
func (m *Market) eligibleForMarginCall() []*CallPosition {
	eligible := m.callablePositions()
	slices.SortStableFunc(eligible, func(a, b *CallPosition) int {
		switch {
		case a.TargetCollateralRatio == nil && b.TargetCollateralRatio == nil:
			return 0
		case a.TargetCollateralRatio == nil:
			return -1
		case b.TargetCollateralRatio == nil:
			return 1
		case *a.TargetCollateralRatio < *b.TargetCollateralRatio:
			return -1
		case *a.TargetCollateralRatio > *b.TargetCollateralRatio:
			return 1
		}
		return 0
	})
	return eligible
}

// ValidateLimitOrder checks a counter-order before any mutation.
func (m *Market) ValidateLimitOrder(order LimitOrder, balances Balances) error {
	if m.IsGloballySettled() {
		return fmt.Errorf("match order on %s: %w", m.Symbol, ErrAssetFrozen)
	}
	if m.CurrentFeed == nil {
		return fmt.Errorf("match order on %s: %w", m.Symbol, ErrNoActiveFeed)
	}
	if order.Amount <= 0 || !order.Price.IsValid() {
		return fmt.Errorf("order %s: amount %d price %s: %w", order.OrderID, order.Amount, order.Price, ErrInvalidAmount)
	}
	have := balances.GetBalance(ledger.UserAvailable(order.Seller, m.AssetID))
	if have < order.Amount {
		return fmt.Errorf("seller %s has %d %s, order needs %d: %w", order.Seller, have, m.Symbol, order.Amount, ErrInsufficientBalance)
	}
	return nil
}

// MatchLimitOrder fills the order against margin-callable positions at the
// order's price, provided it does not exceed MSSP.
func (m *Market) MatchLimitOrder(order LimitOrder, balances Balances, fx *Effects) (MatchOutcome, error) {
	if err := m.ValidateLimitOrder(order, balances); err != nil {
		return MatchOutcome{}, err
	}

	outcome := MatchOutcome{Kind: MatchExhausted, Remaining: order.Amount}
	mssp, err := m.CurrentFeed.MSSP()
	if err != nil || order.Price.Cmp(mssp) > 0 {
		return outcome, nil
	}

	cost := m.marginCallCost(order.Price)
	for _, p := range m.eligibleForMarginCall() {
		if outcome.Remaining == 0 {
			break
		}
		if m.checkBlackSwan(fx) {
			outcome.Kind = MatchTriggeredGlobalSettlement
			return outcome, nil
		}
		x, affordable := fillSize(p, m.CurrentFeed, outcome.Remaining, true, cost)
		if !affordable {
			m.globalSettle(m.CurrentFeed.SettlementPrice, fx)
			outcome.Kind = MatchTriggeredGlobalSettlement
			return outcome, nil
		}
		fill := m.applyMarginCallFill(p, order, x, fx)
		outcome.Fills = append(outcome.Fills, fill)
		outcome.Filled += x
		outcome.Remaining -= x
	}

	if m.checkBlackSwan(fx) {
		outcome.Kind = MatchTriggeredGlobalSettlement
		return outcome, nil
	}
	if outcome.Remaining == 0 {
		outcome.Kind = MatchMatched
	}
	m.syncTriggers(fx)
	return outcome, nil
}

func (m *Market) applyMarginCallFill(p *CallPosition, order LimitOrder, x int64, fx *Effects) *event.MarginCallFill {
	paid, err := order.Price.QuoteFor(x, fpmath.RoundUp)
	if err != nil {
		panic(fmt.Sprintf("FATAL: margin call payout overflow after affordability check: %v", err))
	}
	fee := fpmath.ApplyBasisPoints(paid, m.Params.MarginCallFeeRatio)
	consumed := paid + fee

	fx.Batch.Burn(m.AssetID, ledger.UserAvailable(order.Seller, m.AssetID), x)
	fx.Batch.Transfer(ledger.UserAvailable(order.Seller, m.BackingAsset), m.collateralPool(), paid, ledger.JournalTypeMarginCallPayout)
	fx.Batch.Transfer(m.feePool(), m.collateralPool(), fee, ledger.JournalTypeMarginCallFee)
	m.AccumulatedCollateralFees += fee

	fill := &event.MarginCallFill{
		Asset:              m.AssetID,
		PositionID:         p.ID,
		Owner:              p.Owner,
		Counterparty:       order.Seller,
		OrderID:            order.OrderID,
		MatchPrice:         order.Price,
		DebtFilled:         x,
		CollateralPaid:     paid,
		Fee:                fee,
		CollateralConsumed: consumed,
	}
	fill.PositionClosed, fill.CollateralReturned = m.reducePosition(p, x, consumed, fx)
	fx.Emit(fill)
	return fill
}

// reducePosition takes debt and collateral from a position. A position whose
// debt reaches zero is removed and its leftover collateral released to the owner.
func (m *Market) reducePosition(p *CallPosition, debt, collateral int64, fx *Effects) (closed bool, returned int64) {
	newDebt := p.Debt - debt
	newCollateral := p.Collateral - collateral
	if newDebt < 0 || newCollateral < 0 {
		panic(fmt.Sprintf("FATAL: position %d reduced below zero (debt=%d, collateral=%d)", p.ID, newDebt, newCollateral))
	}
	if newDebt == 0 {
		fx.Batch.Transfer(ledger.UserAvailable(p.Owner, m.BackingAsset), m.collateralPool(), newCollateral, ledger.JournalTypeCollateralRelease)
		m.Calls.Update(p, 0, 0)
		fx.removed(ObjectCallPosition, p.ID)
		return true, newCollateral
	}
	m.Calls.Update(p, newDebt, newCollateral)
	fx.updated(ObjectCallPosition, p.ID)
	return false, 0
}
