package state_test

import (
	"testing"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// harness drives one market through the arena, applying every operation's
// batch to a balance tracker and checking the market's bookkeeping after it.
type harness struct {
	t        *testing.T
	arena    *state.Arena
	balances *ledger.BalanceTracker
	market   *state.Market
	core     ledger.AssetID
	producer uuid.UUID
	issuer   uuid.UUID
	seq      int64
}

func defaultParams() state.MarketParams {
	return state.MarketParams{
		MarginCallFeeRatio:           0,
		ForceSettlementOffsetPercent: 0,
		ForceSettlementFeePercent:    0,
		MaximumForceSettlementVolume: 10_000,
		ForceSettlementDelay:         1_000,
		FeedLifetime:                 1_000_000,
		MinimumFeeds:                 1,
	}
}

func newHarness(t *testing.T, params state.MarketParams) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		arena:    state.NewArena(),
		balances: ledger.NewBalanceTracker(),
		producer: uuid.New(),
		issuer:   uuid.New(),
	}
	core, err := h.arena.CreatePlainAsset("CORE", h.issuer)
	require.NoError(t, err)
	h.core = core.ID

	h.market, err = h.arena.CreateMarket("USDP", h.issuer, "CORE", params, []uuid.UUID{h.producer})
	require.NoError(t, err)
	return h
}

// apply runs fn against a fresh batch and commits it when fn succeeds.
func (h *harness) apply(fn func(fx *state.Effects) error) (*state.Effects, error) {
	h.t.Helper()
	h.seq++
	fx := state.NewEffects(ledger.NewBatchBuilder("test", h.seq, h.seq))
	if err := fn(fx); err != nil {
		require.Zero(h.t, fx.Batch.Len(), "failed operation must not emit journal legs")
		return fx, err
	}
	require.NoError(h.t, h.balances.ApplyBatch(fx.Batch.Build()))
	require.NoError(h.t, h.arena.CheckInvariants(h.balances))
	for asset, total := range h.balances.ComputeGlobalBalance() {
		require.Zero(h.t, total, "asset %d not zero-sum", asset)
	}
	return fx, nil
}

func (h *harness) mustApply(fn func(fx *state.Effects) error) *state.Effects {
	h.t.Helper()
	fx, err := h.apply(fn)
	require.NoError(h.t, err)
	return fx
}

func (h *harness) deposit(user uuid.UUID, amount int64) {
	h.mustApply(func(fx *state.Effects) error {
		fx.Batch.Deposit(user, h.core, amount)
		return nil
	})
}

func (h *harness) transferPegged(from, to uuid.UUID, amount int64) {
	h.mustApply(func(fx *state.Effects) error {
		fx.Batch.Transfer(
			ledger.UserAvailable(to, h.market.AssetID),
			ledger.UserAvailable(from, h.market.AssetID),
			amount, ledger.JournalTypeTransfer,
		)
		return nil
	})
}

// publish sets a single-producer feed of base:quote (debt:collateral).
func (h *harness) publish(base, quote, mcr, mssr int64, now int64) *state.Effects {
	h.t.Helper()
	payload := event.FeedPayload{
		SettlementPrice:            event.PriceRatio{Base: base, Quote: quote},
		CoreExchangeRate:           event.PriceRatio{Base: base, Quote: quote},
		MaintenanceCollateralRatio: mcr,
		MaximumShortSqueezeRatio:   mssr,
	}
	return h.mustApply(func(fx *state.Effects) error {
		return h.market.PublishFeed(h.producer, payload, now, fx)
	})
}

func (h *harness) borrow(owner uuid.UUID, debt, collateral int64, tcr *int64) *state.CallPosition {
	h.t.Helper()
	var p *state.CallPosition
	h.mustApply(func(fx *state.Effects) error {
		var err error
		p, err = h.market.Borrow(state.BorrowRequest{
			Owner:                 owner,
			DebtAmount:            debt,
			CollateralAmount:      collateral,
			TargetCollateralRatio: tcr,
		}, h.balances, fx)
		return err
	})
	return p
}

func (h *harness) available(user uuid.UUID, asset ledger.AssetID) int64 {
	return h.balances.GetAvailable(user, asset)
}

func factsOf[T event.Fact](fx *state.Effects) []T {
	var out []T
	for _, f := range fx.Facts {
		if typed, ok := f.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func ratio(v int64) *int64 {
	return &v
}
