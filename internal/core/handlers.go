package core

import (
	"fmt"

	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/state"

	"github.com/google/uuid"
)

// dispatch routes an operation to its handler. now is the block time.
func (c *DeterministicCore) dispatch(op event.Operation, now int64, fx *state.Effects) (*state.MatchOutcome, error) {
	switch o := op.(type) {
	case *event.CreateAsset:
		return nil, c.handleCreateAsset(o)
	case *event.UpdateAssetParams:
		return nil, c.handleUpdateAssetParams(o, now, fx)
	case *event.UpdateFeedProducers:
		return nil, c.handleUpdateFeedProducers(o, now, fx)
	case *event.Deposit:
		return nil, c.handleDeposit(o, fx)
	case *event.Transfer:
		return nil, c.handleTransfer(o, fx)
	case *event.Borrow:
		return nil, c.handleBorrow(o, fx)
	case *event.Cover:
		return nil, c.handleCover(o, fx)
	case *event.PublishFeed:
		return nil, c.handlePublishFeed(o, now, fx)
	case *event.Settle:
		return nil, c.handleSettle(o, now, fx)
	case *event.CancelSettle:
		return nil, c.handleCancelSettle(o, fx)
	case *event.BidCollateral:
		return nil, c.handleBidCollateral(o, fx)
	case *event.CancelBid:
		return nil, c.handleCancelBid(o, fx)
	case *event.MatchLimitOrder:
		return c.handleMatchLimitOrder(o, fx)
	case *event.ClaimCollateralFees:
		return nil, c.handleClaimCollateralFees(o, fx)
	case *event.ClearExpired:
		c.arena.ClearExpired(now, fx)
		return nil, nil
	case *event.RunMaintenance:
		c.arena.RunMaintenance(now, fx)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown operation type: %T", op)
	}
}

func (c *DeterministicCore) handleCreateAsset(op *event.CreateAsset) error {
	if op.Market == nil {
		_, err := c.arena.CreatePlainAsset(op.Symbol, op.Issuer)
		return err
	}
	params := state.ParamsFromEvent(*op.Market)
	_, err := c.arena.CreateMarket(op.Symbol, op.Issuer, op.Market.BackingAsset, params, op.Market.FeedProducers)
	return err
}

// issuerMarket resolves a market and checks that issuer controls it.
func (c *DeterministicCore) issuerMarket(symbol string, issuer uuid.UUID) (*state.Market, error) {
	m, err := c.arena.Market(symbol)
	if err != nil {
		return nil, err
	}
	if m.Issuer != issuer {
		return nil, fmt.Errorf("%s is not the issuer of %s: %w", m.Issuer, symbol, state.ErrUnauthorized)
	}
	return m, nil
}

func (c *DeterministicCore) handleUpdateAssetParams(op *event.UpdateAssetParams, now int64, fx *state.Effects) error {
	m, err := c.issuerMarket(op.Symbol, op.Issuer)
	if err != nil {
		return err
	}
	params := state.ParamsFromEvent(op.Params)
	if err := params.Validate(); err != nil {
		return err
	}
	m.UpdateParams(params, now, fx)
	return nil
}

func (c *DeterministicCore) handleUpdateFeedProducers(op *event.UpdateFeedProducers, now int64, fx *state.Effects) error {
	m, err := c.issuerMarket(op.Symbol, op.Issuer)
	if err != nil {
		return err
	}
	m.UpdateProducers(op.Producers, now, fx)
	return nil
}

// handleDeposit credits a plain asset from outside the ledger. Pegged assets
// only come into existence by borrowing.
func (c *DeterministicCore) handleDeposit(op *event.Deposit, fx *state.Effects) error {
	asset, err := c.arena.Asset(op.Asset)
	if err != nil {
		return err
	}
	if asset.MarketPegged {
		return fmt.Errorf("deposit of pegged asset %s: %w", op.Asset, state.ErrUnauthorized)
	}
	if op.Amount <= 0 {
		return fmt.Errorf("deposit amount %d: %w", op.Amount, state.ErrInvalidAmount)
	}
	fx.Batch.Deposit(op.Account, asset.ID, op.Amount)
	return nil
}

func (c *DeterministicCore) handleTransfer(op *event.Transfer, fx *state.Effects) error {
	asset, err := c.arena.Asset(op.Asset)
	if err != nil {
		return err
	}
	if op.Amount <= 0 || op.From == op.To {
		return fmt.Errorf("transfer %d from %s to %s: %w", op.Amount, op.From, op.To, state.ErrInvalidAmount)
	}
	from := ledger.UserAvailable(op.From, asset.ID)
	if have := c.balances.GetBalance(from); have < op.Amount {
		return fmt.Errorf("account %s has %d %s, transfer needs %d: %w", op.From, have, op.Asset, op.Amount, state.ErrInsufficientBalance)
	}
	fx.Batch.Transfer(ledger.UserAvailable(op.To, asset.ID), from, op.Amount, ledger.JournalTypeTransfer)
	return nil
}

func (c *DeterministicCore) handleBorrow(op *event.Borrow, fx *state.Effects) error {
	m, err := c.arena.Market(op.DebtAsset)
	if err != nil {
		return err
	}
	_, err = m.Borrow(state.BorrowRequest{
		Owner:                 op.Owner,
		DebtAmount:            op.DebtAmount,
		CollateralAmount:      op.CollateralAmount,
		TargetCollateralRatio: op.TargetCollateralRatio,
	}, c.balances, fx)
	return err
}

func (c *DeterministicCore) handleCover(op *event.Cover, fx *state.Effects) error {
	m, err := c.arena.Market(op.DebtAsset)
	if err != nil {
		return err
	}
	_, err = m.Cover(state.CoverRequest{
		Owner:               op.Owner,
		DebtAmount:          op.DebtAmount,
		CollateralToRelease: op.CollateralToRelease,
	}, c.balances, fx)
	return err
}

func (c *DeterministicCore) handlePublishFeed(op *event.PublishFeed, now int64, fx *state.Effects) error {
	m, err := c.arena.Market(op.Asset)
	if err != nil {
		return err
	}
	return m.PublishFeed(op.Producer, op.Feed, now, fx)
}

func (c *DeterministicCore) handleSettle(op *event.Settle, now int64, fx *state.Effects) error {
	m, err := c.arena.Market(op.Asset)
	if err != nil {
		return err
	}
	_, err = m.Settle(op.Owner, op.Amount, now, c.balances, fx)
	return err
}

func (c *DeterministicCore) handleCancelSettle(op *event.CancelSettle, fx *state.Effects) error {
	m, ok := c.arena.MarketOfSettlement(op.SettlementID)
	if !ok {
		return fmt.Errorf("settlement %d: %w", op.SettlementID, state.ErrNotFound)
	}
	return m.CancelSettle(op.Owner, op.SettlementID, fx)
}

func (c *DeterministicCore) handleBidCollateral(op *event.BidCollateral, fx *state.Effects) error {
	m, err := c.arena.Market(op.Asset)
	if err != nil {
		return err
	}
	_, err = m.BidCollateral(op.Bidder, op.Collateral, op.DebtCovered, c.balances, fx)
	return err
}

func (c *DeterministicCore) handleCancelBid(op *event.CancelBid, fx *state.Effects) error {
	m, err := c.arena.Market(op.Asset)
	if err != nil {
		return err
	}
	return m.CancelBid(op.Bidder, fx)
}

// handleMatchLimitOrder prices the order at min_to_receive / amount_for_sale.
func (c *DeterministicCore) handleMatchLimitOrder(op *event.MatchLimitOrder, fx *state.Effects) (*state.MatchOutcome, error) {
	m, err := c.arena.Market(op.Asset)
	if err != nil {
		return nil, err
	}
	outcome, err := m.MatchLimitOrder(state.LimitOrder{
		OrderID: op.OrderID,
		Seller:  op.Seller,
		Amount:  op.AmountForSale,
		Price:   ledger.NewPrice(op.AmountForSale, m.AssetID, op.MinToReceive, m.BackingAsset),
	}, c.balances, fx)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (c *DeterministicCore) handleClaimCollateralFees(op *event.ClaimCollateralFees, fx *state.Effects) error {
	m, err := c.arena.Market(op.Asset)
	if err != nil {
		return err
	}
	return m.ClaimCollateralFees(op.Issuer, op.Amount, fx)
}
