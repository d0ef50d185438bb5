package state

import (
	"fmt"

	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"

	"github.com/google/uuid"
)

// BorrowRequest adds debt and collateral to the owner's position.
type BorrowRequest struct {
	Owner                 uuid.UUID
	DebtAmount            int64
	CollateralAmount      int64
	TargetCollateralRatio *int64
}

// Borrow issues DebtAmount of the pegged asset to the owner against
// CollateralAmount of backing collateral, creating the position if needed.
// Adding debt must leave the position above MCR; adding only collateral is
// always allowed.
func (m *Market) Borrow(req BorrowRequest, balances Balances, fx *Effects) (*CallPosition, error) {
	if m.IsGloballySettled() {
		return nil, fmt.Errorf("borrow %s: %w", m.Symbol, ErrAssetFrozen)
	}
	if req.DebtAmount < 0 || req.CollateralAmount < 0 || (req.DebtAmount == 0 && req.CollateralAmount == 0) {
		return nil, fmt.Errorf("borrow debt=%d collateral=%d: %w", req.DebtAmount, req.CollateralAmount, ErrInvalidAmount)
	}
	if err := ValidateTargetCollateralRatio(req.TargetCollateralRatio); err != nil {
		return nil, err
	}
	if m.CurrentFeed == nil {
		return nil, fmt.Errorf("borrow %s: %w", m.Symbol, ErrNoActiveFeed)
	}
	have := balances.GetBalance(ledger.UserAvailable(req.Owner, m.BackingAsset))
	if have < req.CollateralAmount {
		return nil, fmt.Errorf("owner %s has %d collateral, needs %d: %w", req.Owner, have, req.CollateralAmount, ErrInsufficientBalance)
	}

	p, exists := m.Calls.GetByOwner(req.Owner)
	if !exists {
		if req.DebtAmount == 0 {
			return nil, fmt.Errorf("new position needs debt: %w", ErrInvalidAmount)
		}
		p = &CallPosition{Owner: req.Owner, DebtAsset: m.AssetID, CollateralAsset: m.BackingAsset}
	}

	newDebt, err := fpmath.CheckedAdd(p.Debt, req.DebtAmount)
	if err != nil {
		return nil, fmt.Errorf("position debt: %w", ErrInvalidAmount)
	}
	newCollateral, err := fpmath.CheckedAdd(p.Collateral, req.CollateralAmount)
	if err != nil {
		return nil, fmt.Errorf("position collateral: %w", ErrInvalidAmount)
	}
	after := CallPosition{Debt: newDebt, Collateral: newCollateral}
	if req.DebtAmount > 0 && after.IsCallable(m.CurrentFeed) {
		return nil, fmt.Errorf("borrow leaves collateral ratio %d at or below MCR %d: %w",
			after.CollateralRatio(m.CurrentFeed.SettlementPrice), m.CurrentFeed.MaintenanceCollateralRatio,
			ErrInsufficientCollateralRatio)
	}

	fx.Batch.Issue(m.AssetID, req.Owner, req.DebtAmount)
	fx.Batch.Transfer(m.collateralPool(), ledger.UserAvailable(req.Owner, m.BackingAsset), req.CollateralAmount, ledger.JournalTypeCollateralLock)

	p.TargetCollateralRatio = req.TargetCollateralRatio
	if exists {
		m.Calls.Update(p, newDebt, newCollateral)
		fx.updated(ObjectCallPosition, p.ID)
	} else {
		p.ID = m.ids.call()
		p.Debt = newDebt
		p.Collateral = newCollateral
		m.Calls.Insert(p)
		fx.created(ObjectCallPosition, p.ID)
	}

	if !m.checkBlackSwan(fx) {
		m.syncTriggers(fx)
	}
	return p, nil
}

// CoverRequest repays debt and releases collateral.
type CoverRequest struct {
	Owner               uuid.UUID
	DebtAmount          int64
	CollateralToRelease int64
}

// Cover burns DebtAmount from the owner and releases collateral. Repaying
// all debt closes the position and releases all of its collateral.
func (m *Market) Cover(req CoverRequest, balances Balances, fx *Effects) (*CallPosition, error) {
	if m.IsGloballySettled() {
		return nil, fmt.Errorf("cover %s: %w", m.Symbol, ErrAssetFrozen)
	}
	p, ok := m.Calls.GetByOwner(req.Owner)
	if !ok {
		return nil, fmt.Errorf("position of %s in %s: %w", req.Owner, m.Symbol, ErrNotFound)
	}
	if req.DebtAmount < 0 || req.DebtAmount > p.Debt ||
		req.CollateralToRelease < 0 || req.CollateralToRelease > p.Collateral ||
		(req.DebtAmount == 0 && req.CollateralToRelease == 0) {
		return nil, fmt.Errorf("cover debt=%d release=%d of position debt=%d collateral=%d: %w",
			req.DebtAmount, req.CollateralToRelease, p.Debt, p.Collateral, ErrInvalidAmount)
	}
	have := balances.GetBalance(ledger.UserAvailable(req.Owner, m.AssetID))
	if have < req.DebtAmount {
		return nil, fmt.Errorf("owner %s has %d %s, cover needs %d: %w", req.Owner, have, m.Symbol, req.DebtAmount, ErrInsufficientBalance)
	}

	newDebt := p.Debt - req.DebtAmount
	newCollateral := p.Collateral - req.CollateralToRelease
	if newDebt > 0 && req.CollateralToRelease > 0 {
		if m.CurrentFeed == nil {
			return nil, fmt.Errorf("release collateral from %s: %w", m.Symbol, ErrNoActiveFeed)
		}
		after := CallPosition{Debt: newDebt, Collateral: newCollateral}
		if after.IsCallable(m.CurrentFeed) {
			return nil, fmt.Errorf("cover leaves collateral ratio at or below MCR %d: %w",
				m.CurrentFeed.MaintenanceCollateralRatio, ErrInsufficientCollateralRatio)
		}
	}

	fx.Batch.Burn(m.AssetID, ledger.UserAvailable(req.Owner, m.AssetID), req.DebtAmount)
	if newDebt == 0 {
		fx.Batch.Transfer(ledger.UserAvailable(req.Owner, m.BackingAsset), m.collateralPool(), p.Collateral, ledger.JournalTypeCollateralRelease)
		m.Calls.Update(p, 0, 0)
		fx.removed(ObjectCallPosition, p.ID)
	} else {
		fx.Batch.Transfer(ledger.UserAvailable(req.Owner, m.BackingAsset), m.collateralPool(), req.CollateralToRelease, ledger.JournalTypeCollateralRelease)
		m.Calls.Update(p, newDebt, newCollateral)
		fx.updated(ObjectCallPosition, p.ID)
	}

	m.syncTriggers(fx)
	return p, nil
}
