package state

import "errors"

// Typed failures returned by market operations. Handlers wrap them with
// context; callers test with errors.Is.
var (
	ErrInvalidAmount               = errors.New("state: invalid amount")
	ErrInsufficientCollateralRatio = errors.New("state: insufficient collateral ratio")
	ErrNoActiveFeed                = errors.New("state: no active feed")
	ErrAssetFrozen                 = errors.New("state: asset globally settled")
	ErrBidPriceBelowSettlement     = errors.New("state: bid price below global settlement price")
	ErrVolumeCapExceeded           = errors.New("state: force settlement volume cap exceeded")
	ErrNotFound                    = errors.New("state: not found")
	ErrUnauthorized                = errors.New("state: unauthorized")

	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrNotGloballySettled  = errors.New("state: asset not globally settled")
	ErrBiddingDisabled     = errors.New("state: collateral bidding disabled")
	ErrInvalidParams       = errors.New("state: invalid parameters")
	ErrUnknownAsset        = errors.New("state: unknown asset")
)
