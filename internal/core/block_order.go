package core

import (
	"errors"
	"fmt"

	"PegLedger/internal/event"
)

// ErrBlockOrder is returned for operations behind the block cursor.
var ErrBlockOrder = errors.New("block order violation")

// BlockOrderValidator enforces that operations arrive in block order.
// Not thread-safe: only accessed from the deterministic core goroutine.
type BlockOrderValidator struct {
	cursor  event.BlockRef
	started bool
	metrics *BlockOrderMetrics
}

func NewBlockOrderValidator() *BlockOrderValidator {
	return &BlockOrderValidator{metrics: &BlockOrderMetrics{}}
}

// Validate checks ref against the cursor. An operation at or behind the cursor
// is accepted only as a known duplicate. Block time may not go backwards.
func (v *BlockOrderValidator) Validate(ref event.BlockRef, isDuplicate bool) error {
	if !v.started {
		return nil
	}
	if !v.cursor.Before(ref) {
		if isDuplicate {
			return nil
		}
		v.metrics.outOfOrder++
		return fmt.Errorf("%w: out-of-order operation: cursor=%d:%d, got=%d:%d",
			ErrBlockOrder, v.cursor.Height, v.cursor.OpIndex, ref.Height, ref.OpIndex)
	}
	if ref.Timestamp < v.cursor.Timestamp {
		v.metrics.clockRegressions++
		return fmt.Errorf("%w: block time regressed: cursor=%d, got=%d", ErrBlockOrder, v.cursor.Timestamp, ref.Timestamp)
	}
	return nil
}

// Advance moves the cursor to ref. Rejected operations still occupy their
// block position.
func (v *BlockOrderValidator) Advance(ref event.BlockRef) {
	if v.started && !v.cursor.Before(ref) {
		return
	}
	v.cursor = ref
	v.started = true
}

// Cursor returns the last accepted block position.
func (v *BlockOrderValidator) Cursor() (event.BlockRef, bool) {
	return v.cursor, v.started
}

// Restore resumes from a snapshot cursor.
func (v *BlockOrderValidator) Restore(ref event.BlockRef) {
	v.cursor = ref
	v.started = true
}

func (v *BlockOrderValidator) Metrics() *BlockOrderMetrics {
	return v.metrics
}

// BlockOrderMetrics counts ordering rejections.
type BlockOrderMetrics struct {
	outOfOrder       int64
	clockRegressions int64
}

func (m *BlockOrderMetrics) OutOfOrder() int64 {
	return m.outOfOrder
}

func (m *BlockOrderMetrics) ClockRegressions() int64 {
	return m.clockRegressions
}
