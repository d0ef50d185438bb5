package main

import (
	"context"

	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"

	"github.com/rs/zerolog"
)

// coreLoop is the single goroutine that owns the deterministic core. NATS
// messages, direct submissions and snapshot captures are serialized here.
type coreLoop struct {
	core        *core.DeterministicCore
	rawEvents   <-chan ingestion.RawEvent
	submissions <-chan ingestion.Submission
	snapshotReq <-chan chan *core.SnapshotState
	snapshotter *snapshotter
	interval    int64
	logger      zerolog.Logger

	lastSnapshotSeq int64
	snapshotBusy    chan struct{}
}

func (l *coreLoop) run(ctx context.Context) {
	l.lastSnapshotSeq = l.core.GetSequence()
	l.snapshotBusy = make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-l.rawEvents:
			l.handleRaw(raw)

		case sub := <-l.submissions:
			ingestion.Apply(l.core, sub)

		case reply := <-l.snapshotReq:
			reply <- l.core.CreateSnapshotState()
			l.lastSnapshotSeq = l.core.GetSequence()
			continue
		}
		l.maybeSnapshot(ctx)
	}
}

// handleRaw applies one NATS message. Deterministic rejections are acked:
// redelivery would be rejected the same way.
func (l *coreLoop) handleRaw(raw ingestion.RawEvent) {
	op, err := ingestion.ParseRawEvent(raw)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("undecodable operation, terminated")
		raw.TermFunc()
		return
	}

	result, err := l.core.ProcessOperation(op)
	switch {
	case err != nil:
		l.logger.Info().Err(err).
			Str("op_type", op.OpType().String()).
			Str("idempotency_key", op.IdempotencyKey()).
			Msg("operation rejected")
	case result == nil:
		l.logger.Debug().
			Str("op_type", op.OpType().String()).
			Str("idempotency_key", op.IdempotencyKey()).
			Msg("duplicate operation")
	}
	raw.AckFunc()
}

// maybeSnapshot captures state every interval operations and hands it to a
// background save. A capture is skipped while the previous save is running.
func (l *coreLoop) maybeSnapshot(ctx context.Context) {
	if l.interval <= 0 || l.core.GetSequence()-l.lastSnapshotSeq < l.interval {
		return
	}
	select {
	case l.snapshotBusy <- struct{}{}:
	default:
		return
	}

	snap := l.core.CreateSnapshotState()
	l.lastSnapshotSeq = l.core.GetSequence()
	go func() {
		defer func() { <-l.snapshotBusy }()
		if err := l.snapshotter.save(ctx, snap); err != nil {
			l.logger.Warn().Err(err).Msg("periodic snapshot failed")
			return
		}
		l.snapshotter.verify(ctx, snap)
	}()
}
