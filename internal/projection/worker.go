package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"PegLedger/internal/core"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/persistence"
	"PegLedger/internal/state"

	"github.com/rs/zerolog"
)

// watermarkName identifies this worker in projections.watermark.
const watermarkName = "main"

// ProjectionOutput is what the projection tables need from one core output.
type ProjectionOutput struct {
	Sequence int64
	OpType   string
	Balances []BalanceEntry
	Facts    []ingestion.PublishableFact
	Markets  []state.MarketSummary
}

// BalanceEntry is an absolute post-operation balance.
type BalanceEntry struct {
	AccountPath string
	AssetID     uint16
	Balance     int64
}

// NewProjectionOutput converts a core output.
func NewProjectionOutput(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence: out.Envelope.Sequence,
		OpType:   out.Envelope.OpType.String(),
		Facts:    ingestion.NewPublishableFacts(out),
	}
	if out.Result != nil {
		po.Markets = out.Result.Markets
		for _, b := range out.Result.Balances {
			po.Balances = append(po.Balances, BalanceEntry{
				AccountPath: b.Key.AccountPath(),
				AssetID:     uint16(b.Key.AssetID),
				Balance:     b.Balance,
			})
		}
	}
	return po
}

// ProjectionWorker updates projection tables from core outputs. The core
// sends to it non-blocking, so outputs can be dropped; balances and market
// summaries are written as absolute values and heal on the next change.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	cache     *persistence.MarketCache
	history   *FactHistory
	onCommit  func(facts []ingestion.PublishableFact)
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
		lastSeq:   -1,
	}
}

// WithCache refreshes the Redis market cache after each commit.
func (pw *ProjectionWorker) WithCache(cache *persistence.MarketCache) *ProjectionWorker {
	pw.cache = cache
	return pw
}

// WithHistory records committed facts in memory.
func (pw *ProjectionWorker) WithHistory(history *FactHistory) *ProjectionWorker {
	pw.history = history
	return pw
}

// OnCommit registers a hook that receives each committed output's facts.
func (pw *ProjectionWorker) OnCommit(fn func(facts []ingestion.PublishableFact)) *ProjectionWorker {
	pw.onCommit = fn
	return pw
}

// LastSequence is the last sequence this worker committed.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Run consumes outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			output := NewProjectionOutput(out)
			if err := pw.Apply(ctx, output); err != nil {
				// eventually consistent; RebuildBalances restores from the journal
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
			}
		}
	}
}

// Apply writes one output and runs the post-commit steps.
func (pw *ProjectionWorker) Apply(ctx context.Context, output ProjectionOutput) error {
	start := time.Now()
	if err := pw.processOutput(ctx, output); err != nil {
		return err
	}
	pw.lastSeq = output.Sequence
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.OpType).Observe(time.Since(start).Seconds())
	}

	if pw.cache != nil && len(output.Markets) > 0 {
		if err := pw.cache.PutMarkets(ctx, output.Markets); err != nil {
			pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("market cache write failed")
			if pw.metrics != nil {
				pw.metrics.CacheWriteErrors.Inc()
			}
		}
	}
	if pw.history != nil {
		pw.history.Add(output.Facts)
	}
	if pw.onCommit != nil && len(output.Facts) > 0 {
		pw.onCommit(output.Facts)
	}
	return nil
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range output.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (account_path) DO UPDATE
				SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
				WHERE projections.balances.last_sequence < EXCLUDED.last_sequence
		`, b.AccountPath, b.AssetID, b.Balance, output.Sequence); err != nil {
			return fmt.Errorf("balance projection %s: %w", b.AccountPath, err)
		}
	}

	for _, f := range output.Facts {
		payload, err := json.Marshal(f.Fact)
		if err != nil {
			return fmt.Errorf("encode fact %d/%d: %w", f.Sequence, f.Index, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.market_facts
				(sequence, fact_index, asset, fact_type, block_height, op_index, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence, fact_index) DO NOTHING
		`, f.Sequence, f.Index, f.Asset, f.FactType, f.BlockHeight, f.OpIndex, string(payload)); err != nil {
			return fmt.Errorf("fact projection: %w", err)
		}
	}

	for _, m := range output.Markets {
		summary, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode market %s: %w", m.Symbol, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.markets (symbol, status, summary, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (symbol) DO UPDATE
				SET status = EXCLUDED.status, summary = EXCLUDED.summary,
				    last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
				WHERE projections.markets.last_sequence < EXCLUDED.last_sequence
		`, m.Symbol, m.Status, string(summary), output.Sequence); err != nil {
			return fmt.Errorf("market projection %s: %w", m.Symbol, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, watermarkName, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// RebuildBalances recomputes the balance projection from the journal. A
// debit increases an account's balance and a credit decreases it.
func RebuildBalances(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.balances`); err != nil {
		return fmt.Errorf("truncate balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence, updated_at)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence), NOW()
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence
			FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), -1), NOW() FROM event_log.events
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, watermarkName); err != nil {
		return fmt.Errorf("reset watermark: %w", err)
	}
	return tx.Commit()
}
