package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PegLedger/internal/ledger"
	"PegLedger/internal/persistence"
	"PegLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a queried object has no projection row.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to projection tables. All responses
// carry as_of_sequence, the projection watermark at read time.
type QueryService struct {
	db     *sql.DB
	cache  *persistence.MarketCache
	logger zerolog.Logger
}

func NewQueryService(db *sql.DB, cache *persistence.MarketCache, logger zerolog.Logger) *QueryService {
	return &QueryService{db: db, cache: cache, logger: logger}
}

// GetBalances returns every projected account of owner.
func (qs *QueryService) GetBalances(ctx context.Context, owner uuid.UUID) (*BalanceResponse, error) {
	asOfSeq, err := qs.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT b.account_path, b.asset_id, COALESCE(m.symbol, ''), b.balance
		FROM projections.balances b
		LEFT JOIN projections.markets m ON (m.summary->>'asset_id')::INTEGER = b.asset_id
		WHERE b.account_path LIKE $1
		ORDER BY b.asset_id, b.account_path
	`, userPathPrefix(owner))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &BalanceResponse{Owner: owner, Balances: []AssetBalance{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var b AssetBalance
		if err := rows.Scan(&b.AccountPath, &b.AssetID, &b.Symbol, &b.Balance); err != nil {
			return nil, err
		}
		b.SubType = subTypeOf(b.AccountPath)
		resp.Balances = append(resp.Balances, b)
	}
	return resp, rows.Err()
}

// GetMarket returns a market summary, from the cache when present.
func (qs *QueryService) GetMarket(ctx context.Context, symbol string) (*MarketResponse, error) {
	if qs.cache != nil {
		summary, ok, err := qs.cache.GetMarket(ctx, symbol)
		if err != nil {
			qs.logger.Warn().Err(err).Str("symbol", symbol).Msg("market cache read failed")
		}
		if ok {
			asOfSeq, err := qs.Watermark(ctx)
			if err != nil {
				return nil, fmt.Errorf("watermark: %w", err)
			}
			return &MarketResponse{MarketSummary: *summary, Source: "cache", AsOfSequence: asOfSeq}, nil
		}
	}

	var raw []byte
	var lastSeq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT summary, last_sequence FROM projections.markets WHERE symbol = $1
	`, symbol).Scan(&raw, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var summary state.MarketSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil, fmt.Errorf("decode market %s: %w", symbol, err)
	}
	return &MarketResponse{MarketSummary: summary, Source: "db", AsOfSequence: lastSeq}, nil
}

// ListMarkets returns every projected market ordered by symbol.
func (qs *QueryService) ListMarkets(ctx context.Context) ([]MarketResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT summary, last_sequence FROM projections.markets ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	markets := []MarketResponse{}
	for rows.Next() {
		var raw []byte
		var m MarketResponse
		if err := rows.Scan(&raw, &m.AsOfSequence); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &m.MarketSummary); err != nil {
			return nil, fmt.Errorf("decode market summary: %w", err)
		}
		m.Source = "db"
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetFacts returns facts of asset with sequence greater than afterSeq,
// oldest first. An empty asset matches every asset.
func (qs *QueryService) GetFacts(ctx context.Context, asset string, afterSeq int64, limit int) ([]FactEntry, error) {
	query := `
		SELECT sequence, fact_index, asset, fact_type, block_height, op_index, payload
		FROM projections.market_facts
		WHERE sequence > $1
	`
	args := []interface{}{afterSeq}
	argIdx := 2

	if asset != "" {
		query += fmt.Sprintf(" AND asset = $%d", argIdx)
		args = append(args, asset)
		argIdx++
	}

	query += " ORDER BY sequence, fact_index"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	facts := []FactEntry{}
	for rows.Next() {
		var f FactEntry
		var payload []byte
		if err := rows.Scan(
			&f.Sequence, &f.Index, &f.Asset, &f.FactType,
			&f.BlockHeight, &f.OpIndex, &payload,
		); err != nil {
			return nil, err
		}
		f.Payload = json.RawMessage(payload)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// GetJournalHistory returns journal entries touching owner's accounts, newest
// first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{userPathPrefix(owner)}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		var journalType int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks sequence continuity, the hash chain and the global
// zero-sum of projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LastSequence: -1}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), -1) FROM event_log.events
	`).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	gaps, err := qs.collectSequences(ctx, `
		SELECT e1.sequence + 1
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence + 1
		WHERE e2.sequence IS NULL AND e1.sequence < $1
		ORDER BY e1.sequence
		LIMIT 10
	`, report.LastSequence)
	if err != nil {
		return nil, fmt.Errorf("sequence gaps: %w", err)
	}
	report.SequenceGaps = gaps

	breaks, err := qs.collectSequences(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	report.HashChainBreaks = breaks

	// every asset's balances sum to zero across user, market and external accounts
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
		ORDER BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0 &&
		len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

// EventLogInfo reports the tip of the event log and the latest snapshots.
func (qs *QueryService) EventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	info := &EventLogInfo{LastSequence: -1, LastSnapshot: -1, LastVerifiedSnapshot: -1}
	err := qs.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT MAX(sequence) FROM event_log.events), -1),
			(SELECT COUNT(*) FROM event_log.events),
			COALESCE((SELECT MAX(sequence) FROM event_log.snapshots), -1),
			COALESCE((SELECT MAX(sequence) FROM event_log.snapshots WHERE verified), -1)
	`).Scan(&info.LastSequence, &info.EventCount, &info.LastSnapshot, &info.LastVerifiedSnapshot)
	if err != nil {
		return nil, err
	}
	if info.ProjectionWatermark, err = qs.Watermark(ctx); err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	return info, nil
}

// Watermark is the last sequence the projection worker committed, or -1.
func (qs *QueryService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

// --- helpers ---

func (qs *QueryService) collectSequences(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}
