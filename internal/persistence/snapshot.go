package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"PegLedger/internal/state"

	"github.com/google/uuid"
)

// snapshotFormatVersion v1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotManager creates and loads state snapshots for recovery. A
// snapshot holds balances, market aggregates, the block cursor, recent
// idempotency keys and the chain tip.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the persisted form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64               `json:"sequence"`
	StateHash       []byte              `json:"state_hash"`
	Balances        map[string]int64    `json:"balances"` // AccountPath -> balance
	Arena           state.ArenaSnapshot `json:"arena"`
	BlockCursor     *event.BlockRef     `json:"block_cursor,omitempty"`
	IdempotencyKeys []string            `json:"idempotency_keys"`
	CreatedAt       time.Time           `json:"created_at"`
}

// NewSnapshotData converts a core snapshot for storage.
func NewSnapshotData(snap *core.SnapshotState, createdAt time.Time) *SnapshotData {
	data := &SnapshotData{
		Sequence:        snap.Sequence,
		StateHash:       append([]byte(nil), snap.StateHash[:]...),
		Balances:        make(map[string]int64, len(snap.Balances)),
		Arena:           snap.Arena,
		BlockCursor:     snap.BlockCursor,
		IdempotencyKeys: snap.IdempotencyKeys,
		CreatedAt:       createdAt,
	}
	for key, balance := range snap.Balances {
		data.Balances[key.AccountPath()] = balance
	}
	return data
}

// CoreState converts a stored snapshot back into core form.
func (d *SnapshotData) CoreState() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", d.Sequence, len(d.StateHash))
	}
	snap := &core.SnapshotState{
		Sequence:        d.Sequence,
		Balances:        make(map[ledger.AccountKey]int64, len(d.Balances)),
		Arena:           d.Arena,
		BlockCursor:     d.BlockCursor,
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(snap.StateHash[:], d.StateHash)
	for path, balance := range d.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", d.Sequence, err)
		}
		snap.Balances[key] = balance
	}
	return snap, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot unverified and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// ErrSnapshotNotLogged means the operation a snapshot was taken after has
// not been flushed to the event log yet.
var ErrSnapshotNotLogged = errors.New("snapshot sequence not yet in event log")

// VerifySnapshot marks a snapshot verified once its state hash matches the
// logged hash at the same sequence.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64, stateHash []byte) error {
	var logged []byte
	err := sm.db.QueryRowContext(ctx,
		`SELECT state_hash FROM event_log.events WHERE sequence = $1`, sequence,
	).Scan(&logged)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSnapshotNotLogged
	}
	if err != nil {
		return fmt.Errorf("load logged hash at seq %d: %w", sequence, err)
	}
	if !bytes.Equal(logged, stateHash) {
		return fmt.Errorf("snapshot %d hash %x does not match log %x", sequence, stateHash, logged)
	}
	return sm.MarkVerified(ctx, sequence)
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit logged operations starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, asset, block_height, op_index,
		       payload, facts, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.OpType, &e.IdempotencyKey, &e.Asset, &e.BlockHeight, &e.OpIndex,
			&e.Payload, &e.Facts, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when it is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// DecodeOperation rebuilds the logged operation for replay.
func DecodeOperation(row EventRow) (event.Operation, error) {
	opType, ok := event.ParseOpType(row.OpType)
	if !ok {
		return nil, fmt.Errorf("seq %d: unknown op type %q", row.Sequence, row.OpType)
	}
	op, _ := event.NewOperation(opType)
	if err := json.Unmarshal(row.Payload, op); err != nil {
		return nil, fmt.Errorf("seq %d: decode %s: %w", row.Sequence, row.OpType, err)
	}
	return op, nil
}
