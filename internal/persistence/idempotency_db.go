package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// dedupQueryTimeout bounds the cold-path lookup.
const dedupQueryTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the event-log tier of deduplication.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate checks whether (opType, idempotencyKey) is already logged.
func (pic *PostgresIdempotencyChecker) IsDuplicate(opType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupQueryTimeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.events
		WHERE op_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, opType, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the composite keys of the last n logged operations,
// oldest first, for warming the in-memory tier on a cold start.
func (pic *PostgresIdempotencyChecker) RecentKeys(ctx context.Context, n int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT op_type, idempotency_key FROM (
			SELECT sequence, op_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var opType, key string
		if err := rows.Scan(&opType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, opType+":"+key)
	}
	return keys, rows.Err()
}
