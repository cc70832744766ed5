package emissionlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises Append across every proofd instance sharing the
// database.
const advisoryLockKey = int64(2_094_117_233)

const selectColumns = `SELECT idx, timestamp, slot, version, address, kind, message_hash, prev_hash, hash FROM emission_log`

// PostgresLog persists the chain to the emission_log table created by
// migrations/001_emission_log.up.sql.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresLog and writes the genesis entry if the table
// is empty.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresLog, error) {
	l := &PostgresLog{pool: pool, logger: logger.Named("emissionlog")}
	g := genesis(now())
	if _, err := pool.Exec(ctx,
		`INSERT INTO emission_log (idx, timestamp, slot, version, address, kind, message_hash, prev_hash, hash)
		 VALUES ($1, $2, 0, 0, '', $3, $4, $5, $6) ON CONFLICT (idx) DO NOTHING`,
		g.Index, g.Timestamp, g.Kind, g.MessageHash, g.PrevHash, g.Hash,
	); err != nil {
		return nil, fmt.Errorf("write genesis entry: %w", err)
	}
	return l, nil
}

// Append implements Log. The tail read and the insert share one transaction
// holding a transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, rec Record) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prev, err := scanEntry(tx.QueryRow(ctx, selectColumns+" ORDER BY idx DESC LIMIT 1"))
	if err != nil {
		return nil, fmt.Errorf("read log tail: %w", err)
	}

	e := chain(prev, rec, now())
	if _, err := tx.Exec(ctx,
		`INSERT INTO emission_log (idx, timestamp, slot, version, address, kind, message_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.Index, e.Timestamp, int64(e.Slot), int64(e.Version), e.Address,
		e.Kind, e.MessageHash, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert log entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit log tx: %w", err)
	}

	l.logger.Debug("emission logged",
		zap.Int("idx", e.Index),
		zap.Uint64("slot", e.Slot),
		zap.String("kind", e.Kind),
	)
	return e, nil
}

// Get implements Log.
func (l *PostgresLog) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx, selectColumns+" WHERE idx = $1", index))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get log entry %d: %w", index, err)
	}
	return e, nil
}

// List implements Log.
func (l *PostgresLog) List(ctx context.Context, from, limit int) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, selectColumns+" WHERE idx >= $1 ORDER BY idx ASC LIMIT $2", from, limit)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Entry, error) {
		return scanEntry(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan log rows: %w", err)
	}
	return out, nil
}

// Len implements Log.
func (l *PostgresLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx, "SELECT COUNT(*) FROM emission_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("count log entries: %w", err)
	}
	return n, nil
}

// Verify implements Log. It streams every row in index order.
func (l *PostgresLog) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, selectColumns+" ORDER BY idx ASC")
	if err != nil {
		return fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	var v chainVerifier
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan log row: %w", err)
		}
		if err := v.next(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM emission_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get log root: %w", err)
	}
	return hash, nil
}

// Close implements Log. The pool belongs to the caller.
func (l *PostgresLog) Close() error { return nil }

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e             Entry
		slot, version int64
	)
	if err := row.Scan(
		&e.Index, &e.Timestamp, &slot, &version, &e.Address,
		&e.Kind, &e.MessageHash, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Slot, e.Version = uint64(slot), uint64(version)
	return &e, nil
}
