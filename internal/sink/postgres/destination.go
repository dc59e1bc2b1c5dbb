package postgres

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/mehmetymw/delta2dwh/internal/types"
	"github.com/mehmetymw/delta2dwh/internal/util"
)

// Warehouse is the destination database. It owns the connection pool, the
// watermark store and the per-table sessions.
type Warehouse struct {
	pool   *pgxpool.Pool
	schema string
	epoch  time.Time
	clock  clock.Clock
	logger *zap.Logger
}

// New connects to the destination database and verifies the connection.
// epoch is the watermark reported for tables that have never been synced.
func New(ctx context.Context, dsn, schema string, epoch time.Time, clk clock.Clock, logger *zap.Logger) (*Warehouse, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("parse sink dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &types.SyncError{Kind: types.KindPersistence, Op: "connect sink", Err: err}
	}
	logger.Info("connected to destination database", zap.String("schema", schema))
	return &Warehouse{pool: pool, schema: schema, epoch: epoch, clock: clk, logger: logger}, nil
}

// Close releases the connection pool.
func (w *Warehouse) Close() {
	w.pool.Close()
}

// EnsureSchema creates the destination schema and the watermark table when
// they do not exist yet.
func (w *Warehouse) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{w.schema}.Sanitize()),
		createWatermarksSQL(w.schema),
	}
	for _, stmt := range stmts {
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return w.wrap("", "ensure schema", err)
		}
	}
	return nil
}

// Begin pins a connection for one table's sync cycle and takes the table's
// advisory lock, so concurrent runs cannot interleave writes and watermark
// updates for the same table. The lock is held until Close.
func (w *Warehouse) Begin(ctx context.Context, destTable string) (types.TableSession, error) {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return nil, w.wrap(destTable, "acquire connection", err)
	}
	key := lockKey(w.schema, destTable)
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&locked); err != nil {
		conn.Release()
		return nil, w.wrap(destTable, "acquire table lock", err)
	}
	if !locked {
		conn.Release()
		return nil, &types.SyncError{
			Kind:  types.KindPersistence,
			Table: destTable,
			Op:    "acquire table lock",
			Err:   errors.New("advisory lock held by another run"),
		}
	}
	return &Session{
		conn:    conn,
		schema:  w.schema,
		table:   destTable,
		lockKey: key,
		epoch:   w.epoch,
		clock:   w.clock,
		logger:  w.logger.With(zap.String("table", destTable)),
	}, nil
}

func (w *Warehouse) wrap(table, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.SyncError{Kind: util.ClassifyPG(err, types.KindPersistence), Table: table, Op: op, Err: err}
}

// lockKey derives the advisory lock key for a destination table.
func lockKey(schema, table string) int64 {
	h := fnv.New64a()
	h.Write([]byte(schema))
	h.Write([]byte("."))
	h.Write([]byte(table))
	return int64(h.Sum64())
}
