package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/mehmetymw/delta2dwh/internal/types"
	"github.com/mehmetymw/delta2dwh/internal/util"
)

// Session is one table's sync cycle on a pinned connection. The pinned
// connection is what keeps the advisory lock alive between batches.
type Session struct {
	conn    *pgxpool.Conn
	schema  string
	table   string
	lockKey int64
	epoch   time.Time
	clock   clock.Clock
	logger  *zap.Logger
}

// Watermark returns the stored high-water mark for the table, or the epoch
// when the table has never been synced. A missing watermark table counts
// as never synced too: dry runs skip the DDL that would create it.
func (s *Session) Watermark(ctx context.Context) (time.Time, error) {
	var wm time.Time
	err := s.conn.QueryRow(ctx, selectWatermarkSQL(s.schema), s.table).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) || isUndefinedTable(err) {
		return s.epoch, nil
	}
	if err != nil {
		return time.Time{}, s.wrap("read watermark", err)
	}
	return wm.UTC(), nil
}

// ApplyBatch writes one extracted page and its watermark in a single
// transaction: rows first, then the watermark, then commit. A crash can
// therefore never record a watermark for rows that were not stored.
// runRows is the row total committed earlier in this run; the watermark
// row carries runRows plus this batch.
func (s *Session) ApplyBatch(ctx context.Context, spec types.TableSpec, batch *types.Batch, runRows int64) (int64, error) {
	if batch.Len() == 0 {
		return 0, nil
	}
	stmt, err := buildUpsert(s.schema, spec, batch.Columns)
	if err != nil {
		return 0, err
	}
	loadedAt := s.clock.Now().UTC()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, s.wrap("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, row := range batch.Rows {
		b.Queue(stmt.SQL, stmt.Args(row, loadedAt)...)
	}
	br := tx.SendBatch(ctx, b)
	for range batch.Rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, s.wrap("upsert rows", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, s.wrap("upsert rows", err)
	}

	if err := advanceWatermark(ctx, tx, s.schema, s.table, batch.MaxWatermark, runRows+int64(batch.Len()), loadedAt); err != nil {
		return 0, s.wrap("advance watermark", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, s.wrap("commit", err)
	}

	s.logger.Debug("batch committed",
		zap.Int("rows", batch.Len()),
		zap.Time("watermark", batch.MaxWatermark))
	return int64(batch.Len()), nil
}

// Close drops the advisory lock and releases the pinned connection. The
// unlock runs on its own context so a canceled run still unlocks; if the
// unlock fails the connection is destroyed, which drops the lock server
// side instead of leaking it back into the pool.
func (s *Session) Close(ctx context.Context) error {
	defer s.conn.Release()
	unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", s.lockKey); err != nil {
		s.conn.Conn().Close(unlockCtx)
		return s.wrap("release table lock", err)
	}
	return nil
}

func (s *Session) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.SyncError{Kind: util.ClassifyPG(err, types.KindPersistence), Table: s.table, Op: op, Err: err}
}
