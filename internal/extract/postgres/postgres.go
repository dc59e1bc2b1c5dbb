package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mehmetymw/delta2dwh/internal/types"
	"github.com/mehmetymw/delta2dwh/internal/util"
)

// Extractor pulls changed rows from the source database in watermark order.
type Extractor struct {
	pool   *pgxpool.Pool
	schema string
	logger *zap.Logger
}

// New connects to the source database and verifies the connection.
func New(ctx context.Context, dsn, schema string, logger *zap.Logger) (*Extractor, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("parse source dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &types.SyncError{Kind: types.KindSourceUnavailable, Op: "connect source", Err: err}
	}
	logger.Info("connected to source database", zap.String("schema", schema))
	return &Extractor{pool: pool, schema: schema, logger: logger}, nil
}

// Close releases the connection pool.
func (e *Extractor) Close() {
	e.pool.Close()
}

// FetchPage returns at most one page of rows whose watermark column is
// strictly greater than since, ordered by that column ascending. A full
// page is re-read up to its boundary watermark so rows tied with the
// boundary are never split across pages; otherwise rows sharing the
// persisted watermark would be skipped by the next page.
func (e *Extractor) FetchPage(ctx context.Context, spec types.TableSpec, since time.Time) (*types.Batch, error) {
	batch, err := e.fetch(ctx, spec, pageSQL(e.schema, spec), since, spec.BatchSize)
	if err != nil {
		return nil, err
	}
	if batch.Len() < spec.BatchSize {
		return batch, nil
	}
	widened, err := e.fetch(ctx, spec, tieSQL(e.schema, spec), since, batch.MaxWatermark)
	if err != nil {
		return nil, err
	}
	if widened.Len() > batch.Len() {
		e.logger.Debug("widened page to keep watermark ties together",
			zap.String("table", spec.Source),
			zap.Int("rows", widened.Len()),
			zap.Int("page_rows", batch.Len()))
	}
	return widened, nil
}

// Count reports how many rows are pending beyond since. Used by dry runs.
func (e *Extractor) Count(ctx context.Context, spec types.TableSpec, since time.Time) (int64, error) {
	var n int64
	if err := e.pool.QueryRow(ctx, countSQL(e.schema, spec), since).Scan(&n); err != nil {
		return 0, e.wrap(spec.Source, "count pending", err)
	}
	return n, nil
}

func (e *Extractor) fetch(ctx context.Context, spec types.TableSpec, sql string, args ...any) (*types.Batch, error) {
	rows, err := e.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, e.wrap(spec.Source, "extract", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, fd := range fields {
		cols[i] = fd.Name
	}

	var out []types.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, e.wrap(spec.Source, "extract", err)
		}
		row := make(types.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, e.wrap(spec.Source, "extract", err)
	}
	return buildBatch(spec, cols, out)
}

func (e *Extractor) wrap(table, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &types.SyncError{Kind: util.ClassifyPG(err, types.KindSourceUnavailable), Table: table, Op: op, Err: err}
}

// buildBatch validates scanned rows against the spec and computes the
// greatest watermark among them.
func buildBatch(spec types.TableSpec, cols []string, rows []types.Row) (*types.Batch, error) {
	batch := &types.Batch{Table: spec.Source, Columns: cols, Rows: rows}
	if len(rows) == 0 {
		return batch, nil
	}

	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, pk := range spec.PrimaryKey {
		if !have[pk] {
			return nil, schemaErr(spec.Source, fmt.Errorf("primary key column %s not in result", pk))
		}
	}
	if !have[spec.WatermarkColumn] {
		return nil, schemaErr(spec.Source, fmt.Errorf("watermark column %s not in result", spec.WatermarkColumn))
	}

	for _, row := range rows {
		wm, ok := row[spec.WatermarkColumn].(time.Time)
		if !ok {
			return nil, schemaErr(spec.Source, fmt.Errorf("watermark column %s is %T, want a timestamp", spec.WatermarkColumn, row[spec.WatermarkColumn]))
		}
		if wm.After(batch.MaxWatermark) {
			batch.MaxWatermark = wm
		}
	}
	batch.MaxWatermark = batch.MaxWatermark.UTC()
	return batch, nil
}

func schemaErr(table string, err error) error {
	return &types.SyncError{Kind: types.KindSchemaMismatch, Table: table, Op: "extract", Err: err}
}

func pageSQL(schema string, spec types.TableSpec) string {
	table := pgx.Identifier{schema, spec.Source}.Sanitize()
	wm := pgx.Identifier{spec.WatermarkColumn}.Sanitize()
	return fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 ORDER BY %s ASC LIMIT $2", table, wm, wm)
}

func tieSQL(schema string, spec types.TableSpec) string {
	table := pgx.Identifier{schema, spec.Source}.Sanitize()
	wm := pgx.Identifier{spec.WatermarkColumn}.Sanitize()
	return fmt.Sprintf("SELECT * FROM %s WHERE %s > $1 AND %s <= $2 ORDER BY %s ASC", table, wm, wm, wm)
}

func countSQL(schema string, spec types.TableSpec) string {
	table := pgx.Identifier{schema, spec.Source}.Sanitize()
	wm := pgx.Identifier{spec.WatermarkColumn}.Sanitize()
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s > $1", table, wm)
}
