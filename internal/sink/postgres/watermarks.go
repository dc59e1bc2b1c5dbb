package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// watermarkTable records, per destination table, how far extraction has
// durably progressed.
const watermarkTable = "_etl_watermarks"

// WatermarkRecord is one persisted watermark row.
type WatermarkRecord struct {
	Table           string
	LastExtractedAt time.Time
	LastLoadedAt    time.Time
	RowsProcessed   int64
}

// ListWatermarks returns every watermark record ordered by table name. A
// destination that has never been synced yields an empty list.
func (w *Warehouse) ListWatermarks(ctx context.Context) ([]WatermarkRecord, error) {
	rows, err := w.pool.Query(ctx, listWatermarksSQL(w.schema))
	if err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		return nil, w.wrap("", "list watermarks", err)
	}
	defer rows.Close()

	var out []WatermarkRecord
	for rows.Next() {
		var r WatermarkRecord
		if err := rows.Scan(&r.Table, &r.LastExtractedAt, &r.LastLoadedAt, &r.RowsProcessed); err != nil {
			return nil, w.wrap("", "list watermarks", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, w.wrap("", "list watermarks", err)
	}
	return out, nil
}

// advanceWatermark upserts the watermark row for table inside tx, the same
// transaction that wrote the rows it accounts for. GREATEST keeps the
// stored value from ever moving backwards, even when a batch is replayed.
func advanceWatermark(ctx context.Context, tx pgx.Tx, schema, table string, wm time.Time, rows int64, loadedAt time.Time) error {
	_, err := tx.Exec(ctx, advanceWatermarkSQL(schema), table, wm, loadedAt, rows)
	return err
}

func createWatermarksSQL(schema string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	table_name text PRIMARY KEY,
	last_extracted_at timestamptz NOT NULL,
	last_loaded_at timestamptz NOT NULL,
	rows_processed bigint NOT NULL
)`, pgx.Identifier{schema, watermarkTable}.Sanitize())
}

func selectWatermarkSQL(schema string) string {
	return fmt.Sprintf("SELECT last_extracted_at FROM %s WHERE table_name = $1",
		pgx.Identifier{schema, watermarkTable}.Sanitize())
}

func advanceWatermarkSQL(schema string) string {
	return fmt.Sprintf(`INSERT INTO %s (table_name, last_extracted_at, last_loaded_at, rows_processed)
VALUES ($1, $2, $3, $4)
ON CONFLICT (table_name) DO UPDATE SET
	last_extracted_at = GREATEST(%s.last_extracted_at, EXCLUDED.last_extracted_at),
	last_loaded_at = EXCLUDED.last_loaded_at,
	rows_processed = EXCLUDED.rows_processed`,
		pgx.Identifier{schema, watermarkTable}.Sanitize(),
		pgx.Identifier{watermarkTable}.Sanitize())
}

func listWatermarksSQL(schema string) string {
	return fmt.Sprintf("SELECT table_name, last_extracted_at, last_loaded_at, rows_processed FROM %s ORDER BY table_name",
		pgx.Identifier{schema, watermarkTable}.Sanitize())
}

// isUndefinedTable reports whether err is postgres undefined_table. The
// watermark table is missing exactly when the destination has never been
// prepared, which dry runs deliberately skip.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
