package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehmetymw/delta2dwh/internal/types"
)

func customersSpec() types.TableSpec {
	return types.TableSpec{
		Source:          "customers",
		Destination:     "customers",
		PrimaryKey:      []string{"customer_id"},
		WatermarkColumn: "updated_at",
	}
}

func TestBuildUpsertOverwritesEveryNonKeyColumn(t *testing.T) {
	stmt, err := buildUpsert("raw", customersSpec(), []string{"customer_id", "name", "updated_at"})
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO "raw"."customers" ("customer_id", "name", "updated_at", "_etl_loaded_at") `+
			`VALUES ($1, $2, $3, $4) ON CONFLICT ("customer_id") `+
			`DO UPDATE SET "name" = EXCLUDED."name", "updated_at" = EXCLUDED."updated_at", "_etl_loaded_at" = EXCLUDED."_etl_loaded_at"`,
		stmt.SQL)
}

func TestBuildUpsertCompositeKey(t *testing.T) {
	spec := types.TableSpec{
		Source:          "order_items",
		Destination:     "order_items",
		PrimaryKey:      []string{"order_id", "item_no"},
		WatermarkColumn: "updated_at",
	}
	stmt, err := buildUpsert("raw", spec, []string{"order_id", "item_no", "qty", "updated_at"})
	require.NoError(t, err)

	assert.Contains(t, stmt.SQL, `ON CONFLICT ("order_id", "item_no")`)
	assert.NotContains(t, stmt.SQL, `"order_id" = EXCLUDED`, "key columns must never be updated")
	assert.NotContains(t, stmt.SQL, `"item_no" = EXCLUDED`)
}

func TestBuildUpsertAllKeyTableDegradesToDoNothing(t *testing.T) {
	spec := types.TableSpec{
		Source:          "memberships",
		Destination:     "memberships",
		PrimaryKey:      []string{"group_id", "user_id", loadedAtColumn},
		WatermarkColumn: "updated_at",
	}
	stmt, err := buildUpsert("raw", spec, []string{"group_id", "user_id", loadedAtColumn})
	require.NoError(t, err)
	assert.Contains(t, stmt.SQL, "DO NOTHING")
	assert.NotContains(t, stmt.SQL, "DO UPDATE")
}

func TestBuildUpsertMissingPrimaryKeyColumn(t *testing.T) {
	_, err := buildUpsert("raw", customersSpec(), []string{"name", "updated_at"})
	require.Error(t, err)
	var se *types.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, types.KindSchemaMismatch, se.Kind)
	assert.Equal(t, "customers", se.Table)
}

func TestUpsertArgsStampLoadedAt(t *testing.T) {
	stmt, err := buildUpsert("raw", customersSpec(), []string{"customer_id", "name"})
	require.NoError(t, err)

	loadedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	args := stmt.Args(types.Row{"customer_id": 7, "name": "alice"}, loadedAt)
	assert.Equal(t, []any{7, "alice", loadedAt}, args)
}

func TestUpsertKeepsSourceLoadedAtColumn(t *testing.T) {
	// When the source already carries the audit column, the loader must
	// pass it through instead of double-stamping.
	sourceStamp := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	stmt, err := buildUpsert("raw", customersSpec(), []string{"customer_id", loadedAtColumn})
	require.NoError(t, err)
	assert.NotContains(t, stmt.SQL, `"_etl_loaded_at", "_etl_loaded_at"`)

	args := stmt.Args(types.Row{"customer_id": 7, loadedAtColumn: sourceStamp}, time.Now())
	assert.Equal(t, []any{7, sourceStamp}, args)
}

func TestAdvanceWatermarkSQLNeverRegresses(t *testing.T) {
	sql := advanceWatermarkSQL("raw")
	assert.Contains(t, sql, `INSERT INTO "raw"."_etl_watermarks"`)
	assert.Contains(t, sql, "ON CONFLICT (table_name) DO UPDATE")
	assert.Contains(t, sql, `GREATEST("_etl_watermarks".last_extracted_at, EXCLUDED.last_extracted_at)`,
		"a replayed batch must not move the stored watermark backwards")
}

func TestCreateWatermarksSQLLayout(t *testing.T) {
	sql := createWatermarksSQL("raw")
	assert.Contains(t, sql, "table_name text PRIMARY KEY")
	assert.Contains(t, sql, "last_extracted_at timestamptz NOT NULL")
	assert.Contains(t, sql, "last_loaded_at timestamptz NOT NULL")
	assert.Contains(t, sql, "rows_processed bigint NOT NULL")
}

func TestLockKeyIsStablePerTable(t *testing.T) {
	assert.Equal(t, lockKey("raw", "customers"), lockKey("raw", "customers"))
	assert.NotEqual(t, lockKey("raw", "customers"), lockKey("raw", "orders"))
	assert.NotEqual(t, lockKey("raw", "customers"), lockKey("staging", "customers"),
		"the schema is part of the lock identity")
}
