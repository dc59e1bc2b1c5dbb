package postgres

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mehmetymw/delta2dwh/internal/types"
)

// loadedAtColumn is stamped on every loaded row so downstream models can
// tell when the warehouse received it.
const loadedAtColumn = "_etl_loaded_at"

// upsertStmt is the rendered insert-or-update statement for one page's
// column layout.
type upsertStmt struct {
	SQL     string
	columns []string
	stamped bool
}

// buildUpsert renders the INSERT .. ON CONFLICT statement for one page.
// Every non-key column is overwritten from the incoming row, so replaying
// a page converges to the same destination state. Tables where every
// column is part of the key degrade to DO NOTHING. The loader appends
// loadedAtColumn unless the source already delivers a column of that name.
func buildUpsert(schema string, spec types.TableSpec, columns []string) (*upsertStmt, error) {
	key := make(map[string]bool, len(spec.PrimaryKey))
	for _, k := range spec.PrimaryKey {
		key[k] = true
	}

	cols := make([]string, 0, len(columns)+1)
	stamped := true
	for _, c := range columns {
		if c == loadedAtColumn {
			stamped = false
		}
		cols = append(cols, c)
	}
	if stamped {
		cols = append(cols, loadedAtColumn)
	}

	have := make(map[string]bool, len(cols))
	for _, c := range cols {
		have[c] = true
	}
	for _, k := range spec.PrimaryKey {
		if !have[k] {
			return nil, &types.SyncError{
				Kind:  types.KindSchemaMismatch,
				Table: spec.Destination,
				Op:    "build upsert",
				Err:   fmt.Errorf("primary key column %s missing from batch", k),
			}
		}
	}

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
		if !key[c] {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoted[i], quoted[i]))
		}
	}

	conflict := make([]string, len(spec.PrimaryKey))
	for i, k := range spec.PrimaryKey {
		conflict[i] = pgx.Identifier{k}.Sanitize()
	}

	action := "DO NOTHING"
	if len(updates) > 0 {
		action = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		pgx.Identifier{schema, spec.Destination}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(params, ", "),
		strings.Join(conflict, ", "),
		action)
	return &upsertStmt{SQL: sql, columns: cols, stamped: stamped}, nil
}

// Args lays out one row's values in statement order.
func (u *upsertStmt) Args(row types.Row, loadedAt time.Time) []any {
	args := make([]any, 0, len(u.columns))
	for _, c := range u.columns {
		if u.stamped && c == loadedAtColumn {
			args = append(args, loadedAt)
			continue
		}
		args = append(args, row[c])
	}
	return args
}
