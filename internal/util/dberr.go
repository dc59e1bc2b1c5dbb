package util

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mehmetymw/delta2dwh/internal/types"
)

// ClassifyPG maps a postgres error onto the sync error taxonomy. transient
// is the kind reported for connectivity-style failures, so callers decide
// whether the failure counts against the source or the destination.
func ClassifyPG(err error, transient types.Kind) types.Kind {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Dial and timeout failures surface as wrapped net errors
		// without a SQLSTATE.
		return transient
	}
	code := pgErr.Code
	switch {
	case strings.HasPrefix(code, "23"):
		// integrity_constraint_violation
		return types.KindConstraintViolation
	case strings.HasPrefix(code, "42"):
		// syntax_error_or_access_rule_violation: undefined_table (42P01),
		// undefined_column (42703) and friends
		return types.KindSchemaMismatch
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57"):
		// connection_exception, insufficient_resources, operator_intervention
		return transient
	default:
		return transient
	}
}
