package repositories

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isUndefinedTable reports SQLSTATE 42P01, e.g. after the table was
// dropped behind a running process.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
