package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyFromSchema bulk-inserts rows into a schema-qualified table using the
// COPY protocol.
func CopyFromSchema(ctx context.Context, pool Pool, schema, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := pool.CopyFrom(ctx, pgx.Identifier{schema, table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s.%s", schema, table)
	}
	return n, nil
}

// ReplaceTable truncates schema.table and reloads it with rows in a single
// transaction. On failure the previous contents remain.
func ReplaceTable(ctx context.Context, pool Pool, schema, table string, columns []string, rows [][]any) (int64, error) {
	target := pgx.Identifier{schema, table}
	return inTx(ctx, pool, "replace "+schema+"."+table, func(tx pgx.Tx) (int64, error) {
		if _, err := tx.Exec(ctx, "TRUNCATE "+target.Sanitize()); err != nil {
			return 0, eris.Wrapf(err, "db: truncate %s.%s", schema, table)
		}
		return CopyFromSchema(ctx, tx, schema, table, columns, rows)
	})
}

// inTx runs fn inside a transaction, committing only when fn succeeds.
func inTx(ctx context.Context, pool Pool, what string, fn func(tx pgx.Tx) (int64, error)) (int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: %s: begin tx", what)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := fn(tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: %s: commit tx", what)
	}
	return n, nil
}
