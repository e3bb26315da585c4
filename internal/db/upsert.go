package db

import (
	"context"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed merge into Table.
type UpsertConfig struct {
	Table        string // optionally schema-qualified
	Columns      []string
	ConflictKeys []string
	UpdateCols   []string // nil: every column outside ConflictKeys
}

func (c UpsertConfig) validate() error {
	if len(c.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(c.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (c UpsertConfig) updates() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	return slices.DeleteFunc(slices.Clone(c.Columns), func(col string) bool {
		return slices.Contains(c.ConflictKeys, col)
	})
}

// staging is the per-transaction temp table the rows are copied into.
func (c UpsertConfig) staging() pgx.Identifier {
	return pgx.Identifier{"_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")}
}

func (c UpsertConfig) mergeSQL() string {
	cols := quoteAndJoin(c.Columns)
	action := "DO NOTHING"
	if upd := c.updates(); len(upd) > 0 {
		set := make([]string, len(upd))
		for i, col := range upd {
			q := pgx.Identifier{col}.Sanitize()
			set[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return "INSERT INTO " + sanitizeTable(c.Table) + " (" + cols + ")" +
		" SELECT " + cols + " FROM " + c.staging().Sanitize() +
		" ON CONFLICT (" + quoteAndJoin(c.ConflictKeys) + ") " + action
}

// BulkUpsert copies rows into a temp table shaped like the target and merges
// them with INSERT ... ON CONFLICT. The temp table is dropped on commit.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	staging := cfg.staging()
	return inTx(ctx, pool, "upsert "+cfg.Table, func(tx pgx.Tx) (int64, error) {
		create := "CREATE TEMP TABLE " + staging.Sanitize() +
			" (LIKE " + sanitizeTable(cfg.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
		if _, err := tx.Exec(ctx, create); err != nil {
			return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
		}
		if _, err := tx.CopyFrom(ctx, staging, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
			return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
		}
		tag, err := tx.Exec(ctx, cfg.mergeSQL())
		if err != nil {
			return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		return tag.RowsAffected(), nil
	})
}

// sanitizeTable quotes a table name that may carry a schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
