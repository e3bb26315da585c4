package publish

import (
	"context"
	"embed"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/db"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration in filename order into schema.
// Migration files refer to the schema as {{schema}}.
func Migrate(ctx context.Context, pool db.Pool, schema string) error {
	log := zap.L().With(zap.String("component", "publish.migrate"))
	qs := pgx.Identifier{schema}.Sanitize()

	if _, err := pool.Exec(ctx,
		"CREATE SCHEMA IF NOT EXISTS "+qs+";\n"+
			"CREATE TABLE IF NOT EXISTS "+qs+".schema_migrations (\n"+
			"    filename   TEXT PRIMARY KEY,\n"+
			"    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()\n"+
			");",
	); err != nil {
		return eris.Wrap(err, "publish: ensure migration table")
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "publish: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := appliedMigrations(ctx, pool, qs)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}
		data, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return eris.Wrapf(err, "publish: read migration %s", name)
		}

		if _, err := pool.Exec(ctx, strings.ReplaceAll(string(data), "{{schema}}", qs)); err != nil {
			return eris.Wrapf(err, "publish: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO "+qs+".schema_migrations (filename) VALUES ($1)", name,
		); err != nil {
			return eris.Wrapf(err, "publish: record migration %s", name)
		}
		log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool db.Pool, qs string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM "+qs+".schema_migrations")
	if err != nil {
		return nil, eris.Wrap(err, "publish: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "publish: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
