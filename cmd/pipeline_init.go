package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/db"
	"github.com/sells-group/market-trends/internal/fetcher"
	"github.com/sells-group/market-trends/internal/ingest"
	"github.com/sells-group/market-trends/internal/pipeline"
	"github.com/sells-group/market-trends/internal/query"
	"github.com/sells-group/market-trends/internal/runlog"
)

// pipelineEnv holds the session, run log, optional database pool and the
// pipeline built on them.
type pipelineEnv struct {
	Session  *query.Session
	Runs     *runlog.Log
	Pool     *pgxpool.Pool // may be nil
	Pipeline *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Pool != nil {
		pe.Pool.Close()
	}
	if pe.Runs != nil {
		_ = pe.Runs.Close()
	}
	if pe.Session != nil {
		_ = pe.Session.Close()
	}
}

// initPipeline validates the config for mode, opens the query session and
// run log, connects the publish database when configured, and builds the
// Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	renames := ingest.DefaultRenames()
	if cfg.Paths.RenameTables != "" {
		r, err := ingest.LoadRenames(cfg.Paths.RenameTables)
		if err != nil {
			return nil, err
		}
		renames = r
	}

	env := &pipelineEnv{}
	s, err := query.Open(ctx, cfg.Engine)
	if err != nil {
		return nil, err
	}
	env.Session = s

	runs, err := runlog.Open(ctx, cfg.RunLog.Path)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "open run log")
	}
	env.Runs = runs

	// Retries are driven by the acquirer's policy.
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Source.UserAgent,
		Timeout:    10 * time.Minute,
		MaxRetries: 1,
	})

	var pool db.Pool
	if cfg.Publish.DatabaseURL != "" {
		p, err := db.Connect(ctx, cfg.Publish.DatabaseURL)
		switch {
		case err != nil && mode == "publish":
			env.Close()
			return nil, err
		case err != nil:
			zap.L().Warn("database unavailable, publishing disabled", zap.Error(err))
		default:
			env.Pool = p
			pool = p
		}
	}

	env.Pipeline = pipeline.New(cfg, s, f, pool, runs, renames)
	return env, nil
}
