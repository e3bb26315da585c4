// Package acquire fetches the raw monthly trip files and the zone lookup
// table into the data directory.
package acquire

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/fetcher"
	"github.com/sells-group/market-trends/internal/ingest"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/resilience"
)

// ZoneLookupFile is the zone reference table under the data directory.
const ZoneLookupFile = "taxi_zone_lookup.csv"

// File is one raw monthly file.
type File struct {
	Year       int
	Month      int
	SourceType model.SourceType
	URL        string
	Path       string
}

// Status is the outcome of one file.
type Status string

// File outcomes.
const (
	StatusDownloaded Status = "downloaded"
	StatusPresent    Status = "present"
	StatusFailed     Status = "failed"
)

// Result is the outcome of fetching one file.
type Result struct {
	File   File
	Status Status
	Bytes  int64
	Err    error
}

// Summary counts the outcomes of a run.
type Summary struct {
	Results []Result
}

// Count returns how many files ended with status s.
func (s Summary) Count(st Status) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == st {
			n++
		}
	}
	return n
}

// Acquirer downloads the configured source files.
type Acquirer struct {
	fetcher  fetcher.Fetcher
	cfg      config.SourceConfig
	dataDir  string
	breakers *resilience.HostBreakers
	retry    resilience.RetryConfig
	log      *zap.Logger
}

// New creates an Acquirer writing under dataDir.
func New(f fetcher.Fetcher, cfg config.SourceConfig, dataDir string) *Acquirer {
	retry := resilience.DownloadRetryConfig(cfg.MaxRetries)
	retry.OnRetry = resilience.RetryLogger("acquire", "download")
	return &Acquirer{
		fetcher:  f,
		cfg:      cfg,
		dataDir:  dataDir,
		breakers: resilience.NewHostBreakers(resilience.DefaultCircuitBreakerConfig()),
		retry:    retry,
		log:      zap.L().With(zap.String("component", "acquire.acquirer")),
	}
}

// WithRetry overrides the download retry policy.
func (a *Acquirer) WithRetry(cfg resilience.RetryConfig) *Acquirer {
	a.retry = cfg
	return a
}

// Files lists every configured (year, month, type) file in period order.
func (a *Acquirer) Files() []File {
	base := strings.TrimRight(a.cfg.BaseURL, "/")
	var files []File
	for _, p := range a.cfg.Periods {
		for _, m := range p.Months {
			for _, t := range a.cfg.SourceTypes {
				st := model.SourceType(t)
				files = append(files, File{
					Year:       p.Year,
					Month:      m,
					SourceType: st,
					URL:        fmt.Sprintf("%s/%s_tripdata_%d-%02d.parquet", base, st, p.Year, m),
					Path:       ingest.SourceFile(a.dataDir, p.Year, m, st),
				})
			}
		}
	}
	return files
}

// present reports whether path holds a plausibly complete download.
func (a *Acquirer) present(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > a.cfg.MinFileBytes
}

// Run fetches every missing file sequentially. A file that still fails after
// the retry budget is recorded and skipped; only cancellation stops the run.
func (a *Acquirer) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for _, f := range a.Files() {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "acquire: cancelled")
		}
		sum.Results = append(sum.Results, a.fetch(ctx, f))
	}

	a.log.Info("acquisition complete",
		zap.Int("files", len(sum.Results)),
		zap.Int("downloaded", sum.Count(StatusDownloaded)),
		zap.Int("present", sum.Count(StatusPresent)),
		zap.Int("failed", sum.Count(StatusFailed)),
	)
	return sum, nil
}

func (a *Acquirer) fetch(ctx context.Context, f File) Result {
	if a.present(f.Path) {
		a.log.Debug("file present", zap.String("path", f.Path))
		return Result{File: f, Status: StatusPresent}
	}
	// Undersized leftovers are corrupt.
	_ = os.Remove(f.Path)

	n, err := a.download(ctx, f.URL, f.Path)
	if err == nil && !a.present(f.Path) {
		_ = os.Remove(f.Path)
		err = eris.Errorf("acquire: %s is only %d bytes", filepath.Base(f.Path), n)
	}
	if err != nil {
		a.log.Warn("download failed; skipping file",
			zap.String("url", f.URL),
			zap.Error(err),
		)
		return Result{File: f, Status: StatusFailed, Err: err}
	}

	a.log.Info("downloaded", zap.String("path", f.Path), zap.Int64("bytes", n))
	return Result{File: f, Status: StatusDownloaded, Bytes: n}
}

func (a *Acquirer) download(ctx context.Context, rawURL, path string) (int64, error) {
	cb := a.breakers.For(rawURL)
	return resilience.DoVal(ctx, a.retry, func(ctx context.Context) (int64, error) {
		return resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (int64, error) {
			return a.fetcher.DownloadToFile(ctx, rawURL, path)
		})
	})
}

// ZoneLookup fetches the zone reference table once. An existing file is kept.
func (a *Acquirer) ZoneLookup(ctx context.Context) (string, error) {
	path := filepath.Join(a.dataDir, ZoneLookupFile)
	if a.cfg.ZoneLookupURL == "" {
		return "", nil
	}
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return path, nil
	}
	if _, err := a.download(ctx, a.cfg.ZoneLookupURL, path); err != nil {
		return "", eris.Wrap(err, "acquire: zone lookup")
	}
	return path, nil
}
