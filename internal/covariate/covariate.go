// Package covariate retrieves the external daily series the transaction
// counts are correlated against, caching it per year.
package covariate

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/fetcher"
)

// ErrUnavailable is returned when the series can neither be read from cache
// nor fetched.
var ErrUnavailable = eris.New("covariate: series unavailable")

// Header is the column layout of the cached series.
var Header = []string{"date", "factor_value"}

// CachePath is the cached series for year under cacheDir.
func CachePath(cacheDir string, year int) string {
	return filepath.Join(cacheDir, fmt.Sprintf("external_factors_%d.csv", year))
}

// archiveResponse is the subset of the archive API payload that is used.
type archiveResponse struct {
	Daily map[string]json.RawMessage `json:"daily"`
}

// Client fetches the daily series through a Fetcher.
type Client struct {
	fetcher  fetcher.Fetcher
	cfg      config.CovariateConfig
	cacheDir string
	log      *zap.Logger
}

// NewClient creates a Client caching under cacheDir.
func NewClient(f fetcher.Fetcher, cfg config.CovariateConfig, cacheDir string) *Client {
	return &Client{
		fetcher:  f,
		cfg:      cfg,
		cacheDir: cacheDir,
		log:      zap.L().With(zap.String("component", "covariate.client")),
	}
}

// URL is the archive request for a full calendar year.
func (c *Client) URL(year int) string {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(c.cfg.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(c.cfg.Longitude, 'f', -1, 64))
	q.Set("start_date", fmt.Sprintf("%d-01-01", year))
	q.Set("end_date", fmt.Sprintf("%d-12-31", year))
	q.Set("daily", c.cfg.Variable)
	q.Set("timezone", c.cfg.Timezone)
	return c.cfg.URL + "?" + q.Encode()
}

// Fetch returns the path of the cached series for year, downloading it when
// no cache file exists. Any failure is reported as ErrUnavailable and leaves
// no cache file behind.
func (c *Client) Fetch(ctx context.Context, year int) (string, error) {
	path := CachePath(c.cacheDir, year)
	if atomicfile.Exists(path) {
		c.log.Debug("covariate cache hit", zap.String("path", path))
		return path, nil
	}

	resp, err := fetcher.FetchJSON[archiveResponse](ctx, c.fetcher, c.URL(year))
	if err != nil {
		return "", eris.Wrapf(ErrUnavailable, "fetch %d: %v", year, err)
	}

	data, err := c.encode(resp)
	if err != nil {
		return "", eris.Wrapf(ErrUnavailable, "decode %d: %v", year, err)
	}
	if err := atomicfile.WriteFile(path, data); err != nil {
		return "", eris.Wrapf(ErrUnavailable, "cache %d: %v", year, err)
	}

	c.log.Info("covariate series cached", zap.Int("year", year), zap.String("path", path))
	return path, nil
}

// encode renders the daily series as CSV. Missing values are left empty.
func (c *Client) encode(resp *archiveResponse) ([]byte, error) {
	var dates []string
	var values []*float64
	if err := json.Unmarshal(resp.Daily["time"], &dates); err != nil {
		return nil, eris.Wrap(err, "covariate: daily.time")
	}
	if err := json.Unmarshal(resp.Daily[c.cfg.Variable], &values); err != nil {
		return nil, eris.Wrapf(err, "covariate: daily.%s", c.cfg.Variable)
	}
	if len(dates) == 0 {
		return nil, eris.New("covariate: empty series")
	}
	if len(dates) != len(values) {
		return nil, eris.Errorf("covariate: %d dates but %d values", len(dates), len(values))
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(Header)
	for i, d := range dates {
		v := ""
		if values[i] != nil {
			v = strconv.FormatFloat(*values[i], 'f', -1, 64)
		}
		_ = w.Write([]string{d, v})
	}
	w.Flush()
	return buf.Bytes(), eris.Wrap(w.Error(), "covariate: encode csv")
}
