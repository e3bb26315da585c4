package fetcher

import (
	"context"
	"fmt"
	"io"
)

// Fetcher downloads remote files.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL into path and returns the bytes written.
	// path is only replaced once the body has been fully received.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}
