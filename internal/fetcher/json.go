package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// MaxJSONBytes bounds the size of a decoded JSON payload.
const MaxJSONBytes = 64 << 20

// DecodeJSONObject decodes a single JSON object of at most MaxJSONBytes.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	obj := new(T)
	dec := json.NewDecoder(io.LimitReader(r, MaxJSONBytes))
	if err := dec.Decode(obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return obj, nil
}

// FetchJSON downloads rawURL with f and decodes the body as a T.
func FetchJSON[T any](ctx context.Context, f Fetcher, rawURL string) (*T, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck
	obj, err := DecodeJSONObject[T](body)
	return obj, eris.Wrapf(err, "fetcher: %s", rawURL)
}
