// Package fetch implements the two fetch operations the task state machine
// needs: a short byte-range prefix fetch, and a full-body fetch, both with
// the architecture-suffix-to-"any" fallback on a 404.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/archtools/providesdb/tmp"
)

const notFoundMarker = "404 Not Found"

// Fetcher fetches resources over HTTP. The zero value is usable; Client
// defaults to http.DefaultClient when nil.
type Fetcher struct {
	Client *http.Client
	// Arch is the architecture suffix (e.g. "x86_64") this fetcher will
	// retry as "any" on a 404, per spec.
	Arch string
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// FetchPrefix returns up to the first n bytes of the resource at url.
//
// A transport error, or a non-2xx status other than 404, yields empty bytes:
// the task state machine is responsible for treating an empty response as a
// fetch failure, not this layer. A 404 response's body (at most 4 KiB) is
// returned as-is when the arch fallback does not apply or is itself
// answered with a 404.
func (f *Fetcher) FetchPrefix(ctx context.Context, url string, n int) []byte {
	return f.fetch(ctx, url, n)
}

// FetchAll returns the entire resource at url.
func (f *Fetcher) FetchAll(ctx context.Context, url string) []byte {
	return f.fetch(ctx, url, -1)
}

// FetchAllToTemp behaves like FetchAll and then writes the response to a
// scratch file in tmp.Dir(), for the full fetch that follows a failed prefix
// probe. The whole body is still read into memory first; only the
// decompression that follows reads from the file. The caller owns the returned file and
// must Close it, which also removes it from disk. A nil return (with nil
// error) means the fetch failed in a way FetchAll would also have reported
// as empty.
func (f *Fetcher) FetchAllToTemp(ctx context.Context, url string) (*tmp.File, error) {
	body := f.fetch(ctx, url, -1)
	if len(body) == 0 {
		return nil, nil
	}
	file, err := tmp.New("providesdb-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("fetch: creating scratch file: %w", err)
	}
	if _, err := file.Write(body); err != nil {
		file.Close()
		return nil, fmt.Errorf("fetch: writing scratch file: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("fetch: rewinding scratch file: %w", err)
	}
	return file, nil
}

// fetch performs the request, applying the 404+arch-suffix fallback exactly
// once. n < 0 means "fetch everything".
func (f *Fetcher) fetch(ctx context.Context, url string, n int) []byte {
	body := f.doRequest(ctx, url, n)
	if bytes.Contains(body, []byte(notFoundMarker)) && f.Arch != "" && strings.Contains(url, f.Arch) {
		fallback := strings.Replace(url, f.Arch, "any", 1)
		slog.DebugContext(ctx, "fetch: retrying with generic arch", "original", url, "fallback", fallback)
		return f.doRequest(ctx, fallback, n)
	}
	return body
}

func (f *Fetcher) doRequest(ctx context.Context, url string, n int) []byte {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.WarnContext(ctx, "fetch: bad request", "url", url, "reason", err)
		return nil
	}
	if n >= 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	}

	res, err := f.client().Do(req)
	if err != nil {
		slog.WarnContext(ctx, "fetch: transport error", "url", url, "reason", err)
		return nil
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	default:
		// Still read the body: a 404 page's text is how the arch-fallback
		// check recognizes a missing architecture-specific package.
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode == http.StatusNotFound {
			return b
		}
		slog.WarnContext(ctx, "fetch: unexpected status", "url", url, "status", res.Status)
		return nil
	}

	var r io.Reader = res.Body
	if n >= 0 {
		r = io.LimitReader(res.Body, int64(n))
	}
	b, err := io.ReadAll(r)
	if err != nil {
		slog.WarnContext(ctx, "fetch: error reading body", "url", url, "reason", err)
		return nil
	}
	return b
}
