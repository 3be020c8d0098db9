// Package dataset downloads and reads newline-delimited JSON datasets.
package dataset

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/flockoff/validator/pkg/logger"
)

// FileName is the canonical dataset file inside a dataset directory.
const FileName = "data.jsonl"

const maxLineBytes = 16 << 20

// Fetcher materializes namespace@revision as destDir/data.jsonl.
type Fetcher interface {
	Fetch(ctx context.Context, namespace, revision, destDir string, forceRefresh bool) error
}

// Option applies a configuration option to the HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) {
		if c != nil {
			f.http = c
		}
	}
}

// WithLogger sets the fetcher logger.
func WithLogger(l logger.Logger) Option {
	return func(f *HTTPFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// HTTPFetcher resolves datasets as {base}/{namespace}/resolve/{revision}/data.jsonl.
type HTTPFetcher struct {
	base   string
	http   *http.Client
	logger logger.Logger
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher rooted at baseURL.
func NewHTTPFetcher(baseURL string, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 10 * time.Minute},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch implements Fetcher. An existing file is kept unless forceRefresh is set.
// The download is written to a temp file and renamed into place.
func (f *HTTPFetcher) Fetch(ctx context.Context, namespace, revision, destDir string, forceRefresh bool) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dest := filepath.Join(destDir, FileName)
	if !forceRefresh {
		if _, err := os.Stat(dest); err == nil {
			f.logger.Debug(ctx, "dataset cached", logger.String("path", dest))
			return nil
		}
	}

	u := fmt.Sprintf("%s/%s/resolve/%s/%s", f.base, namespace, url.PathEscape(revision), FileName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFetch, u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: status %d", ErrFetch, u, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrFetch, u, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	f.logger.Info(ctx, "dataset downloaded",
		logger.String("namespace", namespace),
		logger.String("revision", revision),
		logger.Int64("bytes", n))
	return nil
}

// NormalizeJSONL renames the first *.jsonl file in dir to data.jsonl. It is a
// no-op when data.jsonl already exists.
func NormalizeJSONL(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		return os.Rename(filepath.Join(dir, e.Name()), filepath.Join(dir, FileName))
	}
	return fmt.Errorf("%w: no .jsonl file in %s", ErrNotFound, dir)
}

// LoadJSONL reads up to maxRows records from path; maxRows <= 0 reads all.
// Blank lines are skipped. A missing file wraps ErrNotFound.
func LoadJSONL(path string, maxRows int) ([]json.RawMessage, error) {
	fh, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var rows []json.RawMessage
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: %s:%d", ErrMalformed, path, line)
		}
		rows = append(rows, append(json.RawMessage(nil), b...))
		if maxRows > 0 && len(rows) >= maxRows {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}
