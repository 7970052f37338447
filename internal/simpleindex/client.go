// Package simpleindex implements a client for the PyPI Simple Repository
// JSON API (PEP 691): one GET per package name, returning the list of
// distribution files a mirror run should consider.
package simpleindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultIndexURL is the public PyPI Simple API root.
	DefaultIndexURL = "https://pypi.org/simple/"

	acceptHeader = "application/vnd.pypi.simple.v1+json"

	maxRetries    = 3
	clientTimeout = 30 * time.Second
)

// ErrNotFound indicates the index has no project by that name.
var ErrNotFound = errors.New("package not found in index")

// ErrUnsupportedVersion indicates the index responded with a Simple API
// major version this client does not understand.
var ErrUnsupportedVersion = errors.New("unsupported simple API version")

// ErrMalformedResponse indicates the response body did not have the shape
// PEP 691 requires (missing or non-list "files", for instance).
var ErrMalformedResponse = errors.New("malformed simple API response")

// Client fetches a package's Simple API listing.
type Client interface {
	Fetch(ctx context.Context, name string) (*Entry, error)
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for index requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
	}
}

// WithIndexURL sets the Simple API root, overriding DefaultIndexURL. A
// trailing slash is enforced, matching the Simple API's URL-joining rules.
func WithIndexURL(u string) Option {
	return func(s *Service) {
		if u == "" {
			return
		}

		if !strings.HasSuffix(u, "/") {
			u += "/"
		}

		s.indexURL = u
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service communicates with a PyPI-compatible Simple Repository API.
type Service struct {
	httpClient *http.Client
	indexURL   string
	logger     *slog.Logger
}

var _ Client = (*Service)(nil)

// New creates a Simple API client rooted at DefaultIndexURL unless
// overridden with WithIndexURL.
func New(opts ...Option) *Service {
	s := &Service{
		httpClient: &http.Client{Timeout: clientTimeout},
		indexURL:   DefaultIndexURL,
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Fetch retrieves and decodes the Simple API listing for name, resolving
// every file's URL to an absolute form against the response's effective
// URL (which may differ from the request URL after redirects).
func (s *Service) Fetch(ctx context.Context, name string) (*Entry, error) {
	target := s.indexURL + name + "/"

	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
			s.logger.Debug("retrying simple index request",
				slog.String("package", name),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("fetching %s: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		entry, err := s.doRequest(ctx, target, name)
		if err == nil {
			return entry, nil
		}

		if errors.Is(err, ErrNotFound) {
			return nil, err
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return nil, fmt.Errorf("fetching %s: %w", name, err)
		}

		lastErr = err
		s.logger.Debug("simple index request failed",
			slog.String("package", name),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("fetching %s after %d attempts: %w", name, maxRetries, lastErr)
}

// retryableError indicates a transient error that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (s *Service) doRequest(ctx context.Context, target, name string) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", target, err)
	}

	req.Header.Set("Accept", acceptHeader)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("requesting %s: %w", target, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, &retryableError{err: fmt.Errorf("server error %d from %s", resp.StatusCode, target)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("reading response from %s: %w", target, err)}
	}

	var decoded simpleResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformedResponse, target, err)
	}

	if decoded.Files == nil {
		return nil, fmt.Errorf("%w: %s has no files list", ErrMalformedResponse, target)
	}

	if err := checkAPIVersion(decoded.Meta.APIVersion); err != nil {
		return nil, err
	}

	effective := target
	if resp.Request != nil && resp.Request.URL != nil {
		effective = resp.Request.URL.String()
	}

	base, err := url.Parse(effective)
	if err != nil {
		return nil, fmt.Errorf("parsing effective URL %q: %w", effective, err)
	}

	files := make([]RawFile, len(decoded.Files))
	for i, f := range decoded.Files {
		resolved, err := resolveURL(base, f.URL)
		if err != nil {
			return nil, fmt.Errorf("resolving file URL %q for %s: %w", f.URL, name, err)
		}

		f.URL = resolved
		files[i] = f
	}

	return &Entry{Name: name, Files: files}, nil
}

func resolveURL(base *url.URL, ref string) (string, error) {
	relURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}

	return base.ResolveReference(relURL).String(), nil
}

// checkAPIVersion validates that the response's major Simple API version is
// one this client understands. An empty api-version defaults to "1.0", the
// Simple API's documented fallback for pre-PEP-700 responses.
func checkAPIVersion(v string) error {
	if v == "" {
		v = "1.0"
	}

	major := v
	if idx := strings.IndexByte(v, '.'); idx >= 0 {
		major = v[:idx]
	}

	n, err := strconv.Atoi(major)
	if err != nil {
		return fmt.Errorf("%w: unparseable api-version %q", ErrUnsupportedVersion, v)
	}

	if n != 1 {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
	}

	return nil
}
