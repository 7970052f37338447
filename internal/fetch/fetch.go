// Package fetch materializes selected distribution files to disk
// (spec.md §4.F): skip-if-already-valid, atomic download, digest
// verification, and the mtime/atime stamping that makes repeated mirror
// runs over the same index path a no-op for files already present.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morgan-mirror/morgan/internal/selector"
)

const (
	maxRetries       = 3
	preferredHashAlg = "sha256"
)

// ErrDigestMismatch is returned when a freshly downloaded file's hash
// doesn't match the index's advertised digest. The partial file is removed
// before this error is returned.
var ErrDigestMismatch = errors.New("digest mismatch")

// retryableError wraps errors that are transient and safe to retry:
// network failures and 5xx responses. A plain error is treated as
// permanent and aborts the retry loop immediately.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.httpClient = c
		}
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

// WithMaxWorkers sets the bounded parallelism used by Group. Defaults to
// runtime.GOMAXPROCS(0).
func WithMaxWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxWorkers = n
		}
	}
}

// WithHashCache supplies a run-scoped HashCache, so repeated Materialize
// calls against the same file path within one run skip re-hashing.
func WithHashCache(c *HashCache) Option {
	return func(s *Service) {
		if c != nil {
			s.hashes = c
		}
	}
}

// Service downloads and verifies distribution files.
type Service struct {
	httpClient *http.Client
	logger     *slog.Logger
	maxWorkers int
	hashes     *HashCache
}

// New builds a Service with the given options.
func New(opts ...Option) *Service {
	s := &Service{
		httpClient: &http.Client{},
		logger:     slog.Default(),
		maxWorkers: runtime.GOMAXPROCS(0),
		hashes:     NewHashCache(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Outcome reports what Materialize did for one file.
type Outcome struct {
	Record  selector.FileRecord
	Path    string
	Skipped bool // already present on disk with a matching digest
}

// Materialize downloads rec to targetPath if necessary, verifying its
// digest against rec.Hashes and stamping its mtime/atime from
// rec.UploadTime. If targetPath already exists with a matching digest, no
// network request is made.
func (s *Service) Materialize(ctx context.Context, rec selector.FileRecord, targetPath string) (Outcome, error) {
	hashalg, exphash, err := s.chooseHash(rec)
	if err != nil {
		return Outcome{}, err
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("creating directory for %s: %w", targetPath, err)
	}

	if _, err := os.Stat(targetPath); err == nil {
		ok, err := s.hashes.Verify(targetPath, hashalg, exphash)
		if err != nil {
			return Outcome{}, fmt.Errorf("verifying existing %s: %w", targetPath, err)
		}

		if ok {
			touchFromUploadTime(targetPath, rec.UploadTime)

			return Outcome{Record: rec, Path: targetPath, Skipped: true}, nil
		}
	}

	if err := s.downloadWithRetry(ctx, rec, targetPath); err != nil {
		return Outcome{}, err
	}

	ok, err := s.hashes.Verify(targetPath, hashalg, exphash)
	if err != nil {
		return Outcome{}, fmt.Errorf("hashing downloaded %s: %w", targetPath, err)
	}

	if !ok {
		_ = os.Remove(targetPath)

		return Outcome{}, fmt.Errorf("%w: %s", ErrDigestMismatch, rec.Filename)
	}

	touchFromUploadTime(targetPath, rec.UploadTime)

	return Outcome{Record: rec, Path: targetPath}, nil
}

// chooseHash picks sha256 if the index offered it, else whichever
// algorithm the index did offer.
func (s *Service) chooseHash(rec selector.FileRecord) (alg, digest string, err error) {
	if digest, ok := rec.Hashes[preferredHashAlg]; ok {
		return preferredHashAlg, digest, nil
	}

	for alg, digest := range rec.Hashes {
		return alg, digest, nil
	}

	return "", "", fmt.Errorf("file %s advertises no hashes", rec.Filename)
}

func (s *Service) downloadWithRetry(ctx context.Context, rec selector.FileRecord, targetPath string) error {
	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond

			select {
			case <-ctx.Done():
				return fmt.Errorf("download canceled: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		err := s.doDownload(ctx, rec, targetPath)
		if err == nil {
			return nil
		}

		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}

		lastErr = err
		s.logger.Debug("download attempt failed",
			slog.String("url", rec.URL),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

func (s *Service) doDownload(ctx context.Context, rec selector.FileRecord, targetPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("requesting %s: %w", rec.URL, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rec.URL)

		if resp.StatusCode >= http.StatusInternalServerError {
			return &retryableError{err: err}
		}

		return err
	}

	tmpPath := targetPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	_, copyErr := io.Copy(f, resp.Body)

	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = fmt.Errorf("closing temp file: %w", err)
	}

	if copyErr != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("writing %s: %w", rec.Filename, copyErr)
	}

	if err := os.Rename(tmpPath, targetPath); err != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("renaming %s: %w", rec.Filename, err)
	}

	return nil
}

func touchFromUploadTime(path, uploadTime string) {
	if uploadTime == "" {
		return
	}

	t, err := time.Parse(time.RFC3339Nano, uploadTime)
	if err != nil {
		return
	}

	_ = os.Chtimes(path, t, t)
}

// Job is one file to materialize, paired with its destination path.
type Job struct {
	Record     selector.FileRecord
	TargetPath string
}

// Group materializes jobs with bounded parallelism (spec.md §5): each
// job's download-plus-verify remains individually transactional, and a
// failure on one job doesn't cancel the others, matching the per-file
// failure isolation the traversal engine relies on.
func (s *Service) Group(ctx context.Context, jobs []Job) ([]Outcome, []error) {
	outcomes := make([]Outcome, len(jobs))
	errs := make([]error, len(jobs))

	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxWorkers)

	for i, job := range jobs {
		g.Go(func() error {
			outcome, err := s.Materialize(ctx, job.Record, job.TargetPath)

			mu.Lock()
			outcomes[i] = outcome
			errs[i] = err
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return outcomes, errs
}
