// Package distmeta extracts Requires-Dist metadata from distribution
// archives (spec.md §4.E): wheel METADATA, sdist PKG-INFO, and legacy
// egg-info requires.txt members.
package distmeta

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
)

// ErrUnsupportedArchive indicates the filename doesn't carry an extension
// this extractor knows how to open.
var ErrUnsupportedArchive = errors.New("unsupported archive extension")

// ErrArchiveUnreadable indicates the archive itself could not be opened or
// enumerated (a corrupt zip central directory, a truncated tarball).
var ErrArchiveUnreadable = errors.New("archive unreadable")

type memberFunc func(name string, r io.Reader) error

// walkArchive dispatches to a zip or tar.gz walker by filename extension.
// Individual member-parsing failures are logged and do not abort the walk;
// only a failure to open or enumerate the archive itself returns an error.
func walkArchive(filePath, filename string, fn memberFunc, logger *slog.Logger) error {
	lower := strings.ToLower(filename)

	switch {
	case strings.HasSuffix(lower, ".whl"), strings.HasSuffix(lower, ".zip"):
		return walkZip(filePath, fn, logger)
	case strings.HasSuffix(lower, ".tar.gz"):
		return walkTarGz(filePath, fn, logger)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedArchive, filename)
	}
}

func walkZip(filePath string, fn memberFunc, logger *slog.Logger) error {
	r, err := zip.OpenReader(filePath)
	if err != nil {
		return fmt.Errorf("%w: opening zip %s: %v", ErrArchiveUnreadable, filePath, err)
	}
	defer func() { _ = r.Close() }()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		if err := readZipMember(f, fn); err != nil {
			logger.Warn("skipping unparseable archive member",
				slog.String("archive", filePath),
				slog.String("member", f.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func readZipMember(f *zip.File, fn memberFunc) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	return fn(f.Name, rc)
}

func walkTarGz(filePath string, fn memberFunc, logger *slog.Logger) error {
	gz, err := openGzip(filePath)
	if err != nil {
		return fmt.Errorf("%w: opening tar.gz %s: %v", ErrArchiveUnreadable, filePath, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return fmt.Errorf("%w: reading tar entries of %s: %v", ErrArchiveUnreadable, filePath, err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := fn(hdr.Name, tr); err != nil {
			logger.Warn("skipping unparseable archive member",
				slog.String("archive", filePath),
				slog.String("member", hdr.Name),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

type gzipReadCloser struct {
	file *os.File
	gz   *gzip.Reader
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	fileErr := g.file.Close()

	if gzErr != nil {
		return gzErr
	}

	return fileErr
}

func openGzip(filePath string) (*gzipReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()

		return nil, err
	}

	return &gzipReadCloser{file: f, gz: gz}, nil
}

// memberBase returns the final path component of an archive member name,
// using "/" regardless of host OS since both zip and tar store forward
// slashes.
func memberBase(name string) string {
	return path.Base(name)
}
