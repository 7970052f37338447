// Package engine implements the BFS dependency-closure traversal that
// drives a mirror run (spec.md §4.G): starting from one or more top-level
// requirements, it walks the Simple API, selects and downloads files, and
// extracts their metadata to discover further requirements, until the
// closure is exhausted or every requirement has been processed once.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/morgan-mirror/morgan/internal/distmeta"
	"github.com/morgan-mirror/morgan/internal/environment"
	"github.com/morgan-mirror/morgan/internal/fetch"
	"github.com/morgan-mirror/morgan/internal/requirement"
	"github.com/morgan-mirror/morgan/internal/selector"
	"github.com/morgan-mirror/morgan/internal/simpleindex"
)

// pending is one requirement still waiting to be processed, tagged with
// the extras its parent requested (nil for a top-level requirement) so
// dependency discovery can evaluate `extra == "..."` markers correctly.
type pending struct {
	req              requirement.Requirement
	activatingExtras []string
	topLevel         bool
}

// ProcessedSet is the two-kind cache from spec.md §3: a requirement with
// no marker/extras and no upper-bound specifier is deduplicated by
// canonical package name alone (further, more specific requests for it are
// redundant); anything else is deduplicated by its full rendered form.
type ProcessedSet struct {
	names map[string]bool
	exact map[string]bool
}

// NewProcessedSet returns an empty set.
func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{
		names: make(map[string]bool),
		exact: make(map[string]bool),
	}
}

// Seen reports whether r has already been processed.
func (p *ProcessedSet) Seen(r requirement.Requirement) bool {
	if requirement.IsSimpleCase(r) {
		return p.names[r.Name]
	}

	return p.exact[requirement.Render(r)]
}

// Add marks r as processed.
func (p *ProcessedSet) Add(r requirement.Requirement) {
	if requirement.IsSimpleCase(r) {
		p.names[r.Name] = true

		return
	}

	p.exact[requirement.Render(r)] = true
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithSelectorOptions sets the extension/mirror-all-versions/mirror-all-
// wheels flags passed to internal/selector.Select.
func WithSelectorOptions(opts selector.Options) Option {
	return func(e *Engine) {
		e.selOpts = opts
	}
}

// Engine runs the BFS traversal over one package index.
type Engine struct {
	index      simpleindex.Client
	fetcher    *fetch.Service
	envs       []environment.Environment
	targetRoot string
	selOpts    selector.Options
	logger     *slog.Logger

	indexCache map[string]*simpleindex.Entry
	metaCache  map[string]*distmeta.Metadata
	processed  *ProcessedSet
}

// New builds an Engine rooted at targetRoot (the mirror's index_path),
// querying index for package listings and fetcher to materialize files.
func New(index simpleindex.Client, fetcher *fetch.Service, envs []environment.Environment, targetRoot string, opts ...Option) *Engine {
	e := &Engine{
		index:      index,
		fetcher:    fetcher,
		envs:       envs,
		targetRoot: targetRoot,
		logger:     slog.Default(),
		indexCache: make(map[string]*simpleindex.Entry),
		metaCache:  make(map[string]*distmeta.Metadata),
		processed:  NewProcessedSet(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// ErrNoFilesForTopLevel is returned when a top-level requirement selects
// zero files after environment filtering (spec.md §7): unlike the same
// outcome for a dependency, which is merely logged and skipped, this
// aborts the requirement's mirror since nothing was mirrored for it at all.
var ErrNoFilesForTopLevel = errors.New("no files matched top-level requirement")

// Mirror walks the full dependency closure of req, logging and continuing
// past individual file or dependency failures per spec.md §7. A non-404
// error fetching req's own index entry aborts only this top-level
// requirement, not the run. It returns an error, aborting the rest of the
// closure, only when req itself turns out to select no files at all.
func (e *Engine) Mirror(ctx context.Context, req requirement.Requirement) error {
	queue := []pending{{req: req, topLevel: true}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		deps, err := e.processOne(ctx, item)
		if err != nil {
			return err
		}

		queue = append(queue, deps...)
	}

	return nil
}

// processOne handles a single queue item: checks the processed-set,
// evaluates relevance, fetches the index entry, selects and downloads
// files, and returns the newly discovered dependency items.
func (e *Engine) processOne(ctx context.Context, item pending) ([]pending, error) {
	req := item.req

	if e.processed.Seen(req) {
		return nil, nil
	}

	if !environment.IsRelevantAnyForExtras(req, e.envs, item.activatingExtras) {
		e.logger.Debug("skipping, not relevant for any environment", slog.String("requirement", requirement.Render(req)))
		e.processed.Add(req)

		return nil, nil
	}

	entry, err := e.fetchEntry(ctx, req.Name)
	if err != nil {
		if item.topLevel {
			e.logger.Error("failed fetching index entry, abandoning requirement",
				slog.String("requirement", requirement.Render(req)),
				slog.String("error", err.Error()),
			)

			return nil, nil
		}

		if errors.Is(err, simpleindex.ErrNotFound) {
			e.logger.Warn("dependency not found on index, skipping",
				slog.String("requirement", requirement.Render(req)),
			)

			return nil, nil
		}

		e.logger.Error("failed fetching index entry for dependency, skipping",
			slog.String("requirement", requirement.Render(req)),
			slog.String("error", err.Error()),
		)

		return nil, nil
	}

	files := selector.Select(entry.Files, req, e.envs, item.topLevel, e.selOpts)
	if len(files) == 0 {
		if item.topLevel {
			return nil, fmt.Errorf("%w: %s", ErrNoFilesForTopLevel, requirement.Render(req))
		}

		e.logger.Warn("no files matched requirement", slog.String("requirement", requirement.Render(req)))
		e.processed.Add(req)

		return nil, nil
	}

	next := e.materializeAndExtract(ctx, req, files)

	e.processed.Add(req)

	return next, nil
}

// materializeAndExtract downloads every file of a release as one bounded-
// parallel batch (spec.md §5), then extracts each successfully downloaded
// file's dependencies, deduping them by their rendered form before
// returning so a release whose sdist and wheel declare the same
// Requires-Dist only enqueues it once. A file that fails to download or
// whose metadata can't be read is logged and skipped; it does not abort
// its siblings.
func (e *Engine) materializeAndExtract(ctx context.Context, req requirement.Requirement, files []selector.FileRecord) []pending {
	jobs := make([]fetch.Job, len(files))
	for i, f := range files {
		jobs[i] = fetch.Job{Record: f, TargetPath: filepath.Join(e.targetRoot, req.Name, f.Filename)}
	}

	outcomes, errs := e.fetcher.Group(ctx, jobs)

	seen := make(map[string]bool)

	var next []pending

	for i, f := range files {
		if err := errs[i]; err != nil {
			e.logger.Warn("failed downloading file, skipping it",
				slog.String("requirement", requirement.Render(req)),
				slog.String("file", f.Filename),
				slog.String("error", err.Error()),
			)

			continue
		}

		depReqs, err := e.dependenciesOf(outcomes[i].Path, f.Filename, req)
		if err != nil {
			e.logger.Warn("failed processing file, skipping it",
				slog.String("requirement", requirement.Render(req)),
				slog.String("file", f.Filename),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, dep := range depReqs {
			key := requirement.Render(dep)
			if seen[key] {
				continue
			}

			seen[key] = true

			next = append(next, pending{req: dep, activatingExtras: req.Extras})
		}
	}

	return next
}

func (e *Engine) fetchEntry(ctx context.Context, name string) (*simpleindex.Entry, error) {
	if entry, ok := e.indexCache[name]; ok {
		return entry, nil
	}

	entry, err := e.index.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	e.indexCache[name] = entry

	return entry, nil
}

// dependenciesOf extracts the dependency requirements of an already
// materialized file at targetPath.
func (e *Engine) dependenciesOf(targetPath, filename string, req requirement.Requirement) ([]requirement.Requirement, error) {
	md, err := e.extractMetadata(targetPath, filename)
	if err != nil {
		return nil, fmt.Errorf("extracting metadata from %s: %w", filename, err)
	}

	deps, err := distmeta.Dependencies(md, req.Extras, e.envs)
	if err != nil {
		return nil, fmt.Errorf("reading dependencies of %s: %w", filename, err)
	}

	return deps, nil
}

func (e *Engine) extractMetadata(path, filename string) (*distmeta.Metadata, error) {
	if md, ok := e.metaCache[path]; ok {
		return md, nil
	}

	md, err := distmeta.Extract(path, filename, e.logger)
	if err != nil {
		return nil, err
	}

	e.metaCache[path] = md

	return md, nil
}
