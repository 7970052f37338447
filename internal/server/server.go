// Package server is the thin static-file HTTP server that exposes a
// mirrored index (spec.md §6's `serve` command): a PEP 691 Simple JSON
// listing per package, directly backed by the on-disk layout internal/engine
// produces, plus the raw files and (unless --no-metadata) their sidecar
// .metadata blobs. It is an external collaborator, not held to the core
// packages' rigor.
package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/morgan-mirror/morgan/internal/environment"
	"github.com/morgan-mirror/morgan/internal/selector"
)

//go:embed assets/server.py
var scriptAsset []byte

// CopyScript installs the standalone Python server script into a mirror
// root (the `copy_server` command), for hosts that only have a bare Python
// interpreter and no morgan binary.
func CopyScript(root string) error {
	return os.WriteFile(filepath.Join(root, "server.py"), scriptAsset, 0o755)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnvironments sets the configured environments used to filter a
// package's wheel listing when a request names one by the "env" query
// parameter, matching each wheel tag against that environment's
// whl.tag.interpreter/whl.tag.abi/whl.tag.platform patterns.
func WithEnvironments(envs []environment.Environment) Option {
	return func(s *Server) {
		s.envs = envs
	}
}

// WithNoMetadata disables serving of ".metadata" sidecar files, matching
// the `serve --no-metadata` flag.
func WithNoMetadata(noMetadata bool) Option {
	return func(s *Server) {
		s.noMetadata = noMetadata
	}
}

// Server serves a mirror root directory as a PEP 691 Simple API index.
type Server struct {
	root       string
	envs       []environment.Environment
	noMetadata bool
	logger     *slog.Logger
}

// New builds a Server rooted at a mirror's index_path.
func New(root string, opts ...Option) *Server {
	s := &Server{
		root:   root,
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /simple/{$}", s.handleSimpleRoot)
	mux.HandleFunc("GET /simple/{name}/", s.handlePackageIndex)
	mux.HandleFunc("GET /{name}/{filename}", s.handleFile)

	return mux
}

// simpleIndexResponse is the PEP 691 top-level project-index payload.
type simpleIndexResponse struct {
	Meta     map[string]string        `json:"meta"`
	Projects []simpleIndexProjectLink `json:"projects"`
}

type simpleIndexProjectLink struct {
	Name string `json:"name"`
}

func (s *Server) handleSimpleRoot(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Error("reading mirror root", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	resp := simpleIndexResponse{Meta: map[string]string{"api-version": "1.0"}}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		resp.Projects = append(resp.Projects, simpleIndexProjectLink{Name: entry.Name()})
	}

	sort.Slice(resp.Projects, func(i, j int) bool { return resp.Projects[i].Name < resp.Projects[j].Name })

	w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
	_ = json.NewEncoder(w).Encode(resp)
}

// simpleFileResponse mirrors simpleindex.RawFile's wire shape, the server's
// own encoding of what it finds on disk rather than a reuse of the index
// client's decoding type.
type simpleFileResponse struct {
	Filename       string            `json:"filename"`
	URL            string            `json:"url"`
	Hashes         map[string]string `json:"hashes"`
	RequiresPython string            `json:"requires-python,omitempty"`
	UploadTime     string            `json:"upload-time,omitempty"`
}

type simplePackageResponse struct {
	Meta  map[string]string    `json:"meta"`
	Name  string               `json:"name"`
	Files []simpleFileResponse `json:"files"`
}

func (s *Server) handlePackageIndex(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	dir := filepath.Join(s.root, name)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		http.NotFound(w, r)

		return
	}
	if err != nil {
		s.logger.Error("reading package dir", slog.String("name", name), slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	env := s.lookupEnvironment(r.URL.Query().Get("env"))

	resp := simplePackageResponse{
		Meta: map[string]string{"api-version": "1.0"},
		Name: name,
	}

	for _, entry := range entries {
		filename := entry.Name()
		if entry.IsDir() || strings.HasSuffix(filename, ".hash") || strings.HasSuffix(filename, ".metadata") {
			continue
		}

		if env != nil && strings.HasSuffix(filename, ".whl") && !wheelMatchesEnvironment(filename, *env) {
			continue
		}

		resp.Files = append(resp.Files, simpleFileResponse{
			Filename: filename,
			URL:      fmt.Sprintf("%s/%s", name, filename),
			Hashes:   readHashSidecar(dir, filename),
		})
	}

	sort.Slice(resp.Files, func(i, j int) bool { return resp.Files[i].Filename < resp.Files[j].Filename })

	w.Header().Set("Content-Type", "application/vnd.pypi.simple.v1+json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	filename := r.PathValue("filename")

	if s.noMetadata && strings.HasSuffix(filename, ".metadata") {
		http.NotFound(w, r)

		return
	}

	http.ServeFile(w, r, filepath.Join(s.root, name, filename))
}

// lookupEnvironment finds the configured environment named by query
// parameter "env", or nil if unset or unknown.
func (s *Server) lookupEnvironment(name string) *environment.Environment {
	if name == "" {
		return nil
	}

	for i := range s.envs {
		if s.envs[i].Name == name {
			return &s.envs[i]
		}
	}

	return nil
}

// wheelMatchesEnvironment reports whether any of a wheel filename's
// compatibility tags satisfy env's configured whl.tag.interpreter,
// whl.tag.abi and whl.tag.platform patterns. A nil pattern field (the
// config key was never set) always matches.
func wheelMatchesEnvironment(filename string, env environment.Environment) bool {
	_, _, tags, err := selector.ParseWheelFilename(filename)
	if err != nil {
		return true
	}

	for _, tag := range tags {
		if env.Interpreter != nil && !env.Interpreter.MatchString(tag.Interpreter) {
			continue
		}
		if env.ABI != nil && !env.ABI.MatchString(tag.ABI) {
			continue
		}
		if env.Platform != nil && tag.Platform != "any" && !env.Platform.MatchString(tag.Platform) {
			continue
		}

		return true
	}

	return false
}

// Run starts an HTTP server for Handler() on addr and blocks until ctx is
// canceled, then shuts down gracefully with a 5 second grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("serving mirror", slog.String("addr", addr), slog.String("root", s.root))

		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err

			return
		}

		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return httpSrv.Shutdown(shutdownCtx)
	}
}

// readHashSidecar reads "<dir>/<filename>.hash" ("alg=hexdigest") and
// returns it as a one-entry hashes map, or an empty map if unreadable.
func readHashSidecar(dir, filename string) map[string]string {
	data, err := os.ReadFile(filepath.Join(dir, filename+".hash"))
	if err != nil {
		return map[string]string{}
	}

	alg, digest, ok := strings.Cut(strings.TrimSpace(string(data)), "=")
	if !ok {
		return map[string]string{}
	}

	return map[string]string{alg: digest}
}
