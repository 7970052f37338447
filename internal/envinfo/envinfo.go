// Package envinfo generates `[env.<name>]` and `[requirements]` morgan.ini
// blocks from the Python installation actually present on this machine
// (spec.md §6's `generate_env`/`generate_reqs` collaborators), by shelling
// out to a python binary.
package envinfo

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// infoScript prints the five values generate_env needs, one per line:
// os.name, platform.python_implementation(), the X.Y python_version,
// the full python_version, and sys.implementation.name.
const infoScript = `import os, platform, sys
print(os.name)
print(platform.python_implementation())
print('.'.join(platform.python_version_tuple()[:2]))
print(platform.python_version())
print(sys.implementation.name)`

// reqsScript prints one "name|version" line per installed distribution.
const reqsScript = `import importlib.metadata as m
for dist in m.distributions():
    try:
        print(f"{dist.metadata['Name']}|{dist.version}")
    except Exception:
        pass`

const expectedInfoLines = 5

// CommandRunner executes a command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Info is the current Python installation's marker-relevant values.
type Info struct {
	OSName                       string
	PlatformPythonImplementation string
	PythonVersion                string
	PythonFullVersion            string
	ImplementationName           string
}

// Option configures a Service.
type Option func(*Service)

// WithPythonBin sets the python binary path. Defaults to "python3".
func WithPythonBin(bin string) Option {
	return func(s *Service) {
		if bin != "" {
			s.pythonBin = bin
		}
	}
}

// WithCommandRunner sets the command runner used to invoke python.
// Defaults to exec.CommandContext.
func WithCommandRunner(fn CommandRunner) Option {
	return func(s *Service) {
		if fn != nil {
			s.runCmd = fn
		}
	}
}

// Service shells out to a python binary to collect environment and
// installed-package information.
type Service struct {
	pythonBin string
	runCmd    CommandRunner
}

// New builds a Service.
func New(opts ...Option) *Service {
	s := &Service{
		pythonBin: "python3",
		runCmd:    defaultRunCmd,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Detect runs the python binary and parses its environment info.
func (s *Service) Detect(ctx context.Context) (*Info, error) {
	output, err := s.runCmd(ctx, s.pythonBin, "-c", infoScript)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", s.pythonBin, err)
	}

	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(lines) != expectedInfoLines {
		return nil, fmt.Errorf("unexpected output from %s: expected %d lines, got %d", s.pythonBin, expectedInfoLines, len(lines))
	}

	return &Info{
		OSName:                       strings.TrimSpace(lines[0]),
		PlatformPythonImplementation: strings.TrimSpace(lines[1]),
		PythonVersion:                strings.TrimSpace(lines[2]),
		PythonFullVersion:            strings.TrimSpace(lines[3]),
		ImplementationName:           strings.TrimSpace(lines[4]),
	}, nil
}

// Distributions runs the python binary and returns every installed
// distribution's (name, version), unsorted.
func (s *Service) Distributions(ctx context.Context) (map[string]string, error) {
	output, err := s.runCmd(ctx, s.pythonBin, "-c", reqsScript)
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", s.pythonBin, err)
	}

	out := make(map[string]string)

	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		name, version, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}

		out[strings.ToLower(name)] = version
	}

	return out, nil
}

// GenerateEnv renders the two `[env.<name>.posix]` and `[env.<name>.nt]`
// sections generate_env produces, both populated from info (the machine
// generating the block, not necessarily the target), since a single mirror
// typically serves both Windows and POSIX clients.
func GenerateEnv(info *Info, name string) string {
	v12 := strings.ReplaceAll(info.PythonVersion, ".", "")

	var b strings.Builder

	writeSection := func(osName, platformTag string) {
		fmt.Fprintf(&b, "[env.%s.%s]\n", name, osName)
		fmt.Fprintf(&b, "os_name = %s\n", osName)
		fmt.Fprintf(&b, "platform_python_implementation = %s\n", info.PlatformPythonImplementation)
		fmt.Fprintf(&b, "python_version = %s\n", info.PythonVersion)
		fmt.Fprintf(&b, "python_full_version = %s\n", info.PythonFullVersion)
		fmt.Fprintf(&b, "implementation_name = %s\n", info.ImplementationName)
		fmt.Fprintf(&b, "whl.tag.interpreter = (cp%s|py3)$\n", v12)
		fmt.Fprintf(&b, "whl.tag.abi = (cp%s|cp%st|abi3|none)$\n", v12, v12)
		fmt.Fprintf(&b, "whl.tag.platform = %s\n\n", platformTag)
	}

	writeSection("posix", `(manylinux.*_x86_64|any)$`)
	writeSection("nt", `(win_amd64|win32)$`)

	return b.String()
}

// GenerateReqs renders the `[requirements]` block generate_reqs produces:
// every installed distribution, sorted by its lowercased name (as
// Distributions returns it; "_" and "." are not normalized), pinned with the
// given mode ("==", ">=", or "<=").
func GenerateReqs(dists map[string]string, mode string) string {
	names := make([]string, 0, len(dists))
	for name := range dists {
		names = append(names, name)
	}

	sort.Strings(names)

	var b strings.Builder

	b.WriteString("[requirements]\n")

	for _, name := range names {
		fmt.Fprintf(&b, "%s = %s%s\n", name, mode, dists[name])
	}

	return b.String()
}

// ValidMode reports whether mode is one of the three versioning modes
// generate_reqs accepts.
func ValidMode(mode string) bool {
	switch mode {
	case ">=", "==", "<=":
		return true
	default:
		return false
	}
}

func defaultRunCmd(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
