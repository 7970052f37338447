// Package config loads a mirror run's "morgan.ini" configuration file
// (spec.md §6): the accumulating `[requirements]` section and the
// `[env.<name>]` (and `[env.<name>.<os>]`) environment sections that feed
// internal/environment.Load.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/morgan-mirror/morgan/internal/environment"
)

var envSectionRe = regexp.MustCompile(`^env\.(.+)$`)

// Config is a parsed morgan.ini.
type Config struct {
	// Requirements maps a canonical-ish package name to the accumulated,
	// possibly multi-line set of specifier/extras suffixes declared for
	// it, e.g. {"flask": [""]} for a bare "flask =" entry or
	// {"urllib3": ["<1.27", ">=2", "[brotli]"]} for a multiline block.
	Requirements map[string][]string

	// Environments are every `[env.<name>]` section, already loaded into
	// environment.Environment values.
	Environments []environment.Environment
}

// Load reads and parses the INI file at path.
func Load(path string) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	reqs, err := loadRequirements(f)
	if err != nil {
		return nil, fmt.Errorf("parsing [requirements] in %s: %w", path, err)
	}

	envs, err := loadEnvironments(f)
	if err != nil {
		return nil, fmt.Errorf("parsing environments in %s: %w", path, err)
	}

	return &Config{Requirements: reqs, Environments: envs}, nil
}

// loadRequirements reads the [requirements] section. Each key's shadowed
// values (one per repeated "key = value" line, across every occurrence of
// the section) are joined with "\n", matching the source's
// ListExtendingOrderedDict accumulation semantics, then split back into
// individual suffix lines.
func loadRequirements(f *ini.File) (map[string][]string, error) {
	out := make(map[string][]string)

	if !f.HasSection("requirements") {
		return out, nil
	}

	sec, err := f.GetSection("requirements")
	if err != nil {
		return nil, err
	}

	for _, key := range sec.Keys() {
		joined := strings.Join(key.ValueWithShadows(), "\n")
		out[key.Name()] = splitRequirementLines(joined)
	}

	return out, nil
}

// splitRequirementLines turns a joined multi-line requirements value into
// its non-blank suffix lines, or a single empty suffix for a bare
// "package =" entry.
func splitRequirementLines(joined string) []string {
	var out []string

	for _, line := range strings.Split(joined, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}

	if len(out) == 0 {
		return []string{""}
	}

	return out
}

// loadEnvironments reads every `[env.<name>]` section (and its
// `[env.<name>.<os>]` children, kept as independently named environments
// since each represents a distinct target) into environment.Environment
// values.
func loadEnvironments(f *ini.File) ([]environment.Environment, error) {
	var envs []environment.Environment

	for _, sec := range f.Sections() {
		m := envSectionRe.FindStringSubmatch(sec.Name())
		if m == nil {
			continue
		}

		kv := make(map[string]string, len(sec.Keys()))

		for _, key := range sec.Keys() {
			kv[environment.NormalizeKey(key.Name())] = key.Value()
		}

		env, err := environment.Load(m[1], kv)
		if err != nil {
			return nil, fmt.Errorf("section [%s]: %w", sec.Name(), err)
		}

		envs = append(envs, env)
	}

	return envs, nil
}
