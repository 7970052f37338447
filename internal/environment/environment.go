// Package environment models the configured target environments a mirror
// run evaluates markers and wheel tags against (spec.md §3, §4.B). Each
// environment is a named bag of PEP 508 marker values plus a derived
// platform-matching regex, built from an `[env.<name>]` config section.
package environment

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/morgan-mirror/morgan/internal/requirement"
)

// Environment is one configured target (e.g. "local", "linux-cp311") that
// files are filtered and scored against.
type Environment struct {
	Name string

	// marker holds the raw key/value pairs from the config section, after
	// synthetic defaults have been applied.
	marker map[string]string

	// Platform is the compiled pattern a wheel's platform tag must fully
	// match. The section's explicit "platform_tag" value, else its
	// "whl.tag.platform" value, else synthesized from sys_platform and
	// platform_machine. Also the pattern
	// internal/server matches a requested wheel's platform tag against.
	Platform *regexp.Regexp

	// Interpreter and ABI are optional patterns ("whl.tag.interpreter",
	// "whl.tag.abi") consumed only by internal/server when deciding which
	// mirrored wheels to offer for a request; nil if the section never set
	// them. internal/selector does not use them.
	Interpreter *regexp.Regexp
	ABI         *regexp.Regexp
}

// syntheticDefaults mirrors the zero-value marker keys morgan fills in for
// keys a config section never mentions, so marker evaluation never treats
// an unset key as "unknown" rather than empty.
var syntheticDefaults = map[string]string{
	"platform_release":       "",
	"platform_version":       "",
	"implementation_version": "",
	"extra":                  "",
}

// Load builds an Environment from a config section's key/value pairs.
// Recognized keys are the PEP 508 marker names; an explicit "platform_tag"
// key, if present, is compiled directly as the platform-matching regex,
// with "whl.tag.platform" (the static server's own historical name for the
// same pattern) as a fallback when "platform_tag" is absent.
func Load(name string, kv map[string]string) (Environment, error) {
	merged := make(map[string]string, len(kv)+len(syntheticDefaults))

	for k, v := range syntheticDefaults {
		merged[k] = v
	}

	for k, v := range kv {
		merged[k] = v
	}

	pattern := merged["platform_tag"]
	if pattern == "" {
		pattern = merged["whl.tag.platform"]
	}
	if pattern == "" {
		pattern = fmt.Sprintf(".*%s.*%s.*", regexp.QuoteMeta(merged["sys_platform"]), regexp.QuoteMeta(merged["platform_machine"]))
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return Environment{}, fmt.Errorf("compiling platform pattern for env %q: %w", name, err)
	}

	interpreter, err := compileOptional(merged["whl.tag.interpreter"], name, "whl.tag.interpreter")
	if err != nil {
		return Environment{}, err
	}

	abi, err := compileOptional(merged["whl.tag.abi"], name, "whl.tag.abi")
	if err != nil {
		return Environment{}, err
	}

	return Environment{
		Name:        name,
		marker:      merged,
		Platform:    re,
		Interpreter: interpreter,
		ABI:         abi,
	}, nil
}

// compileOptional compiles key's value as a regex if kv set it, else
// returns nil with no error.
func compileOptional(pattern, envName, key string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling %s pattern for env %q: %w", key, envName, err)
	}

	return re, nil
}

// MarkerEnv renders this environment as a requirement.Env for marker
// evaluation, with the given extra (or "" if the requirement has none)
// substituted for the "extra" key.
func (e Environment) MarkerEnv(extra string) requirement.Env {
	return requirement.Env{
		OSName:                       e.marker["os_name"],
		PlatformPythonImplementation: e.marker["platform_python_implementation"],
		PythonVersion:                e.marker["python_version"],
		PythonFullVersion:            e.marker["python_full_version"],
		ImplementationName:           e.marker["implementation_name"],
		SysPlatform:                  e.marker["sys_platform"],
		PlatformMachine:              e.marker["platform_machine"],
		PlatformRelease:              e.marker["platform_release"],
		PlatformVersion:              e.marker["platform_version"],
		ImplementationVersion:        e.marker["implementation_version"],
		Extra:                        extra,
	}
}

// PythonVersion is the version string used for requires-python containment
// checks: python_full_version if the section sets one, else python_version.
func (e Environment) PythonVersion() string {
	if v := e.marker["python_full_version"]; v != "" {
		return v
	}

	return e.marker["python_version"]
}

// IsRelevant reports whether a requirement applies to this environment: a
// requirement with no marker is always relevant; otherwise its marker is
// evaluated against this environment once per extra the requirement itself
// requests (or once with no extra when it requests none), matching if any
// extra makes it true.
func IsRelevant(r requirement.Requirement, env Environment) bool {
	return IsRelevantForExtras(r, env, r.Extras)
}

// IsRelevantForExtras is IsRelevant but substitutes the "extra" marker
// value from activatingExtras rather than from r.Extras. Use this for a
// Requires-Dist entry discovered while processing a parent requirement: the
// entry's own marker may reference `extra == "..."`, and that variable
// binds to whichever extras the *parent* requested, not to any extras the
// entry itself declares in brackets.
func IsRelevantForExtras(r requirement.Requirement, env Environment, activatingExtras []string) bool {
	if r.Marker == "" {
		return true
	}

	if len(activatingExtras) == 0 {
		return requirement.EvalMarker(r.Marker, env.MarkerEnv(""))
	}

	for _, extra := range activatingExtras {
		if requirement.EvalMarker(r.Marker, env.MarkerEnv(extra)) {
			return true
		}
	}

	return false
}

// IsRelevantAny reports whether r is relevant to at least one of envs. A
// requirement is mirrored if any configured environment needs it.
func IsRelevantAny(r requirement.Requirement, envs []Environment) bool {
	for _, env := range envs {
		if IsRelevant(r, env) {
			return true
		}
	}

	return false
}

// IsRelevantAnyForExtras is IsRelevantAny but using IsRelevantForExtras in
// place of IsRelevant, for filtering a parent's Requires-Dist entries.
func IsRelevantAnyForExtras(r requirement.Requirement, envs []Environment, activatingExtras []string) bool {
	for _, env := range envs {
		if IsRelevantForExtras(r, env, activatingExtras) {
			return true
		}
	}

	return false
}

// SupportedPythonVersions returns the distinct PythonVersion() of every
// environment, used by the requires-python containment check in
// internal/selector: a file is only acceptable if every supported Python
// version satisfies its requires-python specifier.
func SupportedPythonVersions(envs []Environment) []string {
	seen := make(map[string]bool, len(envs))

	var out []string

	for _, env := range envs {
		v := env.PythonVersion()
		if v == "" || seen[v] {
			continue
		}

		seen[v] = true

		out = append(out, v)
	}

	return out
}

// SupportedPlatforms returns the distinct compiled platform patterns across
// envs, used by internal/selector's wheel platform-tag compatibility check.
func SupportedPlatforms(envs []Environment) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(envs))
	seen := make(map[string]bool, len(envs))

	for _, env := range envs {
		key := env.Platform.String()
		if seen[key] {
			continue
		}

		seen[key] = true

		out = append(out, env.Platform)
	}

	return out
}

// MatchesAnyPlatform reports whether tag is "any" or fully matches one of
// patterns.
func MatchesAnyPlatform(tag string, patterns []*regexp.Regexp) bool {
	if tag == "any" {
		return true
	}

	for _, p := range patterns {
		if p.MatchString(tag) && isFullMatch(p, tag) {
			return true
		}
	}

	return false
}

// isFullMatch reports whether p matches the entirety of s, the Go
// equivalent of Python's re.fullmatch used by morgan's platform check.
func isFullMatch(p *regexp.Regexp, s string) bool {
	return regexp.MustCompile(`^(?:` + p.String() + `)$`).MatchString(s)
}

// NormalizeKey lowercases and trims a config key, since INI keys are
// case-insensitive in practice but marker names are canonically lowercase.
func NormalizeKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
