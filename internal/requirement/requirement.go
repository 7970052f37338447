// Package requirement implements PEP 508 dependency specifier parsing,
// PEP 503 name canonicalization, and the value semantics spec.md §3 and
// §4.A describe: a Requirement is an immutable value with no lifecycle,
// and two requirements with the same rendered form are identical.
package requirement

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// ErrMalformed is returned (wrapped) when a requirement string cannot be
// parsed into its name/specifier/marker/extras parts.
var ErrMalformed = errors.New("malformed requirement")

// Requirement is a canonicalized, parsed PEP 508 dependency specifier.
type Requirement struct {
	Name       string   // canonical name (lowercase, [-_.] runs collapsed to "-")
	Specifiers string   // raw specifier set, e.g. ">=3.0,<4.0" ("" means unconstrained)
	Marker     string   // raw PEP 508 marker expression ("" means always relevant)
	Extras     []string // sorted, de-duplicated extras, e.g. ["brotli", "socks"]
}

// Parse parses a PEP 508 requirement string.
//
// Supported forms:
//
//	"flask"
//	"flask>=3.0"
//	"flask>=3.0,<4.0"
//	"flask[async,dotenv]>=3.0"
//	"flask (>=3.0)"
//	"importlib-metadata>=3.6.0; python_version < \"3.10\""
func Parse(s string) (Requirement, error) {
	marker := ""

	parts := strings.SplitN(s, ";", 2)
	nameSpec := strings.TrimSpace(parts[0])

	if nameSpec == "" {
		return Requirement{}, fmt.Errorf("%w: %q", ErrMalformed, s)
	}

	if len(parts) > 1 {
		marker = strings.TrimSpace(parts[1])
	}

	var extras []string

	if idx := strings.Index(nameSpec, "["); idx >= 0 {
		endIdx := strings.Index(nameSpec, "]")
		if endIdx <= idx {
			return Requirement{}, fmt.Errorf("%w: unterminated extras in %q", ErrMalformed, s)
		}

		extras = splitExtras(nameSpec[idx+1 : endIdx])
		nameSpec = nameSpec[:idx] + nameSpec[endIdx+1:]
	}

	nameSpec = strings.NewReplacer("(", "", ")", "").Replace(nameSpec)
	nameSpec = strings.TrimSpace(nameSpec)

	specStart := strings.IndexAny(nameSpec, "><=!~")
	name := nameSpec
	specifier := ""

	if specStart >= 0 {
		name = strings.TrimSpace(nameSpec[:specStart])
		specifier = strings.TrimSpace(nameSpec[specStart:])
	}

	if name == "" {
		return Requirement{}, fmt.Errorf("%w: no package name in %q", ErrMalformed, s)
	}

	if specifier != "" {
		if _, err := pep440.NewSpecifiers(specifier); err != nil {
			return Requirement{}, fmt.Errorf("%w: invalid specifier %q: %v", ErrMalformed, specifier, err)
		}
	}

	return Requirement{
		Name:       NormalizeName(name),
		Specifiers: specifier,
		Marker:     marker,
		Extras:     extras,
	}, nil
}

func splitExtras(s string) []string {
	raw := strings.Split(s, ",")
	seen := make(map[string]bool, len(raw))

	var out []string

	for _, e := range raw {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" || seen[e] {
			continue
		}

		seen[e] = true

		out = append(out, e)
	}

	sort.Strings(out)

	return out
}

// NormalizeName canonicalizes a package name per PEP 503: lowercase, with
// runs of [-_.] collapsed to a single hyphen.
func NormalizeName(name string) string {
	name = strings.ToLower(name)

	var b strings.Builder

	prevHyphen := false

	for i := range len(name) {
		switch name[i] {
		case '-', '_', '.':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		default:
			b.WriteByte(name[i])
			prevHyphen = false
		}
	}

	return b.String()
}

// Render produces the stable canonical string form of a Requirement, used
// as the complex-case key in the processed-set (spec.md §3).
func Render(r Requirement) string {
	var b strings.Builder

	b.WriteString(r.Name)

	if len(r.Extras) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(r.Extras, ","))
		b.WriteByte(']')
	}

	if r.Specifiers != "" {
		b.WriteString(r.Specifiers)
	}

	if r.Marker != "" {
		b.WriteString("; ")
		b.WriteString(r.Marker)
	}

	return b.String()
}

// ContainsVersion reports whether the requirement's specifier set admits
// the given version string. A requirement with no specifiers contains
// every version.
func ContainsVersion(r Requirement, version string) (bool, error) {
	if r.Specifiers == "" {
		return true, nil
	}

	v, err := pep440.Parse(version)
	if err != nil {
		return false, fmt.Errorf("parsing version %q: %w", version, err)
	}

	specs, err := pep440.NewSpecifiers(r.Specifiers)
	if err != nil {
		return false, fmt.Errorf("parsing specifier %q: %w", r.Specifiers, err)
	}

	return specs.Check(v), nil
}

// IsLowerBoundOnly reports whether every predicate in the specifier set is
// a lower bound (">" or ">="), or the set is empty. This drives the
// simple/complex processed-set split in spec.md §3: a package already
// mirrored under an unbounded or lower-bounded specifier will always be
// satisfied by whatever latest-matching release was already selected.
func IsLowerBoundOnly(specifiers string) bool {
	if strings.TrimSpace(specifiers) == "" {
		return true
	}

	for _, clause := range strings.Split(specifiers, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		if !strings.HasPrefix(clause, ">=") && !strings.HasPrefix(clause, ">") {
			return false
		}
	}

	return true
}

// IsSimpleCase reports whether r should be deduplicated by package name
// alone, per spec.md §3's ProcessedSet semantics: no marker, no extras,
// and either no specifier or only lower-bound predicates.
func IsSimpleCase(r Requirement) bool {
	return r.Marker == "" && len(r.Extras) == 0 && IsLowerBoundOnly(r.Specifiers)
}
