package selector

import (
	"fmt"
	"strconv"
	"strings"
)

// WheelTag is a PEP 425 compatibility tag triple parsed out of a wheel
// filename.
type WheelTag struct {
	Interpreter string // e.g. "cp312", "py3"
	ABI         string // e.g. "cp312", "none"
	Platform    string // e.g. "manylinux_2_17_x86_64", "any"
}

// ParseWheelFilename parses a wheel filename into its name (as written in
// the filename, not canonicalized), version, and the full (possibly compressed) set of compatibility tags.
// A compressed tag field such as "py2.py3" expands into the cartesian
// product of every dotted value across the three fields.
func ParseWheelFilename(filename string) (name, version string, tags []WheelTag, err error) {
	stem := strings.TrimSuffix(filename, ".whl")

	parts := strings.Split(stem, "-")
	if len(parts) < 5 {
		return "", "", nil, fmt.Errorf("invalid wheel filename %q: expected at least 5 parts", filename)
	}

	name = parts[0]
	version = parts[1]

	interps := strings.Split(parts[len(parts)-3], ".")
	abis := strings.Split(parts[len(parts)-2], ".")
	plats := strings.Split(parts[len(parts)-1], ".")

	for _, i := range interps {
		for _, a := range abis {
			for _, p := range plats {
				tags = append(tags, WheelTag{Interpreter: i, ABI: a, Platform: p})
			}
		}
	}

	return name, version, tags, nil
}

// toSingleDash repairs a legacy sdist stem whose version segment used extra
// hyphens instead of PEP 440 separators, e.g. "selenium-2.0-dev-9429" ->
// "selenium-2.0.dev9429". Only the hyphen that introduces the version
// (first "-<digit>") is kept as a separator; everything after it has
// "-dev-" collapsed to ".dev" and remaining hyphens turned into dots.
func toSingleDash(stem string) string {
	idx := -1

	for i := 0; i < len(stem)-1; i++ {
		if stem[i] == '-' && stem[i+1] >= '0' && stem[i+1] <= '9' {
			idx = i

			break
		}
	}

	if idx == -1 {
		return stem
	}

	prefix := stem[:idx+1]
	suffix := stem[idx+1:]

	suffix = strings.ReplaceAll(suffix, "-dev-", ".dev")
	suffix = strings.ReplaceAll(suffix, "-", ".")

	return prefix + suffix
}

// ParseSdistFilename parses a source distribution filename into its name
// and version, applying the legacy name-repair described above before
// splitting on the last remaining hyphen.
func ParseSdistFilename(filename string) (name, version string, err error) {
	stem := filename

	switch {
	case strings.HasSuffix(stem, ".tar.gz"):
		stem = strings.TrimSuffix(stem, ".tar.gz")
	case strings.HasSuffix(stem, ".zip"):
		stem = strings.TrimSuffix(stem, ".zip")
	default:
		return "", "", fmt.Errorf("unrecognized sdist extension in %q", filename)
	}

	stem = toSingleDash(stem)

	idx := strings.LastIndexByte(stem, '-')
	if idx <= 0 || idx == len(stem)-1 {
		return "", "", fmt.Errorf("cannot split name/version in %q", filename)
	}

	return stem[:idx], stem[idx+1:], nil
}

// parseInterpreter splits a wheel interpreter tag such as "cp312" or "py3"
// into its implementation name and dotted version ("cp","3.12"; "py","3").
func parseInterpreter(tag string) (name, version string, ok bool) {
	i := 0
	for i < len(tag) && !(tag[i] >= '0' && tag[i] <= '9') {
		i++
	}

	if i == 0 || i == len(tag) {
		return "", "", false
	}

	name = tag[:i]
	digits := tag[i:]
	digits = strings.TrimPrefix(digits, ".")
	digits = strings.TrimPrefix(digits, "_")

	if len(digits) == 0 {
		return "", "", false
	}

	major := digits[:1]
	rest := digits[1:]

	if rest == "" {
		return name, major, true
	}

	if _, err := strconv.Atoi(rest); err != nil {
		return "", "", false
	}

	return name, major + "." + rest, true
}
