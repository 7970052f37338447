package distmeta

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/morgan-mirror/morgan/internal/environment"
	"github.com/morgan-mirror/morgan/internal/requirement"
)

// sourcePriority orders which canonical metadata member wins when more than
// one is present in an archive (wheels carry METADATA; sdists carry
// PKG-INFO, sometimes alongside a legacy egg-info/requires.txt).
const (
	priorityNone = iota
	priorityPKGInfo
	priorityMetadata
)

// Metadata is everything extract needs to recover from one archive: the raw
// bytes of its canonical metadata member (for the .metadata sidecar) and
// the dependency list, however it was declared.
type Metadata struct {
	Raw          []byte
	Source       string
	RequiresDist []string
	RequiresTxt  *requiresTxt

	priority int
}

// SeenMetadataMember reports whether a canonical metadata file (METADATA or
// PKG-INFO) was found, which gates writing the .metadata sidecar.
func (m *Metadata) SeenMetadataMember() bool {
	return m != nil && m.priority > priorityNone
}

// Extract opens the archive at path (whose filename decides zip vs tar.gz
// handling) and recovers its dependency metadata. When a canonical metadata
// member was found, its raw bytes are also written to "<path>.metadata".
// Returns (nil, nil) when neither a canonical metadata member nor a
// requires.txt was found — the archive opened fine but had nothing to say.
func Extract(path, filename string, logger *slog.Logger) (*Metadata, error) {
	if logger == nil {
		logger = slog.Default()
	}

	md := &Metadata{}

	err := walkArchive(path, filename, func(name string, r io.Reader) error {
		return consumeMember(md, name, r)
	}, logger)
	if err != nil {
		return nil, err
	}

	if md.priority == priorityNone && md.RequiresTxt == nil {
		return nil, nil
	}

	if md.SeenMetadataMember() {
		if err := os.WriteFile(path+".metadata", md.Raw, 0o644); err != nil {
			logger.Warn("writing metadata sidecar", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	return md, nil
}

func consumeMember(md *Metadata, name string, r io.Reader) error {
	base := memberBase(name)

	switch base {
	case "METADATA":
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		fields, err := parseRFC822(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}

		if priorityMetadata >= md.priority {
			md.Raw = data
			md.Source = "METADATA"
			md.priority = priorityMetadata
			md.RequiresDist = fields.requiresDist
		}

		return nil
	case "PKG-INFO":
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		fields, err := parseRFC822(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}

		if priorityPKGInfo >= md.priority {
			md.Raw = data
			md.Source = "PKG-INFO"
			md.priority = priorityPKGInfo
		}

		if len(fields.requiresDist) > 0 {
			md.RequiresDist = fields.requiresDist
		}

		return nil
	case "requires.txt":
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		sections, err := parseRequiresTxt(data)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}

		md.RequiresTxt = sections

		return nil
	default:
		return nil
	}
}

type rfc822Fields struct {
	requiresDist []string
}

// parseRFC822 reads the RFC822-style header block of a METADATA or
// PKG-INFO file and collects every "Requires-Dist:" value. The body (after
// the first blank line, a free-text long description) is ignored.
func parseRFC822(data []byte) (rfc822Fields, error) {
	var fields rfc822Fields

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break // header block ends at the first blank line
		}

		const prefix = "Requires-Dist:"

		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			fields.requiresDist = append(fields.requiresDist, strings.TrimSpace(line[len(prefix):]))
		}
	}

	if err := scanner.Err(); err != nil {
		return rfc822Fields{}, err
	}

	return fields, nil
}

// requiresTxt is the parsed form of a setuptools egg-info/requires.txt:
// an unconditional section followed by zero or more extra- or
// marker-gated sections, e.g. "[socks]" or "[:sys_platform == \"win32\"]".
type requiresTxt struct {
	sections []requiresSection
}

type requiresSection struct {
	extra  string // "" for the unconditional section
	marker string // "" when the section has no ":marker" suffix
	lines  []string
}

// parseRequiresTxt scans a requires.txt body, tracking the current
// "[section]" header the way the reference entry-points parser tracks
// "[console_scripts]".
func parseRequiresTxt(data []byte) (*requiresTxt, error) {
	doc := &requiresTxt{}
	current := requiresSection{}
	hasCurrent := false

	flush := func() {
		if hasCurrent && len(current.lines) > 0 {
			doc.sections = append(doc.sections, current)
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()

			header := line[1 : len(line)-1]
			extra, marker := "", ""

			if idx := strings.Index(header, ":"); idx >= 0 {
				extra = header[:idx]
				marker = header[idx+1:]
			} else {
				extra = header
			}

			current = requiresSection{extra: extra, marker: marker}
			hasCurrent = true

			continue
		}

		if !hasCurrent {
			current = requiresSection{}
			hasCurrent = true
		}

		current.lines = append(current.lines, line)
	}

	flush()

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return doc, nil
}

// Dependencies returns md's Requires-Dist entries, parsed into
// requirement.Requirement values and filtered to those relevant for at
// least one of envs under activatingExtras (the extras the parent
// requested). A requires.txt section's own extra/marker tag is folded into
// each of its lines as an additional, synthesized marker clause.
func Dependencies(md *Metadata, activatingExtras []string, envs []environment.Environment) ([]requirement.Requirement, error) {
	if md == nil {
		return nil, nil
	}

	var raw []string

	if len(md.RequiresDist) > 0 {
		raw = md.RequiresDist
	} else if md.RequiresTxt != nil {
		raw = requiresTxtToRequirementStrings(md.RequiresTxt)
	}

	out := make([]requirement.Requirement, 0, len(raw))

	for _, s := range raw {
		r, err := requirement.Parse(s)
		if err != nil {
			continue
		}

		if !environment.IsRelevantAnyForExtras(r, envs, activatingExtras) {
			continue
		}

		out = append(out, r)
	}

	return out, nil
}

// requiresTxtToRequirementStrings renders every line of doc as a PEP 508
// requirement string, folding each section's extra/marker into the line's
// own marker so Dependencies' relevance filter can treat it uniformly.
func requiresTxtToRequirementStrings(doc *requiresTxt) []string {
	var out []string

	for _, sec := range doc.sections {
		extraMarker := ""

		switch {
		case sec.extra != "" && sec.marker != "":
			extraMarker = fmt.Sprintf(`extra == "%s" and (%s)`, sec.extra, sec.marker)
		case sec.extra != "":
			extraMarker = fmt.Sprintf(`extra == "%s"`, sec.extra)
		case sec.marker != "":
			extraMarker = sec.marker
		}

		for _, line := range sec.lines {
			if extraMarker == "" {
				out = append(out, line)

				continue
			}

			if strings.Contains(line, ";") {
				out = append(out, line+" and ("+extraMarker+")")
			} else {
				out = append(out, line+"; "+extraMarker)
			}
		}
	}

	return out
}
