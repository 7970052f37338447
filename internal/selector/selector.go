// Package selector implements the file filter and wheel-scoring pipeline
// (spec.md §4.D): turning one package's raw Simple API file listing into
// the concrete set of files a mirror run should download.
package selector

import (
	"regexp"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/morgan-mirror/morgan/internal/environment"
	"github.com/morgan-mirror/morgan/internal/requirement"
	"github.com/morgan-mirror/morgan/internal/simpleindex"
)

// DefaultPackageTypeRegex matches the distribution extensions the engine
// considers by default: wheels, zip sdists, and gzipped tar sdists.
const DefaultPackageTypeRegex = `(whl|zip|tar\.gz)$`

// FileRecord is one distribution file enriched with everything the
// selection pipeline and downstream fetch layer need.
type FileRecord struct {
	Filename       string
	URL            string
	RawVersion     string
	Version        pep440.Version
	IsWheel        bool
	Tags           []WheelTag
	RequiresPython string
	Hashes         map[string]string
	UploadTime     string
	Score          [2]int
}

// Options configures one Select call; the zero value uses
// DefaultPackageTypeRegex with both breadth toggles off.
type Options struct {
	PackageTypeRegex  *regexp.Regexp
	MirrorAllWheels   bool
	MirrorAllVersions bool
}

func (o Options) extensionPattern() *regexp.Regexp {
	if o.PackageTypeRegex != nil {
		return o.PackageTypeRegex
	}

	return regexp.MustCompile(DefaultPackageTypeRegex)
}

// Select runs the full §4.D pipeline: extension gate, parse, sort, specifier
// filter, environment filter, per-version reduction, and (for top-level
// requirements) version-breadth reduction.
func Select(files []simpleindex.RawFile, req requirement.Requirement, envs []environment.Environment, topLevel bool, opts Options) []FileRecord {
	records := parseAndFilterByExtension(files, opts.extensionPattern())
	records = parseVersionsAndTags(records)
	records = dropYanked(records)
	sortDescending(records)
	records = filterBySpecifier(records, req)
	records = filterByEnvironment(records, envs)
	records = reduceByVersion(records, envs, opts.MirrorAllWheels)
	records = reduceByVersionBreadth(records, topLevel, opts.MirrorAllVersions)

	out := make([]FileRecord, len(records))
	for i, r := range records {
		out[i] = *r
	}

	return out
}

func parseAndFilterByExtension(files []simpleindex.RawFile, pattern *regexp.Regexp) []*rawWithHashes {
	out := make([]*rawWithHashes, 0, len(files))

	for i := range files {
		f := files[i]
		if !pattern.MatchString(f.Filename) {
			continue
		}

		out = append(out, &rawWithHashes{raw: f})
	}

	return out
}

// rawWithHashes carries the raw Simple API entry alongside its (eventually)
// parsed FileRecord while the pipeline is still assembling it.
type rawWithHashes struct {
	raw    simpleindex.RawFile
	record *FileRecord
}

func parseVersionsAndTags(in []*rawWithHashes) []*rawWithHashes {
	out := make([]*rawWithHashes, 0, len(in))

	for _, item := range in {
		filename := item.raw.Filename

		var (
			rawVersion string
			isWheel    bool
			tags       []WheelTag
		)

		switch {
		case strings.HasSuffix(strings.ToLower(filename), ".whl"):
			_, v, t, err := ParseWheelFilename(filename)
			if err != nil {
				continue
			}

			rawVersion = v
			isWheel = true
			tags = t
		default:
			_, v, err := ParseSdistFilename(filename)
			if err != nil {
				continue
			}

			rawVersion = v
		}

		version, err := pep440.Parse(rawVersion)
		if err != nil {
			continue
		}

		item.record = &FileRecord{
			Filename:       filename,
			URL:            item.raw.URL,
			RawVersion:     rawVersion,
			Version:        version,
			IsWheel:        isWheel,
			Tags:           tags,
			RequiresPython: item.raw.RequiresPython,
			Hashes:         item.raw.Hashes,
			UploadTime:     item.raw.UploadTime,
		}

		if isWheel {
			item.record.Score = scoreWheel(tags)
		} else {
			item.record.Score = sdistScore
		}

		out = append(out, item)
	}

	return out
}

func dropYanked(in []*rawWithHashes) []*rawWithHashes {
	out := make([]*rawWithHashes, 0, len(in))

	for _, item := range in {
		if item.raw.IsYanked() {
			continue
		}

		out = append(out, item)
	}

	return out
}

func sortDescending(in []*rawWithHashes) {
	sort.SliceStable(in, func(i, j int) bool {
		return in[i].record.Version.GreaterThan(in[j].record.Version)
	})
}

func filterBySpecifier(in []*rawWithHashes, req requirement.Requirement) []*rawWithHashes {
	if req.Specifiers == "" {
		return in
	}

	specs, err := pep440.NewSpecifiers(req.Specifiers)
	if err != nil {
		return nil
	}

	out := make([]*rawWithHashes, 0, len(in))

	for _, item := range in {
		if specs.Check(item.record.Version) {
			out = append(out, item)
		}
	}

	return out
}

func filterByEnvironment(in []*rawWithHashes, envs []environment.Environment) []*rawWithHashes {
	supportedVersions := environment.SupportedPythonVersions(envs)
	supportedPlatforms := environment.SupportedPlatforms(envs)

	out := make([]*rawWithHashes, 0, len(in))

	for _, item := range in {
		if !containsAllPythonVersions(item.record.RequiresPython, supportedVersions) {
			continue
		}

		if item.record.IsWheel && !anyTagCompatible(item.record.Tags, supportedVersions, supportedPlatforms) {
			continue
		}

		out = append(out, item)
	}

	return out
}

var requiresPythonStarRepair = regexp.MustCompile(`(\d)\.?\*`)

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}

	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

func repairRequiresPython(spec string) string {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return spec
	}

	if isAllDigits(spec) {
		return "==" + spec
	}

	return requiresPythonStarRepair.ReplaceAllString(spec, "$1")
}

func containsAllPythonVersions(requiresPython string, supported []string) bool {
	repaired := repairRequiresPython(requiresPython)
	if repaired == "" {
		return true
	}

	specs, err := pep440.NewSpecifiers(repaired)
	if err != nil {
		return false
	}

	for _, v := range supported {
		pv, err := pep440.Parse(v)
		if err != nil {
			continue
		}

		if !specs.Check(pv) {
			return false
		}
	}

	return true
}

func anyTagCompatible(tags []WheelTag, supportedVersions []string, supportedPlatforms []*regexp.Regexp) bool {
	for _, t := range tags {
		if tagCompatible(t, supportedVersions, supportedPlatforms) {
			return true
		}
	}

	return false
}

func tagCompatible(t WheelTag, supportedVersions []string, supportedPlatforms []*regexp.Regexp) bool {
	name, interpVer, ok := parseInterpreter(t.Interpreter)
	if !ok || (name != "cp" && name != "py") {
		return false
	}

	if !interpreterMatchesAny(interpVer, supportedVersions) {
		return false
	}

	return environment.MatchesAnyPlatform(t.Platform, supportedPlatforms)
}

// interpreterMatchesAny reports whether some supported python version
// satisfies ">= interpVer". A bare major version of "3" always matches,
// mirroring the reference implementation's special case for wheels tagged
// only with the major Python generation.
func interpreterMatchesAny(interpVer string, supportedVersions []string) bool {
	if interpVer == "3" {
		return true
	}

	specs, err := pep440.NewSpecifiers(">=" + interpVer)
	if err != nil {
		return false
	}

	for _, v := range supportedVersions {
		pv, err := pep440.Parse(v)
		if err != nil {
			continue
		}

		if specs.Check(pv) {
			return true
		}
	}

	return false
}

func reduceByVersion(in []*rawWithHashes, envs []environment.Environment, mirrorAllWheels bool) []*rawWithHashes {
	if mirrorAllWheels {
		return in
	}

	supportedVersions := environment.SupportedPythonVersions(envs)
	supportedPlatforms := environment.SupportedPlatforms(envs)

	var out []*rawWithHashes

	for _, group := range groupByVersion(in) {
		out = append(out, selectBestFilesForVersion(group, supportedVersions, supportedPlatforms)...)
	}

	return out
}

// groupByVersion partitions in into contiguous runs sharing the same
// version string, preserving the incoming (version-descending) order.
func groupByVersion(in []*rawWithHashes) [][]*rawWithHashes {
	var groups [][]*rawWithHashes

	var current []*rawWithHashes

	for _, item := range in {
		if len(current) > 0 && current[0].record.RawVersion != item.record.RawVersion {
			groups = append(groups, current)
			current = nil
		}

		current = append(current, item)
	}

	if len(current) > 0 {
		groups = append(groups, current)
	}

	return groups
}

func selectBestFilesForVersion(group []*rawWithHashes, supportedVersions []string, supportedPlatforms []*regexp.Regexp) []*rawWithHashes {
	var wheels, sdists []*rawWithHashes

	for _, item := range group {
		if item.record.IsWheel {
			wheels = append(wheels, item)
		} else {
			sdists = append(sdists, item)
		}
	}

	sort.SliceStable(wheels, func(i, j int) bool {
		si, sj := wheels[i].record.Score, wheels[j].record.Score
		if si[0] != sj[0] {
			return si[0] > sj[0]
		}

		return si[1] > sj[1]
	})

	selected := make(map[[2]string]bool)

	var ordered []*rawWithHashes

	add := func(item *rawWithHashes) {
		if item == nil {
			return
		}

		key := [2]string{item.record.Filename, item.record.URL}
		if selected[key] {
			return
		}

		selected[key] = true

		ordered = append(ordered, item)
	}

	if len(supportedVersions) == 0 {
		supportedVersions = []string{""}
	}

	platforms := supportedPlatforms
	if len(platforms) == 0 {
		platforms = []*regexp.Regexp{nil}
	}

	for _, pv := range supportedVersions {
		for _, plat := range platforms {
			add(firstMatchingWheel(wheels, pv, plat))
		}

		add(firstMatchingSdist(sdists))
	}

	return ordered
}

func firstMatchingWheel(wheels []*rawWithHashes, pv string, plat *regexp.Regexp) *rawWithHashes {
	var patterns []*regexp.Regexp
	if plat != nil {
		patterns = []*regexp.Regexp{plat}
	}

	var versions []string
	if pv != "" {
		versions = []string{pv}
	}

	for _, w := range wheels {
		if anyTagCompatibleForCell(w.record.Tags, versions, patterns) {
			return w
		}
	}

	return nil
}

func anyTagCompatibleForCell(tags []WheelTag, versions []string, patterns []*regexp.Regexp) bool {
	for _, t := range tags {
		name, interpVer, ok := parseInterpreter(t.Interpreter)
		if !ok || (name != "cp" && name != "py") {
			continue
		}

		if len(versions) > 0 && !interpreterMatchesAny(interpVer, versions) {
			continue
		}

		if len(patterns) > 0 && !environment.MatchesAnyPlatform(t.Platform, patterns) {
			continue
		}

		return true
	}

	return false
}

func firstMatchingSdist(sdists []*rawWithHashes) *rawWithHashes {
	if len(sdists) == 0 {
		return nil
	}

	return sdists[0]
}

func reduceByVersionBreadth(in []*rawWithHashes, topLevel, mirrorAllVersions bool) []*rawWithHashes {
	if len(in) == 0 {
		return in
	}

	if topLevel && mirrorAllVersions {
		return in
	}

	top := in[0].record.RawVersion

	out := make([]*rawWithHashes, 0, len(in))

	for _, item := range in {
		if item.record.RawVersion == top {
			out = append(out, item)
		}
	}

	return out
}
