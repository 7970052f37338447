package selector

import (
	"regexp"
	"strconv"
	"strings"
)

// sdistScore is the sentinel score sdists receive so they always sort
// ahead of wheels and are never excluded by score-based tie-breaking.
var sdistScore = [2]int{10_000_000_000, 10_000_000_000}

var platformTagRe = regexp.MustCompile(`[a-z]+_(\d+)_(\d+)`)

// scoreWheel computes the wheel score described in spec.md §4.D: the
// lexicographic maximum of (py_score, platform_score) over every tag whose
// interpreter is recognizable as "cp" or "py". Tags this engine can't
// interpret (odd interpreters like "jy") are ignored for scoring purposes.
func scoreWheel(tags []WheelTag) [2]int {
	best := [2]int{-1, -1}
	seen := false

	for _, t := range tags {
		name, ver, ok := parseInterpreter(t.Interpreter)
		if !ok || (name != "cp" && name != "py") {
			continue
		}

		score := [2]int{pythonScore(ver), platformScore(t.Platform)}

		if !seen || score[0] > best[0] || (score[0] == best[0] && score[1] > best[1]) {
			best = score
			seen = true
		}
	}

	return best
}

func pythonScore(version string) int {
	major, minor := 0, 0

	parts := strings.SplitN(version, ".", 2)

	if v, err := strconv.Atoi(parts[0]); err == nil {
		major = v
	}

	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			minor = v
		}
	}

	return major*100 + minor
}

func platformScore(platform string) int {
	if m := platformTagRe.FindStringSubmatch(platform); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])

		return a*100 + b
	}

	switch {
	case strings.Contains(platform, "manylinux2014"):
		return 90
	case strings.Contains(platform, "manylinux2010"):
		return 80
	case strings.Contains(platform, "manylinux1"):
		return 70
	default:
		return 0
	}
}
