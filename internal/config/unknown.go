package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys per section. The empty section holds the
// top-level keys and the section names themselves.
var knownKeys = map[string][]string{
	"":          {"source_dir", "destination_dir", "sync", "filter", "transfers", "safety", "logging"},
	"sync":      {"interval", "idle_pause", "journal_path", "pid_file"},
	"filter":    {"skip_files", "skip_dirs", "skip_dotfiles", "ignore_marker"},
	"transfers": {"bandwidth_limit"},
	"safety":    {"min_free_space"},
	"logging":   {"log_level", "log_file", "log_format"},
}

func init() {
	// Sorted for deterministic suggestions when two candidates have the same
	// edit distance.
	for _, keys := range knownKeys {
		sort.Strings(keys)
	}
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	for _, key := range md.Undecoded() {
		errs = append(errs, buildUnknownKeyError(key))
	}

	return errors.Join(errs...)
}

// buildUnknownKeyError creates a descriptive error for an unknown key,
// suggesting the closest known key in the same section.
func buildUnknownKeyError(key toml.Key) error {
	section := ""
	field := key[len(key)-1]

	if len(key) > 1 {
		section = key[0]
		field = key[1]
	}

	candidates, ok := knownKeys[section]
	if !ok {
		// Unknown section: suggest among section names.
		candidates = knownKeys[""]
		field = section
	}

	if suggestion := closestMatch(field, candidates); suggestion != "" {
		return fmt.Errorf("unknown config key %q — did you mean %q?", key.String(), suggestion)
	}

	return fmt.Errorf("unknown config key %q", key.String())
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings using a single
// rolling row pair.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
