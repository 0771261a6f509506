package store

import (
	"sort"
	"strings"
)

// ParseManifest parses a serialized package manifest: one "name==version"
// entry per line, blank lines ignored. A line without "==" is a bare package
// name with an empty version.
func ParseManifest(serialized string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(serialized, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, version, _ := strings.Cut(line, "==")
		out[name] = version
	}
	return out
}

// DiffManifests returns the sorted names of packages that were added,
// removed, or changed version between two manifests. Only these names
// participate in per-test invalidation; an unrelated upgrade never touches a
// test that does not use it.
func DiffManifests(old, new string) []string {
	prev := ParseManifest(old)
	next := ParseManifest(new)

	changed := make(map[string]bool)
	for name, version := range next {
		if prevVersion, ok := prev[name]; !ok || prevVersion != version {
			changed[name] = true
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			changed[name] = true
		}
	}

	names := make([]string, 0, len(changed))
	for name := range changed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
