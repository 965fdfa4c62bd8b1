// Package excludes ships preset exclude-pattern groups that jobs opt into
// by name, so common noise (OS metadata, build output, caches) does not
// have to be spelled out per job.
package excludes

import (
	"sort"
	"strings"
)

// MetadataKey is the job metadata key holding a comma-separated list of
// preset names.
const MetadataKey = "exclude_presets"

// presets maps a preset name to the patterns it contributes. Names are
// matched case-insensitively.
var presets = map[string][]string{
	"os": {
		".DS_Store",
		".AppleDouble",
		"._*",
		".Spotlight-V100",
		".Trashes",
		".fseventsd",
		"Thumbs.db",
		"desktop.ini",
		"$RECYCLE.BIN/",
		"*~",
		".nfs*",
		".Trash-*",
	},
	"vcs": {
		".git/objects",
		".git/lfs",
		".svn",
		".hg",
	},
	"build": {
		"node_modules",
		"target/debug",
		"target/release",
		"build/",
		"dist/",
		"*.o",
		"*.pyc",
		"__pycache__",
	},
	"cache": {
		".cache",
		"*.tmp",
		"*.swp",
		"Cache/",
		"Caches/",
	},
	"logs": {
		"*.log",
		"logs/",
	},
}

// Names returns the known preset names, sorted.
func Names() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands a comma-separated list of preset names into the combined
// pattern list. Unknown names and empty entries are skipped; duplicate
// patterns across presets appear once. An empty spec resolves to nil.
func Resolve(spec string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, name := range strings.Split(spec, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		for _, pattern := range presets[name] {
			if _, dup := seen[pattern]; dup {
				continue
			}
			seen[pattern] = struct{}{}
			out = append(out, pattern)
		}
	}
	return out
}
